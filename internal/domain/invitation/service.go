package invitation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinform/clinform/internal/platform/docstore"
	"github.com/clinform/clinform/internal/platform/notify"
)

const patientCollection = "patients"

// Manager issues and consumes invitation tokens. Consumption is the one
// operation that must be exactly-once: it rides on the store's
// compare-and-set so two racing consumers never both succeed.
type Manager struct {
	store docstore.Store
	queue *notify.Queue
	log   zerolog.Logger
	ttl   time.Duration

	now func() time.Time
}

func NewManager(store docstore.Store, queue *notify.Queue, log zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		queue: queue,
		log:   log.With().Str("component", "invitation").Logger(),
		ttl:   DefaultTTL,
		now:   time.Now,
	}
}

// SetTTL overrides the default token lifetime.
func (m *Manager) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		m.ttl = ttl
	}
}

// Issue creates a new unused token for the email and queues the invitation
// mail. Existing live tokens for the same email stay valid.
func (m *Manager) Issue(ctx context.Context, email, practitionerID, patientID string) (*Token, error) {
	now := m.now().UTC()
	t := &Token{
		ID:             uuid.NewString(),
		Email:          email,
		PractitionerID: practitionerID,
		PatientID:      patientID,
		Used:           false,
		ExpiresAt:      now.Add(m.ttl),
		CreatedAt:      now,
	}
	doc, err := t.toDoc()
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, Collection, t.ID, doc); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	if err := m.queue.Mail(ctx, email,
		"Your invitation to the patient portal",
		fmt.Sprintf("<p>You have been invited to the patient portal. Your invitation code is <b>%s</b>. It expires in %d hours.</p>",
			t.ID, int(m.ttl.Hours()))); err != nil {
		m.log.Warn().Err(err).Str("email", email).Msg("invitation mail enqueue failed")
	}
	m.log.Info().Str("token_id", t.ID).Str("email", email).Msg("invitation issued")
	return t, nil
}

// Validate returns the token when it is still consumable.
func (m *Manager) Validate(ctx context.Context, tokenID string) (*Token, error) {
	t, err := m.get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if t.Used {
		return nil, ErrTokenAlreadyUsed
	}
	if t.Expired(m.now().UTC()) {
		return nil, ErrTokenExpired
	}
	return t, nil
}

// Consume marks the token used and links it to the patient record. The
// used flag flips through a single compare-and-set, so exactly one of two
// concurrent consumers succeeds.
func (m *Manager) Consume(ctx context.Context, tokenID, patientID string) (*Token, error) {
	t, err := m.get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if t.Expired(m.now().UTC()) {
		return nil, ErrTokenExpired
	}
	return m.markUsed(ctx, t, patientID)
}

// markUsed flips the used flag through the store's compare-and-set and
// links the token to the patient record.
func (m *Manager) markUsed(ctx context.Context, t *Token, patientID string) (*Token, error) {
	usedAt := m.now().UTC()
	fields := docstore.Document{
		"used":       true,
		"used_at":    usedAt.Format(time.RFC3339Nano),
		"patient_id": patientID,
	}
	err := m.store.UpdateIf(ctx, Collection, t.ID, "used", false, fields)
	switch {
	case errors.Is(err, docstore.ErrConflict):
		return nil, ErrTokenAlreadyUsed
	case errors.Is(err, docstore.ErrNotFound):
		return nil, ErrTokenNotFound
	case err != nil:
		return nil, fmt.Errorf("consume token %s: %w", t.ID, err)
	}

	t.Used = true
	t.UsedAt = &usedAt
	t.PatientID = patientID
	m.link(ctx, t.ID, patientID)
	m.log.Info().Str("token_id", t.ID).Str("patient_id", patientID).Msg("invitation consumed")
	return t, nil
}

// Remediate force-consumes the most recent unused token for an email and
// relinks it to an existing patient record. Administrative path for accounts
// provisioned out-of-band, where the token is typically past its expiry; the
// compare-and-set on the used flag is the only protection here.
func (m *Manager) Remediate(ctx context.Context, email, patientID string) (*Token, error) {
	docs, err := m.store.Query(ctx, Collection, docstore.Filter{"email": email, "used": false}, 0)
	if err != nil {
		return nil, fmt.Errorf("query tokens for %s: %w", email, err)
	}
	var latest *Token
	for _, d := range docs {
		t, err := fromDoc(d)
		if err != nil {
			return nil, err
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrTokenNotFound
	}
	m.log.Info().Str("token_id", latest.ID).Str("email", email).Msg("remediating invitation")
	return m.markUsed(ctx, latest, patientID)
}

func (m *Manager) get(ctx context.Context, tokenID string) (*Token, error) {
	doc, err := m.store.Get(ctx, Collection, tokenID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("get token %s: %w", tokenID, err)
	}
	return fromDoc(doc)
}

// link records the consumed token on the patient document. The patient
// record may not exist yet during signup; that is not an error.
func (m *Manager) link(ctx context.Context, tokenID, patientID string) {
	err := m.store.Update(ctx, patientCollection, patientID, docstore.Document{
		"invitation_token_id": tokenID,
	})
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		m.log.Warn().Err(err).Str("patient_id", patientID).Msg("token link failed")
	}
}
