package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinform/clinform/internal/domain/invitation"
	"github.com/clinform/clinform/internal/platform/auth"
	"github.com/clinform/clinform/internal/platform/docstore"
	"github.com/clinform/clinform/internal/platform/notify"
)

var (
	ErrForbidden    = errors.New("caller not allowed to perform this operation")
	ErrEmailMissing = errors.New("patient email is required")
)

// Service manages patient records: creation at invitation time and
// activation once the patient consumes their token.
type Service struct {
	store       docstore.Store
	invitations *invitation.Manager
	queue       *notify.Queue
	log         zerolog.Logger

	now func() time.Time
}

func NewService(store docstore.Store, invitations *invitation.Manager, queue *notify.Queue, log zerolog.Logger) *Service {
	return &Service{
		store:       store,
		invitations: invitations,
		queue:       queue,
		log:         log.With().Str("component", "patient_service").Logger(),
		now:         time.Now,
	}
}

// Create makes an invited patient record and issues the invitation token.
// Practitioner-only.
func (s *Service) Create(ctx context.Context, email, firstName, lastName string) (*Patient, error) {
	if !callerHasRole(ctx, auth.RolePractitioner) {
		return nil, ErrForbidden
	}
	if email == "" {
		return nil, ErrEmailMissing
	}

	now := s.now().UTC()
	p := &Patient{
		ID:             uuid.NewString(),
		Email:          email,
		FirstName:      firstName,
		LastName:       lastName,
		PractitionerID: auth.UserIDFromContext(ctx),
		Status:         StatusInvited,
		CreatedAt:      &now,
	}

	tok, err := s.invitations.Issue(ctx, email, p.PractitionerID, p.ID)
	if err != nil {
		return nil, fmt.Errorf("issue invitation: %w", err)
	}
	p.InvitationTokenID = tok.ID

	doc, err := p.toDoc()
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, Collection, p.ID, doc); err != nil {
		return nil, fmt.Errorf("store patient: %w", err)
	}
	s.log.Info().Str("patient_id", p.ID).Str("practitioner_id", p.PractitionerID).Msg("patient invited")
	return p, nil
}

// Get returns a patient record. Patients see only themselves.
func (s *Service) Get(ctx context.Context, patientID string) (*Patient, error) {
	if auth.UserIDFromContext(ctx) != patientID && !callerHasRole(ctx, auth.RolePractitioner) {
		return nil, ErrForbidden
	}
	doc, err := s.store.Get(ctx, Collection, patientID)
	if err != nil {
		return nil, err
	}
	return fromDoc(doc)
}

// Activate approves the patient's consultation space: the invitation token
// is consumed, the record flips to approved, the patient gets a welcome
// mail and the practitioner a notification.
func (s *Service) Activate(ctx context.Context, patientID, tokenID string) (*Patient, error) {
	if auth.UserIDFromContext(ctx) != patientID && !callerHasRole(ctx) {
		return nil, ErrForbidden
	}

	if _, err := s.invitations.Consume(ctx, tokenID, patientID); err != nil {
		return nil, err
	}

	activatedAt := s.now().UTC()
	fields := docstore.Document{
		"status":       StatusApproved,
		"activated_at": activatedAt.Format(time.RFC3339Nano),
	}
	if err := s.store.Update(ctx, Collection, patientID, fields); err != nil {
		return nil, fmt.Errorf("approve patient %s: %w", patientID, err)
	}

	doc, err := s.store.Get(ctx, Collection, patientID)
	if err != nil {
		return nil, err
	}
	p, err := fromDoc(doc)
	if err != nil {
		return nil, err
	}

	if p.Email != "" {
		if merr := s.queue.Mail(ctx, p.Email,
			"Welcome to your consultation space",
			"<p>Your consultation space is now active. Your practitioner will assign questionnaires for you to fill in.</p>"); merr != nil {
			s.log.Warn().Err(merr).Str("patient_id", patientID).Msg("welcome mail enqueue failed")
		}
	}
	if p.PractitionerID != "" {
		if nerr := s.queue.NotifyPractitioner(ctx, p.PractitionerID, "patient_activated",
			"Patient activated",
			fmt.Sprintf("Patient %s activated their consultation space", patientID)); nerr != nil {
			s.log.Warn().Err(nerr).Str("patient_id", patientID).Msg("activation notification failed")
		}
	}
	s.log.Info().Str("patient_id", patientID).Msg("patient activated")
	return p, nil
}

func callerHasRole(ctx context.Context, want ...string) bool {
	for _, r := range auth.RolesFromContext(ctx) {
		if r == auth.RoleAdmin {
			return true
		}
		for _, w := range want {
			if r == w {
				return true
			}
		}
	}
	return false
}
