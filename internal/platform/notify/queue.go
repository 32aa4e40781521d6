// Package notify queues outbound email and in-app notifications as store
// documents. A separate delivery worker drains the collections; nothing in
// this process talks to a mail provider directly.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinform/clinform/internal/platform/docstore"
)

// MailCollection holds queued outbound email documents.
const MailCollection = "mail"

// NotificationCollection is the patient-facing in-app notification feed.
func NotificationCollection(patientID string) string {
	return "patients/" + patientID + "/notifications"
}

// InboxCollection is the practitioner's work inbox.
func InboxCollection(practitionerID string) string {
	return "practitioners/" + practitionerID + "/inbox"
}

type Queue struct {
	store docstore.Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewQueue(store docstore.Store, log zerolog.Logger) *Queue {
	return &Queue{
		store: store,
		log:   log.With().Str("component", "notify").Logger(),
		now:   time.Now,
	}
}

// Mail queues an email to the given address.
func (q *Queue) Mail(ctx context.Context, to, subject, html string) error {
	id := uuid.NewString()
	doc := docstore.Document{
		"to": to,
		"message": map[string]interface{}{
			"subject": subject,
			"html":    html,
		},
		"created_at": q.now().UTC().Format(time.RFC3339Nano),
	}
	if err := q.store.Set(ctx, MailCollection, id, doc); err != nil {
		return fmt.Errorf("queue mail to %s: %w", to, err)
	}
	q.log.Debug().Str("to", to).Str("subject", subject).Msg("mail queued")
	return nil
}

// NotifyPatient appends an entry to the patient's notification feed.
func (q *Queue) NotifyPatient(ctx context.Context, patientID, kind, title, body string) error {
	return q.append(ctx, NotificationCollection(patientID), kind, title, body)
}

// NotifyPractitioner appends an entry to the practitioner's inbox.
func (q *Queue) NotifyPractitioner(ctx context.Context, practitionerID, kind, title, body string) error {
	return q.append(ctx, InboxCollection(practitionerID), kind, title, body)
}

func (q *Queue) append(ctx context.Context, collection, kind, title, body string) error {
	id := uuid.NewString()
	doc := docstore.Document{
		"type":       kind,
		"title":      title,
		"body":       body,
		"read":       false,
		"created_at": q.now().UTC().Format(time.RFC3339Nano),
	}
	if err := q.store.Set(ctx, collection, id, doc); err != nil {
		return fmt.Errorf("queue notification in %s: %w", collection, err)
	}
	return nil
}
