package patient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinform/clinform/internal/platform/docstore"
)

// Collection holds patient documents.
const Collection = "patients"

// Account status values. A record is created as invited when the
// practitioner sends the invitation and becomes approved on activation.
const (
	StatusInvited  = "invited"
	StatusApproved = "approved"
)

// Patient is the consultation-space record for one patient. The
// questionnaire counters are denormalized from the patient's subcollection.
type Patient struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	FirstName      string     `json:"first_name,omitempty"`
	LastName       string     `json:"last_name,omitempty"`
	PractitionerID string     `json:"practitioner_id,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`

	InvitationTokenID string `json:"invitation_token_id,omitempty"`

	PendingQuestionnairesCount int  `json:"pendingQuestionnairesCount"`
	HasQuestionnairesAssigned  bool `json:"hasQuestionnairesAssigned"`
}

func (p *Patient) toDoc() (docstore.Document, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode patient %s: %w", p.ID, err)
	}
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode patient %s: %w", p.ID, err)
	}
	return doc, nil
}

func fromDoc(doc docstore.Document) (*Patient, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode patient document: %w", err)
	}
	var p Patient
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode patient document: %w", err)
	}
	return &p, nil
}
