package invitation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clinform/clinform/internal/platform/docstore"
)

// Collection holds invitation token documents.
const Collection = "invitations"

// DefaultTTL is how long a token stays consumable after issuance.
const DefaultTTL = 24 * time.Hour

var (
	ErrTokenNotFound    = errors.New("invitation token not found")
	ErrTokenAlreadyUsed = errors.New("invitation token already used")
	ErrTokenExpired     = errors.New("invitation token expired")
)

// Token is a single-use invitation bound to an email address. Several live
// tokens may exist for the same email (resends); each is consumable exactly
// once.
type Token struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	PractitionerID string     `json:"practitioner_id,omitempty"`
	PatientID      string     `json:"patient_id,omitempty"`
	Used           bool       `json:"used"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Expired reports whether the token is past its expiry at the given time.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

func (t *Token) toDoc() (docstore.Document, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode token %s: %w", t.ID, err)
	}
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode token %s: %w", t.ID, err)
	}
	return doc, nil
}

func fromDoc(doc docstore.Document) (*Token, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode token document: %w", err)
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode token document: %w", err)
	}
	return &t, nil
}
