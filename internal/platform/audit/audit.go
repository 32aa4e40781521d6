// Package audit detects drift between the root questionnaire collection and
// the per-patient subcollection mirrors. It reads, compares and reports; it
// never repairs, because blind repair could propagate the wrong copy as
// ground truth.
package audit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clinform/clinform/internal/platform/docstore"
)

const (
	DefaultRootLimit     = 2000
	DefaultPatientSample = 50
	DefaultMaxExamples   = 20
)

// Divergence is one subcollection document id with no root-collection
// counterpart.
type Divergence struct {
	PatientID string `json:"patientId"`
	MissingID string `json:"missingId"`
}

// Report is the structured audit result. Divergences is capped at the
// example limit; DivergenceCount is the uncapped total within the sample.
type Report struct {
	RootCount       int          `json:"rootCount"`
	SampledPatients int          `json:"sampledPatients"`
	DivergenceCount int          `json:"divergenceCount"`
	Divergences     []Divergence `json:"divergences"`
	Truncated       bool         `json:"truncated"`
}

// Auditor samples root ids and per-patient subcollection ids and reports
// every sampled subcollection id absent from the root set. The contract is
// "detect divergence within the sampled population", not global
// consistency: a divergent patient outside the sample goes unseen.
type Auditor struct {
	store docstore.Store
	log   zerolog.Logger

	RootCollection    string
	PatientCollection string
	SubCollection     func(patientID string) string

	RootLimit     int
	PatientSample int
	MaxExamples   int
}

func NewAuditor(store docstore.Store, log zerolog.Logger) *Auditor {
	return &Auditor{
		store: store,
		log:   log.With().Str("component", "audit").Logger(),

		RootCollection:    "questionnaires",
		PatientCollection: "patients",
		SubCollection: func(patientID string) string {
			return "patients/" + patientID + "/questionnaires"
		},

		RootLimit:     DefaultRootLimit,
		PatientSample: DefaultPatientSample,
		MaxExamples:   DefaultMaxExamples,
	}
}

// Run produces a divergence report. Read-only.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	rootIDs, err := a.store.IDs(ctx, a.RootCollection, a.RootLimit)
	if err != nil {
		return nil, fmt.Errorf("enumerate root ids: %w", err)
	}
	rootSet := make(map[string]struct{}, len(rootIDs))
	for _, id := range rootIDs {
		rootSet[id] = struct{}{}
	}

	patients, err := a.store.IDs(ctx, a.PatientCollection, a.PatientSample)
	if err != nil {
		return nil, fmt.Errorf("enumerate patients: %w", err)
	}

	report := &Report{
		RootCount:       len(rootIDs),
		SampledPatients: len(patients),
		Divergences:     []Divergence{},
	}
	for _, pid := range patients {
		subIDs, err := a.store.IDs(ctx, a.SubCollection(pid), 0)
		if err != nil {
			return nil, fmt.Errorf("enumerate subcollection for %s: %w", pid, err)
		}
		for _, id := range subIDs {
			if _, ok := rootSet[id]; ok {
				continue
			}
			report.DivergenceCount++
			if len(report.Divergences) < a.MaxExamples {
				report.Divergences = append(report.Divergences, Divergence{PatientID: pid, MissingID: id})
			} else {
				report.Truncated = true
			}
		}
	}

	a.log.Info().
		Int("root_count", report.RootCount).
		Int("sampled_patients", report.SampledPatients).
		Int("divergences", report.DivergenceCount).
		Msg("consistency audit finished")
	return report, nil
}
