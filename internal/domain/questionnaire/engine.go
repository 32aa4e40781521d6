package questionnaire

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinform/clinform/internal/platform/docstore"
)

// validTransitions maps a current status to the statuses reachable from it.
// Same-state requests are idempotent no-ops handled before this table is
// consulted, so they never appear here.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusSubmitted},
	StatusInProgress: {StatusCompleted, StatusSubmitted},
	StatusCompleted:  {StatusReopened},
	StatusReopened:   {StatusCompleted},
	StatusSubmitted:  {},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	rootWriteRetries = 3
	rootBackoffBase  = 200 * time.Millisecond
)

// Engine applies lifecycle operations to patient questionnaires. Every
// state-changing operation writes the patient subcollection copy first, then
// the root copy; a root write that keeps failing after retries surfaces as a
// *PartialWriteError while the subcollection write stands.
type Engine struct {
	store  docstore.Store
	scorer Scorer
	log    zerolog.Logger

	// overridable in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(store docstore.Store, scorer Scorer, log zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		scorer: scorer,
		log:    log.With().Str("component", "questionnaire_engine").Logger(),
		now:    time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// AssignResult reports which templates produced new assignments and which
// were already assigned to the patient.
type AssignResult struct {
	Assigned        []string `json:"assigned"`
	AlreadyAssigned []string `json:"already_assigned"`
}

// Assign creates pending questionnaires for the patient from the given
// templates (the default set when none are supplied). Assignment is
// idempotent per (patient, template): an existing assignment is reported,
// not rewritten.
func (e *Engine) Assign(ctx context.Context, patientID, practitionerID string, templates []Template) (*AssignResult, error) {
	if len(templates) == 0 {
		templates = DefaultTemplates
	}
	res := &AssignResult{}
	sub := SubCollection(patientID)
	for _, tpl := range templates {
		id := DocID(tpl.ID, patientID)
		if _, err := e.store.Get(ctx, sub, id); err == nil {
			res.AlreadyAssigned = append(res.AlreadyAssigned, tpl.ID)
			continue
		} else if !errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("check existing assignment %s: %w", id, err)
		}

		assignedAt := e.now().UTC()
		q := &PatientQuestionnaire{
			QuestionnaireID: tpl.ID,
			PatientID:       patientID,
			PractitionerID:  practitionerID,
			Title:           tpl.Title,
			Category:        tpl.Category,
			Description:     tpl.Description,
			Status:          StatusPending,
			AssignedAt:      &assignedAt,
			Responses:       Responses{},
		}
		doc, err := q.ToDoc()
		if err != nil {
			return nil, err
		}
		if err := e.dualSet(ctx, patientID, id, doc); err != nil {
			return nil, err
		}
		res.Assigned = append(res.Assigned, tpl.ID)
	}
	return res, nil
}

// SaveResponses merges a partial answer set into the stored responses,
// overwriting only the supplied keys. The merged map is written back as a
// single field, so two concurrent saves are last-write-wins for the whole
// map, not per key; there is no conflict detection. The first save moves a
// pending questionnaire to in_progress. Saves against a submitted
// questionnaire are rejected.
func (e *Engine) SaveResponses(ctx context.Context, patientID, questionnaireID string, partial Responses) (*PatientQuestionnaire, error) {
	if err := partial.Validate(); err != nil {
		return nil, err
	}
	q, err := e.Get(ctx, patientID, questionnaireID)
	if err != nil {
		return nil, err
	}
	if q.Status == StatusSubmitted {
		return nil, ErrAlreadySubmitted
	}

	for k, v := range partial {
		q.Responses[k] = v
	}
	fields := docstore.Document{"responses": map[string]interface{}(q.Responses)}
	if q.Status == StatusPending {
		q.Status = StatusInProgress
		fields["status"] = string(StatusInProgress)
	}
	if err := e.dualUpdate(ctx, patientID, q.DocID(), fields); err != nil {
		return q, err
	}
	return q, nil
}

// Complete marks the questionnaire finished and computes its score. Legal
// from in_progress and reopened; completing an already completed
// questionnaire is a no-op that leaves CompletedAt untouched.
func (e *Engine) Complete(ctx context.Context, patientID, questionnaireID string) (*PatientQuestionnaire, error) {
	q, err := e.Get(ctx, patientID, questionnaireID)
	if err != nil {
		return nil, err
	}
	if q.Status == StatusCompleted {
		return q, nil
	}
	if !canTransition(q.Status, StatusCompleted) {
		return nil, &InvalidTransitionError{From: q.Status, Requested: StatusCompleted}
	}

	result, err := e.scorer.Score(questionnaireID, q.Responses)
	if err != nil {
		return nil, fmt.Errorf("score questionnaire %s: %w", q.DocID(), err)
	}
	completedAt := e.now().UTC()
	q.Status = StatusCompleted
	q.CompletedAt = &completedAt
	q.Score = &result.Score
	q.Interpretation = &result.Interpretation

	fields := docstore.Document{
		"status":         string(StatusCompleted),
		"completed_at":   completedAt.Format(time.RFC3339Nano),
		"score":          result.Score,
		"interpretation": result.Interpretation,
	}
	if err := e.dualUpdate(ctx, patientID, q.DocID(), fields); err != nil {
		return q, err
	}
	return q, nil
}

// Submit locks the questionnaire against further patient edits. Legal from
// pending and in_progress; submitting twice is a no-op.
func (e *Engine) Submit(ctx context.Context, patientID, questionnaireID string) (*PatientQuestionnaire, error) {
	q, err := e.Get(ctx, patientID, questionnaireID)
	if err != nil {
		return nil, err
	}
	if q.Status == StatusSubmitted {
		return q, nil
	}
	if !canTransition(q.Status, StatusSubmitted) {
		return nil, &InvalidTransitionError{From: q.Status, Requested: StatusSubmitted}
	}

	submittedAt := e.now().UTC()
	q.Status = StatusSubmitted
	q.SubmittedAt = &submittedAt
	fields := docstore.Document{
		"status":       string(StatusSubmitted),
		"submitted_at": submittedAt.Format(time.RFC3339Nano),
	}
	if err := e.dualUpdate(ctx, patientID, q.DocID(), fields); err != nil {
		return q, err
	}
	return q, nil
}

// Reopen returns a completed questionnaire to the patient, clearing the
// completion timestamp and the computed score. Reopening an already reopened
// questionnaire is a no-op.
func (e *Engine) Reopen(ctx context.Context, patientID, questionnaireID string) (*PatientQuestionnaire, error) {
	q, err := e.Get(ctx, patientID, questionnaireID)
	if err != nil {
		return nil, err
	}
	if q.Status == StatusReopened {
		return q, nil
	}
	if !canTransition(q.Status, StatusReopened) {
		return nil, &InvalidTransitionError{From: q.Status, Requested: StatusReopened}
	}

	q.Status = StatusReopened
	q.CompletedAt = nil
	q.Score = nil
	q.Interpretation = nil
	fields := docstore.Document{
		"status":         string(StatusReopened),
		"completed_at":   nil,
		"score":          nil,
		"interpretation": nil,
	}
	if err := e.dualUpdate(ctx, patientID, q.DocID(), fields); err != nil {
		return q, err
	}
	return q, nil
}

// Get reads the patient's subcollection copy, which is authoritative when
// the two locations diverge.
func (e *Engine) Get(ctx context.Context, patientID, questionnaireID string) (*PatientQuestionnaire, error) {
	doc, err := e.store.Get(ctx, SubCollection(patientID), DocID(questionnaireID, patientID))
	if err != nil {
		return nil, err
	}
	return FromDoc(doc)
}

// ListByPatient returns all questionnaires in the patient's subcollection.
func (e *Engine) ListByPatient(ctx context.Context, patientID string) ([]*PatientQuestionnaire, error) {
	docs, err := e.store.Query(ctx, SubCollection(patientID), nil, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*PatientQuestionnaire, 0, len(docs))
	for _, d := range docs {
		q, err := FromDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// ListRoot queries the practitioner-facing root collection with equality
// filters. The store promises no ordering, so results are sorted by doc id
// before the offset window is applied; the returned count covers everything
// seen up to one row past the window, which is enough to signal a next page.
func (e *Engine) ListRoot(ctx context.Context, filter docstore.Filter, limit, offset int) ([]*PatientQuestionnaire, int, error) {
	if offset < 0 {
		offset = 0
	}
	fetch := 0
	if limit > 0 {
		fetch = offset + limit + 1
	}
	docs, err := e.store.Query(ctx, CollectionRoot, filter, fetch)
	if err != nil {
		return nil, 0, err
	}
	all := make([]*PatientQuestionnaire, 0, len(docs))
	for _, d := range docs {
		q, err := FromDoc(d)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, q)
	}
	sort.Slice(all, func(i, j int) bool {
		return DocID(all[i].QuestionnaireID, all[i].PatientID) < DocID(all[j].QuestionnaireID, all[j].PatientID)
	})

	total := len(all)
	if offset >= total {
		return []*PatientQuestionnaire{}, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

// dualSet writes the full document to the subcollection, then to the root
// collection.
func (e *Engine) dualSet(ctx context.Context, patientID, id string, doc docstore.Document) error {
	if err := e.store.Set(ctx, SubCollection(patientID), id, doc); err != nil {
		return fmt.Errorf("write %s/%s: %w", SubCollection(patientID), id, err)
	}
	return e.retryRoot(ctx, id, func() error {
		return e.store.Set(ctx, CollectionRoot, id, doc)
	})
}

// dualUpdate merges fields into the subcollection copy, then into the root
// copy.
func (e *Engine) dualUpdate(ctx context.Context, patientID, id string, fields docstore.Document) error {
	if err := e.store.Update(ctx, SubCollection(patientID), id, fields); err != nil {
		return fmt.Errorf("update %s/%s: %w", SubCollection(patientID), id, err)
	}
	return e.retryRoot(ctx, id, func() error {
		return e.store.Update(ctx, CollectionRoot, id, fields)
	})
}

// retryRoot runs the root-collection write with exponential backoff. When
// every attempt fails the subcollection copy has still been written, so the
// caller gets a *PartialWriteError rather than a plain failure.
func (e *Engine) retryRoot(ctx context.Context, id string, write func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = write()
		if err == nil {
			return nil
		}
		if attempt >= rootWriteRetries {
			break
		}
		delay := rootBackoffBase << attempt
		e.log.Warn().Err(err).Str("id", id).Dur("backoff", delay).
			Int("attempt", attempt+1).Msg("root copy write failed, retrying")
		if serr := e.sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
	}
	pwe := &PartialWriteError{
		Collection: CollectionRoot,
		ID:         id,
		Attempts:   rootWriteRetries + 1,
		Err:        err,
	}
	e.log.Error().Err(err).Str("id", id).Msg("root copy write abandoned, locations diverged")
	return pwe
}
