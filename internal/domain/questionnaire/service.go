package questionnaire

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clinform/clinform/internal/platform/auth"
	"github.com/clinform/clinform/internal/platform/docstore"
	"github.com/clinform/clinform/internal/platform/notify"
)

var (
	// ErrForbidden rejects a caller acting outside their own records or role.
	ErrForbidden = errors.New("caller not allowed to perform this operation")
	// ErrUnknownTemplate rejects assignment of a template id that is not in
	// the catalog.
	ErrUnknownTemplate = errors.New("unknown questionnaire template")
)

const patientCollection = "patients"

// Service enforces actor rules on top of the engine and emits the
// notification side effects. Authorization identity comes from the request
// context set by the auth middleware.
type Service struct {
	engine *Engine
	store  docstore.Store
	queue  *notify.Queue
	log    zerolog.Logger
}

func NewService(engine *Engine, store docstore.Store, queue *notify.Queue, log zerolog.Logger) *Service {
	return &Service{
		engine: engine,
		store:  store,
		queue:  queue,
		log:    log.With().Str("component", "questionnaire_service").Logger(),
	}
}

func hasRole(ctx context.Context, want ...string) bool {
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

func isSelf(ctx context.Context, patientID string) bool {
	return auth.UserIDFromContext(ctx) == patientID
}

// Assign creates questionnaires for a patient from the named templates, or
// the default set when none are named. Practitioner-only.
func (s *Service) Assign(ctx context.Context, patientID string, templateIDs []string) (*AssignResult, error) {
	if !hasRole(ctx, auth.RolePractitioner) {
		return nil, ErrForbidden
	}
	templates, err := resolveTemplates(templateIDs)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Assign(ctx, patientID, auth.UserIDFromContext(ctx), templates)
	if err != nil {
		return nil, err
	}
	if len(res.Assigned) > 0 {
		s.refreshPatientCounters(ctx, patientID)
		s.notifyAssignment(ctx, patientID, len(res.Assigned))
	}
	return res, nil
}

// SaveResponses merges a partial answer set. Patients write only their own
// records.
func (s *Service) SaveResponses(ctx context.Context, patientID, questionnaireID string, partial Responses) (*PatientQuestionnaire, error) {
	if !isSelf(ctx, patientID) && !hasRole(ctx) {
		return nil, ErrForbidden
	}
	q, err := s.engine.SaveResponses(ctx, patientID, questionnaireID, partial)
	if err != nil {
		return q, err
	}
	s.refreshPatientCounters(ctx, patientID)
	return q, nil
}

// Complete finishes a questionnaire on behalf of the patient and tells the
// linked practitioner.
func (s *Service) Complete(ctx context.Context, patientID, questionnaireID string) (*PatientQuestionnaire, error) {
	if !isSelf(ctx, patientID) && !hasRole(ctx) {
		return nil, ErrForbidden
	}
	q, err := s.engine.Complete(ctx, patientID, questionnaireID)
	if err != nil {
		return q, err
	}
	s.refreshPatientCounters(ctx, patientID)
	if q.PractitionerID != "" {
		if nerr := s.queue.NotifyPractitioner(ctx, q.PractitionerID, "questionnaire_completed",
			"Questionnaire completed",
			fmt.Sprintf("Patient %s completed %q", patientID, q.Title)); nerr != nil {
			s.log.Warn().Err(nerr).Str("patient_id", patientID).Msg("completion notification failed")
		}
	}
	return q, nil
}

// Submit locks the questionnaire and files it in the practitioner's inbox.
func (s *Service) Submit(ctx context.Context, patientID, questionnaireID string) (*PatientQuestionnaire, error) {
	if !isSelf(ctx, patientID) && !hasRole(ctx) {
		return nil, ErrForbidden
	}
	q, err := s.engine.Submit(ctx, patientID, questionnaireID)
	if err != nil {
		return q, err
	}
	s.refreshPatientCounters(ctx, patientID)
	if q.PractitionerID != "" {
		if nerr := s.queue.NotifyPractitioner(ctx, q.PractitionerID, "questionnaire_submitted",
			"Questionnaire submitted",
			fmt.Sprintf("Patient %s submitted %q", patientID, q.Title)); nerr != nil {
			s.log.Warn().Err(nerr).Str("patient_id", patientID).Msg("submission notification failed")
		}
		s.mailPractitioner(ctx, q.PractitionerID,
			"A questionnaire was submitted",
			fmt.Sprintf("<p>Patient %s submitted the questionnaire %q.</p>", patientID, q.Title))
	}
	return q, nil
}

// Reopen returns a completed questionnaire to the patient. Only the
// patient's linked practitioner may reopen.
func (s *Service) Reopen(ctx context.Context, patientID, questionnaireID string) (*PatientQuestionnaire, error) {
	if !hasRole(ctx, auth.RolePractitioner) {
		return nil, ErrForbidden
	}
	current, err := s.engine.Get(ctx, patientID, questionnaireID)
	if err != nil {
		return nil, err
	}
	caller := auth.UserIDFromContext(ctx)
	if current.PractitionerID != "" && current.PractitionerID != caller && !hasRole(ctx, auth.RoleAdmin) {
		return nil, ErrForbidden
	}

	q, err := s.engine.Reopen(ctx, patientID, questionnaireID)
	if err != nil {
		return q, err
	}
	s.refreshPatientCounters(ctx, patientID)
	if nerr := s.queue.NotifyPatient(ctx, patientID, "questionnaire_reopened",
		"Questionnaire reopened",
		fmt.Sprintf("Your practitioner reopened %q, please review your answers", q.Title)); nerr != nil {
		s.log.Warn().Err(nerr).Str("patient_id", patientID).Msg("reopen notification failed")
	}
	s.mailPatient(ctx, patientID,
		"A questionnaire was reopened",
		fmt.Sprintf("<p>Your practitioner reopened the questionnaire %q. Please review your answers.</p>", q.Title))
	return q, nil
}

// Get returns one of the patient's questionnaires.
func (s *Service) Get(ctx context.Context, patientID, questionnaireID string) (*PatientQuestionnaire, error) {
	if !isSelf(ctx, patientID) && !hasRole(ctx, auth.RolePractitioner) {
		return nil, ErrForbidden
	}
	return s.engine.Get(ctx, patientID, questionnaireID)
}

// ListByPatient returns the patient's questionnaires from their
// subcollection.
func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]*PatientQuestionnaire, error) {
	if !isSelf(ctx, patientID) && !hasRole(ctx, auth.RolePractitioner) {
		return nil, ErrForbidden
	}
	return s.engine.ListByPatient(ctx, patientID)
}

// ListRoot queries the practitioner-facing root collection, returning one
// page and the count of matching documents seen.
func (s *Service) ListRoot(ctx context.Context, filter docstore.Filter, limit, offset int) ([]*PatientQuestionnaire, int, error) {
	if !hasRole(ctx, auth.RolePractitioner) {
		return nil, 0, ErrForbidden
	}
	return s.engine.ListRoot(ctx, filter, limit, offset)
}

func resolveTemplates(ids []string) ([]Template, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[string]Template, len(DefaultTemplates))
	for _, t := range DefaultTemplates {
		byID[t.ID] = t
	}
	out := make([]Template, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
		}
		out = append(out, t)
	}
	return out, nil
}

// refreshPatientCounters recomputes the patient document's questionnaire
// counters from the subcollection. Failures are logged, not surfaced; the
// counters are denormalized convenience fields.
func (s *Service) refreshPatientCounters(ctx context.Context, patientID string) {
	qs, err := s.engine.ListByPatient(ctx, patientID)
	if err != nil {
		s.log.Warn().Err(err).Str("patient_id", patientID).Msg("counter refresh failed")
		return
	}
	open := 0
	for _, q := range qs {
		switch q.Status {
		case StatusPending, StatusInProgress, StatusReopened:
			open++
		}
	}
	fields := docstore.Document{
		"pendingQuestionnairesCount": open,
		"hasQuestionnairesAssigned":  len(qs) > 0,
	}
	if err := s.store.Update(ctx, patientCollection, patientID, fields); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		s.log.Warn().Err(err).Str("patient_id", patientID).Msg("counter update failed")
	}
}

func (s *Service) notifyAssignment(ctx context.Context, patientID string, count int) {
	if err := s.queue.NotifyPatient(ctx, patientID, "questionnaires_assigned",
		"New questionnaires to fill in",
		fmt.Sprintf("Your practitioner assigned %d questionnaire(s) to you", count)); err != nil {
		s.log.Warn().Err(err).Str("patient_id", patientID).Msg("assignment notification failed")
	}
	s.mailPatient(ctx, patientID,
		"New questionnaires are waiting for you",
		fmt.Sprintf("<p>Your practitioner assigned %d questionnaire(s). Log in to fill them in.</p>", count))
}

func (s *Service) mailPatient(ctx context.Context, patientID, subject, html string) {
	s.mailAccount(ctx, patientCollection, patientID, subject, html)
}

func (s *Service) mailPractitioner(ctx context.Context, practitionerID, subject, html string) {
	s.mailAccount(ctx, "practitioners", practitionerID, subject, html)
}

// mailAccount queues an email to the account's stored address. Accounts
// without an address (e.g. fixtures) are skipped silently.
func (s *Service) mailAccount(ctx context.Context, collection, id, subject, html string) {
	doc, err := s.store.Get(ctx, collection, id)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			s.log.Warn().Err(err).Str("account", collection+"/"+id).Msg("mail address lookup failed")
		}
		return
	}
	email, _ := doc["email"].(string)
	if email == "" {
		return
	}
	if err := s.queue.Mail(ctx, email, subject, html); err != nil {
		s.log.Warn().Err(err).Str("account", collection+"/"+id).Msg("mail enqueue failed")
	}
}
