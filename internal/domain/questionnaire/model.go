package questionnaire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinform/clinform/internal/platform/docstore"
)

// Status is the practitioner-visible lifecycle state of an assigned
// questionnaire.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusSubmitted  Status = "submitted"
	StatusReopened   Status = "reopened"
)

// CollectionRoot is the practitioner-facing storage location, organized for
// cross-patient queries. The per-patient mirror lives under
// SubCollection(patientID).
const CollectionRoot = "questionnaires"

// SubCollection returns the patient-scoped storage location for one
// patient's questionnaires.
func SubCollection(patientID string) string {
	return "patients/" + patientID + "/questionnaires"
}

// DocID returns the generated document id used in both storage locations,
// so the two id sets are directly comparable.
func DocID(questionnaireID, patientID string) string {
	return questionnaireID + "_" + patientID
}

// Responses maps question ids to answer values. An answer is a string,
// number, boolean, or an ordered sequence of strings or numbers.
type Responses map[string]interface{}

// ValidateAnswer rejects answer values outside the supported kinds.
func ValidateAnswer(v interface{}) error {
	switch t := v.(type) {
	case string, bool, float64, int, int64:
		return nil
	case []interface{}:
		for _, e := range t {
			switch e.(type) {
			case string, float64, int, int64:
			default:
				return fmt.Errorf("unsupported element type %T in answer sequence", e)
			}
		}
		return nil
	case []string, []float64, []int:
		return nil
	default:
		return fmt.Errorf("unsupported answer type %T", v)
	}
}

// Validate checks every answer in the set.
func (r Responses) Validate() error {
	for qid, v := range r {
		if err := ValidateAnswer(v); err != nil {
			return fmt.Errorf("question %q: %w", qid, err)
		}
	}
	return nil
}

// PatientQuestionnaire is one (patient, questionnaire) assignment. The same
// record is materialized in the root collection and mirrored in the
// patient's subcollection; at quiescence the two copies agree on status,
// responses and every timestamp.
type PatientQuestionnaire struct {
	QuestionnaireID string     `json:"questionnaire_id"`
	PatientID       string     `json:"patient_id"`
	PractitionerID  string     `json:"practitioner_id,omitempty"`
	Title           string     `json:"title"`
	Category        string     `json:"category,omitempty"`
	Description     string     `json:"description,omitempty"`
	Status          Status     `json:"status"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	Responses       Responses  `json:"responses"`
	Score           *float64   `json:"score,omitempty"`
	Interpretation  *string    `json:"interpretation,omitempty"`
}

// DocID returns the record's document id.
func (q *PatientQuestionnaire) DocID() string {
	return DocID(q.QuestionnaireID, q.PatientID)
}

// ToDoc converts the record to its stored document form.
func (q *PatientQuestionnaire) ToDoc() (docstore.Document, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encode questionnaire %s: %w", q.DocID(), err)
	}
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode questionnaire %s: %w", q.DocID(), err)
	}
	if q.Responses == nil {
		doc["responses"] = map[string]interface{}{}
	}
	return doc, nil
}

// FromDoc decodes a stored document.
func FromDoc(doc docstore.Document) (*PatientQuestionnaire, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode questionnaire document: %w", err)
	}
	var q PatientQuestionnaire
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("decode questionnaire document: %w", err)
	}
	if q.Responses == nil {
		q.Responses = Responses{}
	}
	return &q, nil
}

// Template is an assignable questionnaire definition. Scoring details stay
// behind the Scorer collaborator.
type Template struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// DefaultTemplates is the set assigned when a patient's consultation space
// opens, unless the practitioner picks a specific list.
var DefaultTemplates = []Template{
	{
		ID:          "complaints",
		Title:       "Current complaints and perceived disorders",
		Category:    "Lifestyle",
		Description: "Rate the intensity of current disorders (fatigue, pain, digestion, ...)",
	},
	{
		ID:          "lifestyle",
		Title:       "Lifestyle - vital spheres",
		Category:    "Lifestyle",
		Description: "Sleep, rhythm, stress, physical activity, toxins, social ties and diet",
	},
	{
		ID:          "nutrition",
		Title:       "Dietary habits questionnaire",
		Category:    "Nutrition",
		Description: "Describe eating habits and diet",
	},
	{
		ID:          "neurotransmitters",
		Title:       "Neurotransmitter balance questionnaire",
		Category:    "Neuro-psychology",
		Description: "Evaluate neurotransmitter and hormonal balance",
	},
}
