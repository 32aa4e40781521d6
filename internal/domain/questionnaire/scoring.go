package questionnaire

// Result is the outcome of scoring a completed questionnaire.
type Result struct {
	Score          float64 `json:"score"`
	Interpretation string  `json:"interpretation"`
}

// Scorer computes a score from a full response set. Implementations are
// pure; the engine calls them only at completion.
type Scorer interface {
	Score(definitionID string, responses Responses) (Result, error)
}

// Band maps a minimum score to a human-readable interpretation. Bands are
// checked highest Min first.
type Band struct {
	Min            float64
	Interpretation string
}

// BandScorer sums numeric and boolean answers and maps the total onto
// per-definition interpretation bands. Definitions without bands fall back
// to Default.
type BandScorer struct {
	Bands   map[string][]Band
	Default string
}

// NewBandScorer returns a scorer with the bands used for the built-in
// template set.
func NewBandScorer() *BandScorer {
	std := []Band{
		{Min: 60, Interpretation: "high"},
		{Min: 30, Interpretation: "moderate"},
		{Min: 0, Interpretation: "low"},
	}
	return &BandScorer{
		Bands: map[string][]Band{
			"complaints":        std,
			"lifestyle":         std,
			"nutrition":         std,
			"neurotransmitters": std,
		},
		Default: "unscored",
	}
}

func (s *BandScorer) Score(definitionID string, responses Responses) (Result, error) {
	var total float64
	for _, v := range responses {
		total += numericValue(v)
	}
	bands := s.Bands[definitionID]
	for _, b := range bands {
		if total >= b.Min {
			return Result{Score: total, Interpretation: b.Interpretation}, nil
		}
	}
	return Result{Score: total, Interpretation: s.Default}, nil
}

func numericValue(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case []interface{}:
		var sum float64
		for _, e := range t {
			sum += numericValue(e)
		}
		return sum
	default:
		return 0
	}
}
