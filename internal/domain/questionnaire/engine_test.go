package questionnaire

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinform/clinform/internal/platform/docstore"
)

type stubScorer struct {
	result Result
	err    error
}

func (s *stubScorer) Score(string, Responses) (Result, error) {
	return s.result, s.err
}

// flakyStore fails root-collection writes a configurable number of times.
type flakyStore struct {
	docstore.Store
	rootFailures int
	attempts     int
}

func (f *flakyStore) Set(ctx context.Context, collection, id string, doc docstore.Document) error {
	if collection == CollectionRoot {
		f.attempts++
		if f.attempts <= f.rootFailures {
			return errors.New("store unavailable")
		}
	}
	return f.Store.Set(ctx, collection, id, doc)
}

func (f *flakyStore) Update(ctx context.Context, collection, id string, fields docstore.Document) error {
	if collection == CollectionRoot {
		f.attempts++
		if f.attempts <= f.rootFailures {
			return errors.New("store unavailable")
		}
	}
	return f.Store.Update(ctx, collection, id, fields)
}

func newTestEngine(store docstore.Store) (*Engine, *[]time.Duration, *time.Time) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	var slept []time.Duration
	e := NewEngine(store, &stubScorer{result: Result{Score: 42, Interpretation: "moderate"}}, zerolog.Nop())
	e.now = func() time.Time { return now }
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept, &now
}

func seedQuestionnaire(t *testing.T, e *Engine, patientID string, status Status) *PatientQuestionnaire {
	t.Helper()
	ctx := context.Background()
	if _, err := e.Assign(ctx, patientID, "prac-1", []Template{DefaultTemplates[0]}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if status == StatusPending {
		q, err := e.Get(ctx, patientID, DefaultTemplates[0].ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		return q
	}
	fields := docstore.Document{"status": string(status)}
	id := DocID(DefaultTemplates[0].ID, patientID)
	if err := e.store.Update(ctx, SubCollection(patientID), id, fields); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	if err := e.store.Update(ctx, CollectionRoot, id, fields); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	q, err := e.Get(ctx, patientID, DefaultTemplates[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return q
}

func TestAssignIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(docstore.NewMemStore())
	ctx := context.Background()

	res, err := e.Assign(ctx, "p1", "prac-1", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(res.Assigned) != len(DefaultTemplates) || len(res.AlreadyAssigned) != 0 {
		t.Fatalf("first assign = %+v", res)
	}

	res, err = e.Assign(ctx, "p1", "prac-1", nil)
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if len(res.Assigned) != 0 || len(res.AlreadyAssigned) != len(DefaultTemplates) {
		t.Fatalf("second assign = %+v", res)
	}

	q, err := e.Get(ctx, "p1", "complaints")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if q.Status != StatusPending || q.AssignedAt == nil {
		t.Fatalf("assigned questionnaire = %+v", q)
	}
}

func TestAssignWritesBothLocations(t *testing.T) {
	store := docstore.NewMemStore()
	e, _, _ := newTestEngine(store)
	ctx := context.Background()

	if _, err := e.Assign(ctx, "p1", "prac-1", []Template{DefaultTemplates[0]}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	id := DocID("complaints", "p1")
	for _, coll := range []string{SubCollection("p1"), CollectionRoot} {
		if _, err := store.Get(ctx, coll, id); err != nil {
			t.Errorf("missing copy in %s: %v", coll, err)
		}
	}
}

func TestSaveResponsesMovesToInProgress(t *testing.T) {
	e, _, _ := newTestEngine(docstore.NewMemStore())
	ctx := context.Background()
	seedQuestionnaire(t, e, "p1", StatusPending)

	q, err := e.SaveResponses(ctx, "p1", "complaints", Responses{"q1": float64(3)})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if q.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress", q.Status)
	}
}

func TestSaveResponsesMergeOrderIndependent(t *testing.T) {
	ctx := context.Background()

	run := func(first, second Responses) Responses {
		e, _, _ := newTestEngine(docstore.NewMemStore())
		seedQuestionnaire(t, e, "p1", StatusPending)
		if _, err := e.SaveResponses(ctx, "p1", "complaints", first); err != nil {
			t.Fatalf("save: %v", err)
		}
		if _, err := e.SaveResponses(ctx, "p1", "complaints", second); err != nil {
			t.Fatalf("save: %v", err)
		}
		q, err := e.Get(ctx, "p1", "complaints")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		return q.Responses
	}

	ab := run(Responses{"a": float64(1)}, Responses{"b": float64(2)})
	ba := run(Responses{"b": float64(2)}, Responses{"a": float64(1)})
	want := Responses{"a": float64(1), "b": float64(2)}
	if !reflect.DeepEqual(ab, want) || !reflect.DeepEqual(ba, want) {
		t.Fatalf("merge not order-independent: ab=%v ba=%v", ab, ba)
	}
}

func TestSaveResponsesRejectedOnceSubmitted(t *testing.T) {
	e, _, _ := newTestEngine(docstore.NewMemStore())
	ctx := context.Background()
	seedQuestionnaire(t, e, "p1", StatusSubmitted)

	_, err := e.SaveResponses(ctx, "p1", "complaints", Responses{"q1": "late"})
	if !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("err = %v, want ErrAlreadySubmitted", err)
	}
}

func TestSaveResponsesRejectsBadAnswerKind(t *testing.T) {
	e, _, _ := newTestEngine(docstore.NewMemStore())
	ctx := context.Background()
	seedQuestionnaire(t, e, "p1", StatusPending)

	if _, err := e.SaveResponses(ctx, "p1", "complaints", Responses{"q1": map[string]interface{}{"nested": true}}); err == nil {
		t.Fatal("expected validation error for nested answer")
	}
}

func TestCompleteSetsScoreAndTimestamp(t *testing.T) {
	e, _, now := newTestEngine(docstore.NewMemStore())
	ctx := context.Background()
	seedQuestionnaire(t, e, "p1", StatusInProgress)

	q, err := e.Complete(ctx, "p1", "complaints")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if q.Status != StatusCompleted {
		t.Fatalf("status = %s", q.Status)
	}
	if q.CompletedAt == nil || !q.CompletedAt.Equal(*now) {
		t.Fatalf("completed_at = %v, want %v", q.CompletedAt, now)
	}
	if q.Score == nil || *q.Score != 42 || q.Interpretation == nil || *q.Interpretation != "moderate" {
		t.Fatalf("score = %v interpretation = %v", q.Score, q.Interpretation)
	}
}

func TestCompleteIdempotentKeepsCompletedAt(t *testing.T) {
	store := docstore.NewMemStore()
	e, _, _ := newTestEngine(store)
	ctx := context.Background()
	seedQuestionnaire(t, e, "p1", StatusInProgress)

	first, err := e.Complete(ctx, "p1", "complaints")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	e.now = func() time.Time { return first.CompletedAt.Add(time.Hour) }
	second, err := e.Complete(ctx, "p1", "complaints")
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("completed_at moved on idempotent complete: %v -> %v", first.CompletedAt, second.CompletedAt)
	}
}

func TestInvalidTransitions(t *testing.T) {
	cases := []struct {
		from Status
		op   string
	}{
		{StatusPending, "complete"},
		{StatusPending, "reopen"},
		{StatusInProgress, "reopen"},
		{StatusCompleted, "submit"},
		{StatusSubmitted, "complete"},
		{StatusSubmitted, "reopen"},
		{StatusReopened, "submit"},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"_"+tc.op, func(t *testing.T) {
			e, _, _ := newTestEngine(docstore.NewMemStore())
			ctx := context.Background()
			seedQuestionnaire(t, e, "p1", tc.from)

			var err error
			switch tc.op {
			case "complete":
				_, err = e.Complete(ctx, "p1", "complaints")
			case "submit":
				_, err = e.Submit(ctx, "p1", "complaints")
			case "reopen":
				_, err = e.Reopen(ctx, "p1", "complaints")
			}
			var it *InvalidTransitionError
			if !errors.As(err, &it) {
				t.Fatalf("err = %v, want InvalidTransitionError", err)
			}
			if it.From != tc.from {
				t.Fatalf("From = %s, want %s", it.From, tc.from)
			}

			q, gerr := e.Get(ctx, "p1", "complaints")
			if gerr != nil {
				t.Fatalf("get: %v", gerr)
			}
			if q.Status != tc.from {
				t.Fatalf("state changed on rejected transition: %s", q.Status)
			}
		})
	}
}

func TestSubmitFromPendingAndInProgress(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusInProgress} {
		e, _, now := newTestEngine(docstore.NewMemStore())
		ctx := context.Background()
		seedQuestionnaire(t, e, "p1", from)

		q, err := e.Submit(ctx, "p1", "complaints")
		if err != nil {
			t.Fatalf("submit from %s: %v", from, err)
		}
		if q.Status != StatusSubmitted || q.SubmittedAt == nil || !q.SubmittedAt.Equal(*now) {
			t.Fatalf("submit from %s = %+v", from, q)
		}

		// second submit is a no-op
		again, err := e.Submit(ctx, "p1", "complaints")
		if err != nil {
			t.Fatalf("second submit: %v", err)
		}
		if !again.SubmittedAt.Equal(*q.SubmittedAt) {
			t.Fatal("submitted_at moved on idempotent submit")
		}
	}
}

func TestReopenClearsCompletion(t *testing.T) {
	e, _, _ := newTestEngine(docstore.NewMemStore())
	ctx := context.Background()
	seedQuestionnaire(t, e, "p1", StatusInProgress)

	if _, err := e.Complete(ctx, "p1", "complaints"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	q, err := e.Reopen(ctx, "p1", "complaints")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if q.Status != StatusReopened {
		t.Fatalf("status = %s", q.Status)
	}
	if q.CompletedAt != nil || q.Score != nil || q.Interpretation != nil {
		t.Fatalf("completion fields not cleared: %+v", q)
	}

	// cleared in storage too, both copies
	for _, coll := range []string{SubCollection("p1"), CollectionRoot} {
		doc, err := e.store.Get(ctx, coll, q.DocID())
		if err != nil {
			t.Fatalf("get %s: %v", coll, err)
		}
		if doc["completed_at"] != nil || doc["score"] != nil {
			t.Fatalf("%s copy keeps completion fields: %v", coll, doc)
		}
	}
}

func TestPartialWriteSurfacedAfterRetries(t *testing.T) {
	mem := docstore.NewMemStore()
	flaky := &flakyStore{Store: mem}
	e, slept, _ := newTestEngine(flaky)
	ctx := context.Background()
	seedQuestionnaire(t, e, "p1", StatusPending)
	flaky.rootFailures = 100
	flaky.attempts = 0
	*slept = nil

	_, err := e.SaveResponses(ctx, "p1", "complaints", Responses{"q1": float64(1)})
	var pw *PartialWriteError
	if !errors.As(err, &pw) {
		t.Fatalf("err = %v, want PartialWriteError", err)
	}
	if pw.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", pw.Attempts)
	}
	wantBackoff := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	if !reflect.DeepEqual(*slept, wantBackoff) {
		t.Fatalf("backoff = %v, want %v", *slept, wantBackoff)
	}

	// the subcollection write stands
	doc, gerr := mem.Get(ctx, SubCollection("p1"), DocID("complaints", "p1"))
	if gerr != nil {
		t.Fatalf("get sub copy: %v", gerr)
	}
	resp, _ := doc["responses"].(map[string]interface{})
	if resp["q1"] != float64(1) {
		t.Fatalf("sub copy responses = %v", doc["responses"])
	}
	// the root copy diverged
	root, gerr := mem.Get(ctx, CollectionRoot, DocID("complaints", "p1"))
	if gerr != nil {
		t.Fatalf("get root copy: %v", gerr)
	}
	rootResp, _ := root["responses"].(map[string]interface{})
	if _, ok := rootResp["q1"]; ok {
		t.Fatal("root copy unexpectedly updated")
	}
}

func TestRootWriteRecoversWithinRetryBudget(t *testing.T) {
	mem := docstore.NewMemStore()
	flaky := &flakyStore{Store: mem, rootFailures: 2}
	e, slept, _ := newTestEngine(flaky)
	ctx := context.Background()

	if _, err := e.Assign(ctx, "p1", "prac-1", []Template{DefaultTemplates[0]}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(*slept) != 2 {
		t.Fatalf("retries = %d, want 2", len(*slept))
	}
	if _, err := mem.Get(ctx, CollectionRoot, DocID("complaints", "p1")); err != nil {
		t.Fatalf("root copy missing after recovery: %v", err)
	}
}

func TestLifecycleEndToEnd(t *testing.T) {
	e, _, _ := newTestEngine(docstore.NewMemStore())
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	current := base
	e.now = func() time.Time { return current }

	if _, err := e.Assign(ctx, "p1", "prac-1", []Template{DefaultTemplates[0]}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := e.SaveResponses(ctx, "p1", "complaints", Responses{"q1": float64(5)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	current = base.Add(10 * time.Minute)
	if _, err := e.Complete(ctx, "p1", "complaints"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := e.Reopen(ctx, "p1", "complaints"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	current = base.Add(30 * time.Minute)
	q, err := e.Complete(ctx, "p1", "complaints")
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if q.Status != StatusCompleted {
		t.Fatalf("status = %s", q.Status)
	}
	if q.CompletedAt == nil || !q.CompletedAt.Equal(base.Add(30*time.Minute)) {
		t.Fatalf("completed_at = %v, want second completion time", q.CompletedAt)
	}
	if q.Responses["q1"] != float64(5) {
		t.Fatalf("responses lost across reopen: %v", q.Responses)
	}
}

func TestListRootPagesThroughOffset(t *testing.T) {
	e, _, _ := newTestEngine(docstore.NewMemStore())
	ctx := context.Background()
	for _, p := range []string{"p1", "p2", "p3", "p4", "p5"} {
		if _, err := e.Assign(ctx, p, "prac-1", []Template{DefaultTemplates[0]}); err != nil {
			t.Fatalf("assign %s: %v", p, err)
		}
	}

	seen := map[string]bool{}
	for offset := 0; offset < 4; offset += 2 {
		page, total, err := e.ListRoot(ctx, nil, 2, offset)
		if err != nil {
			t.Fatalf("list offset %d: %v", offset, err)
		}
		if len(page) != 2 {
			t.Fatalf("page at offset %d has %d items, want 2", offset, len(page))
		}
		if total <= offset+2 {
			t.Fatalf("total = %d at offset %d, next page not signalled", total, offset)
		}
		for _, q := range page {
			if seen[q.PatientID] {
				t.Fatalf("patient %s appeared on two pages", q.PatientID)
			}
			seen[q.PatientID] = true
		}
	}

	last, total, err := e.ListRoot(ctx, nil, 2, 4)
	if err != nil {
		t.Fatalf("list offset 4: %v", err)
	}
	if len(last) != 1 || total != 5 {
		t.Fatalf("last page = %d items, total %d; want 1 and 5", len(last), total)
	}
	if seen[last[0].PatientID] {
		t.Fatalf("patient %s appeared on two pages", last[0].PatientID)
	}

	empty, total, err := e.ListRoot(ctx, nil, 2, 10)
	if err != nil {
		t.Fatalf("list past end: %v", err)
	}
	if len(empty) != 0 || total != 5 {
		t.Fatalf("past-end page = %d items, total %d; want 0 and 5", len(empty), total)
	}
}
