package questionnaire

import (
	"errors"
	"fmt"
)

// ErrAlreadySubmitted rejects response writes on a locked questionnaire.
var ErrAlreadySubmitted = errors.New("questionnaire already submitted")

// InvalidTransitionError reports a status change outside the lifecycle
// graph. Callers map it to a 409.
type InvalidTransitionError struct {
	From      Status
	Requested Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %q to %q", e.From, e.Requested)
}

// PartialWriteError reports a dual-location write that landed in the
// patient's subcollection but could not be applied to the root collection
// after retries. The subcollection copy is authoritative until the root
// copy is repaired.
type PartialWriteError struct {
	Collection string
	ID         string
	Attempts   int
	Err        error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("root copy %s/%s not updated after %d attempts: %v",
		e.Collection, e.ID, e.Attempts, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }
