package docstore

import (
	"context"
	"errors"
)

// Document is a single stored record. Values must be JSON-representable;
// numbers read back from a backend decode as float64.
type Document map[string]interface{}

// Filter is an equality filter on top-level document fields.
type Filter map[string]interface{}

var (
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrConflict is returned by UpdateIf when the precondition field does
	// not hold its expected value.
	ErrConflict = errors.New("docstore: precondition failed")
)

// Store is a key-partitioned document store. Collections are path-like
// strings; patient-scoped subcollections use paths such as
// "patients/<id>/questionnaires". Writes to a single document are atomic;
// no guarantee spans documents.
type Store interface {
	// Get returns the document, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Set writes the full document, creating or replacing it.
	Set(ctx context.Context, collection, id string, doc Document) error

	// Update merges the supplied top-level fields into an existing
	// document, overwriting only the supplied keys. Returns ErrNotFound
	// when the document does not exist.
	Update(ctx context.Context, collection, id string, fields Document) error

	// UpdateIf merges fields only when the document's current value for
	// field equals expect. The check and the merge are a single atomic
	// step. Returns ErrConflict when the precondition fails and
	// ErrNotFound when the document does not exist.
	UpdateIf(ctx context.Context, collection, id, field string, expect interface{}, fields Document) error

	// Query returns documents matching every filter field, up to limit.
	// Ordering beyond the backend default is not guaranteed.
	Query(ctx context.Context, collection string, filter Filter, limit int) ([]Document, error)

	// IDs enumerates document ids in a collection, up to limit.
	IDs(ctx context.Context, collection string, limit int) ([]string, error)
}

// Clone returns a deep copy of the document, so callers can mutate the
// result without aliasing store-held state.
func Clone(doc Document) Document {
	return cloneMap(doc)
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
