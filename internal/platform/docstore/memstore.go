package docstore

import (
	"context"
	"reflect"
	"sort"
	"sync"
)

// MemStore is an in-memory Store. It backs tests and development mode, and
// is the substitution point the dual-write and token-consumption tests rely
// on. The write lock is held across UpdateIf's check and merge, so token
// consumption is exactly-once under concurrent callers.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Document // collection -> id -> doc
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string]Document)}
}

func (s *MemStore) Get(_ context.Context, collection, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return Clone(doc), nil
}

func (s *MemStore) Set(_ context.Context, collection, id string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[collection] == nil {
		s.data[collection] = make(map[string]Document)
	}
	s.data[collection][id] = Clone(doc)
	return nil
}

func (s *MemStore) Update(_ context.Context, collection, id string, fields Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		doc[k] = cloneValue(v)
	}
	return nil
}

func (s *MemStore) UpdateIf(_ context.Context, collection, id, field string, expect interface{}, fields Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	if !reflect.DeepEqual(doc[field], expect) {
		return ErrConflict
	}
	for k, v := range fields {
		doc[k] = cloneValue(v)
	}
	return nil
}

func (s *MemStore) Query(_ context.Context, collection string, filter Filter, limit int) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sortedIDs(collection)
	var out []Document
	for _, id := range ids {
		doc := s.data[collection][id]
		if matches(doc, filter) {
			out = append(out, Clone(doc))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemStore) IDs(_ context.Context, collection string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sortedIDs(collection)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// sortedIDs gives deterministic enumeration order; callers must not rely on
// it beyond tests.
func (s *MemStore) sortedIDs(collection string) []string {
	ids := make([]string, 0, len(s.data[collection]))
	for id := range s.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func matches(doc Document, filter Filter) bool {
	for k, want := range filter {
		if !reflect.DeepEqual(doc[k], want) {
			return false
		}
	}
	return true
}
