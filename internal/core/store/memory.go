package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps every collection in a map guarded by a single RWMutex.
// Documents are stored JSON-encoded so reads hand out copies, never aliases.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	closed      bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string][]byte),
	}
}

func (s *MemoryStore) Insert(_ context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string][]byte)
		s.collections[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrDuplicateID)
	}
	coll[id] = data
	return nil
}

func (s *MemoryStore) Get(_ context.Context, collection, id string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	data, ok := s.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return json.Unmarshal(data, out)
}

func (s *MemoryStore) Update(_ context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	coll := s.collections[collection]
	if _, exists := coll[id]; !exists {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	coll[id] = data
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	coll := s.collections[collection]
	if _, exists := coll[id]; !exists {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	delete(coll, id)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, collection string, q Query, out any) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	docs := make([]rawDoc, 0, len(s.collections[collection]))
	for _, data := range s.collections[collection] {
		d, err := newRawDoc(data)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	return applyQuery(docs, q, out)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
