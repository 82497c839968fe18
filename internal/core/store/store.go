// Package store defines the generic document store the sync engine uses as
// its persistence substrate. Documents are JSON-encoded structs addressed by
// (collection, id). Two implementations ship with the engine: an in-memory
// store for tests and single-process use, and a bbolt-backed store for
// durable offline state.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrDuplicateID = errors.New("document id already exists")
	ErrClosed      = errors.New("store is closed")
)

// Filter matches documents whose JSON field equals the given value.
type Filter struct {
	Field string
	Value any
}

// Query narrows and orders a collection scan.
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Store is the document store contract. Query unmarshals matches into out,
// which must be a pointer to a slice of the collection's document type.
type Store interface {
	Insert(ctx context.Context, collection, id string, doc any) error
	Get(ctx context.Context, collection, id string, out any) error
	Update(ctx context.Context, collection, id string, doc any) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, q Query, out any) error

	Close() error
}

// Upsert inserts the document, falling back to an update when the id is
// already present.
func Upsert(ctx context.Context, s Store, collection, id string, doc any) error {
	err := s.Insert(ctx, collection, id, doc)
	if errors.Is(err, ErrDuplicateID) {
		return s.Update(ctx, collection, id, doc)
	}
	return err
}
