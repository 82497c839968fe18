package session

import (
	"context"
	"errors"

	"github.com/fieldsync/fieldsync/internal/core/store"
)

// pullCursor is the per-collection version watermark the pull leg resumes
// from.
type pullCursor struct {
	Component string `json:"component"`
	Version   int64  `json:"version"`
}

func (o *Orchestrator) cursor(ctx context.Context, collection string) (int64, error) {
	var cur pullCursor
	if err := o.docs.Get(ctx, cursorCollection, collection, &cur); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return cur.Version, nil
}

func (o *Orchestrator) saveCursor(ctx context.Context, collection string, version int64) error {
	return store.Upsert(ctx, o.docs, cursorCollection, collection, pullCursor{
		Component: collection,
		Version:   version,
	})
}
