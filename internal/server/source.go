package server

import (
	"context"
	"errors"

	"github.com/fieldsync/fieldsync/internal/core/store"
	"github.com/fieldsync/fieldsync/internal/core/transport"
)

// localRecord is one business record held in the local document store.
// Dirty marks records edited locally since the last push; pushing the same
// version twice is idempotent on the authority side, so Dirty is cleared
// lazily when a pulled copy lands.
type localRecord struct {
	transport.Record
	Dirty bool `json:"dirty"`
}

// StoreSource is a document-store-backed record source. Business services
// write local edits through MarkChanged; the sync engine reads and applies
// through the session.RecordSource contract.
type StoreSource struct {
	docs store.Store
}

func NewStoreSource(docs store.Store) *StoreSource {
	return &StoreSource{docs: docs}
}

func localCollection(collection string) string {
	return "local_records/" + collection
}

// MarkChanged records a local edit, bumping the record's version and its
// own entry in the vector clock.
func (s *StoreSource) MarkChanged(ctx context.Context, collection, deviceID string, rec transport.Record) error {
	prev, err := s.get(ctx, collection, rec.RecordID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if prev != nil {
		if rec.Version <= prev.Version {
			rec.Version = prev.Version + 1
		}
		for replica, counter := range prev.Clock {
			if rec.Clock == nil {
				rec.Clock = make(map[string]int64)
			}
			if counter > rec.Clock[replica] {
				rec.Clock[replica] = counter
			}
		}
	} else if rec.Version == 0 {
		rec.Version = 1
	}
	if deviceID != "" {
		if rec.Clock == nil {
			rec.Clock = make(map[string]int64)
		}
		rec.Clock[deviceID]++
	}
	return store.Upsert(ctx, s.docs, localCollection(collection), rec.RecordID, localRecord{Record: rec, Dirty: true})
}

// Changed lists locally edited records awaiting a push.
func (s *StoreSource) Changed(ctx context.Context, collection string) ([]transport.Record, error) {
	var dirty []localRecord
	q := store.Query{
		Filters: []store.Filter{{Field: "dirty", Value: true}},
		OrderBy: "version",
	}
	if err := s.docs.Query(ctx, localCollection(collection), q, &dirty); err != nil {
		return nil, err
	}
	out := make([]transport.Record, 0, len(dirty))
	for _, rec := range dirty {
		out = append(out, rec.Record)
	}
	return out, nil
}

// LocalVersion reports the stored version of a record, zero when absent.
func (s *StoreSource) LocalVersion(ctx context.Context, collection, recordID string) (int64, error) {
	rec, err := s.get(ctx, collection, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return rec.Version, nil
}

// AckPush clears the dirty mark once the authority has accepted a record,
// unless a newer local edit arrived in the meantime.
func (s *StoreSource) AckPush(ctx context.Context, collection, recordID string, version int64) error {
	rec, err := s.get(ctx, collection, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.Version != version {
		return nil
	}
	rec.Dirty = false
	return store.Upsert(ctx, s.docs, localCollection(collection), recordID, rec)
}

// Apply installs a pulled record over the local copy.
func (s *StoreSource) Apply(ctx context.Context, collection string, rec transport.Record) error {
	return store.Upsert(ctx, s.docs, localCollection(collection), rec.RecordID, localRecord{Record: rec})
}

// Get returns the local copy of one record.
func (s *StoreSource) Get(ctx context.Context, collection, recordID string) (*transport.Record, error) {
	rec, err := s.get(ctx, collection, recordID)
	if err != nil {
		return nil, err
	}
	return &rec.Record, nil
}

func (s *StoreSource) get(ctx context.Context, collection, recordID string) (*localRecord, error) {
	var rec localRecord
	if err := s.docs.Get(ctx, localCollection(collection), recordID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
