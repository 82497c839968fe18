package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/internal/core/events"
	"github.com/fieldsync/fieldsync/internal/core/observability/log"
	"github.com/fieldsync/fieldsync/internal/core/store"
	"github.com/fieldsync/fieldsync/pkg/keymutex"
)

// Collection is the document-store collection holding replica records.
const Collection = "replica_records"

// Emitter is the outbound event surface the store publishes through.
// *events.Dispatcher satisfies it.
type Emitter interface {
	Emit(event events.Event)
}

// StateStore tracks per-record sync metadata and detects version conflicts.
// Writers are serialized per (collection, record) key; unrelated records
// proceed in parallel, which matters when several device connections sync
// concurrently.
type StateStore struct {
	docs    store.Store
	emitter Emitter
	locks   *keymutex.KeyMutex
	logger  log.Log
}

func NewStateStore(docs store.Store, emitter Emitter, logger log.Log) *StateStore {
	return &StateStore{
		docs:    docs,
		emitter: emitter,
		locks:   keymutex.New(0),
		logger:  logger,
	}
}

// RecordChange records the latest observed local/remote versions for a
// record and recomputes the conflict flag. A record is created on first
// observed change. A newly detected conflict is published so listeners can
// react without polling.
func (s *StateStore) RecordChange(ctx context.Context, collection, recordID string, clock VectorClock, localVersion, remoteVersion int64) (*Record, error) {
	if collection == "" || recordID == "" {
		return nil, fmt.Errorf("record change: collection and record id required")
	}

	var out *Record
	key := collection + "/" + recordID
	err := s.locks.WithLock(key, func() error {
		rec, err := s.load(ctx, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		created := rec == nil
		if created {
			rec = &Record{
				Collection: collection,
				RecordID:   recordID,
				Clock:      NewVectorClock(),
			}
		}

		wasConflicted := rec.ConflictDetected

		if clock != nil {
			rec.Clock.Merge(clock)
		}
		rec.LocalVersion = localVersion
		rec.RemoteVersion = remoteVersion
		rec.LastModified = time.Now()
		rec.ConflictDetected = localVersion != remoteVersion

		if err := s.save(ctx, rec, created); err != nil {
			return err
		}
		out = rec.clone()

		if rec.ConflictDetected && !wasConflicted {
			s.logger.Debug("conflict detected",
				log.String("collection", collection),
				log.String("record", recordID),
				log.Int64("local_version", localVersion),
				log.Int64("remote_version", remoteVersion),
			)
			s.emitter.Emit(events.New(events.TypeConflictDetected, Collection, out.clone()))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve clears a record's conflict flag according to strategy.
//
// Re-resolving an already resolved record with the same strategy and merged
// data is a no-op returning the stored state; with a different strategy it
// fails with ErrAlreadyResolved, so a manual resolution can never be
// silently overwritten. StrategyManual without merged data leaves the record
// flagged and returns ErrMergedDataRequired: manual resolution completes
// only when the operator supplies the merge result.
func (s *StateStore) Resolve(ctx context.Context, collection, recordID string, strategy Strategy, mergedData []byte) (*Record, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	var out *Record
	key := collection + "/" + recordID
	err := s.locks.WithLock(key, func() error {
		rec, err := s.load(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s: %w", key, ErrRecordNotFound)
			}
			return err
		}

		if !rec.ConflictDetected {
			if rec.ResolvedBy == "" {
				return fmt.Errorf("%s: %w", key, ErrNoConflict)
			}
			if rec.ResolvedBy == strategy && bytes.Equal(rec.MergedData, mergedData) {
				out = rec.clone()
				return nil
			}
			return fmt.Errorf("%s resolved by %s: %w", key, rec.ResolvedBy, ErrAlreadyResolved)
		}

		switch strategy {
		case StrategyLocalWins:
			rec.RemoteVersion = rec.LocalVersion
		case StrategyRemoteWins:
			rec.LocalVersion = rec.RemoteVersion
		case StrategyManual, StrategyMerged:
			if len(mergedData) == 0 {
				return fmt.Errorf("%s strategy %s: %w", key, strategy, ErrMergedDataRequired)
			}
			rec.MergedData = append([]byte(nil), mergedData...)
			if rec.RemoteVersion > rec.LocalVersion {
				rec.LocalVersion = rec.RemoteVersion
			} else {
				rec.RemoteVersion = rec.LocalVersion
			}
		}

		rec.ConflictDetected = false
		rec.ResolvedBy = strategy
		rec.LastModified = time.Now()

		if err := s.save(ctx, rec, false); err != nil {
			return err
		}
		out = rec.clone()
		s.emitter.Emit(events.New(events.TypeConflictResolved, Collection, out.clone()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the stored record for a (collection, record) pair.
func (s *StateStore) Get(ctx context.Context, collection, recordID string) (*Record, error) {
	rec, err := s.load(ctx, collection+"/"+recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", collection, recordID, ErrRecordNotFound)
		}
		return nil, err
	}
	return rec, nil
}

// ListOptions narrows List results.
type ListOptions struct {
	Collection     string
	UnresolvedOnly bool
}

// List returns replica records, optionally scoped to one collection or to
// records whose conflict is still unresolved.
func (s *StateStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	q := store.Query{OrderBy: "record_id"}
	if opts.Collection != "" {
		q.Filters = append(q.Filters, store.Filter{Field: "collection", Value: opts.Collection})
	}
	if opts.UnresolvedOnly {
		q.Filters = append(q.Filters, store.Filter{Field: "conflict_detected", Value: true})
	}

	var records []*Record
	if err := s.docs.Query(ctx, Collection, q, &records); err != nil {
		return nil, fmt.Errorf("list replica records: %w", err)
	}
	return records, nil
}

// UnresolvedCount is the number of records still flagged, across all
// collections. Surfaced prominently by status indicators.
func (s *StateStore) UnresolvedCount(ctx context.Context) (int, error) {
	records, err := s.List(ctx, ListOptions{UnresolvedOnly: true})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *StateStore) load(ctx context.Context, key string) (*Record, error) {
	var rec Record
	if err := s.docs.Get(ctx, Collection, key, &rec); err != nil {
		return nil, err
	}
	if rec.Clock == nil {
		rec.Clock = NewVectorClock()
	}
	return &rec, nil
}

func (s *StateStore) save(ctx context.Context, rec *Record, created bool) error {
	if created {
		if err := s.docs.Insert(ctx, Collection, rec.Key(), rec); err != nil {
			return fmt.Errorf("insert replica record: %w", err)
		}
		return nil
	}
	if err := s.docs.Update(ctx, Collection, rec.Key(), rec); err != nil {
		return fmt.Errorf("update replica record: %w", err)
	}
	return nil
}
