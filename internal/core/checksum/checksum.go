// Package checksum provides an integrity check over record payloads that is
// orthogonal to version comparison: two digests disagreeing for the same
// version means silent corruption, not a concurrent edit, and is escalated
// separately from version conflicts.
package checksum

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fieldsync/fieldsync/internal/core/events"
	"github.com/fieldsync/fieldsync/internal/core/observability/log"
	"github.com/fieldsync/fieldsync/internal/core/store"
	"github.com/fieldsync/fieldsync/pkg/keymutex"
)

// Collection is the document-store collection holding checksum history.
const Collection = "data_checksums"

// Checksum is the stored digest state for one record version.
type Checksum struct {
	Collection   string    `json:"collection"`
	RecordID     string    `json:"record_id"`
	Version      int64     `json:"version"`
	Digest       string    `json:"checksum"`
	CalculatedAt time.Time `json:"calculated_at"`
	Verified     bool      `json:"verified"`
	Mismatch     bool      `json:"mismatch"`
	// Observed holds the diverging digest when Mismatch is set, so the
	// corruption report can show both values.
	Observed string `json:"observed,omitempty"`
}

// Mismatch event data carries the full checksum state.
type Emitter interface {
	Emit(event events.Event)
}

// Digest returns the canonical xxhash digest of a payload.
func Digest(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// Verifier compares freshly computed digests against stored history.
type Verifier struct {
	docs    store.Store
	emitter Emitter
	locks   *keymutex.KeyMutex
	logger  log.Log
}

func NewVerifier(docs store.Store, emitter Emitter, logger log.Log) *Verifier {
	return &Verifier{
		docs:    docs,
		emitter: emitter,
		locks:   keymutex.New(0),
		logger:  logger,
	}
}

// Verify digests payload and checks it against the stored digest for the
// same (collection, record, version). The first digest seen for a version is
// authoritative and always verifies. A later disagreement for that same
// version is recorded as a mismatch and published; the caller should force a
// re-pull of the authoritative copy rather than attempt a merge.
func (v *Verifier) Verify(ctx context.Context, collection, recordID string, version int64, payload []byte) (*Checksum, error) {
	digest := Digest(payload)
	key := collection + "/" + recordID

	var out *Checksum
	err := v.locks.WithLock(key, func() error {
		var prior Checksum
		err := v.docs.Get(ctx, Collection, key, &prior)
		switch {
		case err == nil && prior.Version == version && prior.Digest != digest:
			prior.Verified = false
			prior.Mismatch = true
			prior.Observed = digest
			prior.CalculatedAt = time.Now()
			if err := v.docs.Update(ctx, Collection, key, &prior); err != nil {
				return fmt.Errorf("store checksum mismatch: %w", err)
			}
			out = &prior
			v.logger.Warn("checksum mismatch",
				log.String("collection", collection),
				log.String("record", recordID),
				log.Int64("version", version),
				log.String("stored", prior.Digest),
				log.String("observed", digest),
			)
			v.emitter.Emit(events.New(events.TypeChecksumMismatch, Collection, out))
			return nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("load checksum: %w", err)
		}

		fresh := Checksum{
			Collection:   collection,
			RecordID:     recordID,
			Version:      version,
			Digest:       digest,
			CalculatedAt: time.Now(),
			Verified:     true,
		}
		if err := store.Upsert(ctx, v.docs, Collection, key, &fresh); err != nil {
			return fmt.Errorf("store checksum: %w", err)
		}
		out = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the stored checksum state for a record, if any.
func (v *Verifier) Get(ctx context.Context, collection, recordID string) (*Checksum, error) {
	var c Checksum
	if err := v.docs.Get(ctx, Collection, collection+"/"+recordID, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
