package session

import (
	"context"

	"github.com/fieldsync/fieldsync/internal/core/transport"
)

// RecordSource exposes the application's business records to the engine.
// The engine never interprets payloads beyond selective-filter matching;
// the source owns persistence of the records themselves.
type RecordSource interface {
	// Changed lists records in a collection modified locally since the
	// last successful push, newest version last.
	Changed(ctx context.Context, collection string) ([]transport.Record, error)

	// LocalVersion reports the current local version of a record, zero
	// when the record does not exist locally.
	LocalVersion(ctx context.Context, collection, recordID string) (int64, error)

	// Apply installs a record pulled from the remote authority.
	Apply(ctx context.Context, collection string, rec transport.Record) error
}

// PushAcker is implemented by sources that track a dirty mark per record.
// The orchestrator acknowledges each record the authority accepted so the
// source stops offering it as changed.
type PushAcker interface {
	AckPush(ctx context.Context, collection, recordID string, version int64) error
}
