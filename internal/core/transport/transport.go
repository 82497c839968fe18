// Package transport moves batches of records between the local replica and
// the remote authority. The engine treats the transport as a collaborator:
// anything that can push and pull batches and report round-trip latency
// qualifies. WebSocket and QUIC implementations ship here, plus an in-memory
// loopback used by tests and the demo binary.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrClosed       = errors.New("transport is closed")
	ErrPushRejected = errors.New("push rejected by remote")
	ErrUnavailable  = errors.New("transport unavailable")
)

// Record is one synchronized record on the wire. Version is the sender's
// version counter for the record; Clock carries the per-replica counters.
type Record struct {
	RecordID string           `json:"record_id"`
	Version  int64            `json:"version"`
	Clock    map[string]int64 `json:"vector_clock,omitempty"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
	Checksum string           `json:"checksum,omitempty"`
	Deleted  bool             `json:"deleted,omitempty"`
}

// Batch is the unit of transfer for one collection.
type Batch struct {
	Collection string   `json:"collection"`
	DeltaOnly  bool     `json:"delta_only"`
	Records    []Record `json:"records"`
}

// PushResult reports what the authority accepted. RemoteVersions holds the
// authority's version per record id after the push, which feeds conflict
// detection.
type PushResult struct {
	Accepted       int              `json:"accepted"`
	RemoteVersions map[string]int64 `json:"remote_versions"`
	Bytes          int              `json:"bytes"`
}

// PullRequest asks the authority for records changed since a version
// watermark.
type PullRequest struct {
	Collection   string `json:"collection"`
	SinceVersion int64  `json:"since_version"`
	Limit        int    `json:"limit"`
	DeltaOnly    bool   `json:"delta_only"`
}

// Transport is the engine-facing contract. Push and Pull are the only
// blocking operations in a sync pass and must honor ctx cancellation.
type Transport interface {
	Push(ctx context.Context, batch Batch, compress bool) (*PushResult, error)
	Pull(ctx context.Context, req PullRequest, compress bool) (*Batch, error)
	Latency() time.Duration
	Close() error
}

// request/response envelope shared by the websocket and quic framings.

type wireOp string

const (
	opPush wireOp = "push"
	opPull wireOp = "pull"
)

type wireRequest struct {
	Op    wireOp       `json:"op"`
	Batch *Batch       `json:"batch,omitempty"`
	Pull  *PullRequest `json:"pull,omitempty"`
}

type wireResponse struct {
	Result *PushResult `json:"result,omitempty"`
	Batch  *Batch      `json:"batch,omitempty"`
	Err    string      `json:"err,omitempty"`
}
