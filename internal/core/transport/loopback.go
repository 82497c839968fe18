package transport

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Transport = (*Loopback)(nil)

// Loopback is an in-process authority. Tests seed its remote state to force
// conflicts, and the demo binary uses it to run the whole engine without a
// network. Push/Pull round-trip through the frame codec so the wire format
// is exercised even in-memory.
type Loopback struct {
	mu      sync.Mutex
	remote  map[string]map[string]Record // collection -> record id -> record
	latency time.Duration
	closed  bool

	// PushErr, when set, fails every Push. Tests use it to drive the retry
	// queue.
	PushErr error
	// PullErr behaves likewise for Pull.
	PullErr error
}

func NewLoopback(latency time.Duration) *Loopback {
	return &Loopback{
		remote:  make(map[string]map[string]Record),
		latency: latency,
	}
}

// Seed installs a record on the authority side.
func (l *Loopback) Seed(collection string, rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	coll := l.remote[collection]
	if coll == nil {
		coll = make(map[string]Record)
		l.remote[collection] = coll
	}
	coll[rec.RecordID] = rec
}

// Remote returns the authority's copy of a record.
func (l *Loopback) Remote(collection, recordID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.remote[collection][recordID]
	return rec, ok
}

func (l *Loopback) Push(ctx context.Context, batch Batch, compress bool) (*PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame, err := EncodeFrame(wireRequest{Op: opPush, Batch: &batch}, compress)
	if err != nil {
		return nil, err
	}
	var req wireRequest
	if err := DecodeFrame(frame, &req); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.PushErr != nil {
		return nil, l.PushErr
	}

	coll := l.remote[req.Batch.Collection]
	if coll == nil {
		coll = make(map[string]Record)
		l.remote[req.Batch.Collection] = coll
	}

	result := &PushResult{
		RemoteVersions: make(map[string]int64, len(req.Batch.Records)),
		Bytes:          len(frame),
	}
	for _, rec := range req.Batch.Records {
		existing, ok := coll[rec.RecordID]
		if !ok || rec.Version >= existing.Version {
			coll[rec.RecordID] = rec
			result.Accepted++
			result.RemoteVersions[rec.RecordID] = rec.Version
		} else {
			// The authority moved on; report its version so the caller
			// detects the conflict.
			result.RemoteVersions[rec.RecordID] = existing.Version
		}
	}
	return result, nil
}

func (l *Loopback) Pull(ctx context.Context, pullReq PullRequest, compress bool) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if l.PullErr != nil {
		err := l.PullErr
		l.mu.Unlock()
		return nil, err
	}

	var records []Record
	for _, rec := range l.remote[pullReq.Collection] {
		if rec.Version > pullReq.SinceVersion {
			records = append(records, rec)
		}
	}
	l.mu.Unlock()

	// Oldest versions first, so a truncated batch holds the records the
	// caller's cursor has not covered yet and nothing is skipped for good.
	sort.Slice(records, func(i, j int) bool {
		if records[i].Version != records[j].Version {
			return records[i].Version < records[j].Version
		}
		return records[i].RecordID < records[j].RecordID
	})
	if pullReq.Limit > 0 && len(records) > pullReq.Limit {
		records = records[:pullReq.Limit]
	}

	batch := &Batch{Collection: pullReq.Collection, DeltaOnly: pullReq.DeltaOnly, Records: records}

	// Round-trip through the codec like a real transport would.
	frame, err := EncodeFrame(wireResponse{Batch: batch}, compress)
	if err != nil {
		return nil, err
	}
	var resp wireResponse
	if err := DecodeFrame(frame, &resp); err != nil {
		return nil, err
	}
	return resp.Batch, nil
}

func (l *Loopback) Latency() time.Duration {
	return l.latency
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
