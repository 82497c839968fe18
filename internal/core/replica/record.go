// Package replica owns per-record synchronization metadata: vector clocks,
// local/remote version counters, and the conflict flag with its resolution
// lifecycle. Version-number divergence is a cheap, transport-agnostic
// conflict signal; full causal-history tracking is out of scope.
package replica

import "time"

// Strategy names a conflict resolution policy.
type Strategy string

const (
	// StrategyLocalWins keeps the local value and advances the remote
	// version to match.
	StrategyLocalWins Strategy = "local_wins"
	// StrategyRemoteWins adopts the remote value and version.
	StrategyRemoteWins Strategy = "remote_wins"
	// StrategyManual defers to a human; the record stays flagged until the
	// operator supplies merged data.
	StrategyManual Strategy = "manual"
	// StrategyMerged stores a caller-supplied merge result verbatim.
	StrategyMerged Strategy = "merged"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyLocalWins, StrategyRemoteWins, StrategyManual, StrategyMerged:
		return true
	}
	return false
}

// Record is the synchronization state of one (collection, record) pair. It is
// created on first observed change and never deleted while the underlying
// record exists, so the last resolution stays on file.
type Record struct {
	Collection    string      `json:"collection"`
	RecordID      string      `json:"record_id"`
	Clock         VectorClock `json:"vector_clock"`
	LocalVersion  int64       `json:"local_version"`
	RemoteVersion int64       `json:"remote_version"`
	LastModified  time.Time   `json:"last_modified"`

	ConflictDetected bool     `json:"conflict_detected"`
	ResolvedBy       Strategy `json:"resolved_by,omitempty"`
	// MergedData is the single extension point for arbitrary merged content;
	// the engine stores it opaquely.
	MergedData []byte `json:"merged_data,omitempty"`
}

// Key is the document id under which the record is persisted.
func (r *Record) Key() string {
	return r.Collection + "/" + r.RecordID
}

func (r *Record) clone() *Record {
	out := *r
	out.Clock = r.Clock.Clone()
	if r.MergedData != nil {
		out.MergedData = append([]byte(nil), r.MergedData...)
	}
	return &out
}
