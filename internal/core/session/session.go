// Package session drives one synchronization pass end to end: it plans the
// pass from connection quality, narrows the candidate set through selective
// filters, moves batches over the transport, routes every touched record
// through checksum verification and conflict detection, feeds failures into
// the retry queue, and closes with aggregate statistics projected onto
// status indicators.
package session

import (
	"errors"
	"time"

	"github.com/fieldsync/fieldsync/internal/core/connection"
)

// Collection is the document-store collection holding the session audit log.
const Collection = "sync_sessions"

// Direction selects which legs a pass runs.
type Direction string

const (
	DirectionPush          Direction = "push"
	DirectionPull          Direction = "pull"
	DirectionBidirectional Direction = "bidirectional"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionPush, DirectionPull, DirectionBidirectional:
		return true
	}
	return false
}

// Status is the session lifecycle state. in_progress is the only
// non-terminal state; a terminal status is assigned exactly once.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionActive    = errors.New("a session is already active on this connection")
	ErrSessionTerminal  = errors.New("session already terminal")
	ErrInvalidDirection = errors.New("invalid session direction")
	// ErrOffline is returned when the bandwidth plan is empty because the
	// connection is offline or unknown. No session is started.
	ErrOffline = errors.New("connection is offline")
)

// Stats are the running counters of one session.
type Stats struct {
	RecordsPushed    int64 `json:"records_pushed"`
	RecordsPulled    int64 `json:"records_pulled"`
	Conflicts        int64 `json:"conflicts"`
	Errors           int64 `json:"errors"`
	BytesTransferred int64 `json:"bytes_transferred"`
}

// Session is one orchestrated pass. Terminal sessions are immutable and
// form an append-only audit log in the document store.
type Session struct {
	SessionID    string             `json:"session_id"`
	ConnectionID string             `json:"connection_id"`
	Direction    Direction          `json:"direction"`
	Quality      connection.Quality `json:"connection_quality"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  time.Time          `json:"completed_at,omitempty"`
	Status       Status             `json:"status"`
	Stats        Stats              `json:"stats"`
}

// Terminal reports whether the session has been completed or failed.
func (s *Session) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}
