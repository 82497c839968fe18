// Package connection tracks transport connection lifecycle: registration,
// ping latency, reconnection attempts, and terminal disconnection. The
// scheduler reads connection quality from here to pick a bandwidth profile.
package connection

import (
	"errors"
	"time"
)

// State is the lifecycle state of a connection.
// connected -> reconnecting -> disconnected; disconnected is terminal.
type State string

const (
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Quality buckets a connection for bandwidth-profile lookup.
type Quality string

const (
	QualityWifi    Quality = "wifi"
	Quality4G      Quality = "4g"
	Quality3G      Quality = "3g"
	Quality2G      Quality = "2g"
	QualityOffline Quality = "offline"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection is disconnected")
	ErrInvalidTransition  = errors.New("invalid connection state transition")
)

// Connection is one live transport handle. A dropped link that comes back
// after terminal disconnection gets a brand-new ID; DisconnectedAt is never
// cleared once set.
type Connection struct {
	ID             string        `json:"connection_id"`
	UserID         string        `json:"user_id"`
	DeviceID       string        `json:"device_id"`
	State          State         `json:"status"`
	ConnectedAt    time.Time     `json:"connected_at"`
	DisconnectedAt time.Time     `json:"disconnected_at,omitempty"`
	LastPingAt     time.Time     `json:"last_ping_at,omitempty"`
	Latency        time.Duration `json:"latency"`

	reconnectAttempts int
}

// Quality maps the connection's state and last measured latency onto a
// profile bucket. Latency is the primary signal when the declared link type
// is ambiguous.
func (c *Connection) Quality() Quality {
	if c.State == StateDisconnected {
		return QualityOffline
	}
	switch {
	case c.Latency <= 0:
		// No ping measured yet; assume the best until told otherwise.
		return QualityWifi
	case c.Latency < 50*time.Millisecond:
		return QualityWifi
	case c.Latency < 150*time.Millisecond:
		return Quality4G
	case c.Latency < 400*time.Millisecond:
		return Quality3G
	default:
		return Quality2G
	}
}

func (c *Connection) clone() *Connection {
	out := *c
	return &out
}
