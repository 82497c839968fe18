package connection

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/internal/core/observability/log"
)

const defaultMaxReconnectAttempts = 3

// Manager owns the connection state machine. All methods are safe for
// concurrent use; reads hand out copies.
type Manager struct {
	mu                   sync.RWMutex
	conns                map[string]*Connection
	maxReconnectAttempts int
	logger               log.Log
}

func NewManager(maxReconnectAttempts int, logger log.Log) *Manager {
	if maxReconnectAttempts <= 0 {
		maxReconnectAttempts = defaultMaxReconnectAttempts
	}
	return &Manager{
		conns:                make(map[string]*Connection),
		maxReconnectAttempts: maxReconnectAttempts,
		logger:               logger,
	}
}

// Register creates a new connection in the connected state and returns it.
func (m *Manager) Register(userID, deviceID string) *Connection {
	conn := &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		DeviceID:    deviceID,
		State:       StateConnected,
		ConnectedAt: time.Now(),
	}

	m.mu.Lock()
	m.conns[conn.ID] = conn
	m.mu.Unlock()

	m.logger.Info("connection registered",
		log.String("connection", conn.ID),
		log.String("user", userID),
		log.String("device", deviceID),
	)
	return conn.clone()
}

// Ping records a successful round trip and its latency. Pinging a
// reconnecting link counts as recovery.
func (m *Manager) Ping(id string, latency time.Duration) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrConnectionNotFound)
	}
	if conn.State == StateDisconnected {
		return nil, fmt.Errorf("%s: %w", id, ErrConnectionClosed)
	}

	conn.State = StateConnected
	conn.reconnectAttempts = 0
	conn.LastPingAt = time.Now()
	conn.Latency = latency
	return conn.clone(), nil
}

// MarkReconnecting transitions a dropped-but-recoverable link into the
// reconnecting state. Each call counts one failed attempt; once the bounded
// attempt budget is spent the connection falls through to disconnected.
func (m *Manager) MarkReconnecting(id string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrConnectionNotFound)
	}
	if conn.State == StateDisconnected {
		return nil, fmt.Errorf("%s: %w", id, ErrConnectionClosed)
	}

	conn.State = StateReconnecting
	conn.reconnectAttempts++
	if conn.reconnectAttempts > m.maxReconnectAttempts {
		m.disconnectLocked(conn)
	}
	return conn.clone(), nil
}

// Disconnect moves a connection to its terminal state and stamps
// DisconnectedAt. Disconnecting twice is a no-op.
func (m *Manager) Disconnect(id string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrConnectionNotFound)
	}
	if conn.State != StateDisconnected {
		m.disconnectLocked(conn)
	}
	return conn.clone(), nil
}

func (m *Manager) disconnectLocked(conn *Connection) {
	conn.State = StateDisconnected
	conn.DisconnectedAt = time.Now()
	m.logger.Info("connection disconnected",
		log.String("connection", conn.ID),
		log.String("user", conn.UserID),
	)
}

// Get returns a copy of the connection.
func (m *Manager) Get(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrConnectionNotFound)
	}
	return conn.clone(), nil
}

// Quality returns the current quality bucket for a connection. Unknown
// connections are treated as offline.
func (m *Manager) Quality(id string) Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[id]
	if !ok {
		return QualityOffline
	}
	return conn.Quality()
}

// List returns copies of all tracked connections, live and terminal.
func (m *Manager) List() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn.clone())
	}
	return out
}
