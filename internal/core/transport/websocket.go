package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var _ Transport = (*WebSocket)(nil)

// WebSocket speaks the frame codec over a single gorilla/websocket
// connection, one request/response round trip at a time. Writes are
// serialized; the measured round-trip time of the latest exchange doubles as
// the latency sample the connection manager feeds the scheduler.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration

	mu      sync.Mutex // serializes round trips
	latency atomic.Int64
	closed  atomic.Bool
}

// WebSocketConfig carries dial settings.
type WebSocketConfig struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// DialWebSocket connects to the remote authority.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig) (*WebSocket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", cfg.URL, err)
	}
	return &WebSocket{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		readTimeout:  cfg.ReadTimeout,
	}, nil
}

func (t *WebSocket) Push(ctx context.Context, batch Batch, compress bool) (*PushResult, error) {
	resp, err := t.roundTrip(ctx, wireRequest{Op: opPush, Batch: &batch}, compress)
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("push %s: %w", batch.Collection, ErrPushRejected)
	}
	return resp.Result, nil
}

func (t *WebSocket) Pull(ctx context.Context, req PullRequest, compress bool) (*Batch, error) {
	resp, err := t.roundTrip(ctx, wireRequest{Op: opPull, Pull: &req}, compress)
	if err != nil {
		return nil, err
	}
	if resp.Batch == nil {
		return nil, fmt.Errorf("pull %s: empty response", req.Collection)
	}
	return resp.Batch, nil
}

func (t *WebSocket) roundTrip(ctx context.Context, req wireRequest, compress bool) (*wireResponse, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	frame, err := EncodeFrame(req, compress)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		if t.writeTimeout > 0 {
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		}
		if t.readTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
	}

	start := time.Now()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}

	msgType, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
		return nil, errors.New("unsupported websocket message type")
	}
	t.latency.Store(int64(time.Since(start)))

	var resp wireResponse
	if err := DecodeFrame(data, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("remote: %s", resp.Err)
	}
	return &resp, nil
}

func (t *WebSocket) Latency() time.Duration {
	return time.Duration(t.latency.Load())
}

func (t *WebSocket) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}
