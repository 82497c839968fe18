package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

var _ Transport = (*QUIC)(nil)

// maxQUICFrameSize bounds a single request or response frame.
const maxQUICFrameSize = 32 << 20

// QUIC opens one bidirectional stream per round trip: the frame travels
// length-prefixed, the write side is closed to signal end-of-request, and
// the response is read back on the same stream. Stream setup is cheap on an
// established QUIC connection, so a stream per exchange keeps the framing
// trivial and lets round trips fail independently.
type QUIC struct {
	conn    *quic.Conn
	latency atomic.Int64
	closed  atomic.Bool
}

// QUICConfig carries dial settings.
type QUICConfig struct {
	Addr       string
	TLS        *tls.Config
	KeepAlive  time.Duration
	DialWindow time.Duration
}

// DialQUIC connects to the remote authority.
func DialQUIC(ctx context.Context, cfg QUICConfig) (*QUIC, error) {
	if cfg.DialWindow > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialWindow)
		defer cancel()
	}
	tlsConf := cfg.TLS
	if tlsConf == nil {
		tlsConf = &tls.Config{NextProtos: []string{"fieldsync"}, MinVersion: tls.VersionTLS13}
	}
	conn, err := quic.DialAddr(ctx, cfg.Addr, tlsConf, &quic.Config{
		KeepAlivePeriod: cfg.KeepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", cfg.Addr, err)
	}
	return &QUIC{conn: conn}, nil
}

func (t *QUIC) Push(ctx context.Context, batch Batch, compress bool) (*PushResult, error) {
	resp, err := t.roundTrip(ctx, wireRequest{Op: opPush, Batch: &batch}, compress)
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("push %s: %w", batch.Collection, ErrPushRejected)
	}
	return resp.Result, nil
}

func (t *QUIC) Pull(ctx context.Context, req PullRequest, compress bool) (*Batch, error) {
	resp, err := t.roundTrip(ctx, wireRequest{Op: opPull, Pull: &req}, compress)
	if err != nil {
		return nil, err
	}
	if resp.Batch == nil {
		return nil, fmt.Errorf("pull %s: empty response", req.Collection)
	}
	return resp.Batch, nil
}

func (t *QUIC) roundTrip(ctx context.Context, req wireRequest, compress bool) (*wireResponse, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	frame, err := EncodeFrame(req, compress)
	if err != nil {
		return nil, err
	}

	stream, err := t.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	start := time.Now()
	if err := writeFrame(stream, frame); err != nil {
		return nil, err
	}
	// Half-close tells the remote the request is complete.
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("close write side: %w", err)
	}

	data, err := readFrame(stream)
	if err != nil {
		return nil, err
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

func (t *QUIC) Latency() time.Duration {
	return time.Duration(t.latency.Load())
}

func (t *QUIC) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.CloseWithError(0, "client closed")
}

func writeFrame(w io.Writer, frame []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(frame)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	size := binary.BigEndian.Uint32(length[:])
	if size == 0 || size > maxQUICFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return frame, nil
}
