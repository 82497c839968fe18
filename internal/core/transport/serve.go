package transport

import (
	"context"
	"fmt"
)

// ServeFrame handles one request frame against the loopback authority and
// returns the response frame. The server side of the websocket and quic
// endpoints shuttles frames through here; the response reuses the codec the
// request arrived with.
func (l *Loopback) ServeFrame(ctx context.Context, frame []byte) ([]byte, error) {
	compress := len(frame) > 0 && frame[0] == codecSnappy

	var req wireRequest
	if err := DecodeFrame(frame, &req); err != nil {
		return EncodeFrame(wireResponse{Err: err.Error()}, compress)
	}

	var resp wireResponse
	switch req.Op {
	case opPush:
		if req.Batch == nil {
			resp.Err = "push without batch"
			break
		}
		result, err := l.Push(ctx, *req.Batch, false)
		if err != nil {
			resp.Err = err.Error()
			break
		}
		resp.Result = result
	case opPull:
		if req.Pull == nil {
			resp.Err = "pull without request"
			break
		}
		batch, err := l.Pull(ctx, *req.Pull, false)
		if err != nil {
			resp.Err = err.Error()
			break
		}
		resp.Batch = batch
	default:
		resp.Err = fmt.Sprintf("unknown op %q", req.Op)
	}
	return EncodeFrame(resp, compress)
}
