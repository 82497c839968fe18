package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldsync/fieldsync/internal/core/observability/log"
	"github.com/fieldsync/fieldsync/internal/core/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocketHandler serves the authority side of the sync wire protocol.
// Each incoming binary frame is one push or pull request; the response goes
// back on the same connection in the codec the request used.
type WebSocketHandler struct {
	authority *transport.Loopback
	logger    log.Log
	timeout   time.Duration
}

func NewWebSocketHandler(authority *transport.Loopback, logger log.Log) *WebSocketHandler {
	return &WebSocketHandler{authority: authority, logger: logger, timeout: 30 * time.Second}
}

// Handler returns the authority endpoint when the server runs on the
// loopback transport, nil otherwise.
func (s *Server) Handler() http.Handler {
	if s.authority == nil {
		return nil
	}
	return NewWebSocketHandler(s.authority, s.logger)
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", log.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("websocket read failed", log.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		resp, err := h.authority.ServeFrame(ctx, frame)
		if err != nil {
			h.logger.Warn("serving frame failed", log.Error(err))
			return
		}
		if h.timeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(h.timeout))
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, resp); err != nil {
			h.logger.Warn("websocket write failed", log.Error(err))
			return
		}
	}
}
