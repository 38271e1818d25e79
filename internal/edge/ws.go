package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/aurelia-ai/chat-gateway/internal/apierr"
	"github.com/aurelia-ai/chat-gateway/internal/auth"
	"github.com/aurelia-ai/chat-gateway/internal/dispatch"
	"github.com/aurelia-ai/chat-gateway/internal/logger"
	"github.com/aurelia-ai/chat-gateway/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now (can restrict based on config)
		return true
	},
}

// ackFrame is reserved client-side acknowledgement; ignored on input,
// never emitted.
var ackFrame = []byte("+ACK")

// inboundFrame is the client's chat frame. The short field names are the
// canonical wire form; the long forms are accepted as aliases.
type inboundFrame struct {
	RoomID         string `json:"room_id"`
	ConversationID string `json:"conversation_id"`
	Msg            string `json:"msg"`
	Text           string `json:"text"`
	Model          string `json:"model"`
	ModelID        string `json:"model_id"`
}

func (f *inboundFrame) toRequest() dispatch.ChatRequest {
	req := dispatch.ChatRequest{
		ConversationID: f.RoomID,
		Text:           f.Msg,
		ModelID:        f.Model,
	}
	if req.ConversationID == "" {
		req.ConversationID = f.ConversationID
	}
	if req.Text == "" {
		req.Text = f.Text
	}
	if req.ModelID == "" {
		req.ModelID = f.ModelID
	}
	return req
}

func encodeErrorFrame(reason string) ([]byte, error) {
	return json.Marshal(map[string]string{"error": reason})
}

// StreamHandler serves the WebSocket streaming endpoint.
type StreamHandler struct {
	verifier   *auth.Verifier
	dispatcher *dispatch.Dispatcher
	keepalive  time.Duration
	logger     *logger.Logger
	metrics    *metrics.Metrics

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// NewStreamHandler creates the WebSocket edge handler.
func NewStreamHandler(verifier *auth.Verifier, dispatcher *dispatch.Dispatcher, keepalive time.Duration, log *logger.Logger, m *metrics.Metrics) *StreamHandler {
	return &StreamHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		keepalive:  keepalive,
		logger:     log.WithComponent("ws-edge"),
		metrics:    m,
		conns:      make(map[*wsConn]struct{}),
	}
}

// Handle upgrades the connection, authenticates via the token query
// parameter and runs the read loop until the client goes away.
func (h *StreamHandler) Handle(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", slog.String("error", err.Error()))
		return
	}

	// Authentication happens after the upgrade so the close code reaches
	// the client; a plain 401 is invisible to browser WebSocket clients.
	identity, err := h.verifier.VerifyWS(c.Request.Context(), c.Query("token"))
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		ws.Close()
		return
	}

	ctx := logger.WithUserID(c.Request.Context(), identity.Subject)
	log := h.logger.WithContext(ctx)

	conn := newWSConn(ws, log)
	h.track(conn)
	h.metrics.ConnectionOpened()
	log.Info("websocket connected")

	go conn.writeLoop(h.keepalive)

	defer func() {
		h.untrack(conn)
		h.metrics.ConnectionClosed()
		conn.markClosed()
		ws.Close()
		log.Info("websocket disconnected")
	}()

	h.readLoop(ctx, log, identity, conn)
}

// readLoop processes inbound frames. Each valid request dispatches
// concurrently; the conflict rule in the registry serializes requests for
// the same conversation.
func (h *StreamHandler) readLoop(ctx context.Context, log *logger.Logger, identity auth.Identity, conn *wsConn) {
	readDeadline := 4 * h.keepalive
	conn.ws.SetReadDeadline(time.Now().Add(readDeadline))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(readDeadline))

		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			// Client keepalive.
			continue
		}
		if bytes.Equal(data, ackFrame) {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("ignoring non-JSON frame", slog.Int("bytes", len(data)))
			continue
		}

		req := frame.toRequest()
		go h.dispatchFrame(ctx, log, identity, req, conn)
	}
}

// dispatchFrame runs one dispatch and translates its error into a single
// outbound error frame.
func (h *StreamHandler) dispatchFrame(ctx context.Context, log *logger.Logger, identity auth.Identity, req dispatch.ChatRequest, conn *wsConn) {
	err := h.dispatcher.Dispatch(ctx, identity, req, connSink{conn: conn})
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, apierr.ErrConflict):
		conn.writeError("conflict")
	case errors.Is(err, apierr.ErrUnavailable):
		conn.writeError("unavailable")
	case errors.Is(err, apierr.ErrBadRequest):
		conn.writeError(err.Error())
	case errors.Is(err, apierr.ErrTimeout):
		// The sink already received the terminal timeout chunk.
	case errors.Is(err, context.Canceled):
		// Connection teardown; nothing to report.
	default:
		log.Error("dispatch failed", slog.String("error", err.Error()))
		conn.writeError("internal")
		conn.markClosed()
	}
}

// Shutdown notifies every open connection that the server is going away
// (close code 1001).
func (h *StreamHandler) Shutdown() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.closeGoingAway()
	}
}

func (h *StreamHandler) track(conn *wsConn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *StreamHandler) untrack(conn *wsConn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}
