package edge

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aurelia-ai/chat-gateway/internal/dispatch"
	"github.com/aurelia-ai/chat-gateway/internal/logger"
)

const writeTimeout = 10 * time.Second

var errConnClosed = errors.New("edge: connection closed")

// wsConn owns one client WebSocket. All frames go out through a single
// writer goroutine; gorilla allows only one concurrent writer per socket.
type wsConn struct {
	ws        *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	logger    *logger.Logger
}

func newWSConn(ws *websocket.Conn, log *logger.Logger) *wsConn {
	return &wsConn{
		ws:     ws,
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
		logger: log,
	}
}

// writeLoop is the single writer. Every keepalive interval it sends an
// empty text frame plus a ping; the pong refreshes the read deadline, so
// a client that only listens stays connected while chunks flow. The
// ticker is never paused: outbound chunks do not produce pongs, only
// pings do.
func (c *wsConn) writeLoop(keepalive time.Duration) {
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed, marking connection closed",
					slog.String("error", err.Error()))
				c.markClosed()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, nil); err != nil {
				c.markClosed()
				return
			}
			deadline := time.Now().Add(writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.markClosed()
				return
			}

		case <-c.closed:
			return
		}
	}
}

// write hands a frame to the writer goroutine. Fails once the connection
// is considered closed.
func (c *wsConn) write(data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

// writeError sends a single {"error": reason} frame, best effort.
func (c *wsConn) writeError(reason string) {
	frame, err := encodeErrorFrame(reason)
	if err != nil {
		return
	}
	if err := c.write(frame); err != nil {
		c.logger.Debug("error frame dropped, connection closed")
	}
}

// markClosed flags the connection as gone. In-flight dispatches observe it
// through their sink's Closed channel and begin draining.
func (c *wsConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// closeGoingAway sends close code 1001 during server shutdown. WriteControl
// is safe concurrently with the writer goroutine.
func (c *wsConn) closeGoingAway() {
	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "going away")
	c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	c.markClosed()
	c.ws.Close()
}

// connSink adapts a wsConn to the dispatcher's Sink. The chunk payload is
// forwarded verbatim as a text frame.
type connSink struct {
	conn *wsConn
}

func (s connSink) Write(chunk dispatch.Chunk) error {
	return s.conn.write(chunk.Payload)
}

func (s connSink) Closed() <-chan struct{} {
	return s.conn.closed
}
