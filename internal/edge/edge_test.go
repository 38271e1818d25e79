package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/chat-gateway/internal/auth"
	"github.com/aurelia-ai/chat-gateway/internal/bus"
	"github.com/aurelia-ai/chat-gateway/internal/cache"
	"github.com/aurelia-ai/chat-gateway/internal/dispatch"
	"github.com/aurelia-ai/chat-gateway/internal/logger"
	"github.com/aurelia-ai/chat-gateway/internal/metrics"
)

const testSecret = "edge-test-secret"

type publishedMsg struct {
	subject string
	data    []byte
	header  nats.Header
}

type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string]nats.MsgHandler
	published []publishedMsg
	streamed  int
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]nats.MsgHandler)}
}

func (b *fakeBus) Publish(subject string, data []byte, header nats.Header) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{subject, data, header})
	return nil
}

func (b *fakeBus) Subscribe(subject string, handler nats.MsgHandler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	return &fakeSub{bus: b, subject: subject}, nil
}

func (b *fakeBus) PublishStream(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed++
	return nil
}

func (b *fakeBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// replySubject returns the Reply header of the i-th published request.
func (b *fakeBus) replySubject(t *testing.T, i int) string {
	t.Helper()
	require.Eventually(t, func() bool { return b.publishedCount() > i },
		time.Second, 5*time.Millisecond, "request %d never published", i)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[i].header.Get(dispatch.HeaderReply)
}

func (b *fakeBus) deliver(t *testing.T, subject string, data []byte) {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.handlers[subject] != nil
	}, time.Second, 5*time.Millisecond, "no subscription on %s", subject)

	b.mu.Lock()
	handler := b.handlers[subject]
	b.mu.Unlock()
	handler(&nats.Msg{Subject: subject, Data: data})
}

type fakeSub struct {
	bus     *fakeBus
	subject string
}

func (s *fakeSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers, s.subject)
	return nil
}

type testGateway struct {
	server *httptest.Server
	bus    *fakeBus
	cache  *cache.Cache
}

func newTestGateway(t *testing.T) *testGateway {
	return newTestGatewayKeepalive(t, time.Minute)
}

func newTestGatewayKeepalive(t *testing.T, keepalive time.Duration) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logger.New(logger.Config{Level: logger.ParseLevel("error")})
	m := metrics.New(prometheus.NewRegistry())
	sessions := cache.New(client, 200, time.Hour, log, m)

	verifier, err := auth.NewVerifier(auth.Config{Alg: "HS256", Secret: testSecret}, sessions, log)
	require.NoError(t, err)

	b := newFakeBus()
	dispatcher := dispatch.New(b, sessions, m, log, dispatch.Options{
		RequestSubject:   "chat.request",
		RawMemorySubject: "memory.raw",
		IdleTimeout:      2 * time.Second,
		TotalTimeout:     10 * time.Second,
		DrainTimeout:     time.Second,
	})

	stream := NewStreamHandler(verifier, dispatcher, keepalive, log, m)
	api := NewAPI(dispatcher, sessions, "sara_default", func() bool { return true }, log)

	router := NewRouter(RouterOptions{
		StreamPath: "/v1/stream",
		Stream:     stream,
		API:        api,
		AuthMW:     auth.NewMiddleware(verifier),
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testGateway{server: server, bus: b, cache: sessions}
}

func signToken(t *testing.T, subject string, opts ...func(*auth.Claims)) string {
	t.Helper()
	claims := &auth.Claims{
		Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			ID:        "jti-" + subject,
		},
	}
	for _, opt := range opts {
		opt(claims)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (g *testGateway) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/v1/stream?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readFrame returns the next non-empty text frame.
func readFrame(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		if len(data) > 0 {
			return data
		}
	}
}

func chunkFrame(content, finish string) []byte {
	if finish == "" {
		return []byte(fmt.Sprintf(`{"choices":[{"delta":{"content":%q},"finish_reason":null}]}`, content))
	}
	return []byte(fmt.Sprintf(`{"choices":[{"delta":{"content":%q},"finish_reason":%q}]}`, content, finish))
}

func TestWSUnauthenticated(t *testing.T) {
	g := newTestGateway(t)
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/v1/stream?token=garbage"

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "upgrade succeeds so the close code is observable")
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "unauthenticated", closeErr.Text)
}

func TestWSHappyPath(t *testing.T) {
	g := newTestGateway(t)
	ws := g.dial(t, signToken(t, "user-1"))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"room_id":"r1","msg":"hi"}`)))

	reply := g.bus.replySubject(t, 0)
	g.bus.deliver(t, reply, chunkFrame("he", ""))
	g.bus.deliver(t, reply, chunkFrame("llo", ""))
	g.bus.deliver(t, reply, chunkFrame("!", "stop"))

	var contents []string
	for i := 0; i < 3; i++ {
		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal(readFrame(t, ws), &frame))
		require.Len(t, frame.Choices, 1)
		contents = append(contents, frame.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"he", "llo", "!"}, contents)

	// Hot buffer holds both sides of the exchange.
	require.Eventually(t, func() bool {
		entries, err := g.cache.ReadRecent(context.Background(), "r1", 10)
		return err == nil && len(entries) == 2
	}, time.Second, 5*time.Millisecond)

	entries, err := g.cache.ReadRecent(context.Background(), "r1", 10)
	require.NoError(t, err)
	assert.Equal(t, "hi", entries[0].Text)
	assert.Equal(t, "hello!", entries[1].Text)
}

func TestWSConflict(t *testing.T) {
	g := newTestGateway(t)
	ws := g.dial(t, signToken(t, "user-1"))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"room_id":"r1","msg":"first"}`)))
	reply := g.bus.replySubject(t, 0)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"room_id":"r1","msg":"second"}`)))

	frame := readFrame(t, ws)
	assert.JSONEq(t, `{"error":"conflict"}`, string(frame))

	// The original ticket is unaffected.
	g.bus.deliver(t, reply, chunkFrame("ok", "stop"))
	assert.Contains(t, string(readFrame(t, ws)), "ok")
}

func TestWSBadRequestFrame(t *testing.T) {
	g := newTestGateway(t)
	ws := g.dial(t, signToken(t, "user-1"))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"room_id":"r1","msg":""}`)))

	var frame struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(readFrame(t, ws), &frame))
	assert.Contains(t, frame.Error, "empty message")

	// The connection stays open for further requests.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"room_id":"r1","msg":"hi"}`)))
	reply := g.bus.replySubject(t, 0)
	g.bus.deliver(t, reply, chunkFrame("ok", "stop"))
	assert.Contains(t, string(readFrame(t, ws)), "ok")
}

func TestWSIgnoresKeepaliveAndNonJSON(t *testing.T) {
	g := newTestGateway(t)
	ws := g.dial(t, signToken(t, "user-1"))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("+ACK")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json at all")))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"room_id":"r1","msg":"hi"}`)))
	reply := g.bus.replySubject(t, 0)
	g.bus.deliver(t, reply, chunkFrame("fine", "stop"))
	assert.Contains(t, string(readFrame(t, ws)), "fine")

	// Only the one real request reached the bus.
	assert.Equal(t, 1, g.bus.publishedCount())
}

// A client that sends one request and then only listens must not be cut off
// by the read deadline while chunks are still flowing: the server's pings and
// the client's automatic pongs keep the connection alive.
func TestWSListenOnlyClientOutlivesReadDeadline(t *testing.T) {
	keepalive := 100 * time.Millisecond // read deadline is 4x this
	g := newTestGatewayKeepalive(t, keepalive)
	ws := g.dial(t, signToken(t, "user-1"))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"room_id":"r1","msg":"hi"}`)))
	reply := g.bus.replySubject(t, 0)

	// Worker chunks arrive slower than the read deadline would allow if it
	// were only refreshed by inbound client frames.
	parts := []string{"a", "b", "c", "d", "e"}
	go func() {
		for _, p := range parts {
			time.Sleep(250 * time.Millisecond)
			g.bus.deliver(t, reply, chunkFrame(p, ""))
		}
		time.Sleep(250 * time.Millisecond)
		g.bus.deliver(t, reply, chunkFrame("!", "stop"))
	}()

	var contents []string
	for i := 0; i < len(parts)+1; i++ {
		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal(readFrame(t, ws), &frame),
			"connection dropped after %d chunks", i)
		require.Len(t, frame.Choices, 1)
		contents = append(contents, frame.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "!"}, contents)
}

func TestHTTPEnqueue(t *testing.T) {
	g := newTestGateway(t)
	token := signToken(t, "user-1")

	resp := doJSON(t, g, "POST", "/chat", token, `{"room_id":"r1","msg":"hi"}`)
	require.Equal(t, http.StatusOK, resp.code)
	assert.Equal(t, "queued", resp.body["status"])
	assert.NotEmpty(t, resp.body["id"])

	// Same conversation while the ticket is active: conflict.
	resp = doJSON(t, g, "POST", "/chat", token, `{"room_id":"r1","msg":"again"}`)
	assert.Equal(t, http.StatusConflict, resp.code)

	// Missing token: unauthorized.
	resp = doJSON(t, g, "POST", "/chat", "", `{"room_id":"r2","msg":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.code)

	// Empty message: bad request.
	resp = doJSON(t, g, "POST", "/chat", token, `{"room_id":"r2","msg":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.code)
}

func TestHTTPMe(t *testing.T) {
	g := newTestGateway(t)

	resp := doJSON(t, g, "GET", "/auth/me", signToken(t, "user-42"), "")
	require.Equal(t, http.StatusOK, resp.code)
	assert.Equal(t, "user-42", resp.body["user"])
}

func TestHTTPPersona(t *testing.T) {
	g := newTestGateway(t)
	token := signToken(t, "user-1")

	resp := doJSON(t, g, "GET", "/v1/persona", token, "")
	require.Equal(t, http.StatusOK, resp.code)
	assert.Equal(t, "sara_default", resp.body["persona"])

	resp = doJSON(t, g, "PUT", "/v1/persona", token, `{"persona":"noir"}`)
	require.Equal(t, http.StatusOK, resp.code)

	resp = doJSON(t, g, "GET", "/v1/persona", token, "")
	require.Equal(t, http.StatusOK, resp.code)
	assert.Equal(t, "noir", resp.body["persona"])

	resp = doJSON(t, g, "PUT", "/v1/persona", token, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.code)
}

func TestHTTPRecentMessages(t *testing.T) {
	g := newTestGateway(t)
	token := signToken(t, "user-1")

	for i := 0; i < 3; i++ {
		err := g.cache.AppendChunk(context.Background(), "r9", cache.Entry{
			Role: "user", Text: fmt.Sprintf("m%d", i), Timestamp: time.Now(),
		})
		require.NoError(t, err)
	}

	resp := doJSON(t, g, "GET", "/v1/conversations/r9/messages?limit=2", token, "")
	require.Equal(t, http.StatusOK, resp.code)
	messages := resp.body["messages"].([]interface{})
	require.Len(t, messages, 2)
	first := messages[0].(map[string]interface{})
	assert.Equal(t, "m1", first["text"])
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t)

	res, err := http.Get(g.server.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["bus"])
	assert.Equal(t, true, body["cache"])
}

func TestRequestIDHeader(t *testing.T) {
	g := newTestGateway(t)

	// A client-supplied request ID is echoed back.
	req, err := http.NewRequest("GET", g.server.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-abc")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "req-abc", res.Header.Get("X-Request-ID"))

	// Without one, the gateway mints an ID.
	res, err = http.Get(g.server.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.NotEmpty(t, res.Header.Get("X-Request-ID"))
}

type jsonResponse struct {
	code int
	body map[string]interface{}
}

func doJSON(t *testing.T, g *testGateway, method, path, token, body string) jsonResponse {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, g.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	out := jsonResponse{code: res.StatusCode, body: map[string]interface{}{}}
	json.NewDecoder(res.Body).Decode(&out.body)
	return out
}
