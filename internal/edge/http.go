package edge

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aurelia-ai/chat-gateway/internal/apierr"
	"github.com/aurelia-ai/chat-gateway/internal/auth"
	"github.com/aurelia-ai/chat-gateway/internal/cache"
	"github.com/aurelia-ai/chat-gateway/internal/dispatch"
	"github.com/aurelia-ai/chat-gateway/internal/logger"
)

const personaKey = "persona"

// API carries the HTTP surface next to the WebSocket endpoint: enqueue,
// identity echo, persona preference and hot-buffer reads.
type API struct {
	dispatcher     *dispatch.Dispatcher
	cache          *cache.Cache
	defaultPersona string
	busConnected   func() bool
	logger         *logger.Logger
}

// NewAPI creates the HTTP handler set.
func NewAPI(dispatcher *dispatch.Dispatcher, sessionCache *cache.Cache, defaultPersona string, busConnected func() bool, log *logger.Logger) *API {
	return &API{
		dispatcher:     dispatcher,
		cache:          sessionCache,
		defaultPersona: defaultPersona,
		busConnected:   busConnected,
		logger:         log.WithComponent("http-edge"),
	}
}

// Healthz is a lenient liveness probe: always 200, with connectivity
// booleans for the bus and the cache.
func (a *API) Healthz(c *gin.Context) {
	cacheOK := a.cache.Ping(c.Request.Context()) == nil
	c.JSON(http.StatusOK, gin.H{
		"ok":    true,
		"bus":   a.busConnected(),
		"cache": cacheOK,
	})
}

// Enqueue accepts a chat request over plain HTTP and dispatches it without
// a client stream: POST /chat, body {room_id, msg, model?}.
func (a *API) Enqueue(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apierr.AbortWithUnauthorized(c, "authentication required", nil)
		return
	}

	var frame inboundFrame
	if err := c.ShouldBindJSON(&frame); err != nil {
		apierr.BadRequest(c, "invalid request body", nil)
		return
	}

	ticketID, err := a.dispatcher.Enqueue(c.Request.Context(), identity, frame.toRequest())
	if err != nil {
		switch {
		case errors.Is(err, apierr.ErrConflict):
			apierr.Conflict(c, "an active stream already exists for this conversation", nil)
		case errors.Is(err, apierr.ErrUnavailable):
			apierr.Unavailable(c, "message bus unavailable", nil)
		case errors.Is(err, apierr.ErrBadRequest):
			apierr.BadRequest(c, err.Error(), nil)
		default:
			a.logger.LogError(c.Request.Context(), err, "enqueue failed")
			apierr.Internal(c, "failed to enqueue request", nil)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "queued", "id": ticketID})
}

// Me echoes the verified identity: GET /auth/me.
func (a *API) Me(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apierr.AbortWithUnauthorized(c, "authentication required", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user": identity.Subject,
		"iat":  identity.IssuedAt.Unix(),
	})
}

// GetPersona returns the caller's persona preference, falling back to the
// configured default when unset: GET /v1/persona.
func (a *API) GetPersona(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apierr.AbortWithUnauthorized(c, "authentication required", nil)
		return
	}

	persona, found, err := a.cache.GetUserKey(c.Request.Context(), identity.Subject, personaKey)
	if err != nil {
		a.logger.WithContext(c.Request.Context()).Warn("persona read failed",
			slog.String("error", err.Error()))
		apierr.Unavailable(c, "session cache unavailable", nil)
		return
	}
	if !found {
		persona = a.defaultPersona
	}
	c.JSON(http.StatusOK, gin.H{"persona": persona})
}

// SetPersona stores the caller's persona preference: PUT /v1/persona,
// body {persona}.
func (a *API) SetPersona(c *gin.Context) {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		apierr.AbortWithUnauthorized(c, "authentication required", nil)
		return
	}

	var body struct {
		Persona string `json:"persona"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Persona == "" {
		apierr.BadRequest(c, "persona is required", nil)
		return
	}

	if err := a.cache.SetUserKey(c.Request.Context(), identity.Subject, personaKey, body.Persona); err != nil {
		a.logger.WithContext(c.Request.Context()).Warn("persona write failed",
			slog.String("error", err.Error()))
		apierr.Unavailable(c, "session cache unavailable", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"persona": body.Persona})
}

// RecentMessages reads a conversation's hot buffer:
// GET /v1/conversations/:id/messages?limit=n.
func (a *API) RecentMessages(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		apierr.BadRequest(c, "conversation id is required", nil)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apierr.BadRequest(c, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	entries, err := a.cache.ReadRecent(c.Request.Context(), conversationID, limit)
	if err != nil {
		a.logger.WithContext(c.Request.Context()).Warn("hot buffer read failed",
			slog.String("error", err.Error()))
		apierr.Unavailable(c, "session cache unavailable", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": entries})
}
