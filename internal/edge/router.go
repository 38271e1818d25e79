package edge

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aurelia-ai/chat-gateway/internal/auth"
	"github.com/aurelia-ai/chat-gateway/internal/logger"
)

// RouterOptions bundles the handlers and settings the router needs.
type RouterOptions struct {
	StreamPath string
	Stream     *StreamHandler
	API        *API
	AuthMW     *auth.Middleware
	Registry   *prometheus.Registry
}

// NewRouter builds the gin engine: CORS, health and metrics without auth,
// everything else behind the auth middleware.
func NewRouter(opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Request ID middleware: honor the client's X-Request-ID, mint one
	// otherwise, echo it back and carry it in the request context for logs.
	router.Use(func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = logger.GenerateRequestID()
		}
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	})

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/healthz", opts.API.Healthz)

	if opts.Registry != nil {
		handler := promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
		router.GET("/metrics", gin.WrapH(handler))
	} else {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// The stream endpoint authenticates inside the upgrade so browsers get
	// a proper close code instead of a 401 they cannot observe.
	router.GET(opts.StreamPath, opts.Stream.Handle)

	authed := router.Group("/", opts.AuthMW.RequireAuth())
	{
		authed.POST("/chat", opts.API.Enqueue)
		authed.GET("/auth/me", opts.API.Me)
		authed.GET("/v1/persona", opts.API.GetPersona)
		authed.PUT("/v1/persona", opts.API.SetPersona)
		authed.GET("/v1/conversations/:id/messages", opts.API.RecentMessages)
	}

	return router
}
