package auth

import (
	"github.com/gin-gonic/gin"

	"github.com/aurelia-ai/chat-gateway/internal/apierr"
	"github.com/aurelia-ai/chat-gateway/internal/logger"
)

// contextKey is a custom type for gin context keys to avoid collisions.
type contextKey string

// IdentityKey is the gin context key carrying the verified Identity.
const IdentityKey contextKey = "identity"

// Middleware attaches verified identities to requests.
type Middleware struct {
	verifier *Verifier
}

// NewMiddleware creates the auth middleware around a verifier.
func NewMiddleware(verifier *Verifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// RequireAuth validates the bearer token and attaches the Identity to the
// context. WebSocket upgrades may carry the token as a query parameter
// because browsers cannot set headers during the upgrade.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		if authHeader == "" && c.Request.Header.Get("Upgrade") == "websocket" {
			if token := c.Query("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}

		identity, err := m.verifier.VerifyHTTP(c.Request.Context(), authHeader)
		if err != nil {
			apierr.AbortWithUnauthorized(c, "invalid or expired token", nil)
			return
		}

		ctx := logger.WithUserID(c.Request.Context(), identity.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(IdentityKey), identity)

		c.Next()
	}
}

// GetIdentity extracts the verified Identity from the gin context.
func GetIdentity(c *gin.Context) (Identity, bool) {
	value, exists := c.Get(string(IdentityKey))
	if !exists {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	return identity, ok
}
