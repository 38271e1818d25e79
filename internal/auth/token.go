package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/aurelia-ai/chat-gateway/internal/apierr"
)

// Every verification failure wraps apierr.ErrUnauthenticated, so callers can
// classify with a single errors.Is without knowing the individual reasons.
var (
	ErrInvalidToken = fmt.Errorf("%w: invalid token", apierr.ErrUnauthenticated)
	ErrExpiredToken = fmt.Errorf("%w: token has expired", apierr.ErrUnauthenticated)
	ErrWrongType    = fmt.Errorf("%w: not an access token", apierr.ErrUnauthenticated)
	ErrRevokedToken = fmt.Errorf("%w: token has been revoked", apierr.ErrUnauthenticated)
	ErrMissingToken = fmt.Errorf("%w: missing token", apierr.ErrUnauthenticated)
)

// Claims are the claims carried by gateway tokens. The issuing service signs
// access tokens with type "access"; refresh tokens are never accepted here.
type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Identity is the verified subject of a token. Immutable; scoped to one
// request or one WebSocket connection.
type Identity struct {
	Subject  string
	IssuedAt time.Time
}
