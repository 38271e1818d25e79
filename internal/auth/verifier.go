package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"

	"github.com/aurelia-ai/chat-gateway/internal/logger"
)

// RevocationChecker reports whether a token ID has been revoked.
// Satisfied by the session cache; may be nil to skip revocation checks.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jwtID string) bool
}

// Config holds the verification material.
type Config struct {
	// Alg is the expected signing algorithm (HS256/HS384/HS512 with Secret,
	// RS256/ES256 with JWKSURL).
	Alg     string
	Secret  string
	JWKSURL string
}

// Verifier validates bearer tokens on both HTTP requests and WebSocket
// upgrades and extracts the subject identity. CPU-only for the HMAC path;
// the JWKS path refreshes keys over HTTP when it sees an unknown key ID.
type Verifier struct {
	alg         string
	secret      []byte
	jwksURL     string
	revocations RevocationChecker
	logger      *logger.Logger

	mu     sync.RWMutex
	keySet jwk.Set
}

// NewVerifier creates a verifier for the configured algorithm.
func NewVerifier(cfg Config, revocations RevocationChecker, log *logger.Logger) (*Verifier, error) {
	v := &Verifier{
		alg:         cfg.Alg,
		secret:      []byte(cfg.Secret),
		jwksURL:     cfg.JWKSURL,
		revocations: revocations,
		logger:      log.WithComponent("auth"),
	}

	if v.jwksURL != "" {
		keySet, err := jwk.Fetch(context.Background(), v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("fetch JWKS from %s: %w", v.jwksURL, err)
		}
		v.keySet = keySet
	} else if len(v.secret) == 0 {
		return nil, errors.New("auth: either a shared secret or a JWKS URL is required")
	}

	return v, nil
}

// VerifyHTTP validates the Authorization header of an HTTP request.
func (v *Verifier) VerifyHTTP(ctx context.Context, authorizationHeader string) (Identity, error) {
	if authorizationHeader == "" {
		return Identity{}, ErrMissingToken
	}
	if !strings.HasPrefix(authorizationHeader, "Bearer ") {
		return Identity{}, fmt.Errorf("%w: authorization header must be a Bearer token", ErrInvalidToken)
	}
	token := strings.TrimPrefix(authorizationHeader, "Bearer ")
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	return v.verify(ctx, token)
}

// VerifyWS validates the token supplied as a query parameter on a WebSocket
// upgrade. Browsers cannot set headers on the upgrade request, hence the
// query parameter.
func (v *Verifier) VerifyWS(ctx context.Context, queryToken string) (Identity, error) {
	if queryToken == "" {
		return Identity{}, ErrMissingToken
	}
	return v.verify(ctx, queryToken)
}

func (v *Verifier) verify(ctx context.Context, tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	if claims.Type != "access" {
		return Identity{}, ErrWrongType
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: no subject (sub) in token claims", ErrInvalidToken)
	}

	if v.revocations != nil && claims.ID != "" && v.revocations.IsRevoked(ctx, claims.ID) {
		return Identity{}, ErrRevokedToken
	}

	identity := Identity{Subject: claims.Subject}
	if claims.IssuedAt != nil {
		identity.IssuedAt = claims.IssuedAt.Time
	}
	return identity, nil
}

// keyFunc enforces the configured algorithm and resolves the verification key.
func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method.Alg() != v.alg {
		return nil, fmt.Errorf("unexpected signing algorithm %s, want %s", token.Method.Alg(), v.alg)
	}

	if v.jwksURL == "" {
		return v.secret, nil
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}

	key, found := v.lookupKey(kid)
	if !found {
		// The issuer may have rotated keys; refresh once and retry.
		if err := v.refreshKeys(); err != nil {
			return nil, fmt.Errorf("key %s not found and JWKS refresh failed: %w", kid, err)
		}
		key, found = v.lookupKey(kid)
		if !found {
			return nil, fmt.Errorf("key %s not found in JWKS", kid)
		}
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("materialize JWKS key: %w", err)
	}
	return rawKey, nil
}

func (v *Verifier) lookupKey(kid string) (jwk.Key, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keySet == nil {
		return nil, false
	}
	return v.keySet.LookupKeyID(kid)
}

func (v *Verifier) refreshKeys() error {
	keySet, err := jwk.Fetch(context.Background(), v.jwksURL)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.keySet = keySet
	v.mu.Unlock()
	v.logger.Info("refreshed JWKS", "url", v.jwksURL)
	return nil
}
