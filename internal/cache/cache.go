package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aurelia-ai/chat-gateway/internal/logger"
	"github.com/aurelia-ai/chat-gateway/internal/metrics"
)

const revokedSetKey = "auth:revoked"

// Entry is one message in a conversation's hot buffer.
type Entry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// Cache is the session cache: capped per-conversation hot buffers with TTL,
// per-user preference keys and the token revocation set.
//
// Failures are expected to be non-fatal for callers on the relay path: log a
// warning and keep going.
type Cache struct {
	client  redis.UniversalClient
	limit   int
	ttl     time.Duration
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// Dial opens a client from a redis:// URL.
func Dial(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse cache url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// New creates a session cache with the given hot buffer cap and TTL.
func New(client redis.UniversalClient, limit int, ttl time.Duration, log *logger.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		client:  client,
		limit:   limit,
		ttl:     ttl,
		logger:  log.WithComponent("cache"),
		metrics: m,
	}
}

func conversationKey(conversationID string) string {
	return "conv:" + conversationID + ":messages"
}

func userKey(key, subject string) string {
	return "user:" + key + ":" + subject
}

// AppendChunk pushes an entry onto the conversation's hot buffer, trims it to
// the configured cap and refreshes the TTL, all in one pipeline.
func (c *Cache) AppendChunk(ctx context.Context, conversationID string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal hot buffer entry: %w", err)
	}

	key := conversationKey(conversationID)
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(c.limit)-1)
	pipe.Expire(ctx, key, c.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		c.metrics.CacheError()
		return fmt.Errorf("append hot buffer entry: %w", err)
	}
	return nil
}

// ReadRecent returns up to the last n entries of a conversation in insertion
// order.
func (c *Cache) ReadRecent(ctx context.Context, conversationID string, n int) ([]Entry, error) {
	if n <= 0 || n > c.limit {
		n = c.limit
	}

	raw, err := c.client.LRange(ctx, conversationKey(conversationID), 0, int64(n)-1).Result()
	if err != nil {
		c.metrics.CacheError()
		return nil, fmt.Errorf("read hot buffer: %w", err)
	}

	// The buffer is stored newest-first; reverse into insertion order and
	// skip entries that fail to decode.
	entries := make([]Entry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e Entry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			c.logger.Warn("skipping undecodable hot buffer entry",
				"conversation_id", conversationID, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetUserKey reads a per-user preference value. The second return is false
// when the key is unset.
func (c *Cache) GetUserKey(ctx context.Context, subject, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, userKey(key, subject)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		c.metrics.CacheError()
		return "", false, fmt.Errorf("get user key %s: %w", key, err)
	}
	return value, true, nil
}

// SetUserKey writes a per-user preference value.
func (c *Cache) SetUserKey(ctx context.Context, subject, key, value string) error {
	if err := c.client.Set(ctx, userKey(key, subject), value, 0).Err(); err != nil {
		c.metrics.CacheError()
		return fmt.Errorf("set user key %s: %w", key, err)
	}
	return nil
}

// IsRevoked reports whether a token ID appears in the revocation set.
// A cache failure counts as not revoked; tokens are short-lived.
func (c *Cache) IsRevoked(ctx context.Context, jwtID string) bool {
	revoked, err := c.client.SIsMember(ctx, revokedSetKey, jwtID).Result()
	if err != nil {
		c.metrics.CacheError()
		c.logger.Warn("revocation check failed", "error", err)
		return false
	}
	return revoked
}

// Revoke adds a token ID to the revocation set.
func (c *Cache) Revoke(ctx context.Context, jwtID string) error {
	if err := c.client.SAdd(ctx, revokedSetKey, jwtID).Err(); err != nil {
		c.metrics.CacheError()
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// Ping verifies cache connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
