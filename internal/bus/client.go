package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aurelia-ai/chat-gateway/internal/logger"
	"github.com/aurelia-ai/chat-gateway/internal/metrics"
)

// ErrNotConnected is returned by Publish while the bus connection is down.
// Publishes fail fast instead of buffering so the dispatcher can surface
// an unavailable error to the caller.
var ErrNotConnected = errors.New("bus: not connected")

// Subscription is the handle returned by Subscribe. Unsubscribe stops
// delivery; in-flight handler invocations complete.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the subset of the bus client the dispatcher depends on.
// Satisfied by *Client; tests substitute an in-process fake.
type Conn interface {
	Publish(subject string, data []byte, header nats.Header) error
	Subscribe(subject string, handler nats.MsgHandler) (Subscription, error)
	PublishStream(subject string, data []byte) error
}

// Config holds the bus connection settings.
type Config struct {
	URL           string
	ReconnectWait time.Duration
	ReconnectCap  time.Duration
}

// Client wraps a single NATS connection per process: publish with headers,
// ephemeral subscriptions, and durable stream publishes via JetStream.
type Client struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// Connect establishes the bus connection. Reconnection runs forever with
// exponential backoff between ReconnectWait and ReconnectCap.
func Connect(cfg Config, log *logger.Logger, m *metrics.Metrics) (*Client, error) {
	c := &Client{
		logger:  log.WithComponent("bus"),
		metrics: m,
	}

	opts := []nats.Option{
		// The process may start while the bus is down; the connection keeps
		// retrying in the background and publishes fail fast meanwhile.
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.CustomReconnectDelay(reconnectDelay(cfg.ReconnectWait, cfg.ReconnectCap)),
		nats.ConnectHandler(c.handleConnect),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ErrorHandler(c.handleError),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to bus at %s: %w", cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("obtain jetstream context: %w", err)
	}

	c.nc = nc
	c.js = js
	c.metrics.SetBusConnected(nc.IsConnected())

	return c, nil
}

// reconnectDelay doubles the wait on every attempt, capped at limit.
func reconnectDelay(base, limit time.Duration) func(attempts int) time.Duration {
	return func(attempts int) time.Duration {
		d := base
		for i := 1; i < attempts && d < limit; i++ {
			d *= 2
		}
		if d > limit {
			d = limit
		}
		return d
	}
}

func (c *Client) handleConnect(nc *nats.Conn) {
	c.logger.Info("connected to bus", slog.String("url", nc.ConnectedUrl()))
	c.metrics.SetBusConnected(true)
}

func (c *Client) handleDisconnect(nc *nats.Conn, err error) {
	if err != nil {
		c.logger.Warn("disconnected from bus", slog.String("error", err.Error()))
	} else {
		c.logger.Info("disconnected from bus")
	}
	c.metrics.SetBusConnected(false)
}

func (c *Client) handleReconnect(nc *nats.Conn) {
	c.logger.Info("reconnected to bus", slog.String("url", nc.ConnectedUrl()))
	c.metrics.SetBusConnected(true)
	c.metrics.BusReconnected()
}

func (c *Client) handleError(nc *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("bus subscription error",
			slog.String("subject", sub.Subject),
			slog.String("error", err.Error()))
		return
	}
	c.logger.Error("bus error", slog.String("error", err.Error()))
}

// Publish sends a fire-and-forget message with optional headers.
// Fails fast with ErrNotConnected while the connection is down.
func (c *Client) Publish(subject string, data []byte, header nats.Header) error {
	if !c.nc.IsConnected() {
		return ErrNotConnected
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  header,
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers an async handler for every message on subject.
// Handler invocations for a single subscription are serialized by the client.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// PublishStream publishes to the durable raw-memory stream. Consumers see
// at-least-once delivery and must be idempotent.
func (c *Client) PublishStream(subject string, data []byte) error {
	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("stream publish to %s: %w", subject, err)
	}
	return nil
}

// EnsureStream creates the durable stream if it does not exist yet.
// Safe to call on every startup.
func (c *Client) EnsureStream(name, subject string) error {
	_, err := c.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info for %s: %w", name, err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}

	c.logger.Info("created durable stream",
		slog.String("stream", name),
		slog.String("subject", subject))
	return nil
}

// Connected reports whether the bus connection is currently established.
func (c *Client) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains the connection: subscriptions finish in-flight deliveries,
// buffered publishes flush, then the connection closes.
func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		return fmt.Errorf("drain bus connection: %w", err)
	}
	return nil
}
