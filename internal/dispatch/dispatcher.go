package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aurelia-ai/chat-gateway/internal/apierr"
	"github.com/aurelia-ai/chat-gateway/internal/auth"
	"github.com/aurelia-ai/chat-gateway/internal/bus"
	"github.com/aurelia-ai/chat-gateway/internal/cache"
	"github.com/aurelia-ai/chat-gateway/internal/logger"
	"github.com/aurelia-ai/chat-gateway/internal/metrics"
)

const (
	// chunkBuffer is the capacity of the per-ticket chunk channel. Large
	// enough to absorb worker bursts without blocking the subscription
	// handler under normal operation.
	chunkBuffer = 256

	// cacheOpTimeout bounds hot-buffer writes so a degraded cache cannot
	// stall the relay loop.
	cacheOpTimeout = 5 * time.Second
)

// Options holds the dispatcher's subjects and timers.
type Options struct {
	RequestSubject   string
	RawMemorySubject string

	// IdleTimeout is the maximum gap between consecutive chunks.
	IdleTimeout time.Duration
	// TotalTimeout is the maximum lifetime of a ticket.
	TotalTimeout time.Duration
	// DrainTimeout bounds the drain phase after cancellation.
	DrainTimeout time.Duration
}

// Dispatcher is the protocol engine: it admits chat requests, fans them out
// over the bus to exactly one worker, and relays the worker's chunk stream
// back to the caller's sink in order.
type Dispatcher struct {
	bus      bus.Conn
	cache    *cache.Cache
	registry *Registry
	opts     Options
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

// New creates a dispatcher.
func New(busConn bus.Conn, sessionCache *cache.Cache, m *metrics.Metrics, log *logger.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		bus:      busConn,
		cache:    sessionCache,
		registry: NewRegistry(),
		opts:     opts,
		logger:   log.WithComponent("dispatcher"),
		metrics:  m,
	}
}

// Registry exposes the ticket registry for observability handlers.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// started holds the live resources of an admitted dispatch between
// admission and the relay loop.
type started struct {
	ticket   *StreamTicket
	chunks   chan *nats.Msg
	replySub bus.Subscription
	ackSub   bus.Subscription
	log      *logger.Logger
}

// Dispatch runs one chat request end to end: admission, ticket allocation,
// subscribe-then-publish, relay, termination. It returns once the stream
// terminates for any reason. Error kinds: apierr.ErrBadRequest,
// apierr.ErrConflict, apierr.ErrUnavailable, apierr.ErrTimeout.
//
// The sink receives every chunk in bus arrival order, ending with exactly
// one terminal chunk. A worker error or a timeout still produces a terminal
// chunk on the sink; those outcomes are not errors visible to the sink's
// reader beyond the error marker in the frame.
func (d *Dispatcher) Dispatch(ctx context.Context, identity auth.Identity, req ChatRequest, sink Sink) error {
	s, err := d.begin(ctx, identity, &req)
	if err != nil {
		return err
	}
	return d.relay(ctx, s.log, s.ticket, req, sink, s.chunks, s.replySub, s.ackSub)
}

// Enqueue admits and publishes a request without a client stream attached:
// the relay runs in the background against a sink that discards frames, so
// hot-buffer and raw-memory effects still happen. Returns the ticket ID.
func (d *Dispatcher) Enqueue(ctx context.Context, identity auth.Identity, req ChatRequest) (string, error) {
	s, err := d.begin(ctx, identity, &req)
	if err != nil {
		return "", err
	}

	go func() {
		err := d.relay(context.Background(), s.log, s.ticket, req, discardSink{}, s.chunks, s.replySub, s.ackSub)
		if err != nil {
			s.log.Warn("background relay ended with error", slog.String("error", err.Error()))
		}
	}()

	return s.ticket.ID, nil
}

// discardSink swallows chunks for enqueued requests. Its Closed channel is
// nil, so the relay never observes a client disconnect.
type discardSink struct{}

func (discardSink) Write(Chunk) error       { return nil }
func (discardSink) Closed() <-chan struct{} { return nil }

// begin performs admission through the request mirrors (steps 1 to 5 of the
// dispatch algorithm), leaving the caller to run the relay loop.
func (d *Dispatcher) begin(ctx context.Context, identity auth.Identity, req *ChatRequest) (*started, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: empty message", apierr.ErrBadRequest)
	}
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", apierr.ErrBadRequest)
	}
	if req.Owner == "" {
		req.Owner = identity.Subject
	} else if req.Owner != identity.Subject {
		return nil, fmt.Errorf("%w: request owner does not match authenticated subject", apierr.ErrBadRequest)
	}
	req.SubmittedAt = time.Now()

	ticket := newTicket(req.Owner, req.ConversationID)
	if err := d.registry.Register(ticket); err != nil {
		d.metrics.RecordDispatch("conflict")
		return nil, err
	}
	d.metrics.TicketStarted()

	ctx = logger.WithConversationID(logger.WithTicketID(ctx, ticket.ID), req.ConversationID)
	log := d.logger.WithContext(ctx)

	// Subscribe before publishing so the first chunk cannot be lost.
	chunks := make(chan *nats.Msg, chunkBuffer)
	replySub, err := d.bus.Subscribe(ticket.ReplySubject, func(msg *nats.Msg) {
		select {
		case chunks <- msg:
		case <-ticket.Done():
			// Late chunk after retirement; arrival order vs unsubscribe
			// is racy on the bus. Dropped silently.
		}
	})
	if err != nil {
		d.rollback(ticket, nil, nil)
		d.metrics.RecordDispatch("unavailable")
		return nil, fmt.Errorf("%w: %v", apierr.ErrUnavailable, err)
	}

	// The ack subject is reserved for future control messages.
	ackSub, err := d.bus.Subscribe(ticket.AckSubject, func(*nats.Msg) {})
	if err != nil {
		d.rollback(ticket, replySub, nil)
		d.metrics.RecordDispatch("unavailable")
		return nil, fmt.Errorf("%w: %v", apierr.ErrUnavailable, err)
	}

	envelope, err := json.Marshal(Envelope{
		ConversationID: req.ConversationID,
		Text:           req.Text,
		ModelID:        req.ModelID,
		Owner:          req.Owner,
		TicketID:       ticket.ID,
	})
	if err != nil {
		d.rollback(ticket, replySub, ackSub)
		return nil, fmt.Errorf("marshal request envelope: %w", err)
	}

	header := nats.Header{}
	header.Set(HeaderReply, ticket.ReplySubject)
	header.Set(HeaderAck, ticket.AckSubject)
	header.Set(HeaderAuth, req.Owner)

	if err := d.bus.Publish(d.opts.RequestSubject, envelope, header); err != nil {
		d.rollback(ticket, replySub, ackSub)
		d.metrics.RecordDispatch("unavailable")
		log.Warn("request publish failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", apierr.ErrUnavailable, err)
	}

	log.Info("dispatched chat request",
		slog.String("reply_subject", ticket.ReplySubject),
		slog.String("model_id", req.ModelID))

	// Mirror the request for downstream consumers. Failures here are
	// non-fatal: the relay proceeds regardless.
	d.appendHotBuffer(log, req.ConversationID, RoleUser, req.Text)
	if err := d.bus.PublishStream(d.opts.RawMemorySubject, envelope); err != nil {
		log.Warn("raw-memory request mirror failed", slog.String("error", err.Error()))
	}

	return &started{
		ticket:   ticket,
		chunks:   chunks,
		replySub: replySub,
		ackSub:   ackSub,
		log:      log,
	}, nil
}

// rollback undoes admission so a subsequent request for the same
// conversation succeeds immediately.
func (d *Dispatcher) rollback(ticket *StreamTicket, replySub, ackSub bus.Subscription) {
	d.registry.Retire(ticket)
	if replySub != nil {
		replySub.Unsubscribe()
	}
	if ackSub != nil {
		ackSub.Unsubscribe()
	}
	d.metrics.TicketRetired()
}

// relay forwards chunks from the bus subscription to the sink until a
// terminal chunk, a timer, or cancellation ends the stream.
func (d *Dispatcher) relay(ctx context.Context, log *logger.Logger, ticket *StreamTicket, req ChatRequest, sink Sink, chunks <-chan *nats.Msg, replySub, ackSub bus.Subscription) error {
	defer func() {
		d.registry.Retire(ticket)
		replySub.Unsubscribe()
		ackSub.Unsubscribe()
		d.metrics.TicketRetired()
	}()

	idle := time.NewTimer(d.opts.IdleTimeout)
	defer idle.Stop()
	total := time.NewTimer(d.opts.TotalTimeout)
	defer total.Stop()

	var response strings.Builder
	seq := 0

	for {
		select {
		case <-sink.Closed():
			log.Info("client gone, draining ticket", slog.Int("chunks_relayed", seq))
			ticket.Cancel()
			d.metrics.RecordDispatch("cancelled")
			d.drain(log, req, chunks, &response)
			return nil

		case <-ctx.Done():
			ticket.Cancel()
			d.metrics.RecordDispatch("cancelled")
			d.drain(log, req, chunks, &response)
			return ctx.Err()

		case <-idle.C:
			log.Warn("idle timeout waiting for worker chunk", slog.Int("chunks_relayed", seq))
			d.metrics.RecordDispatch("timeout")
			d.writeTerminalError(sink, ticket, seq, "timeout")
			return apierr.ErrTimeout

		case <-total.C:
			log.Warn("ticket exceeded total lifetime", slog.Int("chunks_relayed", seq))
			d.metrics.RecordDispatch("timeout")
			d.writeTerminalError(sink, ticket, seq, "timeout")
			return apierr.ErrTimeout

		case msg := <-chunks:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(d.opts.IdleTimeout)

			var frame workerFrame
			parseErr := json.Unmarshal(msg.Data, &frame)

			if msg.Header.Get(HeaderError) == "true" || (parseErr == nil && frame.isError()) {
				log.Warn("worker reported an error", slog.String("payload", string(msg.Data)))
				chunk := Chunk{TicketID: ticket.ID, Seq: seq, Payload: msg.Data, Terminal: true, Err: true}
				if err := sink.Write(chunk); err != nil {
					log.Warn("sink write failed on worker error", slog.String("error", err.Error()))
				}
				d.metrics.RecordDispatch("worker_error")
				return nil
			}

			if parseErr != nil {
				log.Warn("dropping undecodable worker chunk", slog.String("error", parseErr.Error()))
				continue
			}

			terminal := frame.terminal()
			chunk := Chunk{TicketID: ticket.ID, Seq: seq, Payload: msg.Data, Terminal: terminal}
			if err := sink.Write(chunk); err != nil {
				// A failed write means the client is gone.
				log.Info("sink write failed, draining ticket", slog.String("error", err.Error()))
				ticket.Cancel()
				d.metrics.RecordDispatch("cancelled")
				d.drain(log, req, chunks, &response)
				return nil
			}
			seq++
			d.metrics.ChunkRelayed()
			response.WriteString(frame.deltaContent())

			if terminal {
				d.complete(log, req, response.String())
				d.metrics.RecordDispatch("completed")
				return nil
			}
		}
	}
}

// drain consumes remaining chunks after cancellation so the hot buffer stays
// consistent, bounded by the drain deadline. No raw-memory record is
// published for a cancelled ticket.
func (d *Dispatcher) drain(log *logger.Logger, req ChatRequest, chunks <-chan *nats.Msg, response *strings.Builder) {
	deadline := time.NewTimer(d.opts.DrainTimeout)
	defer deadline.Stop()

	for {
		select {
		case msg := <-chunks:
			if msg.Header.Get(HeaderError) == "true" {
				return
			}
			var frame workerFrame
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				continue
			}
			if frame.isError() {
				return
			}
			response.WriteString(frame.deltaContent())
			if frame.terminal() {
				d.appendHotBuffer(log, req.ConversationID, RoleAssistant, response.String())
				return
			}
		case <-deadline.C:
			log.Warn("drain deadline expired before terminal chunk")
			return
		}
	}
}

// complete finishes a normally-terminated ticket: assistant hot-buffer entry
// and exactly one raw-memory record.
func (d *Dispatcher) complete(log *logger.Logger, req ChatRequest, responseText string) {
	d.appendHotBuffer(log, req.ConversationID, RoleAssistant, responseText)

	record, err := json.Marshal(RawMemoryRecord{
		ConversationID: req.ConversationID,
		Owner:          req.Owner,
		RequestText:    req.Text,
		ResponseText:   responseText,
		ModelID:        req.ModelID,
		RequestedAt:    req.SubmittedAt,
		CompletedAt:    time.Now(),
	})
	if err != nil {
		log.Warn("marshal raw-memory record failed", slog.String("error", err.Error()))
		return
	}

	if err := d.bus.PublishStream(d.opts.RawMemorySubject, record); err != nil {
		log.Warn("raw-memory record publish failed", slog.String("error", err.Error()))
		return
	}
	d.metrics.RawMemoryPublished()

	log.Info("ticket completed", slog.Int("response_bytes", len(responseText)))
}

// appendHotBuffer writes an entry to the conversation's hot buffer.
// Cache failures are non-fatal: a warning is logged and the request
// keeps flowing.
func (d *Dispatcher) appendHotBuffer(log *logger.Logger, conversationID, role, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()

	err := d.cache.AppendChunk(ctx, conversationID, cache.Entry{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Warn("hot buffer append failed",
			slog.String("role", role),
			slog.String("error", err.Error()))
	}
}

// writeTerminalError delivers a terminal error chunk to the sink.
func (d *Dispatcher) writeTerminalError(sink Sink, ticket *StreamTicket, seq int, reason string) {
	payload, _ := json.Marshal(map[string]string{"error": reason})
	chunk := Chunk{TicketID: ticket.ID, Seq: seq, Payload: payload, Terminal: true, Err: true}
	if err := sink.Write(chunk); err != nil {
		d.logger.Warn("terminal error write failed", slog.String("error", err.Error()))
	}
}
