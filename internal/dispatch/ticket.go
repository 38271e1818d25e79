package dispatch

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aurelia-ai/chat-gateway/internal/apierr"
)

// StreamTicket is the in-process handle for one in-flight chat dispatch.
// Created when the dispatcher admits a request; retired when the stream
// terminates for any reason.
type StreamTicket struct {
	ID             string
	Owner          string
	ConversationID string
	ReplySubject   string
	AckSubject     string
	CreatedAt      time.Time

	cancelled atomic.Bool
	retired   atomic.Bool

	// done is closed at retirement. Subscription handlers select on it so
	// chunks arriving after retirement are dropped instead of blocking.
	done chan struct{}
}

func newTicket(owner, conversationID string) *StreamTicket {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return &StreamTicket{
		ID:             id,
		Owner:          owner,
		ConversationID: conversationID,
		ReplySubject:   "resp." + id,
		AckSubject:     "inbox." + id,
		CreatedAt:      time.Now(),
		done:           make(chan struct{}),
	}
}

// Cancel marks the ticket cancelled. Idempotent; calling Cancel on a retired
// ticket is a no-op.
func (t *StreamTicket) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether the ticket has been cancelled.
func (t *StreamTicket) Cancelled() bool {
	return t.cancelled.Load()
}

// Retired reports whether the ticket has been retired.
func (t *StreamTicket) Retired() bool {
	return t.retired.Load()
}

// Done is closed when the ticket retires.
func (t *StreamTicket) Done() <-chan struct{} {
	return t.done
}

func (t *StreamTicket) retire() {
	if t.retired.CompareAndSwap(false, true) {
		close(t.done)
	}
}

// Registry tracks active tickets and enforces the uniqueness invariant:
// at most one non-retired ticket per (owner, conversation) pair. The conflict
// check and the map mutation happen under the same lock.
type Registry struct {
	mu     sync.Mutex
	active map[string]*StreamTicket // keyed owner + "|" + conversationID
	byID   map[string]*StreamTicket
}

// NewRegistry creates an empty ticket registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]*StreamTicket),
		byID:   make(map[string]*StreamTicket),
	}
}

func registryKey(owner, conversationID string) string {
	return owner + "|" + conversationID
}

// Register admits a ticket, failing with ErrConflict when an active ticket
// already exists for the same owner and conversation. No silent queueing:
// the loser of a race observes the winner's ticket.
func (r *Registry) Register(t *StreamTicket) error {
	key := registryKey(t.Owner, t.ConversationID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[key]; exists {
		return apierr.ErrConflict
	}
	r.active[key] = t
	r.byID[t.ID] = t
	return nil
}

// Retire removes a ticket from the registry and marks it retired.
// Safe to call more than once.
func (r *Registry) Retire(t *StreamTicket) {
	r.mu.Lock()
	key := registryKey(t.Owner, t.ConversationID)
	if r.active[key] == t {
		delete(r.active, key)
	}
	delete(r.byID, t.ID)
	r.mu.Unlock()

	t.retire()
}

// Get returns the ticket with the given ID, or nil.
func (r *Registry) Get(ticketID string) *StreamTicket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[ticketID]
}

// Active returns the number of in-flight tickets.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
