package dispatch

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aurelia-ai/chat-gateway/internal/apierr"
)

func TestNewTicketSubjects(t *testing.T) {
	ticket := newTicket("user-1", "conv-1")

	if ticket.ID == "" {
		t.Fatal("ticket ID is empty")
	}
	if strings.Contains(ticket.ID, "-") {
		t.Errorf("ticket ID %q contains dashes", ticket.ID)
	}
	if got, want := ticket.ReplySubject, "resp."+ticket.ID; got != want {
		t.Errorf("reply subject = %q, want %q", got, want)
	}
	if got, want := ticket.AckSubject, "inbox."+ticket.ID; got != want {
		t.Errorf("ack subject = %q, want %q", got, want)
	}
}

func TestRegistryConflict(t *testing.T) {
	r := NewRegistry()
	first := newTicket("user-1", "conv-1")

	if err := r.Register(first); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register(newTicket("user-1", "conv-1")); !errors.Is(err, apierr.ErrConflict) {
		t.Errorf("second register = %v, want ErrConflict", err)
	}

	// Different conversation or owner is fine.
	if err := r.Register(newTicket("user-1", "conv-2")); err != nil {
		t.Errorf("different conversation register failed: %v", err)
	}
	if err := r.Register(newTicket("user-2", "conv-1")); err != nil {
		t.Errorf("different owner register failed: %v", err)
	}
	if got := r.Active(); got != 3 {
		t.Errorf("active = %d, want 3", got)
	}
}

func TestRegistryRetireFreesSlot(t *testing.T) {
	r := NewRegistry()
	first := newTicket("user-1", "conv-1")
	if err := r.Register(first); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	r.Retire(first)
	if !first.Retired() {
		t.Error("ticket not marked retired")
	}
	if r.Get(first.ID) != nil {
		t.Error("retired ticket still in registry")
	}

	select {
	case <-first.Done():
	default:
		t.Error("done channel not closed after retire")
	}

	if err := r.Register(newTicket("user-1", "conv-1")); err != nil {
		t.Errorf("register after retire failed: %v", err)
	}
}

func TestRetireIdempotent(t *testing.T) {
	r := NewRegistry()
	ticket := newTicket("user-1", "conv-1")
	if err := r.Register(ticket); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	r.Retire(ticket)
	r.Retire(ticket) // must not panic on double close
}

func TestCancelIdempotent(t *testing.T) {
	ticket := newTicket("user-1", "conv-1")

	ticket.Cancel()
	ticket.Cancel()
	if !ticket.Cancelled() {
		t.Error("ticket not cancelled")
	}

	// Cancel on a retired ticket is a no-op.
	ticket.retire()
	ticket.Cancel()
}

func TestWorkerFrameParsing(t *testing.T) {
	cases := []struct {
		name     string
		payload  string
		terminal bool
		isErr    bool
		content  string
	}{
		{"delta", `{"choices":[{"delta":{"content":"he"},"finish_reason":null}]}`, false, false, "he"},
		{"stop", `{"choices":[{"delta":{"content":"!"},"finish_reason":"stop"}]}`, true, false, "!"},
		{"done flag", `{"done":true}`, true, false, ""},
		{"error", `{"error":"model overloaded"}`, false, true, ""},
		{"null error", `{"error":null,"done":true}`, true, false, ""},
	}
	for _, tc := range cases {
		var frame workerFrame
		if err := json.Unmarshal([]byte(tc.payload), &frame); err != nil {
			t.Fatalf("%s: unmarshal: %v", tc.name, err)
		}
		if got := frame.terminal(); got != tc.terminal {
			t.Errorf("%s: terminal() = %v, want %v", tc.name, got, tc.terminal)
		}
		if got := frame.isError(); got != tc.isErr {
			t.Errorf("%s: isError() = %v, want %v", tc.name, got, tc.isErr)
		}
		if got := frame.deltaContent(); got != tc.content {
			t.Errorf("%s: deltaContent() = %q, want %q", tc.name, got, tc.content)
		}
	}
}
