package dispatch

import (
	"encoding/json"
	"time"
)

// Header names on the bus request message.
const (
	HeaderReply = "Reply"
	HeaderAck   = "Ack"
	HeaderAuth  = "Auth"
	HeaderError = "Error"
)

// Hot buffer roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is a validated client submission.
type ChatRequest struct {
	ConversationID string
	Text           string
	ModelID        string
	Owner          string
	SubmittedAt    time.Time
}

// Envelope is the wire form of a ChatRequest published to the request subject
// and mirrored to the raw-memory stream.
type Envelope struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	ModelID        string `json:"model_id,omitempty"`
	Owner          string `json:"owner"`
	TicketID       string `json:"ticket_id"`
}

// Chunk is one unit of streamed output relayed to a sink. Payload carries the
// worker's chunk JSON verbatim; the edge forwards it as a text frame without
// re-encoding.
type Chunk struct {
	TicketID string
	Seq      int
	Payload  []byte
	Terminal bool
	Err      bool
}

// RawMemoryRecord is the completed request/response pair published to the
// durable raw-memory stream for downstream memory processing. Produced once
// per ticket, on normal completion only.
type RawMemoryRecord struct {
	ConversationID string    `json:"conversation_id"`
	Owner          string    `json:"owner"`
	RequestText    string    `json:"request_text"`
	ResponseText   string    `json:"response_text"`
	ModelID        string    `json:"model_id,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Sink is the capability through which chunks flow back to the client.
// Write calls are made sequentially per dispatch. Closed is signalled when
// the client has gone away; the dispatcher stops forwarding and drains.
type Sink interface {
	Write(chunk Chunk) error
	Closed() <-chan struct{}
}

// workerFrame is the chunk shape workers publish on the reply subject:
//
//	{"choices":[{"delta":{"content":"..."},"finish_reason":null|"stop"}],
//	 "done"?:bool, "id"?:string, "error"?:string}
type workerFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Done  bool            `json:"done"`
	ID    string          `json:"id"`
	Error json.RawMessage `json:"error"`
}

// deltaContent returns the text fragment carried by the frame.
func (f *workerFrame) deltaContent() string {
	if len(f.Choices) == 0 {
		return ""
	}
	return f.Choices[0].Delta.Content
}

// terminal reports whether the frame ends the stream.
func (f *workerFrame) terminal() bool {
	if f.Done {
		return true
	}
	for _, choice := range f.Choices {
		if choice.FinishReason != nil && *choice.FinishReason == "stop" {
			return true
		}
	}
	return false
}

// isError reports whether the frame carries a worker error.
func (f *workerFrame) isError() bool {
	return len(f.Error) > 0 && string(f.Error) != "null"
}
