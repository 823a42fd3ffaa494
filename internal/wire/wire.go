// Package wire defines the JSON message shapes exchanged on the control
// channel between the gateway and the in-browser agent. Both halves of the
// system import this package so the framing cannot drift.
package wire

// Event types carried on the control channel.
const (
	// EventResponseHeaders announces upstream status and headers for a request.
	EventResponseHeaders = "response_headers"

	// EventChunk carries one UTF-8 decoded slice of the upstream body.
	EventChunk = "chunk"

	// EventStreamClose marks the natural end of the upstream body.
	EventStreamClose = "stream_close"

	// EventError reports a terminal upstream or agent failure.
	EventError = "error"

	// EventCancelRequest asks the agent to abort an in-flight fetch.
	EventCancelRequest = "cancel_request"
)

// Streaming modes declared in request envelopes.
const (
	// ModeReal passes upstream SSE frames through as they arrive.
	ModeReal = "real"

	// ModeFake asks the agent for a non-streaming upstream call whose body
	// the gateway later wraps in a synthesized SSE stream.
	ModeFake = "fake"
)

// RequestEnvelope is the gateway-to-agent message. A populated Path describes
// a request to execute; EventType "cancel_request" aborts a previous one.
type RequestEnvelope struct {
	RequestID         string            `json:"request_id"`
	EventType         string            `json:"event_type,omitempty"`
	Path              string            `json:"path,omitempty"`
	Method            string            `json:"method,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	QueryParams       map[string]string `json:"query_params,omitempty"`
	Body              string            `json:"body,omitempty"`
	StreamingMode     string            `json:"streaming_mode,omitempty"`
	IsGenerative      bool              `json:"is_generative,omitempty"`
	ClientWantsStream bool              `json:"client_wants_stream,omitempty"`
	ResumeOnProhibit  bool              `json:"resume_on_prohibit,omitempty"`
	ResumeLimit       int               `json:"resume_limit,omitempty"`
}

// AgentEvent is the agent-to-gateway message. EventType selects which of the
// optional fields are meaningful.
type AgentEvent struct {
	RequestID string            `json:"request_id"`
	EventType string            `json:"event_type"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      string            `json:"data,omitempty"`
	Message   string            `json:"message,omitempty"`
}
