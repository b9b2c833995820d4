// Package agent defines the normalized event model for remote CLI executions.
//
// types.go - StreamEvent tagged union and raw chunk input contract
//
// This file contains:
// - StreamEventType and StreamEvent for normalized event streaming
// - Chunk, the raw execution-stream input consumed by the normalizer
//
// StreamEvent is the single wire format every execution backend is
// normalized into. Exactly one terminal-class event (complete, error,
// or interrupted) ends any given stream.

package agent

import "encoding/json"

// StreamEventType represents the type of streaming event
type StreamEventType string

const (
	StreamEventStatus      StreamEventType = "status"
	StreamEventOutput      StreamEventType = "output"
	StreamEventError       StreamEventType = "error"
	StreamEventComplete    StreamEventType = "complete"
	StreamEventInterrupted StreamEventType = "interrupted"
	StreamEventDomain      StreamEventType = "domain-event"
)

// IsTerminal reports whether the event type ends a stream
func (t StreamEventType) IsTerminal() bool {
	return t == StreamEventComplete || t == StreamEventError || t == StreamEventInterrupted
}

// OutputSource identifies which process stream an output line came from
type OutputSource string

const (
	SourceStdout OutputSource = "stdout"
	SourceStderr OutputSource = "stderr"
)

// StreamEvent is one event in a normalized execution stream.
// The streamEventType field is the wire discriminator; the remaining
// fields are populated per variant.
type StreamEvent struct {
	Type      StreamEventType `json:"streamEventType"`
	SessionID string          `json:"sessionId,omitempty"`

	// status and error events
	Message string `json:"message,omitempty"`

	// output events (ANSI-stripped)
	Source  OutputSource `json:"source,omitempty"`
	Content string       `json:"content,omitempty"`

	// complete events
	ExitCode int            `json:"exitCode,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// interrupted events
	Reason string `json:"reason,omitempty"`

	// domain events: the CLI's own JSON payload, forwarded unchanged
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewStatusEvent creates a status event
func NewStatusEvent(sessionID, message string) *StreamEvent {
	return &StreamEvent{Type: StreamEventStatus, SessionID: sessionID, Message: message}
}

// NewOutputEvent creates an output event for a stripped, trimmed line
func NewOutputEvent(sessionID string, source OutputSource, content string) *StreamEvent {
	return &StreamEvent{Type: StreamEventOutput, SessionID: sessionID, Source: source, Content: content}
}

// NewErrorEvent creates an error event
func NewErrorEvent(sessionID, message string) *StreamEvent {
	return &StreamEvent{Type: StreamEventError, SessionID: sessionID, Message: message}
}

// NewCompleteEvent creates a complete event
func NewCompleteEvent(sessionID string, exitCode int, metadata map[string]any) *StreamEvent {
	return &StreamEvent{Type: StreamEventComplete, SessionID: sessionID, ExitCode: exitCode, Metadata: metadata}
}

// NewInterruptedEvent creates an interrupted event
func NewInterruptedEvent(sessionID, reason string) *StreamEvent {
	return &StreamEvent{Type: StreamEventInterrupted, SessionID: sessionID, Reason: reason}
}

// NewDomainEvent creates a domain event carrying the CLI's raw JSON payload
func NewDomainEvent(sessionID string, payload json.RawMessage) *StreamEvent {
	return &StreamEvent{Type: StreamEventDomain, SessionID: sessionID, Payload: payload}
}

// ChunkKind tags a raw chunk from the execution transport
type ChunkKind string

const (
	ChunkStdout   ChunkKind = "stdout"
	ChunkStderr   ChunkKind = "stderr"
	ChunkError    ChunkKind = "error"
	ChunkComplete ChunkKind = "complete"
)

// Chunk is one raw unit of execution output as delivered by the
// transport layer. Stdout/stderr chunks carry Data; complete chunks
// carry ExitCode; error chunks carry Message.
type Chunk struct {
	Kind     ChunkKind
	Data     string
	Message  string
	ExitCode int
}
