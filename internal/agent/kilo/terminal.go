// Package kilo drives the kilo CLI inside an execution sandbox.
//
// terminal.go - terminal-condition detection over the event stream
//
// The detector watches the domain-event subsequence for the two
// recognized unrecoverable shapes (auth failure, payment required).
// On a match it forwards the triggering event, appends one error
// event, stops reading upstream, and fires best-effort cleanup in the
// background.

package kilo

import (
	"context"

	"github.com/HyphaGroup/warden/internal/agent"
)

// CleanupFunc is invoked asynchronously when a terminal condition is
// detected. Implementations kill any CLI processes still running in
// the session workspace; failures are swallowed.
type CleanupFunc func(ctx context.Context)

// TerminalDetector wraps an EventStream and enforces the terminal
// condition contract. It implements agent.EventStream.
type TerminalDetector struct {
	src       agent.EventStream
	sessionID string
	cleanup   CleanupFunc

	pendingErr *agent.StreamEvent
	termErr    *TerminalConditionError
	err        error
}

var _ agent.EventStream = (*TerminalDetector)(nil)

// NewTerminalDetector creates a detector over src. cleanup may be nil.
func NewTerminalDetector(src agent.EventStream, sessionID string, cleanup CleanupFunc) *TerminalDetector {
	return &TerminalDetector{src: src, sessionID: sessionID, cleanup: cleanup}
}

// Next forwards events from the source until a terminal condition is
// detected. The triggering domain event is forwarded, the following
// call yields one error event, and every call after that returns the
// TerminalConditionError; no further upstream events are read.
func (d *TerminalDetector) Next(ctx context.Context) (*agent.StreamEvent, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.pendingErr != nil {
		ev := d.pendingErr
		d.pendingErr = nil
		d.err = d.termErr
		return ev, nil
	}

	ev, err := d.src.Next(ctx)
	if err != nil {
		d.err = err
		return nil, err
	}

	if ev.Type == agent.StreamEventDomain {
		if kind, msg, ok := matchTerminal(ev.Payload); ok {
			d.termErr = &TerminalConditionError{Kind: kind, Message: msg}
			d.pendingErr = agent.NewErrorEvent(d.sessionID, msg)
			if d.cleanup != nil {
				// Does not block event delivery; the callback owns
				// its own error handling.
				go d.cleanup(context.WithoutCancel(ctx))
			}
		}
	}
	return ev, nil
}
