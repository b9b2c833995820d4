// Package kilo drives the kilo CLI inside an execution sandbox.
//
// events.go - recognized domain event shapes
//
// Domain events are untyped JSON blobs owned by the CLI. The
// orchestrator inspects them for exactly three shapes: the
// session-created announcement (to capture the CLI's own session id)
// and the two unrecoverable "ask" conditions. Everything else is
// forwarded opaquely.

package kilo

import "encoding/json"

const (
	domainTypeAsk = "ask"
	domainTypeSay = "say"

	// "ask" sub-kinds that mean the agent cannot continue
	askAuthFailure     = "auth_failure"
	askPaymentRequired = "payment_required_prompt"

	// "say" sub-kind announcing the CLI's internal session id
	saySessionCreated = "session_created"
)

// domainEvent is the partial shape the orchestrator reads out of a
// domain-event payload. Unknown fields are ignored, never rejected.
type domainEvent struct {
	Type      string `json:"type"`
	Ask       string `json:"ask,omitempty"`
	Say       string `json:"say,omitempty"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Metadata  struct {
		Message string `json:"message,omitempty"`
		Title   string `json:"title,omitempty"`
	} `json:"metadata"`
}

func parseDomainEvent(payload json.RawMessage) (*domainEvent, bool) {
	var ev domainEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, false
	}
	return &ev, true
}

// SessionCreatedID extracts the CLI session id from a session_created
// domain event. Returns false for any other payload.
func SessionCreatedID(payload json.RawMessage) (string, bool) {
	ev, ok := parseDomainEvent(payload)
	if !ok || ev.Type != domainTypeSay || ev.Say != saySessionCreated || ev.SessionID == "" {
		return "", false
	}
	return ev.SessionID, true
}

// matchTerminal checks a domain-event payload against the two
// recognized unrecoverable shapes. Authentication failure is checked
// first: it is the narrower, higher-confidence signal when a payload
// could match both.
func matchTerminal(payload json.RawMessage) (TerminalKind, string, bool) {
	ev, ok := parseDomainEvent(payload)
	if !ok || ev.Type != domainTypeAsk {
		return "", "", false
	}

	switch ev.Ask {
	case askAuthFailure:
		msg := firstNonEmpty(ev.Metadata.Message, ev.Text, "Authentication failed - the agent cannot continue")
		return TerminalAuthFailure, msg, true
	case askPaymentRequired:
		msg := firstNonEmpty(ev.Metadata.Message, ev.Metadata.Title, ev.Text, "Payment required - the agent cannot continue")
		return TerminalPaymentRequired, msg, true
	}
	return "", "", false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
