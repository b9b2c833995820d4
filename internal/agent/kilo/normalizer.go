// Package kilo drives the kilo CLI inside an execution sandbox and
// normalizes its raw output into the agent.StreamEvent model.
//
// normalizer.go - raw chunk to StreamEvent normalization
//
// The CLI interleaves line-oriented JSON events with plain text and
// ANSI control sequences on stdout/stderr. The normalizer splits
// chunks into lines, strips ANSI escapes, and classifies every
// non-blank line as either a domain event (valid JSON object after
// stripping) or an output event (everything else).

package kilo

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/HyphaGroup/warden/internal/agent"
)

// Normalizer converts raw execution chunks into a lazy, single-pass
// event stream. It implements agent.EventStream.
type Normalizer struct {
	sessionID string
	timeout   time.Duration
	chunks    <-chan agent.Chunk
	pending   []*agent.StreamEvent
	err       error
}

var _ agent.EventStream = (*Normalizer)(nil)

// NewNormalizer creates a normalizer over a chunk source. The supplied
// sessionID is propagated verbatim onto every emitted event; timeout is
// reported in the caller-facing message when the CLI exits 124.
func NewNormalizer(sessionID string, timeout time.Duration, chunks <-chan agent.Chunk) *Normalizer {
	return &Normalizer{
		sessionID: sessionID,
		timeout:   timeout,
		chunks:    chunks,
	}
}

// Next returns the next normalized event. It returns io.EOF after a
// clean complete chunk (exit 0) or transport close, a TimeoutError for
// exit 124, and an ExitError for any other non-zero exit.
func (n *Normalizer) Next(ctx context.Context) (*agent.StreamEvent, error) {
	if n.err != nil {
		return nil, n.err
	}
	if len(n.pending) > 0 {
		ev := n.pending[0]
		n.pending = n.pending[1:]
		return ev, nil
	}

	for {
		select {
		case <-ctx.Done():
			n.err = ctx.Err()
			return nil, n.err
		case chunk, ok := <-n.chunks:
			if !ok {
				n.err = io.EOF
				return nil, n.err
			}

			switch chunk.Kind {
			case agent.ChunkStdout:
				n.pending = n.splitLines(chunk.Data, agent.SourceStdout)
			case agent.ChunkStderr:
				n.pending = n.splitLines(chunk.Data, agent.SourceStderr)
			case agent.ChunkError:
				// Error chunks surface as events; the caller decides
				// whether the stream continues.
				return agent.NewErrorEvent(n.sessionID, chunk.Message), nil
			case agent.ChunkComplete:
				switch chunk.ExitCode {
				case 0:
					n.err = io.EOF
				case timeoutExitCode:
					n.err = &TimeoutError{Timeout: n.timeout}
				default:
					n.err = &ExitError{Code: chunk.ExitCode}
				}
				return nil, n.err
			}

			if len(n.pending) > 0 {
				ev := n.pending[0]
				n.pending = n.pending[1:]
				return ev, nil
			}
			// Chunk held only blank lines; read the next one.
		}
	}
}

// splitLines turns one stdout/stderr chunk into zero or more events.
// Every non-blank line yields exactly one event: a domain event when
// the ANSI-stripped line is a valid JSON object, an output event
// otherwise.
func (n *Normalizer) splitLines(data string, source agent.OutputSource) []*agent.StreamEvent {
	var events []*agent.StreamEvent
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSuffix(line, "\r")
		stripped := strings.TrimSpace(StripANSI(line))
		if stripped == "" {
			continue
		}
		if isJSONObject(stripped) {
			events = append(events, agent.NewDomainEvent(n.sessionID, json.RawMessage(stripped)))
			continue
		}
		events = append(events, agent.NewOutputEvent(n.sessionID, source, stripped))
	}
	return events
}

// isJSONObject reports whether a stripped line is a parseable JSON
// object. Bare scalars ("42", quoted strings) stay plain output; the
// CLI's domain events are always objects.
func isJSONObject(s string) bool {
	if len(s) == 0 || s[0] != '{' {
		return false
	}
	return json.Valid([]byte(s))
}
