package kilo

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/warden/internal/agent"
)

func chunkSource(chunks ...agent.Chunk) <-chan agent.Chunk {
	ch := make(chan agent.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func collect(t *testing.T, n agent.EventStream) ([]*agent.StreamEvent, error) {
	t.Helper()
	var events []*agent.StreamEvent
	for {
		ev, err := n.Next(context.Background())
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestNormalizerMixedJSONAndText(t *testing.T) {
	// Interleaved domain events and plain text with a blank line
	src := chunkSource(
		agent.Chunk{Kind: agent.ChunkStdout, Data: "{\"type\":\"status\",\"message\":\"Step 1\"}\n\nPlain text\n{\"type\":\"status\",\"message\":\"Step 2\"}\n"},
		agent.Chunk{Kind: agent.ChunkComplete, ExitCode: 0},
	)
	n := NewNormalizer("sess-1", 700*time.Second, src)

	events, err := collect(t, n)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	if events[0].Type != agent.StreamEventDomain {
		t.Errorf("event 0: expected domain-event, got %s", events[0].Type)
	}
	if events[1].Type != agent.StreamEventOutput || events[1].Content != "Plain text" {
		t.Errorf("event 1: expected output 'Plain text', got %s %q", events[1].Type, events[1].Content)
	}
	if events[2].Type != agent.StreamEventDomain {
		t.Errorf("event 2: expected domain-event, got %s", events[2].Type)
	}

	for i, ev := range events {
		if ev.SessionID != "sess-1" {
			t.Errorf("event %d: sessionID not propagated, got %q", i, ev.SessionID)
		}
	}
}

func TestNormalizerANSIWrappedJSON(t *testing.T) {
	src := chunkSource(
		agent.Chunk{Kind: agent.ChunkStdout, Data: "\x1b[32m{\"type\":\"say\",\"say\":\"text\"}\x1b[0m\n"},
		agent.Chunk{Kind: agent.ChunkComplete, ExitCode: 0},
	)
	n := NewNormalizer("s", 0, src)

	events, _ := collect(t, n)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != agent.StreamEventDomain {
		t.Fatalf("ANSI-wrapped JSON should become a domain event, got %s", events[0].Type)
	}
}

func TestNormalizerBareScalarIsOutput(t *testing.T) {
	// Valid JSON but not an object stays plain output
	src := chunkSource(
		agent.Chunk{Kind: agent.ChunkStdout, Data: "42\n\"quoted\"\n"},
		agent.Chunk{Kind: agent.ChunkComplete, ExitCode: 0},
	)
	n := NewNormalizer("s", 0, src)

	events, _ := collect(t, n)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Type != agent.StreamEventOutput {
			t.Errorf("event %d: expected output, got %s", i, ev.Type)
		}
	}
}

func TestNormalizerCRLF(t *testing.T) {
	src := chunkSource(
		agent.Chunk{Kind: agent.ChunkStdout, Data: "line one\r\nline two\r\n"},
		agent.Chunk{Kind: agent.ChunkComplete, ExitCode: 0},
	)
	n := NewNormalizer("s", 0, src)

	events, _ := collect(t, n)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Content != "line one" || events[1].Content != "line two" {
		t.Errorf("CR not trimmed: %q %q", events[0].Content, events[1].Content)
	}
}

func TestNormalizerStderrSource(t *testing.T) {
	src := chunkSource(
		agent.Chunk{Kind: agent.ChunkStderr, Data: "warning: something\n"},
		agent.Chunk{Kind: agent.ChunkComplete, ExitCode: 0},
	)
	n := NewNormalizer("s", 0, src)

	events, _ := collect(t, n)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Source != agent.SourceStderr {
		t.Errorf("expected stderr source, got %s", events[0].Source)
	}
}

func TestNormalizerErrorChunkIsEvent(t *testing.T) {
	// An error chunk surfaces as an event, not a stream failure
	src := chunkSource(
		agent.Chunk{Kind: agent.ChunkError, Message: "transport hiccup"},
		agent.Chunk{Kind: agent.ChunkComplete, ExitCode: 0},
	)
	n := NewNormalizer("s", 0, src)

	events, err := collect(t, n)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean end, got %v", err)
	}
	if len(events) != 1 || events[0].Type != agent.StreamEventError {
		t.Fatalf("expected one error event, got %+v", events)
	}
	if events[0].Message != "transport hiccup" {
		t.Errorf("unexpected message %q", events[0].Message)
	}
}

func TestNormalizerExitCodes(t *testing.T) {
	t.Run("zero ends without event", func(t *testing.T) {
		n := NewNormalizer("s", 0, chunkSource(agent.Chunk{Kind: agent.ChunkComplete, ExitCode: 0}))
		events, err := collect(t, n)
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF, got %v", err)
		}
		if len(events) != 0 {
			t.Fatalf("expected no events, got %d", len(events))
		}
	})

	t.Run("124 yields timeout error with configured value", func(t *testing.T) {
		n := NewNormalizer("s", 700*time.Second, chunkSource(agent.Chunk{Kind: agent.ChunkComplete, ExitCode: 124}))
		_, err := collect(t, n)
		var te *TimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("expected TimeoutError, got %v", err)
		}
		if !strings.Contains(err.Error(), "11m40s") {
			t.Errorf("timeout value missing from message: %q", err.Error())
		}
		if !strings.Contains(err.Error(), "simplifying") {
			t.Errorf("remediation text missing from message: %q", err.Error())
		}
	})

	t.Run("other nonzero yields exit error with code", func(t *testing.T) {
		n := NewNormalizer("s", 0, chunkSource(agent.Chunk{Kind: agent.ChunkComplete, ExitCode: 3}))
		_, err := collect(t, n)
		var ee *ExitError
		if !errors.As(err, &ee) {
			t.Fatalf("expected ExitError, got %v", err)
		}
		if ee.Code != 3 {
			t.Errorf("expected code 3, got %d", ee.Code)
		}
		if !strings.Contains(err.Error(), "3") {
			t.Errorf("code missing from message: %q", err.Error())
		}
	})
}

func TestNormalizerChannelCloseEndsStream(t *testing.T) {
	n := NewNormalizer("s", 0, chunkSource())
	_, err := n.Next(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on closed channel, got %v", err)
	}
}

func TestNormalizerEveryLineExactlyOneEvent(t *testing.T) {
	// JSON/text disjointness: no line yields zero or two events
	data := "{\"a\":1}\nnot json\n{broken\n{\"b\":2}\n"
	src := chunkSource(
		agent.Chunk{Kind: agent.ChunkStdout, Data: data},
		agent.Chunk{Kind: agent.ChunkComplete, ExitCode: 0},
	)
	n := NewNormalizer("s", 0, src)

	events, _ := collect(t, n)
	if len(events) != 4 {
		t.Fatalf("expected 4 events for 4 non-blank lines, got %d", len(events))
	}
	wantTypes := []agent.StreamEventType{
		agent.StreamEventDomain,
		agent.StreamEventOutput,
		agent.StreamEventOutput, // invalid JSON stays output
		agent.StreamEventDomain,
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d: expected %s, got %s", i, want, events[i].Type)
		}
	}
}
