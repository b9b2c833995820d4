package agent

import (
	"context"
	"errors"
	"io"
)

// EventStream is a single-pass, pull-based sequence of stream events.
//
// Next returns the next event, or (nil, io.EOF) when the sequence is
// exhausted normally, or (nil, err) when the sequence ends with a
// terminal failure. After any non-nil error, Next must not be called
// again. Implementations are not safe for concurrent use.
type EventStream interface {
	Next(ctx context.Context) (*StreamEvent, error)
}

// Collect drains a stream into a slice. Returns the events read so far
// alongside the terminating error (nil for a normal io.EOF end).
// Intended for tests and short bounded streams.
func Collect(ctx context.Context, s EventStream) ([]*StreamEvent, error) {
	var events []*StreamEvent
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, err
		}
		events = append(events, ev)
	}
}
