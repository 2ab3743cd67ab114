package goICloud

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// EventSink receives lifecycle events. Emit is called from the dispatcher
// goroutine, one event at a time, in emission order.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink discards every event.
type NoOpSink struct{}

// Emit implements [EventSink].
func (NoOpSink) Emit(context.Context, Event) {}

// FuncSink adapts a function to [EventSink].
type FuncSink func(ctx context.Context, event Event)

// Emit implements [EventSink].
func (f FuncSink) Emit(ctx context.Context, event Event) {
	if f != nil {
		f(ctx, event)
	}
}

// ChannelSink forwards events to a buffered channel read by the host.
type ChannelSink struct {
	events chan Event
}

// NewChannelSink creates a sink with the given channel capacity (minimum 1).
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

// Emit blocks until the event is queued or ctx is done.
func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON document per line. The password carried by
// two-factor events is never written.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink creates a sink writing to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

// Emit implements [EventSink]. Marshal and write errors are ignored.
func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
