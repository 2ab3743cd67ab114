package goICloud

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type gateSink struct {
	gate    chan struct{}
	emitted atomic.Int64
}

func (s *gateSink) Emit(context.Context, Event) {
	<-s.gate
	s.emitted.Add(1)
}

func TestDispatcherDisabledReturnsNil(t *testing.T) {
	d := newEventDispatcher(EventsConfig{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("expected nil dispatcher")
	}
	// nil receivers are no-ops
	d.Emit(context.Background(), Event{Type: EventReady})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher dropped events")
	}
}

func TestDispatcherPreservesOrder(t *testing.T) {
	sink := NewChannelSink(16)
	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 16}, sink)
	defer d.Close()

	types := []EventType{EventTwoFactorRequired, EventError, EventReady}
	for _, typ := range types {
		d.Emit(context.Background(), Event{Type: typ})
	}
	for _, want := range types {
		select {
		case ev := <-sink.Events():
			if ev.Type != want {
				t.Fatalf("expected %s, got %s", want, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestDispatcherDropIfFull(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Type: EventReady})
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped events")
	}
	close(sink.gate)
	d.Close()
	if sink.emitted.Load()+int64(d.Dropped()) != 10 {
		t.Fatalf("emitted %d + dropped %d != 10", sink.emitted.Load(), d.Dropped())
	}
}

func TestDispatcherBlockingRespectsContext(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 1}, sink)
	defer func() {
		close(sink.gate)
		d.Close()
	}()

	// One event is held by the worker, one fills the buffer.
	d.Emit(context.Background(), Event{Type: EventReady})
	d.Emit(context.Background(), Event{Type: EventReady})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Emit(ctx, Event{Type: EventReady})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit ignored context cancellation")
	}
}

func TestJSONWriterSinkOmitsPassword(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), Event{
		Type:     EventTwoFactorRequired,
		Username: "user@example.com",
		State:    StateAwaitingTwoFactorCode,
		Password: "hunter2-password",
	})

	line := buf.String()
	if strings.Contains(line, "hunter2") {
		t.Fatalf("password written: %s", line)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded["state"] != "awaiting_two_factor_code" || decoded["type"] != "two_factor_required" {
		t.Fatalf("decoded = %v", decoded)
	}
}

func TestFuncSink(t *testing.T) {
	var got EventType
	FuncSink(func(_ context.Context, ev Event) { got = ev.Type }).Emit(context.Background(), Event{Type: EventReady})
	if got != EventReady {
		t.Fatalf("got %s", got)
	}
	var nilSink FuncSink
	nilSink.Emit(context.Background(), Event{})
}

func TestDispatcherCloseIsBoundedWhenSinkIsNotRead(t *testing.T) {
	sink := NewChannelSink(1)
	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 8, CloseTimeout: 50 * time.Millisecond}, sink)

	for i := 0; i < 4; i++ {
		d.Emit(context.Background(), Event{Type: EventError})
	}

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an unread sink")
	}
	// One event fits the channel; the rest never reached the host.
	if d.Dropped() == 0 {
		t.Fatal("expected undelivered events to be counted as dropped")
	}
}

func TestDispatcherCloseDeliversQueuedEvents(t *testing.T) {
	var got atomic.Int64
	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 16, CloseTimeout: time.Second},
		FuncSink(func(context.Context, Event) { got.Add(1) }))
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Type: EventReady})
	}
	d.Close()
	if got.Load() != 10 || d.Dropped() != 0 {
		t.Fatalf("delivered %d, dropped %d", got.Load(), d.Dropped())
	}
}
