package goICloud

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultCloseTimeout = 2 * time.Second

// eventDispatcher hands events to the sink from a single goroutine, so the
// sink sees them in emission order and transitions never wait on the host.
//
// Sinks receive a context that Close cancels once CloseTimeout has passed.
// A sink blocked on a reader that went away must return when it is done.
type eventDispatcher struct {
	sink         EventSink
	dropIfFull   bool
	closeTimeout time.Duration

	queue  chan Event
	stop   chan struct{}
	exited chan struct{}

	sinkCtx    context.Context
	cancelSink context.CancelFunc

	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// newEventDispatcher returns nil when events are disabled; a nil dispatcher
// accepts and ignores every call.
func newEventDispatcher(cfg EventsConfig, sink EventSink) *eventDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	size := max(cfg.BufferSize, 1)
	timeout := cfg.CloseTimeout
	if timeout <= 0 {
		timeout = defaultCloseTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &eventDispatcher{
		sink:         sink,
		dropIfFull:   cfg.DropIfFull,
		closeTimeout: timeout,
		queue:        make(chan Event, size),
		stop:         make(chan struct{}),
		exited:       make(chan struct{}),
		sinkCtx:      ctx,
		cancelSink:   cancel,
	}
	go d.loop()
	return d
}

func (d *eventDispatcher) loop() {
	defer close(d.exited)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver passes ev to the sink unless Close already gave up on it.
func (d *eventDispatcher) deliver(ev Event) {
	if d.sinkCtx.Err() != nil {
		d.dropped.Add(1)
		return
	}
	d.sink.Emit(d.sinkCtx, ev)
}

// Emit queues ev. With dropIfFull a full queue drops the event; otherwise
// Emit waits for room, ctx or Close.
func (d *eventDispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.dropIfFull {
		select {
		case d.queue <- ev:
		default:
			d.dropped.Add(1)
		}
		return
	}
	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
	}
}

// Close stops accepting events and gives the sink CloseTimeout to take the
// queued ones. Then the sink context is cancelled and Close waits for the
// worker, which drops whatever is left.
func (d *eventDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stop)

		timer := time.NewTimer(d.closeTimeout)
		defer timer.Stop()
		select {
		case <-d.exited:
		case <-timer.C:
			d.cancelSink()
			<-d.exited
		}
		d.cancelSink()
	})
}

// Dropped counts events never handed to the sink.
func (d *eventDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
