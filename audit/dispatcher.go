package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull makes Emit non-blocking; overflow is counted in Dropped.
	DropIfFull bool
}

// DefaultConfig returns a disabled dispatcher config with a 1024-event buffer.
func DefaultConfig() Config {
	return Config{BufferSize: 1024, DropIfFull: true}
}

// envelope is one queue slot: an event, or a flush marker when ack is set.
type envelope struct {
	event Event
	ack   chan struct{}
}

// Dispatcher delivers events to a sink in emission order on one goroutine.
//
// Every event offered to Emit is numbered in Event.Seq before it is queued,
// so a sink sees a gap in the sequence wherever an event was dropped.
type Dispatcher struct {
	cfg   Config
	sink  Sink
	queue chan envelope

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	closing atomic.Bool

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewDispatcher starts the delivery goroutine. It returns nil when cfg is
// disabled; all Dispatcher methods accept a nil receiver.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:     cfg,
		sink:    sink,
		queue:   make(chan envelope, cfg.BufferSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case env := <-d.queue:
			d.deliver(env)
		case <-d.stop:
			for {
				select {
				case env := <-d.queue:
					d.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(env envelope) {
	if env.ack != nil {
		close(env.ack)
		return
	}
	d.sink.Emit(context.Background(), env.event)
}

// Emit numbers event and queues it. With DropIfFull a full queue drops the
// event; otherwise Emit waits for room or for ctx.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closing.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	event.Seq = d.seq.Add(1)
	env := envelope{event: event}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- env:
		case <-d.stop:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- env:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
	}
}

// Flush returns once every event emitted before the call has been handed to
// the sink, or when ctx ends. A flush marker is never dropped, even with
// DropIfFull.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if d == nil || d.closing.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case d.queue <- envelope{ack: ack}:
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers what is queued and stops the goroutine. Later Emit and
// Flush calls are no-ops.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.closing.Store(true)
		close(d.stop)
		<-d.stopped
	})
}

// Dropped reports events that never reached the queue.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
