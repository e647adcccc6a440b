package events

import (
	"context"
	"sync"
)

// Logger defines the logging interface used by the Bus.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

// Bus delivers events to every subscribed sink, one event at a time, in the
// order they were published.
//
// Publish never blocks: events are queued without bound and drained by a
// single goroutine. This lets a sink call back into the component that
// published the event without deadlocking it.
type Bus struct {
	mu      sync.Mutex
	pending []Event
	sinks   []Sink

	wake     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// NewBus creates a bus. Call Start to begin delivery.
func NewBus() *Bus {
	return &Bus{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger used for sink panics.
//
// Do not pass a logger that itself publishes to this bus.
func (b *Bus) SetLogger(logger Logger) {
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// Subscribe adds a sink. Sinks added later miss events already delivered.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish implements Sink by queueing the event for delivery.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	b.pending = append(b.pending, e)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Start launches the delivery goroutine. It stops when ctx is cancelled or
// Stop is called, after delivering what is already queued.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				b.flush()
				return
			case <-b.done:
				b.flush()
				return
			case <-b.wake:
				b.flush()
			}
		}
	}()
}

// Stop ends delivery and waits for the goroutine to exit.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

func (b *Bus) flush() {
	for {
		b.mu.Lock()
		batch := b.pending
		b.pending = nil
		sinks := append([]Sink(nil), b.sinks...)
		b.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		for _, e := range batch {
			for _, s := range sinks {
				b.deliver(s, e)
			}
		}
	}
}

func (b *Bus) deliver(s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			logger := b.logger
			b.mu.Unlock()
			logger.Error("event sink panic recovered", "event", string(e.Type), "panic", r)
		}
	}()
	s.Publish(e)
}
