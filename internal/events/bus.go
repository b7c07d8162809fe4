package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oshokin/microscope/internal/logger"
)

// DefaultQueueSize is the per-sink queue length.
const DefaultQueueSize = 256

// Sink consumes events. Handle runs on the sink's own goroutine.
type Sink interface {
	// Name labels the sink in logs and statistics.
	Name() string
	// Handle processes one event.
	Handle(ctx context.Context, e Event) error
	// Close flushes and releases the sink.
	Close(ctx context.Context) error
}

// subscriber is one attached sink with its queue.
type subscriber struct {
	sink    Sink
	queue   chan Event
	dropped atomic.Uint64
	done    chan struct{}
}

// Bus fans events out to sinks.
type Bus struct {
	// subscribers are the attached sinks.
	subscribers []*subscriber
	// queueSize is the per-sink queue length.
	queueSize int
	// closed rejects publications after Close.
	closed bool
	// mu protects subscribers and closed.
	mu sync.RWMutex
	// errors aggregates repeated sink failures in the log.
	errors *logger.RepeatFilter
	// ctx is the base context of sink goroutines.
	ctx context.Context
}

// NewBus creates a bus. A non-positive queue size selects DefaultQueueSize.
func NewBus(ctx context.Context, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Bus{
		queueSize: queueSize,
		errors:    logger.NewRepeatFilter(3),
		ctx:       logger.WithName(ctx, "events"),
	}
}

// Attach starts delivering events to a sink.
func (b *Bus) Attach(sink Sink) {
	sub := &subscriber{
		sink:  sink,
		queue: make(chan Event, b.queueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	go b.deliver(logger.WithKV(b.ctx, "sink", sink.Name()), sub)
}

// Publish offers an event to every sink without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		select {
		case sub.queue <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events each sink missed because its queue was full.
func (b *Bus) Dropped() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]uint64, len(b.subscribers))
	for _, sub := range b.subscribers {
		out[sub.sink.Name()] = sub.dropped.Load()
	}

	return out
}

// Close stops accepting events, lets every sink drain its queue and closes the sinks.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true
	subscribers := b.subscribers
	b.mu.Unlock()

	var errs []error

	for _, sub := range subscribers {
		close(sub.queue)

		select {
		case <-sub.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}

		if err := sub.sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, sub *subscriber) {
	defer close(sub.done)

	for e := range sub.queue {
		if err := sub.sink.Handle(ctx, e); err != nil {
			b.errors.Errorf(ctx, "sink %s failed to handle %s: %v", sub.sink.Name(), e.Kind, err)
		}
	}
}
