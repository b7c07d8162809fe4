package buffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/oshokin/microscope/internal/domain/device"
)

// Policy decides what happens when a frame arrives at a full buffer.
type Policy uint8

const (
	// DropOldest overwrites the oldest unread frame.
	DropOldest Policy = iota
	// RejectNewest refuses the incoming frame with ErrFull.
	RejectNewest
)

// DefaultCapacity is used when no capacity is configured.
const DefaultCapacity = 16

// ErrFull is returned by Put under RejectNewest when the buffer is full.
var ErrFull = errors.New("frame buffer is full")

var errUnknownPolicy = errors.New("unknown buffer policy")

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case RejectNewest:
		return "reject_newest"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration name into a Policy. An empty name is DropOldest.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest", "dropoldest":
		return DropOldest, nil
	case "reject_newest", "rejectnewest":
		return RejectNewest, nil
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownPolicy, s)
	}
}

// Stats is a snapshot of buffer counters.
type Stats struct {
	// Produced counts every frame offered to the buffer.
	Produced uint64 `cbor:"produced" yaml:"produced"`
	// Dropped counts frames overwritten before anyone consumed them.
	Dropped uint64 `cbor:"dropped" yaml:"dropped"`
	// Rejected counts frames refused because the buffer was full.
	Rejected uint64 `cbor:"rejected" yaml:"rejected"`
	// Length is the number of frames waiting.
	Length int `cbor:"length" yaml:"length"`
	// Capacity is the maximum number of frames held.
	Capacity int `cbor:"capacity" yaml:"capacity"`
	// Policy is the full-buffer policy name.
	Policy string `cbor:"policy" yaml:"policy"`
}

// Ring is a bounded FIFO of frames safe for one or more producers and consumers.
type Ring struct {
	// frames is the circular storage.
	frames []*domain.Frame
	// head indexes the oldest frame.
	head int
	// size is the number of stored frames.
	size int
	// policy is the full-buffer behavior.
	policy Policy
	// nextSeq is the sequence number given to the next Put.
	nextSeq uint64
	// lastConsumed is the sequence of the last frame handed to a consumer.
	lastConsumed uint64
	// stats are the running counters.
	stats Stats
	// ready is closed and replaced whenever a frame is stored.
	ready chan struct{}
	// mu protects every field above.
	mu sync.Mutex
}

// New creates a ring. A non-positive capacity selects DefaultCapacity.
func New(capacity int, policy Policy) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Ring{
		frames:  make([]*domain.Frame, capacity),
		policy:  policy,
		nextSeq: 1,
		ready:   make(chan struct{}),
	}
}

// Put stores a frame, taking ownership of it. The frame's sequence number is
// assigned here. Under RejectNewest a full buffer returns ErrFull and the
// sequence number is consumed anyway, so the consumer sees the gap.
func (r *Ring) Put(frame *domain.Frame) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.nextSeq
	r.nextSeq++
	r.stats.Produced++

	frame.Sequence = seq
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	capacity := len(r.frames)
	if r.size == capacity {
		if r.policy == RejectNewest {
			r.stats.Rejected++

			return seq, ErrFull
		}

		r.frames[r.head] = nil
		r.head = (r.head + 1) % capacity
		r.size--
		r.stats.Dropped++
	}

	r.frames[(r.head+r.size)%capacity] = frame
	r.size++

	close(r.ready)
	r.ready = make(chan struct{})

	return seq, nil
}

// TryFetch removes the oldest frame without waiting. It also returns how
// many sequence numbers were skipped since the previously consumed frame.
func (r *Ring) TryFetch() (*domain.Frame, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.popLocked()
}

// Fetch removes the oldest frame, waiting until one is produced or ctx ends.
// A context deadline yields a Timeout error.
func (r *Ring) Fetch(ctx context.Context) (*domain.Frame, uint64, error) {
	for {
		r.mu.Lock()
		frame, gap, ok := r.popLocked()
		ready := r.ready
		r.mu.Unlock()

		if ok {
			return frame, gap, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, 0, domain.Errorf(domain.KindTimeout, "no frame produced in time")
			}

			return nil, 0, fmt.Errorf("fetch frame: %w", ctx.Err())
		}
	}
}

// FetchTimeout is Fetch bounded by a timeout. A non-positive timeout does not wait.
func (r *Ring) FetchTimeout(ctx context.Context, timeout time.Duration) (*domain.Frame, uint64, error) {
	if timeout <= 0 {
		frame, gap, ok := r.TryFetch()
		if !ok {
			return nil, 0, domain.Errorf(domain.KindTimeout, "no frame available")
		}

		return frame, gap, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return r.Fetch(ctx)
}

// Len returns the number of waiting frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.size
}

// Stats returns a snapshot of the counters.
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.Length = r.size
	s.Capacity = len(r.frames)
	s.Policy = r.policy.String()

	return s
}

// Reset drops every waiting frame, counting them as dropped. Sequence numbering continues.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.frames {
		r.frames[i] = nil
	}

	r.stats.Dropped += uint64(r.size)

	r.head = 0
	r.size = 0
}

func (r *Ring) popLocked() (*domain.Frame, uint64, bool) {
	if r.size == 0 {
		return nil, 0, false
	}

	frame := r.frames[r.head]
	r.frames[r.head] = nil
	r.head = (r.head + 1) % len(r.frames)
	r.size--

	gap := frame.Sequence - r.lastConsumed - 1
	r.lastConsumed = frame.Sequence

	return frame, gap, true
}
