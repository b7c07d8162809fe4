package session

import (
	"context"
	"sync"
	"time"

	domain "github.com/oshokin/microscope/internal/domain/device"
)

// Lock is the exclusive control lock of one device.
type Lock struct {
	// owner is the session holding the lock, empty when free.
	owner string
	// explicit is set while the owner holds the lock through acquire.
	explicit bool
	// ops counts operation holds of the owner.
	ops int
	// released is closed when the lock becomes free.
	released chan struct{}
	// mu protects every field above.
	mu sync.Mutex
}

// NewLock creates a free lock.
func NewLock() *Lock {
	released := make(chan struct{})
	close(released)

	return &Lock{released: released}
}

// Acquire takes an explicit hold. It is reentrant for the owner.
func (l *Lock) Acquire(ctx context.Context, sessionID string, timeout time.Duration) error {
	return l.take(ctx, sessionID, timeout, true)
}

// Begin takes an operation hold for one control call.
func (l *Lock) Begin(ctx context.Context, sessionID string, timeout time.Duration) error {
	return l.take(ctx, sessionID, timeout, false)
}

// End returns an operation hold taken with Begin.
func (l *Lock) End(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != sessionID || l.ops == 0 {
		return
	}

	l.ops--
	l.maybeFreeLocked()
}

// Release drops the explicit hold of the owner.
func (l *Lock) Release(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != sessionID || !l.explicit {
		return domain.Errorf(domain.KindInvalidState, "device is not held by this session")
	}

	l.explicit = false
	l.maybeFreeLocked()

	return nil
}

// Drop removes every explicit hold of a departing session. Operation holds
// still running keep the lock until they end. It reports whether the
// session owned the lock.
func (l *Lock) Drop(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != sessionID || sessionID == "" {
		return false
	}

	l.explicit = false
	l.maybeFreeLocked()

	return true
}

// Owner returns the holding session, empty when free.
func (l *Lock) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.owner
}

// HeldExplicitly reports whether the session holds the lock through acquire.
func (l *Lock) HeldExplicitly(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.owner == sessionID && l.explicit
}

func (l *Lock) take(ctx context.Context, sessionID string, timeout time.Duration, explicit bool) error {
	var deadline <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		deadline = timer.C
	}

	for {
		l.mu.Lock()

		if l.owner == "" || l.owner == sessionID {
			if l.owner == "" {
				l.owner = sessionID
				l.released = make(chan struct{})
			}

			if explicit {
				l.explicit = true
			} else {
				l.ops++
			}

			l.mu.Unlock()

			return nil
		}

		owner, released := l.owner, l.released
		l.mu.Unlock()

		if timeout <= 0 {
			return domain.Errorf(domain.KindBusy, "device is held by session %s", owner)
		}

		select {
		case <-released:
			if err := ctx.Err(); err != nil {
				return domain.Wrap(domain.KindTimeout, "acquire", err)
			}
		case <-deadline:
			return domain.Errorf(domain.KindTimeout, "device still held by session %s after %s", owner, timeout)
		case <-ctx.Done():
			return domain.Wrap(domain.KindTimeout, "acquire", ctx.Err())
		}
	}
}

func (l *Lock) maybeFreeLocked() {
	if l.explicit || l.ops > 0 || l.owner == "" {
		return
	}

	l.owner = ""
	close(l.released)
}
