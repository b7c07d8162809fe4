package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/logger"
)

// DefaultDepth is the number of jobs that may wait behind the running one.
const DefaultDepth = 64

// Job is one unit of work executed on the queue.
type Job func(ctx context.Context) (any, error)

// ErrorHandler receives the failure of a job submitted with Go.
type ErrorHandler func(ctx context.Context, name string, err error)

type result struct {
	value any
	err   error
}

type task struct {
	// ctx is the submitter's context; values are kept, cancellation only
	// matters while the task waits in the queue.
	ctx context.Context
	// name labels the task in logs.
	name string
	// job is the work itself.
	job Job
	// done receives the outcome, nil for fire-and-forget tasks.
	done chan result
}

// Queue is a single-worker FIFO of jobs.
type Queue struct {
	// name labels the queue in logs.
	name string
	// tasks holds submitted work.
	tasks chan *task
	// stop is closed by Close.
	stop chan struct{}
	// finished is closed when the worker exits.
	finished chan struct{}
	// onError handles failures of fire-and-forget jobs.
	onError ErrorHandler
	// cancel cancels the running job, nil when idle.
	cancel context.CancelFunc
	// current is the name of the running job.
	current string
	// next holds follow-up jobs scheduled by the running job.
	next []*task
	// mu protects cancel, current and next.
	mu sync.Mutex
	// closed rejects new jobs once Close started.
	closed bool
	// sendMu orders submissions before Close.
	sendMu sync.RWMutex
	// closeOnce guards stop.
	closeOnce sync.Once
}

// Option configures a Queue.
type Option func(q *Queue)

// WithDepth sets how many jobs may wait in the queue.
func WithDepth(depth int) Option {
	return func(q *Queue) {
		if depth > 0 {
			q.tasks = make(chan *task, depth)
		}
	}
}

// WithErrorHandler sets the handler for failed fire-and-forget jobs.
func WithErrorHandler(h ErrorHandler) Option {
	return func(q *Queue) {
		q.onError = h
	}
}

// New starts a queue worker. The worker stops on Close.
func New(ctx context.Context, name string, opts ...Option) *Queue {
	q := &Queue{
		name:     name,
		tasks:    make(chan *task, DefaultDepth),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(q)
	}

	go q.run(logger.WithName(ctx, "queue:"+name))

	return q
}

// Do runs job on the queue and waits for its outcome. If ctx ends while the
// job is still waiting, the job is skipped. Once started, the job runs to
// completion even if the caller goes away, and Do returns only then.
func (q *Queue) Do(ctx context.Context, name string, job Job) (any, error) {
	t := &task{ctx: ctx, name: name, job: job, done: make(chan result, 1)}

	if err := q.enqueue(ctx, t); err != nil {
		return nil, err
	}

	r := <-t.done

	return r.value, r.err
}

// Go schedules job without waiting. Failures go to the error handler.
func (q *Queue) Go(ctx context.Context, name string, job Job) error {
	return q.enqueue(ctx, &task{ctx: ctx, name: name, job: job})
}

// After schedules job to run as soon as the running job returns, ahead of
// anything waiting in the queue. It must be called from inside a job.
func (q *Queue) After(ctx context.Context, name string, job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.next = append(q.next, &task{ctx: ctx, name: name, job: job})
}

// CancelCurrent cancels the context of the running job. It reports whether
// a job was running.
func (q *Queue) CancelCurrent() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel == nil {
		return false
	}

	q.cancel()

	return true
}

// Running returns the name of the running job, empty when idle.
func (q *Queue) Running() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.current
}

// Pending returns the number of jobs waiting behind the running one.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

// Close stops accepting jobs, fails the waiting ones, and waits for the
// running job to return.
func (q *Queue) Close() {
	q.sendMu.Lock()
	q.closed = true
	q.sendMu.Unlock()

	q.closeOnce.Do(func() {
		close(q.stop)
	})

	<-q.finished
}

func (q *Queue) enqueue(ctx context.Context, t *task) error {
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()

	if q.closed {
		return closedError(q.name)
	}

	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", t.name, ctx.Err())
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.finished)

	for {
		select {
		case t := <-q.tasks:
			q.execute(ctx, t)

			for t := q.takeNext(); t != nil; t = q.takeNext() {
				q.execute(ctx, t)
			}
		case <-q.stop:
			q.drain()

			return
		}
	}
}

func (q *Queue) takeNext() *task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.next) == 0 {
		return nil
	}

	t := q.next[0]
	q.next = q.next[1:]

	return t
}

func (q *Queue) drain() {
	for {
		select {
		case t := <-q.tasks:
			t.reply(nil, closedError(q.name))
		default:
			return
		}
	}
}

func (q *Queue) execute(ctx context.Context, t *task) {
	if err := t.ctx.Err(); err != nil {
		t.reply(nil, fmt.Errorf("%s skipped: %w", t.name, err))

		return
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(t.ctx))
	defer cancel()

	q.mu.Lock()
	q.cancel = cancel
	q.current = t.name
	q.mu.Unlock()

	value, err := call(jobCtx, t)

	q.mu.Lock()
	q.cancel = nil
	q.current = ""
	q.mu.Unlock()

	if t.done == nil && err != nil {
		if q.onError != nil {
			q.onError(ctx, t.name, err)
		} else {
			logger.Errorf(ctx, "%s failed: %v", t.name, err)
		}
	}

	t.reply(value, err)
}

// call runs the job, turning a driver panic into a HardwareError.
func call(ctx context.Context, t *task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorKV(ctx, "Job panicked", "job", t.name, "panic", r, "stack", string(debug.Stack()))

			err = domain.Errorf(domain.KindHardwareError, "%s panicked: %v", t.name, r)
		}
	}()

	return t.job(ctx)
}

func (t *task) reply(value any, err error) {
	if t.done != nil {
		t.done <- result{value: value, err: err}
	}
}

func closedError(name string) error {
	return domain.Errorf(domain.KindCommunicationError, "device %s is shutting down", name)
}
