package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrQueueStopped is returned when a job is submitted after Stop.
var ErrQueueStopped = errors.New("session queue stopped")

// Job is one unit of session work. It runs on the queue worker only.
type Job func(ctx context.Context) error

type queuedJob struct {
	name  string
	scope context.Context
	run   Job
}

// Queue runs jobs one at a time in submission order on a single worker.
type Queue struct {
	ctx     context.Context
	logger  *slog.Logger
	onError func(name string, err error)

	mu       sync.Mutex
	jobs     []queuedJob
	running  bool
	stopped  bool
	idle     chan struct{}
	idleDone bool
	wake     chan struct{}
	done     chan struct{}
}

// NewQueue starts the worker. Jobs run under ctx; cancelling it aborts the
// running job, drops the queued ones and refuses further submissions.
func NewQueue(ctx context.Context, logger *slog.Logger) *Queue {
	q := &Queue{
		ctx:    ctx,
		logger: logger,
		idle:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	close(q.idle)
	q.idleDone = true
	go q.work()
	return q
}

// Enqueue appends a job. When scope is non-nil the job's context is also
// cancelled with it.
func (q *Queue) Enqueue(name string, scope context.Context, job Job) error {
	q.mu.Lock()
	if q.stopped || q.ctx.Err() != nil {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.jobs = append(q.jobs, queuedJob{name: name, scope: scope, run: job})
	if q.idleDone {
		q.idle = make(chan struct{})
		q.idleDone = false
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// WaitIdle blocks until no job is queued or running.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs, drops the ones not yet started and waits for the
// running job to finish on its own.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		if n := len(q.jobs); n > 0 {
			q.logger.Debug("dropping queued session jobs", slog.Int("count", n))
		}
		q.jobs = nil
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the worker has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) work() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.stopped {
			q.settle()
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.ctx.Done():
				q.mu.Lock()
				q.stopped = true
				q.jobs = nil
				q.mu.Unlock()
			}
			q.mu.Lock()
		}
		if q.ctx.Err() != nil {
			q.stopped = true
		}
		if q.stopped {
			if n := len(q.jobs); n > 0 {
				q.logger.Debug("dropping queued session jobs", slog.Int("count", n))
			}
			q.jobs = nil
			q.settle()
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = queuedJob{}
		q.jobs = q.jobs[1:]
		q.running = true
		q.mu.Unlock()

		q.execute(job)

		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}
}

// settle must be called with q.mu held.
func (q *Queue) settle() {
	if len(q.jobs) == 0 && !q.running && !q.idleDone {
		close(q.idle)
		q.idleDone = true
	}
}

func (q *Queue) execute(job queuedJob) {
	ctx := q.ctx
	if job.scope != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(q.ctx)
		stop := context.AfterFunc(job.scope, cancel)
		defer stop()
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return job.run(ctx)
	}()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		q.logger.Debug("session job cancelled", slog.String("job", job.name))
	default:
		q.logger.Error("session job failed", slog.String("job", job.name), slogError(err))
		if q.onError != nil {
			q.onError(job.name, err)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
