// Package opqueue runs asynchronous tasks one at a time, in submission
// order. A failing task never blocks the tasks behind it.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrTaskPanic = errors.New("opqueue: task panicked")

type Task func(ctx context.Context) (any, error)

// Future is the outcome of a submitted task.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finished or ctx is done. Giving up on the
// wait does not cancel the task.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(v any, err error) {
	f.val, f.err = v, err
	close(f.done)
}

type job struct {
	task   Task
	future *Future
}

type Queue struct {
	ctx    context.Context
	logger zerolog.Logger

	mu       sync.Mutex
	jobs     []job
	running  bool
	inFlight bool
}

type Option func(*Queue)

// WithContext sets the context handed to every task.
func WithContext(ctx context.Context) Option {
	return func(q *Queue) { q.ctx = ctx }
}

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		ctx:    context.Background(),
		logger: log.With().Str("module", "opqueue").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit appends task and starts the drain loop if it is idle.
func (q *Queue) Submit(task Task) *Future {
	f := &Future{done: make(chan struct{})}

	q.mu.Lock()
	q.jobs = append(q.jobs, job{task: task, future: f})
	start := !q.running
	q.running = true
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return f
}

// Size is the number of pending tasks plus the one in flight.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.jobs)
	if q.inFlight {
		n++
	}
	return n
}

func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.inFlight = false
			q.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs[0] = job{}
		q.jobs = q.jobs[1:]
		q.inFlight = true
		q.mu.Unlock()

		v, err := q.run(j.task)
		if err != nil {
			q.logger.Debug().Err(err).Msg("task failed")
		}
		q.mu.Lock()
		q.inFlight = false
		q.mu.Unlock()
		j.future.resolve(v, err)
	}
}

func (q *Queue) run(task Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("panic", fmt.Sprint(r)).Msg("task panicked")
			v, err = nil, fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	return task(q.ctx)
}

// Do submits fn and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	f := q.Submit(func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	var zero T
	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}
