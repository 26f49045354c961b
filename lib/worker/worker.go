package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/logging"
	"github.com/ValentinKolb/dSync/lib/telemetry"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger(logging.NameWorker)

// Task is one unit of work, its result is stored at the tasks index
type Task[T any] func(ctx context.Context) (T, error)

// Options of a run
type Options struct {
	// Concurrency is the number of slots, values < 1 mean 1
	Concurrency int
	// BeforeStart runs once before the first task is taken. An error aborts the run.
	BeforeStart func(ctx context.Context) error
	// Telemetry records task durations (timer "worker.task") and counters, nil = private set
	Telemetry *telemetry.Telemetry
}

// Run is a started run
type Run[T any] struct {
	tasks   []Task[T]
	results []T
	tel     *telemetry.Telemetry

	mu      sync.Mutex
	next    int
	stopped error // first reason to stop taking tasks

	done chan struct{}
	err  error
}

// Start runs tasks in the background. Tasks receive ctx, a done ctx cancels the run.
func Start[T any](ctx context.Context, tasks []Task[T], opts Options) *Run[T] {
	r := &Run[T]{
		tasks:   tasks,
		results: make([]T, len(tasks)),
		tel:     telemetry.OrNew(opts.Telemetry),
		done:    make(chan struct{}),
	}
	go r.run(ctx, opts)
	return r
}

// --------------------------------------------------------------------------
// Public API
// --------------------------------------------------------------------------

// Wait blocks until the run is finished and returns the results in task order.
// Results are nil if the run did not complete.
func (r *Run[T]) Wait() ([]T, error) {
	<-r.done
	if r.err != nil {
		return nil, r.err
	}
	return r.results, nil
}

// Cancel stops taking new tasks, running tasks finish. Wait returns a *CancellationError with reason.
// Cancelling a finished run has no effect.
func (r *Run[T]) Cancel(reason error) {
	r.stop(&CancellationError{Reason: reason})
}

// Done is closed when the run is finished
func (r *Run[T]) Done() <-chan struct{} {
	return r.done
}

// Started returns the number of tasks taken so far
func (r *Run[T]) Started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// --------------------------------------------------------------------------
// Slots
// --------------------------------------------------------------------------

func (r *Run[T]) run(ctx context.Context, opts Options) {
	defer close(r.done)

	if len(r.tasks) == 0 {
		return
	}

	if opts.BeforeStart != nil {
		if err := opts.BeforeStart(ctx); err != nil {
			r.err = fmt.Errorf("worker: before start: %w", err)
			return
		}
	}

	if err := ctx.Err(); err != nil {
		r.err = &CancellationError{Reason: context.Cause(ctx)}
		return
	}
	stopWatch := context.AfterFunc(ctx, func() { r.Cancel(context.Cause(ctx)) })
	defer stopWatch()

	slots := opts.Concurrency
	if slots < 1 {
		slots = 1
	}
	if slots > len(r.tasks) {
		slots = len(r.tasks)
	}

	var g errgroup.Group
	for range slots {
		g.Go(func() error { return r.slot(ctx) })
	}
	err := g.Wait()

	r.mu.Lock()
	if err == nil {
		// cancelled, no task failed before
		err = r.stopped
	}
	r.err = err
	r.mu.Unlock()

	if r.err != nil {
		Logger.Debugf("run of %d tasks stopped after %d: %v", len(r.tasks), r.Started(), r.err)
	}
}

// slot takes tasks until the list is exhausted or the run is stopped
func (r *Run[T]) slot(ctx context.Context) error {
	for {
		i, ok := r.take()
		if !ok {
			return nil
		}

		start := time.Now()
		value, err := r.call(ctx, i)
		r.tel.Since("worker.task", start)
		r.tel.Counter("dsync_worker_tasks_total").Inc()

		if err != nil {
			r.tel.Counter("dsync_worker_task_errors_total").Inc()
			taskErr := &TaskError{Index: i, Err: err}
			if r.stop(taskErr) {
				return taskErr
			}
			// the run was stopped before, that reason wins
			return nil
		}
		r.results[i] = value
	}
}

func (r *Run[T]) take() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped != nil || r.next >= len(r.tasks) {
		return 0, false
	}
	i := r.next
	r.next++
	return i, true
}

// stop records reason unless the run is already stopped and reports whether it did
func (r *Run[T]) stop(reason error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped != nil {
		return false
	}
	r.stopped = reason
	return true
}

// call runs task i and turns a panic into an error
func (r *Run[T]) call(ctx context.Context, i int) (value T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.tasks[i](ctx)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// Map applies fn to every item with at most concurrency calls at a time and returns the results in item order
func Map[I, O any](ctx context.Context, items []I, concurrency int, fn func(ctx context.Context, item I) (O, error)) ([]O, error) {
	tasks := make([]Task[O], len(items))
	for i, item := range items {
		tasks[i] = func(ctx context.Context) (O, error) { return fn(ctx, item) }
	}
	return Start(ctx, tasks, Options{Concurrency: concurrency}).Wait()
}
