package synclog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/bus"
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/ValentinKolb/dSync/lib/keychain"
	"github.com/ValentinKolb/dSync/lib/logging"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/ValentinKolb/dSync/lib/telemetry"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(logging.NameSync)

// State of the engine
type State int32

const (
	StateIdle State = iota
	StateApplying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateApplying:
		return "Applying"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Result summarizes the application of one log
type Result struct {
	Type     LogType
	Applied  int // entries that changed the database (or were passed to a transient listener)
	Ignored  int // entries older than the local state
	Skipped  int // malformed entries, see Errors
	Deferred int // entries waiting for a keychain key
	Resolved int // previously deferred entries applied by this run
	Errors   []*ApplyError
	Duration time.Duration
	Err      error // set if the log was not applied at all
}

// job is one unit of work of the engine goroutine, either a log or a retry of the deferred entries
type job struct {
	ctx    context.Context
	log    *Log
	result chan Result
}

// Engine applies sync logs to a resource database.
// Logs are applied one after another in arrival order on a single goroutine,
// the application of two logs never overlaps.
type Engine struct {
	db  db.ResourceDB
	tel *telemetry.Telemetry
	bus *bus.Bus

	inbox        *util.LockFreeMPSC[job]
	deferred     *deferredSet
	retryPending atomic.Bool
	state        atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	dropped   int
}

// Option configures an Engine
type Option func(*Engine)

// WithTelemetry records the engine metrics in tel
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Engine) { e.tel = tel }
}

// WithBus publishes applied logs and dropped entries on b
func WithBus(b *bus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// NewEngine creates an engine writing to database and starts its goroutine
func NewEngine(database db.ResourceDB, opts ...Option) *Engine {
	e := &Engine{
		db:       database,
		inbox:    util.NewLockFreeMPSC[job](),
		deferred: newDeferredSet(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tel = telemetry.OrNew(e.tel)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	go e.run()
	return e
}

// --------------------------------------------------------------------------
// Public API
// --------------------------------------------------------------------------

// Submit queues log for application. The returned channel receives exactly one Result.
func (e *Engine) Submit(ctx context.Context, log *Log) <-chan Result {
	result := make(chan Result, 1)
	if err := log.Validate(); err != nil {
		result <- Result{Type: log.Type, Err: err}
		return result
	}
	if !e.inbox.Push(job{ctx: ctx, log: log, result: result}) {
		result <- Result{Type: log.Type, Err: ErrClosed}
	}
	return result
}

// Apply submits log and waits for its result.
// The returned error is Result.Err, or the context error if ctx is done first.
func (e *Engine) Apply(ctx context.Context, log *Log) (Result, error) {
	select {
	case res := <-e.Submit(ctx, log):
		return res, res.Err
	case <-ctx.Done():
		return Result{Type: log.Type, Err: ctx.Err()}, ctx.Err()
	}
}

// RetryDeferred schedules a retry of all deferred entries, e.g. after a keychain key became available.
// Multiple calls before the retry runs are coalesced.
func (e *Engine) RetryDeferred() {
	if !e.retryPending.CompareAndSwap(false, true) {
		return
	}
	if !e.inbox.Push(job{}) {
		e.retryPending.Store(false)
	}
}

// State returns the current state
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Close stops accepting logs, applies the logs already queued and drops all deferred entries
// with a warning each. It returns the number of dropped entries.
func (e *Engine) Close() int {
	e.closeOnce.Do(func() {
		e.inbox.Close()
		<-e.done
		e.cancel()
	})
	return e.dropped
}

// --------------------------------------------------------------------------
// Engine goroutine
// --------------------------------------------------------------------------

func (e *Engine) run() {
	defer close(e.done)

	for j := range e.inbox.Recv() {
		e.state.Store(int32(StateApplying))
		if j.log == nil {
			e.retryPending.Store(false)
			e.retry()
		} else {
			j.result <- e.applyLog(j.ctx, j.log)
		}
		e.state.Store(int32(StateIdle))
	}

	e.state.Store(int32(StateClosed))
	e.dropped = e.dropAll()
}

// applyLog applies one log inside one database batch
func (e *Engine) applyLog(ctx context.Context, log *Log) Result {
	res := Result{Type: log.Type}
	if ctx == nil {
		ctx = e.ctx
	}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	start := time.Now()
	_ = e.db.Batch(func() error {
		if log.Type == LogFull {
			kinds := log.Kinds()
			for _, kind := range kinds {
				e.db.Clear(kind)
			}
			for _, d := range e.deferred.dropKinds(kinds) {
				Logger.Debugf("discarded deferred %s, its kind is replaced by a full log", d.entry)
			}
		}

		for _, entry := range log.sorted() {
			if e.applyEntry(ctx, entry, &res) == outcomeDeferred {
				e.counter("dsync_sync_entries_deferred_total", entry.Kind).Inc()
			}
		}
		return nil
	})
	res.Duration = time.Since(start)
	e.tel.Timer("sync.log.apply").Update(res.Duration)

	Logger.Debugf("applied %s log: %d applied, %d ignored, %d skipped, %d deferred (%s)",
		log.Type, res.Applied, res.Ignored, res.Skipped, res.Deferred, res.Duration)
	e.publish(bus.TopicLogApplied, res)
	return res
}

// outcome of a single entry
type outcome int

const (
	outcomeApplied outcome = iota
	outcomeIgnored
	outcomeSkipped
	outcomeDeferred
)

// applyEntry applies a single entry and records the outcome in res.
// A deferrable failure puts the entry into the deferred set.
func (e *Engine) applyEntry(ctx context.Context, entry Entry, res *Result) outcome {
	if skip := e.validate(entry); skip != nil {
		e.skip(skip, res)
		return outcomeSkipped
	}

	// a newer entry for the same id makes a deferred one obsolete
	if d, ok := e.deferred.supersede(entry); ok {
		Logger.Debugf("deferred %s superseded by %s", d.entry, entry)
	}

	var (
		applied bool
		err     error
	)
	switch entry.Action {
	case ActionSet:
		var stored resource.Resource
		stored, applied, err = e.db.ApplySet(ctx, entry.Kind, entry.Resource, entry.Timestamp)
		if err == nil && stored != nil && stored.ResourceID() != entry.ResourceID {
			Logger.Warningf("%s carries a resource with id %q", entry, stored.ResourceID())
		}
	case ActionRemove:
		applied, err = e.db.ApplyRemove(entry.Kind, entry.ResourceID, entry.Timestamp)
	}

	switch {
	case err == nil && applied:
		res.Applied++
		e.counter("dsync_sync_entries_applied_total", entry.Kind).Inc()
		return outcomeApplied
	case err == nil:
		res.Ignored++
		e.counter("dsync_sync_entries_ignored_total", entry.Kind).Inc()
		return outcomeIgnored
	case deferrable(err):
		if e.deferred.put(entry, err) {
			res.Deferred++
			Logger.Debugf("deferred %s: %v", entry, err)
		}
		return outcomeDeferred
	default:
		e.skip(&ApplyError{Entry: entry, Reason: "apply failed", Err: err}, res)
		return outcomeSkipped
	}
}

func (e *Engine) validate(entry Entry) *ApplyError {
	if _, ok := e.db.Registry().Lookup(entry.Kind); !ok {
		return &ApplyError{Entry: entry, Reason: "unknown kind"}
	}
	if entry.ResourceID == "" {
		return &ApplyError{Entry: entry, Reason: "missing resource id"}
	}
	switch entry.Action {
	case ActionSet:
		if len(entry.Resource) == 0 {
			return &ApplyError{Entry: entry, Reason: "set without resource"}
		}
	case ActionRemove:
	default:
		return &ApplyError{Entry: entry, Reason: "unknown action"}
	}
	return nil
}

func (e *Engine) skip(err *ApplyError, res *Result) {
	res.Skipped++
	res.Errors = append(res.Errors, err)
	e.counter("dsync_sync_entries_skipped_total", err.Entry.Kind).Inc()
	Logger.Warningf("%v", err)
}

// retry applies all deferred entries again, oldest first. Entries that still miss their key are deferred again.
func (e *Engine) retry() {
	if e.deferred.len() == 0 {
		return
	}

	pending := e.deferred.drain()
	res := Result{Type: LogIncremental}
	_ = e.db.Batch(func() error {
		for _, d := range pending {
			if e.applyEntry(e.ctx, d.entry, &res) != outcomeDeferred {
				res.Resolved++
				e.counter("dsync_sync_entries_resolved_total", d.entry.Kind).Inc()
			}
		}
		return nil
	})

	Logger.Debugf("retried %d deferred entries, %d resolved, %d still waiting", len(pending), res.Resolved, e.deferred.len())
	if res.Resolved > 0 {
		e.publish(bus.TopicLogApplied, res)
	}
}

// dropAll gives up every deferred entry and returns their number
func (e *Engine) dropAll() int {
	pending := e.deferred.drain()
	for _, d := range pending {
		Logger.Warningf("dropping deferred %s, pending since %s: %v", d.entry, d.since.Format(time.DateTime), d.err)
		e.counter("dsync_sync_entries_dropped_total", d.entry.Kind).Inc()
		e.publish(bus.TopicEntryDropped, DroppedEntry{Entry: d.entry, Err: d.err})
	}
	return len(pending)
}

// --------------------------------------------------------------------------
// helper
// --------------------------------------------------------------------------

// deferrable reports whether err means the entry has to wait for keychain material
func deferrable(err error) bool {
	return errors.Is(err, resource.ErrKeyUnavailable) || errors.Is(err, keychain.ErrDecryption)
}

func (e *Engine) counter(name string, kind resource.Kind) interface{ Inc() } {
	return e.tel.Counter(fmt.Sprintf(`%s{kind=%q}`, name, kind))
}

func (e *Engine) publish(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}
