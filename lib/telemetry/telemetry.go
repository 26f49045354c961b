// Package telemetry bundles the metrics of one connection.
//
// Counters live in a VictoriaMetrics metric set, durations in a go-metrics
// registry. Both are created per connection so that two connections in the
// same process never share numbers.
package telemetry

import (
	"fmt"
	"io"
	"sort"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// Telemetry holds the counters and timers of one connection
type Telemetry struct {
	set      *vm.Set
	registry gometrics.Registry
}

// New creates an empty telemetry set
func New() *Telemetry {
	return &Telemetry{
		set:      vm.NewSet(),
		registry: gometrics.NewRegistry(),
	}
}

// OrNew returns t, or a fresh telemetry set if t is nil
func OrNew(t *Telemetry) *Telemetry {
	if t == nil {
		return New()
	}
	return t
}

// Counter returns the counter with the given prometheus name (e.g. `dsync_sync_entries_applied_total{kind="room"}`)
func (t *Telemetry) Counter(name string) *vm.Counter {
	return t.set.GetOrCreateCounter(name)
}

// Timer returns the named timer
func (t *Telemetry) Timer(name string) gometrics.Timer {
	return gometrics.GetOrRegisterTimer(name, t.registry)
}

// Since records the time elapsed since start on the named timer
func (t *Telemetry) Since(name string, start time.Time) {
	t.Timer(name).UpdateSince(start)
}

// CounterValue returns the current value of a counter (0 if it was never created)
func (t *Telemetry) CounterValue(name string) uint64 {
	return t.set.GetOrCreateCounter(name).Get()
}

// TimerSummary is a point in time view of a timer
type TimerSummary struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// Timers returns a summary of all timers
func (t *Telemetry) Timers() map[string]TimerSummary {
	out := make(map[string]TimerSummary)
	t.registry.Each(func(name string, i interface{}) {
		timer, ok := i.(gometrics.Timer)
		if !ok {
			return
		}
		snap := timer.Snapshot()
		out[name] = TimerSummary{
			Count: snap.Count(),
			Mean:  time.Duration(snap.Mean()),
			P99:   time.Duration(snap.Percentile(0.99)),
			Max:   time.Duration(snap.Max()),
		}
	})
	return out
}

// WritePrometheus writes all counters in prometheus text format, followed by
// the timers as comment lines.
func (t *Telemetry) WritePrometheus(w io.Writer) {
	t.set.WritePrometheus(w)

	timers := t.Timers()
	names := make([]string, 0, len(timers))
	for name := range timers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := timers[name]
		_, _ = fmt.Fprintf(w, "# timer %s count=%d mean=%s p99=%s max=%s\n", name, s.Count, s.Mean, s.P99, s.Max)
	}
}
