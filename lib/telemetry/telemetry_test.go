package telemetry

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreIsolated(t *testing.T) {
	a, b := New(), New()
	a.Counter("dsync_test_total").Inc()
	a.Counter("dsync_test_total").Inc()

	assert.Equal(t, uint64(2), a.CounterValue("dsync_test_total"))
	assert.Equal(t, uint64(0), b.CounterValue("dsync_test_total"))
}

func TestTimersAndPrometheusOutput(t *testing.T) {
	tel := New()
	tel.Counter(`dsync_sync_entries_applied_total{kind="room"}`).Add(3)
	tel.Timer("sync.log.apply").Update(5 * time.Millisecond)

	timers := tel.Timers()
	require.Contains(t, timers, "sync.log.apply")
	assert.Equal(t, int64(1), timers["sync.log.apply"].Count)

	var buf bytes.Buffer
	tel.WritePrometheus(&buf)
	out := buf.String()
	assert.Contains(t, out, `dsync_sync_entries_applied_total{kind="room"} 3`)
	assert.Contains(t, out, "# timer sync.log.apply count=1")
}

func TestOrNew(t *testing.T) {
	tel := New()
	assert.Same(t, tel, OrNew(tel))
	assert.NotNil(t, OrNew(nil))
}
