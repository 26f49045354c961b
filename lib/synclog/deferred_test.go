package synclog

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferredSet(t *testing.T) {
	d := newDeferredSet()
	errMissing := errors.New("missing")

	assert.True(t, d.put(setRoom("r1", 5), errMissing))
	assert.True(t, d.put(setRoom("r2", -3), errMissing))
	assert.False(t, d.put(setRoom("r1", 4), errMissing), "older entry for the same id is discarded")
	assert.True(t, d.put(setRoom("r1", 5), errMissing), "equal timestamps replace")
	assert.True(t, d.put(setUser("u1", "x", 1), errMissing))
	assert.Equal(t, 3, d.len())

	_, ok := d.supersede(remove(resource.KindRoom, "r1", 4))
	assert.False(t, ok)
	superseded, ok := d.supersede(remove(resource.KindRoom, "r1", 6))
	require.True(t, ok)
	assert.Equal(t, "r1", superseded.entry.ResourceID)

	dropped := d.dropKinds([]resource.Kind{resource.KindUser})
	require.Len(t, dropped, 1)
	assert.Equal(t, resource.KindUser, dropped[0].entry.Kind)

	drained := d.drain()
	require.Len(t, drained, 1)
	assert.Equal(t, "r2", drained[0].entry.ResourceID)
	assert.Equal(t, 0, d.len())
}

func TestPriorityKeepsTimestampOrder(t *testing.T) {
	ts := []int64{-1 << 62, -5, -1, 0, 1, 7, 1 << 62}
	for i := 1; i < len(ts); i++ {
		assert.Less(t, priority(ts[i-1]), priority(ts[i]))
	}
}
