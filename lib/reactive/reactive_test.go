package reactive

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memtable"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) db.ResourceDB {
	t.Helper()
	registry, err := resource.DefaultRegistry(nil)
	require.NoError(t, err)
	database := memtable.NewMemtableDB(registry, nil)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func setMember(t *testing.T, database db.ResourceDB, id, room, user string, ts int64) {
	t.Helper()
	raw := json.RawMessage(fmt.Sprintf(`{"id":%q,"room_id":%q,"user_id":%q,"role":"member"}`, id, room, user))
	_, _, err := database.ApplySet(context.Background(), resource.KindMember, raw, ts)
	require.NoError(t, err)
}

func removeMember(t *testing.T, database db.ResourceDB, id string, ts int64) {
	t.Helper()
	_, err := database.ApplyRemove(resource.KindMember, id, ts)
	require.NoError(t, err)
}

func memberIDs(members []resource.Member) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}

func TestNewStore(t *testing.T) {
	database := newDB(t)

	_, err := NewStore[resource.Member](database, "message")
	assert.ErrorIs(t, err, db.ErrUnknownKind)

	_, err = NewStore[resource.KeychainEntry](database, resource.KindKeychain)
	assert.ErrorIs(t, err, db.ErrTransientKind)

	store, err := NewStore[resource.Member](database, resource.KindMember)
	require.NoError(t, err)
	assert.Equal(t, resource.KindMember, store.Kind())
	store.Close()
	store.Close()
}

func TestOne(t *testing.T) {
	database := newDB(t)
	store, err := NewStore[resource.Member](database, resource.KindMember)
	require.NoError(t, err)
	defer store.Close()

	view := store.One("m1")
	_, ok := view.Get()
	assert.False(t, ok)

	type call struct {
		room string
		ok   bool
	}
	var calls []call
	cancel := view.Subscribe(func(m resource.Member, ok bool) { calls = append(calls, call{m.RoomID, ok}) })

	setMember(t, database, "m1", "r1", "u1", 1)
	setMember(t, database, "m2", "r1", "u2", 1) // other id, no call
	setMember(t, database, "m1", "r2", "u1", 2)
	removeMember(t, database, "m1", 3)

	assert.Equal(t, []call{{"r1", true}, {"r2", true}, {"", false}}, calls)

	cancel()
	setMember(t, database, "m1", "r3", "u1", 4)
	assert.Len(t, calls, 3, "no calls after cancel")

	m, ok := view.Get()
	require.True(t, ok)
	assert.Equal(t, "r3", m.RoomID)
}

func TestManyByIndex(t *testing.T) {
	database := newDB(t)
	store, err := NewStore[resource.Member](database, resource.KindMember)
	require.NoError(t, err)
	defer store.Close()

	view, err := store.Many(Query[resource.Member]{Index: "room_id", Values: []string{"r1"}})
	require.NoError(t, err)

	var results [][]string
	cancel := view.Subscribe(func(m []resource.Member) { results = append(results, memberIDs(m)) })
	defer cancel()

	setMember(t, database, "m1", "r1", "u1", 1)
	setMember(t, database, "m2", "r2", "u2", 1) // not a member of the result, no call
	setMember(t, database, "m3", "r1", "u3", 1)
	setMember(t, database, "m1", "r2", "u1", 2) // moves out of the result
	removeMember(t, database, "m2", 2)          // never was a member, no call

	assert.Equal(t, [][]string{{"m1"}, {"m1", "m3"}, {"m3"}}, results)

	rows, err := view.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"m3"}, memberIDs(rows))
}

func TestManyCompositeAndFilter(t *testing.T) {
	database := newDB(t)
	store, err := NewStore[resource.Member](database, resource.KindMember)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Many(Query[resource.Member]{Index: "missing"})
	assert.ErrorIs(t, err, db.ErrUnknownIndex)
	_, err = store.Many(Query[resource.Member]{Index: resource.CompositeName("room_id", "user_id"), Values: []string{"r1"}})
	assert.Error(t, err)

	setMember(t, database, "m1", "r1", "u1", 1)
	setMember(t, database, "m2", "r1", "u2", 1)

	pair, err := store.Many(Query[resource.Member]{Index: resource.CompositeName("room_id", "user_id"), Values: []string{"r1", "u2"}})
	require.NoError(t, err)
	rows, err := pair.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, memberIDs(rows))

	filtered, err := store.Many(Query[resource.Member]{Filter: func(m resource.Member) bool { return m.UserID != "u1" }})
	require.NoError(t, err)
	rows, err = filtered.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, memberIDs(rows))
}

func TestBatchCoalescesNotifications(t *testing.T) {
	database := newDB(t)
	store, err := NewStore[resource.Member](database, resource.KindMember)
	require.NoError(t, err)
	defer store.Close()

	all, err := store.Many(Query[resource.Member]{})
	require.NoError(t, err)
	one := store.One("m3")

	manyCalls, oneCalls := 0, 0
	var last []resource.Member
	defer all.Subscribe(func(m []resource.Member) { manyCalls++; last = m })()
	defer one.Subscribe(func(resource.Member, bool) { oneCalls++ })()

	require.NoError(t, database.Batch(func() error {
		for i := 0; i < 10; i++ {
			setMember(t, database, fmt.Sprintf("m%d", i), "r1", "u1", 1)
		}
		removeMember(t, database, "m0", 2)
		return nil
	}))

	assert.Equal(t, 1, manyCalls)
	assert.Equal(t, 1, oneCalls)
	assert.Len(t, last, 9)
}

func TestViewsRegisterOnlyWhileSubscribed(t *testing.T) {
	database := newDB(t)
	store, err := NewStore[resource.Member](database, resource.KindMember)
	require.NoError(t, err)
	defer store.Close()

	one := store.One("m1")
	many, err := store.Many(Query[resource.Member]{})
	require.NoError(t, err)
	assert.Equal(t, 0, store.Active())

	c1 := one.Subscribe(func(resource.Member, bool) {})
	c2 := one.Subscribe(func(resource.Member, bool) {})
	c3 := many.Subscribe(func([]resource.Member) {})
	assert.Equal(t, 2, store.Active())
	assert.Equal(t, 2, one.Subscribers())

	c1()
	c1()
	assert.Equal(t, 2, store.Active())
	c2()
	c3()
	assert.Equal(t, 0, store.Active())
	assert.Equal(t, 0, many.Subscribers())

	// a released view can be subscribed again
	calls := 0
	defer one.Subscribe(func(resource.Member, bool) { calls++ })()
	setMember(t, database, "m1", "r1", "u1", 1)
	assert.Equal(t, 1, calls)
}

func TestClosedStoreStopsNotifying(t *testing.T) {
	database := newDB(t)
	store, err := NewStore[resource.Member](database, resource.KindMember)
	require.NoError(t, err)

	calls := 0
	store.One("m1").Subscribe(func(resource.Member, bool) { calls++ })
	store.Close()

	setMember(t, database, "m1", "r1", "u1", 1)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, store.Active())
}
