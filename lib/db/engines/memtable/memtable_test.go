package memtable

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/ValentinKolb/dSync/lib/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, tel *telemetry.Telemetry) db.ResourceDB {
	t.Helper()
	registry, err := resource.DefaultRegistry(nil)
	require.NoError(t, err)
	database := NewMemtableDB(registry, &DBOptions{Telemetry: tel})
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func setMember(t *testing.T, database db.ResourceDB, id, room, user string, ts int64) bool {
	t.Helper()
	raw := json.RawMessage(fmt.Sprintf(`{"id":%q,"room_id":%q,"user_id":%q}`, id, room, user))
	_, applied, err := database.ApplySet(context.Background(), resource.KindMember, raw, ts)
	require.NoError(t, err)
	return applied
}

func TestIndexesStayConsistent(t *testing.T) {
	database := newTestDB(t, nil)

	setMember(t, database, "m1", "r1", "u1", 1)
	setMember(t, database, "m2", "r1", "u2", 1)
	require.NoError(t, CheckConsistency(database))

	// moving m1 to another room must remove the old index entries first
	setMember(t, database, "m1", "r2", "u1", 2)
	require.NoError(t, CheckConsistency(database))

	found, err := database.Query(resource.KindMember, "room_id", "r1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "m2", found[0].ResourceID())

	_, err = database.ApplyRemove(resource.KindMember, "m2", 3)
	require.NoError(t, err)
	require.NoError(t, CheckConsistency(database))

	info := database.GetInfo()
	memberInfo := info.Kinds[resource.KindMember]
	assert.Equal(t, 1, memberInfo.Rows)
	assert.Equal(t, 1, memberInfo.Tombstones)
	assert.Equal(t, 1, memberInfo.IndexEntries["room_id"])
	assert.Equal(t, 1, memberInfo.IndexEntries[resource.CompositeName("room_id", "user_id")])
	assert.Positive(t, info.SizeBytes)
	assert.Equal(t, db.ImplMemtable, info.DbType)
}

func TestCompositeQueryWithSeparatorInValues(t *testing.T) {
	database := newTestDB(t, nil)
	index := resource.CompositeName("room_id", "user_id")

	setMember(t, database, "m1", "a\x1fb", "c", 1)
	setMember(t, database, "m2", "a", "b\x1fc", 1)
	require.NoError(t, CheckConsistency(database))

	found, err := database.Query(resource.KindMember, index, "a\x1fb", "c")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "m1", found[0].ResourceID())

	found, err = database.Query(resource.KindMember, index, "a", "b\x1fc")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "m2", found[0].ResourceID())
}

func TestFeatures(t *testing.T) {
	database := newTestDB(t, nil)
	assert.True(t, database.SupportsFeature(db.FeatureIndexes|db.FeatureBatch))
	assert.False(t, database.SupportsFeature(db.Feature(1<<20)))
	assert.Len(t, database.GetInfo().SupportedFeatures, 5)
	assert.Equal(t, "Tombstones", db.FeatureTombstones.String())
}

func TestWriteCounters(t *testing.T) {
	tel := telemetry.New()
	database := newTestDB(t, tel)

	assert.True(t, setMember(t, database, "m1", "r1", "u1", 5))
	assert.False(t, setMember(t, database, "m1", "r1", "u1", 4))
	_, err := database.ApplyRemove(resource.KindMember, "m1", 6)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), tel.CounterValue(`dsync_db_sets_total{kind="member"}`))
	assert.Equal(t, uint64(1), tel.CounterValue(`dsync_db_writes_ignored_total{kind="member"}`))
	assert.Equal(t, uint64(1), tel.CounterValue(`dsync_db_removes_total{kind="member"}`))
}

func TestErrorCodes(t *testing.T) {
	database := newTestDB(t, nil)

	_, err := database.Query(resource.KindMember, "nope")
	var dbErr *db.Error
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, db.RetCUnknownIndex, dbErr.Code)
	assert.Contains(t, err.Error(), "UnknownIndex")

	_, err = database.Query(resource.KindMember, "room_id", "a", "b")
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, db.RetCInvalidOperation, dbErr.Code)

	_, err = database.ApplyRemove(resource.KindMember, "", 1)
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, db.RetCInvalidOperation, dbErr.Code)
}

func TestClearNotifiesRemovedIDs(t *testing.T) {
	database := newTestDB(t, nil)
	setMember(t, database, "m1", "r1", "u1", 1)
	setMember(t, database, "m2", "r1", "u2", 1)

	var changes []db.Change
	cancel := database.Subscribe(resource.KindMember, func(c db.Change) { changes = append(changes, c) })
	defer cancel()

	database.ClearAll()
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"m1", "m2"}, changes[0].Sorted())

	// clearing an empty table does not notify
	database.Clear(resource.KindMember)
	assert.Len(t, changes, 1)
}
