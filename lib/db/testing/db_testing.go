package testing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/resource"
)

// DBFactory is a function that creates a new instance of a ResourceDB implementation
type DBFactory func(registry *resource.Registry) db.ResourceDB

// RunResourceDBTests runs a comprehensive test suite for a ResourceDB implementation.
func RunResourceDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, newDB(t, factory))
		})

		t.Run("Idempotence", func(t *testing.T) {
			testIdempotence(t, newDB(t, factory))
		})

		t.Run("LastWriteWins", func(t *testing.T) {
			testLastWriteWins(t, newDB(t, factory))
		})

		t.Run("Remove", func(t *testing.T) {
			testRemove(t, newDB(t, factory))
		})

		t.Run("Query", func(t *testing.T) {
			testQuery(t, newDB(t, factory))
		})

		t.Run("IndexConsistency", func(t *testing.T) {
			testIndexConsistency(t, newDB(t, factory))
		})

		t.Run("Clear", func(t *testing.T) {
			testClear(t, newDB(t, factory))
		})

		t.Run("BatchNotifications", func(t *testing.T) {
			testBatchNotifications(t, newDB(t, factory))
		})

		t.Run("Transient", func(t *testing.T) {
			testTransient(t, newDB(t, factory))
		})

		t.Run("Errors", func(t *testing.T) {
			testErrors(t, newDB(t, factory))
		})

		t.Run("ConcurrentReaders", func(t *testing.T) {
			testConcurrentReaders(t, newDB(t, factory))
		})

		t.Run("ConcurrentWriters", func(t *testing.T) {
			testConcurrentWriters(t, newDB(t, factory))
		})

		t.Run("Close", func(t *testing.T) {
			testClose(t, newDB(t, factory))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func newDB(t testing.TB, factory DBFactory) db.ResourceDB {
	registry, err := resource.DefaultRegistry(nil)
	if err != nil {
		t.Fatalf("creating registry: %v", err)
	}
	database := factory(registry)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.ResourceDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

func member(id, room, user string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"room_id":%q,"user_id":%q,"role":"member"}`, id, room, user))
}

func user(id, name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"username":%q}`, id, name))
}

func mustSet(t testing.TB, database db.ResourceDB, kind resource.Kind, raw json.RawMessage, ts int64) {
	t.Helper()
	if _, _, err := database.ApplySet(context.Background(), kind, raw, ts); err != nil {
		t.Fatalf("ApplySet(%s, %s) failed: %v", kind, raw, err)
	}
}

func ids(resources []resource.Resource) string {
	out := make([]string, len(resources))
	for i, r := range resources {
		out[i] = r.ResourceID()
	}
	return strings.Join(out, ",")
}

// checkIndexes verifies through the public interface that every index of every kind
// matches the primary rows: each row is found under its own key and no key returns foreign rows.
func checkIndexes(t testing.TB, database db.ResourceDB) {
	t.Helper()
	registry := database.Registry()
	for _, kind := range registry.Kinds() {
		def, _ := registry.Lookup(kind)
		if def.Transient() {
			continue
		}
		rows := database.All(kind)
		if len(rows) != database.Count(kind) {
			t.Fatalf("%s: All returned %d rows, Count %d", kind, len(rows), database.Count(kind))
		}
		for name, fields := range def.Indexes() {
			byKey := make(map[string]int)
			for _, row := range rows {
				key, ok := def.IndexKey(row, fields)
				if !ok {
					continue
				}
				byKey[key]++
				found, err := database.Query(kind, name, strings.Split(key, resource.CompositeSeparator)...)
				if err != nil {
					t.Fatalf("%s: query %s failed: %v", kind, name, err)
				}
				if !strings.Contains(","+ids(found)+",", ","+row.ResourceID()+",") {
					t.Fatalf("%s: row %s not found under its key in index %s", kind, row.ResourceID(), name)
				}
			}
			for key, n := range byKey {
				found, _ := database.Query(kind, name, strings.Split(key, resource.CompositeSeparator)...)
				if len(found) != n {
					t.Fatalf("%s: index %s returns %d rows for %q, expected %d", kind, name, len(found), key, n)
				}
			}
		}
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.ResourceDB) {
	res, applied, err := database.ApplySet(context.Background(), resource.KindUser, user("u1", "alice"), 1)
	if err != nil || !applied {
		t.Fatalf("Expected set to be applied, got applied=%v err=%v", applied, err)
	}
	if res.ResourceID() != "u1" {
		t.Errorf("Expected resource u1, got %s", res.ResourceID())
	}

	got, ok := database.Get(resource.KindUser, "u1")
	if !ok {
		t.Fatalf("Expected u1 to exist after set")
	}
	if got.(resource.User).Username != "alice" {
		t.Errorf("Expected username alice, got %s", got.(resource.User).Username)
	}

	mustSet(t, database, resource.KindUser, user("u1", "alicia"), 2)
	got, _ = database.Get(resource.KindUser, "u1")
	if got.(resource.User).Username != "alicia" {
		t.Errorf("Expected the row to be replaced, got %s", got.(resource.User).Username)
	}

	if _, ok := database.Get(resource.KindUser, "nonexistent"); ok {
		t.Errorf("Expected nonexistent id to return ok=false")
	}
	if database.Count(resource.KindUser) != 1 {
		t.Errorf("Expected 1 user, got %d", database.Count(resource.KindUser))
	}
}

func testIdempotence(t *testing.T, database db.ResourceDB) {
	for i := 0; i < 3; i++ {
		mustSet(t, database, resource.KindMember, member("m1", "r1", "u1"), 10)
		if _, err := database.ApplyRemove(resource.KindMember, "m2", 11); err != nil {
			t.Fatalf("remove failed: %v", err)
		}
	}
	if n := database.Count(resource.KindMember); n != 1 {
		t.Errorf("Expected 1 member after re-applying the same entries, got %d", n)
	}
	found, _ := database.Query(resource.KindMember, "room_id", "r1")
	if len(found) != 1 {
		t.Errorf("Expected exactly one index entry, got %d", len(found))
	}
	checkIndexes(t, database)
}

func testLastWriteWins(t *testing.T, database db.ResourceDB) {
	requireFeature(t, database, db.FeatureTombstones)
	ctx := context.Background()

	mustSet(t, database, resource.KindUser, user("u1", "new"), 20)

	res, applied, err := database.ApplySet(ctx, resource.KindUser, user("u1", "old"), 10)
	if err != nil {
		t.Fatalf("stale set returned error: %v", err)
	}
	if applied {
		t.Errorf("Expected stale set to be ignored")
	}
	if res == nil || res.(resource.User).Username != "new" {
		t.Errorf("Expected stale set to return the current row, got %v", res)
	}

	if applied, _ := database.ApplyRemove(resource.KindUser, "u1", 15); applied {
		t.Errorf("Expected stale remove to be ignored")
	}
	if _, ok := database.Get(resource.KindUser, "u1"); !ok {
		t.Fatalf("Expected u1 to survive a stale remove")
	}

	// equal timestamps are applied
	mustSet(t, database, resource.KindUser, user("u1", "same-ts"), 20)
	got, _ := database.Get(resource.KindUser, "u1")
	if got.(resource.User).Username != "same-ts" {
		t.Errorf("Expected write with equal timestamp to be applied")
	}

	// the tombstone blocks older sets, newer sets revive the row
	if applied, _ := database.ApplyRemove(resource.KindUser, "u1", 30); !applied {
		t.Fatalf("Expected remove to be applied")
	}
	if _, applied, _ := database.ApplySet(ctx, resource.KindUser, user("u1", "zombie"), 25); applied {
		t.Errorf("Expected set older than the tombstone to be ignored")
	}
	if _, ok := database.Get(resource.KindUser, "u1"); ok {
		t.Errorf("Expected u1 to stay removed")
	}
	mustSet(t, database, resource.KindUser, user("u1", "revived"), 31)
	if _, ok := database.Get(resource.KindUser, "u1"); !ok {
		t.Errorf("Expected newer set to revive u1")
	}
}

func testRemove(t *testing.T, database db.ResourceDB) {
	mustSet(t, database, resource.KindMember, member("m1", "r1", "u1"), 1)
	mustSet(t, database, resource.KindMember, member("m2", "r1", "u2"), 1)

	if _, err := database.ApplyRemove(resource.KindMember, "m1", 2); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok := database.Get(resource.KindMember, "m1"); ok {
		t.Errorf("Expected m1 to be removed")
	}
	found, _ := database.Query(resource.KindMember, "user_id", "u1")
	if len(found) != 0 {
		t.Errorf("Expected removed row to be gone from the index, got %s", ids(found))
	}
	found, _ = database.Query(resource.KindMember, resource.CompositeName("room_id", "user_id"), "r1", "u1")
	if len(found) != 0 {
		t.Errorf("Expected removed row to be gone from the composite index, got %s", ids(found))
	}

	// absent id is a no-op
	applied, err := database.ApplyRemove(resource.KindMember, "nonexistent", 3)
	if err != nil || !applied {
		t.Errorf("Expected remove of absent id to succeed, got applied=%v err=%v", applied, err)
	}
	if database.Count(resource.KindMember) != 1 {
		t.Errorf("Expected 1 remaining member, got %d", database.Count(resource.KindMember))
	}
	checkIndexes(t, database)
}

func testQuery(t *testing.T, database db.ResourceDB) {
	requireFeature(t, database, db.FeatureIndexes|db.FeatureComposite)

	mustSet(t, database, resource.KindMember, member("m3", "r1", "u3"), 1)
	mustSet(t, database, resource.KindMember, member("m1", "r1", "u1"), 1)
	mustSet(t, database, resource.KindMember, member("m2", "r2", "u1"), 1)
	mustSet(t, database, resource.KindMember, member("m4", "r1", "u4"), 1)

	found, err := database.Query(resource.KindMember, "room_id", "r1")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if got := ids(found); got != "m3,m1,m4" {
		t.Errorf("Expected rows in insertion order m3,m1,m4, got %s", got)
	}

	// replacing a row keeps its position
	mustSet(t, database, resource.KindMember, member("m3", "r1", "u3"), 2)
	found, _ = database.Query(resource.KindMember, "room_id", "r1")
	if got := ids(found); got != "m3,m1,m4" {
		t.Errorf("Expected replaced row to keep its position, got %s", got)
	}

	found, _ = database.Query(resource.KindMember, resource.CompositeName("room_id", "user_id"), "r2", "u1")
	if got := ids(found); got != "m2" {
		t.Errorf("Expected composite query to return m2, got %s", got)
	}

	found, err = database.Query(resource.KindMember, "room_id", "no-such-room")
	if err != nil || len(found) != 0 {
		t.Errorf("Expected no match to be an empty result, got %v, %v", found, err)
	}

	if _, err := database.Query(resource.KindMember, "role", "member"); !errors.Is(err, db.ErrUnknownIndex) {
		t.Errorf("Expected ErrUnknownIndex for undeclared index, got %v", err)
	}
	if _, err := database.Query(resource.KindMember, resource.CompositeName("room_id", "user_id"), "r1"); err == nil {
		t.Errorf("Expected error for missing composite value")
	}

	if got := ids(database.All(resource.KindMember)); got != "m3,m1,m2,m4" {
		t.Errorf("Expected All in insertion order, got %s", got)
	}
}

func testIndexConsistency(t *testing.T, database db.ResourceDB) {
	rng := rand.New(rand.NewSource(42))
	var ts int64
	for i := 0; i < 500; i++ {
		ts++
		id := fmt.Sprintf("m%d", rng.Intn(20))
		switch rng.Intn(3) {
		case 0, 1:
			room := fmt.Sprintf("r%d", rng.Intn(4))
			usr := fmt.Sprintf("u%d", rng.Intn(6))
			// some writes arrive late and must be ignored
			writeTs := ts
			if rng.Intn(5) == 0 {
				writeTs = ts - int64(rng.Intn(10))
			}
			mustSet(t, database, resource.KindMember, member(id, room, usr), writeTs)
		case 2:
			if _, err := database.ApplyRemove(resource.KindMember, id, ts); err != nil {
				t.Fatalf("remove failed: %v", err)
			}
		}
		if i%50 == 0 {
			checkIndexes(t, database)
		}
	}
	checkIndexes(t, database)
}

func testClear(t *testing.T, database db.ResourceDB) {
	for i := 0; i < 5; i++ {
		mustSet(t, database, resource.KindMember, member(fmt.Sprintf("m%d", i), "r1", "u1"), 1)
	}
	mustSet(t, database, resource.KindUser, user("u1", "alice"), 1)
	if _, err := database.ApplyRemove(resource.KindMember, "m0", 100); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	database.Clear(resource.KindMember)
	if database.Count(resource.KindMember) != 0 {
		t.Errorf("Expected no members after clear")
	}
	if database.Count(resource.KindUser) != 1 {
		t.Errorf("Expected clear to only affect one kind")
	}
	found, _ := database.Query(resource.KindMember, "room_id", "r1")
	if len(found) != 0 {
		t.Errorf("Expected indexes to be cleared")
	}

	// tombstones are cleared as well
	if _, applied, _ := database.ApplySet(context.Background(), resource.KindMember, member("m0", "r1", "u1"), 5); !applied {
		t.Errorf("Expected set after clear not to be blocked by an old tombstone")
	}

	database.ClearAll()
	if database.Count(resource.KindUser) != 0 || database.Count(resource.KindMember) != 0 {
		t.Errorf("Expected all kinds to be empty after ClearAll")
	}
}

func testBatchNotifications(t *testing.T, database db.ResourceDB) {
	requireFeature(t, database, db.FeatureBatch)

	var changes []db.Change
	cancel := database.Subscribe(resource.KindMember, func(c db.Change) {
		changes = append(changes, c)
	})
	defer cancel()

	// without a batch every write notifies
	mustSet(t, database, resource.KindMember, member("m1", "r1", "u1"), 1)
	if len(changes) != 1 || !changes[0].Has("m1") {
		t.Fatalf("Expected one notification for m1, got %v", changes)
	}

	changes = nil
	err := database.Batch(func() error {
		mustSet(t, database, resource.KindMember, member("m2", "r1", "u2"), 2)
		return database.Batch(func() error {
			mustSet(t, database, resource.KindMember, member("m3", "r1", "u3"), 2)
			_, err := database.ApplyRemove(resource.KindMember, "m1", 2)
			if len(changes) != 0 {
				t.Errorf("Expected no notification while the batch is open")
			}
			return err
		})
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("Expected exactly one notification per batch, got %d", len(changes))
	}
	if got := strings.Join(changes[0].Sorted(), ","); got != "m1,m2,m3" {
		t.Errorf("Expected changed ids m1,m2,m3, got %s", got)
	}

	// errors of fn are returned, collected changes are still delivered
	changes = nil
	sentinel := errors.New("boom")
	err = database.Batch(func() error {
		mustSet(t, database, resource.KindMember, member("m4", "r1", "u4"), 3)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected batch to return the error of fn, got %v", err)
	}
	if len(changes) != 1 {
		t.Errorf("Expected changes of a failed batch to be delivered")
	}

	// ignored writes do not notify
	changes = nil
	_, _, _ = database.ApplySet(context.Background(), resource.KindMember, member("m4", "r9", "u9"), 0)
	if len(changes) != 0 {
		t.Errorf("Expected stale write not to notify")
	}

	cancel()
	mustSet(t, database, resource.KindMember, member("m5", "r1", "u5"), 4)
	if len(changes) != 0 {
		t.Errorf("Expected no notification after cancel")
	}
}

func testTransient(t *testing.T, database db.ResourceDB) {
	requireFeature(t, database, db.FeatureTransient)
	ctx := context.Background()

	var events []db.TransientEvent
	cancel := database.OnTransient(resource.KindKeychain, func(e db.TransientEvent) error {
		events = append(events, e)
		return nil
	})
	defer cancel()

	raw := json.RawMessage(`{"key":"r1","type":"room_key","value":"c2VjcmV0","encrypted":false}`)
	res, _, err := database.ApplySet(ctx, resource.KindKeychain, raw, 1)
	if err != nil {
		t.Fatalf("transient set failed: %v", err)
	}
	if res.ResourceID() != resource.KeychainEntryID("r1", resource.TypeRoomKey) {
		t.Errorf("Expected keychain entry id to be derived, got %s", res.ResourceID())
	}
	if _, err := database.ApplyRemove(resource.KindKeychain, res.ResourceID(), 2); err != nil {
		t.Fatalf("transient remove failed: %v", err)
	}

	if len(events) != 2 || events[0].Removed() || !events[1].Removed() {
		t.Fatalf("Expected a set and a remove event, got %v", events)
	}
	if database.Count(resource.KindKeychain) != 0 {
		t.Errorf("Expected transient kind never to be stored")
	}
	if _, ok := database.Get(resource.KindKeychain, res.ResourceID()); ok {
		t.Errorf("Expected transient kind never to be stored")
	}
	if _, err := database.Query(resource.KindKeychain, "key", "r1"); !errors.Is(err, db.ErrTransientKind) {
		t.Errorf("Expected ErrTransientKind, got %v", err)
	}

	// listener errors are returned to the writer
	sentinel := errors.New("listener failed")
	cancelFailing := database.OnTransient(resource.KindKeychain, func(db.TransientEvent) error { return sentinel })
	defer cancelFailing()
	if _, _, err := database.ApplySet(ctx, resource.KindKeychain, raw, 3); !errors.Is(err, sentinel) {
		t.Errorf("Expected listener error, got %v", err)
	}
}

func testErrors(t *testing.T, database db.ResourceDB) {
	ctx := context.Background()

	if _, _, err := database.ApplySet(ctx, resource.Kind("message"), user("x", "y"), 1); !errors.Is(err, db.ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
	if _, err := database.ApplyRemove(resource.Kind("message"), "x", 1); !errors.Is(err, db.ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}

	if _, _, err := database.ApplySet(ctx, resource.KindUser, json.RawMessage(`{"username":"no id"}`), 1); err == nil {
		t.Errorf("Expected error for resource without id")
	}
	if _, _, err := database.ApplySet(ctx, resource.KindUser, json.RawMessage(`not json`), 1); err == nil {
		t.Errorf("Expected error for invalid payload")
	}

	// transform errors keep their chain, a room with an encrypted name needs a key
	raw := json.RawMessage(`{"id":"r1","owner_id":"u1","kind":"group","encrypted_name":"AAAA"}`)
	_, _, err := database.ApplySet(ctx, resource.KindRoom, raw, 1)
	if !errors.Is(err, resource.ErrKeyUnavailable) {
		t.Errorf("Expected ErrKeyUnavailable from the room transform, got %v", err)
	}
	if database.Count(resource.KindRoom) != 0 {
		t.Errorf("Expected failed transform not to store anything")
	}
}

func testConcurrentReaders(t *testing.T, database db.ResourceDB) {
	const writes = 1000
	var wg sync.WaitGroup
	done := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for _, res := range database.All(resource.KindMember) {
					if _, ok := res.(resource.Member); !ok {
						t.Errorf("unexpected row type %T", res)
						return
					}
				}
				_, _ = database.Query(resource.KindMember, "room_id", "r1")
				_ = database.GetInfo()
			}
		}()
	}

	for i := 0; i < writes; i++ {
		id := fmt.Sprintf("m%d", i%50)
		room := fmt.Sprintf("r%d", i%3)
		mustSet(t, database, resource.KindMember, member(id, room, "u1"), int64(i))
	}
	close(done)
	wg.Wait()
	checkIndexes(t, database)
}

func testConcurrentWriters(t *testing.T, database db.ResourceDB) {
	const (
		writers = 8
		ops     = 500
	)
	ctx := context.Background()
	var wg sync.WaitGroup

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < ops; i++ {
				// ids overlap between writers, timestamps never repeat
				id := fmt.Sprintf("m%d", rnd.Intn(40))
				ts := int64(i*writers + w + 1)
				if rnd.Intn(4) == 0 {
					if _, err := database.ApplyRemove(resource.KindMember, id, ts); err != nil {
						t.Errorf("remove %s: %v", id, err)
						return
					}
					continue
				}
				raw := member(id, fmt.Sprintf("r%d", rnd.Intn(5)), fmt.Sprintf("u%d", rnd.Intn(10)))
				if _, _, err := database.ApplySet(ctx, resource.KindMember, raw, ts); err != nil {
					t.Errorf("set %s: %v", id, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if got, want := database.Count(resource.KindMember), len(database.All(resource.KindMember)); got != want {
		t.Errorf("Count reports %d rows, All returned %d", got, want)
	}
	checkIndexes(t, database)
}

func testClose(t *testing.T, database db.ResourceDB) {
	mustSet(t, database, resource.KindUser, user("u1", "alice"), 1)
	info := database.GetInfo()
	if info.Kinds[resource.KindUser].Rows != 1 {
		t.Errorf("Expected info to report 1 user row, got %+v", info.Kinds[resource.KindUser])
	}

	if err := database.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if database.Count(resource.KindUser) != 0 {
		t.Errorf("Expected close to clear the database")
	}
	if _, _, err := database.ApplySet(context.Background(), resource.KindUser, user("u2", "bob"), 2); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}
}
