package testing

import (
	"context"
	"fmt"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/resource"
)

// RunResourceDBBenchmarks runs all benchmarks for a resource database implementation
func RunResourceDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("ApplySet", func(b *testing.B) {
			benchmarkApplySet(b, newDB(b, factory))
		})

		b.Run("ApplySetExisting", func(b *testing.B) {
			benchmarkApplySetExisting(b, newDB(b, factory))
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, newDB(b, factory))
		})

		b.Run("Query", func(b *testing.B) {
			benchmarkQuery(b, newDB(b, factory))
		})

		b.Run("BatchedSet", func(b *testing.B) {
			benchmarkBatchedSet(b, newDB(b, factory))
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for ApplySet with new ids
func benchmarkApplySet(b *testing.B, database db.ResourceDB) {
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		raw := member(fmt.Sprintf("m%d", i), fmt.Sprintf("r%d", i%100), "u1")
		_, _, _ = database.ApplySet(ctx, resource.KindMember, raw, int64(i))
	}
}

// Benchmark for ApplySet replacing existing rows (reindexing)
func benchmarkApplySetExisting(b *testing.B, database db.ResourceDB) {
	const numIDs = 1000
	for i := 0; i < numIDs; i++ {
		mustSet(b, database, resource.KindMember, member(fmt.Sprintf("m%d", i), "r0", "u1"), 0)
	}

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		raw := member(fmt.Sprintf("m%d", i%numIDs), fmt.Sprintf("r%d", i%10), "u1")
		_, _, _ = database.ApplySet(ctx, resource.KindMember, raw, int64(i+1))
	}
}

// Benchmark for Get with concurrent readers
func benchmarkGet(b *testing.B, database db.ResourceDB) {
	const numIDs = 1000
	for i := 0; i < numIDs; i++ {
		mustSet(b, database, resource.KindMember, member(fmt.Sprintf("m%d", i), "r0", "u1"), 0)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Get(resource.KindMember, fmt.Sprintf("m%d", counter%numIDs))
			counter++
		}
	})
}

// Benchmark for index queries with concurrent readers
func benchmarkQuery(b *testing.B, database db.ResourceDB) {
	const numIDs = 1000
	for i := 0; i < numIDs; i++ {
		mustSet(b, database, resource.KindMember, member(fmt.Sprintf("m%d", i), fmt.Sprintf("r%d", i%50), "u1"), 0)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_, _ = database.Query(resource.KindMember, "room_id", fmt.Sprintf("r%d", counter%50))
			counter++
		}
	})
}

// Benchmark for sets inside a batch of 100 with one subscriber
func benchmarkBatchedSet(b *testing.B, database db.ResourceDB) {
	requireFeature(b, database, db.FeatureBatch)

	notifications := 0
	cancel := database.Subscribe(resource.KindMember, func(db.Change) { notifications++ })
	defer cancel()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i += 100 {
		_ = database.Batch(func() error {
			for j := i; j < i+100 && j < b.N; j++ {
				raw := member(fmt.Sprintf("m%d", j), "r0", "u1")
				_, _, _ = database.ApplySet(ctx, resource.KindMember, raw, int64(j))
			}
			return nil
		})
	}
	b.ReportMetric(float64(notifications), "notifications")
}
