package perf

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/conn"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/ValentinKolb/dSync/lib/seal"
	"github.com/ValentinKolb/dSync/lib/synclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// PerfCmd benchmarks the local components of a connection
	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for the local sync engine and keychain",
		Long:    "Runs benchmarks against an offline connection: applying sync logs, decrypting rooms, index queries and keychain access.",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfNumThreads = 10
	perfKeySpread  = 100
	perfBatchSize  = 100
	perfSkip       = make([]string, 0)
)

func init() {
	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. apply,query)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines used for the parallel benchmarks"))
	key = "keys"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How many different resource ids to use for the tests"))
	key = "batch-size"
	PerfCmd.Flags().Int(key, 100, util.WrapString("Number of entries per log of the apply-batch test"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfBatchSize = max(viper.GetInt("batch-size"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dSync")

	cfg := util.GetConfig()
	cfg.Client.Endpoints = nil
	cfg.PollInterval = 0
	if len(cfg.Keychain.Passkey) == 0 {
		cfg.Keychain.Passkey = []byte("perf")
	}
	if len(cfg.Keychain.Salt) == 0 {
		cfg.Keychain.Salt = []byte("perf")
	}

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(cfg.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	c := conn.New(cfg)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = c.Disconnect(ctx) }()
	s, err := c.Session()
	if err != nil {
		return err
	}

	fmt.Println("starting tests...")
	results := make(map[string]testing.BenchmarkResult)
	var ts atomic.Int64

	bench := func(name string, fn func(b *testing.B)) {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(name) {
				return
			}
			fn(b)
		})
		results[name] = result
		printResult(name, result)
	}

	bench("apply", func(b *testing.B) {
		getID := getIDs("user")
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			entry := userEntry(getID(i), ts.Add(1))
			if _, err := c.Apply(ctx, &synclog.Log{Type: synclog.LogIncremental, Log: []synclog.Entry{entry}}); err != nil {
				log.Printf("(apply) - error applying log: %v\n", err)
			}
		}
	})

	bench("apply-batch", func(b *testing.B) {
		getID := getIDs("member")
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			entries := make([]synclog.Entry, perfBatchSize)
			for j := range entries {
				entries[j] = memberEntry(getID(i*perfBatchSize+j), fmt.Sprintf("room-%d", j%10), ts.Add(1))
			}
			if _, err := c.Apply(ctx, &synclog.Log{Type: synclog.LogIncremental, Log: entries}); err != nil {
				log.Printf("(apply-batch) - error applying log: %v\n", err)
			}
		}
	})

	bench("decrypt", func(b *testing.B) {
		getID := getIDs("room")
		entries := make([]synclog.Entry, perfKeySpread)
		for i := range entries {
			id := getID(i)
			key, err := s.Keychain.GetOrCreate(id, resource.TypeRoomKey)
			if err != nil {
				b.Fatal(err)
			}
			sealed, err := seal.SealString(key, []byte("room "+id), resource.RoomAAD(id, "name"))
			if err != nil {
				b.Fatal(err)
			}
			entries[i] = synclog.Entry{
				Kind:       resource.KindRoom,
				Action:     synclog.ActionSet,
				ResourceID: id,
				Resource:   json.RawMessage(fmt.Sprintf(`{"id":%q,"owner_id":"perf","kind":"group","encrypted_name":%q}`, id, sealed)),
			}
		}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			entry := entries[i%perfKeySpread]
			entry.Timestamp = ts.Add(1)
			if _, err := c.Apply(ctx, &synclog.Log{Type: synclog.LogIncremental, Log: []synclog.Entry{entry}}); err != nil {
				log.Printf("(decrypt) - error applying log: %v\n", err)
			}
		}
	})

	bench("query", func(b *testing.B) {
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if _, err := s.DB.Query(resource.KindMember, "room_id", fmt.Sprintf("room-%d", counter%10)); err != nil {
					log.Printf("(query) - error querying: %v\n", err)
				}
				counter++
			}
		})
	})

	bench("keychain-set", func(b *testing.B) {
		getID := getIDs("key")
		value := make([]byte, 32)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if err := s.Keychain.Set(getID(i), resource.TypeRoomAIKey, value); err != nil {
				log.Printf("(keychain-set) - error setting key: %v\n", err)
			}
		}
	})

	bench("keychain-get", func(b *testing.B) {
		getID := getIDs("room")
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if _, _, err := s.Keychain.Get(getID(counter), resource.TypeRoomKey); err != nil {
					log.Printf("(keychain-get) - error getting key: %v\n", err)
				}
				counter++
			}
		})
	})

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", csvPath)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// getIDs returns a function mapping an index to one of perfKeySpread resource ids (with wraparound)
func getIDs(prefix string) func(int) string {
	ids := make([]string, perfKeySpread)
	for i := range ids {
		ids[i] = fmt.Sprintf("__perf-%s-%d", prefix, i)
	}
	return func(i int) string {
		return ids[i%perfKeySpread]
	}
}

func userEntry(id string, ts int64) synclog.Entry {
	return synclog.Entry{
		Kind:       resource.KindUser,
		Action:     synclog.ActionSet,
		ResourceID: id,
		Resource:   json.RawMessage(fmt.Sprintf(`{"id":%q,"username":%q}`, id, id)),
		Timestamp:  ts,
	}
}

func memberEntry(id, room string, ts int64) synclog.Entry {
	return synclog.Entry{
		Kind:       resource.KindMember,
		Action:     synclog.ActionSet,
		ResourceID: id,
		Resource:   json.RawMessage(fmt.Sprintf(`{"id":%q,"room_id":%q,"user_id":"perf","role":"member"}`, id, room)),
		Timestamp:  ts,
	}
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped", "Threads", "Keys", "BatchSize"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfKeySpread),
			strconv.Itoa(perfBatchSize),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}
	return nil
}
