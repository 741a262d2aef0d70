package main

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	flag "github.com/spf13/pflag"

	"github.com/ancdb/ancdb/internal/client"
	"github.com/ancdb/ancdb/internal/protocol"
)

const benchTable = 1

func main() {
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "Test duration")
	addr := flag.String("addr", "127.0.0.1:7654", "ancdb --listen address")
	keys := flag.Int64("keys", 10000, "Key space size")
	writeRatio := flag.Float32("write-ratio", 0.5, "Fraction of operations that are puts")
	flag.Parse()

	fmt.Printf("Starting Benchmark: %d workers, %v duration, target %s\n", *concurrency, *duration, *addr)

	setup, err := client.Dial(*addr, 5*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_, err = setup.Exec(&protocol.CreateTable{ID: setup.NextID(), TableID: benchTable, TableName: "bench"})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		fmt.Fprintln(os.Stderr, "create table:", err)
		os.Exit(1)
	}
	setup.Close()

	var ops, conflicts, failures int64
	start := time.Now()
	deadline := start.Add(*duration)

	var wg conc.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Go(func() {
			c, err := client.Dial(*addr, 5*time.Second)
			if err != nil {
				atomic.AddInt64(&failures, 1)
				return
			}
			defer c.Close()
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))

			for time.Now().Before(deadline) {
				key := rng.Int63n(*keys)
				var cmd protocol.Command
				if rng.Float32() < *writeRatio {
					cmd = &protocol.Put{ID: c.NextID(), TableID: benchTable, Key: key, Value: []byte(fmt.Sprintf("val%d", rng.Intn(1000)))}
				} else {
					cmd = &protocol.DirectRead{ID: c.NextID(), TableID: benchTable, Key: key}
				}

				_, err := c.Exec(cmd)
				switch {
				case err == nil:
					atomic.AddInt64(&ops, 1)
				case err.Error() == "Transaction conflict":
					atomic.AddInt64(&conflicts, 1)
				default:
					if atomic.AddInt64(&failures, 1) <= 5 {
						fmt.Printf("Error: %v\n", err)
					}
					if _, ok := err.(*client.ServerError); !ok {
						return
					}
				}
			}
		})
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("Benchmark Finished.")
	fmt.Printf("Total Ops: %d\n", ops)
	fmt.Printf("Conflicts: %d\n", conflicts)
	fmt.Printf("Errors: %d\n", failures)
	fmt.Printf("Duration: %v\n", elapsed)
	fmt.Printf("RPS: %.2f\n", float64(ops)/elapsed.Seconds())
}
