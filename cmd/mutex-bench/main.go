package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/presets"
)

var (
	concurrency = flag.Int("c", 16, "Number of concurrent clients")
	requests    = flag.Int("n", 10000, "Total number of critical sections")
	mode        = flag.String("mode", "memory", "memory, redis or quorum")
	redisAddrs  = flag.String("redis", "localhost:6379", "Comma-separated Redis servers")
)

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d critical sections, %d concurrency, mode %s", *requests, *concurrency, *mode)

	t := presets.Timeouts{Acquire: time.Minute, Expire: 10 * time.Second}
	var m mutex.Mutex
	switch *mode {
	case "memory":
		m = presets.NewInMemory("bench", nil, t)
	case "redis":
		m = presets.NewRedisMutex("bench", presets.RedisOptions{Addr: strings.Split(*redisAddrs, ",")[0]}, t)
	case "quorum":
		var servers []presets.RedisOptions
		for _, addr := range strings.Split(*redisAddrs, ",") {
			servers = append(servers, presets.RedisOptions{Addr: addr})
		}
		m = presets.NewRedisQuorum("bench", servers, t, presets.QuorumOptions{Concurrent: true})
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	var ops, errorsCount, overlaps int64
	var inside int32

	start := time.Now()
	reqsPerWorker := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < reqsPerWorker; j++ {
				_, err := m.Synchronized(ctx, func(ctx context.Context) (any, error) {
					if atomic.AddInt32(&inside, 1) > 1 {
						atomic.AddInt64(&overlaps, 1)
					}
					atomic.AddInt32(&inside, -1)
					return nil, nil
				})
				if err != nil {
					atomic.AddInt64(&errorsCount, 1)
				}
				atomic.AddInt64(&ops, 1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f sections/s", float64(ops)/elapsed.Seconds())
	log.Printf("Avg Latency: %.2f ms", elapsed.Seconds()/float64(ops)*1e3)
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
	if overlaps > 0 {
		log.Fatalf("Mutual exclusion violated %d times", overlaps)
	}
}
