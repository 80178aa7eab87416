package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/lo"

	"github.com/hai-vr/XYVR-sub001/internal/relayclient"
)

// runSaturate opens idle relay connections, ramping up over a configurable
// duration, holds them while counting drops, and prints a latency summary.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", defaultURL, "UI relay WebSocket URL")
	connections := fs.Int("connections", 200, "Number of connections to open")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		mu        sync.Mutex
		clients   []*relayclient.Client
		latencies []time.Duration
		errors    atomic.Int64
		dropped   atomic.Int64
	)

	interval := max(*rampUp/time.Duration(max(*connections, 1)), time.Millisecond)
	sem := make(chan struct{}, max(*concurrency, 1))
	var wg sync.WaitGroup

	start := time.Now()
	ticker := time.NewTicker(interval)
ramp:
	for launched := 0; launched < *connections; launched++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break ramp
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := relayclient.Dial(connCtx, *url)
			if err != nil {
				errors.Add(1)
				return
			}
			if err := c.WaitConnected(connCtx); err != nil {
				errors.Add(1)
				c.Close()
				return
			}
			go func() {
				<-c.Done()
				if ctx.Err() == nil {
					dropped.Add(1)
				}
			}()

			mu.Lock()
			clients = append(clients, c)
			latencies = append(latencies, c.ConnectLatency())
			mu.Unlock()
		}()
	}
	ticker.Stop()
	wg.Wait()
	fmt.Printf("ramp-up done in %s: %d open, %d errors\n",
		time.Since(start).Round(time.Millisecond), len(clients), errors.Load())

	if ctx.Err() == nil {
		fmt.Printf("holding for %s...\n", *hold)
		select {
		case <-ctx.Done():
		case <-time.After(*hold):
		}
	}
	stop()

	for _, c := range clients {
		c.Close()
	}

	fmt.Println()
	fmt.Printf("connections: %d  errors: %d  dropped during hold: %d\n",
		len(latencies), errors.Load(), dropped.Load())
	printLatencies("connect", latencies)
}

func printLatencies(label string, ds []time.Duration) {
	if len(ds) == 0 {
		fmt.Printf("%s latency: no samples\n", label)
		return
	}
	sorted := slices.Clone(ds)
	slices.Sort(sorted)
	pct := func(p float64) time.Duration {
		return sorted[min(int(float64(len(sorted))*p), len(sorted)-1)]
	}
	mean := lo.Sum(sorted) / time.Duration(len(sorted))
	fmt.Printf("%s latency: min=%s mean=%s p50=%s p95=%s p99=%s max=%s\n", label,
		sorted[0], mean.Round(time.Microsecond), pct(0.50), pct(0.95), pct(0.99), sorted[len(sorted)-1])
}
