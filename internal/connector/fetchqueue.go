package connector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hai-vr/XYVR-sub001/internal/metrics"
)

// FetchFunc retrieves authoritative details for one native session id and
// merges them wherever they belong.
type FetchFunc func(ctx context.Context, id string) error

// Limiter throttles outbound fetches. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Limiters waits on each non-nil limiter in turn.
type Limiters []Limiter

// Wait implements Limiter.
func (ls Limiters) Wait(ctx context.Context) error {
	for _, l := range ls {
		if l == nil {
			continue
		}
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// FetchQueue is a set-like FIFO of native session ids drained by a single
// worker goroutine. An id already waiting in the queue is not enqueued
// again. Once the worker pops an id it may be enqueued anew.
type FetchQueue struct {
	name    string
	fetch   FetchFunc
	limiter Limiter

	mu      sync.Mutex
	queue   []string
	pending map[string]struct{}

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFetchQueue creates a FetchQueue and starts its worker, which parks
// until the first Enqueue. A nil limiter disables throttling. The worker
// exits when ctx is cancelled or Stop is called.
func NewFetchQueue(ctx context.Context, name string, fetch FetchFunc, limiter Limiter) *FetchQueue {
	ctx, cancel := context.WithCancel(ctx)
	q := &FetchQueue{
		name:    name,
		fetch:   fetch,
		limiter: limiter,
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go q.worker(ctx)
	return q
}

// Enqueue adds id to the queue unless it is already waiting. It reports
// whether id was newly queued.
func (q *FetchQueue) Enqueue(id string) bool {
	if id == "" {
		return false
	}

	q.mu.Lock()
	if _, ok := q.pending[id]; ok {
		q.mu.Unlock()
		metrics.FetchCoalescedTotal.WithLabelValues(q.name).Inc()
		return false
	}
	q.pending[id] = struct{}{}
	q.queue = append(q.queue, id)
	metrics.FetchQueueDepth.WithLabelValues(q.name).Set(float64(len(q.queue)))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// EnqueueAll enqueues ids in order.
func (q *FetchQueue) EnqueueAll(ids []string) {
	for _, id := range ids {
		q.Enqueue(id)
	}
}

// Len returns the number of ids waiting.
func (q *FetchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Stop cancels the worker and waits for it to exit. Any id being fetched
// sees its context cancelled.
func (q *FetchQueue) Stop() {
	q.cancel()
	<-q.done
}

// RefreshEvery re-enqueues targets() every interval until ctx is cancelled
// or the queue stops. It returns immediately.
func (q *FetchQueue) RefreshEvery(ctx context.Context, interval time.Duration, targets func() []string) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case <-ticker.C:
				q.EnqueueAll(targets())
			}
		}
	}()
}

func (q *FetchQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return "", false
	}
	id := q.queue[0]
	q.queue = q.queue[1:]
	delete(q.pending, id)
	metrics.FetchQueueDepth.WithLabelValues(q.name).Set(float64(len(q.queue)))
	return id, true
}

func (q *FetchQueue) worker(ctx context.Context) {
	defer close(q.done)
	for {
		id, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}

		start := time.Now()
		err := q.fetch(ctx, id)
		metrics.FetchLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.FetchTotal.WithLabelValues(q.name, "error").Inc()
			log.Printf("[connector] %s: fetch %s failed: %v", q.name, id, err)
			continue
		}
		metrics.FetchTotal.WithLabelValues(q.name, "ok").Inc()
	}
}
