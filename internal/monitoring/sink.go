package monitoring

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hai-vr/XYVR-sub001/internal/live"
	"github.com/hai-vr/XYVR-sub001/internal/metrics"
)

// Sink receives engine change events. Implementations may block on I/O;
// wrap them in an Async before registering so the merge path never waits.
type Sink interface {
	UserUpdated(ctx context.Context, u live.UserUpdate) error
	SessionUpdated(ctx context.Context, s live.Session) error
}

// AsyncConfig tunes an Async sink.
type AsyncConfig struct {
	Buffer  int           // queued events before new ones are dropped
	Timeout time.Duration // per-event deadline handed to the wrapped sink
}

// DefaultAsyncConfig returns sensible defaults.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Buffer:  1024,
		Timeout: 5 * time.Second,
	}
}

type event struct {
	user    *live.UserUpdate
	session *live.Session
}

// Async delivers events to a wrapped Sink from its own goroutine. When the
// buffer is full the event is dropped, logged and counted.
type Async struct {
	name   string
	next   Sink
	config AsyncConfig

	mu     sync.RWMutex
	closed bool
	events chan event
	done   chan struct{}
}

// NewAsync starts the delivery goroutine for next.
func NewAsync(name string, next Sink, config AsyncConfig) *Async {
	if config.Buffer <= 0 {
		config.Buffer = 1
	}
	a := &Async{
		name:   name,
		next:   next,
		config: config,
		events: make(chan event, config.Buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Name returns the sink name used in logs and metrics.
func (a *Async) Name() string { return a.name }

// UserUpdated queues u. It never blocks and always returns nil.
func (a *Async) UserUpdated(_ context.Context, u live.UserUpdate) error {
	a.offer(event{user: &u})
	return nil
}

// SessionUpdated queues s. It never blocks and always returns nil.
func (a *Async) SessionUpdated(_ context.Context, s live.Session) error {
	a.offer(event{session: &s})
	return nil
}

func (a *Async) offer(ev event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		metrics.SinkDroppedTotal.WithLabelValues(a.name).Inc()
		log.Printf("[monitoring] sink %s: buffer full, event dropped", a.name)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.events {
		a.deliver(ev)
	}
}

func (a *Async) deliver(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
	defer cancel()

	var err error
	switch {
	case ev.user != nil:
		err = a.next.UserUpdated(ctx, *ev.user)
	case ev.session != nil:
		err = a.next.SessionUpdated(ctx, *ev.session)
	}
	if err != nil {
		log.Printf("[monitoring] sink %s: %v", a.name, err)
	}
}

// Close stops accepting events, delivers what is already queued and
// returns once the goroutine has exited. It is idempotent.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
}
