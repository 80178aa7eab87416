// Package monitoring runs live monitoring: it starts and stops the platform
// connectors for every linked account and relays the engine's change
// events to outward sinks (UI relay, NATS, Redis mirror, journal).
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/hai-vr/XYVR-sub001/internal/live"
)

// Connector is one linked account connection, e.g. a *vrchat.Client.
type Connector interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Source is the subscription surface of the engine.
type Source interface {
	SubscribeUserMerged(name string, fn func(live.UserUpdate))
	UnsubscribeUserMerged(name string)
	SubscribeSessionChanged(name string, fn func(live.Session))
	UnsubscribeSessionChanged(name string)
}

// Coordinator owns the connectors and sinks of one process.
type Coordinator struct {
	source Source

	mu         sync.Mutex
	connectors []Connector
	sinks      map[string]Sink
	ctx        context.Context
	running    bool
}

// NewCoordinator creates a Coordinator relaying events from source.
func NewCoordinator(source Source) *Coordinator {
	return &Coordinator{
		source: source,
		sinks:  make(map[string]Sink),
	}
}

// AddConnector registers a connector. If monitoring is already running it
// is started immediately.
func (c *Coordinator) AddConnector(conn Connector) error {
	c.mu.Lock()
	for _, existing := range c.connectors {
		if existing.Name() == conn.Name() {
			c.mu.Unlock()
			return fmt.Errorf("monitoring: connector %s already registered", conn.Name())
		}
	}
	c.connectors = append(c.connectors, conn)
	running, ctx := c.running, c.ctx
	c.mu.Unlock()

	if running {
		return c.start(ctx, conn)
	}
	return nil
}

// Connectors returns the registered connector names.
func (c *Coordinator) Connectors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.connectors))
	for i, conn := range c.connectors {
		names[i] = conn.Name()
	}
	return names
}

// AddSink subscribes s to the engine under name. Registering a name again
// replaces the previous sink.
func (c *Coordinator) AddSink(name string, s Sink) {
	c.mu.Lock()
	c.sinks[name] = s
	c.mu.Unlock()

	key := "sink:" + name
	c.source.SubscribeUserMerged(key, func(u live.UserUpdate) {
		if err := s.UserUpdated(context.Background(), u); err != nil {
			log.Printf("[monitoring] sink %s: %v", name, err)
		}
	})
	c.source.SubscribeSessionChanged(key, func(sess live.Session) {
		if err := s.SessionUpdated(context.Background(), sess); err != nil {
			log.Printf("[monitoring] sink %s: %v", name, err)
		}
	})
}

// RemoveSink unsubscribes the sink registered under name. An Async sink is
// closed after its queue drains.
func (c *Coordinator) RemoveSink(name string) {
	c.mu.Lock()
	s, ok := c.sinks[name]
	delete(c.sinks, name)
	c.mu.Unlock()
	if !ok {
		return
	}

	key := "sink:" + name
	c.source.UnsubscribeUserMerged(key)
	c.source.UnsubscribeSessionChanged(key)
	if a, ok := s.(*Async); ok {
		a.Close()
	}
}

// Start starts every registered connector. A connector that fails to start
// is logged and skipped; the others keep running.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("monitoring: already running")
	}
	c.running = true
	c.ctx = ctx
	conns := slices.Clone(c.connectors)
	c.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := c.start(ctx, conn); err != nil {
			errs = append(errs, err)
		}
	}
	log.Printf("[monitoring] started %d/%d connectors", len(conns)-len(errs), len(conns))
	return errors.Join(errs...)
}

func (c *Coordinator) start(ctx context.Context, conn Connector) error {
	if err := conn.Start(ctx); err != nil {
		log.Printf("[monitoring] connector %s failed to start: %v", conn.Name(), err)
		return fmt.Errorf("monitoring: start %s: %w", conn.Name(), err)
	}
	return nil
}

// Stop stops every connector in reverse registration order, then removes
// all sinks.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	conns := slices.Clone(c.connectors)
	c.running = false
	names := make([]string, 0, len(c.sinks))
	for name := range c.sinks {
		names = append(names, name)
	}
	c.mu.Unlock()

	for i := len(conns) - 1; i >= 0; i-- {
		conns[i].Stop()
	}
	for _, name := range names {
		c.RemoveSink(name)
	}
	log.Printf("[monitoring] stopped")
}
