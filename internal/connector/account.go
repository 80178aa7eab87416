package connector

import (
	"context"
	"log"
	"sync"
	"time"
)

// AccountConfig describes one linked platform account: its socket, the
// messages to replay after every connect, and how session details are
// fetched and refreshed.
type AccountConfig struct {
	Supervisor Options

	// Subscriptions are replayed in order after every successful connect.
	Subscriptions [][]byte

	// KeepAlive, when set, is sent every KeepAliveInterval while connected.
	KeepAlive         []byte
	KeepAliveInterval time.Duration

	Fetch   FetchFunc
	Limiter Limiter

	// RefreshTargets returns the native session ids to re-fetch on every
	// RefreshInterval tick.
	RefreshInterval time.Duration
	RefreshTargets  func() []string
}

// Account runs a Supervisor and a FetchQueue for one linked account. The
// queue exists from construction so decoders can enqueue before the socket
// is up; Stop tears both down.
type Account struct {
	cfg   AccountConfig
	sup   *Supervisor
	queue *FetchQueue

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewAccount creates an Account. Nothing runs until Start apart from the
// parked fetch worker.
func NewAccount(cfg AccountConfig) *Account {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Account{
		cfg:    cfg,
		sup:    NewSupervisor(cfg.Supervisor),
		cancel: cancel,
	}
	fetch := cfg.Fetch
	if fetch == nil {
		fetch = func(context.Context, string) error { return nil }
	}
	a.queue = NewFetchQueue(ctx, a.sup.opts.Name, fetch, cfg.Limiter)
	return a
}

// Name returns the supervisor name, e.g. "vrchat:usr_x".
func (a *Account) Name() string {
	return a.sup.opts.Name
}

// Supervisor exposes the underlying Supervisor.
func (a *Account) Supervisor() *Supervisor {
	return a.sup
}

// Enqueue asks the fetch worker for details of a native session id.
func (a *Account) Enqueue(id string) bool {
	return a.queue.Enqueue(id)
}

// Start registers the subscriptions, starts the supervisor, and starts the
// refresh and keep-alive tickers.
func (a *Account) Start(ctx context.Context) error {
	for _, msg := range a.cfg.Subscriptions {
		if err := a.sup.Subscribe(msg); err != nil {
			return err
		}
	}
	if err := a.sup.Start(ctx); err != nil {
		return err
	}

	if a.cfg.RefreshTargets != nil {
		a.queue.RefreshEvery(ctx, a.cfg.RefreshInterval, a.cfg.RefreshTargets)
	}
	if len(a.cfg.KeepAlive) > 0 && a.cfg.KeepAliveInterval > 0 {
		go a.keepAlive(ctx)
	}
	log.Printf("[connector] %s: started", a.Name())
	return nil
}

// Stop disconnects the socket and stops the fetch worker. It is idempotent.
func (a *Account) Stop() {
	a.stopOnce.Do(func() {
		a.sup.Stop()
		a.cancel()
		a.queue.Stop()
		log.Printf("[connector] %s: stopped", a.Name())
	})
}

func (a *Account) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.KeepAliveInterval)
	defer ticker.Stop()

	done := a.sup.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if a.sup.State() != StateConnected {
				continue
			}
			if err := a.sup.Send(a.cfg.KeepAlive); err != nil {
				log.Printf("[connector] %s: keep-alive: %v", a.Name(), err)
			}
		}
	}
}
