package connector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hai-vr/XYVR-sub001/internal/metrics"
)

// ErrStopped is returned when an operation is attempted on a stopped
// Supervisor.
var ErrStopped = errors.New("connector: stopped")

// ErrReconnect may be returned by a Handler to drop the current connection
// and go through the reconnect path.
var ErrReconnect = errors.New("connector: reconnect requested")

// State is the lifecycle state of a Supervisor.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var allStates = []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting}

// ---------------------------------------------------------------------------
// Backoff
// ---------------------------------------------------------------------------

// backoffTable holds the fixed delays for the first reconnect attempts.
var backoffTable = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

const (
	backoffCeiling = 60 * time.Second
	backoffJitter  = 20 * time.Second
)

// Backoff returns the delay before reconnect attempt n, where n counts the
// consecutive failures since the last successful connect. Attempts past the
// table wait 60s plus jitter(), with jitter expected in [0, 20s).
func Backoff(attempt int, jitter func() time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(backoffTable) {
		return backoffTable[attempt]
	}
	if jitter == nil {
		jitter = DefaultJitter
	}
	return backoffCeiling + jitter()
}

// DefaultJitter returns a uniformly random duration in [0, 20s).
func DefaultJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(backoffJitter)))
}

// ---------------------------------------------------------------------------
// Supervisor
// ---------------------------------------------------------------------------

// Handler processes one text message from the upstream socket. A returned
// error is logged and the message dropped; the connection stays up unless
// the error wraps ErrReconnect.
type Handler func(ctx context.Context, data []byte) error

// Options configures a Supervisor.
type Options struct {
	// Name identifies the connector in logs and metrics, e.g. "vrchat:usr_x".
	Name    string
	Dialer  Dialer
	Handler Handler

	// OnState is called on every state transition, from the supervising
	// goroutine.
	OnState func(State)

	// Jitter and After are replaceable for tests.
	Jitter func() time.Duration
	After  func(time.Duration) <-chan time.Time

	// StopTimeout bounds how long Stop waits for the receive loop.
	StopTimeout time.Duration
}

// DefaultOptions returns Options with production timing.
func DefaultOptions() Options {
	return Options{
		Jitter:      DefaultJitter,
		After:       time.After,
		StopTimeout: 5 * time.Second,
	}
}

// Supervisor keeps one upstream connection alive.
type Supervisor struct {
	opts Options

	mu     sync.Mutex
	state  State
	conn   Conn
	replay [][]byte
	cancel context.CancelFunc
	done   chan struct{}

	// closing is set before the socket is torn down on a caller-initiated
	// stop so the receive loop does not schedule a reconnect.
	closing  atomic.Bool
	started  bool
	stopOnce sync.Once
}

// NewSupervisor creates a Supervisor. It does not dial until Start.
func NewSupervisor(opts Options) *Supervisor {
	def := DefaultOptions()
	if opts.Jitter == nil {
		opts.Jitter = def.Jitter
	}
	if opts.After == nil {
		opts.After = def.After
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.Name == "" {
		opts.Name = "upstream"
	}
	return &Supervisor{opts: opts}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe adds msg to the replay list, which is sent in order after every
// successful connect. If a connection is up, msg is also sent immediately.
func (s *Supervisor) Subscribe(msg []byte) error {
	if s.closing.Load() {
		return ErrStopped
	}
	msg = slices.Clone(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.replay = append(s.replay, msg)
	if s.conn != nil && s.state == StateConnected {
		if err := s.conn.WriteText(msg); err != nil {
			return fmt.Errorf("connector: subscribe: %w", err)
		}
	}
	return nil
}

// Send writes msg on the current connection without adding it to the
// replay list.
func (s *Supervisor) Send(msg []byte) error {
	if s.closing.Load() {
		return ErrStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.state != StateConnected {
		return fmt.Errorf("connector: send: %s is %s", s.opts.Name, s.state)
	}
	if err := s.conn.WriteText(msg); err != nil {
		return fmt.Errorf("connector: send: %w", err)
	}
	return nil
}

// Start launches the supervising goroutine. It returns immediately; dialing
// happens in the background. Calling Start twice is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.closing.Load() {
		return ErrStopped
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Stop may have run since the check above.
	if s.closing.Load() {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	return nil
}

// Stop disconnects and suppresses further reconnects. It waits for the
// receive loop to exit for at most StopTimeout, so it is safe to call from
// a Handler. Stop is idempotent.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.closing.Store(true)

		s.mu.Lock()
		cancel, done := s.cancel, s.done
		s.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()

		select {
		case <-done:
		case <-time.After(s.opts.StopTimeout):
			log.Printf("[connector] %s: receive loop did not exit within %s", s.opts.Name, s.opts.StopTimeout)
		}
	})
}

// Done is closed once the supervising goroutine has exited. It is nil before
// Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setState(StateDisconnected)

	failures := 0
	for {
		connected, err := s.session(ctx)
		if connected {
			failures = 0
		}
		if ctx.Err() != nil || s.closing.Load() {
			return
		}

		delay := Backoff(failures, s.opts.Jitter)
		failures++
		metrics.ReconnectsTotal.WithLabelValues(s.opts.Name).Inc()
		log.Printf("[connector] %s: connection lost: %v (retry %d in %s)", s.opts.Name, err, failures, delay)

		s.setState(StateReconnecting)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.opts.After(delay):
			}
		}
	}
}

// session runs one connect-replay-read cycle. It reports whether the
// connection reached the Connected state.
func (s *Supervisor) session(ctx context.Context) (bool, error) {
	s.setState(StateConnecting)

	conn, err := s.opts.Dialer.Dial(ctx)
	if err != nil {
		return false, err
	}

	// A cancellation while blocked in ReadText closes the socket, which
	// unblocks the read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	if err := s.attach(conn); err != nil {
		return false, err
	}
	defer s.detach()

	log.Printf("[connector] %s: connected", s.opts.Name)

	for {
		data, err := conn.ReadText()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("connector: read: %w", err)
		}
		if s.opts.Handler == nil {
			continue
		}
		if err := s.opts.Handler(ctx, data); err != nil {
			if errors.Is(err, ErrReconnect) {
				return true, err
			}
			metrics.DecodeErrorsTotal.WithLabelValues(s.opts.Name).Inc()
			log.Printf("[connector] %s: dropping message: %v", s.opts.Name, err)
		}
	}
}

// attach publishes conn and sends the replay list before any Subscribe or
// Send can interleave with it.
func (s *Supervisor) attach(conn Conn) error {
	s.mu.Lock()
	for i, msg := range s.replay {
		if err := conn.WriteText(msg); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("connector: replay %d/%d: %w", i+1, len(s.replay), err)
		}
	}
	s.conn = conn
	changed := s.setStateLocked(StateConnected)
	s.mu.Unlock()

	if changed {
		s.notifyState(StateConnected)
	}
	return nil
}

func (s *Supervisor) detach() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	changed := s.setStateLocked(st)
	s.mu.Unlock()

	if changed {
		s.notifyState(st)
	}
}

func (s *Supervisor) setStateLocked(st State) bool {
	if s.state == st {
		return false
	}
	s.state = st
	for _, other := range allStates {
		v := 0.0
		if other == st {
			v = 1
		}
		metrics.ConnectorState.WithLabelValues(s.opts.Name, other.String()).Set(v)
	}
	return true
}

// notifyState runs OnState outside the lock so the callback may query the
// Supervisor.
func (s *Supervisor) notifyState(st State) {
	if s.opts.OnState != nil {
		s.opts.OnState(st)
	}
}
