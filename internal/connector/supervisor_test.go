package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadText() ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteText(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// fakeDialer plays back a script of dial outcomes, then blocks until the
// context is cancelled.
type fakeDialer struct {
	mu    sync.Mutex
	steps []func() (Conn, error)
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	i := d.calls
	d.calls++
	var step func() (Conn, error)
	if i < len(d.steps) {
		step = d.steps[i]
	}
	d.mu.Unlock()

	if step == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return step()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func failDial() (Conn, error) { return nil, errors.New("connection refused") }

func connDial(c *fakeConn) func() (Conn, error) {
	return func() (Conn, error) { return c, nil }
}

// delayRecorder stands in for time.After and fires immediately.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) after(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestSupervisor(d Dialer, h Handler, rec *delayRecorder) (*Supervisor, chan State) {
	states := make(chan State, 256)
	s := NewSupervisor(Options{
		Name:        "test",
		Dialer:      d,
		Handler:     h,
		OnState:     func(st State) { states <- st },
		Jitter:      func() time.Duration { return 5 * time.Second },
		After:       rec.after,
		StopTimeout: 200 * time.Millisecond,
	})
	return s, states
}

func waitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// ---------------------------------------------------------------------------
// Backoff
// ---------------------------------------------------------------------------

func TestBackoff_Table(t *testing.T) {
	fixed := func() time.Duration { return 7 * time.Second }
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 0},
		{0, 0},
		{1, 2 * time.Second},
		{2, 10 * time.Second},
		{3, 30 * time.Second},
		{4, 67 * time.Second},
		{12, 67 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, fixed); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_JitterRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		got := Backoff(4+i%5, DefaultJitter)
		if got < 60*time.Second || got >= 80*time.Second {
			t.Fatalf("delay %s outside [60s, 80s)", got)
		}
	}
}

// ---------------------------------------------------------------------------
// Supervisor
// ---------------------------------------------------------------------------

func TestSupervisor_BackoffResetsAfterSuccess(t *testing.T) {
	c1, c2 := newFakeConn(), newFakeConn()
	d := &fakeDialer{steps: []func() (Conn, error){
		failDial, failDial, failDial, failDial, failDial,
		connDial(c1),
		failDial,
		connDial(c2),
	}}
	rec := &delayRecorder{}
	s, states := newTestSupervisor(d, nil, rec)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitState(t, states, StateConnected)
	close(c1.in)
	waitState(t, states, StateConnected)

	// Zero delays do not wait at all, so only the non-zero ones are seen.
	want := []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second, 65 * time.Second, 2 * time.Second}
	got := rec.recorded()
	if len(got) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if d.count() != 8 {
		t.Errorf("expected 8 dials, got %d", d.count())
	}
}

func TestSupervisor_ReplaysSubscriptions(t *testing.T) {
	c1, c2 := newFakeConn(), newFakeConn()
	d := &fakeDialer{steps: []func() (Conn, error){connDial(c1), connDial(c2)}}
	s, states := newTestSupervisor(d, nil, &delayRecorder{})

	if err := s.Subscribe([]byte("hello")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Subscribe([]byte("status")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitState(t, states, StateConnected)
	if got := c1.written(); len(got) != 2 || got[0] != "hello" || got[1] != "status" {
		t.Fatalf("expected replay on first connect, got %v", got)
	}

	if err := s.Subscribe([]byte("late")); err != nil {
		t.Fatalf("Subscribe while connected: %v", err)
	}
	if err := s.Send([]byte("one-off")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := c1.written(); len(got) != 4 || got[2] != "late" || got[3] != "one-off" {
		t.Fatalf("expected immediate send, got %v", got)
	}

	close(c1.in)
	waitState(t, states, StateConnected)
	got := c2.written()
	want := []string{"hello", "status", "late"}
	if len(got) != len(want) {
		t.Fatalf("expected replay %v after reconnect, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("replay %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSupervisor_HandlerErrorKeepsConnection(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{steps: []func() (Conn, error){connDial(c)}}
	received := make(chan string, 4)
	handler := func(_ context.Context, data []byte) error {
		if string(data) == "garbage" {
			return errors.New("decode: unexpected token")
		}
		received <- string(data)
		return nil
	}
	s, states := newTestSupervisor(d, handler, &delayRecorder{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitState(t, states, StateConnected)
	c.in <- []byte("garbage")
	c.in <- []byte("good")

	select {
	case got := <-received:
		if got != "good" {
			t.Errorf("expected good, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the message after the bad one")
	}
	if s.State() != StateConnected {
		t.Errorf("expected still connected, got %s", s.State())
	}
	if d.count() != 1 {
		t.Errorf("expected a single dial, got %d", d.count())
	}
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{steps: []func() (Conn, error){connDial(c)}}
	s, states := newTestSupervisor(d, nil, &delayRecorder{})

	// Stop before Start is harmless.
	never := NewSupervisor(Options{Dialer: d})
	never.Stop()
	never.Stop()
	if err := never.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped from Start after Stop, got %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, states, StateConnected)

	s.Stop()
	s.Stop()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not exit")
	}
	if s.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", s.State())
	}
	if d.count() != 1 {
		t.Errorf("expected no reconnect after Stop, got %d dials", d.count())
	}
	if err := s.Subscribe([]byte("x")); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped from Subscribe, got %v", err)
	}
}

func TestSupervisor_StartRacingStop(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := &fakeDialer{}
		s := NewSupervisor(Options{Dialer: d, StopTimeout: time.Second})

		var wg sync.WaitGroup
		var startErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			startErr = s.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			s.Stop()
		}()
		wg.Wait()

		if startErr != nil {
			if !errors.Is(startErr, ErrStopped) {
				t.Fatalf("iteration %d: unexpected Start error %v", i, startErr)
			}
			if s.Done() != nil {
				t.Fatalf("iteration %d: Start returned ErrStopped but launched a run", i)
			}
			continue
		}
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: run outlived Stop", i)
		}
	}
}

func TestSupervisor_StopFromHandler(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{steps: []func() (Conn, error){connDial(c)}}
	var s *Supervisor
	handler := func(context.Context, []byte) error {
		s.Stop()
		return nil
	}
	s, states := newTestSupervisor(d, handler, &delayRecorder{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, states, StateConnected)

	c.in <- []byte("bye")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from inside the receive loop hung")
	}
	if d.count() != 1 {
		t.Errorf("expected no reconnect, got %d dials", d.count())
	}
}

func TestSupervisor_ContextCancelStops(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSupervisor(d, nil, &delayRecorder{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor ignored context cancellation")
	}
}

func TestSupervisor_HandlerRequestsReconnect(t *testing.T) {
	c1, c2 := newFakeConn(), newFakeConn()
	d := &fakeDialer{steps: []func() (Conn, error){connDial(c1), connDial(c2)}}
	handler := func(_ context.Context, data []byte) error {
		if string(data) == "close" {
			return fmt.Errorf("server closed hub: %w", ErrReconnect)
		}
		return nil
	}
	s, states := newTestSupervisor(d, handler, &delayRecorder{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitState(t, states, StateConnected)
	c1.in <- []byte("close")
	waitState(t, states, StateConnected)

	if d.count() != 2 {
		t.Errorf("expected a second dial, got %d", d.count())
	}
	select {
	case <-c1.closed:
	default:
		t.Error("expected the first connection to be closed")
	}
}
