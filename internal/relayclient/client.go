// Package relayclient is a Go client for the UI relay. It dials the
// WebSocket endpoint, waits for the connected greeting, and dispatches
// pushed messages to per-type handlers.
package relayclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/samber/lo"

	"github.com/hai-vr/XYVR-sub001/internal/live"
	"github.com/hai-vr/XYVR-sub001/internal/protocol"
)

// Client is one connection to the relay.
type Client struct {
	conn           net.Conn
	connectLatency time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	connID    string
	handlers  map[string]func(json.RawMessage)
	snapshots chan protocol.SnapshotMsg
	errs      chan protocol.ErrorMsg

	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to url (e.g. ws://localhost:8090/ws) and starts the read
// loop. Use WaitConnected to wait for the greeting.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("relayclient: dial: %w", err)
	}

	c := &Client{
		conn:           withBuffered(conn, br),
		connectLatency: time.Since(start),
		handlers:       make(map[string]func(json.RawMessage)),
		snapshots:      make(chan protocol.SnapshotMsg, 1),
		errs:           make(chan protocol.ErrorMsg, 1),
		connected:      make(chan struct{}),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// On registers a handler for a server message type. Handlers run on the
// read goroutine. Registering a type again replaces the handler.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// OnUserUpdate registers a typed user_update handler.
func (c *Client) OnUserUpdate(fn func(live.UserUpdate)) {
	c.On(protocol.TypeUserUpdate, func(raw json.RawMessage) {
		var msg protocol.UserUpdateMsg
		if json.Unmarshal(raw, &msg) == nil {
			fn(msg.User)
		}
	})
}

// OnSessionUpdate registers a typed session_update handler.
func (c *Client) OnSessionUpdate(fn func(live.Session)) {
	c.On(protocol.TypeSessionUpdate, func(raw json.RawMessage) {
		var msg protocol.SessionUpdateMsg
		if json.Unmarshal(raw, &msg) == nil {
			fn(msg.Session)
		}
	})
}

// WaitConnected blocks until the relay has greeted the client.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionID returns the id the relay assigned, or "" before the greeting.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// ConnectLatency returns how long the WebSocket handshake took.
func (c *Client) ConnectLatency() time.Duration {
	return c.connectLatency
}

// Snapshot requests the relay's current users and sessions, restricted to
// apps when any are given. Concurrent Snapshot calls on one client are not
// supported.
func (c *Client) Snapshot(ctx context.Context, apps ...live.NamedApp) (protocol.SnapshotMsg, error) {
	req := protocol.GetSnapshotMsg{
		Type: protocol.TypeGetSnapshot,
		Apps: lo.Map(apps, func(a live.NamedApp, _ int) string { return a.String() }),
	}
	if err := c.Send(req); err != nil {
		return protocol.SnapshotMsg{}, err
	}

	select {
	case snap := <-c.snapshots:
		return snap, nil
	case e := <-c.errs:
		return protocol.SnapshotMsg{}, fmt.Errorf("relayclient: %s: %s", e.Code, e.Message)
	case <-c.done:
		return protocol.SnapshotMsg{}, c.closedErr()
	case <-ctx.Done():
		return protocol.SnapshotMsg{}, ctx.Err()
	}
}

// Send writes msg as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relayclient: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("relayclient: connection closed: %w", c.err)
	}
	return fmt.Errorf("relayclient: connection closed")
}

// readText returns the next text message, answering control frames with
// whole writes under writeMu so they never split a concurrent Send.
func (c *Client) readText() ([]byte, error) {
	control := func(h ws.Header, r io.Reader) error {
		var reply bytes.Buffer
		err := wsutil.ControlFrameHandler(&reply, ws.StateClientSide)(h, r)
		if reply.Len() > 0 {
			c.writeMu.Lock()
			_, werr := c.conn.Write(reply.Bytes())
			c.writeMu.Unlock()
			if err == nil {
				err = werr
			}
		}
		return err
	}
	rd := wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		h, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if h.OpCode.IsControl() {
			if err := control(h, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if h.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

// readLoop reads until the connection fails.
func (c *Client) readLoop() {
	for {
		data, err := c.readText()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.Close()
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeConnected:
			var msg protocol.ConnectedMsg
			if json.Unmarshal(data, &msg) == nil {
				c.mu.Lock()
				first := c.connID == ""
				c.connID = msg.ConnectionID
				c.mu.Unlock()
				if first {
					close(c.connected)
				}
			}
		case protocol.TypeSnapshot:
			var msg protocol.SnapshotMsg
			if json.Unmarshal(data, &msg) == nil {
				offer(c.snapshots, msg)
			}
		case protocol.TypeError:
			var msg protocol.ErrorMsg
			if json.Unmarshal(data, &msg) == nil {
				offer(c.errs, msg)
			}
		}

		c.mu.Lock()
		handler := c.handlers[env.Type]
		c.mu.Unlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

// offer replaces any unread value so the read loop never blocks.
func offer[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// bufferedConn reads frames the relay sent along with the handshake
// response before reading from the socket.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func withBuffered(conn net.Conn, br *bufio.Reader) net.Conn {
	if br == nil {
		return conn
	}
	return bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
}
