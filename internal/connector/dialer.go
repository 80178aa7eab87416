// Package connector supervises long-lived upstream WebSocket connections to
// social platforms. A Supervisor owns one connection: it dials, replays the
// subscription messages the platform needs after every connect, feeds each
// text frame to a handler, and reconnects on a fixed backoff table when the
// socket drops. A FetchQueue coalesces requests for authoritative session
// details so that many friends reported in the same session cost one
// upstream call.
package connector

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is an established upstream connection carrying text frames.
type Conn interface {
	ReadText() ([]byte, error)
	WriteText(data []byte) error
	Close() error
}

// Dialer opens a new upstream connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// TokenSource supplies the bearer credential for an account. Credential
// storage and renewal are the caller's concern.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Target resolves the URL and handshake headers for a dial. It is called on
// every connect so that refreshed credentials are picked up.
type Target func(ctx context.Context) (url string, header http.Header, err error)

// WSDialer dials a WebSocket endpoint as a client using gobwas/ws.
type WSDialer struct {
	Target  Target
	Timeout time.Duration
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	url, header, err := d.Target(ctx)
	if err != nil {
		return nil, fmt.Errorf("connector: resolve target: %w", err)
	}

	dialer := ws.Dialer{Timeout: d.Timeout}
	if len(header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}

	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connector: dial: %w", err)
	}
	return newWSConn(conn, br), nil
}

// wsConn reads server frames and writes masked client frames. Bytes the
// handshake reader buffered past the upgrade response are consumed first.
// Every outbound frame, including control replies, is written whole under
// writeMu.
type wsConn struct {
	conn    net.Conn
	r       io.Reader
	writeMu sync.Mutex
}

func newWSConn(conn net.Conn, br *bufio.Reader) *wsConn {
	c := &wsConn{conn: conn, r: conn}
	if br != nil {
		c.r = io.MultiReader(br, conn)
	}
	return c
}

// ReadText returns the next text message. Pings are answered and a close
// frame is echoed, then surfaces as an error.
func (c *wsConn) ReadText() ([]byte, error) {
	rd := wsutil.Reader{
		Source:         c.r,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	for {
		h, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if h.OpCode.IsControl() {
			if err := c.handleControl(h, &rd); err != nil {
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

// handleControl lets wsutil build the reply into a buffer, then sends it
// in one write.
func (c *wsConn) handleControl(h ws.Header, r io.Reader) error {
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

// WriteText sends one text message.
func (c *wsConn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Close closes the underlying socket.
func (c *wsConn) Close() error {
	return c.conn.Close()
}
