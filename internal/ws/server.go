// Package ws is the UI relay: a WebSocket server that pushes presence
// changes to local user interfaces, answers snapshot requests, and keeps
// connections alive with protocol-level pings.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/hai-vr/XYVR-sub001/internal/metrics"
	"github.com/hai-vr/XYVR-sub001/internal/protocol"
)

// maxMessageSize bounds a single client message.
const maxMessageSize = 64 << 10

// ServerConfig configures the UI relay listener.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8090"
	MaxConnections int           // hard cap on total connections
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8090",
		MaxConnections: 256,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP requests on /ws and runs one reader goroutine per
// connection. Writes from any goroutine are serialized per connection.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	onMessage    func(conn *Connection, data []byte)
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	shutdownOnce sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage function is called from the
// connection's reader goroutine for every complete text message.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:    config,
		conns:     NewConnectionManager(),
		onMessage: onMessage,
		mux:       http.NewServeMux(),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle registers an extra HTTP handler on the server's mux, e.g.
// /metrics. It must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the heartbeat and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection,
// registers it, greets it and starts its reader goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn)
	s.conns.Add(c)
	metrics.UIConnections.Set(float64(s.conns.Count()))

	hello, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID,
	})
	if err != nil {
		log.Printf("ws: failed to build connected for %s: %v", c.ID, err)
	} else if err := c.WriteMessageTimeout(hello, s.config.WriteTimeout); err != nil {
		log.Printf("ws: failed to send connected for %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection id=%s (total=%d)", c.ID, s.conns.Count())
	go s.readLoop(c)
}

// readLoop reads frames until the connection fails or closes. Any frame,
// including pongs, proves the connection alive. Client pings are answered.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			payload, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writeControl(ws.NewPongFrame(payload)); err != nil {
					return
				}
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(reader, maxMessageSize+1))
		if err != nil {
			return
		}
		if len(data) > maxMessageSize {
			log.Printf("ws: message too large id=%s", c.ID)
			return
		}
		if header.OpCode != ws.OpText || len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// RemoveConnection removes a connection from the manager and closes it.
// Concurrent removals of the same connection are harmless.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.UIConnections.Set(float64(s.conns.Count()))
	log.Printf("ws: connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// Broadcast sends data to every connection. A connection whose write fails
// or times out is removed.
func (s *Server) Broadcast(data []byte) {
	for _, c := range s.conns.All() {
		if err := c.WriteMessageTimeout(data, s.config.WriteTimeout); err != nil {
			log.Printf("ws: broadcast to %s failed: %v", c.ID, err)
			s.RemoveConnection(c)
		}
	}
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and heartbeat and closes every
// connection. It is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		log.Println("ws: shutting down server...")
		close(s.done)

		if s.httpServer != nil {
			if e := s.httpServer.Shutdown(ctx); e != nil {
				err = fmt.Errorf("ws: http shutdown: %w", e)
			}
		}
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		log.Printf("ws: server stopped, all connections closed")
	})
	return err
}
