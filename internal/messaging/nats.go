// Package messaging publishes presence changes on NATS so that other
// services can follow the engine without polling. It handles connection
// lifecycle, subject naming and subscriptions for consumers.
package messaging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hai-vr/XYVR-sub001/internal/live"
	"github.com/hai-vr/XYVR-sub001/internal/protocol"
)

// Subject segments, appended to the configured prefix.
const (
	SubjectUser    = "user"    // + .<app>.<in-app id>
	SubjectSession = "session" // + .<guid>
)

// NATSClient publishes presence changes and tracks subscriptions by subject.
type NATSClient struct {
	conn   *nats.Conn
	prefix string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig configures the bus connection and subject namespace.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	SubjectPrefix string        // first subject token, e.g. "presence"
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig targets a local server with unlimited reconnects.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "presenced",
		SubjectPrefix: "presence",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	prefix := config.SubjectPrefix
	if prefix == "" {
		prefix = "presence"
	}
	return &NATSClient{
		conn:   nc,
		prefix: prefix,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// UserSubject returns the subject a user's changes are published on.
func (c *NATSClient) UserSubject(app live.NamedApp, inAppIdentifier string) string {
	return UserSubject(c.prefix, app, inAppIdentifier)
}

// SessionSubject returns the subject a session's changes are published on.
func (c *NATSClient) SessionSubject(guid string) string {
	return SessionSubject(c.prefix, guid)
}

// UserSubject builds <prefix>.user.<app>.<id>.
func UserSubject(prefix string, app live.NamedApp, inAppIdentifier string) string {
	return prefix + "." + SubjectUser + "." + strings.ToLower(app.String()) + "." + token(inAppIdentifier)
}

// SessionSubject builds <prefix>.session.<guid>.
func SessionSubject(prefix, guid string) string {
	return prefix + "." + SubjectSession + "." + token(guid)
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publish sends raw bytes on subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// UserUpdated publishes a user_update message. It implements
// monitoring.Sink.
func (c *NATSClient) UserUpdated(_ context.Context, u live.UserUpdate) error {
	data, err := protocol.UserUpdate(u)
	if err != nil {
		return err
	}
	if err := c.Publish(c.UserSubject(u.App, u.InAppIdentifier), data); err != nil {
		return fmt.Errorf("nats publish user %s: %w", u.InAppIdentifier, err)
	}
	return nil
}

// SessionUpdated publishes a session_update message. It implements
// monitoring.Sink.
func (c *NATSClient) SessionUpdated(_ context.Context, s live.Session) error {
	data, err := protocol.SessionUpdate(s)
	if err != nil {
		return err
	}
	if err := c.Publish(c.SessionSubject(s.GUID), data); err != nil {
		return fmt.Errorf("nats publish session %s: %w", s.GUID, err)
	}
	return nil
}

// Subscribe attaches handler to subject. The subscription is kept until
// Unsubscribe or Close.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeUsers subscribes to every user change under the prefix.
func (c *NATSClient) SubscribeUsers(handler func(data []byte)) error {
	return c.Subscribe(c.prefix+"."+SubjectUser+".>", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeSessions subscribes to every session change under the prefix.
func (c *NATSClient) SubscribeSessions(handler func(data []byte)) error {
	return c.Subscribe(c.prefix+"."+SubjectSession+".*", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains every subscription, then the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
