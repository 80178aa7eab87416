package resonite

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/hai-vr/XYVR-sub001/internal/connector"
	"github.com/hai-vr/XYVR-sub001/internal/live"
)

// Config holds settings for one Resonite account connection.
type Config struct {
	UserID            string
	HubURL            string
	APIURL            string
	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
	RefreshInterval   time.Duration
	FetchRate         rate.Limit
	FetchBurst        int

	// Budget, when set, is an extra fetch limit shared with other
	// processes signed in to the same account.
	Budget connector.Limiter
}

// DefaultConfig returns a Config pointing at the public Resonite endpoints.
func DefaultConfig() Config {
	return Config{
		HubURL:            "wss://api.resonite.com/hub",
		APIURL:            "https://api.resonite.com",
		DialTimeout:       15 * time.Second,
		KeepAliveInterval: 15 * time.Second,
		RefreshInterval:   3 * time.Minute,
		FetchRate:         1,
		FetchBurst:        1,
	}
}

// Tracker is the part of the engine the client needs.
type Tracker interface {
	Engine
	TrackedSessions(app live.NamedApp) []live.Session
}

// Client connects one Resonite account: hub socket, decoder, and the
// coalesced session fetcher.
type Client struct {
	cfg     Config
	engine  Tracker
	api     *API
	account *connector.Account
}

// New creates a Client. Start begins the connection.
func New(cfg Config, tokens connector.TokenSource, engine Tracker) *Client {
	c := &Client{
		cfg:    cfg,
		engine: engine,
		api:    NewAPI(cfg.APIURL, cfg.UserID, tokens, &http.Client{Timeout: 10 * time.Second}),
	}

	var decoder *Decoder
	c.account = connector.NewAccount(connector.AccountConfig{
		Supervisor: connector.Options{
			Name: "resonite:" + cfg.UserID,
			Dialer: connector.WSDialer{
				Target:  hubTarget(cfg, tokens),
				Timeout: cfg.DialTimeout,
			},
			Handler: func(ctx context.Context, data []byte) error {
				return decoder.Handle(ctx, data)
			},
		},
		Subscriptions: [][]byte{
			handshakeRecord(),
			invocationRecord(methodInitializeStatus),
			invocationRecord(methodRequestStatus, nil, false),
		},
		KeepAlive:         pingRecord(),
		KeepAliveInterval: cfg.KeepAliveInterval,
		Fetch:             c.fetch,
		Limiter:           connector.Limiters{rate.NewLimiter(cfg.FetchRate, max(cfg.FetchBurst, 1)), cfg.Budget},
		RefreshInterval:   cfg.RefreshInterval,
		RefreshTargets:    c.refreshTargets,
	})
	decoder = NewDecoder(engine, cfg.UserID, c.account.Enqueue)
	return c
}

// Name identifies the connection in logs and metrics.
func (c *Client) Name() string { return c.account.Name() }

// Start connects to the hub in the background.
func (c *Client) Start(ctx context.Context) error { return c.account.Start(ctx) }

// Stop disconnects. It is idempotent.
func (c *Client) Stop() { c.account.Stop() }

func (c *Client) fetch(ctx context.Context, sessionID string) error {
	update, err := c.api.GetSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		// Ended sessions disappear from the API; mark closed so the refresh
		// tick does not keep asking.
		log.Printf("[resonite] session %s no longer listed", sessionID)
		c.engine.MergeSession(live.SessionUpdate{
			App:                    live.NamedAppResonite,
			InAppSessionIdentifier: sessionID,
			SessionDetails:         live.SessionDetails{IsOpen: live.Ptr(false)},
		}, nil)
		return nil
	}
	if err != nil {
		return err
	}
	c.engine.MergeSession(update, nil)
	return nil
}

func (c *Client) refreshTargets() []string {
	open := lo.Filter(c.engine.TrackedSessions(live.NamedAppResonite), func(s live.Session, _ int) bool {
		return s.IsOpen == nil || *s.IsOpen
	})
	return lo.Map(open, func(s live.Session, _ int) string {
		return s.InAppSessionIdentifier
	})
}

func hubTarget(cfg Config, tokens connector.TokenSource) connector.Target {
	return func(ctx context.Context) (string, http.Header, error) {
		auth, err := authorization(ctx, cfg.UserID, tokens)
		if err != nil {
			return "", nil, err
		}
		if cfg.HubURL == "" {
			return "", nil, errors.New("resonite: hub url not configured")
		}
		header := http.Header{}
		header.Set("Authorization", auth)
		return cfg.HubURL, header, nil
	}
}
