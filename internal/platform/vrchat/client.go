package vrchat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/hai-vr/XYVR-sub001/internal/connector"
	"github.com/hai-vr/XYVR-sub001/internal/live"
)

// Config holds settings for one VRChat account connection.
type Config struct {
	UserID          string
	PipelineURL     string
	APIURL          string
	UserAgent       string
	DialTimeout     time.Duration
	RefreshInterval time.Duration
	FetchRate       rate.Limit
	FetchBurst      int

	// Budget, when set, is an extra fetch limit shared with other
	// processes signed in to the same account.
	Budget connector.Limiter
}

// DefaultConfig returns a Config pointing at the public VRChat endpoints.
func DefaultConfig() Config {
	return Config{
		PipelineURL:     "wss://pipeline.vrchat.cloud/",
		APIURL:          "https://api.vrchat.cloud/api/1",
		UserAgent:       "presenced/1.0",
		DialTimeout:     15 * time.Second,
		RefreshInterval: 5 * time.Minute,
		FetchRate:       1,
		FetchBurst:      1,
	}
}

// Tracker is the part of the engine the client needs: merging plus the
// tracked-session query behind the refresh tick.
type Tracker interface {
	Engine
	TrackedSessions(app live.NamedApp) []live.Session
}

// Client connects one VRChat account: pipeline socket, decoder, and the
// coalesced instance fetcher.
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
		api:    NewAPI(cfg.APIURL, cfg.UserAgent, tokens, &http.Client{Timeout: 10 * time.Second}),
	}

	var decoder *Decoder
	c.account = connector.NewAccount(connector.AccountConfig{
		Supervisor: connector.Options{
			Name: "vrchat:" + cfg.UserID,
			Dialer: connector.WSDialer{
				Target:  pipelineTarget(cfg, tokens),
				Timeout: cfg.DialTimeout,
			},
			Handler: func(ctx context.Context, data []byte) error {
				return decoder.Handle(ctx, data)
			},
		},
		Fetch:           c.fetch,
		Limiter:         connector.Limiters{rate.NewLimiter(cfg.FetchRate, max(cfg.FetchBurst, 1)), cfg.Budget},
		RefreshInterval: cfg.RefreshInterval,
		RefreshTargets:  c.refreshTargets,
	})
	decoder = NewDecoder(engine, cfg.UserID, c.account.Enqueue)
	return c
}

// Name identifies the connection in logs and metrics.
func (c *Client) Name() string { return c.account.Name() }

// Start connects to the pipeline in the background.
func (c *Client) Start(ctx context.Context) error { return c.account.Start(ctx) }

// Stop disconnects. It is idempotent.
func (c *Client) Stop() { c.account.Stop() }

func (c *Client) fetch(ctx context.Context, location string) error {
	inst, err := c.api.GetInstance(ctx, location)
	if err != nil {
		return err
	}
	c.engine.MergeSession(inst.SessionUpdate(location), nil)
	return nil
}

func (c *Client) refreshTargets() []string {
	return lo.Map(c.engine.TrackedSessions(live.NamedAppVRChat), func(s live.Session, _ int) string {
		return s.InAppSessionIdentifier
	})
}

func pipelineTarget(cfg Config, tokens connector.TokenSource) connector.Target {
	return func(ctx context.Context) (string, http.Header, error) {
		token, err := tokens.Token(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("vrchat: token: %w", err)
		}
		u, err := url.Parse(cfg.PipelineURL)
		if err != nil {
			return "", nil, fmt.Errorf("vrchat: pipeline url: %w", err)
		}
		q := u.Query()
		q.Set("authToken", token)
		u.RawQuery = q.Encode()

		header := http.Header{}
		header.Set("User-Agent", cfg.UserAgent)
		return u.String(), header, nil
	}
}
