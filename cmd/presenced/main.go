package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hai-vr/XYVR-sub001/internal/connector"
	"github.com/hai-vr/XYVR-sub001/internal/journal"
	"github.com/hai-vr/XYVR-sub001/internal/live"
	"github.com/hai-vr/XYVR-sub001/internal/messaging"
	"github.com/hai-vr/XYVR-sub001/internal/metrics"
	"github.com/hai-vr/XYVR-sub001/internal/mirror"
	"github.com/hai-vr/XYVR-sub001/internal/monitoring"
	"github.com/hai-vr/XYVR-sub001/internal/platform/resonite"
	"github.com/hai-vr/XYVR-sub001/internal/platform/vrchat"
	"github.com/hai-vr/XYVR-sub001/internal/protocol"
	"github.com/hai-vr/XYVR-sub001/internal/ratelimit"
	"github.com/hai-vr/XYVR-sub001/internal/ws"
)

func main() {
	if path := os.Getenv("LOG_FILE"); path != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}

	config := ws.DefaultServerConfig()
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	envDuration("WRITE_TIMEOUT", &config.WriteTimeout)
	envDuration("HEARTBEAT_INTERVAL", &config.Heartbeat.Interval)

	fetchRate := rate.Limit(1)
	if v := os.Getenv("FETCH_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			fetchRate = rate.Limit(f)
		}
	}
	fetchBurst := 1
	if v := os.Getenv("FETCH_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			fetchBurst = n
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := live.NewEngine(nil)
	coordinator := monitoring.NewCoordinator(engine)
	asyncConfig := monitoring.DefaultAsyncConfig()

	// --- UI relay ---
	dispatcher := ws.NewMessageDispatcher()
	dispatcher.Register(protocol.TypeGetSnapshot, ws.SnapshotHandler(engine))
	server := ws.NewServer(config, dispatcher.Dispatch)
	server.Handle("/metrics", metrics.Handler())
	coordinator.AddSink("ws", monitoring.NewAsync("ws", server, asyncConfig))

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		if v := os.Getenv("NATS_SUBJECT_PREFIX"); v != "" {
			natsConfig.SubjectPrefix = v
		}
		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		coordinator.AddSink("nats", monitoring.NewAsync("nats", natsClient, asyncConfig))
	}

	// --- Redis ---
	var (
		mirrorStore *mirror.Store
		limiter     *ratelimit.Limiter
	)
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		mirrorConfig := mirror.DefaultConfig()
		mirrorConfig.Addr = redisAddr
		envDuration("MIRROR_TTL", &mirrorConfig.TTL)

		var err error
		mirrorStore, err = mirror.NewStore(mirrorConfig)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		// GUIDs are process-local; a previous run's records are stale.
		if err := mirrorStore.Clear(ctx); err != nil {
			log.Printf("mirror clear failed: %v", err)
		}
		limiter = ratelimit.NewLimiter(mirrorStore.Client())
		coordinator.AddSink("mirror", monitoring.NewAsync("mirror", mirrorStore, asyncConfig))
	}

	// --- Postgres ---
	var journalStore *journal.Store
	if dsn := os.Getenv("JOURNAL_DSN"); dsn != "" {
		journalConfig := journal.DefaultConfig()
		journalConfig.DSN = dsn
		envDuration("JOURNAL_RETENTION", &journalConfig.Retention)

		var err error
		journalStore, err = journal.Open(ctx, journalConfig)
		if err != nil {
			log.Fatalf("failed to open journal: %v", err)
		}
		if err := journalStore.StartPruning(); err != nil {
			log.Fatalf("failed to schedule journal pruning: %v", err)
		}
		coordinator.AddSink("journal", monitoring.NewAsync("journal", journalStore, asyncConfig))
	}

	// --- Accounts ---
	if userID, token := os.Getenv("VRCHAT_USER_ID"), os.Getenv("VRCHAT_AUTH_TOKEN"); userID != "" && token != "" {
		cfg := vrchat.DefaultConfig()
		cfg.UserID = userID
		cfg.FetchRate, cfg.FetchBurst = fetchRate, fetchBurst
		envDuration("VRCHAT_REFRESH_INTERVAL", &cfg.RefreshInterval)
		if limiter != nil {
			cfg.Budget = limiter.Budget(userID, ratelimit.RuleVRChatAPI)
		}
		if err := coordinator.AddConnector(vrchat.New(cfg, connector.StaticToken(token), engine)); err != nil {
			log.Fatalf("vrchat: %v", err)
		}
	}
	if userID, token := os.Getenv("RESONITE_USER_ID"), os.Getenv("RESONITE_TOKEN"); userID != "" && token != "" {
		cfg := resonite.DefaultConfig()
		cfg.UserID = userID
		cfg.FetchRate, cfg.FetchBurst = fetchRate, fetchBurst
		envDuration("RESONITE_REFRESH_INTERVAL", &cfg.RefreshInterval)
		if limiter != nil {
			cfg.Budget = limiter.Budget(userID, ratelimit.RuleResoniteAPI)
		}
		if err := coordinator.AddConnector(resonite.New(cfg, connector.StaticToken(token), engine)); err != nil {
			log.Fatalf("resonite: %v", err)
		}
	}

	log.Printf("presenced starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  connectors:      %v", coordinator.Connectors())
	log.Printf("  nats:            %v", natsClient != nil)
	log.Printf("  mirror:          %v", mirrorStore != nil)
	log.Printf("  journal:         %v", journalStore != nil)

	if err := coordinator.Start(ctx); err != nil {
		log.Printf("some connectors failed to start: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	steps := []shutdownStep{
		{"connectors", func() error {
			cancel()
			coordinator.Stop()
			return nil
		}},
		{"server", func() error {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return server.Shutdown(shutdownCtx)
		}},
	}
	if natsClient != nil {
		steps = append(steps, shutdownStep{"nats", func() error {
			natsClient.Close()
			return nil
		}})
	}
	if mirrorStore != nil {
		steps = append(steps, shutdownStep{"mirror", mirrorStore.Close})
	}
	if journalStore != nil {
		steps = append(steps, shutdownStep{"journal", journalStore.Close})
	}
	shutdownDone := onSignal(sigCh, steps)

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	// Start returns once the server step ran; wait for the stores to close.
	<-shutdownDone
	log.Printf("presenced stopped")
}

// envDuration overrides *d with the named environment variable when it
// parses as a duration.
func envDuration(name string, d *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if parsed, err := time.ParseDuration(v); err == nil {
		*d = parsed
	} else {
		log.Printf("ignoring %s=%q: %v", name, v, err)
	}
}
