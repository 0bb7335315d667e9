// Package livetrack wires telemetry ingestion, the live replay bridge and
// their HTTP and WebSocket surface into one application.
package livetrack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-json"
	fiberpkg "github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	goredis "github.com/redis/go-redis/v9"

	"github.com/aydenstechdungeon/livetrack/auth"
	"github.com/aydenstechdungeon/livetrack/bridge"
	"github.com/aydenstechdungeon/livetrack/broker"
	redisbroker "github.com/aydenstechdungeon/livetrack/broker/redis"
	"github.com/aydenstechdungeon/livetrack/config"
	"github.com/aydenstechdungeon/livetrack/domain"
	"github.com/aydenstechdungeon/livetrack/envelope"
	"github.com/aydenstechdungeon/livetrack/fiber"
	"github.com/aydenstechdungeon/livetrack/ingest"
	"github.com/aydenstechdungeon/livetrack/live"
	"github.com/aydenstechdungeon/livetrack/logging"
	"github.com/aydenstechdungeon/livetrack/registry"
	"github.com/aydenstechdungeon/livetrack/session"
	"github.com/aydenstechdungeon/livetrack/store"
	"github.com/aydenstechdungeon/livetrack/store/postgres"
	"github.com/aydenstechdungeon/livetrack/store/sqlite"
)

// Version is the current version of livetrack.
const Version = "0.1.0"

// App is a configured livetrack server.
type App struct {
	// Config is the application configuration.
	Config config.Config
	// Fiber is the underlying Fiber app.
	Fiber *fiberpkg.App
	// Logger is the root logger.
	Logger *slog.Logger
	// Logs tees log output to /log-ws subscribers.
	Logs *logging.Broadcaster

	Store    store.Store
	Broker   broker.Broker
	Bridge   *bridge.Bridge
	Sessions *session.Store
	Registry *registry.Registry
	Domains  *domain.Catalog
	Live     *live.Handler
	Issuer   *auth.Issuer

	redis  goredis.UniversalClient
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds every component from cfg. logs may be nil to disable /log-ws.
// Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, logs *logging.Broadcaster) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger, Logs: logs}
	a.ctx, a.cancel = context.WithCancel(ctx)

	var err error
	if a.Store, err = openStore(ctx, cfg.Store); err != nil {
		a.cancel()
		return nil, err
	}
	if err := a.openBroker(); err != nil {
		a.closeResources()
		return nil, err
	}

	if a.Issuer, err = auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL); err != nil {
		a.closeResources()
		return nil, err
	}
	verifier, err := auth.NewVerifier(cfg.TokenSecret)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.Domains = domain.NewCatalog(nil, domain.Options{})
	if cfg.DomainsFile != "" {
		if a.Domains, err = domain.LoadCatalog(cfg.DomainsFile); err != nil {
			a.closeResources()
			return nil, err
		}
	}

	a.Sessions = session.NewStore(session.Config{IdleTimeout: cfg.Session.IdleTimeout}, logger)
	a.Registry = registry.New(logger)
	a.Bridge = bridge.New(a.Broker, a.Registry, bridge.Config{
		Topic:        cfg.Broker.Topic,
		DeliveredTTL: cfg.Broker.DeliveredTTL,
	}, logger)
	ingester := ingest.NewService(a.Store, logger)
	a.Live = live.NewHandler(live.Deps{
		Sessions:   a.Sessions,
		Registry:   a.Registry,
		Verifier:   verifier,
		Domains:    a.Domains,
		Ingest:     ingester,
		Publisher:  a.Bridge,
		Recordings: a.Store,
		Decrypter: envelope.New(envelope.Config{
			Enabled: cfg.Encryption.Enabled,
			Secret:  cfg.Encryption.Secret,
		}, logger),
		Logger:        logger,
		RealtimeTypes: cfg.RealtimeTypes,
	})

	a.Fiber = fiberpkg.New(fiberpkg.Config{
		AppName:               cfg.AppName,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          fiber.ErrorHandler(fiber.ErrorHandlerConfig{Logger: logger}),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	a.setupMiddleware()
	fiber.NewServer(a.ctx, fiber.ServerConfig{
		Live:        a.Live,
		Ingest:      ingester,
		Verifier:    verifier,
		Logs:        logs,
		OperatorKey: cfg.OperatorKey,
		Logger:      logger,
	}).Register(a.Fiber)
	a.Fiber.Use(fiber.NotFoundHandler())

	return a, nil
}

// setupMiddleware configures the middleware stack.
func (a *App) setupMiddleware() {
	a.Fiber.Use(recover.New())
	a.Fiber.Use(fiber.RequestLoggerMiddleware(a.Logger))
	a.Fiber.Use(compress.New(compress.Config{
		Level: compress.LevelDefault,
	}))
	a.Fiber.Use(fiber.SecurityHeadersMiddleware())
	if len(a.Config.AllowedOrigins) > 0 {
		a.Fiber.Use(fiber.CORSMiddleware(a.Config.AllowedOrigins))
	}
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		return sqlite.Open(ctx, cfg.DSN)
	case config.StorePostgres:
		return postgres.Open(ctx, cfg.DSN)
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func (a *App) openBroker() error {
	cfg := a.Config.Broker
	if cfg.Driver == config.BrokerMemory {
		a.Broker = broker.NewMemoryBroker(a.Logger)
		return nil
	}

	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	a.redis = client

	switch cfg.Driver {
	case config.BrokerStreams:
		group := cfg.Group
		if group == "" {
			group = defaultGroup()
		}
		a.Broker = redisbroker.NewStreams(client, redisbroker.DefaultStreamsConfig(group), a.Logger)
	case config.BrokerPubSub:
		a.Broker = redisbroker.NewPubSub(client, a.Logger)
	default:
		return fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
	return nil
}

// defaultGroup names the consumer group of this instance. Every instance
// needs its own group so each one sees every event; the hostname keeps the
// group stable across restarts.
func defaultGroup() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return "livetrack-" + host
}

// Start runs the background components: session reaper, bridge consumer
// and domain file watcher.
func (a *App) Start() error {
	if a.redis != nil {
		pingCtx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
		err := a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	a.Sessions.Start()
	if err := a.Bridge.Start(a.ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	if a.Config.DomainsFile != "" {
		if err := domain.Watch(a.ctx, a.Config.DomainsFile, a.Domains, a.Logger); err != nil {
			a.Logger.Warn("domain file watch disabled", "path", a.Config.DomainsFile, "error", err)
		}
	}
	return nil
}

// Run starts the background components and serves on addr until the
// listener fails or Shutdown is called.
func (a *App) Run(addr string) error {
	if err := a.Start(); err != nil {
		return err
	}
	a.Logger.Info("livetrack starting", "version", Version, "addr", addr,
		"store", a.Config.Store.Driver, "broker", a.Config.Broker.Driver)
	return a.Fiber.Listen(addr)
}

// Shutdown stops accepting connections, closes live sockets and releases
// every resource.
func (a *App) Shutdown(ctx context.Context) error {
	a.cancel()
	err := a.Fiber.ShutdownWithContext(ctx)
	a.Bridge.Stop()
	a.Sessions.Stop()
	return errors.Join(err, a.closeResources())
}

func (a *App) closeResources() error {
	a.cancel()
	var errs []error
	if a.Broker != nil {
		errs = append(errs, a.Broker.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
