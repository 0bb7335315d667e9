// Package cli implements the livetrack subcommands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/aydenstechdungeon/livetrack"
	"github.com/aydenstechdungeon/livetrack/config"
	"github.com/aydenstechdungeon/livetrack/logging"
)

// ServeConfig parses serve flags and returns the effective configuration.
// Flags override the config file and the environment.
func ServeConfig(args []string) (config.Config, error) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.StringP("config", "c", "", "path to a YAML config file")
	addr := fs.String("addr", "", "listen address")
	storeDriver := fs.String("store", "", "store driver: memory, sqlite or postgres")
	storeDSN := fs.String("dsn", "", "sqlite path or postgres URL")
	brokerDriver := fs.String("broker", "", "broker driver: memory, streams or pubsub")
	redisURL := fs.String("redis-url", "", "redis URL for the streams and pubsub brokers")
	domains := fs.String("domains", "", "path to the domain catalog YAML file")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	logFormat := fs.String("log-format", "", "text or json")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if fs.NArg() > 0 {
		return config.Config{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("addr", &cfg.Addr, *addr)
	set("store", &cfg.Store.Driver, *storeDriver)
	set("dsn", &cfg.Store.DSN, *storeDSN)
	set("broker", &cfg.Broker.Driver, *brokerDriver)
	set("redis-url", &cfg.Broker.RedisURL, *redisURL)
	set("domains", &cfg.DomainsFile, *domains)
	set("log-level", &cfg.LogLevel, *logLevel)
	set("log-format", &cfg.LogFormat, *logFormat)
	return cfg, nil
}

// Serve runs the server until SIGINT or SIGTERM.
func Serve(args []string, p *ColorPrinter) error {
	cfg, err := ServeConfig(args)
	if err != nil {
		return err
	}

	warnConfig(cfg, p)

	logs := logging.NewBroadcaster()
	logger, err := logging.New(io.MultiWriter(os.Stderr, logs), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := livetrack.New(ctx, cfg, logger, logs)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(cfg.Addr) }()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		p.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return errors.Join(runErr, app.Shutdown(shutdownCtx))
}

// warnConfig flags settings that are valid but unsafe outside local use.
func warnConfig(cfg config.Config, p *ColorPrinter) {
	if cfg.OperatorKey == "" {
		p.Warning("No operator key set, player and operator endpoints are open")
	}
	if cfg.Broker.Driver == config.BrokerStreams && cfg.Broker.Group == "" {
		p.Warning("No broker group set, using one per hostname; groups of retired hosts must be removed with XGROUP DESTROY")
	}
}
