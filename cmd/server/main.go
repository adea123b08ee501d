package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/bus"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/store"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

type flags struct {
	EnvFile  string
	LogLevel string
}

func main() {
	f := &flags{}

	app := &cli.Command{
		Name:    "relaychat",
		Usage:   "Real-time chat server with cross-instance fan-out",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "env-file",
				Usage:       "path to a .env file loaded before reading configuration",
				Destination: &f.EnvFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides LOG_LEVEL",
				Destination: &f.LogLevel,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return run(ctx, f)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("relaychat exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	if err := loadEnv(f.EnvFile); err != nil {
		return err
	}

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.With().Str("server_id", cfg.ServerID).Logger()

	st, err := store.Open(store.Options{
		Driver:     cfg.Store.Driver,
		SQLitePath: cfg.Store.SQLitePath,
		BadgerPath: cfg.Store.BadgerPath,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("store health check: %w", err)
	}
	logger.Info().Str("driver", cfg.Store.Driver).Msg("store opened")

	transport, err := newTransport(ctx, cfg.Bus)
	if err != nil {
		return err
	}
	bridge := bus.NewBridge(transport, bus.Options{
		Channel:         cfg.Bus.Channel,
		ServerID:        cfg.ServerID,
		MaxAttempts:     cfg.Bus.MaxAttempts,
		InitialInterval: cfg.Bus.InitialInterval,
		MaxInterval:     cfg.Bus.MaxInterval,
	}, logger)
	defer func() {
		if err := bridge.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close bus")
		}
	}()

	tokens, err := auth.NewTokens(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	if err != nil {
		return err
	}

	registry := server.NewRegistry(logger)
	dispatcher := server.NewDispatcher(registry, cfg.DedupWindow, logger)
	if err := bridge.Subscribe(ctx, dispatcher.Handle); err != nil {
		return err
	}

	hub := server.NewHub(registry, auth.NewResolver(tokens, st), st, bridge, server.HubOptions{
		HistoryLimit:     cfg.HistoryLimit,
		AdmissionTimeout: cfg.AdmissionTimeout,
		PublishTimeout:   cfg.PublishTimeout,
		SendBuffer:       cfg.SendBuffer,
	}, logger)

	srv := server.New(cfg, server.Deps{
		Hub:      hub,
		Messages: st,
		Database: st,
		Bus:      bridge,
		Accounts: auth.NewHandler(auth.NewService(st, tokens), cfg.Auth.CookieSecure, logger),
	}, logger)
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	select {
	case <-sigCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Sessions are drained while the bus is still up so their leave notices
	// go out; the deferred closes then release the bus and the store.
	var shutdownErr error
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("hub shutdown: %w", err))
	}
	return shutdownErr
}

func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func newTransport(ctx context.Context, cfg server.BusConfig) (bus.Transport, error) {
	switch cfg.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		transport := bus.NewRedisTransport(client)
		if err := transport.Ping(ctx); err != nil {
			_ = transport.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return transport, nil
	case "memory", "":
		return bus.NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

func setupLogger(level, format string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = os.Stderr
	if format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger().Level(parsedLevel)
	return nil
}
