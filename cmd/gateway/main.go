package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/npezzotti/studyhub-realtime/internal/api"
	"github.com/npezzotti/studyhub-realtime/internal/authority"
	"github.com/npezzotti/studyhub-realtime/internal/config"
	"github.com/npezzotti/studyhub-realtime/internal/database"
	"github.com/npezzotti/studyhub-realtime/internal/events"
	"github.com/npezzotti/studyhub-realtime/internal/expiry"
	"github.com/npezzotti/studyhub-realtime/internal/presence"
	"github.com/npezzotti/studyhub-realtime/internal/revocation"
	"github.com/npezzotti/studyhub-realtime/internal/server"
	"github.com/npezzotti/studyhub-realtime/internal/stats"
	"github.com/npezzotti/studyhub-realtime/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	serviceName     = "studyhub-realtime"
	shutdownTimeout = 10 * time.Second
	startupTimeout  = 30 * time.Second
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append((*s)[:0], strings.Split(value, ",")...)
	return nil
}

func main() {
	bootLog := zerolog.New(os.Stderr).With().Timestamp().Str("service", serviceName).Logger()

	if err := config.LoadDotEnv(); err != nil {
		bootLog.Fatal().Err(err).Msg("load .env")
	}

	opts, err := config.OptionsFromEnv()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("environment")
	}
	allowedOrigins := stringSliceFlag(opts.AllowedOrigins)
	cookieNames := stringSliceFlag(opts.AuthCookieNames)

	flag.StringVar(&opts.ServerAddr, "addr", opts.ServerAddr, "server address")
	flag.StringVar(&opts.RedisURL, "redis-url", opts.RedisURL, "redis connection URL")
	flag.StringVar(&opts.NatsURL, "nats-url", opts.NatsURL, "NATS server URL")
	flag.StringVar(&opts.GroupAPIURL, "group-api-url", opts.GroupAPIURL, "base URL of the Group service")
	flag.StringVar(&opts.SigningKey, "signing-key", opts.SigningKey, "base64 encoded token signing key")
	flag.StringVar(&opts.DeadLetterDSN, "dead-letter-dsn", opts.DeadLetterDSN, "postgres DSN for dead letters (optional)")
	flag.DurationVar(&opts.PresenceTTL, "presence-ttl", opts.PresenceTTL, "presence liveness window")
	flag.DurationVar(&opts.HeartbeatInterval, "heartbeat-interval", opts.HeartbeatInterval, "online presence heartbeat interval")
	flag.DurationVar(&opts.RememberGroupsTTL, "remember-groups-ttl", opts.RememberGroupsTTL, "how long joined groups are remembered for offline broadcasts")
	flag.DurationVar(&opts.DedupTTL, "dedup-ttl", opts.DedupTTL, "how long processed event ids are remembered")
	flag.DurationVar(&opts.MembershipTimeout, "membership-timeout", opts.MembershipTimeout, "timeout of Group service calls")
	flag.DurationVar(&opts.ExpiryPollInterval, "expiry-poll-interval", opts.ExpiryPollInterval, "presence expiry poll interval")
	flag.StringVar(&opts.ExpiryMode, "expiry-mode", opts.ExpiryMode, "presence expiry detection: auto, notify or poll")
	flag.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level")
	flag.BoolVar(&opts.LogPretty, "log-pretty", opts.LogPretty, "human readable logs")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins")
	flag.Var(&cookieNames, "auth-cookie-names", "comma-separated list of session cookie names, in priority order")
	flag.Parse()

	opts.AllowedOrigins = allowedOrigins
	opts.AuthCookieNames = cookieNames

	cfg, err := config.NewConfig(opts)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("config")
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("gateway stopped")
	}
	logger.Info().Msg("shutdown complete")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(cfg.LogLevel).With().Timestamp().Str("service", serviceName).Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	online, err := presence.NewStore(rdb, presence.Options{
		Namespace:   "online",
		TTL:         cfg.PresenceTTL,
		RememberTTL: cfg.RememberGroupsTTL,
	})
	if err != nil {
		return fmt.Errorf("online presence store: %w", err)
	}
	studying, err := presence.NewStore(rdb, presence.Options{
		Namespace:   "studying",
		TTL:         cfg.PresenceTTL,
		RememberTTL: cfg.RememberGroupsTTL,
	})
	if err != nil {
		return fmt.Errorf("activity presence store: %w", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux, logger)
	stats.RegisterDefaults(statsUpdater)

	groupsClient := authority.NewClient(cfg.GroupAPIURL, cfg.MembershipTimeout, logger)
	cachedGroups := authority.NewCachedGroups(groupsClient, authority.DefaultGroupsCacheTTL)
	defer cachedGroups.Stop()

	hub, err := server.NewHub(logger, statsUpdater, server.Options{
		Online:            online,
		Studying:          studying,
		Authority:         groupsClient,
		Groups:            cachedGroups,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MembershipTimeout: cfg.MembershipTimeout,
	})
	if err != nil {
		return fmt.Errorf("new hub: %w", err)
	}

	nc, err := events.Connect(ctx, cfg.NatsURL, serviceName+"-gateway", logger)
	if err != nil {
		return err
	}
	defer nc.Drain()

	bus, err := events.NewBus(nc, logger)
	if err != nil {
		return err
	}
	if err := bus.EnsureStream(ctx); err != nil {
		return err
	}

	checks := map[string]api.HealthCheck{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"nats": func(ctx context.Context) error {
			if status := nc.Status(); status != nats.CONNECTED {
				return fmt.Errorf("nats connection is %s", status)
			}
			return nil
		},
	}

	consumerOpts := []revocation.Option{revocation.WithForgetters(online, studying, cachedGroups)}
	if cfg.DeadLetterDSN != "" {
		repo, err := database.NewPgDeadLetterRepository(cfg.DeadLetterDSN)
		if err != nil {
			return fmt.Errorf("dead letter store: %w", err)
		}
		defer func() {
			if err := repo.Close(); err != nil {
				logger.Error().Err(err).Msg("dead letter store close")
			}
		}()
		if err := repo.Migrate(); err != nil {
			return fmt.Errorf("migrate dead letter store: %w", err)
		}
		consumerOpts = append(consumerOpts, revocation.WithDeadLetters(repo))
		checks["postgres"] = func(context.Context) error { return repo.Ping() }
	} else {
		logger.Warn().Msg("no dead letter DSN configured, terminated events are only logged")
	}

	consumer := revocation.NewConsumer(rdb, hub, cfg.DedupTTL, statsUpdater, logger, consumerOpts...)
	stopConsuming, err := consumer.Start(ctx, bus)
	if err != nil {
		return fmt.Errorf("start revocation consumer: %w", err)
	}
	defer stopConsuming()

	mode, err := expiry.ParseMode(cfg.ExpiryMode)
	if err != nil {
		return err
	}
	listener := expiry.NewListener(rdb, hub, mode, cfg.ExpiryPollInterval, statsUpdater, logger,
		expiry.Source{Store: online, Offline: types.StatusOffline},
		expiry.Source{Store: studying, Offline: types.StatusIdle},
	)

	app := api.NewGatewayApp(mux, logger, hub, cfg, checks)

	errCh := make(chan error, 2)
	go func() {
		if err := listener.Run(ctx); err != nil {
			errCh <- fmt.Errorf("expiry listener: %w", err)
		}
	}()
	go func() {
		if err := app.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	// stop taking evictions before the rooms go away
	stopConsuming()
	if err := hub.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("hub shutdown: %w", err))
	}

	return runErr
}
