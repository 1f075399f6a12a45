// Package main is the entry point for the pulse workflow coordinator.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/pulse/internal/config"
	"github.com/pitabwire/pulse/internal/coordinator"
	"github.com/pitabwire/pulse/internal/durable"
	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "pulse", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	records, err := buildRecordStore(ctx, cfg.Durable, logger)
	if err != nil {
		logger.Error("durable store initialization failed", zap.Error(err))
		return 1
	}

	deps := coordinator.Dependencies{
		Config:  cfg,
		Records: records,
		Logger:  logger,
		Metrics: metrics,
	}
	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.Enabled() {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
		deps.Verifier = transport.NewJWTVerifier(cfg.Identity, jwks)
		authenticate = transport.JWTAuthenticator(cfg.Identity, jwks)
	} else {
		logger.Warn("identity verification disabled, observers are trusted to name their tenant")
	}

	svc := coordinator.New(deps)

	var accepting atomic.Bool
	accepting.Store(true)

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Service:      svc,
		Authenticate: authenticate,
		Logger:       logger,
		Metrics:      metrics,
		Accepting:    accepting.Load,
		DurableStore: records,
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout does not apply to hijacked websocket connections.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("websocket_path", cfg.WebSocket.Path),
		zap.String("durable_driver", cfg.Durable.Driver),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.RunSweeper(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		return shutdown(cfg, srv, svc, &accepting, logger)
	})

	code := 0
	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		code = 1
	}

	if err := records.Close(); err != nil {
		logger.Error("durable store close error", zap.Error(err))
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracingShutdown(flushCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return code
}

// shutdown stops admitting observers, tells connected ones the server is
// going away, drains HTTP requests, then drains dispatch and durable sync
// before dropping every connection.
func shutdown(cfg *config.Config, srv *http.Server, svc *coordinator.Service, accepting *atomic.Bool, logger *zap.Logger) error {
	timeout := cfg.Server.ShutdownTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	accepting.Store(false)
	svc.Notice("warning", "server is shutting down")

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if err := svc.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator close: %w", err))
	}
	if len(errs) > 0 {
		logger.Error("shutdown incomplete", zap.Error(errors.Join(errs...)))
	}
	return nil
}

// buildRecordStore creates the durable record store selected by
// durable.driver.
func buildRecordStore(ctx context.Context, cfg config.DurableConfig, logger *zap.Logger) (durable.RecordStore, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory record store")
		return durable.NewMemoryRecordStore(), nil

	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("record store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("record store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("record store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("record store: ping: %w", err)
		}

		store := durable.NewPgRecordStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("record store: %w", err)
		}
		logger.Info("using postgres record store")
		return store, nil

	case config.DriverSQLite:
		store, err := durable.OpenSQLiteRecordStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("record store: %w", err)
		}
		logger.Info("using sqlite record store", zap.String("path", cfg.SQLitePath))
		return store, nil

	case config.DriverRedis:
		addr := os.Getenv(cfg.RedisAddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("record store: %s environment variable not set", cfg.RedisAddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("record store: ping redis: %w", err)
		}
		logger.Info("using redis record store", zap.String("addr", addr))
		return durable.NewRedisRecordStore(client, cfg.KeyPrefix), nil

	default:
		return nil, fmt.Errorf("unsupported record store driver: %q", cfg.Driver)
	}
}
