// Package main is the entry point for the variantz server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Build the assignment cache selected by ASSIGNMENT_CACHE, connecting to
//     Redis or PostgreSQL (and migrating it) when needed.
//  3. Wire the provider to the exposure broadcaster, the evaluation
//     aggregator and Prometheus.
//  4. Load FLAG_CONFIG_PATH, if set, and initialize the provider.
//  5. Serve HTTP (:8080) and gRPC (:9090) until SIGINT/SIGTERM, then shut
//     both down and flush the aggregator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/matt-riley/variantz/internal/aggregator"
	"github.com/matt-riley/variantz/internal/config"
	"github.com/matt-riley/variantz/internal/core"
	"github.com/matt-riley/variantz/internal/exposure"
	"github.com/matt-riley/variantz/internal/logging"
	"github.com/matt-riley/variantz/internal/metrics"
	"github.com/matt-riley/variantz/internal/middleware"
	"github.com/matt-riley/variantz/internal/provider"
	"github.com/matt-riley/variantz/internal/repository"
	"github.com/matt-riley/variantz/internal/server"
	"github.com/matt-riley/variantz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	exposureBuffer        = 256
	redisOpTimeout        = 250 * time.Millisecond
	pruneInterval         = time.Hour
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broadcaster := exposure.NewBroadcaster(exposureBuffer)
	m := metrics.New(func() float64 { return float64(broadcaster.Dropped()) })

	cache, closeStorage, err := newAssignmentCache(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer closeStorage()

	agg := aggregator.New(func(events []aggregator.Event) {
		for _, ev := range events {
			log.Debug("flag evaluations",
				"flag", ev.Flag.Key,
				"variant", ev.Variant.String(),
				"allocation", ev.Allocation.String(),
				"count", ev.EvaluationCount,
				"default_used", ev.RuntimeDefaultUsed,
			)
		}
		m.RecordFlush(len(events))
	},
		aggregator.WithInterval(cfg.FlushInterval),
		aggregator.WithLogger(logging.Component(log, "aggregator")),
	)
	agg.Start(ctx)

	opts := []provider.Option{
		provider.WithLogger(logging.Component(log, "provider")),
		provider.WithExposureChannel(broadcaster),
		provider.WithSink(agg),
		provider.WithMetrics(m),
		provider.WithInitTimeout(cfg.InitTimeout),
	}
	if cache != nil {
		opts = append(opts, provider.WithAssignmentCache(cache))
	}
	p := provider.New(opts...)
	p.AddHandler(provider.EventConfigurationChanged, func(e provider.Event) {
		log.Info("flag configuration changed", "message", e.Message)
	})

	go logExposures(broadcaster.Subscribe(ctx), logging.Component(log, "exposure"))

	if err := startProvider(ctx, p, cfg.FlagConfigPath, log); err != nil {
		return err
	}

	var validator middleware.TokenValidator
	var authOpts []middleware.AuthOption
	if cfg.APIKeyHash != "" {
		limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
		defer limiter.Stop()
		validator = middleware.NewHashValidator(cfg.APIKeyHash)
		authOpts = append(authOpts,
			middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
			middleware.WithRateLimiter(limiter),
		)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newHTTPHandler(p, cfg, log, m, validator, authOpts...),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	grpcServer := newGRPCServer(p, log, m, validator, authOpts...)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpListener.Close()
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}

	log.Info("server started", "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr, "assignment_cache", cfg.AssignmentCache)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown HTTP: %w", err))
		}
		stopGRPC(shutdownCtx, grpcServer)
		if err := p.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown provider: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// startProvider loads the configuration file when one is given. Without one
// the provider stays not-ready until a configuration is pushed, so
// initialization runs in the background.
func startProvider(ctx context.Context, p *provider.Provider, path string, log *slog.Logger) error {
	if path == "" {
		log.Info("no FLAG_CONFIG_PATH set; waiting for PUT /v1/configuration")
		go func() {
			if err := p.Initialize(ctx); err != nil {
				log.Warn("provider not ready yet", "error", err)
			}
		}()
		return nil
	}

	cfg, err := loadConfiguration(path)
	if err != nil {
		return err
	}
	if err := p.SetConfiguration(cfg); err != nil {
		return fmt.Errorf("set configuration: %w", err)
	}
	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize provider: %w", err)
	}
	log.Info("flag configuration loaded", "path", path, "id", cfg.ID, "flags", len(cfg.Flags))
	return nil
}

func loadConfiguration(path string) (*core.Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flag configuration: %w", err)
	}
	cfg, err := core.ParseConfiguration(data)
	if err != nil {
		return nil, fmt.Errorf("parse flag configuration %s: %w", path, err)
	}
	return cfg, nil
}

// newAssignmentCache returns a nil cache for mode none. The returned close
// function releases storage connections and is always safe to call.
func newAssignmentCache(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (exposure.Cache, func(), error) {
	noop := func() {}
	cacheLog := logging.Component(log, "assignment_cache")

	switch cfg.AssignmentCache {
	case config.CacheNone:
		return nil, noop, nil
	case config.CacheMemory:
		return exposure.NewLRUCache(cfg.AssignmentCacheSize), noop, nil
	case config.CacheFile:
		return exposure.NewDurableCache(exposure.NewFileKeyValue(cfg.AssignmentCacheFile), cacheLog), noop, nil
	case config.CacheRedis, config.CacheRedisDurable:
		client, err := repository.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connect redis: %w", err)
		}
		closeClient := func() { _ = client.Close() }
		if cfg.AssignmentCache == config.CacheRedisDurable {
			kv := repository.NewRedisKeyValue(client, cfg.CacheNamespace, redisOpTimeout)
			return exposure.NewDurableCache(kv, cacheLog), closeClient, nil
		}
		backend := repository.NewRedisBackend(client, cfg.CacheNamespace)
		return newHybrid(cfg, backend, cacheLog), closeClient, nil
	case config.CachePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connect postgres: %w", err)
		}
		if err := runMigrations(pool); err != nil {
			pool.Close()
			return nil, noop, err
		}
		metrics.RegisterPoolMetrics(m.Registry, "postgres", metrics.PgxPoolStats(pool))

		backend := repository.NewPostgresBackend(pool, cfg.CacheNamespace)
		if cfg.FingerprintRetention > 0 {
			go pruneFingerprints(ctx, backend, cfg.FingerprintRetention, m, cacheLog)
		}
		return newHybrid(cfg, backend, cacheLog), pool.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported assignment cache %q", cfg.AssignmentCache)
	}
}

func newHybrid(cfg config.Config, backend exposure.Backend, log *slog.Logger) *exposure.HybridCache {
	return exposure.NewHybridCache(exposure.NewLRUStore(cfg.AssignmentCacheSize), backend, exposure.WithLogger(log))
}

type fingerprintPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func pruneFingerprints(ctx context.Context, pruner fingerprintPruner, retention time.Duration, m *metrics.Metrics, log *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := pruner.PruneBefore(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("prune fingerprints failed", "error", err)
		case n > 0:
			log.Info("pruned stale fingerprints", "count", n)
			m.AddFingerprintsPruned(n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func logExposures(events <-chan exposure.Event, log *slog.Logger) {
	for e := range events {
		log.Debug("exposure",
			"flag", e.Flag.Key,
			"allocation", e.Allocation.Key,
			"variant", e.Variant.Key,
			"subject", e.Subject.ID,
		)
	}
}

func newHTTPHandler(p server.Provider, cfg config.Config, log *slog.Logger, m *metrics.Metrics, validator middleware.TokenValidator, authOpts ...middleware.AuthOption) http.Handler {
	opts := []server.HTTPOption{
		server.WithLogger(logging.Component(log, "http")),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetricsHandler(m.Handler()),
	}
	if validator != nil {
		opts = append(opts, server.WithAuth(middleware.HTTPBearerAuthMiddleware(validator, authOpts...)))
	}

	handler := server.NewHTTPHandler(p, opts...)
	handler = middleware.HTTPRequestLogging(log, m.ObserveHTTP)(handler)
	return otelhttp.NewHandler(handler, "variantz-http")
}

func newGRPCServer(p server.Provider, log *slog.Logger, m *metrics.Metrics, validator middleware.TokenValidator, authOpts ...middleware.AuthOption) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{
		middleware.UnaryRequestLoggingInterceptor(log),
		m.UnaryServerInterceptor(),
	}
	if validator != nil {
		interceptors = append(interceptors, middleware.UnaryBearerAuthInterceptor(validator, authOpts...))
	}

	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	server.RegisterEvaluationServiceServer(gs, server.NewGRPCServer(p, logging.Component(log, "grpc")))
	return gs
}

func stopGRPC(ctx context.Context, gs *grpc.Server) {
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		gs.Stop()
	}
}
