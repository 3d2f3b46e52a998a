package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"qms/clinic-queue/internal/cache"
	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/httpapi"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"
	"qms/clinic-queue/internal/store/postgres"
	"qms/clinic-queue/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	shutdownTracing := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "queue-service",
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
	}, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	tokenStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := queue.Options{
		DefaultConsultationMinutes: cfg.DefaultConsultationMinutes,
		TokenNumberPad:             cfg.TokenNumberPad,
		RetryAttempts:              cfg.QueueRetryAttempts,
		RetryBackoff:               cfg.RetryBackoff(),
		EnforceSingleActive:        cfg.EnforceSingleActive,
		RequireAvailable:           cfg.RequireDoctorAvailable,
	}
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		opts.Cache = cache.NewQueueCache(client, cfg.QueueCacheTTL())
		logger.Info().Dur("ttl", cfg.QueueCacheTTL()).Msg("queue cache enabled")
	}
	engine := queue.NewEngine(tokenStore, logger, opts)

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		DoctorPerMinute: cfg.DoctorRateLimitPerMinute,
		DoctorBurst:     cfg.DoctorRateLimitBurst,
	})
	handler := httpapi.NewHandler(engine, httpapi.Options{Logger: logger, Limiter: limiter})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger)(limiter.Middleware(handler.Routes())), "queue-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("queue-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		logger.Info().Msg("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.TokenStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		st := memory.NewStore()
		for _, doctor := range demoDoctors {
			st.AddDoctor(doctor)
		}
		logger.Warn().Int("doctors", len(demoDoctors)).Msg("using in-memory store, queue state is lost on restart")
		return st, func() {}, nil
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.NewStore(pool, postgres.Options{LockTimeout: cfg.LockTimeout()})
		if cfg.SeedDemoDoctors {
			if err := seedDoctors(ctx, st, logger); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return st, pool.Close, nil
	}
}
