package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/deploybay/engine/internal/bus"
	"github.com/deploybay/engine/internal/gateway"
	"github.com/deploybay/engine/internal/repository"
	"github.com/deploybay/engine/pkg/config"
	"github.com/deploybay/engine/pkg/database"
	"github.com/deploybay/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting deploybay gateway",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.GatewayAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	domainRepo := repository.NewDomainRepository(db)
	registry := repository.NewRegistryRepository(db)
	deployRepo := repository.NewDeploymentRepository(db)

	resolver := gateway.NewResolver(domainRepo, registry, deployRepo, gateway.ResolverOptions{
		HostTTL:  cfg.DomainCacheTTL,
		RouteTTL: cfg.ActiveCacheTTL,
		MaxAge:   cfg.CacheMaxAge,
	})
	resolver.StartGC(ctx)

	// Activation announcements drop cached routes ahead of the TTL. The
	// subscription is best-effort: if redis is down the TTL still bounds
	// staleness.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, activation announcements disabled", zap.Error(err))
	} else {
		go bus.Subscribe(ctx, rdb, resolver.InvalidateProject)
	}

	proxy := gateway.NewProxy(resolver, nil, gateway.ProxyOptions{
		ForwardTimeout: cfg.ForwardTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.String("addr", cfg.GatewayAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("gateway error", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("gateway shutdown error", zap.Error(err))
	} else {
		log.Info("gateway exited gracefully")
	}
}
