package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/deploybay/engine/internal/bus"
	"github.com/deploybay/engine/internal/provisioner"
	"github.com/deploybay/engine/internal/queue/tasks"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}

	deployRepo := repository.NewDeploymentRepository(db)
	registry := repository.NewRegistryRepository(db)

	prov := provisioner.NewSubstrateProvisioner(cfg.SubstrateURL, cfg.SubstrateToken, cfg.SubstrateTimeout)
	publisher := bus.NewRedisPublisher(rdb)

	deployHandler := tasks.NewDeployTaskHandler(prov, deployRepo, registry, publisher, tasks.DeployOptions{
		ProvisionAttempts: cfg.ProvisionAttempts,
		ProbeAttempts:     cfg.ProbeAttempts,
		ProbeInterval:     cfg.ProbeInterval,
		ProbeTimeout:      cfg.ProbeTimeout,
	})
	sweepHandler := tasks.NewSweepTaskHandler(prov, deployRepo, cfg.GracePeriod)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		// Busy-defer is queueing, not failure: retry on a flat short delay
		// instead of the exponential failure backoff.
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			if tasks.IsProjectBusy(err) {
				return 10 * time.Second
			}
			return asynq.DefaultRetryDelayFunc(n, err, t)
		},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeDeploy, deployHandler.HandleDeploy)
	mux.HandleFunc(tasks.TypeSweep, sweepHandler.HandleSweep)

	// Periodic teardown sweep. Reclamation is decoupled from the activation
	// path on purpose: activation never waits on substrate teardown.
	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register("@every "+cfg.SweepInterval.String(), asynq.NewTask(tasks.TypeSweep, nil)); err != nil {
		log.Fatal("register sweep schedule failed", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.L().Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()
	go func() {
		logger.L().Info("sweep scheduler starting", zap.Duration("interval", cfg.SweepInterval))
		if err := scheduler.Run(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.L().Error("worker stopped with error", zap.Error(err))
	}

	scheduler.Shutdown()
	srv.Shutdown()
}
