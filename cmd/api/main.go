package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/deploybay/engine/internal/api"
	"github.com/deploybay/engine/internal/api/handlers"
	"github.com/deploybay/engine/internal/repository"
	"github.com/deploybay/engine/internal/services"
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

	log.Info("starting deploybay control plane",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer asynqClient.Close()

	projectRepo := repository.NewProjectRepository(db)
	deployRepo := repository.NewDeploymentRepository(db)
	domainRepo := repository.NewDomainRepository(db)

	projectSvc := services.NewProjectService(projectRepo)
	deploySvc := services.NewDeploymentService(projectRepo, deployRepo, asynqClient)
	domainSvc := services.NewDomainService(projectRepo, deployRepo, domainRepo)

	router := api.NewRouter(api.Dependencies{
		ProjectsHandler:    handlers.NewProjectsHandler(projectSvc),
		DeploymentsHandler: handlers.NewDeploymentsHandler(deploySvc),
		DomainsHandler:     handlers.NewDomainsHandler(domainSvc),
		Ready: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
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
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
