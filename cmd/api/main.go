package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/mediasearch/internal/api"
	"github.com/timmy/mediasearch/internal/app"
	"github.com/timmy/mediasearch/internal/config"
	"github.com/timmy/mediasearch/internal/logger"
)

func main() {
	appLogger := logger.NewFromEnv(nil)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	sources, err := a.Sources()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load import sources")
	}
	appLogger.WithField("sources", app.SourceNames(sources)).Info("Import sources loaded")

	a.Ingest.Start(ctx)
	if cfg.Ingest.ResumeOnStartup {
		n, err := a.Ingest.Resume(ctx)
		if err != nil {
			appLogger.WithError(err).Error("Failed to resume interrupted uploads")
		} else if n > 0 {
			appLogger.WithField(logger.FieldCount, n).Info("Resumed interrupted uploads")
		}
	}

	router := api.SetupRouter(api.Dependencies{
		Ingest:   a.Ingest,
		Resumer:  a.Ingest,
		Uploads:  a.Uploads,
		Search:   a.Search,
		Importer: a.Importer,
		Jobs:     a.Jobs,
		Sources:  sources,
		DB:       a.SQLDB,
		Logger:   appLogger,
	}, &cfg.Server)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if err := a.Ingest.Stop(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Ingestion pipeline did not drain before shutdown")
	}

	appLogger.Info("Server exited")
}
