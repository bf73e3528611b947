package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anime-shed/image-probe-go/internal/config"
	"github.com/anime-shed/image-probe-go/internal/container"
	"github.com/anime-shed/image-probe-go/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Setup structured logging
	appLogger := logger.New(cfg.LogLevel)
	if !appLogger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, appLogger)
	stop()
	if err != nil {
		appLogger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
	appLogger.Info("Server exited")
}

// run serves until ctx is done or the listener fails, then shuts down and
// releases the container on both paths.
func run(ctx context.Context, cfg *config.Config, appLogger *logrus.Logger) error {
	// Initialize dependency injection container
	c, err := container.NewContainer(cfg, appLogger)
	if err != nil {
		return err
	}

	// Create HTTP server with configurable timeouts
	server := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		appLogger.WithField("address", cfg.ServerAddress()).
			WithField("probe_timeout", cfg.Probe.Timeout).
			WithField("rate_limit", cfg.RateLimitEnabled()).
			Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case runErr = <-serverErr:
	}

	shutdown(server, c, appLogger)
	return runErr
}

func shutdown(server *http.Server, resources io.Closer, appLogger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if err := resources.Close(); err != nil {
		appLogger.WithError(err).Error("Failed to release resources")
	}
}
