package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailflow/config"
	"mailflow/internal/bootstrap"
	"mailflow/pkg/logger"

	"github.com/joho/godotenv"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
	startupTimeout  = 30 * time.Second
)

func main() {
	// Load .env file if exists (for local development)
	envErr := godotenv.Load()

	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	logger.Init(logger.Config{
		Level:   cfg.LogLevel,
		Service: "mailflow-" + *mode,
		Pretty:  cfg.IsDevelopment(),
	})
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	runAPI, runWorker := false, false
	switch *mode {
	case "api":
		runAPI = true
	case "worker":
		runWorker = true
	case "all":
		runAPI, runWorker = true, true
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	deps, cleanup, err := bootstrap.NewDependencies(startCtx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	var w *bootstrap.Worker
	if runWorker {
		w, err = bootstrap.NewWorker(deps)
		if err != nil {
			logger.Fatal("Failed to initialize worker: %v", err)
		}
		go func() {
			logger.Info("Starting worker...")
			if err := w.Start(); err != nil {
				logger.Fatal("Failed to start worker: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if runAPI {
		app := bootstrap.NewAPI(deps)
		go func() {
			addr := ":" + cfg.Port
			logger.Info("Starting API server on %s", addr)
			if err := app.Listen(addr); err != nil {
				logger.Fatal("Failed to start server: %v", err)
			}
		}()

		<-sigChan
		logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("Error shutting down: %v", err)
		}
	} else {
		<-sigChan
	}

	if w != nil {
		logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)
		done := make(chan struct{})
		go func() {
			w.Stop()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("Worker shut down gracefully")
		case <-time.After(shutdownTimeout):
			logger.Warn("Worker shutdown timed out, forcing exit")
			cleanup()
			os.Exit(1)
		}
	}
}
