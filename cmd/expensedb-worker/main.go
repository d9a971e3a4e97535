package main

import (
	"context"
	"os"
	"time"

	"expensedb/internal/amqp"
	"expensedb/internal/cli"
	"expensedb/internal/config"
	"expensedb/internal/dispatcher"
	"expensedb/internal/log"
	"expensedb/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Stdout).WithComponent(log.ComponentWorker)
	logger.Info("Starting expensedb-worker", log.FieldOperation, log.OpStartup)

	// The worker only serves the broker, whatever TRANSPORT says
	cfg := config.Load()
	cfg.Transport = config.TransportAMQP
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the broker; Dial retries until it is reachable
	conn, err := amqp.Dial(ctx, cli.AMQPConfig(cfg, amqp.RoleWorker))
	if err != nil {
		logger.Error("Failed to connect to AMQP broker", log.FieldError, err)
		os.Exit(1)
	}

	d := dispatcher.New(cli.DispatcherOptions(cfg, logger))
	w := worker.New(d, conn, logger)

	ctx, done := cli.GracefulShutdown(ctx, logger, 30*time.Second, func(shutdownCtx context.Context) {
		logger.Info("Shutting down worker...")
		if err := w.Stop(shutdownCtx); err != nil {
			logger.Error("Worker did not stop cleanly", log.FieldError, err)
		}
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("Failed to start worker", log.FieldError, err)
		os.Exit(1)
	}

	logger.Info("Serving requests",
		log.FieldQueue, cfg.AMQPRequestQueue,
		"max_in_flight", cfg.MaxInFlight)

	// A lost broker connection ends the serve loop; shut down so the
	// supervisor restarts us.
	go func() {
		select {
		case <-w.Done():
			if ctx.Err() == nil {
				logger.Warn("Worker exited on its own, shutting down")
				cancel()
			}
		case <-ctx.Done():
		}
	}()

	cli.WaitForShutdown(ctx, done)

	stats := w.Stats()
	logger.Info("Worker shutdown complete",
		log.FieldOperation, log.OpShutdown,
		"total_requests", stats.TotalRequests,
		"failures", stats.Failures)
}
