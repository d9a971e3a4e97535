// Package cli holds the expensedb command tree and the initialization
// helpers shared with cmd/expensedb-worker.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"expensedb/internal/amqp"
	"expensedb/internal/client"
	"expensedb/internal/config"
	"expensedb/internal/dispatcher"
	"expensedb/internal/log"
	"expensedb/internal/worker"
)

// SetupLogger builds a text logger at level writing to w and makes it the
// default slog logger.
func SetupLogger(level string, w io.Writer) *log.Logger {
	logger := log.New(log.Config{
		Level:     log.ParseLevel(level),
		Component: log.ComponentApp,
		Writer:    w,
	})
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration from the environment and
// validates it.
func LoadAndValidateConfig(logger *log.Logger) (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed",
			log.FieldOperation, log.OpValidate,
			log.FieldError, err)
		return nil, err
	}
	return cfg, nil
}

// DispatcherOptions maps configuration onto the worker's dispatcher.
func DispatcherOptions(cfg *config.Config, logger *log.Logger) dispatcher.Options {
	return dispatcher.Options{
		DataDir:     cfg.DataDir,
		BusyTimeout: cfg.SQLiteBusyTimeout,
		MaxInFlight: cfg.MaxInFlight,
		Logger:      logger,
	}
}

// AMQPConfig maps configuration onto the broker transport for role.
func AMQPConfig(cfg *config.Config, role amqp.Role) amqp.Config {
	return amqp.Config{
		URL:          cfg.AMQPURL,
		Exchange:     cfg.AMQPExchange,
		RequestQueue: cfg.AMQPRequestQueue,
		ReplyQueue:   cfg.AMQPReplyQueue,
		Role:         role,
	}
}

// Session is a connected client plus whatever must be torn down with it.
type Session struct {
	Client *client.Client
	worker *worker.Worker
}

// Close closes the client and, for a local transport, stops the worker.
func (s *Session) Close(ctx context.Context) error {
	err := s.Client.Close()
	if s.worker != nil {
		if werr := s.worker.Stop(ctx); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// Connect opens a client over the configured transport: an in-process
// worker for "local", the broker's queues for "amqp".
func Connect(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Session, error) {
	opts := client.Options{
		Timeout:   cfg.RequestTimeout,
		CacheSize: cfg.AttachmentCacheSize,
		CacheTTL:  cfg.AttachmentCacheTTL,
		Logger:    logger,
	}
	if cfg.AttachmentCacheSize == 0 {
		opts.CacheSize = -1
	}

	switch cfg.Transport {
	case config.TransportAMQP:
		conn, err := amqp.Dial(ctx, AMQPConfig(cfg, amqp.RoleHost))
		if err != nil {
			return nil, fmt.Errorf("connect to broker: %w", err)
		}
		return &Session{Client: client.New(conn, opts)}, nil

	default:
		host, w, err := worker.Spawn(ctx, DispatcherOptions(cfg, logger), 0)
		if err != nil {
			return nil, err
		}
		return &Session{Client: client.New(host, opts), worker: w}, nil
	}
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals or when
// parent is done, and a channel that signals when cleanup has finished.
func GracefulShutdown(parent context.Context, logger *log.Logger, timeout time.Duration, cleanup func(ctx context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()
		if cleanup != nil {
			cleanup(shutdownCtx)
		}

		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached", log.FieldOperation, log.OpShutdown)
		} else {
			logger.Info("Shutdown complete", log.FieldOperation, log.OpShutdown)
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup ran.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
