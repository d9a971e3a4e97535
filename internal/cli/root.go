package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"expensedb/internal/config"
	"expensedb/internal/log"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// closeTimeout bounds how long a command waits for its worker to stop.
const closeTimeout = 10 * time.Second

// NewRootCommand creates the root command for the expensedb CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "expensedb",
		Short: "expensedb - expense records behind an isolated storage worker",
		Long: `Store attachments, categories and expenses in a worker-owned SQLite
database and talk to it through request/reply messages, either in-process
(TRANSPORT=local) or over RabbitMQ (TRANSPORT=amqp).

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				msg := fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", msg)
				return NewExitError(ExitCommandError, msg)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewCallCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewSelftestCommand(opts))
	cmd.AddCommand(NewSummaryCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// commandLogger logs to stderr at the configured level, or debug with
// --verbose.
func commandLogger(opts *RootOptions, cmd *cobra.Command, level string) *log.Logger {
	if opts.Verbose {
		level = slog.LevelDebug.String()
	}
	return SetupLogger(level, cmd.ErrOrStderr()).WithComponent(log.ComponentCLI)
}

// session loads configuration and connects a client. Callers must pass the
// returned session to closeSession when done.
func session(ctx context.Context, opts *RootOptions, cmd *cobra.Command, f *OutputFormatter) (*config.Config, *Session, *log.Logger, error) {
	// bootstrap logger until LOG_LEVEL is known
	logger := commandLogger(opts, cmd, "warn")
	cfg, err := LoadAndValidateConfig(logger)
	if err != nil {
		f.Error(ErrCodeConfig, "invalid configuration", err.Error())
		return nil, nil, nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger = commandLogger(opts, cmd, cfg.LogLevel)

	s, err := Connect(ctx, cfg, logger)
	if err != nil {
		f.Error(ErrCodeTransport, "cannot reach the storage worker", err.Error())
		return nil, nil, nil, WrapExitError(ExitCommandError, "connect", err)
	}
	f.VerboseLog("Connected via %s transport", cfg.Transport)
	return cfg, s, logger, nil
}

func closeSession(s *Session, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		logger.Warn("Failed to close session", log.FieldError, err)
	}
}
