package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"expensedb/internal/protocol"
)

// CallOptions holds flags for the call command.
type CallOptions struct {
	Database string
	NoInit   bool
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{}

	cmd := &cobra.Command{
		Use:   "call <OPERATION> [params-json]",
		Short: "Send one request to the storage worker",
		Long: `Send a single request envelope and print the worker's result.

Unless --no-init is given, the database is initialized first, so a fresh
local worker can answer CRUD operations. INITIALIZE and DROP default their
parameters to {"name": <db>}.

Examples:
  expensedb call CATEGORY_ADD '{"name":"Food","color":"#FF0000"}'
  expensedb call EXPENSE_GET_RANGE '{"begin":"2024-01-01T00:00:00Z","end":"2024-12-31T23:59:59Z"}'
  expensedb call DROP`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(rootOpts, opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "database name (default DB_NAME)")
	cmd.Flags().BoolVar(&opts.NoInit, "no-init", false, "do not initialize the database before the call")

	return cmd
}

func runCall(rootOpts *RootOptions, opts *CallOptions, cmd *cobra.Command, args []string) error {
	f := newFormatter(rootOpts, cmd)

	op := protocol.Operation(strings.ToUpper(strings.TrimSpace(args[0])))
	if !op.Valid() {
		f.Error(ErrCodeUsage, fmt.Sprintf("unknown operation %q", args[0]), protocol.Operations())
		return NewExitError(ExitCommandError, "unknown operation")
	}

	var params json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			f.Error(ErrCodeUsage, "parameters are not valid JSON", args[1])
			return NewExitError(ExitCommandError, "invalid parameters")
		}
		params = json.RawMessage(args[1])
	}

	ctx := cmd.Context()
	cfg, s, logger, err := session(ctx, rootOpts, cmd, f)
	if err != nil {
		return err
	}
	defer closeSession(s, logger)

	db := opts.Database
	if db == "" {
		db = cfg.DBName
	}
	if op.Lifecycle() && params == nil {
		params, _ = json.Marshal(protocol.NameParams{Name: db})
	}

	if !op.Lifecycle() && !opts.NoInit {
		f.VerboseLog("Initializing database %s", db)
		if err := s.Client.Initialize(ctx, db); err != nil {
			return f.RequestError(err)
		}
	}

	var sendParams any
	if params != nil {
		sendParams = params
	}
	var result json.RawMessage
	if err := s.Client.Send(ctx, op, sendParams, &result); err != nil {
		return f.RequestError(err)
	}
	return f.Success(result)
}
