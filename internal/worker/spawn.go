package worker

import (
	"context"
	"fmt"

	"expensedb/internal/dispatcher"
	"expensedb/internal/transport"
)

// Spawn starts an in-process worker behind a pipe and returns the host end
// of it. Closing the host end, or stopping the worker, shuts both down.
func Spawn(ctx context.Context, opts dispatcher.Options, buffer int) (transport.Conn, *Worker, error) {
	host, remote := transport.Pipe(buffer)

	w := New(dispatcher.New(opts), remote, opts.Logger)
	if err := w.Start(ctx); err != nil {
		host.Close()
		return nil, nil, fmt.Errorf("start worker: %w", err)
	}
	return host, w, nil
}
