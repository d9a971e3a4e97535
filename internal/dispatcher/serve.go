package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"expensedb/internal/log"
	"expensedb/internal/transport"
)

// Serve reads request envelopes from conn until ctx is done or conn closes,
// handling up to MaxInFlight of them concurrently. Responses are written back
// on conn as they complete, so their order may differ from the requests'.
func (d *Dispatcher) Serve(ctx context.Context, conn transport.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.MaxInFlight)

	d.logger.InfoContext(ctx, "Dispatcher serving",
		"max_in_flight", d.opts.MaxInFlight,
		log.FieldState, d.State().String())

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case msg, ok := <-conn.Messages():
			if !ok {
				break loop
			}
			g.Go(func() error {
				resp := d.Handle(gctx, msg)
				if err := conn.Send(gctx, resp); err != nil {
					return fmt.Errorf("send response: %w", err)
				}
				return nil
			})
		}
	}

	err := g.Wait()

	stats := d.Stats()
	d.logger.InfoContext(ctx, "Dispatcher stopped",
		"total_requests", stats.TotalRequests,
		"failures", stats.Failures,
		"avg_duration", stats.AverageDuration.String())

	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}
