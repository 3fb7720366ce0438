package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"audittrail/internal/platform/httpserver"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service and background audit delivery",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(ctx)
		},
	}
}

// Serve runs the HTTP server and the background workers until ctx is done.
// On shutdown the executor is drained first so queued records still reach
// the buffered sinks before their final flush.
func (a *app) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	flushCtx, cancelFlush := context.WithCancel(context.Background())
	defer cancelFlush()
	for _, run := range a.flushers {
		g.Go(func() error { return run(flushCtx) })
	}
	for _, run := range a.workers {
		g.Go(func() error { return ignoreCanceled(run(gctx)) })
	}

	srv := httpserver.New(a.cfg.Server.Addr, a.Routes())
	g.Go(func() error { return httpserver.Run(gctx, srv, a.logger) })

	g.Go(func() error {
		<-gctx.Done()
		a.drainExecutor()
		cancelFlush()
		return nil
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
