package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/qstore/internal/metrics"
	"github.com/roach88/qstore/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the store with its background workers and status endpoint",
		Long: `Open the store, run compaction and eviction in the background, and serve
the status, health and metrics endpoints until interrupted.

Example:
  qstore serve --storage ./docs.db
  qstore serve --config qstore.yaml --listen localhost:9000 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides listen_addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, logger, err := openStore(opts.RootOptions, cmd, m)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)

	addr := st.Config().ListenAddr
	if opts.Listen != "" {
		addr = opts.Listen
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(st, reg, logger)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, addr) })

	fmt.Fprintf(cmd.OutOrStdout(), "qstore serving on %s (storage %s). Press Ctrl-C to stop.\n",
		addr, st.Config().StoragePath)

	if err := g.Wait(); err != nil && err != context.Canceled {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("stopped gracefully")
	return nil
}
