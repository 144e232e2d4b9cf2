package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/flowpipe/internal/metrics"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Once bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler loop",
		Long: `Load the flow directory and tick the engine until interrupted.

Stuck jobs left running by a previous process are reset first when
engine.recover_on_start is set. With metrics enabled, Prometheus metrics
are served on metrics.addr.

Example:
  flowpipe run --config flowpipe.yaml
  flowpipe run --once`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single tick and exit")
	return cmd
}

func runScheduler(opts *RunOptions, cmd *cobra.Command) error {
	b, err := openBundle(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer b.Close()
	f := formatterFor(opts.RootOptions, cmd)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	if opts.Once {
		if b.Config.Engine.RecoverOnStart {
			if _, err := b.Engine.RecoverStuckJobs(parentCtx); err != nil {
				return f.Fail(ExitFailure, "recover stuck jobs", err)
			}
		}
		res := b.Worker.RunOnce(parentCtx)
		return f.Success(res, fmt.Sprintf("claimed=%d completed=%d failed=%d", res.Claimed, res.Completed, res.Failed))
	}

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Worker.Run(gctx) })
	if b.Config.Metrics.Enabled && b.Gatherer != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, b.Config.Metrics.Addr, b.Config.Metrics.Path, b.Gatherer)
		})
	}

	slog.Info("scheduler starting",
		slog.String("flows_dir", b.Config.Flows.Dir),
		slog.Int("flows", len(b.Catalog.All())),
		slog.Duration("interval", b.Config.Engine.TickInterval),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Scheduler started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "scheduler error", err)
	}
	slog.Info("scheduler stopped gracefully")
	return nil
}
