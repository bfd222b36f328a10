package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/simreg/regq/internal/api"
	"github.com/simreg/regq/internal/carrier"
	"github.com/simreg/regq/internal/importer"
	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/queue"
)

var (
	runWorkers int
	runDrain   bool
	runAPIAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the registration queue",
	Long: `Run the worker pool until interrupted.

Workers claim PENDING records in id order and run the missing steps of each.
A sweeper returns records stuck IN_PROGRESS longer than queue.stale_after to
PENDING. When import.inbox_dir is set, files dropped there are imported, and
when api.addr (or --api-addr) is set the HTTP API is served.

On SIGINT or SIGTERM the workers stop; records they held stay IN_PROGRESS and
are picked up again after a restart.

Examples:
  regq run
  regq run --workers 4 --api-addr :8080
  regq run --drain          # process what is queued, then exit`,
	Annotations: map[string]string{streamLogs: ""},
	RunE:        runQueue,
}

func init() {
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 0, "number of workers (default: queue.workers)")
	runCmd.Flags().BoolVar(&runDrain, "drain", false, "process queued records and exit")
	runCmd.Flags().StringVar(&runAPIAddr, "api-addr", "", "serve the HTTP API on this address (default: api.addr)")
	rootCmd.AddCommand(runCmd)
}

func runQueue(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stepper, err := carrier.NewStepper(a.cfg.Carrier)
	if err != nil {
		return fmt.Errorf("creating carrier: %w", err)
	}

	workers := a.cfg.Queue.Workers
	if runWorkers > 0 {
		workers = runWorkers
	}
	opts := a.queueOptions()
	repo := a.svc.Repository()
	selector := queue.NewSelector(repo, opts...)
	executor := queue.NewExecutor(repo, stepper, queue.ExecutorConfigFrom(a.cfg.Queue), opts...)
	pool := queue.NewPool(workers, selector, executor, a.cfg.Queue.PollInterval, opts...)
	reclaimer := queue.NewReclaimer(repo, a.cfg.Queue.StaleAfter, a.cfg.Queue.ReclaimInterval, opts...)

	out := cmd.OutOrStdout()
	if runDrain {
		if _, err := reclaimer.ReclaimStale(ctx, a.cfg.Queue.StaleAfter); err != nil {
			return err
		}
		n, err := pool.Drain(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Processed %d records\n", n)
		stats, err := a.svc.Stats(ctx)
		if err != nil {
			return err
		}
		return printStats(out, stats, false)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return ignoreCancel(reclaimer.Run(gctx)) })

	if dir := a.cfg.Import.InboxDir; dir != "" {
		imp := importer.New(a.svc,
			importer.WithSkippedDir(a.cfg.Import.SkippedDir),
			importer.WithMetrics(a.metrics),
			importer.WithTracer(a.tracing.Tracer()))
		inbox := importer.NewInbox(dir, a.cfg.Import.Debounce, imp)
		g.Go(func() error { return inbox.Run(gctx) })
	}

	addr := a.cfg.API.Addr
	if runAPIAddr != "" {
		addr = runAPIAddr
	}
	if addr != "" {
		srv, err := api.NewServer(addr, api.NewHandler(api.HandlerConfig{
			Records:   a.svc,
			Events:    a.feed,
			Gatherer:  a.registry,
			Tracer:    a.tracing.Tracer(),
			LogStream: log.SubscribeMatching,
		}))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "API listening on %s\n", srv.Addr())
		g.Go(func() error { return srv.Run(gctx) })
	}

	_, _ = fmt.Fprintf(out, "Running %d workers. Press Ctrl+C to stop\n", pool.Size())
	log.Info(log.CatQueue, "Queue started", "workers", pool.Size(), "carrier", a.cfg.Carrier.Mode)

	err = g.Wait()
	_, _ = fmt.Fprintln(out, "Stopped")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
