package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/jobs"
	"github.com/teranos/databroker/logger"
	"github.com/teranos/databroker/rules"
)

// WorkerCmd runs the validation worker pool in the foreground
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the validation worker pool",
	Long: `Run validation workers until interrupted.

Ready validation jobs are dispatched every validator.poll_interval_ms to
validator.workers workers. Running jobs whose worker stopped sending
heartbeats for validator.lease_seconds are marked failed, on start and
periodically after. With rules.watch set, definitions in rules.dir are
reloaded when they change.`,
	RunE: runWorker,
}

var metricsInterval time.Duration

func init() {
	WorkerCmd.Flags().DurationVar(&metricsInterval, "metrics-interval", time.Minute, "How often pool metrics are logged, 0 to disable")
}

func runWorker(cmd *cobra.Command, args []string) error {
	p, err := openPipeline()
	if err != nil {
		return err
	}
	defer p.Close()

	vc := p.cfg.Validator
	if vc.Workers <= 0 {
		return errors.NewConfigurationError("validator.workers must be positive to run the worker pool")
	}
	if vc.PollIntervalMS <= 0 {
		return errors.NewConfigurationError("validator.poll_interval_ms must be positive to run the worker pool")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.ComponentLogger("worker")

	pool := jobs.NewWorkerPool(p.runner, p.tracker, jobs.PoolConfig{
		Workers:               vc.Workers,
		QueueSize:             vc.Workers * 4,
		MemoryPressurePercent: vc.MemoryPressurePercent,
	}, logger.Logger)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop()

	if p.cfg.Rules.Watch && p.cfg.Rules.Dir != "" {
		watcher, err := rules.NewWatcher(p.rules, logger.Logger)
		if err != nil {
			return err
		}
		watcher.OnReload(func(err error) {
			if err != nil {
				log.Warnw("rule reload failed, keeping previous definitions", logger.FieldError, err)
				return
			}
			log.Infow("rules reloaded", "file_types", p.rules.FileTypes())
		})
		go watcher.Run(ctx)
	}

	if metricsInterval > 0 {
		go logMetrics(ctx, pool, metricsInterval, log)
	}

	dispatcher := jobs.NewDispatcher(p.db, p.tracker, pool, vc.MaxDispatchPerSecond, logger.Logger)
	interval := time.Duration(vc.PollIntervalMS) * time.Millisecond
	log.Infow("worker started", logger.FieldWorker, vc.Workers, "poll_interval", interval.String())

	dispatcher.Run(ctx, interval)

	log.Infow("worker shutting down")
	return nil
}

func logMetrics(ctx context.Context, pool *jobs.WorkerPool, every time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := pool.GetSystemMetrics(ctx)
			log.Infow("pool metrics",
				"workers_active", m.WorkersActive,
				"jobs_processed", m.JobsProcessed,
				"jobs_waiting", m.JobsWaiting,
				"jobs_running", m.JobsRunning,
				"memory_percent", m.MemoryPercent)
		}
	}
}
