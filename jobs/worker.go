package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/databroker/db"
	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/logger"
)

const (
	// MaxOrphanedJobs limits how many abandoned jobs one sweep fails
	MaxOrphanedJobs = 1000

	// DefaultQueueSize is the hand-off buffer when none is configured
	DefaultQueueSize = 64

	stopTimeout = 30 * time.Second
)

// Submitter accepts claimed job ids for execution.
type Submitter interface {
	Submit(id int64) error
}

// PoolConfig contains configuration for the worker pool
type PoolConfig struct {
	Workers   int `json:"workers"`    // Number of concurrent workers
	QueueSize int `json:"queue_size"` // Claimed jobs that may wait for a worker
	// Warn at start when system memory use is above this percentage, 0 = never
	MemoryPressurePercent float64 `json:"memory_pressure_percent"`
}

// WorkerPool runs claimed jobs on a fixed set of goroutines. Jobs arrive by
// hand-off from a Dispatcher; the pool never picks work on its own.
type WorkerPool struct {
	runner  *Runner
	tracker *Tracker
	config  PoolConfig
	logger  *zap.SugaredLogger

	ids    chan int64
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	running       bool
	activeWorkers int
	jobsProcessed int
	startTime     time.Time
}

// NewWorkerPool creates a pool. Call Start before submitting jobs.
func NewWorkerPool(runner *Runner, tracker *Tracker, cfg PoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &WorkerPool{
		runner:  runner,
		tracker: tracker,
		config:  cfg,
		logger:  log.Named("pool"),
	}
}

// Start fails jobs whose claim expired, then starts the workers. Jobs
// another live process is still running keep their claim. Workers exit
// when ctx is cancelled or Stop is called.
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	if wp.running {
		wp.mu.Unlock()
		return errors.Wrap(errors.ErrConflict, "worker pool already running")
	}
	wp.mu.Unlock()

	failed, err := wp.tracker.FailOrphans(ctx)
	if err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if len(failed) > 0 {
		wp.logger.Warnw("Marked abandoned jobs failed; restart them to validate again",
			logger.FieldCount, len(failed), "job_ids", failed)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, logger.FieldWorker, wp.config.Workers)
	}

	workerCtx, cancel := context.WithCancel(ctx)

	wp.mu.Lock()
	wp.ids = make(chan int64, wp.config.QueueSize)
	wp.cancel = cancel
	wp.running = true
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	ids := wp.ids
	wp.mu.Unlock()

	for i := 0; i < wp.config.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(workerCtx, i, ids)
	}
	wp.logger.Infow("worker pool started", logger.FieldWorker, wp.config.Workers)
	return nil
}

// Submit hands a claimed job to the pool without blocking.
func (wp *WorkerPool) Submit(id int64) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.running {
		return errors.Newf("worker pool is not running, job %d not submitted", id)
	}
	select {
	case wp.ids <- id:
		return nil
	default:
		return errors.Newf("worker queue full (%d), job %d not submitted", wp.config.QueueSize, id)
	}
}

// Stop cancels the workers and waits for them to return. Jobs interrupted
// mid-run are recorded as failed by the runner, and so are jobs still
// queued for a worker.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.failQueued()
		wp.logger.Infow("worker pool stopped")
	case <-time.After(stopTimeout):
		wp.logger.Warnw("worker pool stop timed out, workers may still be recording results", "timeout", stopTimeout)
	}
}

// failQueued fails the claimed jobs no worker picked up before Stop.
func (wp *WorkerPool) failQueued() {
	wp.mu.Lock()
	ids := wp.ids
	wp.mu.Unlock()

	for {
		select {
		case id := <-ids:
			wp.releaseQueued(id)
		default:
			return
		}
	}
}

func (wp *WorkerPool) releaseQueued(id int64) {
	err := wp.tracker.Fail(context.Background(), id, errors.New("interrupted: worker pool stopped before the job started"))
	if err != nil {
		wp.logger.Warnw("Failed to release queued job", logger.FieldJobID, id, logger.FieldError, err)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int, ids <-chan int64) {
	defer wp.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-ids:
			if ctx.Err() != nil {
				// picked over ctx.Done; treat it as still queued
				wp.releaseQueued(jobID)
				return
			}
			wp.run(ctx, id, jobID)
		}
	}
}

func (wp *WorkerPool) run(ctx context.Context, worker int, jobID int64) {
	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.jobsProcessed++
		wp.mu.Unlock()
	}()

	err := wp.runner.Run(ctx, jobID)
	switch {
	case err == nil:
	case db.IsDatabaseClosed(err):
		// shutting down
	case errors.IsClientInput(err):
		wp.logger.Debugw("job rejected", logger.FieldWorker, worker, logger.FieldJobID, jobID, logger.FieldError, err)
	default:
		wp.logger.Errorw("Worker error processing job", logger.FieldWorker, worker, logger.FieldJobID, jobID, logger.FieldError, err)
	}
}

// Stats returns the number of workers busy and jobs processed since Start.
func (wp *WorkerPool) Stats() (active, processed int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.activeWorkers, wp.jobsProcessed
}
