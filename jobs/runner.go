package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/logger"
)

// Runner executes one claimed job through its handler and records the outcome.
type Runner struct {
	tracker  *Tracker
	registry *HandlerRegistry
	logger   *zap.SugaredLogger
}

// NewRunner creates a runner dispatching to the handlers in registry
func NewRunner(tracker *Tracker, registry *HandlerRegistry, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{tracker: tracker, registry: registry, logger: log.Named("runner")}
}

// Run executes a job this runner's tracker claimed and moves it to finished,
// invalid or failed. The claim is kept alive while the handler runs; if it
// is lost the handler's context is cancelled and no outcome is recorded.
// It returns the handler's error, or an error recording the outcome.
// The outcome is recorded even when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, id int64) error {
	record := context.WithoutCancel(ctx)

	job, err := r.tracker.Store().Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusRunning {
		return errors.NewClientInputError("job %d is %s, not running", id, job.Status)
	}
	if job.ClaimedBy != r.tracker.Owner() {
		return errors.Wrapf(errors.ErrConflict, "job %d is claimed by %s", id, job.ClaimedBy)
	}

	handler := r.registry.Get(job.Type)
	if handler == nil {
		err := errors.NewConfigurationError("no handler registered for job type %s", job.Type)
		return errors.CombineErrors(err, r.tracker.Fail(record, id, err))
	}

	ctx = logger.WithJobID(ctx, id)
	ctx = logger.WithSubmissionID(ctx, job.SubmissionID)
	log := r.logger.With(logger.FieldJobID, id, logger.FieldSubmissionID, job.SubmissionID, logger.FieldFileType, job.FileType)

	runCtx, abandon := context.WithCancelCause(ctx)
	defer abandon(nil)
	stopHeartbeat := r.heartbeat(runCtx, id, abandon, log)

	start := time.Now()
	runErr := handler.Execute(runCtx, job)
	elapsed := time.Since(start).Milliseconds()
	stopHeartbeat()

	switch {
	case ctx.Err() == nil && runCtx.Err() != nil:
		// the claim went to someone else; the outcome is theirs to record
		cause := context.Cause(runCtx)
		log.Warnw("job claim lost", logger.FieldDurationMS, elapsed, logger.FieldError, cause)
		return errors.Wrapf(cause, "job %d abandoned", id)

	case runErr == nil:
		log.Infow("job finished", logger.FieldDurationMS, elapsed)
		return r.tracker.Finish(record, id)

	case ctx.Err() != nil:
		log.Warnw("job interrupted", logger.FieldDurationMS, elapsed, logger.FieldError, runErr)
		return errors.CombineErrors(runErr, r.tracker.Fail(record, id, errors.Wrap(runErr, "interrupted")))

	case errors.IsClientInput(runErr):
		log.Infow("job invalid", logger.FieldDurationMS, elapsed, logger.FieldError, runErr.Error())
		return errors.CombineErrors(runErr, r.tracker.Invalidate(record, id, runErr.Error()))

	default:
		ec := ClassifyError(handler.Name(), runErr)
		log.Errorw("job failed",
			logger.FieldDurationMS, elapsed,
			logger.FieldErrorType, string(ec.Code),
			logger.FieldError, runErr,
			"needs_operator", ec.NeedsOperator,
			"details", errors.GetAllDetails(runErr))
		return errors.CombineErrors(runErr, r.tracker.Fail(record, id, runErr))
	}
}

// heartbeat renews the claim on id every third of the lease until the
// returned stop is called. Losing the claim cancels ctx through abandon.
func (r *Runner) heartbeat(ctx context.Context, id int64, abandon context.CancelCauseFunc, log *zap.SugaredLogger) (stop func()) {
	every := r.tracker.Lease() / 3
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := r.tracker.Heartbeat(ctx, id)
				switch {
				case err == nil:
				case errors.Is(err, errors.ErrConflict):
					abandon(err)
					return
				case ctx.Err() == nil:
					// a missed beat is retried; the lease leaves room for two
					log.Warnw("heartbeat failed", logger.FieldError, err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}
