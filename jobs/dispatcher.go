package jobs

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/logger"
)

// pollBatch bounds how many ready jobs one poll tick dispatches
const pollBatch = 100

// Dispatcher claims validation jobs and hands them to a Submitter.
// Dispatch returns once the job is handed off; it never waits for the run.
type Dispatcher struct {
	db      *sql.DB
	tracker *Tracker
	sink    Submitter
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher. perSecond > 0 throttles the poll loop.
func NewDispatcher(db *sql.DB, tracker *Tracker, sink Submitter, perSecond float64, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Dispatcher{db: db, tracker: tracker, sink: sink, logger: log.Named("dispatch")}
	if perSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return d
}

// Dispatch claims a validation job and hands it to the pool. A second request
// for a job that is already running fails with errors.ErrConflict. A job whose
// prerequisites are not finished cleanly, or whose submission is published,
// is marked invalid instead of run.
func (d *Dispatcher) Dispatch(ctx context.Context, id int64) error {
	job, err := d.tracker.Store().Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Type != TypeValidation {
		return errors.NewClientInputError("Wrong job type for validation: job %d is %s", id, job.Type)
	}

	claimed, err := d.tracker.MarkRunning(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		return errors.Wrapf(errors.ErrConflict, "job %d is already running", id)
	}

	if reason, err := d.blocked(ctx, job); err != nil {
		return errors.CombineErrors(err, d.tracker.Fail(ctx, id, err))
	} else if reason != "" {
		if err := d.tracker.Invalidate(ctx, id, reason); err != nil {
			return err
		}
		return errors.NewClientInputError("job %d: %s", id, reason)
	}

	if err := d.sink.Submit(id); err != nil {
		return errors.CombineErrors(err, d.tracker.Fail(ctx, id, err))
	}
	d.logger.Infow("job dispatched", logger.FieldJobID, id, logger.FieldFileType, job.FileType)
	return nil
}

// blocked returns why a claimed job must not run, or "" if it may.
func (d *Dispatcher) blocked(ctx context.Context, job *Job) (string, error) {
	var publishStatus string
	err := d.db.QueryRowContext(ctx,
		`SELECT publish_status FROM submissions WHERE submission_id = ?`, job.SubmissionID).Scan(&publishStatus)
	if err != nil {
		return "", errors.Wrapf(err, "read submission %d", job.SubmissionID)
	}
	if publishStatus != "unpublished" {
		return "Submission has already been certified", nil
	}

	prereqs, err := d.tracker.Store().Prerequisites(ctx, job.ID)
	if err != nil {
		return "", err
	}
	var pending []string
	for _, p := range prereqs {
		if !p.Clean() {
			pending = append(pending, string(p.Type)+" job "+strconv.FormatInt(p.ID, 10)+" is "+string(p.Status))
		}
	}
	if len(pending) > 0 {
		return "prerequisites not satisfied: " + strings.Join(pending, "; "), nil
	}
	return "", nil
}

// FinalizeUpload marks an upload job finished and dispatches the single
// validation job that depends on it. Returns the dispatched job's id.
func (d *Dispatcher) FinalizeUpload(ctx context.Context, uploadID int64) (int64, error) {
	job, err := d.tracker.Store().Get(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	if job.Type != TypeFileUpload {
		return 0, errors.NewClientInputError("Wrong job type for finalize route")
	}

	deps, err := d.tracker.Store().Dependents(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	switch {
	case len(deps) == 0:
		return 0, errors.NewConfigurationError("No jobs were dependent on upload job")
	case len(deps) > 1:
		return 0, errors.NewConfigurationError("Got more than one job dependent on upload job")
	}

	if job.Status != StatusFinished {
		claimed, err := d.tracker.MarkRunning(ctx, uploadID)
		if err != nil {
			return 0, err
		}
		if !claimed {
			return 0, errors.Wrapf(errors.ErrConflict, "upload job %d is already being finalized", uploadID)
		}
		if err := d.tracker.Finish(ctx, uploadID); err != nil {
			return 0, err
		}
	}

	if err := d.Dispatch(ctx, deps[0]); err != nil {
		return deps[0], err
	}
	return deps[0], nil
}

// Run dispatches ready validation jobs every interval until ctx is done.
// Once per lease it also fails jobs whose claim expired.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sweep := time.NewTicker(d.tracker.Lease())
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warnw("poll failed", logger.FieldError, err)
			}
		case <-sweep.C:
			failed, err := d.tracker.FailOrphans(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.Warnw("abandoned job sweep failed", logger.FieldError, err)
			} else if len(failed) > 0 {
				d.logger.Warnw("abandoned jobs failed", logger.FieldCount, len(failed), "job_ids", failed)
			}
		}
	}
}

// Poll dispatches the waiting, ready validation jobs once and returns how
// many were handed off.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	ready, err := d.tracker.Store().ListReady(ctx, pollBatch)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, job := range ready {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return dispatched, err
			}
		}
		err := d.Dispatch(ctx, job.ID)
		switch {
		case err == nil:
			dispatched++
		case errors.Is(err, errors.ErrConflict):
			// picked up by another dispatcher
		case errors.IsClientInput(err):
			d.logger.Infow("ready job not dispatched", logger.FieldJobID, job.ID, logger.FieldError, err.Error())
		default:
			return dispatched, err
		}
	}
	return dispatched, nil
}

// Inline runs submitted jobs synchronously on the caller's goroutine.
// Used for one-off validation from the command line.
type Inline struct {
	Ctx    context.Context
	Runner *Runner
	// Err holds the last run's error
	Err error
}

// Submit runs the job before returning.
func (s *Inline) Submit(id int64) error {
	s.Err = s.Runner.Run(s.Ctx, id)
	return nil
}
