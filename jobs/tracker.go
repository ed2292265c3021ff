package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/logger"
)

// DefaultLease is how long a claim survives without a heartbeat
const DefaultLease = 2 * time.Minute

// Tracker performs job status transitions. Each transition is a conditional
// UPDATE so two callers can never both move a job out of the same state.
//
// A tracker claims jobs under its own owner id. Only the owner moves a
// running job on, and it must heartbeat at least once per lease; a claim
// left longer than that is failed by FailOrphans in any process.
type Tracker struct {
	db     *sql.DB
	store  *Store
	logger *zap.SugaredLogger
	now    func() time.Time
	owner  string
	lease  time.Duration
}

// NewTracker creates a tracker over db with a fresh owner id
func NewTracker(db *sql.DB, log *zap.SugaredLogger) *Tracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{
		db:     db,
		store:  NewStore(db),
		logger: log.Named("jobs"),
		now:    time.Now,
		owner:  newOwner(),
		lease:  DefaultLease,
	}
}

// newOwner returns host:pid:random so claims can be traced to a process.
func newOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Store returns the tracker's job store
func (t *Tracker) Store() *Store { return t.store }

// Owner returns the id this tracker claims jobs under
func (t *Tracker) Owner() string { return t.owner }

// Lease returns how long a claim survives without a heartbeat
func (t *Tracker) Lease() time.Duration { return t.lease }

// SetLease changes the lease. Non-positive values keep the current one.
func (t *Tracker) SetLease(d time.Duration) {
	if d > 0 {
		t.lease = d
	}
}

// MarkRunning claims a waiting or failed job for this tracker's owner.
// claimed is false, with no error, when the job is already running under
// any owner. Other states are client errors.
func (t *Tracker) MarkRunning(ctx context.Context, id int64) (claimed bool, err error) {
	now := t.now().UTC()
	res, err := t.db.ExecContext(ctx,
		`UPDATE jobs SET job_status = ?, started_at = ?, finished_at = NULL, error_message = '', updated_at = ?,
		        claimed_by = ?, heartbeat_at = ?
		 WHERE job_id = ? AND job_status IN (?, ?)`,
		StatusRunning, now, now, t.owner, now.UnixMilli(), id, StatusWaiting, StatusFailed)
	if err != nil {
		return false, errors.Wrapf(err, "claim job %d", id)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		t.logger.Debugw("job claimed", logger.FieldJobID, id, "owner", t.owner)
		return true, nil
	}

	job, err := t.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status == StatusRunning {
		return false, nil
	}
	return false, errors.NewClientInputError("job %d is %s", id, job.Status)
}

// Finish moves a running job to finished, then updates the ready flag of its
// dependents and the submission's publishable flag in the same transaction.
func (t *Tracker) Finish(ctx context.Context, id int64) error {
	return t.transition(ctx, id, StatusFinished, "")
}

// Invalidate moves a running job to invalid with a reason the user can act on.
func (t *Tracker) Invalidate(ctx context.Context, id int64, reason string) error {
	return t.transition(ctx, id, StatusInvalid, reason)
}

// Fail moves a running job to failed and stores the error text.
func (t *Tracker) Fail(ctx context.Context, id int64, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.transition(ctx, id, StatusFailed, msg)
}

// Heartbeat extends this tracker's claim on a running job. It fails with
// errors.ErrConflict once the job is no longer running under this owner.
func (t *Tracker) Heartbeat(ctx context.Context, id int64) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = ? WHERE job_id = ? AND job_status = ? AND claimed_by = ?`,
		t.now().UTC().UnixMilli(), id, StatusRunning, t.owner)
	if err != nil {
		return errors.Wrapf(err, "heartbeat job %d", id)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errors.Wrapf(errors.ErrConflict, "job %d is no longer claimed by %s", id, t.owner)
	}
	return nil
}

func (t *Tracker) transition(ctx context.Context, id int64, to Status, message string) error {
	moved, err := t.move(ctx, id, to, message, `claimed_by = ?`, t.owner)
	if err != nil {
		return err
	}
	if !moved {
		return t.notClaimed(ctx, id)
	}

	fields := []interface{}{logger.FieldJobID, id, logger.FieldStatus, string(to)}
	if message != "" {
		fields = append(fields, logger.FieldError, message)
	}
	t.logger.Infow("job "+string(to), fields...)
	return nil
}

// move updates a running job that also matches cond, then refreshes its
// dependents and the submission's publishable flag in the same transaction.
// moved is false when no row matched.
func (t *Tracker) move(ctx context.Context, id int64, to Status, message, cond string, condArgs ...interface{}) (moved bool, err error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrapf(err, "begin %s transition for job %d", to, id)
	}
	defer tx.Rollback()

	now := t.now().UTC()
	args := append([]interface{}{to, message, now, now, id, StatusRunning}, condArgs...)
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET job_status = ?, error_message = ?, finished_at = ?, updated_at = ?
		 WHERE job_id = ? AND job_status = ? AND `+cond, args...)
	if err != nil {
		return false, errors.Wrapf(err, "mark job %d %s", id, to)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}

	var submissionID int64
	if err := tx.QueryRowContext(ctx, `SELECT submission_id FROM jobs WHERE job_id = ?`, id).Scan(&submissionID); err != nil {
		return false, errors.Wrapf(err, "read job %d", id)
	}
	if err := releaseDependents(ctx, tx, id); err != nil {
		return false, err
	}
	if err := refreshPublishable(ctx, tx, submissionID, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "commit %s transition for job %d", to, id)
	}
	return true, nil
}

// notClaimed explains why a transition by this owner matched no row.
func (t *Tracker) notClaimed(ctx context.Context, id int64) error {
	job, err := t.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == StatusRunning {
		return errors.Wrapf(errors.ErrConflict, "job %d is claimed by %s", id, job.ClaimedBy)
	}
	return errors.NewClientInputError("job %d is %s, not running", id, job.Status)
}

// Reset puts a finished, invalid or failed job back to waiting so it can be
// validated again. Jobs of published submissions cannot be reset.
func (t *Tracker) Reset(ctx context.Context, id int64) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin reset for job %d", id)
	}
	defer tx.Rollback()

	var submissionID int64
	var publishStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT j.submission_id, s.publish_status FROM jobs j
		 JOIN submissions s ON s.submission_id = j.submission_id
		 WHERE j.job_id = ?`, id).Scan(&submissionID, &publishStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job %d", id)
	}
	if err != nil {
		return errors.Wrapf(err, "read job %d", id)
	}
	if publishStatus != "unpublished" {
		return errors.NewClientInputError("Submission has already been certified")
	}

	now := t.now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET job_status = ?, error_message = '', started_at = NULL, finished_at = NULL, updated_at = ?,
		        claimed_by = '', heartbeat_at = 0
		 WHERE job_id = ? AND job_status IN (?, ?, ?)`,
		StatusWaiting, now, id, StatusFinished, StatusInvalid, StatusFailed)
	if err != nil {
		return errors.Wrapf(err, "reset job %d", id)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errors.Wrapf(errors.ErrConflict, "job %d is running or already waiting", id)
	}
	if err := releaseDependents(ctx, tx, id); err != nil {
		return err
	}
	if err := refreshPublishable(ctx, tx, submissionID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit reset for job %d", id)
	}

	t.logger.Infow("job reset", logger.FieldJobID, id)
	return nil
}

// FailOrphans marks running jobs failed whose owner has not sent a
// heartbeat within the lease, whichever process claimed them. Claims that
// are still alive are left alone. Returns the ids it failed.
func (t *Tracker) FailOrphans(ctx context.Context) ([]int64, error) {
	cutoff := t.now().UTC().Add(-t.lease).UnixMilli()
	orphans, err := t.store.ListStale(ctx, cutoff, MaxOrphanedJobs)
	if err != nil {
		return nil, err
	}
	var failed []int64
	for _, job := range orphans {
		msg := fmt.Sprintf("interrupted: worker %s stopped reporting before the job completed", job.ClaimedBy)
		if job.ClaimedBy == "" {
			msg = "interrupted: worker exited before the job completed"
		}
		// the heartbeat is checked again so a claim renewed since the
		// listing survives
		moved, err := t.move(ctx, job.ID, StatusFailed, msg, `heartbeat_at < ?`, cutoff)
		if err != nil {
			return failed, err
		}
		if !moved {
			continue
		}
		t.logger.Warnw("abandoned job failed", logger.FieldJobID, job.ID, "owner", job.ClaimedBy)
		failed = append(failed, job.ID)
	}
	return failed, nil
}

// releaseDependents recomputes the ready flag of every job that waits on id.
func releaseDependents(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE jobs SET ready = NOT EXISTS (
		     SELECT 1 FROM job_dependencies d
		     JOIN jobs p ON p.job_id = d.prerequisite_id
		     WHERE d.job_id = jobs.job_id
		       AND NOT (p.job_status = ? AND (p.job_type <> ? OR p.number_of_errors = 0))
		 )
		 WHERE job_id IN (SELECT job_id FROM job_dependencies WHERE prerequisite_id = ?)`,
		StatusFinished, TypeValidation, id)
	return errors.Wrapf(err, "release dependents of job %d", id)
}

// refreshPublishable sets publishable when every validation job of the
// submission finished without errors.
func refreshPublishable(ctx context.Context, tx *sql.Tx, submissionID int64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE submissions SET updated_at = ?, publishable = (
		     EXISTS (SELECT 1 FROM jobs WHERE submission_id = ? AND job_type = ?)
		     AND NOT EXISTS (
		         SELECT 1 FROM jobs WHERE submission_id = ? AND job_type = ?
		           AND NOT (job_status = ? AND number_of_errors = 0)
		     )
		 )
		 WHERE submission_id = ?`,
		now, submissionID, TypeValidation, submissionID, TypeValidation, StatusFinished, submissionID)
	return errors.Wrapf(err, "refresh publishable for submission %d", submissionID)
}
