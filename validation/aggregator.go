package validation

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/logger"
	"github.com/teranos/databroker/rules"
)

// Aggregator persists tallies. Every write replaces what the job had before,
// so flushing the same tally twice leaves the same rows.
type Aggregator struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewAggregator creates an aggregator writing to db.
func NewAggregator(db *sql.DB, log *zap.SugaredLogger) *Aggregator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Aggregator{db: db, logger: log.Named("aggregator"), now: time.Now}
}

// Flush writes the tally's entries, the file status and the job's error and
// warning counts in one transaction. It returns the number of detail rows written.
func (a *Aggregator) Flush(ctx context.Context, t *Tally) (int, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.WrapValidationFault(err, "begin flush for job %d", t.JobID)
	}
	defer tx.Rollback()

	if err := clearDetails(ctx, tx, t.JobID); err != nil {
		return 0, err
	}

	written := 0
	for _, e := range t.Entries() {
		table := "error_data"
		if e.Severity == rules.SeverityWarning {
			table = "warning_data"
		}
		errorType, ruleFailed := "", ""
		if e.Derived {
			errorType = e.Rule
		} else {
			ruleFailed = e.Message
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+` (job_id, filename, field_name, error_type, rule_failed, original_rule_label, occurrences, first_row)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.JobID, t.Filename, e.Field, errorType, ruleFailed, e.Label, e.Count, e.FirstRow); err != nil {
			return 0, errors.WrapValidationFault(err, "insert %s for job %d", table, t.JobID)
		}
		written++
	}

	status := StatusComplete
	if t.Len() > 0 {
		status = StatusRowErrorsPresent
	}
	now := a.now().UTC()
	if err := updateCounts(ctx, tx, t.JobID, t.Rows(), t.Errors(), t.Warnings(), now); err != nil {
		return 0, err
	}
	if err := upsertFileStatus(ctx, tx, t.JobID, t.Filename, status, nil, nil, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.WrapValidationFault(err, "commit flush for job %d", t.JobID)
	}

	a.logger.Infow("tally flushed",
		logger.FieldJobID, t.JobID,
		logger.FieldCount, written,
		logger.FieldErrors, t.Errors(),
		logger.FieldWarnings, t.Warnings(),
		logger.FieldStatus, string(status))
	return written, nil
}

// WriteFileError records a file-level failure: detail rows are cleared,
// counts zeroed and the header problem stored on the file status.
func (a *Aggregator) WriteFileError(ctx context.Context, jobID int64, filename string, herr *HeaderError) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapValidationFault(err, "begin file error for job %d", jobID)
	}
	defer tx.Rollback()

	if err := clearDetails(ctx, tx, jobID); err != nil {
		return err
	}
	now := a.now().UTC()
	if err := updateCounts(ctx, tx, jobID, 0, 0, 0, now); err != nil {
		return err
	}
	if err := upsertFileStatus(ctx, tx, jobID, filename, herr.Status, herr.Missing, herr.Duplicated, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapValidationFault(err, "commit file error for job %d", jobID)
	}

	a.logger.Warnw("file rejected",
		logger.FieldJobID, jobID,
		logger.FieldFilename, filename,
		logger.FieldStatus, string(herr.Status),
		"missing", herr.Missing,
		"duplicated", herr.Duplicated)
	return nil
}

func clearDetails(ctx context.Context, tx *sql.Tx, jobID int64) error {
	for _, table := range []string{"error_data", "warning_data"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE job_id = ?`, jobID); err != nil {
			return errors.WrapValidationFault(err, "clear %s for job %d", table, jobID)
		}
	}
	return nil
}

func upsertFileStatus(ctx context.Context, tx *sql.Tx, jobID int64, filename string, status FileStatus, missing, duplicated []string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO file_status (job_id, filename, status, headers_missing, headers_duplicated, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   filename = excluded.filename,
		   status = excluded.status,
		   headers_missing = excluded.headers_missing,
		   headers_duplicated = excluded.headers_duplicated,
		   updated_at = excluded.updated_at`,
		jobID, filename, string(status), strings.Join(missing, ","), strings.Join(duplicated, ","), now)
	if err != nil {
		return errors.WrapValidationFault(err, "write file status for job %d", jobID)
	}
	return nil
}

func updateCounts(ctx context.Context, tx *sql.Tx, jobID int64, rows, errCount, warnCount int, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET number_of_rows = ?, number_of_errors = ?, number_of_warnings = ?, updated_at = ?
		 WHERE job_id = ?`,
		rows, errCount, warnCount, now, jobID)
	if err != nil {
		return errors.WrapValidationFault(err, "update counts for job %d", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapValidationFault(err, "update counts for job %d", jobID)
	}
	if n != 1 {
		return errors.NewNotFoundError("job %d", jobID)
	}
	return nil
}
