package jobs

import (
	"database/sql"
	"time"
)

// jobColumns is the column list every job SELECT uses, in scan order.
const jobColumns = `job_id, submission_id, job_type, job_status, file_type, filename,
	number_of_rows, number_of_errors, number_of_warnings, ready, error_message,
	created_at, updated_at, started_at, finished_at, claimed_by, heartbeat_at`

// scanArgs holds the nullable columns while a row is scanned.
type scanArgs struct {
	StartedAt   sql.NullTime
	FinishedAt  sql.NullTime
	HeartbeatAt int64
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob reads one row selected with jobColumns.
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args scanArgs
	err := row.Scan(
		&job.ID,
		&job.SubmissionID,
		&job.Type,
		&job.Status,
		&job.FileType,
		&job.Filename,
		&job.NumberOfRows,
		&job.NumberOfErrors,
		&job.NumberOfWarnings,
		&job.Ready,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&args.StartedAt,
		&args.FinishedAt,
		&job.ClaimedBy,
		&args.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	job.StartedAt = timePtr(args.StartedAt)
	job.FinishedAt = timePtr(args.FinishedAt)
	if args.HeartbeatAt > 0 {
		hb := time.UnixMilli(args.HeartbeatAt).UTC()
		job.HeartbeatAt = &hb
	}
	return &job, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
