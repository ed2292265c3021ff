package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/databroker/errors"
)

// Store handles persistence of jobs and their dependencies
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts a new waiting job and returns its id
func (s *Store) Create(ctx context.Context, job *Job) (int64, error) {
	if job.Status == "" {
		job.Status = StatusWaiting
	}
	now := s.now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (submission_id, job_type, job_status, file_type, filename, ready, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.SubmissionID, job.Type, job.Status, job.FileType, job.Filename, job.Ready, now, now)
	if err != nil {
		return 0, errors.Wrapf(err, "create %s job for submission %d", job.Type, job.SubmissionID)
	}
	job.ID, err = res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "read new job id")
	}
	return job.ID, nil
}

// AddDependency makes jobID wait for prerequisiteID
func (s *Store) AddDependency(ctx context.Context, jobID, prerequisiteID int64) error {
	if jobID == prerequisiteID {
		return errors.NewConfigurationError("job %d cannot depend on itself", jobID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO job_dependencies (job_id, prerequisite_id) VALUES (?, ?)`,
		jobID, prerequisiteID)
	return errors.Wrapf(err, "add dependency %d -> %d", prerequisiteID, jobID)
}

// FileJobs is the upload and validation job pair of one submitted file.
type FileJobs struct {
	FileType     string `json:"file_type"`
	Filename     string `json:"filename"`
	UploadID     int64  `json:"upload_job_id"`
	ValidationID int64  `json:"validation_job_id"`
}

// CreateFileJobs creates an upload job and a validation job waiting on it
// for every file.
func (s *Store) CreateFileJobs(ctx context.Context, submissionID int64, files []FileJobs) ([]FileJobs, error) {
	out := make([]FileJobs, 0, len(files))
	for _, f := range files {
		if f.FileType == "" {
			return nil, errors.NewClientInputError("file %q has no file type", f.Filename)
		}
		upload := &Job{SubmissionID: submissionID, Type: TypeFileUpload, FileType: f.FileType, Filename: f.Filename, Ready: true}
		if _, err := s.Create(ctx, upload); err != nil {
			return nil, err
		}
		validation := &Job{SubmissionID: submissionID, Type: TypeValidation, FileType: f.FileType, Filename: f.Filename}
		if _, err := s.Create(ctx, validation); err != nil {
			return nil, err
		}
		if err := s.AddDependency(ctx, validation.ID, upload.ID); err != nil {
			return nil, err
		}
		f.UploadID, f.ValidationID = upload.ID, validation.ID
		out = append(out, f)
	}
	return out, nil
}

// Get retrieves a job by ID
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %d", id)
	}
	return job, nil
}

// ListBySubmission returns a submission's jobs in creation order
func (s *Store) ListBySubmission(ctx context.Context, submissionID int64) ([]*Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE submission_id = ? ORDER BY job_id`, submissionID)
}

// ListStale returns up to limit running jobs whose last heartbeat, in unix
// milliseconds, is before cutoff
func (s *Store) ListStale(ctx context.Context, cutoff int64, limit int) ([]*Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE job_status = ? AND heartbeat_at < ?
		 ORDER BY job_id LIMIT ?`,
		StatusRunning, cutoff, limit)
}

// ListReady returns waiting validation jobs whose prerequisites are satisfied
func (s *Store) ListReady(ctx context.Context, limit int) ([]*Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE job_status = ? AND ready = 1 AND job_type = ?
		 ORDER BY job_id LIMIT ?`,
		StatusWaiting, TypeValidation, limit)
}

// Dependents returns the ids of jobs that wait on id
func (s *Store) Dependents(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM job_dependencies WHERE prerequisite_id = ? ORDER BY job_id`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "list dependents of job %d", id)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return nil, errors.Wrap(err, "scan dependent")
		}
		ids = append(ids, dep)
	}
	return ids, rows.Err()
}

// Prerequisites returns the jobs id waits on
func (s *Store) Prerequisites(ctx context.Context, id int64) ([]*Job, error) {
	return s.list(ctx,
		`SELECT `+prefixed("j")+` FROM jobs j
		 JOIN job_dependencies d ON d.prerequisite_id = j.job_id
		 WHERE d.job_id = ? ORDER BY j.job_id`, id)
}

// Counts returns how many jobs are in each status
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_status, COUNT(*) FROM jobs GROUP BY job_status`)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan job count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// prefixed qualifies jobColumns with a table alias.
func prefixed(alias string) string {
	return alias + `.job_id, ` + alias + `.submission_id, ` + alias + `.job_type, ` + alias + `.job_status, ` +
		alias + `.file_type, ` + alias + `.filename, ` + alias + `.number_of_rows, ` + alias + `.number_of_errors, ` +
		alias + `.number_of_warnings, ` + alias + `.ready, ` + alias + `.error_message, ` + alias + `.created_at, ` +
		alias + `.updated_at, ` + alias + `.started_at, ` + alias + `.finished_at, ` + alias + `.claimed_by, ` +
		alias + `.heartbeat_at`
}
