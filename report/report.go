// Package report builds read-only views of submissions: job status, error
// metrics and where each job's error reports live.
package report

import (
	"context"
	"database/sql"
	"strings"

	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/jobs"
)

// JobStatus is one job of a submission as shown to the submitter.
type JobStatus struct {
	JobID             int64    `json:"job_id"`
	JobType           string   `json:"job_type"`
	Status            string   `json:"status"`
	FileType          string   `json:"file_type"`
	Filename          string   `json:"filename,omitempty"`
	Rows              int      `json:"number_of_rows"`
	Errors            int      `json:"number_of_errors"`
	Warnings          int      `json:"number_of_warnings"`
	FileStatus        string   `json:"file_status,omitempty"`
	HeadersMissing    []string `json:"missing_headers,omitempty"`
	HeadersDuplicated []string `json:"duplicated_headers,omitempty"`
	Message           string   `json:"error_message,omitempty"`
}

// SubmissionStatus is the status view of one submission.
type SubmissionStatus struct {
	SubmissionID  int64       `json:"submission_id"`
	PublishStatus string      `json:"publish_status"`
	Publishable   bool        `json:"publishable"`
	Jobs          []JobStatus `json:"jobs"`
}

// Metric is one aggregated error or warning of a file.
type Metric struct {
	FieldName   string `json:"field_name"`
	ErrorName   string `json:"error_name"`
	RuleLabel   string `json:"original_label,omitempty"`
	Occurrences int    `json:"occurrences"`
	FirstRow    int    `json:"first_row"`
}

// FileMetrics holds a file's errors and warnings.
type FileMetrics struct {
	JobID    int64    `json:"job_id"`
	Errors   []Metric `json:"errors"`
	Warnings []Metric `json:"warnings"`
}

// Reporter answers status and metric queries.
type Reporter struct {
	db      *sql.DB
	jobs    *jobs.Store
	locator ReportLocator
}

// NewReporter creates a reporter. A nil locator uses PathLocator under "reports".
func NewReporter(db *sql.DB, locator ReportLocator) *Reporter {
	if locator == nil {
		locator = PathLocator{}
	}
	return &Reporter{db: db, jobs: jobs.NewStore(db), locator: locator}
}

// SubmissionStatus returns every job of the submission with its file status.
func (r *Reporter) SubmissionStatus(ctx context.Context, submissionID int64) (*SubmissionStatus, error) {
	out := &SubmissionStatus{SubmissionID: submissionID, Jobs: []JobStatus{}}
	err := r.db.QueryRowContext(ctx,
		`SELECT publish_status, publishable FROM submissions WHERE submission_id = ?`, submissionID).
		Scan(&out.PublishStatus, &out.Publishable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("submission %d", submissionID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load submission %d", submissionID)
	}

	list, err := r.jobs.ListBySubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	files, err := r.fileStatuses(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	for _, j := range list {
		js := JobStatus{
			JobID:    j.ID,
			JobType:  string(j.Type),
			Status:   string(j.Status),
			FileType: j.FileType,
			Filename: j.Filename,
			Rows:     j.NumberOfRows,
			Errors:   j.NumberOfErrors,
			Warnings: j.NumberOfWarnings,
			Message:  j.Error,
		}
		if f, ok := files[j.ID]; ok {
			js.FileStatus = f.status
			js.HeadersMissing = splitList(f.missing)
			js.HeadersDuplicated = splitList(f.duplicated)
		}
		out.Jobs = append(out.Jobs, js)
	}
	return out, nil
}

type fileStatus struct {
	status, missing, duplicated string
}

func (r *Reporter) fileStatuses(ctx context.Context, submissionID int64) (map[int64]fileStatus, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT f.job_id, f.status, f.headers_missing, f.headers_duplicated
		 FROM file_status f JOIN jobs j ON j.job_id = f.job_id
		 WHERE j.submission_id = ?`, submissionID)
	if err != nil {
		return nil, errors.Wrapf(err, "file status for submission %d", submissionID)
	}
	defer rows.Close()

	out := make(map[int64]fileStatus)
	for rows.Next() {
		var id int64
		var f fileStatus
		if err := rows.Scan(&id, &f.status, &f.missing, &f.duplicated); err != nil {
			return nil, errors.Wrap(err, "scan file status")
		}
		out[id] = f
	}
	return out, rows.Err()
}

// ErrorMetrics returns the aggregated errors and warnings of every
// validation job, keyed by file type.
func (r *Reporter) ErrorMetrics(ctx context.Context, submissionID int64) (map[string]FileMetrics, error) {
	list, err := r.validationJobs(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]FileMetrics, len(list))
	for _, j := range list {
		fm := FileMetrics{JobID: j.ID}
		if fm.Errors, err = r.metrics(ctx, "error_data", j.ID); err != nil {
			return nil, err
		}
		if fm.Warnings, err = r.metrics(ctx, "warning_data", j.ID); err != nil {
			return nil, err
		}
		out[j.FileType] = fm
	}
	return out, nil
}

func (r *Reporter) metrics(ctx context.Context, table string, jobID int64) ([]Metric, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT field_name, CASE WHEN error_type <> '' THEN error_type ELSE rule_failed END,
		        original_rule_label, occurrences, first_row
		 FROM `+table+` WHERE job_id = ? ORDER BY first_row, field_name`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s for job %d", table, jobID)
	}
	defer rows.Close()

	out := []Metric{}
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.FieldName, &m.ErrorName, &m.RuleLabel, &m.Occurrences, &m.FirstRow); err != nil {
			return nil, errors.Wrapf(err, "scan %s", table)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// validationJobs lists a submission's validation jobs, NotFound if the
// submission does not exist.
func (r *Reporter) validationJobs(ctx context.Context, submissionID int64) ([]*jobs.Job, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE submission_id = ?)`, submissionID).Scan(&exists); err != nil {
		return nil, errors.Wrapf(err, "load submission %d", submissionID)
	}
	if !exists {
		return nil, errors.NewNotFoundError("submission %d", submissionID)
	}

	all, err := r.jobs.ListBySubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	var out []*jobs.Job
	for _, j := range all {
		if j.Type == jobs.TypeValidation {
			out = append(out, j)
		}
	}
	return out, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
