package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/teranos/databroker/am"
	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/jobs"
)

// ReportLocator says where a job's error or warning report lives. Signing
// or uploading the report happens outside the broker.
type ReportLocator interface {
	Locate(job *jobs.Job, warning bool) (string, error)
}

// PathLocator places reports under BasePath, one directory per submission.
type PathLocator struct {
	BasePath string
}

// Locate returns <base>/submission_<id>/job_<id>_<file type>_{error,warning}_report.csv
func (p PathLocator) Locate(job *jobs.Job, warning bool) (string, error) {
	if job.FileType == "" {
		return "", errors.NewClientInputError("job %d has no file type", job.ID)
	}
	base := p.BasePath
	if base == "" {
		base = am.DefaultReportsPath
	}
	kind := "error"
	if warning {
		kind = "warning"
	}
	name := fmt.Sprintf("job_%d_%s_%s_report.csv", job.ID, job.FileType, kind)
	return filepath.Join(base, fmt.Sprintf("submission_%d", job.SubmissionID), name), nil
}

// Location lists both report locations of one validation job.
type Location struct {
	JobID         int64  `json:"job_id"`
	FileType      string `json:"file_type"`
	ErrorReport   string `json:"error_report"`
	WarningReport string `json:"warning_report"`
}

// ReportLocations returns report locations for every validation job of a submission.
func (r *Reporter) ReportLocations(ctx context.Context, submissionID int64) ([]Location, error) {
	list, err := r.validationJobs(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	out := make([]Location, 0, len(list))
	for _, j := range list {
		loc := Location{JobID: j.ID, FileType: j.FileType}
		if loc.ErrorReport, err = r.locator.Locate(j, false); err != nil {
			return nil, err
		}
		if loc.WarningReport, err = r.locator.Locate(j, true); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, nil
}

var reportHeader = []string{"Field name", "Error message", "Rule label", "Occurrences", "First row"}

// WriteReport writes a job's aggregated errors, or warnings, as CSV and
// returns the number of data rows written.
func (r *Reporter) WriteReport(ctx context.Context, jobID int64, warning bool, w io.Writer) (int, error) {
	if _, err := r.jobs.Get(ctx, jobID); err != nil {
		return 0, err
	}
	table := "error_data"
	if warning {
		table = "warning_data"
	}
	metrics, err := r.metrics(ctx, table, jobID)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return 0, errors.Wrap(err, "write report header")
	}
	for _, m := range metrics {
		if err := cw.Write([]string{
			m.FieldName, m.ErrorName, m.RuleLabel,
			strconv.Itoa(m.Occurrences), strconv.Itoa(m.FirstRow),
		}); err != nil {
			return 0, errors.Wrapf(err, "write report for job %d", jobID)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, errors.Wrapf(err, "write report for job %d", jobID)
	}
	return len(metrics), nil
}
