package testing

import (
	"database/sql"
	"testing"
	"time"

	"github.com/teranos/databroker/internal/util"
)

// Submission describes a submission row for tests. Zero values get defaults.
type Submission struct {
	CGACCode      string
	FRECCode      string
	FiscalYear    int
	FiscalPeriod  int
	Quarterly     bool
	Publishable   bool
	PublishStatus string
	CreatedAt     time.Time
}

// InsertSubmission inserts a submission and returns its id.
func InsertSubmission(t *testing.T, db *sql.DB, s Submission) int64 {
	t.Helper()
	if s.CGACCode == "" && s.FRECCode == "" {
		s.CGACCode = "097"
	}
	if s.FiscalYear == 0 {
		s.FiscalYear = 2024
	}
	if s.FiscalPeriod == 0 {
		s.FiscalPeriod = 6
	}
	if s.PublishStatus == "" {
		s.PublishStatus = "unpublished"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	}

	res, err := db.Exec(`INSERT INTO submissions
		(cgac_code, frec_code, reporting_fiscal_year, reporting_fiscal_period,
		 is_quarter_format, publishable, publish_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		util.NullString(s.CGACCode), util.NullString(s.FRECCode), s.FiscalYear, s.FiscalPeriod,
		s.Quarterly, s.Publishable, s.PublishStatus, s.CreatedAt, s.CreatedAt)
	if err != nil {
		t.Fatalf("Failed to insert submission: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

// Claimant owns the claim on every running job InsertJob creates. Its
// heartbeat is long past, so any lease has expired.
const Claimant = "test-worker"

// InsertJob inserts a job and returns its id.
func InsertJob(t *testing.T, db *sql.DB, submissionID int64, jobType, status, fileType string) int64 {
	t.Helper()
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	claimedBy := ""
	if status == "running" {
		claimedBy = Claimant
	}
	res, err := db.Exec(`INSERT INTO jobs
		(submission_id, job_type, job_status, file_type, filename, created_at, updated_at, claimed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		submissionID, jobType, status, fileType, fileType+".csv", now, now, claimedBy)
	if err != nil {
		t.Fatalf("Failed to insert job: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

// InsertDependency makes jobID depend on prerequisiteID.
func InsertDependency(t *testing.T, db *sql.DB, jobID, prerequisiteID int64) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO job_dependencies (job_id, prerequisite_id) VALUES (?, ?)`,
		jobID, prerequisiteID); err != nil {
		t.Fatalf("Failed to insert dependency: %v", err)
	}
}

// InsertUser inserts a user with a single affiliation and returns its id.
func InsertUser(t *testing.T, db *sql.DB, email, cgacCode, capabilities string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (name, email) VALUES (?, ?)`, email, email)
	if err != nil {
		t.Fatalf("Failed to insert user: %v", err)
	}
	id, _ := res.LastInsertId()
	if cgacCode != "" {
		if _, err := db.Exec(`INSERT INTO user_affiliations (user_id, cgac_code, capabilities) VALUES (?, ?, ?)`,
			id, cgacCode, capabilities); err != nil {
			t.Fatalf("Failed to insert affiliation: %v", err)
		}
	}
	return id
}
