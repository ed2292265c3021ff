package validation

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/databroker/errors"
	brokertest "github.com/teranos/databroker/internal/testing"
	"github.com/teranos/databroker/jobs"
	"github.com/teranos/databroker/rules"
	"github.com/teranos/databroker/staging"
)

const programActivityHeader = "agency_identifier,main_account_code,sub_account_code,object_class," +
	"obligations_undelivered_or_fyb,ussgl480100_undelivered_or_fyb\n"

type pipeline struct {
	db         *sql.DB
	loader     *staging.Loader
	dispatcher *jobs.Dispatcher
	inline     *jobs.Inline
	tracker    *jobs.Tracker
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	db := brokertest.CreateTestDB(t)

	store, err := rules.NewStore("", log)
	require.NoError(t, err)

	handler := NewHandler(
		staging.NewStore(db, 2),
		NewEvaluator(store, staging.NewReference(db), log),
		NewAggregator(db, log),
		log,
	)
	registry := jobs.NewHandlerRegistry()
	registry.Register(handler)

	tracker := jobs.NewTracker(db, log)
	inline := &jobs.Inline{Ctx: context.Background(), Runner: jobs.NewRunner(tracker, registry, log)}

	return &pipeline{
		db:         db,
		loader:     staging.NewLoader(db, log),
		dispatcher: jobs.NewDispatcher(db, tracker, inline, 0, log),
		inline:     inline,
		tracker:    tracker,
	}
}

// upload creates an upload job with one dependent validation job, stages
// csv for the validation job and returns both ids.
func (p *pipeline) upload(t *testing.T, submissionID int64, csv string) (int64, int64) {
	t.Helper()
	uploadID := brokertest.InsertJob(t, p.db, submissionID, "file_upload", "waiting", "program_activity")
	validationID := brokertest.InsertJob(t, p.db, submissionID, "validation", "waiting", "program_activity")
	brokertest.InsertDependency(t, p.db, validationID, uploadID)

	_, err := p.loader.Stage(context.Background(), validationID, "program_activity.csv", []byte(csv))
	require.NoError(t, err)
	return uploadID, validationID
}

func (p *pipeline) job(t *testing.T, id int64) *jobs.Job {
	t.Helper()
	job, err := p.tracker.Store().Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (p *pipeline) publishable(t *testing.T, submissionID int64) bool {
	t.Helper()
	var publishable bool
	require.NoError(t, p.db.QueryRow(`SELECT publishable FROM submissions WHERE submission_id = ?`, submissionID).Scan(&publishable))
	return publishable
}

func TestHandler_FinalizeRunsValidation(t *testing.T) {
	p := newPipeline(t)
	sub := brokertest.InsertSubmission(t, p.db, brokertest.Submission{})

	uploadID, validationID := p.upload(t, sub, programActivityHeader+
		"097,0100,000,1100,10.00,10.00\n"+
		"097,0100,000,1100,10.00,10.01\n"+
		"097,0100,000,1100,,7\n")

	got, err := p.dispatcher.FinalizeUpload(context.Background(), uploadID)
	require.NoError(t, err)
	assert.Equal(t, validationID, got)
	require.NoError(t, p.inline.Err)

	job := p.job(t, validationID)
	assert.Equal(t, jobs.StatusFinished, job.Status)
	assert.Equal(t, 3, job.NumberOfRows)
	assert.Equal(t, 1, job.NumberOfErrors, "only the B3 mismatch on row 2")
	assert.Equal(t, 3, job.NumberOfWarnings, "no appropriations file, so B9 warns on every row")
	assert.False(t, p.publishable(t, sub), "errors block publication")

	var firstRow int
	var message string
	require.NoError(t, p.db.QueryRow(`SELECT first_row, rule_failed FROM error_data WHERE job_id = ? AND original_rule_label = 'B3'`, validationID).
		Scan(&firstRow, &message))
	assert.Equal(t, 2, firstRow)
	assert.Contains(t, message, "ussgl480100_undelivered_or_fyb: 10.01")
}

func TestHandler_CleanFileMakesSubmissionPublishable(t *testing.T) {
	p := newPipeline(t)
	sub := brokertest.InsertSubmission(t, p.db, brokertest.Submission{})

	// the appropriations file satisfies B9
	approps := brokertest.InsertJob(t, p.db, sub, "validation", "finished", "appropriations")
	_, err := p.loader.Stage(context.Background(), approps, "appropriations.csv",
		[]byte("agency_identifier,main_account_code,sub_account_code\n097,0100,000\n"))
	require.NoError(t, err)

	uploadID, validationID := p.upload(t, sub, programActivityHeader+"097,0100,000,1100,5,5\n")
	_, err = p.dispatcher.FinalizeUpload(context.Background(), uploadID)
	require.NoError(t, err)
	require.NoError(t, p.inline.Err)

	job := p.job(t, validationID)
	assert.Equal(t, jobs.StatusFinished, job.Status)
	assert.Equal(t, 0, job.NumberOfErrors)
	assert.Equal(t, 0, job.NumberOfWarnings)
	assert.True(t, p.publishable(t, sub))
}

func TestHandler_HeaderFailureInvalidatesJob(t *testing.T) {
	p := newPipeline(t)
	sub := brokertest.InsertSubmission(t, p.db, brokertest.Submission{})

	uploadID, validationID := p.upload(t, sub, "agency_identifier,object_class\n097,1100\n")

	_, err := p.dispatcher.FinalizeUpload(context.Background(), uploadID)
	require.NoError(t, err, "the hand-off succeeds; the run reports the header problem")
	require.Error(t, p.inline.Err)
	assert.True(t, errors.IsClientInput(p.inline.Err))

	job := p.job(t, validationID)
	assert.Equal(t, jobs.StatusInvalid, job.Status)
	assert.Contains(t, job.Error, "main_account_code")

	var status, missing string
	require.NoError(t, p.db.QueryRow(`SELECT status, headers_missing FROM file_status WHERE job_id = ?`, validationID).
		Scan(&status, &missing))
	assert.Equal(t, string(StatusMissingHeader), status)
	assert.Equal(t, "main_account_code,sub_account_code", missing)
}

func TestHandler_NoStagedDataInvalidatesJob(t *testing.T) {
	p := newPipeline(t)
	sub := brokertest.InsertSubmission(t, p.db, brokertest.Submission{})
	validationID := brokertest.InsertJob(t, p.db, sub, "validation", "waiting", "program_activity")

	require.NoError(t, p.dispatcher.Dispatch(context.Background(), validationID))
	assert.True(t, errors.IsNotFoundError(p.inline.Err))

	job := p.job(t, validationID)
	assert.Equal(t, jobs.StatusInvalid, job.Status)
	assert.Contains(t, job.Error, "no staged data")
}

func TestHandler_RevalidationReplacesResults(t *testing.T) {
	p := newPipeline(t)
	sub := brokertest.InsertSubmission(t, p.db, brokertest.Submission{})

	uploadID, validationID := p.upload(t, sub, programActivityHeader+"097,0100,000,1100,1,2\n")
	_, err := p.dispatcher.FinalizeUpload(context.Background(), uploadID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.job(t, validationID).NumberOfErrors)

	// corrected file staged again, then validation restarted
	_, err = p.loader.Stage(context.Background(), validationID, "program_activity.csv",
		[]byte(programActivityHeader+"097,0100,000,1100,2,2\n"))
	require.NoError(t, err)
	require.NoError(t, p.tracker.Reset(context.Background(), validationID))
	require.NoError(t, p.dispatcher.Dispatch(context.Background(), validationID))
	require.NoError(t, p.inline.Err)

	job := p.job(t, validationID)
	assert.Equal(t, jobs.StatusFinished, job.Status)
	assert.Equal(t, 0, job.NumberOfErrors)

	var count int
	require.NoError(t, p.db.QueryRow(`SELECT COUNT(*) FROM error_data WHERE job_id = ?`, validationID).Scan(&count))
	assert.Equal(t, 0, count)
}
