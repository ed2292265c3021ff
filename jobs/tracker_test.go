package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/databroker/errors"
	brokertest "github.com/teranos/databroker/internal/testing"
)

// newTracker returns a tracker that owns the running jobs fixtures insert.
func newTracker(t *testing.T) (*Tracker, *sql.DB) {
	t.Helper()
	db := brokertest.CreateTestDB(t)
	tr := NewTracker(db, zaptest.NewLogger(t).Sugar())
	tr.owner = brokertest.Claimant
	return tr, db
}

func setErrors(t *testing.T, db *sql.DB, id int64, n int) {
	t.Helper()
	_, err := db.Exec(`UPDATE jobs SET number_of_errors = ? WHERE job_id = ?`, n, id)
	require.NoError(t, err)
}

func getJob(t *testing.T, tr *Tracker, id int64) *Job {
	t.Helper()
	job, err := tr.Store().Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestTracker_MarkRunning(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()
	sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
	id := brokertest.InsertJob(t, db, sub, "validation", "waiting", "appropriations")

	claimed, err := tr.MarkRunning(ctx, id)
	require.NoError(t, err)
	assert.True(t, claimed)

	job := getJob(t, tr, id)
	assert.Equal(t, StatusRunning, job.Status)
	assert.NotNil(t, job.StartedAt)

	claimed, err = tr.MarkRunning(ctx, id)
	require.NoError(t, err, "claiming a running job is a no-op")
	assert.False(t, claimed)

	require.NoError(t, tr.Finish(ctx, id))
	_, err = tr.MarkRunning(ctx, id)
	assert.True(t, errors.IsClientInput(err), "finished jobs need a reset first")

	_, err = tr.MarkRunning(ctx, 999)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestTracker_FailedJobCanBeClaimedAgain(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()
	sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
	id := brokertest.InsertJob(t, db, sub, "validation", "running", "appropriations")

	require.NoError(t, tr.Fail(ctx, id, errors.New("disk I/O error")))
	job := getJob(t, tr, id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "disk I/O error", job.Error)
	assert.NotNil(t, job.FinishedAt)

	claimed, err := tr.MarkRunning(ctx, id)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Empty(t, getJob(t, tr, id).Error, "a new claim clears the previous error")
}

func TestTracker_TransitionsRequireRunning(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()
	sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
	id := brokertest.InsertJob(t, db, sub, "validation", "waiting", "appropriations")

	err := tr.Finish(ctx, id)
	assert.True(t, errors.IsClientInput(err))
	assert.Contains(t, err.Error(), "waiting, not running")

	assert.True(t, errors.IsNotFoundError(tr.Invalidate(ctx, 404, "gone")))
}

func TestTracker_FinishReleasesDependents(t *testing.T) {
	t.Run("clean validation prerequisite", func(t *testing.T) {
		tr, db := newTracker(t)
		sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
		prereq := brokertest.InsertJob(t, db, sub, "validation", "running", "award_financial")
		dependent := brokertest.InsertJob(t, db, sub, "generation", "waiting", "award")
		brokertest.InsertDependency(t, db, dependent, prereq)

		require.NoError(t, tr.Finish(context.Background(), prereq))
		assert.True(t, getJob(t, tr, dependent).Ready)
	})

	t.Run("validation prerequisite with errors blocks", func(t *testing.T) {
		tr, db := newTracker(t)
		sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
		prereq := brokertest.InsertJob(t, db, sub, "validation", "running", "award_financial")
		dependent := brokertest.InsertJob(t, db, sub, "generation", "waiting", "award")
		brokertest.InsertDependency(t, db, dependent, prereq)
		setErrors(t, db, prereq, 4)

		require.NoError(t, tr.Finish(context.Background(), prereq))
		assert.Equal(t, StatusFinished, getJob(t, tr, prereq).Status, "errors still finish the job")
		assert.False(t, getJob(t, tr, dependent).Ready)
	})

	t.Run("every prerequisite must be satisfied", func(t *testing.T) {
		tr, db := newTracker(t)
		ctx := context.Background()
		sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
		first := brokertest.InsertJob(t, db, sub, "validation", "running", "appropriations")
		second := brokertest.InsertJob(t, db, sub, "validation", "running", "program_activity")
		dependent := brokertest.InsertJob(t, db, sub, "validation", "waiting", "award_financial")
		brokertest.InsertDependency(t, db, dependent, first)
		brokertest.InsertDependency(t, db, dependent, second)

		require.NoError(t, tr.Finish(ctx, first))
		assert.False(t, getJob(t, tr, dependent).Ready)

		require.NoError(t, tr.Finish(ctx, second))
		assert.True(t, getJob(t, tr, dependent).Ready)
	})

	t.Run("upload prerequisite errors do not count", func(t *testing.T) {
		tr, db := newTracker(t)
		sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
		upload := brokertest.InsertJob(t, db, sub, "file_upload", "running", "appropriations")
		dependent := brokertest.InsertJob(t, db, sub, "validation", "waiting", "appropriations")
		brokertest.InsertDependency(t, db, dependent, upload)
		setErrors(t, db, upload, 1)

		require.NoError(t, tr.Finish(context.Background(), upload))
		assert.True(t, getJob(t, tr, dependent).Ready)
	})
}

func TestTracker_Publishable(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()
	sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
	a := brokertest.InsertJob(t, db, sub, "validation", "running", "appropriations")
	b := brokertest.InsertJob(t, db, sub, "validation", "running", "program_activity")

	publishable := func() bool {
		var p bool
		require.NoError(t, db.QueryRow(`SELECT publishable FROM submissions WHERE submission_id = ?`, sub).Scan(&p))
		return p
	}

	require.NoError(t, tr.Finish(ctx, a))
	assert.False(t, publishable(), "one validation job still running")

	require.NoError(t, tr.Finish(ctx, b))
	assert.True(t, publishable())

	require.NoError(t, tr.Reset(ctx, b))
	assert.False(t, publishable(), "a reset job must validate again")
}

func TestTracker_Reset(t *testing.T) {
	t.Run("invalid job goes back to waiting", func(t *testing.T) {
		tr, db := newTracker(t)
		ctx := context.Background()
		sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
		id := brokertest.InsertJob(t, db, sub, "validation", "running", "appropriations")
		require.NoError(t, tr.Invalidate(ctx, id, "missing headers: sub_account_code"))
		assert.Equal(t, "missing headers: sub_account_code", getJob(t, tr, id).Error)

		require.NoError(t, tr.Reset(ctx, id))
		job := getJob(t, tr, id)
		assert.Equal(t, StatusWaiting, job.Status)
		assert.Empty(t, job.Error)
		assert.Nil(t, job.StartedAt)
	})

	t.Run("running job conflicts", func(t *testing.T) {
		tr, db := newTracker(t)
		sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
		id := brokertest.InsertJob(t, db, sub, "validation", "running", "appropriations")

		err := tr.Reset(context.Background(), id)
		assert.True(t, errors.Is(err, errors.ErrConflict))
	})

	t.Run("published submission is rejected", func(t *testing.T) {
		tr, db := newTracker(t)
		sub := brokertest.InsertSubmission(t, db, brokertest.Submission{PublishStatus: "published"})
		id := brokertest.InsertJob(t, db, sub, "validation", "finished", "appropriations")

		err := tr.Reset(context.Background(), id)
		require.Error(t, err)
		assert.True(t, errors.IsClientInput(err))
		assert.Contains(t, err.Error(), "Submission has already been certified")
		assert.Equal(t, StatusFinished, getJob(t, tr, id).Status)
	})
}

func TestTracker_FailOrphans(t *testing.T) {
	tr, db := newTracker(t)
	sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
	orphan := brokertest.InsertJob(t, db, sub, "validation", "running", "appropriations")
	waiting := brokertest.InsertJob(t, db, sub, "validation", "waiting", "program_activity")

	failed, err := tr.FailOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{orphan}, failed)

	job := getJob(t, tr, orphan)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "interrupted")
	assert.Contains(t, job.Error, brokertest.Claimant)
	assert.Equal(t, StatusWaiting, getJob(t, tr, waiting).Status)
}

func TestTracker_ClaimsBelongToTheirOwner(t *testing.T) {
	db := brokertest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	a, b := NewTracker(db, log), NewTracker(db, log)
	require.NotEqual(t, a.Owner(), b.Owner())
	ctx := context.Background()
	sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
	id := brokertest.InsertJob(t, db, sub, "validation", "waiting", "appropriations")

	claimed, err := a.MarkRunning(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, a.Owner(), getJob(t, a, id).ClaimedBy)
	assert.NotNil(t, getJob(t, a, id).HeartbeatAt)

	failed, err := b.FailOrphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed, "a live claim is not an orphan")
	assert.Equal(t, StatusRunning, getJob(t, a, id).Status)

	claimed, err = b.MarkRunning(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed, "a second process cannot claim a running job")

	err = b.Finish(ctx, id)
	assert.True(t, errors.Is(err, errors.ErrConflict), "only the owner moves its job on: %v", err)
	assert.True(t, errors.Is(b.Heartbeat(ctx, id), errors.ErrConflict))
	assert.Equal(t, StatusRunning, getJob(t, a, id).Status)

	require.NoError(t, a.Heartbeat(ctx, id))
	require.NoError(t, a.Finish(ctx, id))
	assert.Equal(t, StatusFinished, getJob(t, a, id).Status)
}

func TestTracker_ExpiredLease(t *testing.T) {
	db := brokertest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	a, b := NewTracker(db, log), NewTracker(db, log)
	ctx := context.Background()
	sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
	id := brokertest.InsertJob(t, db, sub, "validation", "waiting", "appropriations")

	start := time.Date(2024, 4, 15, 16, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return start }
	claimed, err := a.MarkRunning(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)

	b.now = func() time.Time { return start.Add(DefaultLease - time.Second) }
	failed, err := b.FailOrphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed, "still inside the lease")

	b.now = func() time.Time { return start.Add(DefaultLease + time.Second) }
	failed, err = b.FailOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, failed)
	job := getJob(t, a, id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, a.Owner())

	t.Log("the original owner has lost the job")
	assert.True(t, errors.Is(a.Heartbeat(ctx, id), errors.ErrConflict))
	err = a.Finish(ctx, id)
	assert.True(t, errors.IsClientInput(err))
	assert.Contains(t, err.Error(), "failed, not running")

	t.Log("a new claim replaces the old owner")
	claimed, err = b.MarkRunning(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)
	assert.True(t, errors.Is(a.Finish(ctx, id), errors.ErrConflict))
	require.NoError(t, b.Finish(ctx, id))
}

func TestTracker_ResetClearsClaim(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()
	sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})
	id := brokertest.InsertJob(t, db, sub, "validation", "running", "appropriations")

	require.NoError(t, tr.Fail(ctx, id, errors.New("disk I/O error")))
	require.NoError(t, tr.Reset(ctx, id))
	job := getJob(t, tr, id)
	assert.Empty(t, job.ClaimedBy)
	assert.Nil(t, job.HeartbeatAt)
}

func TestStore_CreateAndList(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()
	sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})

	upload := &Job{SubmissionID: sub, Type: TypeFileUpload, FileType: "award", Filename: "d2.csv"}
	uploadID, err := tr.Store().Create(ctx, upload)
	require.NoError(t, err)
	validationID, err := tr.Store().Create(ctx, &Job{SubmissionID: sub, Type: TypeValidation, FileType: "award"})
	require.NoError(t, err)
	require.NoError(t, tr.Store().AddDependency(ctx, validationID, uploadID))
	require.NoError(t, tr.Store().AddDependency(ctx, validationID, uploadID), "duplicate dependency is ignored")
	assert.True(t, errors.IsConfiguration(tr.Store().AddDependency(ctx, uploadID, uploadID)))

	all, err := tr.Store().ListBySubmission(ctx, sub)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, StatusWaiting, all[0].Status)
	assert.Equal(t, "d2.csv", all[0].Filename)

	deps, err := tr.Store().Dependents(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, []int64{validationID}, deps)

	prereqs, err := tr.Store().Prerequisites(ctx, validationID)
	require.NoError(t, err)
	require.Len(t, prereqs, 1)
	assert.Equal(t, TypeFileUpload, prereqs[0].Type)

	counts, err := tr.Store().Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusWaiting])
}

func TestStore_CreateFileJobs(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()
	sub := brokertest.InsertSubmission(t, db, brokertest.Submission{})

	pairs, err := tr.Store().CreateFileJobs(ctx, sub, []FileJobs{
		{FileType: "appropriations", Filename: "a.csv"},
		{FileType: "program_activity", Filename: "b.csv"},
	})
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	for _, p := range pairs {
		deps, err := tr.Store().Dependents(ctx, p.UploadID)
		require.NoError(t, err)
		assert.Equal(t, []int64{p.ValidationID}, deps, p.FileType)

		v := getJob(t, tr, p.ValidationID)
		assert.Equal(t, TypeValidation, v.Type)
		assert.Equal(t, p.Filename, v.Filename)
		assert.False(t, v.Ready)
	}

	_, err = tr.Store().CreateFileJobs(ctx, sub, []FileJobs{{Filename: "c.csv"}})
	assert.True(t, errors.IsClientInput(err))
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range []string{"waiting", "running", "finished", "invalid", "failed"} {
		assert.True(t, IsValidStatus(s), s)
	}
	assert.False(t, IsValidStatus("queued"))
	assert.True(t, StatusInvalid.Terminal())
	assert.False(t, StatusFailed.Terminal())
}
