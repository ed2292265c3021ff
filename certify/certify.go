// Package certify decides whether a submission may be published and records
// the certification when it may.
//
// Checks run in a fixed order so the first failing precondition is the one
// reported:
//
//	capability -> blocking window -> quarterly -> already published
//	           -> period taken -> publishable
package certify

import (
	"context"
	"database/sql"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/teranos/databroker/am"
	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/logger"
	"github.com/teranos/databroker/perms"
)

// Publish statuses
const (
	Unpublished = "unpublished"
	Published   = "published"
)

// Rejection reasons shown to the certifying user
const (
	ReasonMonthly          = "Monthly submissions cannot be certified"
	ReasonAlreadyCertified = "Submission has already been certified"
	ReasonPeriodTaken      = "A submission with the same period already exists."
	ReasonCriticalErrors   = "Submission cannot be certified due to critical errors"
)

// Submission is the part of a submission the gate reads.
type Submission struct {
	ID               int64     `json:"submission_id"`
	CGACCode         string    `json:"cgac_code,omitempty"`
	FRECCode         string    `json:"frec_code,omitempty"`
	FiscalYear       int       `json:"reporting_fiscal_year"`
	FiscalPeriod     int       `json:"reporting_fiscal_period"`
	QuarterFormat    bool      `json:"is_quarter_format"`
	Publishable      bool      `json:"publishable"`
	PublishStatus    string    `json:"publish_status"`
	CertifyingUserID int64     `json:"certifying_user_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Agency returns the agency that owns the submission.
func (s *Submission) Agency() perms.Agency {
	return perms.Agency{CGACCode: s.CGACCode, FRECCode: s.FRECCode}
}

// CertifyHistory records one certification.
type CertifyHistory struct {
	ID           int64     `json:"certify_history_id"`
	SubmissionID int64     `json:"submission_id"`
	UserID       int64     `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Rejection is returned when a certification precondition does not hold.
// It is marked with errors.ErrCertificationRejected.
type Rejection struct {
	SubmissionID int64
	Reason       string
	// ConflictingID is the most recent submission already holding the period
	ConflictingID int64
}

func (r *Rejection) Error() string { return r.Reason }

func reject(r *Rejection) error {
	return errors.Mark(r, errors.ErrCertificationRejected)
}

// Gate runs the certification checks.
type Gate struct {
	db     *sql.DB
	users  *perms.Store
	loc    *time.Location
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewGate creates a gate. Window dates are compared in cfg.Timezone.
func NewGate(db *sql.DB, cfg am.CertificationConfig, log *zap.SugaredLogger) (*Gate, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = am.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrConfiguration, "certification timezone %q: %v", tz, err)
	}
	return &Gate{
		db:     db,
		users:  perms.NewStore(db),
		loc:    loc,
		now:    time.Now,
		logger: log.Named("certify"),
	}, nil
}

// Certify publishes a submission on behalf of userID. Failed preconditions
// return a *Rejection; a user without the submitter capability gets
// errors.ErrForbidden.
func (g *Gate) Certify(ctx context.Context, submissionID, userID int64) (*CertifyHistory, error) {
	sub, err := g.Submission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	user, err := g.users.User(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := user.Require(perms.Submit, sub.Agency()); err != nil {
		return nil, err
	}

	windows, err := g.ActiveWindows(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range windows {
		if w.BlockCertification {
			return nil, reject(&Rejection{SubmissionID: sub.ID, Reason: w.Message})
		}
	}

	if !sub.QuarterFormat {
		return nil, reject(&Rejection{SubmissionID: sub.ID, Reason: ReasonMonthly})
	}
	if sub.PublishStatus != Unpublished {
		return nil, reject(&Rejection{SubmissionID: sub.ID, Reason: ReasonAlreadyCertified})
	}
	if err := g.CheckPeriod(ctx, PeriodQuery{
		CGACCode:     sub.CGACCode,
		FRECCode:     sub.FRECCode,
		FiscalYear:   sub.FiscalYear,
		FiscalPeriod: sub.FiscalPeriod,
		ExcludeID:    sub.ID,
	}); err != nil {
		return nil, err
	}
	if !sub.Publishable {
		return nil, reject(&Rejection{SubmissionID: sub.ID, Reason: ReasonCriticalErrors})
	}

	history, err := g.record(ctx, sub.ID, user.ID)
	if err != nil {
		return nil, err
	}
	g.logger.Infow("submission certified",
		logger.FieldSubmissionID, sub.ID,
		logger.FieldUserID, user.ID,
		"certify_history_id", history.ID)
	return history, nil
}

// record writes the history row and publishes the submission in one transaction.
func (g *Gate) record(ctx context.Context, submissionID, userID int64) (*CertifyHistory, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "begin certification of submission %d", submissionID)
	}
	defer tx.Rollback()

	now := g.now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE submissions SET publish_status = ?, certifying_user_id = ?, updated_at = ?
		 WHERE submission_id = ? AND publish_status = ?`,
		Published, userID, now, submissionID, Unpublished)
	if err != nil {
		return nil, errors.Wrapf(err, "publish submission %d", submissionID)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// certified by someone else since the checks ran
		return nil, reject(&Rejection{SubmissionID: submissionID, Reason: ReasonAlreadyCertified})
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO certify_history (submission_id, user_id, created_at) VALUES (?, ?, ?)`,
		submissionID, userID, now)
	if err != nil {
		return nil, errors.Wrapf(err, "record certification of submission %d", submissionID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "certify history id")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "commit certification of submission %d", submissionID)
	}
	return &CertifyHistory{ID: id, SubmissionID: submissionID, UserID: userID, CreatedAt: now}, nil
}

// Submission loads a submission by id.
func (g *Gate) Submission(ctx context.Context, id int64) (*Submission, error) {
	var s Submission
	var certifier sql.NullInt64
	err := g.db.QueryRowContext(ctx,
		`SELECT submission_id, COALESCE(cgac_code, ''), COALESCE(frec_code, ''),
		        reporting_fiscal_year, reporting_fiscal_period, is_quarter_format,
		        publishable, publish_status, certifying_user_id, created_at
		 FROM submissions WHERE submission_id = ?`, id).Scan(
		&s.ID, &s.CGACCode, &s.FRECCode,
		&s.FiscalYear, &s.FiscalPeriod, &s.QuarterFormat,
		&s.Publishable, &s.PublishStatus, &certifier, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("submission %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load submission %d", id)
	}
	s.CertifyingUserID = certifier.Int64
	return &s, nil
}

// History lists a submission's certifications, newest first.
func (g *Gate) History(ctx context.Context, submissionID int64) ([]CertifyHistory, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT certify_history_id, submission_id, user_id, created_at FROM certify_history
		 WHERE submission_id = ? ORDER BY created_at DESC, certify_history_id DESC`, submissionID)
	if err != nil {
		return nil, errors.Wrapf(err, "list certifications of submission %d", submissionID)
	}
	defer rows.Close()

	var out []CertifyHistory
	for rows.Next() {
		var h CertifyHistory
		if err := rows.Scan(&h.ID, &h.SubmissionID, &h.UserID, &h.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan certify history")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
