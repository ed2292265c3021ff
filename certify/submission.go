package certify

import (
	"context"

	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/internal/util"
	"github.com/teranos/databroker/logger"
)

// CreateSubmission inserts an unpublished submission owned by userID and
// returns its id. The agency and period follow the same rules as CheckPeriod.
func (g *Gate) CreateSubmission(ctx context.Context, s *Submission, userID int64) (int64, error) {
	if err := validate.Struct(PeriodQuery{
		CGACCode:     s.CGACCode,
		FRECCode:     s.FRECCode,
		FiscalYear:   s.FiscalYear,
		FiscalPeriod: s.FiscalPeriod,
	}); err != nil {
		return 0, periodQueryError(err)
	}
	if s.QuarterFormat && s.FiscalPeriod%3 != 0 {
		return 0, errors.NewClientInputError("quarterly submissions end on period 3, 6, 9 or 12, got %d", s.FiscalPeriod)
	}

	now := g.now().UTC()
	res, err := g.db.ExecContext(ctx,
		`INSERT INTO submissions
		 (user_id, cgac_code, frec_code, reporting_fiscal_year, reporting_fiscal_period,
		  is_quarter_format, publish_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		util.NullID(userID), util.NullString(s.CGACCode), util.NullString(s.FRECCode), s.FiscalYear, s.FiscalPeriod,
		s.QuarterFormat, Unpublished, now, now)
	if err != nil {
		return 0, errors.Wrap(err, "insert submission")
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return 0, errors.Wrap(err, "submission id")
	}
	s.PublishStatus, s.CreatedAt = Unpublished, now

	g.logger.Infow("submission created",
		logger.FieldSubmissionID, s.ID, "agency", s.Agency().String(),
		"fiscal_year", s.FiscalYear, "fiscal_period", s.FiscalPeriod)
	return s.ID, nil
}
