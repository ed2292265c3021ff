package certify

import (
	"context"
	"database/sql"

	"github.com/go-playground/validator/v10"

	"github.com/teranos/databroker/errors"
)

// PeriodQuery asks whether an agency already published a submission for a
// fiscal year and period.
type PeriodQuery struct {
	CGACCode     string `validate:"required_without=FRECCode"`
	FRECCode     string `validate:"required_without=CGACCode"`
	FiscalYear   int    `validate:"gte=2000,lte=2100"`
	FiscalPeriod int    `validate:"min=1,max=12"`
	// ExcludeID leaves one submission out, usually the one being certified
	ExcludeID int64
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// CheckPeriod returns a *Rejection carrying the most recently created
// conflicting submission when the period is taken. CGAC is matched when
// set, FREC otherwise.
func (g *Gate) CheckPeriod(ctx context.Context, q PeriodQuery) error {
	if err := validate.Struct(q); err != nil {
		return periodQueryError(err)
	}

	agencyColumn, agency := "cgac_code", q.CGACCode
	if agency == "" {
		agencyColumn, agency = "frec_code", q.FRECCode
	}

	var conflicting int64
	err := g.db.QueryRowContext(ctx,
		`SELECT submission_id FROM submissions
		 WHERE `+agencyColumn+` = ?
		   AND reporting_fiscal_year = ? AND reporting_fiscal_period = ?
		   AND publish_status <> ? AND d2_submission = 0
		   AND submission_id <> ?
		 ORDER BY created_at DESC, submission_id DESC
		 LIMIT 1`,
		agency, q.FiscalYear, q.FiscalPeriod, Unpublished, q.ExcludeID).Scan(&conflicting)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "check period %d/%d for agency %s", q.FiscalYear, q.FiscalPeriod, agency)
	}
	return reject(&Rejection{SubmissionID: q.ExcludeID, Reason: ReasonPeriodTaken, ConflictingID: conflicting})
}

func periodQueryError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.NewClientInputError("invalid period query: %v", err)
	}
	for _, fe := range verrs {
		switch fe.Field() {
		case "CGACCode", "FRECCode":
			return errors.NewClientInputError("CGAC or FR Entity Code required")
		}
	}
	fe := verrs[0]
	return errors.NewClientInputError("invalid %s: %v fails %s", fe.Field(), fe.Value(), fe.Tag())
}
