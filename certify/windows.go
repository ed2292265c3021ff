package certify

import (
	"context"

	"github.com/teranos/databroker/errors"
)

// dateLayout is how window bounds are stored
const dateLayout = "2006-01-02"

// Window is a submission window. Bounds are inclusive calendar days.
type Window struct {
	ID                 int64  `json:"submission_window_id"`
	StartDate          string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate            string `json:"end_date" validate:"required,datetime=2006-01-02"`
	BlockCertification bool   `json:"notice_block"`
	Message            string `json:"message" validate:"required_if=BlockCertification true"`
}

// Today returns the current calendar day in the gate's timezone.
func (g *Gate) Today() string {
	return g.now().In(g.loc).Format(dateLayout)
}

// ActiveWindows lists the windows whose range includes today.
func (g *Gate) ActiveWindows(ctx context.Context) ([]Window, error) {
	today := g.Today()
	rows, err := g.db.QueryContext(ctx,
		`SELECT submission_window_id, start_date, end_date, block_certification, message
		 FROM submission_windows
		 WHERE start_date <= ? AND end_date >= ?
		 ORDER BY start_date, submission_window_id`, today, today)
	if err != nil {
		return nil, errors.Wrap(err, "list submission windows")
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		var w Window
		if err := rows.Scan(&w.ID, &w.StartDate, &w.EndDate, &w.BlockCertification, &w.Message); err != nil {
			return nil, errors.Wrap(err, "scan submission window")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// AddWindow stores a window and returns its id. Blocking windows need a message.
func (g *Gate) AddWindow(ctx context.Context, w Window) (int64, error) {
	if err := validate.Struct(w); err != nil {
		return 0, errors.NewClientInputError("invalid submission window: %v", err)
	}
	if w.EndDate < w.StartDate {
		return 0, errors.NewClientInputError("submission window ends %s before it starts %s", w.EndDate, w.StartDate)
	}
	res, err := g.db.ExecContext(ctx,
		`INSERT INTO submission_windows (start_date, end_date, block_certification, message) VALUES (?, ?, ?, ?)`,
		w.StartDate, w.EndDate, w.BlockCertification, w.Message)
	if err != nil {
		return 0, errors.Wrap(err, "insert submission window")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "submission window id")
	}
	g.logger.Infow("submission window added",
		"submission_window_id", id, "start_date", w.StartDate, "end_date", w.EndDate,
		"block_certification", w.BlockCertification)
	return id, nil
}
