package staging

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/teranos/databroker/errors"
)

// Loader parses uploaded files and stages their rows for a job.
type Loader struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewLoader creates a loader writing to db.
func NewLoader(db *sql.DB, logger *zap.SugaredLogger) *Loader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Loader{db: db, logger: logger, now: time.Now}
}

// StageResult reports what a stage call did.
type StageResult struct {
	JobID    int64
	Filename string
	Checksum string
	Rows     int
	Skipped  bool // identical content was already staged
}

// StageFile reads path and stages it for jobID.
func (l *Loader) StageFile(ctx context.Context, jobID int64, path string) (*StageResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return l.Stage(ctx, jobID, filepath.Base(path), data)
}

// Stage parses data by filename extension (.csv, .txt, .xlsx) and replaces
// whatever was staged for jobID. Identical content is not staged twice.
func (l *Loader) Stage(ctx context.Context, jobID int64, filename string, data []byte) (*StageResult, error) {
	checksum := strconv.FormatUint(xxhash.Sum64(data), 16)
	result := &StageResult{JobID: jobID, Filename: filename, Checksum: checksum}

	var existing string
	err := l.db.QueryRowContext(ctx,
		`SELECT checksum FROM staged_files WHERE job_id = ?`, jobID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrapf(err, "check staged file for job %d", jobID)
	}
	if existing == checksum {
		l.logger.Infow("Staged content unchanged, skipping",
			"job_id", jobID,
			"filename", filename,
			"checksum", checksum)
		result.Skipped = true
		return result, nil
	}

	headers, rows, err := parse(filename, data)
	if err != nil {
		return nil, err
	}
	result.Rows = len(rows)

	if err := l.write(ctx, jobID, filename, checksum, headers, rows); err != nil {
		return nil, err
	}

	l.logger.Infow("File staged",
		"job_id", jobID,
		"filename", filename,
		"rows", len(rows),
		"columns", len(headers))
	return result, nil
}

func (l *Loader) write(ctx context.Context, jobID int64, filename, checksum string, headers []string, rows []dataRow) error {
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return errors.Wrap(err, "encode headers")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin stage")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_records WHERE job_id = ?`, jobID); err != nil {
		return errors.Wrapf(err, "clear staged records for job %d", jobID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_files WHERE job_id = ?`, jobID); err != nil {
		return errors.Wrapf(err, "clear staged file for job %d", jobID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO staged_files (job_id, filename, headers, checksum, row_count, staged_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, filename, string(headerJSON), checksum, len(rows), l.now().UTC()); err != nil {
		return errors.Wrapf(err, "insert staged file for job %d", jobID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO staged_records (job_id, row_number, fields) VALUES (?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare staged record insert")
	}
	defer stmt.Close()

	for _, row := range rows {
		fields, err := json.Marshal(rowValues(headers, row.cells))
		if err != nil {
			return errors.Wrapf(err, "encode row %d", row.number)
		}
		if _, err := stmt.ExecContext(ctx, jobID, row.number, string(fields)); err != nil {
			return errors.Wrapf(err, "insert row %d", row.number)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit stage")
	}
	return nil
}

// rowValues maps cells to headers. Blank and missing cells become null.
func rowValues(headers []string, row []string) map[string]*string {
	values := make(map[string]*string, len(headers))
	for i, h := range headers {
		if i >= len(row) || strings.TrimSpace(row[i]) == "" {
			values[h] = nil
			continue
		}
		cell := row[i]
		values[h] = &cell
	}
	return values
}

// dataRow is a non-blank row and its 1-based number below the header.
// Blank rows are not staged but still count, so numbers match the file.
type dataRow struct {
	number int
	cells  []string
}

// fileRow is a raw row and its 1-based position in the file. Empty lines
// count as rows; a quoted cell spanning lines does not add any.
type fileRow struct {
	position int
	cells    []string
}

// parse returns normalized headers and data rows. The header is the first
// non-blank row.
func parse(filename string, data []byte) ([]string, []dataRow, error) {
	var records []fileRow
	var err error

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		records, err = parseDelimited(data)
	case ".xlsx":
		records, err = parseSpreadsheet(data)
	default:
		return nil, nil, errors.NewClientInputError("%s: unsupported file format", filename)
	}
	if err != nil {
		return nil, nil, errors.Mark(errors.Wrapf(err, "read %s", filename), errors.ErrClientInput)
	}

	header := -1
	var rows []dataRow
	for _, rec := range records {
		if isBlankRow(rec.cells) {
			continue
		}
		if header < 0 {
			header = rec.position
			rows = append(rows, dataRow{cells: rec.cells})
			continue
		}
		rows = append(rows, dataRow{number: rec.position - header, cells: rec.cells})
	}
	if header < 0 {
		return nil, nil, errors.NewClientInputError("%s: file is empty", filename)
	}

	headers := make([]string, len(rows[0].cells))
	for i, h := range rows[0].cells {
		headers[i] = NormalizeHeader(h)
	}
	return headers, rows[1:], nil
}

// NormalizeHeader lower-cases a column name and strips whitespace and a UTF-8 BOM.
func NormalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}

// parseDelimited reads comma or pipe separated text. The delimiter is the one
// that occurs most in the first non-blank line. The reader drops empty lines,
// so their count is recovered from line positions.
func parseDelimited(data []byte) ([]fileRow, error) {
	firstLine := headerLine(data)
	r := csv.NewReader(bytes.NewReader(data))
	if bytes.Count(firstLine, []byte("|")) > bytes.Count(firstLine, []byte(",")) {
		r.Comma = '|'
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var records []fileRow
	position, consumed := 0, 0
	var offset int64
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, _ := r.FieldPos(0)
		// lines between the previous record and this one were empty
		position += start - consumed
		records = append(records, fileRow{position: position, cells: rec})

		end := r.InputOffset()
		consumed += bytes.Count(data[offset:end], []byte{'\n'})
		offset = end
	}
	return records, nil
}

func headerLine(data []byte) []byte {
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		if len(bytes.TrimSpace(line)) > 0 {
			return line
		}
	}
	return nil
}

// parseSpreadsheet reads the first sheet of an xlsx workbook. Each row
// carries its sheet row number.
func parseSpreadsheet(data []byte) ([]fileRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}

	records := make([]fileRow, 0, len(rows))
	for i, row := range rows {
		records = append(records, fileRow{position: i + 1, cells: row})
	}
	return records, nil
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
