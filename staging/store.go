package staging

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/teranos/databroker/errors"
)

// DefaultPageSize is the number of rows fetched per query.
const DefaultPageSize = 1000

// Store is the SQLite-backed record source.
type Store struct {
	db       *sql.DB
	pageSize int
}

// NewStore creates a staging store. pageSize <= 0 uses DefaultPageSize.
func NewStore(db *sql.DB, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{db: db, pageSize: pageSize}
}

// StagedFile describes the file staged for a job.
type StagedFile struct {
	JobID    int64
	Filename string
	Headers  []string
	Checksum string
	RowCount int
}

// File returns the staged file metadata for a job.
func (s *Store) File(ctx context.Context, jobID int64) (*StagedFile, error) {
	f := &StagedFile{JobID: jobID}
	var headers string
	err := s.db.QueryRowContext(ctx,
		`SELECT filename, headers, checksum, row_count FROM staged_files WHERE job_id = ?`, jobID,
	).Scan(&f.Filename, &headers, &f.Checksum, &f.RowCount)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("no staged data for job %d", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load staged file for job %d", jobID)
	}
	if err := json.Unmarshal([]byte(headers), &f.Headers); err != nil {
		return nil, errors.Wrapf(err, "decode headers for job %d", jobID)
	}
	return f, nil
}

// Fetch returns a lazy iterator over the job's rows, one page per query.
// Every call starts again from the first row.
func (s *Store) Fetch(ctx context.Context, jobID int64) (Iterator, error) {
	f, err := s.File(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &pagedIterator{
		ctx:      ctx,
		db:       s.db,
		jobID:    jobID,
		headers:  f.Headers,
		pageSize: s.pageSize,
	}, nil
}

// pagedIterator reads rows with keyset pagination on row_number. Each page is
// fully read and its rows closed before records are handed out, so callers may
// run other queries between Next calls.
type pagedIterator struct {
	ctx      context.Context
	db       *sql.DB
	jobID    int64
	headers  []string
	pageSize int

	page    []*Record
	pos     int
	lastRow int
	done    bool
	err     error
}

func (it *pagedIterator) Headers() []string { return it.headers }

func (it *pagedIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos < len(it.page)-1 {
		it.pos++
		return true
	}
	if it.done {
		it.page, it.pos = nil, 0
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = errors.Wrapf(err, "fetch job %d after row %d", it.jobID, it.lastRow)
		return false
	}
	if err := it.loadPage(); err != nil {
		it.err = err
		return false
	}
	if len(it.page) == 0 {
		it.done = true
		return false
	}
	it.pos = 0
	return true
}

func (it *pagedIterator) loadPage() error {
	rows, err := it.db.QueryContext(it.ctx,
		`SELECT row_number, fields FROM staged_records
		 WHERE job_id = ? AND row_number > ?
		 ORDER BY row_number LIMIT ?`,
		it.jobID, it.lastRow, it.pageSize)
	if err != nil {
		return errors.Wrapf(err, "fetch job %d after row %d", it.jobID, it.lastRow)
	}
	defer rows.Close()

	page := make([]*Record, 0, it.pageSize)
	for rows.Next() {
		rec := &Record{JobID: it.jobID}
		var fields string
		if err := rows.Scan(&rec.RowNumber, &fields); err != nil {
			return errors.Wrapf(err, "scan job %d row after %d", it.jobID, it.lastRow)
		}
		if err := json.Unmarshal([]byte(fields), &rec.Values); err != nil {
			return errors.Wrapf(err, "decode job %d row %d", it.jobID, rec.RowNumber)
		}
		page = append(page, rec)
		it.lastRow = rec.RowNumber
	}
	if err := rows.Err(); err != nil {
		return errors.Wrapf(err, "fetch job %d", it.jobID)
	}

	it.page = page
	if len(page) < it.pageSize {
		it.done = true
	}
	return nil
}

func (it *pagedIterator) Record() *Record {
	if it.pos < 0 || it.pos >= len(it.page) {
		return nil
	}
	return it.page[it.pos]
}

func (it *pagedIterator) Err() error { return it.err }

func (it *pagedIterator) Close() error {
	it.page = nil
	it.done = true
	return nil
}

// LastRow returns the last row number read, for fault reports.
func (it *pagedIterator) LastRow() int { return it.lastRow }
