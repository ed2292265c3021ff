// Package staging holds uploaded file rows until a validation job evaluates them.
package staging

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teranos/databroker/errors"
)

// DateLayout is the layout of date columns in submitted files.
const DateLayout = "20060102"

// Record is one staged data row. RowNumber is 1-based and excludes the header.
// A nil value is a declared-missing field.
type Record struct {
	JobID     int64
	RowNumber int
	Values    map[string]*string
}

// Value returns the trimmed value of a field and whether it is present.
func (r *Record) Value(name string) (string, bool) {
	v, ok := r.Values[name]
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(*v)
	return s, s != ""
}

// IsNull reports whether a field is missing, null or blank.
func (r *Record) IsNull(name string) bool {
	_, ok := r.Value(name)
	return !ok
}

// plainDecimal is the only amount notation accepted: digits with an optional
// sign and fraction. Exponents are rejected.
var plainDecimal = regexp.MustCompile(`^[-+]?(\d+(\.\d*)?|\.\d+)$`)

// Decimal parses a field as an exact decimal. Thousands separators are
// allowed. ok is false for null fields.
func (r *Record) Decimal(name string) (d decimal.Decimal, ok bool, err error) {
	s, present := r.Value(name)
	if !present {
		return decimal.Zero, false, nil
	}
	s = strings.ReplaceAll(s, ",", "")
	if !plainDecimal.MatchString(s) {
		return decimal.Zero, true, errors.Newf("%s is not a decimal: %q", name, s)
	}
	d, err = decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, true, errors.Wrapf(err, "%s is not a decimal", name)
	}
	return d, true, nil
}

// Int parses a field as an integer. ok is false for null fields.
func (r *Record) Int(name string) (n int64, ok bool, err error) {
	s, present := r.Value(name)
	if !present {
		return 0, false, nil
	}
	n, err = strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, true, errors.Wrapf(err, "%s is not an integer", name)
	}
	return n, true, nil
}

// Date parses a field laid out as YYYYMMDD. ok is false for null fields.
func (r *Record) Date(name string) (t time.Time, ok bool, err error) {
	s, present := r.Value(name)
	if !present {
		return time.Time{}, false, nil
	}
	t, err = time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, true, errors.Wrapf(err, "%s is not a YYYYMMDD date", name)
	}
	return t, true, nil
}

// Iterator yields staged records in row order. Use it like sql.Rows:
//
//	for it.Next() {
//	    rec := it.Record()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	// Headers returns the file's column names as uploaded, normalized to lower case
	Headers() []string
	Next() bool
	Record() *Record
	Err() error
	Close() error
}

// Source hands out iterators over a job's staged rows.
type Source interface {
	// Fetch returns ErrNotFound when the job has no staged data.
	Fetch(ctx context.Context, jobID int64) (Iterator, error)
}

// SliceIterator iterates over records already in memory.
type SliceIterator struct {
	headers []string
	records []*Record
	pos     int
}

// NewSliceIterator iterates over records in the order given.
func NewSliceIterator(headers []string, records []*Record) *SliceIterator {
	return &SliceIterator{headers: headers, records: records, pos: -1}
}

func (it *SliceIterator) Headers() []string { return it.headers }

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.records) {
		it.pos = len(it.records)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Record() *Record {
	if it.pos < 0 || it.pos >= len(it.records) {
		return nil
	}
	return it.records[it.pos]
}

func (it *SliceIterator) Err() error   { return nil }
func (it *SliceIterator) Close() error { return nil }
