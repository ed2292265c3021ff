package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/teranos/databroker/errors"
)

// PublishedAward is a previously published financial assistance award.
type PublishedAward struct {
	AFAGeneratedUnique string
	FAIN               string
	URI                string
	IsActive           bool
}

// KeySet is a set of composite keys built with JoinKey.
type KeySet map[string]struct{}

// Has reports whether the key is in the set.
func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// JoinKey builds the composite lookup key for a list of values.
// Values are trimmed and upper-cased so lookups ignore case.
func JoinKey(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strings.ToUpper(strings.TrimSpace(v))
	}
	return strings.Join(parts, "\x1f")
}

// ReferenceData answers read-only lookups for cross-record and cross-file rules.
type ReferenceData interface {
	AgencyExists(ctx context.Context, cgacCode string) (bool, error)
	SubTierAgencyExists(ctx context.Context, code string) (bool, error)
	// PublishedAward returns the active match for a unique key when there is one,
	// otherwise the most recent inactive match, otherwise nil.
	PublishedAward(ctx context.Context, afaGeneratedUnique string) (*PublishedAward, error)
	// SiblingKeys returns the keys of fields across the rows staged for the
	// submission's validation job of fileType.
	SiblingKeys(ctx context.Context, submissionID int64, fileType string, fields []string) (KeySet, error)
}

// Reference is the SQLite-backed ReferenceData.
type Reference struct {
	db *sql.DB
}

// NewReference creates a reference data reader.
func NewReference(db *sql.DB) *Reference {
	return &Reference{db: db}
}

func (r *Reference) AgencyExists(ctx context.Context, cgacCode string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS(SELECT 1 FROM agencies WHERE cgac_code = ?)`, strings.TrimSpace(cgacCode))
}

func (r *Reference) SubTierAgencyExists(ctx context.Context, code string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS(SELECT 1 FROM sub_tier_agencies WHERE UPPER(sub_tier_agency_code) = UPPER(?))`, strings.TrimSpace(code))
}

func (r *Reference) exists(ctx context.Context, query string, arg string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "reference lookup")
	}
	return exists, nil
}

func (r *Reference) PublishedAward(ctx context.Context, afaGeneratedUnique string) (*PublishedAward, error) {
	a := &PublishedAward{}
	var fain, uri sql.NullString
	var active int
	err := r.db.QueryRowContext(ctx,
		`SELECT afa_generated_unique, fain, uri, is_active FROM published_awards
		 WHERE UPPER(afa_generated_unique) = UPPER(?)
		 ORDER BY is_active DESC, published_award_id DESC LIMIT 1`,
		strings.TrimSpace(afaGeneratedUnique),
	).Scan(&a.AFAGeneratedUnique, &fain, &uri, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "published award lookup")
	}
	a.FAIN, a.URI, a.IsActive = fain.String, uri.String, active == 1
	return a, nil
}

func (r *Reference) SiblingKeys(ctx context.Context, submissionID int64, fileType string, fields []string) (KeySet, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT sr.fields FROM staged_records sr
		 JOIN jobs j ON j.job_id = sr.job_id
		 WHERE j.submission_id = ? AND j.file_type = ? AND j.job_type = 'validation'
		 ORDER BY sr.job_id, sr.row_number`,
		submissionID, fileType)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s keys for submission %d", fileType, submissionID)
	}
	defer rows.Close()

	keys := make(KeySet)
	values := make([]string, len(fields))
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "scan sibling row")
		}
		var rec map[string]*string
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, errors.Wrap(err, "decode sibling row")
		}
		for i, f := range fields {
			values[i] = ""
			if v := rec[f]; v != nil {
				values[i] = *v
			}
		}
		keys[JoinKey(values)] = struct{}{}
	}
	return keys, rows.Err()
}
