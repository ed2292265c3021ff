package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/logger"
	"github.com/teranos/databroker/rules"
	"github.com/teranos/databroker/staging"
)

// FileStatus is the file-level outcome written for a job.
type FileStatus string

const (
	StatusHeaderError      FileStatus = "header_error"
	StatusRowErrorsPresent FileStatus = "row_errors_present"
	StatusComplete         FileStatus = "complete"
	StatusMissingHeader    FileStatus = "missing_header"
)

// RuleSource hands out rule set snapshots. *rules.Store implements it.
type RuleSource interface {
	RulesFor(fileType string) (*rules.RuleSet, error)
}

// Target names the job a run evaluates.
type Target struct {
	JobID        int64
	SubmissionID int64
	FileType     string
	Filename     string
}

// HeaderError reports a file whose header row cannot be validated.
// It is a client input error: no row rule runs for such a file.
type HeaderError struct {
	Status     FileStatus
	Missing    []string
	Duplicated []string
}

func (e *HeaderError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing headers: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Duplicated) > 0 {
		parts = append(parts, "duplicated headers: "+strings.Join(e.Duplicated, ", "))
	}
	if len(parts) == 0 {
		return string(e.Status)
	}
	return strings.Join(parts, "; ")
}

// FaultError carries the position at which a run broke.
// It is always returned marked as errors.ErrValidationFault.
type FaultError struct {
	JobID   int64
	LastRow int
	Err     error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("job %d failed after row %d: %v", e.JobID, e.LastRow, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

func newFault(jobID int64, lastRow int, err error) error {
	return errors.Mark(&FaultError{JobID: jobID, LastRow: lastRow, Err: err}, errors.ErrValidationFault)
}

// Evaluator runs rule sets over staged records. It holds no per-run state
// and may be shared between workers.
type Evaluator struct {
	rules      RuleSource
	reference  staging.ReferenceData
	predicates map[string]Predicate
	logger     *zap.SugaredLogger
}

// NewEvaluator creates an evaluator with the built-in predicates registered.
func NewEvaluator(source RuleSource, reference staging.ReferenceData, log *zap.SugaredLogger) *Evaluator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Evaluator{
		rules:      source,
		reference:  reference,
		predicates: builtinPredicates(),
		logger:     log.Named("evaluator"),
	}
}

// RegisterPredicate adds a custom predicate. Call before any run starts.
func (e *Evaluator) RegisterPredicate(name string, p Predicate) {
	e.predicates[name] = p
}

// Evaluate checks every record against every rule for the target's file type
// and returns the resulting tally. The header check runs first; when it fails
// a *HeaderError marked as client input is returned and no rows are read.
func (e *Evaluator) Evaluate(ctx context.Context, target Target, records staging.Iterator) (*Tally, error) {
	rs, err := e.rules.RulesFor(target.FileType)
	if err != nil {
		return nil, err
	}
	if err := e.checkPredicates(rs); err != nil {
		return nil, err
	}
	if herr := CheckHeaders(rs, records.Headers()); herr != nil {
		return nil, errors.Mark(herr, errors.ErrClientInput)
	}

	log := e.logger.With(
		logger.FieldJobID, target.JobID,
		logger.FieldFileType, target.FileType,
		logger.FieldRunID, uuid.NewString(),
	)
	log.Debugw("evaluation started", "rules", len(rs.Rules), "version", rs.Version.String())

	r := &run{
		ctx:       ctx,
		target:    target,
		rules:     rs,
		reference: e.reference,
		preds:     e.predicates,
		unique:    make(map[int]map[string]struct{}),
		siblings:  make(map[int]staging.KeySet),
		lookups:   make(map[lookupKey]lookupResult),
	}
	tally := NewTally(target.JobID, target.Filename)

	lastRow := 0
	for records.Next() {
		if err := ctx.Err(); err != nil {
			return nil, newFault(target.JobID, lastRow, err)
		}
		rec := records.Record()
		for i, rule := range rs.Rules {
			violated, err := r.check(i, rule, rec)
			if err != nil {
				return nil, newFault(target.JobID, lastRow, errors.Wrapf(err, "rule %s row %d", rule.ID, rec.RowNumber))
			}
			if !violated {
				continue
			}
			msg := ""
			if !rule.Derived() && !tally.Seen(tally.KeyFor(rule)) {
				msg = renderMessage(rule, rec)
			}
			tally.Record(rule, rec.RowNumber, msg)
		}
		lastRow = rec.RowNumber
		tally.rows++
	}
	if err := records.Err(); err != nil {
		return nil, newFault(target.JobID, lastRow, err)
	}

	log.Infow("evaluation complete",
		logger.FieldRow, lastRow,
		logger.FieldErrors, tally.Errors(),
		logger.FieldWarnings, tally.Warnings())
	return tally, nil
}

func (e *Evaluator) checkPredicates(rs *rules.RuleSet) error {
	for _, rule := range rs.Rules {
		if rule.Kind != rules.KindCustom {
			continue
		}
		if _, ok := e.predicates[rule.Params.Predicate]; !ok {
			return errors.NewConfigurationError("rule %s: unknown predicate %q", rule.ID, rule.Params.Predicate)
		}
	}
	return nil
}

// CheckHeaders compares uploaded headers with the rule set's schema.
// Missing required columns win over duplicates. Returns nil when the header is usable.
func CheckHeaders(rs *rules.RuleSet, headers []string) *HeaderError {
	if len(headers) == 0 {
		return &HeaderError{Status: StatusHeaderError}
	}

	seen := make(map[string]int, len(headers))
	for _, h := range headers {
		seen[h]++
	}
	var dups []string
	for h, n := range seen {
		if n > 1 {
			dups = append(dups, h)
		}
	}
	sort.Strings(dups)

	var missing []string
	for _, h := range rs.RequiredHeaders() {
		if seen[h] == 0 {
			missing = append(missing, h)
		}
	}

	switch {
	case len(missing) > 0:
		return &HeaderError{Status: StatusMissingHeader, Missing: missing, Duplicated: dups}
	case len(dups) > 0:
		return &HeaderError{Status: StatusHeaderError, Duplicated: dups}
	}
	return nil
}

// renderMessage fills {fields} and {values} placeholders.
func renderMessage(rule rules.Rule, rec *staging.Record) string {
	msg := rule.Message
	if strings.Contains(msg, "{fields}") {
		msg = strings.ReplaceAll(msg, "{fields}", rule.FieldName())
	}
	if strings.Contains(msg, "{values}") {
		parts := make([]string, len(rule.Fields))
		for i, f := range rule.Fields {
			v, ok := rec.Value(f)
			if !ok {
				v = "null"
			}
			parts[i] = f + ": " + v
		}
		msg = strings.ReplaceAll(msg, "{values}", strings.Join(parts, ", "))
	}
	return msg
}
