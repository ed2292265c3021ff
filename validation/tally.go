// Package validation evaluates staged records against a rule set and
// persists the resulting violation tally.
package validation

import (
	"github.com/teranos/databroker/rules"
)

// Key identifies one tally entry. Field is the rule's field list joined with
// ", " and Rule is the rule ID, or the fixed code for schema-derived checks.
type Key struct {
	JobID int64
	Field string
	Rule  string
}

// Entry aggregates every violation of one rule on one field set.
type Entry struct {
	Key
	Severity rules.Severity
	Count    int
	FirstRow int
	// Message is the rendered message of the first violation. Empty for derived checks.
	Message string
	Label   string
	Derived bool
}

// Tally is the per-run violation summary. It is not safe for concurrent use;
// a run owns its tally until it is flushed.
type Tally struct {
	JobID    int64
	Filename string

	entries map[Key]*Entry
	order   []Key
	rows    int
}

// NewTally creates an empty tally for a job.
func NewTally(jobID int64, filename string) *Tally {
	return &Tally{
		JobID:    jobID,
		Filename: filename,
		entries:  make(map[Key]*Entry),
	}
}

// KeyFor returns the tally key a rule's violations are recorded under.
func (t *Tally) KeyFor(rule rules.Rule) Key {
	return Key{JobID: t.JobID, Field: rule.FieldName(), Rule: rule.ReportKey()}
}

// Seen reports whether a violation was already recorded under key.
func (t *Tally) Seen(key Key) bool {
	_, ok := t.entries[key]
	return ok
}

// Record counts one violation of rule at row. The row and message are kept
// only for the first occurrence.
func (t *Tally) Record(rule rules.Rule, row int, message string) {
	key := t.KeyFor(rule)
	if e, ok := t.entries[key]; ok {
		e.Count++
		return
	}
	t.entries[key] = &Entry{
		Key:      key,
		Severity: rule.Severity,
		Count:    1,
		FirstRow: row,
		Message:  message,
		Label:    rule.Label,
		Derived:  rule.Derived(),
	}
	t.order = append(t.order, key)
}

// Entry returns the entry recorded for a field and rule.
func (t *Tally) Entry(field, rule string) (Entry, bool) {
	e, ok := t.entries[Key{JobID: t.JobID, Field: field, Rule: rule}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries in first-encounter order.
func (t *Tally) Entries() []Entry {
	out := make([]Entry, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, *t.entries[k])
	}
	return out
}

// Len returns the number of distinct entries.
func (t *Tally) Len() int { return len(t.order) }

// Errors returns the total count of error-severity violations.
func (t *Tally) Errors() int { return t.total(rules.SeverityError) }

// Warnings returns the total count of warning-severity violations.
func (t *Tally) Warnings() int { return t.total(rules.SeverityWarning) }

// Rows returns how many records were evaluated.
func (t *Tally) Rows() int { return t.rows }

func (t *Tally) total(sev rules.Severity) int {
	n := 0
	for _, e := range t.entries {
		if e.Severity == sev {
			n += e.Count
		}
	}
	return n
}
