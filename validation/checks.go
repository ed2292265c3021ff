package validation

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/rules"
	"github.com/teranos/databroker/staging"
)

type lookupKey struct {
	reference string
	value     string
}

type lookupResult struct {
	exists bool
	active bool
}

// run holds the state of one evaluation. Rule-private state is keyed by the
// rule's index in the snapshot so no rule can observe another's.
type run struct {
	ctx       context.Context
	target    Target
	rules     *rules.RuleSet
	reference staging.ReferenceData
	preds     map[string]Predicate

	unique   map[int]map[string]struct{}
	siblings map[int]staging.KeySet
	lookups  map[lookupKey]lookupResult
}

// check reports whether rec violates rule.
func (r *run) check(idx int, rule rules.Rule, rec *staging.Record) (bool, error) {
	if !applies(rule, rec) {
		return false, nil
	}

	switch rule.Kind {
	case rules.KindRequired:
		for _, f := range rule.Fields {
			if rec.IsNull(f) {
				return true, nil
			}
		}
		return false, nil
	case rules.KindType:
		return !typeOK(rule.Params, rec, rule.Fields[0]), nil
	case rules.KindFieldMatch:
		return !r.fieldMatch(rule, rec), nil
	case rules.KindCrossRecord:
		return r.crossRecord(idx, rule, rec)
	case rules.KindCrossFile:
		return r.crossFile(idx, rule, rec)
	case rules.KindCustom:
		return !r.preds[rule.Params.Predicate](rec, rule.Fields), nil
	default:
		return false, errors.NewConfigurationError("rule %s: unknown kind %q", rule.ID, rule.Kind)
	}
}

// applies evaluates the optional when_field gate.
func applies(rule rules.Rule, rec *staging.Record) bool {
	if rule.Params.WhenField == "" {
		return true
	}
	v, ok := rec.Value(rule.Params.WhenField)
	if !ok {
		return false
	}
	for _, want := range rule.Params.WhenValues {
		if v == want {
			return true
		}
	}
	return false
}

// typeOK checks a non-null value against its declared type. Null values pass;
// presence is the required check's job.
func typeOK(p rules.Params, rec *staging.Record, field string) bool {
	v, ok := rec.Value(field)
	if !ok {
		return true
	}

	switch p.FieldType {
	case rules.TypeString:
		return p.MaxLength == 0 || utf8.RuneCountInString(v) <= p.MaxLength
	case rules.TypeDecimal:
		d, _, err := rec.Decimal(field)
		if err != nil {
			return false
		}
		return fitsPrecision(d, p.Precision, p.Scale)
	case rules.TypeInteger:
		_, err := strconv.ParseInt(v, 10, 64)
		return err == nil
	case rules.TypeDate:
		_, err := time.Parse(staging.DateLayout, v)
		return err == nil
	case rules.TypeCode:
		for _, c := range p.Codes {
			if v == c {
				return true
			}
		}
		return false
	case rules.TypeBoolean:
		switch strings.ToLower(v) {
		case "true", "false", "t", "f", "y", "n", "yes", "no", "1", "0":
			return true
		}
		return false
	}
	return true
}

// fitsPrecision reports whether d has at most precision-scale integer digits
// and at most scale fractional digits. A zero precision disables the check.
func fitsPrecision(d decimal.Decimal, precision, scale int) bool {
	if precision == 0 {
		return true
	}
	// trailing zeros do not count against the scale
	if !d.Equal(d.Round(int32(scale))) {
		return false
	}
	intDigits := len(d.Abs().Truncate(0).String())
	if d.Abs().LessThan(decimal.NewFromInt(1)) {
		intDigits = 0
	}
	return intDigits <= precision-scale
}

// fieldMatch compares Fields[0] with Fields[1], or with the sum of
// Fields[1:] when more than two fields are named. Null operands satisfy the
// rule unless RequireBoth is set. Unparseable operands are left to type checks.
func (r *run) fieldMatch(rule rules.Rule, rec *staging.Record) bool {
	left := rule.Fields[0]
	rights := rule.Fields[1:]

	if f, ok := r.rules.Field(left); ok && f.Type != rules.TypeDecimal && f.Type != rules.TypeInteger {
		return r.stringMatch(rule, rec)
	}

	lv, lok, err := rec.Decimal(left)
	if err != nil {
		return true
	}

	sum := decimal.Zero
	anyRight := false
	for _, name := range rights {
		v, ok, err := rec.Decimal(name)
		if err != nil {
			return true
		}
		if !ok {
			if rule.Params.RequireBoth {
				return false
			}
			continue
		}
		anyRight = true
		sum = sum.Add(v)
	}

	if !lok || !anyRight {
		return !rule.Params.RequireBoth
	}
	return compare(rule.Params.Op, lv.Cmp(sum))
}

func (r *run) stringMatch(rule rules.Rule, rec *staging.Record) bool {
	lv, lok := rec.Value(rule.Fields[0])
	rv, rok := rec.Value(rule.Fields[1])
	if !lok || !rok {
		return !rule.Params.RequireBoth
	}
	return compare(rule.Params.Op, strings.Compare(lv, rv))
}

func compare(op string, cmp int) bool {
	switch op {
	case rules.OpEqual:
		return cmp == 0
	case rules.OpNotEqual:
		return cmp != 0
	case rules.OpLess:
		return cmp < 0
	case rules.OpLessEqual:
		return cmp <= 0
	case rules.OpGreater:
		return cmp > 0
	case rules.OpGreaterEqual:
		return cmp >= 0
	}
	return false
}

// key returns the composite key of fields and whether any of them is present.
func key(rec *staging.Record, fields []string) (string, bool) {
	values := make([]string, len(fields))
	present := false
	for i, f := range fields {
		if v, ok := rec.Value(f); ok {
			values[i] = v
			present = true
		}
	}
	return staging.JoinKey(values), present
}

func (r *run) crossRecord(idx int, rule rules.Rule, rec *staging.Record) (bool, error) {
	if rule.Params.Mode == rules.ModeUniqueInFile {
		k, ok := key(rec, rule.Fields)
		if !ok {
			return false, nil
		}
		seen := r.unique[idx]
		if seen == nil {
			seen = make(map[string]struct{})
			r.unique[idx] = seen
		}
		if _, dup := seen[k]; dup {
			return true, nil
		}
		seen[k] = struct{}{}
		return false, nil
	}

	v, ok := rec.Value(rule.Fields[0])
	if !ok {
		return false, nil
	}
	res, err := r.lookup(rule.Params.Reference, v)
	if err != nil {
		return false, err
	}

	switch rule.Params.Mode {
	case rules.ModeExists:
		return !res.exists, nil
	case rules.ModeExistsActive:
		return !res.exists || !res.active, nil
	case rules.ModeNotExists:
		return res.exists && res.active, nil
	}
	return false, errors.NewConfigurationError("rule %s: unknown mode %q", rule.ID, rule.Params.Mode)
}

// lookup consults reference data once per distinct value per run.
func (r *run) lookup(reference, value string) (lookupResult, error) {
	k := lookupKey{reference: reference, value: strings.ToUpper(value)}
	if res, ok := r.lookups[k]; ok {
		return res, nil
	}

	var res lookupResult
	switch reference {
	case rules.ReferenceAgency:
		ok, err := r.reference.AgencyExists(r.ctx, value)
		if err != nil {
			return res, err
		}
		res = lookupResult{exists: ok, active: ok}
	case rules.ReferenceSubTierAgency:
		ok, err := r.reference.SubTierAgencyExists(r.ctx, value)
		if err != nil {
			return res, err
		}
		res = lookupResult{exists: ok, active: ok}
	case rules.ReferencePublishedAward:
		award, err := r.reference.PublishedAward(r.ctx, value)
		if err != nil {
			return res, err
		}
		if award != nil {
			res = lookupResult{exists: true, active: award.IsActive}
		}
	default:
		return res, errors.NewConfigurationError("unknown reference %q", reference)
	}

	r.lookups[k] = res
	return res, nil
}

// crossFile loads the sibling file's keys on first use and keeps them for the run.
func (r *run) crossFile(idx int, rule rules.Rule, rec *staging.Record) (bool, error) {
	k, ok := key(rec, rule.Fields)
	if !ok {
		return false, nil
	}

	keys, loaded := r.siblings[idx]
	if !loaded {
		fields := rule.Params.SiblingFields
		if len(fields) == 0 {
			fields = rule.Fields
		}
		var err error
		keys, err = r.reference.SiblingKeys(r.ctx, r.target.SubmissionID, rule.Params.SiblingFileType, fields)
		if err != nil {
			return false, err
		}
		r.siblings[idx] = keys
	}
	return !keys.Has(k), nil
}
