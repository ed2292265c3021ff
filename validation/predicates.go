package validation

import "github.com/teranos/databroker/staging"

// Predicate is a named custom check. It returns true when rec satisfies it.
type Predicate func(rec *staging.Record, fields []string) bool

// Built-in predicate names usable in custom rules.
const (
	PredicateOneOfPresent     = "one_of_present"
	PredicateAllOrNonePresent = "all_or_none_present"
)

func builtinPredicates() map[string]Predicate {
	return map[string]Predicate{
		PredicateOneOfPresent:     oneOfPresent,
		PredicateAllOrNonePresent: allOrNonePresent,
	}
}

func oneOfPresent(rec *staging.Record, fields []string) bool {
	for _, f := range fields {
		if !rec.IsNull(f) {
			return true
		}
	}
	return false
}

func allOrNonePresent(rec *staging.Record, fields []string) bool {
	present := 0
	for _, f := range fields {
		if !rec.IsNull(f) {
			present++
		}
	}
	return present == 0 || present == len(fields)
}
