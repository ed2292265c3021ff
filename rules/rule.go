// Package rules holds the declarative business rules applied to staged files.
//
// A RuleSet is an immutable snapshot for one file type: the column schema
// plus an ordered list of rules. Every rule is a tagged variant whose Kind
// selects the check the evaluator runs. Rule sets come from TOML or YAML
// definition files and are served by a Store.
package rules

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Kind selects how a rule is evaluated.
type Kind string

const (
	KindRequired    Kind = "required"
	KindType        Kind = "type"
	KindFieldMatch  Kind = "field_match"
	KindCrossFile   Kind = "cross_file"
	KindCrossRecord Kind = "cross_record"
	KindCustom      Kind = "custom"
)

// Severity decides whether a violation blocks certification.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// FieldType is the declared type of a column.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeDecimal FieldType = "decimal"
	TypeInteger FieldType = "integer"
	TypeDate    FieldType = "date"
	TypeCode    FieldType = "code"
	TypeBoolean FieldType = "boolean"
)

// Fixed codes reported for schema-derived checks instead of a rule message.
const (
	CodeRequired = "required_error"
	CodeType     = "type_error"
	CodeLength   = "length_error"
)

// Comparison operators for field_match rules.
const (
	OpEqual        = "eq"
	OpNotEqual     = "ne"
	OpLess         = "lt"
	OpLessEqual    = "le"
	OpGreater      = "gt"
	OpGreaterEqual = "ge"
)

// Modes for cross_record rules.
const (
	ModeExists       = "exists"
	ModeExistsActive = "exists_active"
	ModeNotExists    = "not_exists"
	ModeUniqueInFile = "unique_in_file"
)

// Reference tables a cross_record rule can look up.
const (
	ReferenceAgency         = "agency"
	ReferenceSubTierAgency  = "sub_tier_agency"
	ReferencePublishedAward = "published_award"
)

// Field describes one column of a file type.
type Field struct {
	Name      string    `toml:"name" yaml:"name" validate:"required"`
	Type      FieldType `toml:"type" yaml:"type" validate:"required,oneof=string decimal integer date code boolean"`
	Required  bool      `toml:"required" yaml:"required"`
	MaxLength int       `toml:"max_length" yaml:"max_length" validate:"gte=0"`
	Precision int       `toml:"precision" yaml:"precision" validate:"gte=0"`
	Scale     int       `toml:"scale" yaml:"scale" validate:"gte=0,ltefield=Precision"`
	Codes     []string  `toml:"codes" yaml:"codes" validate:"required_if=Type code"`
}

// Params carries the kind-specific configuration of a rule.
type Params struct {
	// field_match: Fields[0] compared against Fields[1] or the sum of Fields[1:].
	// Sums need a numeric Fields[0]; other columns compare exactly two fields as text.
	Op          string `toml:"op" yaml:"op"`
	RequireBoth bool   `toml:"require_both" yaml:"require_both"`

	// Optional gate: the rule only applies when WhenField holds one of WhenValues
	WhenField  string   `toml:"when_field" yaml:"when_field"`
	WhenValues []string `toml:"when_values" yaml:"when_values"`

	// cross_record
	Reference string `toml:"reference" yaml:"reference"`
	Mode      string `toml:"mode" yaml:"mode"`

	// cross_file: keys of Fields must exist among SiblingFields of the sibling file
	SiblingFileType string   `toml:"sibling_file_type" yaml:"sibling_file_type"`
	SiblingFields   []string `toml:"sibling_fields" yaml:"sibling_fields"`

	// custom
	Predicate string `toml:"predicate" yaml:"predicate"`

	// type checks, filled from the column schema
	FieldType FieldType `toml:"-" yaml:"-"`
	MaxLength int       `toml:"-" yaml:"-"`
	Precision int       `toml:"-" yaml:"-"`
	Scale     int       `toml:"-" yaml:"-"`
	Codes     []string  `toml:"-" yaml:"-"`
}

// Rule is a single business rule. Rules never observe each other's results.
type Rule struct {
	ID       string   `toml:"id" yaml:"id" validate:"required"`
	Label    string   `toml:"label" yaml:"label"`
	Kind     Kind     `toml:"kind" yaml:"kind" validate:"required,oneof=required type field_match cross_file cross_record custom"`
	Severity Severity `toml:"severity" yaml:"severity" validate:"required,oneof=error warning"`
	Fields   []string `toml:"fields" yaml:"fields" validate:"required,min=1,dive,required"`
	Message  string   `toml:"message" yaml:"message"`
	Params   Params   `toml:"params" yaml:"params"`

	// FileType is set by the loader from the enclosing definition.
	FileType string `toml:"-" yaml:"-"`
	// Code replaces ID in reports for schema-derived checks.
	Code string `toml:"-" yaml:"-"`
}

// ReportKey is the rule component of a violation key.
func (r Rule) ReportKey() string {
	if r.Code != "" {
		return r.Code
	}
	return r.ID
}

// FieldName is the field component of a violation key.
func (r Rule) FieldName() string {
	return strings.Join(r.Fields, ", ")
}

// Derived reports whether the rule was generated from the column schema.
func (r Rule) Derived() bool {
	return r.Code != ""
}

// RuleSet is the immutable rule snapshot for one file type.
// Callers must not modify the slices.
type RuleSet struct {
	FileType string
	Version  *semver.Version
	Source   string
	Fields   []Field
	Rules    []Rule
}

// Headers returns the declared column names in order.
func (rs *RuleSet) Headers() []string {
	headers := make([]string, len(rs.Fields))
	for i, f := range rs.Fields {
		headers[i] = f.Name
	}
	return headers
}

// RequiredHeaders returns the columns a file must carry.
func (rs *RuleSet) RequiredHeaders() []string {
	var headers []string
	for _, f := range rs.Fields {
		if f.Required {
			headers = append(headers, f.Name)
		}
	}
	return headers
}

// Field looks up a column by name.
func (rs *RuleSet) Field(name string) (Field, bool) {
	for _, f := range rs.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Rule looks up a rule by ID.
func (rs *RuleSet) Rule(id string) (Rule, bool) {
	for _, r := range rs.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}
