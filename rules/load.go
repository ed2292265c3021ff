package rules

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/teranos/databroker/errors"
)

// definition is the on-disk shape of one rule file.
type definition struct {
	FileType string  `toml:"file_type" yaml:"file_type" validate:"required"`
	Version  string  `toml:"version" yaml:"version" validate:"required,semver"`
	Fields   []Field `toml:"fields" yaml:"fields" validate:"required,min=1,dive"`
	Rules    []Rule  `toml:"rules" yaml:"rules" validate:"dive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateRuleParams, Rule{})
	return v
}

// validateRuleParams checks the params each kind needs.
func validateRuleParams(sl validator.StructLevel) {
	r := sl.Current().Interface().(Rule)
	p := r.Params

	if p.WhenField != "" && len(p.WhenValues) == 0 {
		sl.ReportError(p.WhenValues, "WhenValues", "when_values", "required_with_when_field", "")
	}

	switch r.Kind {
	case KindFieldMatch:
		if len(r.Fields) < 2 {
			sl.ReportError(r.Fields, "Fields", "fields", "min_two_fields", "")
		}
		switch p.Op {
		case "", OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		default:
			sl.ReportError(p.Op, "Op", "op", "comparison_op", p.Op)
		}
	case KindCrossRecord:
		switch p.Mode {
		case ModeUniqueInFile:
		case ModeExists, ModeExistsActive, ModeNotExists:
			switch p.Reference {
			case ReferenceAgency, ReferenceSubTierAgency, ReferencePublishedAward:
			default:
				sl.ReportError(p.Reference, "Reference", "reference", "reference_table", p.Reference)
			}
		default:
			sl.ReportError(p.Mode, "Mode", "mode", "cross_record_mode", p.Mode)
		}
	case KindCrossFile:
		if p.SiblingFileType == "" {
			sl.ReportError(p.SiblingFileType, "SiblingFileType", "sibling_file_type", "required", "")
		}
		if len(p.SiblingFields) > 0 && len(p.SiblingFields) != len(r.Fields) {
			sl.ReportError(p.SiblingFields, "SiblingFields", "sibling_fields", "len_matches_fields", "")
		}
	case KindCustom:
		if p.Predicate == "" {
			sl.ReportError(p.Predicate, "Predicate", "predicate", "required", "")
		}
	}
}

// Parse decodes a rule definition file and builds its RuleSet.
// The format is chosen by extension: .toml, .yaml or .yml.
func Parse(name string, data []byte) (*RuleSet, error) {
	var def definition

	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		md, err := toml.Decode(string(data), &def)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decode %s", name), errors.ErrConfiguration)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.NewConfigurationError("%s: unknown keys %v", name, undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decode %s", name), errors.ErrConfiguration)
		}
	default:
		return nil, errors.NewConfigurationError("%s: unsupported rule file format", name)
	}

	return build(name, def)
}

func build(source string, def definition) (*RuleSet, error) {
	if err := validate.Struct(def); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "validate %s", source), errors.ErrConfiguration)
	}

	version, err := semver.NewVersion(def.Version)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s: version", source), errors.ErrConfiguration)
	}

	rs := &RuleSet{
		FileType: def.FileType,
		Version:  version,
		Source:   source,
		Fields:   def.Fields,
	}

	columns := make(map[string]Field, len(def.Fields))
	for _, f := range def.Fields {
		if _, dup := columns[f.Name]; dup {
			return nil, errors.NewConfigurationError("%s: column %q declared twice", source, f.Name)
		}
		columns[f.Name] = f
	}

	seen := make(map[string]bool)
	add := func(r Rule) error {
		if seen[r.ID] {
			return errors.NewConfigurationError("%s: duplicate rule id %q", source, r.ID)
		}
		seen[r.ID] = true
		r.FileType = def.FileType
		rs.Rules = append(rs.Rules, r)
		return nil
	}

	for _, f := range def.Fields {
		for _, r := range derivedRules(f) {
			if err := add(r); err != nil {
				return nil, err
			}
		}
	}

	for _, r := range def.Rules {
		for _, name := range r.Fields {
			if _, ok := columns[name]; !ok {
				return nil, errors.NewConfigurationError("%s: rule %s references unknown column %q", source, r.ID, name)
			}
		}
		if r.Params.WhenField != "" {
			if _, ok := columns[r.Params.WhenField]; !ok {
				return nil, errors.NewConfigurationError("%s: rule %s gates on unknown column %q", source, r.ID, r.Params.WhenField)
			}
		}
		if r.Kind == KindFieldMatch {
			if r.Params.Op == "" {
				r.Params.Op = OpEqual
			}
			if t := columns[r.Fields[0]].Type; len(r.Fields) > 2 && t != TypeDecimal && t != TypeInteger {
				return nil, errors.NewConfigurationError("%s: rule %s sums %d fields but %q is a %s column", source, r.ID, len(r.Fields)-1, r.Fields[0], t)
			}
		}
		if r.Kind == KindType {
			f := columns[r.Fields[0]]
			r.Params.FieldType, r.Params.Precision, r.Params.Scale, r.Params.Codes = f.Type, f.Precision, f.Scale, f.Codes
		}
		if err := add(r); err != nil {
			return nil, err
		}
	}

	return rs, nil
}

// derivedRules turns a column declaration into its required, type and length checks.
func derivedRules(f Field) []Rule {
	var out []Rule

	if f.Required {
		out = append(out, Rule{
			ID:       CodeRequired + ":" + f.Name,
			Code:     CodeRequired,
			Kind:     KindRequired,
			Severity: SeverityError,
			Fields:   []string{f.Name},
		})
	}

	if f.Type != TypeString {
		out = append(out, Rule{
			ID:       CodeType + ":" + f.Name,
			Code:     CodeType,
			Kind:     KindType,
			Severity: SeverityError,
			Fields:   []string{f.Name},
			Params: Params{
				FieldType: f.Type,
				Precision: f.Precision,
				Scale:     f.Scale,
				Codes:     f.Codes,
			},
		})
	}

	if f.MaxLength > 0 {
		out = append(out, Rule{
			ID:       CodeLength + ":" + f.Name,
			Code:     CodeLength,
			Kind:     KindType,
			Severity: SeverityError,
			Fields:   []string{f.Name},
			Params:   Params{FieldType: TypeString, MaxLength: f.MaxLength},
		})
	}

	return out
}
