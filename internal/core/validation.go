package core

// validation.go checks projected records against the target catalogue.
//
// Validation happens on target-keyed records (see ProjectRecords). Each
// mapped field is checked for required-ness, type coercibility and format;
// a handful of cross-field rules run afterwards. Blocking problems carry
// SeverityError, advisory ones SeverityWarning. Where the correct value is
// unambiguous the issue carries an AutoFix the recovery flow may apply.

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// Validation rule codes.
const (
	CodeRequired          = "required"
	CodeWhitespace        = "whitespace"
	CodeInvalidNumber     = "invalid_number"
	CodeLenientNumber     = "lenient_number"
	CodeNegative          = "negative"
	CodeNotInteger        = "not_integer"
	CodeInvalidBoolean    = "invalid_boolean"
	CodeInvalidDate       = "invalid_date"
	CodeDateFormat        = "date_format"
	CodeInvalidEnum       = "invalid_enum"
	CodeEnumFormat        = "enum_format"
	CodeInvalidEmail      = "invalid_email"
	CodeEmailCase         = "email_case"
	CodeInvalidURL        = "invalid_url"
	CodeTooLong           = "too_long"
	CodeInvalidSKU        = "invalid_sku"
	CodeCompareBelowPrice = "compare_below_price"
)

// ValidationError is one per-record, per-field finding.
type ValidationError struct {
	RecordIndex int      `json:"recordIndex"`
	Field       string   `json:"field"`
	Value       string   `json:"value"`
	Severity    Severity `json:"severity"`
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Suggestion  string   `json:"suggestion,omitempty"`
	AutoFix     *AutoFix `json:"autoFix,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("record %d %s: %s", e.RecordIndex, e.Field, e.Message)
}

// ValidationReport summarises a set of validation errors.
type ValidationReport struct {
	Errors       []ValidationError `json:"errors"`
	ErrorCount   int               `json:"errorCount"`
	WarningCount int               `json:"warningCount"`
	CanProceed   bool              `json:"canProceed"`
}

// Summarize counts errors by severity.
func Summarize(errs []ValidationError) ValidationReport {
	r := ValidationReport{Errors: errs}
	if r.Errors == nil {
		r.Errors = []ValidationError{}
	}
	for _, e := range errs {
		if e.Severity == SeverityError {
			r.ErrorCount++
		} else {
			r.WarningCount++
		}
	}
	r.CanProceed = r.ErrorCount == 0
	return r
}

// CanProceed reports whether errs holds no error-severity entries.
func CanProceed(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Severity == SeverityError {
			return false
		}
	}
	return true
}

// enumSynonyms maps common alternative spellings onto enum values.
var enumSynonyms = map[string]map[string]string{
	TargetStatus: {
		"published":    ProductActive,
		"live":         ProductActive,
		"enabled":      ProductActive,
		"visible":      ProductActive,
		"on":           ProductActive,
		"inactive":     ProductDraft,
		"hidden":       ProductDraft,
		"pending":      ProductDraft,
		"disabled":     ProductDraft,
		"archive":      ProductArchived,
		"discontinued": ProductArchived,
		"deleted":      ProductArchived,
	},
}

// Validator applies catalogue rules.
type Validator struct {
	catalogue *Catalogue
}

// NewValidator returns a validator for cat.
func NewValidator(cat *Catalogue) *Validator {
	if cat == nil {
		cat = DefaultCatalogue()
	}
	return &Validator{catalogue: cat}
}

// ProjectRecord renames the mapped fields of a source record to their
// target names. Unmapped source fields are dropped; a mapped field missing
// from the record becomes null.
func ProjectRecord(r Record, mappings []FieldMapping) Record {
	out := NewRecord(len(mappings))
	for _, m := range mappings {
		v, ok := r.Get(m.SourceField)
		if !ok {
			v = NullValue()
		}
		out.Set(m.TargetField, v)
	}
	return out
}

// ProjectRecords applies ProjectRecord to every record.
func ProjectRecords(records []Record, mappings []FieldMapping) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = ProjectRecord(r, mappings)
	}
	return out
}

// ValidateRecords validates every record and returns the findings sorted by
// record index then catalogue order.
func (v *Validator) ValidateRecords(records []Record) []ValidationError {
	var out []ValidationError
	for i, r := range records {
		out = append(out, v.ValidateRecord(i, r)...)
	}
	v.Sort(out)
	return out
}

// ValidateRecord validates one target-keyed record.
func (v *Validator) ValidateRecord(index int, r Record) []ValidationError {
	var out []ValidationError
	for _, f := range r.Fields() {
		out = append(out, v.ValidateField(index, f.Name, f.Value)...)
	}
	out = append(out, v.crossField(index, r)...)
	v.Sort(out)
	return out
}

// ValidateField checks a single value against its target field's rules.
// Unknown fields are ignored.
func (v *Validator) ValidateField(index int, field string, val Value) []ValidationError {
	tf, ok := v.catalogue.Field(field)
	if !ok {
		return nil
	}
	raw := val.Raw
	if val.IsNull() {
		raw = ""
	}
	s := strings.TrimSpace(raw)

	issue := func(sev Severity, code, msg, suggestion string, fix *AutoFix) ValidationError {
		return ValidationError{
			RecordIndex: index,
			Field:       field,
			Value:       raw,
			Severity:    sev,
			Code:        code,
			Message:     msg,
			Suggestion:  suggestion,
			AutoFix:     fix,
		}
	}

	if s == "" {
		if tf.Required {
			return []ValidationError{issue(SeverityError, CodeRequired,
				fmt.Sprintf("%s is required", tf.Label), "provide a value", nil)}
		}
		return nil
	}

	out := v.checkType(tf, s, issue)

	if s != raw {
		hasFix := false
		for _, e := range out {
			if e.AutoFix != nil {
				hasFix = true
				break
			}
		}
		if !hasFix {
			out = append(out, issue(SeverityWarning, CodeWhitespace,
				"value has leading or trailing whitespace", "remove surrounding spaces",
				&AutoFix{Action: FixTrim, Value: s}))
		}
	}
	return out
}

type issueFunc func(sev Severity, code, msg, suggestion string, fix *AutoFix) ValidationError

func (v *Validator) checkType(tf TargetField, s string, issue issueFunc) []ValidationError {
	var out []ValidationError

	switch tf.Type {
	case DataNumber:
		n, ok := ParseStrictNumber(s)
		if !ok {
			if n, ok = ParseNumeric(s); ok {
				out = append(out, issue(SeverityWarning, CodeLenientNumber,
					fmt.Sprintf("%s contains formatting characters", tf.Label), "use a plain number",
					&AutoFix{Action: FixCoerceNumber, Value: FormatNumber(n)}))
			} else {
				return []ValidationError{issue(SeverityError, CodeInvalidNumber,
					fmt.Sprintf("%s must be a number", tf.Label), "enter a numeric value such as 19.99", nil)}
			}
		}
		if tf.NonNegative && n < 0 {
			out = append(out, issue(SeverityError, CodeNegative,
				fmt.Sprintf("%s cannot be negative", tf.Label), "enter zero or a positive value", nil))
		}

	case DataInteger:
		var n float64
		if IsInteger(s) {
			n, _ = ParseStrictNumber(s)
		} else if f, ok := ParseNumeric(s); ok {
			n = f
			if f == math.Trunc(f) {
				out = append(out, issue(SeverityWarning, CodeNotInteger,
					fmt.Sprintf("%s should be a whole number", tf.Label), "remove separators and decimals",
					&AutoFix{Action: FixCoerceInteger, Value: FormatNumber(f)}))
			} else {
				out = append(out, issue(SeverityError, CodeNotInteger,
					fmt.Sprintf("%s must be a whole number", tf.Label), "round to the nearest whole number",
					&AutoFix{Action: FixCoerceInteger, Value: FormatNumber(math.Round(f))}))
			}
		} else {
			return []ValidationError{issue(SeverityError, CodeInvalidNumber,
				fmt.Sprintf("%s must be a whole number", tf.Label), "enter a whole number such as 12", nil)}
		}
		if tf.NonNegative && n < 0 {
			out = append(out, issue(SeverityError, CodeNegative,
				fmt.Sprintf("%s cannot be negative", tf.Label), "enter zero or a positive value", nil))
		}

	case DataBoolean:
		if _, ok := ParseBool(s); !ok {
			out = append(out, issue(SeverityError, CodeInvalidBoolean,
				fmt.Sprintf("%s must be true or false", tf.Label), "use true/false, yes/no or 1/0", nil))
		}

	case DataDate:
		if _, ok := ParseISODate(s); ok {
			break
		}
		if t, ok := ParseDate(s); ok {
			out = append(out, issue(SeverityWarning, CodeDateFormat,
				fmt.Sprintf("%s is not in YYYY-MM-DD format", tf.Label), "use YYYY-MM-DD",
				&AutoFix{Action: FixNormalizeDate, Value: t.Format(ISODateLayout)}))
		} else {
			out = append(out, issue(SeverityError, CodeInvalidDate,
				fmt.Sprintf("%s is not a valid date", tf.Label), "use YYYY-MM-DD", nil))
		}

	case DataEnum:
		if canonical, exact := matchEnum(tf, s); canonical == "" {
			out = append(out, issue(SeverityError, CodeInvalidEnum,
				fmt.Sprintf("%s must be one of: %s", tf.Label, strings.Join(tf.EnumValues, ", ")),
				"choose one of the allowed values", nil))
		} else if !exact {
			out = append(out, issue(SeverityWarning, CodeEnumFormat,
				fmt.Sprintf("%s %q will be stored as %q", tf.Label, s, canonical), "use the canonical value",
				&AutoFix{Action: FixNormalizeEnum, Value: canonical}))
		}

	case DataEmail:
		if !emailRegex.MatchString(s) {
			out = append(out, issue(SeverityError, CodeInvalidEmail,
				fmt.Sprintf("%s is not a valid email address", tf.Label), "use name@example.com", nil))
		} else if lower := strings.ToLower(s); lower != s {
			out = append(out, issue(SeverityWarning, CodeEmailCase,
				fmt.Sprintf("%s should be lowercase", tf.Label), "lowercase the address",
				&AutoFix{Action: FixLowercase, Value: lower}))
		}

	case DataURL:
		if !urlRegex.MatchString(s) {
			out = append(out, issue(SeverityError, CodeInvalidURL,
				fmt.Sprintf("%s is not a valid URL", tf.Label), "use a full http(s):// address", nil))
		}
	}

	if tf.Name == TargetSKU || tf.Name == TargetParentSKU {
		if !skuRegex.MatchString(s) {
			out = append(out, issue(SeverityError, CodeInvalidSKU,
				fmt.Sprintf("%s may only contain letters, digits and . _ / -", tf.Label),
				"remove spaces and special characters", nil))
		}
	}
	if tf.MaxLength > 0 && utf8.RuneCountInString(s) > tf.MaxLength {
		out = append(out, issue(SeverityError, CodeTooLong,
			fmt.Sprintf("%s exceeds %d characters", tf.Label, tf.MaxLength),
			fmt.Sprintf("shorten to %d characters", tf.MaxLength), nil))
	}
	return out
}

// matchEnum returns the canonical enum value for s and whether s already
// was canonical.
func matchEnum(tf TargetField, s string) (string, bool) {
	for _, ev := range tf.EnumValues {
		if s == ev {
			return ev, true
		}
	}
	lower := strings.ToLower(s)
	for _, ev := range tf.EnumValues {
		if lower == strings.ToLower(ev) {
			return ev, false
		}
	}
	if syn, ok := enumSynonyms[tf.Name][lower]; ok {
		return syn, false
	}
	return "", false
}

func (v *Validator) crossField(index int, r Record) []ValidationError {
	var out []ValidationError

	cmp, okC := r.Get(TargetCompareAtPrice)
	price, okP := r.Get(TargetPrice)
	if okC && okP && !cmp.IsNull() && !price.IsNull() {
		c, ok1 := ParseNumeric(cmp.Raw)
		p, ok2 := ParseNumeric(price.Raw)
		if ok1 && ok2 && c < p {
			out = append(out, ValidationError{
				RecordIndex: index,
				Field:       TargetCompareAtPrice,
				Value:       cmp.Raw,
				Severity:    SeverityWarning,
				Code:        CodeCompareBelowPrice,
				Message:     "compare-at price is lower than price",
				Suggestion:  "compare-at price is usually the original, higher price",
			})
		}
	}
	return out
}

// Sort orders errors by record index, catalogue position, then code.
func (v *Validator) Sort(errs []ValidationError) {
	sort.SliceStable(errs, func(i, j int) bool {
		a, b := errs[i], errs[j]
		if a.RecordIndex != b.RecordIndex {
			return a.RecordIndex < b.RecordIndex
		}
		pa, pb := v.catalogue.Position(a.Field), v.catalogue.Position(b.Field)
		if pa != pb {
			return pa < pb
		}
		return a.Code < b.Code
	})
}
