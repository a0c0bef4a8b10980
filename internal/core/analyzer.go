package core

// analyzer.go profiles parsed columns. The Profiler is incremental so a
// streaming artifact can be profiled row by row without loading it.

import (
	"math"
	"regexp"
	"strings"
)

// typeVoteThreshold is the share of non-null values that must agree before a
// non-string type is inferred.
const typeVoteThreshold = 0.8

// requiredNullThreshold marks a column as required when fewer than this
// percentage of values are empty.
const requiredNullThreshold = 10.0

var (
	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	urlRegex   = regexp.MustCompile(`^https?://[^\s/$.?#].[^\s]*$`)
	skuRegex   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)
	currencyRe = regexp.MustCompile(`^[$€£]?\s?-?\d{1,3}(,?\d{3})*\.\d{2}$`)
)

// AnalyzeOptions selects optional enrichments.
type AnalyzeOptions struct {
	// Enrich adds normalized and expanded names, patterns and numeric stats.
	Enrich bool
	// SampleSize bounds SourceField.SampleValues (default 5).
	SampleSize int
}

// Profiler accumulates column statistics one record at a time.
type Profiler struct {
	opts    AnalyzeOptions
	columns []*columnProfile
	index   map[string]int
	total   int
}

type columnProfile struct {
	name     string
	nulls    int
	nonNull  int
	distinct map[string]struct{}
	samples  []string

	numbers  int
	booleans int
	dates    int

	// enrichment counters
	integers int
	currency int
	emails   int
	urls     int
	skus     int
	min, max float64
	sum      float64
}

// NewProfiler creates a profiler for the given columns. Columns first seen
// in later records are added on demand.
func NewProfiler(fields []string, opts AnalyzeOptions) *Profiler {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 5
	}
	p := &Profiler{opts: opts, index: make(map[string]int, len(fields))}
	for _, f := range fields {
		p.column(f)
	}
	return p
}

func (p *Profiler) column(name string) *columnProfile {
	if i, ok := p.index[name]; ok {
		return p.columns[i]
	}
	c := &columnProfile{
		name:     name,
		distinct: make(map[string]struct{}),
		min:      math.Inf(1),
		max:      math.Inf(-1),
	}
	// Rows seen before this column appeared count as nulls.
	c.nulls = p.total
	p.index[name] = len(p.columns)
	p.columns = append(p.columns, c)
	return c
}

// Observe adds one record to the profile.
func (p *Profiler) Observe(r Record) {
	seen := make(map[string]bool, len(p.columns))
	for _, f := range r.Fields() {
		c := p.column(f.Name)
		seen[f.Name] = true
		p.observeValue(c, f.Value)
	}
	for _, c := range p.columns {
		if !seen[c.name] {
			c.nulls++
		}
	}
	p.total++
}

func (p *Profiler) observeValue(c *columnProfile, v Value) {
	if v.IsNull() {
		c.nulls++
		return
	}
	raw := strings.TrimSpace(v.Raw)
	c.nonNull++
	c.distinct[raw] = struct{}{}
	if len(c.samples) < p.opts.SampleSize {
		c.samples = append(c.samples, raw)
	}

	n, isNum := v.Num, v.Kind == KindNumber
	if !isNum {
		n, isNum = ParseNumeric(raw)
	}
	if isNum {
		c.numbers++
	}
	if v.Kind == KindBool || isBooleanLexeme(raw) {
		c.booleans++
	}
	if _, ok := ParseISODate(raw); ok {
		c.dates++
	}

	if !p.opts.Enrich {
		return
	}
	if isNum {
		c.sum += n
		c.min = math.Min(c.min, n)
		c.max = math.Max(c.max, n)
		if n == math.Trunc(n) && !strings.Contains(raw, ".") {
			c.integers++
		}
		if currencyRe.MatchString(raw) {
			c.currency++
		}
	}
	if emailRegex.MatchString(raw) {
		c.emails++
	}
	if urlRegex.MatchString(raw) {
		c.urls++
	}
	if skuRegex.MatchString(raw) && hasLetterAndDigit(raw) {
		c.skus++
	}
}

// Total returns the number of observed records.
func (p *Profiler) Total() int { return p.total }

// Fields returns the SourceField profile of every column in first-seen order.
func (p *Profiler) Fields() []SourceField {
	out := make([]SourceField, 0, len(p.columns))
	for _, c := range p.columns {
		out = append(out, p.field(c))
	}
	return out
}

func (p *Profiler) field(c *columnProfile) SourceField {
	sf := SourceField{
		Name:         c.name,
		Type:         c.inferType(),
		SampleValues: append([]string{}, c.samples...),
	}
	if p.total > 0 {
		sf.NullPercentage = round2(float64(c.nulls) / float64(p.total) * 100)
	}
	if c.nonNull > 0 {
		sf.UniquePercentage = round2(float64(len(c.distinct)) / float64(c.nonNull) * 100)
	}
	sf.IsRequired = p.total > 0 && sf.NullPercentage < requiredNullThreshold

	if p.opts.Enrich {
		sf.NormalizedName = NormalizeName(c.name)
		sf.ExpandedName = ExpandAbbreviations(sf.NormalizedName)
		sf.Patterns = c.patterns(sf.Type)
		if sf.Type == TypeNumber && c.numbers > 0 {
			sf.Stats = &NumericStats{
				Min:  c.min,
				Max:  c.max,
				Mean: round2(c.sum / float64(c.numbers)),
			}
		}
	}
	return sf
}

// inferType applies the majority vote: number, then boolean, then ISO date.
func (c *columnProfile) inferType() PrimitiveType {
	if c.nonNull == 0 {
		return TypeString
	}
	share := func(n int) float64 { return float64(n) / float64(c.nonNull) }
	switch {
	case share(c.numbers) >= typeVoteThreshold:
		return TypeNumber
	case share(c.booleans) >= typeVoteThreshold:
		return TypeBoolean
	case share(c.dates) >= typeVoteThreshold:
		return TypeDate
	default:
		return TypeString
	}
}

func (c *columnProfile) patterns(t PrimitiveType) []string {
	var out []string
	all := func(n int) bool { return c.nonNull > 0 && n == c.nonNull }
	most := func(n int) bool { return c.nonNull > 0 && float64(n)/float64(c.nonNull) >= typeVoteThreshold }

	if t == TypeNumber && all(c.integers) {
		out = append(out, "integer_only")
	}
	if t == TypeNumber && most(c.currency) {
		out = append(out, "two_decimal_currency")
	}
	if most(c.emails) {
		out = append(out, "email")
	}
	if most(c.urls) {
		out = append(out, "url")
	}
	if t == TypeString && most(c.skus) && float64(len(c.distinct)) == float64(c.nonNull) {
		out = append(out, "sku_like")
	}
	return out
}

// AnalyzeRecords profiles an in-memory record set.
func AnalyzeRecords(fields []string, records []Record, opts AnalyzeOptions) []SourceField {
	p := NewProfiler(fields, opts)
	for _, r := range records {
		p.Observe(r)
	}
	return p.Fields()
}

func hasLetterAndDigit(s string) bool {
	var letter, digit bool
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			letter = true
		}
	}
	return letter && digit
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
