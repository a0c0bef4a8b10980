package core

// mapping.go resolves source fields onto the target catalogue.
//
// Resolution is a cascade of stages (see mapping_stages.go). Each stage
// receives only the fields still unresolved and returns (resolved,
// unresolved). When two source fields claim the same target the higher
// confidence wins; the loser goes back into the pool for the next stage.

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JonMunkholm/catalogimport/internal/logging"
)

// Thresholds are the acceptance bounds of the cascade. Stage order is fixed
// regardless of their values.
type Thresholds struct {
	FuzzyKeep     float64
	FuzzyAccept   float64
	Historical    float64
	Statistical   float64
	Semantic      float64
	SemanticCap   float64
	LowConfidence float64
}

// DefaultThresholds returns the standard acceptance bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FuzzyKeep:     60,
		FuzzyAccept:   70,
		Historical:    60,
		Statistical:   50,
		Semantic:      60,
		SemanticCap:   95,
		LowConfidence: 70,
	}
}

// SemanticField is one field sent to the semantic inference service.
type SemanticField struct {
	Name         string        `json:"name"`
	Type         PrimitiveType `json:"type"`
	SampleValues []string      `json:"sampleValues"`
}

// SemanticRequest is a batch of unresolved fields plus the catalogue.
type SemanticRequest struct {
	Fields     []SemanticField `json:"fields"`
	Targets    []TargetField   `json:"targets"`
	DomainHint string          `json:"domainHint"`
}

// SemanticSuggestion is the service's answer for one field. An empty
// TargetField means the service left the field unmapped.
type SemanticSuggestion struct {
	SourceField string  `json:"sourceField"`
	TargetField string  `json:"targetField"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

// SemanticInferencer is the optional external inference collaborator.
type SemanticInferencer interface {
	Infer(ctx context.Context, req SemanticRequest) ([]SemanticSuggestion, error)
}

// IssueKind classifies mapping report entries.
type IssueKind string

const (
	IssueDuplicateTarget  IssueKind = "duplicate_target"
	IssueUnknownTarget    IssueKind = "unknown_target"
	IssueLowConfidence    IssueKind = "low_confidence"
	IssueRequiredUnmapped IssueKind = "required_unmapped"
)

// MappingIssue is one finding of ValidateMappings.
type MappingIssue struct {
	Kind        IssueKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	SourceField string    `json:"sourceField,omitempty"`
	TargetField string    `json:"targetField,omitempty"`
	Message     string    `json:"message"`
}

// MappingReport summarises a mapping set. Blocking is set when the set has
// errors or leaves a required target unmapped; execution refuses to start
// while it is set.
type MappingReport struct {
	Valid    bool           `json:"valid"`
	Blocking bool           `json:"blocking"`
	Issues   []MappingIssue `json:"issues"`
}

// UnmappedField is a source field no stage accepted, with the best
// near-miss found by the fuzzy stage, if any.
type UnmappedField struct {
	SourceField string        `json:"sourceField"`
	Suggestion  *FieldMapping `json:"suggestion,omitempty"`
}

// MappingOutcome is the result of a full cascade.
type MappingOutcome struct {
	Mappings []FieldMapping  `json:"mappings"`
	Unmapped []UnmappedField `json:"unmapped"`
	Report   MappingReport   `json:"report"`
}

// MappingEngineConfig wires the engine's collaborators.
type MappingEngineConfig struct {
	Catalogue       *Catalogue
	Cache           MappingCache       // optional
	Semantic        SemanticInferencer // optional
	Thresholds      Thresholds
	SemanticTimeout time.Duration
	DomainHint      string
}

// MappingEngine maps source fields onto a catalogue.
type MappingEngine struct {
	catalogue       *Catalogue
	cache           MappingCache
	semantic        SemanticInferencer
	thresholds      Thresholds
	semanticTimeout time.Duration
	domainHint      string

	lookup     map[string]nameRef
	candidates []nameRef
}

// nameRef points a normalized name at a target field.
type nameRef struct {
	key    string
	target string
	direct bool
}

// NewMappingEngine builds an engine. A zero Thresholds uses the defaults.
func NewMappingEngine(cfg MappingEngineConfig) *MappingEngine {
	if cfg.Catalogue == nil {
		cfg.Catalogue = DefaultCatalogue()
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.SemanticTimeout <= 0 {
		cfg.SemanticTimeout = 15 * time.Second
	}
	if cfg.DomainHint == "" {
		cfg.DomainHint = "ecommerce products"
	}

	e := &MappingEngine{
		catalogue:       cfg.Catalogue,
		cache:           cfg.Cache,
		semantic:        cfg.Semantic,
		thresholds:      cfg.Thresholds,
		semanticTimeout: cfg.SemanticTimeout,
		domainHint:      cfg.DomainHint,
		lookup:          make(map[string]nameRef),
	}
	for _, f := range cfg.Catalogue.Fields() {
		e.addName(NormalizeName(f.Name), f.Name, true)
	}
	for _, f := range cfg.Catalogue.Fields() {
		for _, v := range f.Variations {
			e.addName(NormalizeName(v), f.Name, false)
		}
	}
	return e
}

func (e *MappingEngine) addName(key, target string, direct bool) {
	if _, exists := e.lookup[key]; exists {
		return
	}
	ref := nameRef{key: key, target: target, direct: direct}
	e.lookup[key] = ref
	e.candidates = append(e.candidates, ref)
}

// Catalogue returns the engine's target catalogue.
func (e *MappingEngine) Catalogue() *Catalogue { return e.catalogue }

// Generate runs the full cascade, records every accepted mapping in the
// cache and validates the result.
func (e *MappingEngine) Generate(ctx context.Context, fields []SourceField) (*MappingOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx)

	res := newResolution(fields)
	pending := fields
	for _, st := range e.stages() {
		if len(pending) == 0 {
			break
		}
		out := st.run(ctx, pending)
		pending = res.merge(out)
		logger.Debug("mapping stage finished",
			"stage", st.name,
			"resolved", len(out.resolved),
			"remaining", len(pending),
		)
	}

	mappings := res.mappings()
	e.learn(ctx, mappings)

	outcome := &MappingOutcome{
		Mappings: mappings,
		Unmapped: res.unmapped(),
		Report:   e.ValidateMappings(mappings),
	}
	logger.Info("mappings generated",
		"fields", len(fields),
		"mapped", len(mappings),
		"unmapped", len(outcome.Unmapped),
		"blocking", outcome.Report.Blocking,
	)
	return outcome, nil
}

// learn writes accepted mappings to the cache. Failures are logged only.
func (e *MappingEngine) learn(ctx context.Context, mappings []FieldMapping) {
	if e.cache == nil {
		return
	}
	for _, m := range mappings {
		err := e.cache.Record(ctx, MappingCacheEntry{
			SourceField: NormalizeName(m.SourceField),
			TargetField: m.TargetField,
			Confidence:  m.Confidence,
			Strategy:    m.Strategy,
		})
		if err != nil {
			logging.FromContext(ctx).Warn("mapping cache write failed",
				"source", m.SourceField, "target", m.TargetField, "error", err)
		}
	}
}

// Suggestions runs every strategy for a single field and returns all
// candidates, best first, one per target field. Nothing is written to the
// cache.
func (e *MappingEngine) Suggestions(ctx context.Context, field SourceField) []FieldMapping {
	best := make(map[string]FieldMapping)
	offer := func(m FieldMapping) {
		if cur, ok := best[m.TargetField]; !ok || m.Confidence > cur.Confidence {
			best[m.TargetField] = m
		}
	}

	if m, ok := e.exactMatch(field); ok {
		offer(m)
	}
	for _, m := range e.fuzzyCandidates(field) {
		offer(m)
	}
	for _, m := range e.historicalCandidates(ctx, field) {
		offer(m)
	}
	for _, m := range e.statisticalCandidates(field) {
		offer(m)
	}
	for _, m := range e.semanticMatches(ctx, []SourceField{field}) {
		offer(m)
	}

	out := make([]FieldMapping, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return e.catalogue.Position(out[i].TargetField) < e.catalogue.Position(out[j].TargetField)
	})
	return out
}

// ValidateMappings checks a finished mapping set.
func (e *MappingEngine) ValidateMappings(mappings []FieldMapping) MappingReport {
	report := MappingReport{Valid: true, Issues: []MappingIssue{}}
	used := make(map[string]string)

	for _, m := range mappings {
		if !e.catalogue.Has(m.TargetField) {
			report.Issues = append(report.Issues, MappingIssue{
				Kind:        IssueUnknownTarget,
				Severity:    SeverityError,
				SourceField: m.SourceField,
				TargetField: m.TargetField,
				Message:     fmt.Sprintf("%s maps to unknown target field %q", m.SourceField, m.TargetField),
			})
			continue
		}
		if first, dup := used[m.TargetField]; dup {
			report.Issues = append(report.Issues, MappingIssue{
				Kind:        IssueDuplicateTarget,
				Severity:    SeverityError,
				SourceField: m.SourceField,
				TargetField: m.TargetField,
				Message:     fmt.Sprintf("%s and %s both map to %s", first, m.SourceField, m.TargetField),
			})
			continue
		}
		used[m.TargetField] = m.SourceField

		if m.Confidence < e.thresholds.LowConfidence {
			report.Issues = append(report.Issues, MappingIssue{
				Kind:        IssueLowConfidence,
				Severity:    SeverityWarning,
				SourceField: m.SourceField,
				TargetField: m.TargetField,
				Message:     fmt.Sprintf("%s -> %s has low confidence (%.0f)", m.SourceField, m.TargetField, m.Confidence),
			})
		}
	}

	requiredMissing := false
	for _, name := range e.catalogue.Required() {
		if _, ok := used[name]; !ok {
			requiredMissing = true
			report.Issues = append(report.Issues, MappingIssue{
				Kind:        IssueRequiredUnmapped,
				Severity:    SeverityWarning,
				TargetField: name,
				Message:     fmt.Sprintf("required field %s is not mapped", name),
			})
		}
	}

	for _, is := range report.Issues {
		if is.Severity == SeverityError {
			report.Valid = false
		}
	}
	report.Blocking = !report.Valid || requiredMissing
	return report
}

// ApplyOverride replaces the mapping of source with a manual mapping onto
// target. Any other field mapped to target is released. An empty target
// clears the mapping for source. The override is recorded in the cache.
func (e *MappingEngine) ApplyOverride(ctx context.Context, fields []SourceField, mappings []FieldMapping, source, target string) ([]FieldMapping, error) {
	known := false
	for _, f := range fields {
		if f.Name == source {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSourceField, source)
	}
	if target != "" && !e.catalogue.Has(target) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTargetField, target)
	}

	res := newResolution(fields)
	for _, m := range mappings {
		if m.SourceField == source || (target != "" && m.TargetField == target) {
			continue
		}
		res.claim(m)
	}
	if target != "" {
		manual := FieldMapping{
			SourceField: source,
			TargetField: target,
			Confidence:  100,
			Strategy:    StrategyManual,
			Metadata:    MappingMetadata{Reasoning: "user override"},
		}
		res.claim(manual)
		e.learn(ctx, []FieldMapping{manual})
	}
	return res.mappings(), nil
}

// resolution tracks claimed targets across stages.
type resolution struct {
	fields   []SourceField
	order    map[string]int
	byTarget map[string]FieldMapping
	hints    map[string]FieldMapping
}

func newResolution(fields []SourceField) *resolution {
	r := &resolution{
		fields:   fields,
		order:    make(map[string]int, len(fields)),
		byTarget: make(map[string]FieldMapping),
		hints:    make(map[string]FieldMapping),
	}
	for i, f := range fields {
		r.order[f.Name] = i
	}
	return r
}

// claim records m unless an equal or higher confidence mapping already
// holds its target. It returns the source field that lost, if any.
func (r *resolution) claim(m FieldMapping) (loser string, lost bool) {
	cur, taken := r.byTarget[m.TargetField]
	if !taken {
		r.byTarget[m.TargetField] = m
		return "", false
	}
	if m.Confidence > cur.Confidence {
		r.byTarget[m.TargetField] = m
		return cur.SourceField, true
	}
	return m.SourceField, true
}

// merge applies a stage's output and returns the pool for the next stage in
// source order.
func (r *resolution) merge(out stageOutput) []SourceField {
	pool := make(map[string]bool, len(out.unresolved))
	for _, f := range out.unresolved {
		pool[f.Name] = true
	}
	for _, m := range out.resolved {
		if loser, lost := r.claim(m); lost {
			pool[loser] = true
		}
	}
	for name, h := range out.hints {
		if cur, ok := r.hints[name]; !ok || h.Confidence > cur.Confidence {
			r.hints[name] = h
		}
	}

	next := make([]SourceField, 0, len(pool))
	for _, f := range r.fields {
		if pool[f.Name] {
			next = append(next, f)
		}
	}
	return next
}

func (r *resolution) mappings() []FieldMapping {
	out := make([]FieldMapping, 0, len(r.byTarget))
	for _, m := range r.byTarget {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.order[out[i].SourceField] < r.order[out[j].SourceField]
	})
	return out
}

func (r *resolution) unmapped() []UnmappedField {
	mapped := make(map[string]bool, len(r.byTarget))
	for _, m := range r.byTarget {
		mapped[m.SourceField] = true
	}
	out := []UnmappedField{}
	for _, f := range r.fields {
		if mapped[f.Name] {
			continue
		}
		u := UnmappedField{SourceField: f.Name}
		if h, ok := r.hints[f.Name]; ok {
			if _, taken := r.byTarget[h.TargetField]; !taken {
				h := h
				u.Suggestion = &h
			}
		}
		out = append(out, u)
	}
	return out
}
