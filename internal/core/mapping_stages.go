package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/catalogimport/internal/logging"
)

type stageOutput struct {
	resolved   []FieldMapping
	unresolved []SourceField
	hints      map[string]FieldMapping
}

type mappingStage struct {
	name string
	run  func(ctx context.Context, fields []SourceField) stageOutput
}

func (e *MappingEngine) stages() []mappingStage {
	return []mappingStage{
		{name: string(StrategyExact), run: e.exactStage},
		{name: string(StrategyFuzzy), run: e.fuzzyStage},
		{name: string(StrategyHistorical), run: e.historicalStage},
		{name: string(StrategyStatistical), run: e.statisticalStage},
		{name: string(StrategySemantic), run: e.semanticStage},
	}
}

// ---------------------------------------------------------------------------
// Exact
// ---------------------------------------------------------------------------

func (e *MappingEngine) exactStage(_ context.Context, fields []SourceField) stageOutput {
	var out stageOutput
	for _, f := range fields {
		if m, ok := e.exactMatch(f); ok {
			out.resolved = append(out.resolved, m)
		} else {
			out.unresolved = append(out.unresolved, f)
		}
	}
	return out
}

// exactMatch scores 100 for the target's own name and 95 for a listed
// variation. The abbreviation-expanded name is tried second.
func (e *MappingEngine) exactMatch(f SourceField) (FieldMapping, bool) {
	n := NormalizeName(f.Name)
	ref, ok := e.lookup[n]
	pattern := ""
	if !ok {
		expanded := ExpandAbbreviations(n)
		if expanded == n {
			return FieldMapping{}, false
		}
		if ref, ok = e.lookup[expanded]; !ok {
			return FieldMapping{}, false
		}
		pattern = "abbreviation"
	}

	m := FieldMapping{
		SourceField: f.Name,
		TargetField: ref.target,
		Confidence:  100,
		Strategy:    StrategyExact,
		Metadata:    MappingMetadata{Pattern: pattern},
	}
	if !ref.direct {
		m.Confidence = 95
		m.Metadata.MatchedVariation = ref.key
	}
	return m, true
}

// ---------------------------------------------------------------------------
// Fuzzy
// ---------------------------------------------------------------------------

func (e *MappingEngine) fuzzyStage(_ context.Context, fields []SourceField) stageOutput {
	out := stageOutput{hints: make(map[string]FieldMapping)}
	for _, f := range fields {
		m, score := e.bestFuzzy(f)
		switch {
		case score > e.thresholds.FuzzyAccept:
			out.resolved = append(out.resolved, m)
		case score > e.thresholds.FuzzyKeep:
			out.hints[f.Name] = m
			out.unresolved = append(out.unresolved, f)
		default:
			out.unresolved = append(out.unresolved, f)
		}
	}
	return out
}

// bestFuzzy compares the normalized name against every target name and
// variation. Ties keep the earlier catalogue entry.
func (e *MappingEngine) bestFuzzy(f SourceField) (FieldMapping, float64) {
	n := NormalizeName(f.Name)
	var best nameRef
	bestScore := -1.0
	for _, c := range e.candidates {
		if s := Similarity(n, c.key); s > bestScore {
			best, bestScore = c, s
		}
	}
	if bestScore < 0 {
		return FieldMapping{}, 0
	}
	return FieldMapping{
		SourceField: f.Name,
		TargetField: best.target,
		Confidence:  round2(bestScore),
		Strategy:    StrategyFuzzy,
		Metadata:    MappingMetadata{MatchedVariation: best.key},
	}, bestScore
}

// fuzzyCandidates returns the best fuzzy score per target above the keep
// threshold.
func (e *MappingEngine) fuzzyCandidates(f SourceField) []FieldMapping {
	n := NormalizeName(f.Name)
	best := make(map[string]FieldMapping)
	for _, c := range e.candidates {
		s := round2(Similarity(n, c.key))
		if s <= e.thresholds.FuzzyKeep {
			continue
		}
		if cur, ok := best[c.target]; ok && cur.Confidence >= s {
			continue
		}
		best[c.target] = FieldMapping{
			SourceField: f.Name,
			TargetField: c.target,
			Confidence:  s,
			Strategy:    StrategyFuzzy,
			Metadata:    MappingMetadata{MatchedVariation: c.key},
		}
	}
	out := make([]FieldMapping, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	return out
}

// ---------------------------------------------------------------------------
// Historical
// ---------------------------------------------------------------------------

func (e *MappingEngine) historicalStage(ctx context.Context, fields []SourceField) stageOutput {
	var out stageOutput
	for _, f := range fields {
		cands := e.historicalCandidates(ctx, f)
		if len(cands) == 0 {
			out.unresolved = append(out.unresolved, f)
			continue
		}
		out.resolved = append(out.resolved, cands[0])
	}
	return out
}

// historicalCandidates returns cached mappings for f above the historical
// threshold, best first.
func (e *MappingEngine) historicalCandidates(ctx context.Context, f SourceField) []FieldMapping {
	if e.cache == nil {
		return nil
	}
	entries, err := e.cache.Lookup(ctx, NormalizeName(f.Name))
	if err != nil {
		logging.FromContext(ctx).Warn("mapping cache lookup failed", "field", f.Name, "error", err)
		return nil
	}
	SortCacheEntries(entries)

	var out []FieldMapping
	for _, entry := range entries {
		if entry.Confidence <= e.thresholds.Historical || !e.catalogue.Has(entry.TargetField) {
			continue
		}
		out = append(out, FieldMapping{
			SourceField: f.Name,
			TargetField: entry.TargetField,
			Confidence:  entry.Confidence,
			Strategy:    StrategyHistorical,
			Metadata: MappingMetadata{
				Reasoning: fmt.Sprintf("confirmed %d time(s), last via %s", entry.UsageCount, entry.Strategy),
			},
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Statistical
// ---------------------------------------------------------------------------

// keywordRule maps names containing one keyword from every group onto a
// target. Keywords of three characters or fewer must equal a whole token.
type keywordRule struct {
	target     string
	confidence float64
	groups     [][]string
	exclude    []string
}

// keywordRules are evaluated in order; the first match wins.
var keywordRules = []keywordRule{
	{target: TargetCompareAtPrice, confidence: 85,
		groups: [][]string{{"price", "cost", "msrp", "rrp"}, {"compare", "msrp", "was", "rrp", "original"}}},
	{target: TargetPrice, confidence: 80,
		groups: [][]string{{"price", "cost", "pricing"}}},
	{target: TargetShortDescription, confidence: 75,
		groups: [][]string{{"short", "brief"}, {"desc", "description", "text"}}},
	{target: TargetShortDescription, confidence: 70,
		groups: [][]string{{"summary", "teaser", "blurb", "excerpt"}}},
	{target: TargetDescription, confidence: 70,
		groups: [][]string{{"desc", "description", "details", "body", "overview", "about"}}},
	{target: TargetStock, confidence: 75,
		groups: [][]string{{"stock", "inventory", "qty", "quantity", "onhand", "available"}}},
	{target: TargetBarcode, confidence: 80,
		groups: [][]string{{"barcode", "upc", "ean", "gtin", "isbn", "jan"}}},
	{target: TargetParentSKU, confidence: 65,
		groups: [][]string{{"parent", "master"}}},
	{target: TargetSKU, confidence: 75,
		groups: [][]string{{"sku", "code", "id", "identifier", "ref", "reference", "article", "part", "model", "mpn"}}},
	{target: TargetVariantOption, confidence: 65,
		groups: [][]string{{"variant", "option", "size", "color", "colour", "variation"}}},
	{target: TargetBrand, confidence: 70,
		groups:  [][]string{{"brand", "manufacturer", "maker", "make", "mfr", "mfg", "vendor", "supplier"}},
		exclude: []string{"email", "mail"}},
	{target: TargetStatus, confidence: 65,
		groups: [][]string{{"status", "state", "active", "enabled", "visibility"}}},
	{target: TargetWeight, confidence: 70,
		groups: [][]string{{"weight", "kg", "lbs", "lb", "grams", "oz", "mass"}}},
	{target: TargetCategory, confidence: 70,
		groups: [][]string{{"category", "categories", "cat", "type", "department", "dept", "collection", "taxonomy"}}},
	{target: TargetImageURL, confidence: 70,
		groups: [][]string{{"image", "img", "photo", "picture", "pic", "thumbnail", "media"}}},
	{target: TargetTags, confidence: 65,
		groups: [][]string{{"tag", "tags", "keyword", "keywords", "labels"}}},
	{target: TargetVendorEmail, confidence: 60,
		groups: [][]string{{"email", "mail"}}},
	{target: TargetFeatured, confidence: 60,
		groups: [][]string{{"featured", "highlight", "promoted"}}},
	{target: TargetPublishedAt, confidence: 55,
		groups: [][]string{{"published", "release", "launch", "date"}}},
	{target: TargetName, confidence: 60,
		groups: [][]string{{"name", "title", "label"}}},
}

func (r keywordRule) matches(tokens map[string]bool, compact string) bool {
	has := func(kw string) bool {
		if len(kw) <= 3 {
			return tokens[kw]
		}
		return strings.Contains(compact, kw)
	}
	for _, kw := range r.exclude {
		if has(kw) {
			return false
		}
	}
	for _, group := range r.groups {
		found := false
		for _, kw := range group {
			if has(kw) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (e *MappingEngine) statisticalStage(_ context.Context, fields []SourceField) stageOutput {
	var out stageOutput
	for _, f := range fields {
		cands := e.statisticalCandidates(f)
		if len(cands) == 0 || cands[0].Confidence <= e.thresholds.Statistical {
			out.unresolved = append(out.unresolved, f)
			continue
		}
		out.resolved = append(out.resolved, cands[0])
	}
	return out
}

// statisticalCandidates returns every matching keyword rule in rule order.
func (e *MappingEngine) statisticalCandidates(f SourceField) []FieldMapping {
	n := NormalizeName(f.Name)
	if n == "" {
		return nil
	}
	tokens := make(map[string]bool)
	for _, t := range nameTokens(n) {
		tokens[t] = true
	}
	compact := strings.ReplaceAll(n, "_", "")

	var out []FieldMapping
	for _, rule := range keywordRules {
		if !e.catalogue.Has(rule.target) || !rule.matches(tokens, compact) {
			continue
		}
		out = append(out, FieldMapping{
			SourceField: f.Name,
			TargetField: rule.target,
			Confidence:  rule.confidence,
			Strategy:    StrategyStatistical,
			Metadata:    MappingMetadata{Pattern: "keyword"},
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Semantic
// ---------------------------------------------------------------------------

func (e *MappingEngine) semanticStage(ctx context.Context, fields []SourceField) stageOutput {
	matches := e.semanticMatches(ctx, fields)
	got := make(map[string]bool, len(matches))
	for _, m := range matches {
		got[m.SourceField] = true
	}
	out := stageOutput{resolved: matches}
	for _, f := range fields {
		if !got[f.Name] {
			out.unresolved = append(out.unresolved, f)
		}
	}
	return out
}

// semanticMatches asks the inference service about fields. Service errors
// leave every field unmapped.
func (e *MappingEngine) semanticMatches(ctx context.Context, fields []SourceField) []FieldMapping {
	if e.semantic == nil || len(fields) == 0 {
		return nil
	}

	req := SemanticRequest{
		Targets:    e.catalogue.Fields(),
		DomainHint: e.domainHint,
	}
	pending := make(map[string]bool, len(fields))
	for _, f := range fields {
		pending[f.Name] = true
		req.Fields = append(req.Fields, SemanticField{
			Name:         f.Name,
			Type:         f.Type,
			SampleValues: f.SampleValues,
		})
	}

	cctx, cancel := context.WithTimeout(ctx, e.semanticTimeout)
	defer cancel()

	suggestions, err := e.semantic.Infer(cctx, req)
	if err != nil {
		logging.FromContext(ctx).Warn("semantic inference unavailable",
			"fields", len(fields),
			"error", &ExternalServiceFailure{Service: "semantic", Err: err},
		)
		return nil
	}

	best := make(map[string]FieldMapping)
	for _, s := range suggestions {
		if !pending[s.SourceField] || s.TargetField == "" || !e.catalogue.Has(s.TargetField) {
			continue
		}
		if s.Confidence < e.thresholds.Semantic {
			continue
		}
		conf := min(s.Confidence, e.thresholds.SemanticCap)
		if cur, ok := best[s.SourceField]; ok && cur.Confidence >= conf {
			continue
		}
		best[s.SourceField] = FieldMapping{
			SourceField: s.SourceField,
			TargetField: s.TargetField,
			Confidence:  conf,
			Strategy:    StrategySemantic,
			Metadata:    MappingMetadata{Reasoning: s.Reasoning},
		}
	}

	out := make([]FieldMapping, 0, len(best))
	for _, f := range fields {
		if m, ok := best[f.Name]; ok {
			out = append(out, m)
		}
	}
	return out
}
