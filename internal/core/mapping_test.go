package core

import (
	"context"
	"errors"
	"testing"
)

type fakeInferencer struct {
	suggestions []SemanticSuggestion
	err         error
	calls       int
}

func (f *fakeInferencer) Infer(_ context.Context, _ SemanticRequest) ([]SemanticSuggestion, error) {
	f.calls++
	return f.suggestions, f.err
}

func fieldsNamed(names ...string) []SourceField {
	out := make([]SourceField, len(names))
	for i, n := range names {
		out[i] = SourceField{Name: n, Type: TypeString}
	}
	return out
}

func mappingFor(out *MappingOutcome, source string) (FieldMapping, bool) {
	for _, m := range out.Mappings {
		if m.SourceField == source {
			return m, true
		}
	}
	return FieldMapping{}, false
}

func TestGenerate_CommonHeaders(t *testing.T) {
	cache := NewMemoryMappingCache()
	engine := NewMappingEngine(MappingEngineConfig{Cache: cache})

	out, err := engine.Generate(context.Background(), fieldsNamed("product_name", "cost", "item_code"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tests := []struct {
		source     string
		target     string
		confidence float64
		strategy   Strategy
	}{
		{"product_name", TargetName, 95, StrategyExact},
		{"cost", TargetPrice, 80, StrategyStatistical},
		{"item_code", TargetSKU, 95, StrategyExact},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			m, ok := mappingFor(out, tt.source)
			if !ok {
				t.Fatalf("no mapping for %s", tt.source)
			}
			if m.TargetField != tt.target {
				t.Errorf("target = %q, want %q", m.TargetField, tt.target)
			}
			if m.Confidence != tt.confidence {
				t.Errorf("confidence = %v, want %v", m.Confidence, tt.confidence)
			}
			if m.Strategy != tt.strategy {
				t.Errorf("strategy = %q, want %q", m.Strategy, tt.strategy)
			}
		})
	}

	if len(out.Unmapped) != 0 {
		t.Errorf("Unmapped = %v, want none", out.Unmapped)
	}
	if out.Report.Blocking {
		t.Errorf("Report.Blocking = true, want false (issues: %v)", out.Report.Issues)
	}
	if cache.Len() != 3 {
		t.Errorf("cache.Len() = %d, want 3", cache.Len())
	}
}

func TestGenerate_TargetNamesScoreFull(t *testing.T) {
	engine := NewMappingEngine(MappingEngineConfig{})
	cat := DefaultCatalogue()

	var names []string
	for _, f := range cat.Fields() {
		names = append(names, f.Name)
	}
	out, err := engine.Generate(context.Background(), fieldsNamed(names...))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(out.Mappings) != len(names) {
		t.Fatalf("len(Mappings) = %d, want %d", len(out.Mappings), len(names))
	}
	for _, m := range out.Mappings {
		if m.SourceField != m.TargetField || m.Confidence != 100 || m.Strategy != StrategyExact {
			t.Errorf("mapping %+v, want identity exact match at 100", m)
		}
	}
	if !out.Report.Valid || out.Report.Blocking {
		t.Errorf("Report = %+v, want valid and not blocking", out.Report)
	}
}

func TestGenerate_NoDuplicateTargets(t *testing.T) {
	engine := NewMappingEngine(MappingEngineConfig{})
	fields := fieldsNamed("price", "Price ", "selling_price", "cost", "sku", "item_code", "SKU Code")

	out, err := engine.Generate(context.Background(), fields)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	seen := make(map[string]string)
	for _, m := range out.Mappings {
		if prev, dup := seen[m.TargetField]; dup {
			t.Errorf("target %s claimed by both %q and %q", m.TargetField, prev, m.SourceField)
		}
		seen[m.TargetField] = m.SourceField
	}
	if got := seen[TargetPrice]; got != "price" {
		t.Errorf("price claimed by %q, want %q", got, "price")
	}
	if got := seen[TargetSKU]; got != "sku" {
		t.Errorf("sku claimed by %q, want %q", got, "sku")
	}
	if len(out.Mappings)+len(out.Unmapped) != len(fields) {
		t.Errorf("mapped %d + unmapped %d != %d fields", len(out.Mappings), len(out.Unmapped), len(fields))
	}
}

func TestGenerate_HistoricalUsesCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryMappingCache()
	if err := cache.Record(ctx, MappingCacheEntry{
		SourceField: "headline_x9",
		TargetField: TargetName,
		Confidence:  90,
		Strategy:    StrategyManual,
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	engine := NewMappingEngine(MappingEngineConfig{Cache: cache})
	out, err := engine.Generate(ctx, fieldsNamed("Headline X9"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	m, ok := mappingFor(out, "Headline X9")
	if !ok {
		t.Fatal("Headline X9 not mapped")
	}
	if m.TargetField != TargetName || m.Strategy != StrategyHistorical || m.Confidence != 90 {
		t.Errorf("mapping = %+v, want name/historical/90", m)
	}

	entries, _ := cache.Lookup(ctx, "headline_x9")
	if len(entries) != 1 || entries[0].UsageCount != 2 {
		t.Errorf("cache entries = %+v, want one entry used twice", entries)
	}
}

func TestGenerate_StatisticalKeywords(t *testing.T) {
	engine := NewMappingEngine(MappingEngineConfig{})

	tests := []struct {
		source string
		target string
	}{
		{"qty_on_shelf", TargetStock},
		{"Was Cost", TargetCompareAtPrice},
		{"EAN Code", TargetBarcode},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			out, err := engine.Generate(context.Background(), fieldsNamed(tt.source))
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			m, ok := mappingFor(out, tt.source)
			if !ok {
				t.Fatalf("%s not mapped", tt.source)
			}
			if m.TargetField != tt.target {
				t.Errorf("target = %q, want %q", m.TargetField, tt.target)
			}
		})
	}
}

func TestGenerate_NearMissHint(t *testing.T) {
	engine := NewMappingEngine(MappingEngineConfig{})

	out, err := engine.Generate(context.Background(), fieldsNamed("wieght"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(out.Mappings) != 0 {
		t.Fatalf("Mappings = %v, want none", out.Mappings)
	}
	if len(out.Unmapped) != 1 {
		t.Fatalf("len(Unmapped) = %d, want 1", len(out.Unmapped))
	}
	hint := out.Unmapped[0].Suggestion
	if hint == nil {
		t.Fatal("Suggestion = nil, want near miss")
	}
	if hint.TargetField != TargetWeight {
		t.Errorf("Suggestion.TargetField = %q, want %q", hint.TargetField, TargetWeight)
	}
	if hint.Confidence <= 60 || hint.Confidence > 70 {
		t.Errorf("Suggestion.Confidence = %v, want within (60, 70]", hint.Confidence)
	}
}

func TestGenerate_SemanticStage(t *testing.T) {
	inf := &fakeInferencer{suggestions: []SemanticSuggestion{
		{SourceField: "Mystery Col", TargetField: TargetBrand, Confidence: 99, Reasoning: "looks like makers"},
		{SourceField: "Other", TargetField: "nonexistent", Confidence: 90},
		{SourceField: "Low", TargetField: TargetTags, Confidence: 40},
	}}
	engine := NewMappingEngine(MappingEngineConfig{Semantic: inf})

	out, err := engine.Generate(context.Background(), fieldsNamed("Mystery Col", "Other", "Low"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if inf.calls != 1 {
		t.Errorf("inference calls = %d, want 1", inf.calls)
	}

	m, ok := mappingFor(out, "Mystery Col")
	if !ok {
		t.Fatal("Mystery Col not mapped")
	}
	if m.TargetField != TargetBrand || m.Confidence != 95 || m.Strategy != StrategySemantic {
		t.Errorf("mapping = %+v, want brand/95/semantic", m)
	}
	for _, name := range []string{"Other", "Low"} {
		if _, ok := mappingFor(out, name); ok {
			t.Errorf("%s mapped, want unmapped", name)
		}
	}
}

func TestGenerate_SemanticFailureLeavesUnmapped(t *testing.T) {
	inf := &fakeInferencer{err: errors.New("connection refused")}
	engine := NewMappingEngine(MappingEngineConfig{Semantic: inf})

	out, err := engine.Generate(context.Background(), fieldsNamed("product_name", "Mystery Col"))
	if err != nil {
		t.Fatalf("Generate() error = %v, want nil", err)
	}
	if _, ok := mappingFor(out, "product_name"); !ok {
		t.Error("product_name not mapped")
	}
	if len(out.Unmapped) != 1 || out.Unmapped[0].SourceField != "Mystery Col" {
		t.Errorf("Unmapped = %+v, want only Mystery Col", out.Unmapped)
	}
}

func TestGenerate_CancelledContext(t *testing.T) {
	engine := NewMappingEngine(MappingEngineConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Generate(ctx, fieldsNamed("sku")); !errors.Is(err, context.Canceled) {
		t.Errorf("Generate() error = %v, want context.Canceled", err)
	}
}

func TestMappingCache_ConfidenceNeverDecreases(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryMappingCache()

	steps := []struct {
		confidence float64
		want       float64
	}{
		{80, 80},
		{60, 80},
		{90, 90},
		{70, 90},
	}
	for i, s := range steps {
		if err := cache.Record(ctx, MappingCacheEntry{SourceField: "cost", TargetField: TargetPrice, Confidence: s.confidence}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		entries, _ := cache.Lookup(ctx, "cost")
		if len(entries) != 1 {
			t.Fatalf("len(entries) = %d, want 1", len(entries))
		}
		if entries[0].Confidence != s.want {
			t.Errorf("step %d: confidence = %v, want %v", i, entries[0].Confidence, s.want)
		}
		if entries[0].UsageCount != int64(i+1) {
			t.Errorf("step %d: usage = %d, want %d", i, entries[0].UsageCount, i+1)
		}
	}
}

func TestSuggestions(t *testing.T) {
	cache := NewMemoryMappingCache()
	engine := NewMappingEngine(MappingEngineConfig{Cache: cache})

	got := engine.Suggestions(context.Background(), SourceField{Name: "cost"})
	if len(got) == 0 {
		t.Fatal("Suggestions() returned nothing")
	}
	if got[0].TargetField != TargetPrice || got[0].Confidence != 80 {
		t.Errorf("best suggestion = %+v, want price at 80", got[0])
	}

	seen := make(map[string]bool)
	for i, m := range got {
		if seen[m.TargetField] {
			t.Errorf("duplicate suggestion for %s", m.TargetField)
		}
		seen[m.TargetField] = true
		if i > 0 && got[i-1].Confidence < m.Confidence {
			t.Errorf("suggestions not sorted at %d: %v < %v", i, got[i-1].Confidence, m.Confidence)
		}
	}
	if cache.Len() != 0 {
		t.Errorf("cache.Len() = %d, want 0", cache.Len())
	}
}

func TestValidateMappings(t *testing.T) {
	engine := NewMappingEngine(MappingEngineConfig{})
	required := []FieldMapping{
		{SourceField: "n", TargetField: TargetName, Confidence: 100},
		{SourceField: "s", TargetField: TargetSKU, Confidence: 100},
		{SourceField: "p", TargetField: TargetPrice, Confidence: 100},
	}
	with := func(extra ...FieldMapping) []FieldMapping {
		return append(append([]FieldMapping{}, required...), extra...)
	}

	tests := []struct {
		name         string
		mappings     []FieldMapping
		wantValid    bool
		wantBlocking bool
		wantKind     IssueKind
	}{
		{
			name:      "complete",
			mappings:  required,
			wantValid: true,
		},
		{
			name:         "duplicate target",
			mappings:     with(FieldMapping{SourceField: "p2", TargetField: TargetPrice, Confidence: 90}),
			wantBlocking: true,
			wantKind:     IssueDuplicateTarget,
		},
		{
			name:         "unknown target",
			mappings:     with(FieldMapping{SourceField: "x", TargetField: "colour", Confidence: 90}),
			wantBlocking: true,
			wantKind:     IssueUnknownTarget,
		},
		{
			name:      "low confidence",
			mappings:  with(FieldMapping{SourceField: "b", TargetField: TargetBrand, Confidence: 55}),
			wantValid: true,
			wantKind:  IssueLowConfidence,
		},
		{
			name:         "required unmapped",
			mappings:     required[:2],
			wantValid:    true,
			wantBlocking: true,
			wantKind:     IssueRequiredUnmapped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := engine.ValidateMappings(tt.mappings)
			if r.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", r.Valid, tt.wantValid)
			}
			if r.Blocking != tt.wantBlocking {
				t.Errorf("Blocking = %v, want %v", r.Blocking, tt.wantBlocking)
			}
			if tt.wantKind == "" {
				if len(r.Issues) != 0 {
					t.Errorf("Issues = %v, want none", r.Issues)
				}
				return
			}
			found := false
			for _, is := range r.Issues {
				if is.Kind == tt.wantKind {
					found = true
				}
			}
			if !found {
				t.Errorf("Issues = %v, want one of kind %s", r.Issues, tt.wantKind)
			}
		})
	}
}

func TestApplyOverride(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryMappingCache()
	engine := NewMappingEngine(MappingEngineConfig{Cache: cache})
	fields := fieldsNamed("product_name", "cost", "item_code")

	out, err := engine.Generate(ctx, fields)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	t.Run("retarget", func(t *testing.T) {
		got, err := engine.ApplyOverride(ctx, fields, out.Mappings, "cost", TargetCostPrice)
		if err != nil {
			t.Fatalf("ApplyOverride() error = %v", err)
		}
		m, _ := mappingFor(&MappingOutcome{Mappings: got}, "cost")
		if m.TargetField != TargetCostPrice || m.Strategy != StrategyManual || m.Confidence != 100 {
			t.Errorf("cost mapping = %+v, want manual costPrice at 100", m)
		}
		entries, _ := cache.Lookup(ctx, "cost")
		if len(entries) == 0 || entries[0].TargetField != TargetCostPrice {
			t.Errorf("cache entries = %+v, want costPrice first", entries)
		}
	})

	t.Run("steal target", func(t *testing.T) {
		got, err := engine.ApplyOverride(ctx, fields, out.Mappings, "product_name", TargetSKU)
		if err != nil {
			t.Fatalf("ApplyOverride() error = %v", err)
		}
		wrapped := &MappingOutcome{Mappings: got}
		if _, ok := mappingFor(wrapped, "item_code"); ok {
			t.Error("item_code still mapped after its target was taken")
		}
		if m, _ := mappingFor(wrapped, "product_name"); m.TargetField != TargetSKU {
			t.Errorf("product_name -> %q, want sku", m.TargetField)
		}
	})

	t.Run("clear", func(t *testing.T) {
		got, err := engine.ApplyOverride(ctx, fields, out.Mappings, "cost", "")
		if err != nil {
			t.Fatalf("ApplyOverride() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("len(mappings) = %d, want 2", len(got))
		}
	})

	t.Run("unknown target", func(t *testing.T) {
		_, err := engine.ApplyOverride(ctx, fields, out.Mappings, "cost", "colour")
		if !errors.Is(err, ErrUnknownTargetField) {
			t.Errorf("error = %v, want ErrUnknownTargetField", err)
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := engine.ApplyOverride(ctx, fields, out.Mappings, "nope", TargetBrand)
		if !errors.Is(err, ErrUnknownSourceField) {
			t.Errorf("error = %v, want ErrUnknownSourceField", err)
		}
	})
}
