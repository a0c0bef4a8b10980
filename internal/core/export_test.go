package core

import (
	"bytes"
	"encoding/csv"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"
)

func sampleErrors() []ValidationError {
	return []ValidationError{
		{RecordIndex: 0, Field: TargetPrice, Value: "abc", Severity: SeverityError, Code: CodeInvalidNumber,
			Message: "Price must be a number", Suggestion: "enter a numeric value such as 19.99"},
		{RecordIndex: 2, Field: TargetStatus, Value: "Live, now", Severity: SeverityWarning, Code: CodeEnumFormat,
			Message: `Status "Live, now" will be stored as "active"`},
	}
}

func TestExportErrors_CSV(t *testing.T) {
	errs := sampleErrors()
	var buf bytes.Buffer
	if err := ExportErrors(&buf, ExportCSV, errs); err != nil {
		t.Fatalf("ExportErrors: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	if rows[0][0] != "recordIndex" || rows[0][6] != "suggestion" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[2][0] != "2" || rows[2][2] != "Live, now" || rows[2][3] != "warning" {
		t.Errorf("row 2 = %v", rows[2])
	}
	if errs[0].Value != "abc" {
		t.Error("export mutated its input")
	}
}

func TestExportErrors_XLSX(t *testing.T) {
	var buf bytes.Buffer
	if err := ExportErrors(&buf, ExportXLSX, sampleErrors()); err != nil {
		t.Fatalf("ExportErrors: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(errorsSheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	if rows[1][1] != TargetPrice || rows[1][4] != CodeInvalidNumber {
		t.Errorf("row 1 = %v", rows[1])
	}
}

func TestExportErrors_UnsupportedFormat(t *testing.T) {
	err := ExportErrors(&bytes.Buffer{}, ExportFormat("pdf"), nil)
	if !errors.Is(err, ErrUnsupportedExport) {
		t.Errorf("err = %v, want ErrUnsupportedExport", err)
	}
}

func TestWriteTemplateXLSX(t *testing.T) {
	cat := DefaultCatalogue()
	var buf bytes.Buffer
	if err := WriteTemplateXLSX(&buf, cat); err != nil {
		t.Fatalf("WriteTemplateXLSX: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	if got := pickSheet(f.GetSheetList()); got != PreferredSheet {
		t.Errorf("pickSheet = %q, want %q", got, PreferredSheet)
	}
	rows, err := f.GetRows(PreferredSheet)
	if err != nil || len(rows) != 1 {
		t.Fatalf("GetRows = %d rows, %v; want header only", len(rows), err)
	}
	fields := cat.Fields()
	if len(rows[0]) != len(fields) {
		t.Fatalf("header width = %d, want %d", len(rows[0]), len(fields))
	}
	for i, tf := range fields {
		if rows[0][i] != tf.Name {
			t.Errorf("header[%d] = %q, want %q", i, rows[0][i], tf.Name)
		}
	}
}

// A template filled in by a user maps every column exactly.
func TestWriteTemplateXLSX_RoundTripsThroughMapping(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTemplateXLSX(&buf, DefaultCatalogue()); err != nil {
		t.Fatalf("WriteTemplateXLSX: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	header, _ := f.GetRows(PreferredSheet)

	engine := NewMappingEngine(MappingEngineConfig{})
	out, err := engine.Generate(t.Context(), fieldsNamed(header[0]...))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out.Unmapped) != 0 {
		t.Errorf("Unmapped = %v, want none", out.Unmapped)
	}
	for _, m := range out.Mappings {
		if m.Confidence != 100 || m.Strategy != StrategyExact {
			t.Errorf("%s -> %s at %v via %s, want exact 100", m.SourceField, m.TargetField, m.Confidence, m.Strategy)
		}
	}
}
