package core

import (
	"errors"
	"testing"
)

func invalidPriceSession(t *testing.T) *RecoverySession {
	t.Helper()
	header := []string{"Product Name", "Price", "SKU"}
	source := recordsFrom(header, [][]string{{"Product A", "invalid_price", "SKU001"}})
	mappings := []FieldMapping{
		{SourceField: "Product Name", TargetField: TargetName},
		{SourceField: "Price", TargetField: TargetPrice},
		{SourceField: "SKU", TargetField: TargetSKU},
	}
	s := NewRecoverySession(NewValidator(nil), ProjectRecords(source, mappings))
	if s.CanProceed() {
		t.Fatal("CanProceed = true before any fix")
	}
	return s
}

func TestRecovery_FixSingleResolves(t *testing.T) {
	s := invalidPriceSession(t)

	res, err := s.FixSingle(FixRequest{RecordIndex: 0, Field: TargetPrice, Value: "19.99"})
	if err != nil {
		t.Fatalf("FixSingle: %v", err)
	}
	if !res.CanProceed || len(res.Remaining) != 0 {
		t.Errorf("result = %+v, want canProceed and no remaining errors", res)
	}
	if res.Applied != 1 || res.BatchID == "" {
		t.Errorf("Applied = %d, BatchID = %q, want 1 and a batch id", res.Applied, res.BatchID)
	}
	if got := s.Records()[0].Raw(TargetPrice); got != "19.99" {
		t.Errorf("price = %q, want 19.99", got)
	}
	if s.Status() != RecoveryResolved {
		t.Errorf("Status = %q, want %q", s.Status(), RecoveryResolved)
	}
}

func TestRecovery_FixSingleIsIdempotent(t *testing.T) {
	s := invalidPriceSession(t)
	req := FixRequest{RecordIndex: 0, Field: TargetPrice, Value: "19.99"}

	if _, err := s.FixSingle(req); err != nil {
		t.Fatalf("first FixSingle: %v", err)
	}
	res, err := s.FixSingle(req)
	if err != nil {
		t.Fatalf("second FixSingle: %v", err)
	}
	if res.Applied != 0 || res.Unchanged != 1 {
		t.Errorf("Applied = %d, Unchanged = %d, want 0 and 1", res.Applied, res.Unchanged)
	}
	if n := len(s.History()); n != 1 {
		t.Errorf("len(History) = %d, want 1", n)
	}
}

func TestRecovery_RejectedFixLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name string
		req  FixRequest
	}{
		{"index out of range", FixRequest{RecordIndex: 5, Field: TargetPrice, Value: "1"}},
		{"negative index", FixRequest{RecordIndex: -1, Field: TargetPrice, Value: "1"}},
		{"empty field", FixRequest{RecordIndex: 0, Field: " ", Value: "1"}},
		{"unmapped field", FixRequest{RecordIndex: 0, Field: TargetBrand, Value: "Acme"}},
		{"invalid utf8", FixRequest{RecordIndex: 0, Field: TargetPrice, Value: "\xff\xfe"}},
		{"still invalid", FixRequest{RecordIndex: 0, Field: TargetPrice, Value: "abc"}},
		{"negative price", FixRequest{RecordIndex: 0, Field: TargetPrice, Value: "-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := invalidPriceSession(t)
			before := s.Errors()

			_, err := s.FixSingle(tt.req)
			var re *RecoveryError
			if !errors.As(err, &re) {
				t.Fatalf("err = %v, want *RecoveryError", err)
			}
			if got := s.Records()[0].Raw(TargetPrice); got != "invalid_price" {
				t.Errorf("price = %q, want unchanged", got)
			}
			if len(s.Errors()) != len(before) || len(s.History()) != 0 {
				t.Error("rejected fix changed session state")
			}
		})
	}
}

func TestRecovery_FixOnlyTouchesItsRecord(t *testing.T) {
	records := []Record{
		targetRecord(TargetName, "A", TargetPrice, "x"),
		targetRecord(TargetName, "B", TargetPrice, "y"),
	}
	s := NewRecoverySession(NewValidator(nil), records)

	if _, err := s.FixSingle(FixRequest{RecordIndex: 0, Field: TargetPrice, Value: "4"}); err != nil {
		t.Fatalf("FixSingle: %v", err)
	}
	errs := s.Errors()
	if len(errs) != 1 {
		t.Fatalf("len(errs) = %d, want 1: %v", len(errs), errs)
	}
	if errs[0].RecordIndex != 1 || errs[0].Value != "y" {
		t.Errorf("remaining error = %+v, want record 1 untouched", errs[0])
	}
}

func TestRecovery_FixRecomputesCrossField(t *testing.T) {
	records := []Record{targetRecord(TargetPrice, "20", TargetCompareAtPrice, "10")}
	s := NewRecoverySession(NewValidator(nil), records)
	if len(s.Errors()) != 1 {
		t.Fatalf("errors = %v, want one compare-at warning", s.Errors())
	}

	res, err := s.FixSingle(FixRequest{RecordIndex: 0, Field: TargetPrice, Value: "5"})
	if err != nil {
		t.Fatalf("FixSingle: %v", err)
	}
	if len(res.Remaining) != 0 {
		t.Errorf("Remaining = %v, want none", res.Remaining)
	}
}

func TestRecovery_FixBulkIsAtomic(t *testing.T) {
	records := []Record{
		targetRecord(TargetPrice, "x"),
		targetRecord(TargetPrice, "y"),
	}
	s := NewRecoverySession(NewValidator(nil), records)

	_, err := s.FixBulk([]FixRequest{
		{RecordIndex: 0, Field: TargetPrice, Value: "1"},
		{RecordIndex: 1, Field: TargetPrice, Value: "nope"},
	})
	var re *RecoveryError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RecoveryError", err)
	}
	if re.RecordIndex != 1 {
		t.Errorf("RecordIndex = %d, want 1", re.RecordIndex)
	}
	if got := s.Records()[0].Raw(TargetPrice); got != "x" {
		t.Errorf("record 0 price = %q, want x (no partial apply)", got)
	}

	res, err := s.FixBulk([]FixRequest{
		{RecordIndex: 0, Field: TargetPrice, Value: "1"},
		{RecordIndex: 1, Field: TargetPrice, Value: "2"},
	})
	if err != nil {
		t.Fatalf("FixBulk: %v", err)
	}
	if res.Applied != 2 || !res.CanProceed {
		t.Errorf("result = %+v, want 2 applied and canProceed", res)
	}
	for _, e := range s.History() {
		if e.BatchID != res.BatchID || e.Kind != FixKindBulk {
			t.Errorf("history entry %+v not in bulk batch %s", e, res.BatchID)
		}
	}

	if _, err := s.FixBulk(nil); err == nil {
		t.Error("FixBulk(nil) succeeded, want error")
	}
}

func TestRecovery_AutoFixAndUndo(t *testing.T) {
	records := []Record{targetRecord(
		TargetName, "Mug",
		TargetSKU, "M-1",
		TargetPrice, "abc",
		TargetStatus, "Active",
		TargetStock, "1,200",
		TargetVendorEmail, "Sales@Example.com",
	)}
	s := NewRecoverySession(NewValidator(nil), records)
	if n := len(s.Errors()); n != 4 {
		t.Fatalf("len(errors) = %d, want 4: %v", n, s.Errors())
	}

	res, err := s.AutoFix()
	if err != nil {
		t.Fatalf("AutoFix: %v", err)
	}
	if res.Applied != 3 {
		t.Errorf("Applied = %d, want 3", res.Applied)
	}
	if len(res.Remaining) != 1 || res.Remaining[0].Field != TargetPrice {
		t.Errorf("Remaining = %v, want only the price error", res.Remaining)
	}
	if res.CanProceed {
		t.Error("CanProceed = true with a price error left")
	}

	r := s.Records()[0]
	for field, want := range map[string]string{
		TargetStatus:      ProductActive,
		TargetStock:       "1200",
		TargetVendorEmail: "sales@example.com",
	} {
		if got := r.Raw(field); got != want {
			t.Errorf("%s = %q, want %q", field, got, want)
		}
	}

	again, err := s.AutoFix()
	if err != nil {
		t.Fatalf("second AutoFix: %v", err)
	}
	if again.Applied != 0 {
		t.Errorf("second AutoFix Applied = %d, want 0", again.Applied)
	}

	undo, err := s.Undo()
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if undo.Applied != 3 {
		t.Errorf("Undo reverted %d fixes, want 3", undo.Applied)
	}
	if got := s.Records()[0].Raw(TargetStatus); got != "Active" {
		t.Errorf("status after undo = %q, want Active", got)
	}
	if n := len(s.Errors()); n != 4 {
		t.Errorf("len(errors) after undo = %d, want 4", n)
	}

	if _, err := s.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("Undo on empty history = %v, want ErrNothingToUndo", err)
	}
}

func TestRecovery_Closed(t *testing.T) {
	s := invalidPriceSession(t)
	s.Close()

	if _, err := s.FixSingle(FixRequest{RecordIndex: 0, Field: TargetPrice, Value: "1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("FixSingle after Close = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.AutoFix(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("AutoFix after Close = %v, want ErrInvalidTransition", err)
	}
	if s.Status() != RecoveryClosed {
		t.Errorf("Status = %q, want %q", s.Status(), RecoveryClosed)
	}
	if len(s.Errors()) != 1 {
		t.Error("Errors unavailable after Close")
	}
}

func TestRecovery_SessionOwnsRecords(t *testing.T) {
	records := []Record{targetRecord(TargetPrice, "x")}
	s := NewRecoverySession(NewValidator(nil), records)

	if _, err := s.FixSingle(FixRequest{RecordIndex: 0, Field: TargetPrice, Value: "3"}); err != nil {
		t.Fatalf("FixSingle: %v", err)
	}
	if got := records[0].Raw(TargetPrice); got != "x" {
		t.Errorf("caller's record changed to %q", got)
	}
}
