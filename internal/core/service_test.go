package core

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (r *recordingSink) RecordAudit(_ context.Context, e AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingSink) actions() []AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditAction, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

func newTestService(t *testing.T, store ProductStore, sink AuditSink) *Service {
	t.Helper()
	return NewService(ServiceConfig{
		Ingest:   IngestorConfig{TempDir: t.TempDir()},
		Executor: ExecutorConfig{BatchSize: 2, Workers: 2, MaxRetryAttempts: 1},
	}, ServiceDeps{Store: store, Audit: sink})
}

// mappedSession runs an upload through analysis and mapping.
func mappedSession(t *testing.T, svc *Service, body string) string {
	t.Helper()
	ctx := t.Context()
	snap, err := svc.CreateSession(ctx, csvUpload("products.csv", body))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := svc.Analyze(ctx, snap.ID, AnalyzeOptions{}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if _, err := svc.GenerateMappings(ctx, snap.ID); err != nil {
		t.Fatalf("GenerateMappings: %v", err)
	}
	return snap.ID
}

const productsCSV = "Product Name,SKU,Price,Quantity\n" +
	"Widget,W-1,19.99,5\n" +
	"Gadget,G-2,abc,3\n" +
	"Gizmo,G-3,4.50,1\n"

func TestService_EndToEnd(t *testing.T) {
	ctx := t.Context()
	store := NewMemoryProductStore()
	sink := &recordingSink{}
	svc := newTestService(t, store, sink)

	id := mappedSession(t, svc, productsCSV)

	outcome, err := svc.Mappings(id)
	if err != nil {
		t.Fatalf("Mappings: %v", err)
	}
	if outcome.Report.Blocking {
		t.Fatalf("mapping report is blocking: %+v", outcome.Report.Issues)
	}

	report, err := svc.Validate(ctx, id)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.CanProceed || report.ErrorCount == 0 {
		t.Fatalf("report = %+v, want a blocking price error", report)
	}
	found := false
	for _, e := range report.Errors {
		if e.RecordIndex == 1 && e.Field == TargetPrice && e.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("no price error for record 1 in %+v", report.Errors)
	}

	if _, err := svc.StartImport(ctx, id); !errors.Is(err, ErrNotValidated) {
		t.Errorf("StartImport with errors = %v, want ErrNotValidated", err)
	}

	fix, err := svc.FixSingle(ctx, id, FixRequest{RecordIndex: 1, Field: TargetPrice, Value: "12.00"})
	if err != nil {
		t.Fatalf("FixSingle: %v", err)
	}
	if !fix.CanProceed {
		t.Fatalf("CanProceed = false after fix, remaining %d", len(fix.Remaining))
	}

	if _, err := svc.StartImport(ctx, id); err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	res, err := svc.WaitImport(ctx, id)
	if err != nil {
		t.Fatalf("WaitImport: %v", err)
	}
	if res.State != ImportCompleted || res.Created != 3 || res.Failed != 0 {
		t.Errorf("result = %+v, want 3 created", res)
	}
	if p, ok := store.Get("G-2"); !ok || p.Price != 12 {
		t.Errorf("G-2 = %+v, want the fixed price", p)
	}

	snap, err := svc.Session(id)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if snap.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", snap.Status)
	}
	if _, err := svc.RetryImport(ctx, id); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("RetryImport = %v, want ErrNothingToRetry", err)
	}
	if _, err := svc.FixSingle(ctx, id, FixRequest{RecordIndex: 0, Field: TargetPrice, Value: "1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("fix after import = %v, want ErrInvalidTransition", err)
	}

	want := []AuditAction{ActionSessionCreate, ActionFixSingle, ActionImportStart, ActionImportFinish}
	got := sink.actions()
	if len(got) != len(want) {
		t.Fatalf("audit actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestService_StepOrder(t *testing.T) {
	ctx := t.Context()
	svc := newTestService(t, nil, nil)

	snap, err := svc.CreateSession(ctx, csvUpload("products.csv", productsCSV))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	id := snap.ID

	if _, err := svc.GenerateMappings(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("map before analyze = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Validate(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("validate before map = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Errors(id); !errors.Is(err, ErrNoRecoverySession) {
		t.Errorf("errors before validate = %v, want ErrNoRecoverySession", err)
	}
	if err := svc.CancelImport(ctx, id); !errors.Is(err, ErrImportNotStarted) {
		t.Errorf("cancel before import = %v, want ErrImportNotStarted", err)
	}
	if _, err := svc.Session("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session = %v, want ErrSessionNotFound", err)
	}

	if _, err := svc.Analyze(ctx, id, AnalyzeOptions{}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if _, err := svc.GenerateMappings(ctx, id); err != nil {
		t.Fatalf("GenerateMappings: %v", err)
	}
	if _, err := svc.Validate(ctx, id); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// Analyzing again discards mappings and validation.
	if _, err := svc.Analyze(ctx, id, AnalyzeOptions{}); err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if _, err := svc.Mappings(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Mappings after re-analyze = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Errors(id); !errors.Is(err, ErrNoRecoverySession) {
		t.Errorf("Errors after re-analyze = %v, want ErrNoRecoverySession", err)
	}

	if err := svc.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := svc.DeleteSession(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second delete = %v, want ErrSessionNotFound", err)
	}
}

func TestService_BlockingMappingStopsValidation(t *testing.T) {
	ctx := t.Context()
	svc := newTestService(t, nil, nil)
	id := mappedSession(t, svc, "Product Name,SKU\nWidget,W-1\n")

	_, err := svc.Validate(ctx, id)
	var conflict *MappingConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("Validate = %v, want MappingConflict", err)
	}
	missingPrice := false
	for _, is := range conflict.Issues {
		if is.Kind == IssueRequiredUnmapped && is.TargetField == TargetPrice {
			missingPrice = true
		}
	}
	if !missingPrice {
		t.Errorf("issues = %+v, want price unmapped", conflict.Issues)
	}
	if got := MapError(err).Code; got != "MAP001" {
		t.Errorf("MapError code = %q, want MAP001", got)
	}
}

func TestService_OverrideMapping(t *testing.T) {
	ctx := t.Context()
	svc := newTestService(t, nil, nil)
	id := mappedSession(t, svc, "Product Name,SKU,Price,Notes\nWidget,W-1,1.00,hello\n")

	out, err := svc.OverrideMapping(ctx, id, "Notes", TargetDescription)
	if err != nil {
		t.Fatalf("OverrideMapping: %v", err)
	}
	m, ok := mappingFor(out, "Notes")
	if !ok || m.TargetField != TargetDescription || m.Strategy != StrategyManual || m.Confidence != 100 {
		t.Errorf("Notes mapping = %+v, want manual description", m)
	}
	for _, u := range out.Unmapped {
		if u.SourceField == "Notes" {
			t.Error("Notes still listed as unmapped")
		}
	}

	out, err = svc.OverrideMapping(ctx, id, "Notes", "")
	if err != nil {
		t.Fatalf("clear override: %v", err)
	}
	if _, ok := mappingFor(out, "Notes"); ok {
		t.Error("Notes still mapped after clearing")
	}

	if _, err := svc.OverrideMapping(ctx, id, "Nope", TargetBrand); !errors.Is(err, ErrUnknownSourceField) {
		t.Errorf("unknown source = %v, want ErrUnknownSourceField", err)
	}
	if _, err := svc.OverrideMapping(ctx, id, "Notes", "colour"); !errors.Is(err, ErrUnknownTargetField) {
		t.Errorf("unknown target = %v, want ErrUnknownTargetField", err)
	}
	if _, err := svc.Suggestions(ctx, id, "Nope"); !errors.Is(err, ErrUnknownSourceField) {
		t.Errorf("Suggestions unknown field = %v, want ErrUnknownSourceField", err)
	}
}

func TestService_StreamingSessionDropsArtifactAfterValidate(t *testing.T) {
	ctx := t.Context()
	svc := NewService(ServiceConfig{
		Ingest: IngestorConfig{TempDir: t.TempDir(), StreamingThreshold: 32},
	}, ServiceDeps{})

	id := mappedSession(t, svc, productsCSV)

	sess, err := svc.sessions.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	sess.mu.Lock()
	art := sess.ingest.Artifact
	sess.mu.Unlock()
	if art == nil {
		t.Fatal("session has no artifact, want a streaming parse")
	}
	path := art.Path()

	report, err := svc.Validate(ctx, id)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.ErrorCount == 0 {
		t.Error("want the bad price reported from streamed records")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("artifact still on disk: %v", err)
	}
}

func TestService_ExportAndTemplate(t *testing.T) {
	ctx := t.Context()
	svc := newTestService(t, nil, nil)
	id := mappedSession(t, svc, productsCSV)
	if _, err := svc.Validate(ctx, id); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	var buf bytes.Buffer
	if err := svc.ExportErrors(id, ExportCSV, &buf); err != nil {
		t.Fatalf("ExportErrors: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("price")) {
		t.Errorf("export = %q, want the price error", buf.String())
	}

	buf.Reset()
	if err := svc.WriteTemplate(&buf); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("empty template")
	}
}

func TestService_ShutdownCancelsImports(t *testing.T) {
	ctx := t.Context()
	store := newGateStore(0)
	svc := NewService(ServiceConfig{
		Ingest:   IngestorConfig{TempDir: t.TempDir()},
		Executor: ExecutorConfig{BatchSize: 1, Workers: 1},
	}, ServiceDeps{Store: store})
	id := mappedSession(t, svc, "Product Name,SKU,Price\nA,A-1,1\nB,B-1,2\nC,C-1,3\nD,D-1,4\nE,E-1,5\n")
	if _, err := svc.Validate(ctx, id); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := svc.StartImport(ctx, id); err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	<-store.started

	done := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- svc.Shutdown(sctx)
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	res, err := svc.ImportResult(id)
	if err != nil {
		t.Fatalf("ImportResult: %v", err)
	}
	if res.State != ImportCancelled {
		t.Errorf("State = %s, want cancelled", res.State)
	}
}
