package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/JonMunkholm/catalogimport/internal/logging"
)

// DefaultSweepInterval is how often expired sessions are collected.
const DefaultSweepInterval = 5 * time.Minute

// ServiceConfig holds the tunables of every pipeline step.
type ServiceConfig struct {
	Ingest               IngestorConfig
	Executor             ExecutorConfig
	Thresholds           Thresholds
	SemanticTimeout      time.Duration
	DomainHint           string
	SessionTTL           time.Duration
	MaxConcurrentUploads int
	UploadWait           time.Duration
}

// ServiceDeps are the collaborators the service drives. Only Store is
// required in production; nil values fall back to in-memory versions or
// are skipped.
type ServiceDeps struct {
	Catalogue *Catalogue
	Cache     MappingCache
	Semantic  SemanticInferencer
	Store     ProductStore
	Channels  []Channel
	Audit     AuditSink
}

// Service provides the import pipeline to transports.
type Service struct {
	cfg       ServiceConfig
	catalogue *Catalogue
	ingestor  *Ingestor
	engine    *MappingEngine
	validator *Validator
	store     ProductStore
	channels  []Channel
	sessions  *SessionStore
	limiter   *UploadLimiter
	audit     *Auditor
	now       func() time.Time
}

// NewService creates a new Service instance.
func NewService(cfg ServiceConfig, deps ServiceDeps) *Service {
	cat := deps.Catalogue
	if cat == nil {
		cat = DefaultCatalogue()
	}
	cache := deps.Cache
	if cache == nil {
		cache = NewMemoryMappingCache()
	}
	store := deps.Store
	if store == nil {
		store = NewMemoryProductStore()
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}

	return &Service{
		cfg:       cfg,
		catalogue: cat,
		ingestor:  NewIngestor(cfg.Ingest),
		engine: NewMappingEngine(MappingEngineConfig{
			Catalogue:       cat,
			Cache:           cache,
			Semantic:        deps.Semantic,
			Thresholds:      cfg.Thresholds,
			SemanticTimeout: cfg.SemanticTimeout,
			DomainHint:      cfg.DomainHint,
		}),
		validator: NewValidator(cat),
		store:     store,
		channels:  deps.Channels,
		sessions:  NewSessionStore(cfg.SessionTTL),
		limiter:   NewUploadLimiter(cfg.MaxConcurrentUploads, cfg.UploadWait),
		audit:     NewAuditor(deps.Audit),
		now:       time.Now,
	}
}

// Preview parses the first rows of an upload without creating a session.
func (s *Service) Preview(ctx context.Context, up Upload) (*PreviewResult, error) {
	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.ingestor.Preview(ctx, up)
}

// CreateSession ingests an upload and opens a session for it.
func (s *Service) CreateSession(ctx context.Context, up Upload) (SessionSnapshot, error) {
	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return SessionSnapshot{}, err
	}
	res, err := s.ingestor.Ingest(ctx, up)
	release()
	if err != nil {
		return SessionSnapshot{}, err
	}

	sess := newSession(res, s.now())
	s.sessions.Put(sess)

	ctx = logging.ContextWithSession(ctx, sess.ID)
	logging.FromContext(ctx).Info("session created",
		"file", res.File.Name,
		"format", res.File.Format,
		"strategy", res.Strategy,
		"rows", res.RowCount,
		"warnings", res.WarningCount,
	)
	s.audit.Log(ctx, AuditEntry{
		Action:       ActionSessionCreate,
		SessionID:    sess.ID,
		FileName:     res.File.Name,
		RowsAffected: res.RowCount,
	})
	return sess.snapshot(), nil
}

// Session returns the current state of a session.
func (s *Service) Session(id string) (SessionSnapshot, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return sess.snapshot(), nil
}

// DeleteSession destroys a session, cancelling any running import.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	sess, ok := s.sessions.Delete(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.destroy()
	s.audit.Log(logging.ContextWithSession(ctx, id), AuditEntry{
		Action:    ActionSessionDelete,
		SessionID: id,
		FileName:  sess.File.Name,
	})
	return nil
}

// Analyze profiles every source column. Streaming sessions are profiled
// from the artifact without loading it.
func (s *Service) Analyze(ctx context.Context, id string, opts AnalyzeOptions) ([]SourceField, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !CanTransition(sess.status, StatusAnalyzed) {
		return nil, fmt.Errorf("%w: cannot analyze a %s session", ErrInvalidTransition, sess.status)
	}

	var fields []SourceField
	switch {
	case sess.records != nil:
		fields = AnalyzeRecords(sess.ingest.Fields, sess.records, opts)
	case sess.ingest.Artifact != nil:
		p := NewProfiler(sess.ingest.Fields, opts)
		err := sess.ingest.Artifact.Each(func(i int, r Record) error {
			if i%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			p.Observe(r)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("profile parsed records: %w", err)
		}
		fields = p.Fields()
	default:
		fields = AnalyzeRecords(sess.ingest.Fields, sess.ingest.Records, opts)
	}

	if err := sess.transition(StatusAnalyzed, s.now()); err != nil {
		return nil, err
	}
	sess.fields = fields
	return fields, nil
}

// GenerateMappings runs the mapping cascade over the analyzed fields.
func (s *Service) GenerateMappings(ctx context.Context, id string) (*MappingOutcome, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.fields == nil || !CanTransition(sess.status, StatusMapped) {
		return nil, fmt.Errorf("%w: cannot map a %s session", ErrInvalidTransition, sess.status)
	}
	outcome, err := s.engine.Generate(logging.ContextWithSession(ctx, id), sess.fields)
	if err != nil {
		return nil, err
	}
	if err := sess.transition(StatusMapped, s.now()); err != nil {
		return nil, err
	}
	sess.outcome = outcome
	return outcome, nil
}

// Mappings returns the session's current mapping outcome.
func (s *Service) Mappings(id string) (*MappingOutcome, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.outcome == nil {
		return nil, fmt.Errorf("%w: mappings have not been generated", ErrInvalidTransition)
	}
	return sess.outcome, nil
}

// OverrideMapping points source at target, or unmaps it when target is
// empty. Any validation is discarded.
func (s *Service) OverrideMapping(ctx context.Context, id, source, target string) (*MappingOutcome, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	ctx = logging.ContextWithSession(ctx, id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.outcome == nil || !CanTransition(sess.status, StatusMapped) {
		return nil, fmt.Errorf("%w: cannot override mappings of a %s session", ErrInvalidTransition, sess.status)
	}
	prev := sess.outcome
	mappings, err := s.engine.ApplyOverride(ctx, sess.fields, prev.Mappings, source, target)
	if err != nil {
		return nil, err
	}
	outcome := &MappingOutcome{
		Mappings: mappings,
		Unmapped: unmappedAfter(sess.fields, mappings, prev.Unmapped),
		Report:   s.engine.ValidateMappings(mappings),
	}
	if err := sess.transition(StatusMapped, s.now()); err != nil {
		return nil, err
	}
	sess.outcome = outcome

	oldTarget := ""
	for _, m := range prev.Mappings {
		if m.SourceField == source {
			oldTarget = m.TargetField
		}
	}
	s.audit.Log(ctx, AuditEntry{
		Action:    ActionMappingOverride,
		SessionID: id,
		Field:     source,
		OldValue:  oldTarget,
		NewValue:  target,
	})
	return outcome, nil
}

// unmappedAfter lists the fields without a mapping, keeping any earlier
// near-miss suggestion.
func unmappedAfter(fields []SourceField, mappings []FieldMapping, prev []UnmappedField) []UnmappedField {
	mapped := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		mapped[m.SourceField] = true
	}
	hints := make(map[string]*FieldMapping, len(prev))
	for _, u := range prev {
		hints[u.SourceField] = u.Suggestion
	}
	out := []UnmappedField{}
	for _, f := range fields {
		if !mapped[f.Name] {
			out = append(out, UnmappedField{SourceField: f.Name, Suggestion: hints[f.Name]})
		}
	}
	return out
}

// Suggestions returns every candidate target for one source field.
func (s *Service) Suggestions(ctx context.Context, id, field string) ([]FieldMapping, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	fields := sess.fields
	sess.mu.Unlock()

	if fields == nil {
		return nil, fmt.Errorf("%w: session has not been analyzed", ErrInvalidTransition)
	}
	for _, f := range fields {
		if f.Name == field {
			return s.engine.Suggestions(logging.ContextWithSession(ctx, id), f), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSourceField, field)
}

// Validate projects the records through the mappings, validates them and
// opens a fresh recovery session.
func (s *Service) Validate(ctx context.Context, id string) (ValidationReport, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return ValidationReport{}, err
	}
	ctx = logging.ContextWithSession(ctx, id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.outcome == nil || !CanTransition(sess.status, StatusValidated) {
		return ValidationReport{}, fmt.Errorf("%w: cannot validate a %s session", ErrInvalidTransition, sess.status)
	}
	if sess.outcome.Report.Blocking {
		return ValidationReport{}, &MappingConflict{Issues: blockingIssues(sess.outcome.Report)}
	}

	records, err := sess.loadRecords()
	if err != nil {
		return ValidationReport{}, err
	}
	start := time.Now()
	rec := NewRecoverySession(s.validator, ProjectRecords(records, sess.outcome.Mappings))

	sess.closeRecovery()
	if err := sess.transition(StatusValidated, s.now()); err != nil {
		rec.Close()
		return ValidationReport{}, err
	}
	sess.recovery = rec

	report := rec.Report()
	logging.FromContext(ctx).Info("records validated",
		"records", rec.Len(),
		"errors", report.ErrorCount,
		"warnings", report.WarningCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

func blockingIssues(r MappingReport) []MappingIssue {
	var out []MappingIssue
	for _, is := range r.Issues {
		if is.Severity == SeverityError || is.Kind == IssueRequiredUnmapped {
			out = append(out, is)
		}
	}
	return out
}

// recoveryFor returns the session's recovery session.
func (s *Service) recoveryFor(id string) (*Session, *RecoverySession, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, nil, err
	}
	sess.mu.Lock()
	rec := sess.recovery
	sess.mu.Unlock()
	if rec == nil {
		return nil, nil, ErrNoRecoverySession
	}
	return sess, rec, nil
}

// Errors returns the current validation report.
func (s *Service) Errors(id string) (ValidationReport, error) {
	_, rec, err := s.recoveryFor(id)
	if err != nil {
		return ValidationReport{}, err
	}
	return rec.Report(), nil
}

// ExportErrors writes the current validation errors to w.
func (s *Service) ExportErrors(id string, format ExportFormat, w io.Writer) error {
	_, rec, err := s.recoveryFor(id)
	if err != nil {
		return err
	}
	return ExportErrors(w, format, rec.Errors())
}

// FixSingle applies one correction.
func (s *Service) FixSingle(ctx context.Context, id string, req FixRequest) (*FixResult, error) {
	_, rec, err := s.recoveryFor(id)
	if err != nil {
		return nil, err
	}
	res, err := rec.FixSingle(req)
	if err != nil {
		return nil, err
	}
	s.auditFix(ctx, id, ActionFixSingle, rec, res)
	return res, nil
}

// FixBulk applies a batch of corrections atomically.
func (s *Service) FixBulk(ctx context.Context, id string, reqs []FixRequest) (*FixResult, error) {
	_, rec, err := s.recoveryFor(id)
	if err != nil {
		return nil, err
	}
	res, err := rec.FixBulk(reqs)
	if err != nil {
		return nil, err
	}
	s.auditFix(ctx, id, ActionFixBulk, rec, res)
	return res, nil
}

// AutoFix applies every available automatic fix.
func (s *Service) AutoFix(ctx context.Context, id string) (*FixResult, error) {
	_, rec, err := s.recoveryFor(id)
	if err != nil {
		return nil, err
	}
	res, err := rec.AutoFix()
	if err != nil {
		return nil, err
	}
	s.auditFix(ctx, id, ActionFixAuto, rec, res)
	return res, nil
}

// Undo reverts the most recent fix batch.
func (s *Service) Undo(ctx context.Context, id string) (*FixResult, error) {
	_, rec, err := s.recoveryFor(id)
	if err != nil {
		return nil, err
	}
	res, err := rec.Undo()
	if err != nil {
		return nil, err
	}
	s.auditFix(ctx, id, ActionFixUndo, rec, res)
	return res, nil
}

func (s *Service) auditFix(ctx context.Context, id string, action AuditAction, rec *RecoverySession, res *FixResult) {
	if res.Applied == 0 {
		return
	}
	e := AuditEntry{
		Action:       action,
		SessionID:    id,
		BatchID:      res.BatchID,
		RowsAffected: res.Applied,
	}
	if action == ActionFixSingle {
		if h := rec.History(); len(h) > 0 {
			last := h[len(h)-1]
			e.Field = last.Field
			e.OldValue = last.OldValue
			e.NewValue = last.NewValue
		}
	}
	s.audit.Log(logging.ContextWithSession(ctx, id), e)
}

// StartImport begins writing the validated records. It fails while any
// error-severity validation issue remains.
func (s *Service) StartImport(ctx context.Context, id string) (ImportProgress, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return ImportProgress{}, err
	}
	ctx = logging.ContextWithSession(ctx, id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.exec != nil {
		if sess.exec.State() == ImportRunning {
			return ImportProgress{}, ErrImportRunning
		}
		return ImportProgress{}, fmt.Errorf("%w: import already started, use retry", ErrInvalidTransition)
	}
	if sess.recovery == nil {
		return ImportProgress{}, ErrNoRecoverySession
	}
	if !CanTransition(sess.status, StatusExecuting) {
		return ImportProgress{}, fmt.Errorf("%w: cannot import a %s session", ErrInvalidTransition, sess.status)
	}
	if !sess.recovery.CanProceed() {
		return ImportProgress{}, ErrNotValidated
	}

	records := sess.recovery.Records()
	sess.recovery.Close()

	exec := NewExecution(records, s.store, s.cfg.Executor,
		WithChannels(s.channels...),
		WithOnFinish(func(res ImportResult) { s.importFinished(sess, res) }),
	)
	if err := exec.Start(ctx); err != nil {
		return ImportProgress{}, err
	}
	sess.exec = exec
	if err := sess.transition(StatusExecuting, s.now()); err != nil {
		return ImportProgress{}, err
	}

	s.audit.Log(ctx, AuditEntry{
		Action:       ActionImportStart,
		SessionID:    id,
		FileName:     sess.File.Name,
		BatchID:      exec.ID(),
		RowsAffected: len(records),
	})
	return exec.Progress(), nil
}

// importFinished runs on the execution's goroutine after every run.
func (s *Service) importFinished(sess *Session, res ImportResult) {
	ctx := logging.ContextWithSession(context.Background(), sess.ID)

	status := StatusCompleted
	switch res.State {
	case ImportCancelled:
		status = StatusCancelled
	case ImportFailed:
		status = StatusFailed
	}

	sess.mu.Lock()
	err := sess.transition(status, s.now())
	sess.mu.Unlock()
	if err != nil {
		logging.FromContext(ctx).Warn("session status not updated", "state", res.State, "error", err)
	}

	s.audit.Log(ctx, AuditEntry{
		Action:       ActionImportFinish,
		SessionID:    sess.ID,
		FileName:     sess.File.Name,
		BatchID:      res.ExecutionID,
		NewValue:     string(res.State),
		RowsAffected: res.Created + res.Updated,
	})
}

func (s *Service) execFor(id string) (*Session, *Execution, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, nil, err
	}
	sess.mu.Lock()
	exec := sess.exec
	sess.mu.Unlock()
	if exec == nil {
		return nil, nil, ErrImportNotStarted
	}
	return sess, exec, nil
}

// CancelImport stops a running import after its in-flight batches.
func (s *Service) CancelImport(ctx context.Context, id string) error {
	_, exec, err := s.execFor(id)
	if err != nil {
		return err
	}
	if err := exec.Cancel(); err != nil {
		return err
	}
	s.audit.Log(logging.ContextWithSession(ctx, id), AuditEntry{
		Action:    ActionImportCancel,
		SessionID: id,
		BatchID:   exec.ID(),
	})
	return nil
}

// RetryImport resubmits the records that can still be retried.
func (s *Service) RetryImport(ctx context.Context, id string) (ImportProgress, error) {
	sess, exec, err := s.execFor(id)
	if err != nil {
		return ImportProgress{}, err
	}
	ctx = logging.ContextWithSession(ctx, id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status == StatusExecuting {
		return ImportProgress{}, ErrImportRunning
	}
	if err := exec.Retry(ctx); err != nil {
		return ImportProgress{}, err
	}
	if err := sess.transition(StatusExecuting, s.now()); err != nil {
		return ImportProgress{}, err
	}

	p := exec.Progress()
	s.audit.Log(ctx, AuditEntry{
		Action:       ActionImportRetry,
		SessionID:    id,
		BatchID:      exec.ID(),
		RowsAffected: p.TotalRecords,
	})
	return p, nil
}

// Progress returns the latest progress of the session's import.
func (s *Service) Progress(id string) (ImportProgress, error) {
	_, exec, err := s.execFor(id)
	if err != nil {
		return ImportProgress{}, err
	}
	return exec.Progress(), nil
}

// SubscribeProgress streams progress snapshots, current one first.
func (s *Service) SubscribeProgress(id string) (<-chan ImportProgress, func(), error) {
	_, exec, err := s.execFor(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := exec.Hub().Subscribe()
	return ch, unsubscribe, nil
}

// ImportResult returns the result of the latest finished run.
func (s *Service) ImportResult(id string) (ImportResult, error) {
	_, exec, err := s.execFor(id)
	if err != nil {
		return ImportResult{}, err
	}
	res, ok := exec.Result()
	if !ok {
		return ImportResult{}, ErrImportRunning
	}
	return res, nil
}

// WaitImport blocks until the current run finishes.
func (s *Service) WaitImport(ctx context.Context, id string) (ImportResult, error) {
	_, exec, err := s.execFor(id)
	if err != nil {
		return ImportResult{}, err
	}
	return exec.Wait(ctx)
}

// Targets lists the catalogue.
func (s *Service) Targets() []TargetField { return s.catalogue.Fields() }

// WriteTemplate writes an XLSX import template for the catalogue.
func (s *Service) WriteTemplate(w io.Writer) error {
	return WriteTemplateXLSX(w, s.catalogue)
}

// UploadStatus reports ingest slot usage.
func (s *Service) UploadStatus() UploadLimiterStatus { return s.limiter.Status() }

// StartSweeper removes expired sessions until ctx is done.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s.sessions.StartSweeper(ctx, interval, func(sess *Session) {
		s.audit.Log(logging.ContextWithSession(ctx, sess.ID), AuditEntry{
			Action:    ActionSessionExpire,
			SessionID: sess.ID,
			FileName:  sess.File.Name,
		})
	})
}

// Shutdown cancels running imports and waits for them and for in-flight
// ingests to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	for _, sess := range s.sessions.All() {
		sess.mu.Lock()
		exec := sess.exec
		sess.mu.Unlock()
		if exec == nil || exec.State() != ImportRunning {
			continue
		}
		if err := exec.Cancel(); err != nil && !errors.Is(err, ErrInvalidTransition) {
			errs = append(errs, err)
		}
		if _, err := exec.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
		}
	}
	if err := s.limiter.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain uploads: %w", err))
	}
	return errors.Join(errs...)
}
