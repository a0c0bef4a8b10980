package core

// recovery.go holds the per-upload recovery session: the projected records,
// their current validation errors and the fix history.
//
// Every mutation runs under the session mutex and is all-or-nothing: a
// request is fully checked before any record changes, so a RecoveryError
// always leaves the session as it was.

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxAutoFixPasses bounds auto-fix so chained fixes (trim, then coerce)
// settle without looping.
const maxAutoFixPasses = 3

// RecoveryStatus is the state of a recovery session.
type RecoveryStatus string

const (
	RecoveryOpen     RecoveryStatus = "open"
	RecoveryResolved RecoveryStatus = "resolved"
	RecoveryClosed   RecoveryStatus = "closed"
)

// FixKind records how a fix was requested.
type FixKind string

const (
	FixKindSingle FixKind = "single"
	FixKindBulk   FixKind = "bulk"
	FixKindAuto   FixKind = "auto"
)

// FixRequest replaces one field of one record.
type FixRequest struct {
	RecordIndex int    `json:"recordIndex"`
	Field       string `json:"field"`
	Value       string `json:"value"`
}

// FixEntry is one applied change. Entries sharing a BatchID are undone
// together.
type FixEntry struct {
	ID          string    `json:"id"`
	BatchID     string    `json:"batchId"`
	Kind        FixKind   `json:"kind"`
	RecordIndex int       `json:"recordIndex"`
	Field       string    `json:"field"`
	OldValue    string    `json:"oldValue"`
	NewValue    string    `json:"newValue"`
	AppliedAt   time.Time `json:"appliedAt"`

	old Value
}

// FixResult reports the outcome of a fix operation.
type FixResult struct {
	BatchID    string            `json:"batchId,omitempty"`
	Applied    int               `json:"applied"`
	Unchanged  int               `json:"unchanged"`
	Remaining  []ValidationError `json:"remaining"`
	CanProceed bool              `json:"canProceed"`
}

// RecoverySession is the mutable error-resolution state of one upload.
type RecoverySession struct {
	mu        sync.Mutex
	validator *Validator
	records   []Record
	errors    []ValidationError
	history   []FixEntry
	closed    bool
	now       func() time.Time
}

// NewRecoverySession validates records and opens a session over copies of
// them.
func NewRecoverySession(v *Validator, records []Record) *RecoverySession {
	own := make([]Record, len(records))
	for i, r := range records {
		own[i] = r.Clone()
	}
	return &RecoverySession{
		validator: v,
		records:   own,
		errors:    v.ValidateRecords(own),
		now:       time.Now,
	}
}

// Errors returns a copy of the current errors, sorted by record index then
// catalogue order.
func (s *RecoverySession) Errors() []ValidationError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ValidationError{}, s.errors...)
}

// Report summarises the current errors.
func (s *RecoverySession) Report() ValidationReport {
	return Summarize(s.Errors())
}

// CanProceed reports whether no error-severity entries remain.
func (s *RecoverySession) CanProceed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CanProceed(s.errors)
}

// Records returns copies of the current records.
func (s *RecoverySession) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the number of records.
func (s *RecoverySession) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// History returns the applied fixes, oldest first.
func (s *RecoverySession) History() []FixEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FixEntry{}, s.history...)
}

// Status returns open, resolved or closed.
func (s *RecoverySession) Status() RecoveryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return RecoveryClosed
	case CanProceed(s.errors):
		return RecoveryResolved
	default:
		return RecoveryOpen
	}
}

// Close rejects further fixes. Reads keep working.
func (s *RecoverySession) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// FixSingle applies one fix. Re-applying the current value is a no-op.
func (s *RecoverySession) FixSingle(req FixRequest) (*FixResult, error) {
	return s.apply([]FixRequest{req}, FixKindSingle)
}

// FixBulk applies every fix or none of them.
func (s *RecoverySession) FixBulk(reqs []FixRequest) (*FixResult, error) {
	if len(reqs) == 0 {
		return nil, &RecoveryError{Reason: "no fixes supplied"}
	}
	return s.apply(reqs, FixKindBulk)
}

func (s *RecoverySession) apply(reqs []FixRequest, kind FixKind) (*FixResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: recovery session is closed", ErrInvalidTransition)
	}

	values := make([]Value, len(reqs))
	for i, req := range reqs {
		v, err := s.check(req)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	res := &FixResult{}
	batch := uuid.NewString()
	for i, req := range reqs {
		if s.set(batch, kind, req.RecordIndex, req.Field, values[i]) {
			res.Applied++
		} else {
			res.Unchanged++
		}
	}
	if res.Applied > 0 {
		res.BatchID = batch
	}
	res.Remaining = append([]ValidationError{}, s.errors...)
	res.CanProceed = CanProceed(s.errors)
	return res, nil
}

// check validates a request without touching state.
func (s *RecoverySession) check(req FixRequest) (Value, error) {
	if req.RecordIndex < 0 || req.RecordIndex >= len(s.records) {
		return Value{}, &RecoveryError{RecordIndex: req.RecordIndex, Field: req.Field,
			Reason: fmt.Sprintf("record index out of range [0, %d)", len(s.records))}
	}
	if strings.TrimSpace(req.Field) == "" {
		return Value{}, &RecoveryError{RecordIndex: req.RecordIndex, Reason: "field is required"}
	}
	if _, ok := s.records[req.RecordIndex].Get(req.Field); !ok {
		return Value{}, &RecoveryError{RecordIndex: req.RecordIndex, Field: req.Field,
			Reason: "field is not mapped"}
	}
	if !utf8.ValidString(req.Value) {
		return Value{}, &RecoveryError{RecordIndex: req.RecordIndex, Field: req.Field,
			Reason: "value is not valid UTF-8"}
	}

	v := fixValue(req.Value)
	for _, e := range s.validator.ValidateField(req.RecordIndex, req.Field, v) {
		if e.Severity == SeverityError {
			return Value{}, &RecoveryError{RecordIndex: req.RecordIndex, Field: req.Field, Reason: e.Message}
		}
	}
	return v, nil
}

// set writes v and revalidates the pair. It reports false when the value
// was already current.
func (s *RecoverySession) set(batch string, kind FixKind, idx int, field string, v Value) bool {
	r := &s.records[idx]
	old, _ := r.Get(field)
	if old.Kind == v.Kind && old.Raw == v.Raw {
		return false
	}
	r.Set(field, v)
	s.history = append(s.history, FixEntry{
		ID:          uuid.NewString(),
		BatchID:     batch,
		Kind:        kind,
		RecordIndex: idx,
		Field:       field,
		OldValue:    old.Raw,
		NewValue:    v.Raw,
		AppliedAt:   s.now(),
		old:         old,
	})
	s.revalidate(idx, field)
	return true
}

// revalidate replaces the errors of (idx, field) and the record's
// cross-field findings.
func (s *RecoverySession) revalidate(idx int, field string) {
	kept := s.errors[:0:0]
	for _, e := range s.errors {
		if e.RecordIndex == idx && (e.Field == field || isCrossFieldCode(e.Code)) {
			continue
		}
		kept = append(kept, e)
	}
	r := s.records[idx]
	v, _ := r.Get(field)
	kept = append(kept, s.validator.ValidateField(idx, field, v)...)
	kept = append(kept, s.validator.crossField(idx, r)...)
	s.validator.Sort(kept)
	s.errors = kept
}

func isCrossFieldCode(code string) bool {
	return code == CodeCompareBelowPrice
}

// AutoFix applies every attached auto-fix whose value is still current.
// Fixes that would introduce a blocking error are skipped. All changes of
// one call share a batch and are undone together.
func (s *RecoverySession) AutoFix() (*FixResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: recovery session is closed", ErrInvalidTransition)
	}

	res := &FixResult{}
	batch := uuid.NewString()
	for pass := 0; pass < maxAutoFixPasses; pass++ {
		fixed := 0
		seen := make(map[fixKey]bool)
		for _, e := range append([]ValidationError{}, s.errors...) {
			if e.AutoFix == nil {
				continue
			}
			key := fixKey{e.RecordIndex, e.Field}
			if seen[key] {
				continue
			}
			seen[key] = true

			cur, _ := s.records[e.RecordIndex].Get(e.Field)
			if cur.Raw != e.Value {
				continue
			}
			v := fixValue(e.AutoFix.Value)
			if !CanProceed(s.validator.ValidateField(e.RecordIndex, e.Field, v)) {
				continue
			}
			if s.set(batch, FixKindAuto, e.RecordIndex, e.Field, v) {
				fixed++
			}
		}
		res.Applied += fixed
		if fixed == 0 {
			break
		}
	}
	if res.Applied > 0 {
		res.BatchID = batch
	}
	res.Remaining = append([]ValidationError{}, s.errors...)
	res.CanProceed = CanProceed(s.errors)
	return res, nil
}

type fixKey struct {
	index int
	field string
}

// Undo reverts the most recent fix batch.
func (s *RecoverySession) Undo() (*FixResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: recovery session is closed", ErrInvalidTransition)
	}
	if len(s.history) == 0 {
		return nil, ErrNothingToUndo
	}

	batch := s.history[len(s.history)-1].BatchID
	start := len(s.history)
	for start > 0 && s.history[start-1].BatchID == batch {
		start--
	}
	undo := s.history[start:]
	s.history = s.history[:start]

	for i := len(undo) - 1; i >= 0; i-- {
		e := undo[i]
		s.records[e.RecordIndex].Set(e.Field, e.old)
		s.revalidate(e.RecordIndex, e.Field)
	}
	return &FixResult{
		BatchID:    batch,
		Applied:    len(undo),
		Remaining:  append([]ValidationError{}, s.errors...),
		CanProceed: CanProceed(s.errors),
	}, nil
}

// fixValue types a user supplied replacement. The raw text is kept as
// given so surrounding whitespace is still reported.
func fixValue(s string) Value {
	t := strings.TrimSpace(s)
	if t == "" {
		return NullValue()
	}
	if n, ok := ParseNumeric(t); ok {
		return NumberValue(s, n)
	}
	if d, ok := ParseDate(t); ok {
		return DateValue(s, d)
	}
	return StringValue(s)
}
