package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalogimport/internal/logging"
)

// AuditAction is a user-visible state change worth recording.
type AuditAction string

const (
	ActionSessionCreate   AuditAction = "session_create"
	ActionSessionDelete   AuditAction = "session_delete"
	ActionSessionExpire   AuditAction = "session_expire"
	ActionMappingOverride AuditAction = "mapping_override"
	ActionFixSingle       AuditAction = "fix_single"
	ActionFixBulk         AuditAction = "fix_bulk"
	ActionFixAuto         AuditAction = "fix_auto"
	ActionFixUndo         AuditAction = "fix_undo"
	ActionImportStart     AuditAction = "import_start"
	ActionImportCancel    AuditAction = "import_cancel"
	ActionImportRetry     AuditAction = "import_retry"
	ActionImportFinish    AuditAction = "import_finish"
)

// AuditSeverity ranks audit entries.
type AuditSeverity string

const (
	AuditLow      AuditSeverity = "low"
	AuditMedium   AuditSeverity = "medium"
	AuditHigh     AuditSeverity = "high"
	AuditCritical AuditSeverity = "critical"
)

// AuditEntry is one audit record.
type AuditEntry struct {
	ID           string        `json:"id"`
	Action       AuditAction   `json:"action"`
	Severity     AuditSeverity `json:"severity"`
	SessionID    string        `json:"sessionId"`
	FileName     string        `json:"fileName,omitempty"`
	Field        string        `json:"field,omitempty"`
	OldValue     string        `json:"oldValue,omitempty"`
	NewValue     string        `json:"newValue,omitempty"`
	RowsAffected int           `json:"rowsAffected,omitempty"`
	BatchID      string        `json:"batchId,omitempty"`
	IPAddress    string        `json:"ipAddress,omitempty"`
	UserAgent    string        `json:"userAgent,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// AuditSink persists audit entries.
type AuditSink interface {
	RecordAudit(ctx context.Context, e AuditEntry) error
}

func determineSeverity(action AuditAction) AuditSeverity {
	switch action {
	case ActionImportCancel, ActionSessionDelete:
		return AuditCritical
	case ActionFixBulk, ActionFixAuto, ActionFixUndo, ActionImportStart, ActionImportRetry:
		return AuditHigh
	case ActionFixSingle, ActionMappingOverride, ActionImportFinish:
		return AuditMedium
	default:
		return AuditLow
	}
}

// Auditor logs every entry and forwards it to an optional sink. Sink
// failures are logged, never returned.
type Auditor struct {
	sink AuditSink
	now  func() time.Time
}

// NewAuditor returns an auditor writing to sink, which may be nil.
func NewAuditor(sink AuditSink) *Auditor {
	return &Auditor{sink: sink, now: time.Now}
}

// Log fills in id, severity, time and client details, then records e.
func (a *Auditor) Log(ctx context.Context, e AuditEntry) AuditEntry {
	e.ID = uuid.NewString()
	e.Severity = determineSeverity(e.Action)
	e.CreatedAt = a.now()
	if e.IPAddress == "" || e.UserAgent == "" {
		ip, ua := ClientFromContext(ctx)
		if e.IPAddress == "" {
			e.IPAddress = ip
		}
		if e.UserAgent == "" {
			e.UserAgent = ua
		}
	}

	log := logging.FromContext(ctx)
	log.Info("audit",
		"action", e.Action,
		"severity", e.Severity,
		"session_id", e.SessionID,
		"field", e.Field,
		"rows_affected", e.RowsAffected,
		"ip", e.IPAddress,
	)

	if a.sink != nil {
		if err := a.sink.RecordAudit(ctx, e); err != nil {
			log.Warn("audit sink write failed", "action", e.Action, "error", err)
		}
	}
	return e
}
