package postgres

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/catalogimport/internal/core"
)

// AuditSink writes audit entries to import_audit_log.
type AuditSink struct {
	db DBTX
}

// NewAuditSink returns a sink using db.
func NewAuditSink(db DBTX) *AuditSink {
	return &AuditSink{db: db}
}

const insertAudit = `
INSERT INTO import_audit_log (
    id, action, severity, session_id, file_name, field, old_value, new_value,
    rows_affected, batch_id, ip_address, user_agent, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// RecordAudit implements core.AuditSink.
func (a *AuditSink) RecordAudit(ctx context.Context, e core.AuditEntry) error {
	_, err := a.db.Exec(ctx, insertAudit,
		e.ID, string(e.Action), string(e.Severity), e.SessionID,
		nullable(e.FileName), nullable(e.Field), nullable(e.OldValue), nullable(e.NewValue),
		e.RowsAffected, nullable(e.BatchID), nullable(e.IPAddress), nullable(e.UserAgent),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", e.Action, err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
