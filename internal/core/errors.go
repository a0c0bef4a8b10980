package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for session and lifecycle problems.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidTransition  = errors.New("invalid session transition")
	ErrNotValidated       = errors.New("validation errors remain")
	ErrNoRecoverySession  = errors.New("session has not been validated")
	ErrNothingToUndo      = errors.New("nothing to undo")
	ErrImportRunning      = errors.New("import already running")
	ErrImportNotStarted   = errors.New("import not started")
	ErrNothingToRetry     = errors.New("no retryable records")
	ErrUnknownTargetField = errors.New("unknown target field")
	ErrUnknownSourceField = errors.New("unknown source field")
	ErrNoFileProvided     = errors.New("no file provided")
	ErrUnsupportedExport  = errors.New("unsupported export format")
)

// IngestErrorKind classifies ingest failures.
type IngestErrorKind string

const (
	IngestUnsupportedFormat IngestErrorKind = "unsupported_format"
	IngestFileTooLarge      IngestErrorKind = "file_too_large"
	IngestMalformed         IngestErrorKind = "malformed"
	IngestEmpty             IngestErrorKind = "empty"
)

// IngestError is fatal to the session that produced it.
type IngestError struct {
	Kind    IngestErrorKind
	Message string
	Err     error
}

func (e *IngestError) Error() string {
	prefix := map[IngestErrorKind]string{
		IngestUnsupportedFormat: "unsupported format",
		IngestFileTooLarge:      "file too large",
		IngestMalformed:         "malformed file",
		IngestEmpty:             "empty file",
	}[e.Kind]
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *IngestError) Unwrap() error { return e.Err }

func fileTooLarge(size, limit int64) *IngestError {
	return &IngestError{
		Kind:    IngestFileTooLarge,
		Message: fmt.Sprintf("%d bytes exceeds the %d byte limit", size, limit),
	}
}

func malformed(err error, format string, args ...any) *IngestError {
	return &IngestError{Kind: IngestMalformed, Message: fmt.Sprintf(format, args...), Err: err}
}

// MappingConflict is returned when a mapping set cannot be used for import.
type MappingConflict struct {
	Issues []MappingIssue
}

func (e *MappingConflict) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		msgs = append(msgs, is.Message)
	}
	return "mapping conflict: " + strings.Join(msgs, "; ")
}

// RecoveryError rejects a malformed fix request. Session state is unchanged.
type RecoveryError struct {
	RecordIndex int
	Field       string
	Reason      string
}

func (e *RecoveryError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid fix for record %d: %s", e.RecordIndex, e.Reason)
	}
	return fmt.Sprintf("invalid fix for record %d field %q: %s", e.RecordIndex, e.Field, e.Reason)
}

// ExecutionFailure is a per-record product store failure.
type ExecutionFailure struct {
	RecordIndex int
	SKU         string
	Err         error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("write failed for record %d (sku %q): %v", e.RecordIndex, e.SKU, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// ExternalServiceFailure wraps a failed call to an optional collaborator.
type ExternalServiceFailure struct {
	Service string
	Err     error
}

func (e *ExternalServiceFailure) Error() string {
	return fmt.Sprintf("external service %s failed: %v", e.Service, e.Err)
}

func (e *ExternalServiceFailure) Unwrap() error { return e.Err }
