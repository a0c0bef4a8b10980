package core

// # Error Codes Reference
//
// User-facing messages with codes for support reference. When users
// encounter errors they can quote the code to support staff.
//
// # Ingest Errors (FILE001-FILE099)
//
//	FILE001 - File too large: upload exceeds the size limit
//	          Patterns: "file too large"
//	FILE002 - Unsupported format: not CSV, JSON, XLSX or XLS
//	          Patterns: "unsupported format"
//	FILE003 - Malformed file: structure could not be parsed
//	          Patterns: "malformed file"
//	FILE004 - No file: request carried no file part
//	          Patterns: "no file provided"
//	FILE005 - Empty file: no data rows
//	          Patterns: "empty file"
//	FILE006 - Export format: unknown error report format
//	          Patterns: "unsupported export format"
//
// # Mapping Errors (MAP001-MAP099)
//
//	MAP001 - Mapping conflict: required fields unmapped or duplicated targets
//	         Patterns: "mapping conflict"
//	MAP002 - Unknown target: target field is not in the catalogue
//	         Patterns: "unknown target field"
//	MAP003 - Unknown source: column does not exist in the upload
//	         Patterns: "unknown source field"
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Blocking errors: import requested while errors remain
//	         Patterns: "validation errors remain"
//	VAL002 - Not validated: recovery requested before validation
//	         Patterns: "has not been validated"
//
// # Recovery Errors (REC001-REC099)
//
//	REC001 - Invalid fix: index, field or value rejected
//	         Patterns: "invalid fix"
//	REC002 - Nothing to undo
//	         Patterns: "nothing to undo"
//
// # Import Errors (IMP001-IMP099)
//
//	IMP001 - Already running
//	         Patterns: "import already running"
//	IMP002 - Nothing to retry: no failed records below the retry bound
//	         Patterns: "no retryable records"
//	IMP003 - Not started
//	         Patterns: "import not started"
//	IMP004 - Write failed: the product store rejected a record
//	         Patterns: "write failed"
//
// # Session Errors (SES001-SES099)
//
//	SES001 - Session not found or expired
//	         Patterns: "session not found"
//	SES002 - Invalid transition: step requested out of order
//	         Patterns: "invalid session transition"
//
// # External Services (EXT001-EXT099)
//
//	EXT001 - External service failed
//	         Patterns: "external service"
//
// # Upload Errors (UPL001-UPL099)
//
//	UPL002 - System busy: too many uploads in progress
//	UPL004 - Request cancelled
//	UPL005 - Request timed out
//
// # Request Errors (REQ001-REQ099)
//
//	REQ001 - Invalid request: body or query parameters rejected
//	         Patterns: "invalid request"
//
// # Rate Limiting (RATE001-RATE099)
//
//	RATE001 - Too many requests
//
// # Default Error (ERR000)
//
// Fallback when no specific pattern matches. Check application logs for the
// original technical error.
//
// Patterns are matched case-insensitively with strings.Contains and the
// first match wins, so specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Ingest
	{"file too large", UserMessage{"File exceeds the maximum upload size", "Split the file into smaller files", "FILE001"}},
	{"unsupported export format", UserMessage{"Unknown error report format", "Use csv or xlsx", "FILE006"}},
	{"unsupported format", UserMessage{"File type is not supported", "Upload a CSV, JSON, XLSX or XLS file", "FILE002"}},
	{"malformed file", UserMessage{"The file could not be read", "Check the file structure or re-save it as CSV or XLSX", "FILE003"}},
	{"no file provided", UserMessage{"No file was selected", "Please select a file to upload", "FILE004"}},
	{"empty file", UserMessage{"The uploaded file has no data rows", "Upload a file with a header and at least one row", "FILE005"}},

	// Mapping
	{"mapping conflict", UserMessage{"Some columns could not be mapped safely", "Map every required field to a single column", "MAP001"}},
	{"unknown target field", UserMessage{"Target field does not exist", "Choose a field from the product catalogue", "MAP002"}},
	{"unknown source field", UserMessage{"Column does not exist in this upload", "Check the column name in your file", "MAP003"}},

	// Validation and recovery
	{"validation errors remain", UserMessage{"Some records still have errors", "Fix the remaining errors before importing", "VAL001"}},
	{"has not been validated", UserMessage{"The upload has not been validated yet", "Run validation first", "VAL002"}},
	{"invalid fix", UserMessage{"The correction could not be applied", "Check the record, field and value", "REC001"}},
	{"nothing to undo", UserMessage{"There are no fixes to undo", "No action needed", "REC002"}},

	// Import
	{"import already running", UserMessage{"An import is already running for this upload", "Wait for it to finish or cancel it", "IMP001"}},
	{"no retryable records", UserMessage{"No failed records can be retried", "Download the error report for permanent failures", "IMP002"}},
	{"import not started", UserMessage{"The import has not been started", "Start the import first", "IMP003"}},
	{"write failed", UserMessage{"The product could not be saved", "Retry the failed records", "IMP004"}},

	// Sessions
	{"session not found", UserMessage{"Upload session not found", "The session may have expired. Please upload the file again", "SES001"}},
	{"invalid session transition", UserMessage{"That step is not available yet", "Complete the previous steps first", "SES002"}},

	// External collaborators
	{"external service", UserMessage{"An external service is unavailable", "Please try again later", "EXT001"}},

	// Upload throttling
	{"too many uploads", UserMessage{"System is busy processing other uploads", "Please wait a moment and try again", "UPL002"}},
	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "UPL004"}},
	{"context deadline exceeded", UserMessage{"Request timed out", "Try a smaller file or check your connection", "UPL005"}},

	{"invalid request", UserMessage{"The request could not be understood", "Check the request body and parameters", "REQ001"}},
	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// If no pattern matches, a generic fallback with code ERR000 is returned.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string { return e.User.Message }

func (e *UserError) Unwrap() error { return e.Technical }

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{Technical: err, User: MapError(err)}
}
