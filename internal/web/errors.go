package web

// errors.go turns service errors into JSON responses.
//
// The technical error is logged with the request id; the client gets the
// catalogue message from core.MapError and a status chosen from the error
// type. Mapping conflicts carry their issues so clients can show them.

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/JonMunkholm/catalogimport/internal/core"
	"github.com/JonMunkholm/catalogimport/internal/logging"
)

// errInvalidRequest marks malformed bodies and parameters.
var errInvalidRequest = errors.New("invalid request")

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Action  string              `json:"action,omitempty"`
	Code    string              `json:"code"`
	Issues  []core.MappingIssue `json:"issues,omitempty"`
}

// respondError logs err and writes the user-facing message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	log := logger.Warn
	if status >= http.StatusInternalServerError {
		log = logger.Error
	}
	log("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", msg.Code,
		"error", err.Error(),
	)

	body := ErrorResponse{Error: msg.Message, Message: msg.Message, Action: msg.Action, Code: msg.Code}
	var conflict *core.MappingConflict
	if errors.As(err, &conflict) {
		body.Issues = conflict.Issues
	}
	if errors.Is(err, core.ErrTooManyUploads) {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

// statusFor picks the HTTP status for a service error.
func statusFor(err error) int {
	var (
		ingest   *core.IngestError
		conflict *core.MappingConflict
		recovery *core.RecoveryError
		external *core.ExternalServiceFailure
	)
	switch {
	case errors.As(err, &ingest):
		switch ingest.Kind {
		case core.IngestFileTooLarge:
			return http.StatusRequestEntityTooLarge
		case core.IngestUnsupportedFormat:
			return http.StatusUnsupportedMediaType
		default:
			return http.StatusUnprocessableEntity
		}
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &recovery):
		return http.StatusUnprocessableEntity
	case errors.As(err, &external):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrImportNotStarted):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrNotValidated),
		errors.Is(err, core.ErrNoRecoverySession),
		errors.Is(err, core.ErrNothingToUndo),
		errors.Is(err, core.ErrImportRunning),
		errors.Is(err, core.ErrNothingToRetry):
		return http.StatusConflict
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, core.ErrNoFileProvided),
		errors.Is(err, core.ErrUnsupportedExport),
		errors.Is(err, core.ErrUnknownSourceField),
		errors.Is(err, core.ErrUnknownTargetField):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTooManyUploads):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
