package web

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/JonMunkholm/catalogimport/internal/core"
)

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)
	report, err := s.service.Validate(ctx, id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	id, _ := sessionRequest(r)
	report, err := s.service.Errors(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleExportErrors downloads the current errors as CSV or XLSX. The
// report is rendered to a buffer first so a failure still gets a JSON error.
func (s *Server) handleExportErrors(w http.ResponseWriter, r *http.Request) {
	id, _ := sessionRequest(r)

	format := core.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = core.ExportCSV
	}
	if format != core.ExportCSV && format != core.ExportXLSX {
		respondError(w, r, fmt.Errorf("%w: %q", core.ErrUnsupportedExport, format))
		return
	}

	var buf bytes.Buffer
	if err := s.service.ExportErrors(id, format, &buf); err != nil {
		respondError(w, r, err)
		return
	}

	filename := fmt.Sprintf("import_errors_%s.%s", time.Now().Format("20060102_150405"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Write(buf.Bytes())
}

func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)

	var req core.FixRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := s.service.FixSingle(ctx, id, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type bulkFixRequest struct {
	Fixes []core.FixRequest `json:"fixes"`
}

func (s *Server) handleFixBulk(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)

	var req bulkFixRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if len(req.Fixes) == 0 {
		respondError(w, r, invalidRequest("fixes must not be empty"))
		return
	}

	res, err := s.service.FixBulk(ctx, id, req.Fixes)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAutoFix(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)
	res, err := s.service.AutoFix(ctx, id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)
	res, err := s.service.Undo(ctx, id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
