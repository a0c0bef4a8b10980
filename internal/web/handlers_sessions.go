package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/catalogimport/internal/core"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before the rest spills to temporary files.
const multipartMemory = 32 << 20

// readUpload extracts the "file" part of a multipart request. The returned
// cleanup closes the part and removes spilled temporary files.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (core.Upload, func(), error) {
	limit := s.cfg.Ingest.MaxFileSize
	// Leave room for the multipart envelope around the file.
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.Upload{}, nil, &core.IngestError{
				Kind:    core.IngestFileTooLarge,
				Message: fmt.Sprintf("request exceeds the %d byte limit", limit),
			}
		}
		return core.Upload{}, nil, invalidRequest("parse multipart form: %v", err)
	}
	cleanup := func() {
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll()
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		cleanup()
		return core.Upload{}, nil, core.ErrNoFileProvided
	}

	up := core.Upload{
		Name:     header.Filename,
		MIMEType: header.Header.Get("Content-Type"),
		Size:     header.Size,
		Body:     file,
	}
	return up, func() {
		file.Close()
		cleanup()
	}, nil
}

// ingestContext bounds a preview or ingest by the configured timeout.
func (s *Server) ingestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := withClient(r.Context(), r)
	if s.cfg.Ingest.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Ingest.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	up, cleanup, err := s.readUpload(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer cleanup()

	ctx, cancel := s.ingestContext(r)
	defer cancel()

	result, err := s.service.Preview(ctx, up)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	up, cleanup, err := s.readUpload(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer cleanup()

	ctx, cancel := s.ingestContext(r)
	defer cancel()

	snap, err := s.service.CreateSession(ctx, up)
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+snap.ID)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, _ := sessionRequest(r)
	snap, err := s.service.Session(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)
	if err := s.service.DeleteSession(ctx, id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)

	q := r.URL.Query()
	opts := core.AnalyzeOptions{Enrich: q.Get("enrich") == "true"}
	if v := q.Get("sample"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, r, invalidRequest("sample must be a positive integer"))
			return
		}
		opts.SampleSize = n
	}

	fields, err := s.service.Analyze(ctx, id, opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"fields": s.service.Targets()})
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.service.WriteTemplate(&buf); err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", core.ExportXLSX.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="product_import_template.xlsx"`)
	w.Write(buf.Bytes())
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.UploadStatus())
}
