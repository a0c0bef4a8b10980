package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/JonMunkholm/catalogimport/internal/logging"
)

// Ingest limits.
const (
	DefaultMaxFileSize        = 100 << 20
	DefaultStreamingThreshold = 10 << 20
	DefaultPreviewRows        = 10
	DefaultSampleRows         = 5
	MaxHeaderSearchRows       = 20
	MaxRowWarnings            = 100
	ctxCheckInterval          = 1000
)

// ParseStrategy reports how a file was parsed.
type ParseStrategy string

const (
	ParseInMemory  ParseStrategy = "in_memory"
	ParseStreaming ParseStrategy = "streaming"
)

// Upload is a file handed to the ingestor. Size is -1 when unknown.
type Upload struct {
	Name     string
	MIMEType string
	Size     int64
	Body     io.Reader
}

// RowWarning flags a data row whose width did not match the header.
type RowWarning struct {
	Row      int    `json:"row"`
	Expected int    `json:"expected"`
	Got      int    `json:"got"`
	Message  string `json:"message"`
}

// IngestResult is the parsed form of an upload. In-memory results carry
// every record; streaming results carry a sample and the artifact.
type IngestResult struct {
	File         FileInfo      `json:"file"`
	Strategy     ParseStrategy `json:"strategy"`
	Fields       []string      `json:"fields"`
	RowCount     int           `json:"rowCount"`
	Records      []Record      `json:"-"`
	Sample       []Record      `json:"sample"`
	Warnings     []RowWarning  `json:"warnings,omitempty"`
	WarningCount int           `json:"warningCount"`
	Artifact     *Artifact     `json:"-"`
	DurationMs   int64         `json:"durationMs"`
}

// PreviewResult holds the first rows of a file.
type PreviewResult struct {
	File      FileInfo `json:"file"`
	Fields    []string `json:"fields"`
	Rows      []Record `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// IngestorConfig bounds the ingestor.
type IngestorConfig struct {
	MaxFileSize        int64
	StreamingThreshold int64
	PreviewRows        int
	SampleRows         int
	TempDir            string
}

// Ingestor parses uploaded files into records.
type Ingestor struct {
	cfg IngestorConfig
}

// NewIngestor fills unset limits with defaults.
func NewIngestor(cfg IngestorConfig) *Ingestor {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.StreamingThreshold <= 0 {
		cfg.StreamingThreshold = DefaultStreamingThreshold
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = DefaultPreviewRows
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = DefaultSampleRows
	}
	return &Ingestor{cfg: cfg}
}

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var mimeFormats = map[string]FileFormat{
	"text/csv":                    FormatCSV,
	"application/csv":             FormatCSV,
	"text/comma-separated-values": FormatCSV,
	"application/json":            FormatJSON,
	"text/json":                   FormatJSON,
	xlsxMIME:                      FormatXLSX,
	"application/vnd.ms-excel":    FormatXLS,
}

var extFormats = map[string]FileFormat{
	".csv":  FormatCSV,
	".tsv":  FormatCSV, // delimiter is sniffed
	".json": FormatJSON,
	".xlsx": FormatXLSX,
	".xls":  FormatXLS,
}

// DetectFormat resolves a file format from its extension, falling back to
// the declared MIME type. Generic MIME types such as
// application/octet-stream defer to the extension.
func DetectFormat(name, mimeType string) (FileFormat, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if f, ok := extFormats[ext]; ok {
		return f, nil
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		if f, ok := mimeFormats[mt]; ok {
			return f, nil
		}
	}
	return "", &IngestError{
		Kind:    IngestUnsupportedFormat,
		Message: fmt.Sprintf("%q (%s) is not CSV, JSON or Excel", name, mimeType),
	}
}

// Ingest parses an upload. Files below the streaming threshold are parsed
// in memory; larger ones are decoded into a temporary artifact.
func (in *Ingestor) Ingest(ctx context.Context, up Upload) (*IngestResult, error) {
	start := time.Now()
	format, err := DetectFormat(up.Name, up.MIMEType)
	if err != nil {
		return nil, err
	}
	body, size, streaming, err := in.plan(up)
	if err != nil {
		return nil, err
	}

	src, err := in.open(ctx, format, body, size, streaming)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	res := &IngestResult{
		File:     FileInfo{Name: up.Name, Size: size, Format: format, MIMEType: up.MIMEType},
		Strategy: ParseInMemory,
	}
	if streaming {
		res.Strategy = ParseStreaming
		err = in.drainToArtifact(ctx, src, res)
	} else {
		err = in.drainToMemory(ctx, src, res)
	}
	if err != nil {
		return nil, err
	}
	if res.RowCount == 0 {
		res.Artifact.Remove()
		return nil, &IngestError{Kind: IngestEmpty, Message: fmt.Sprintf("%s has no data rows", up.Name)}
	}

	res.Fields = src.Fields()
	res.Warnings, res.WarningCount = src.Warnings()
	if res.File.Size < 0 {
		res.File.Size = src.BytesRead()
	}
	res.DurationMs = time.Since(start).Milliseconds()

	logging.FromContext(ctx).Info("file ingested",
		"file", up.Name,
		"format", format,
		"strategy", res.Strategy,
		"rows", res.RowCount,
		"fields", len(res.Fields),
		"warnings", res.WarningCount,
		"duration_ms", res.DurationMs,
	)
	return res, nil
}

// Preview returns the first PreviewRows data rows without a full parse.
// CSV and JSON stop reading after those rows. XLSX is a zip whose
// directory sits at the end of the file, so a large workbook is still
// spooled to disk in full before its first rows can be read; the spool is
// removed when the preview returns.
func (in *Ingestor) Preview(ctx context.Context, up Upload) (*PreviewResult, error) {
	format, err := DetectFormat(up.Name, up.MIMEType)
	if err != nil {
		return nil, err
	}
	body, size, streaming, err := in.plan(up)
	if err != nil {
		return nil, err
	}
	src, err := in.open(ctx, format, body, size, streaming)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	res := &PreviewResult{
		File: FileInfo{Name: up.Name, Size: size, Format: format, MIMEType: up.MIMEType},
		Rows: make([]Record, 0, in.cfg.PreviewRows),
	}
	for {
		r, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(res.Rows) == in.cfg.PreviewRows {
			res.Truncated = true
			break
		}
		res.Rows = append(res.Rows, r)
	}
	if len(res.Rows) == 0 {
		return nil, &IngestError{Kind: IngestEmpty, Message: fmt.Sprintf("%s has no data rows", up.Name)}
	}
	res.Fields = src.Fields()
	return res, nil
}

// plan enforces the size cap and picks a strategy. An unknown size is
// resolved by buffering up to the streaming threshold.
func (in *Ingestor) plan(up Upload) (io.Reader, int64, bool, error) {
	if up.Body == nil {
		return nil, 0, false, ErrNoFileProvided
	}
	if up.Size > in.cfg.MaxFileSize {
		return nil, 0, false, fileTooLarge(up.Size, in.cfg.MaxFileSize)
	}
	if up.Size >= 0 {
		return up.Body, up.Size, up.Size >= in.cfg.StreamingThreshold, nil
	}

	buf := make([]byte, in.cfg.StreamingThreshold)
	n, err := io.ReadFull(up.Body, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return bytes.NewReader(buf[:n]), int64(n), false, nil
	case err != nil:
		return nil, 0, false, malformed(err, "read upload")
	}
	return io.MultiReader(bytes.NewReader(buf), up.Body), -1, true, nil
}

func (in *Ingestor) open(ctx context.Context, format FileFormat, body io.Reader, size int64, streaming bool) (recordSource, error) {
	switch format {
	case FormatCSV:
		r, counter := WrapForStreaming(body, size, in.cfg.MaxFileSize)
		return newCSVSource(r, counter)
	case FormatJSON:
		r, counter := WrapForStreaming(body, size, in.cfg.MaxFileSize)
		return newJSONSource(r, counter)
	case FormatXLSX, FormatXLS:
		counter := NewCountingReader(body, size, in.cfg.MaxFileSize)
		return newXLSXSource(ctx, counter, format, streaming, in.cfg.TempDir)
	default:
		return nil, &IngestError{Kind: IngestUnsupportedFormat, Message: string(format)}
	}
}

func (in *Ingestor) drainToMemory(ctx context.Context, src recordSource, res *IngestResult) error {
	for {
		r, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		res.Records = append(res.Records, r)
		if len(res.Sample) < in.cfg.SampleRows {
			res.Sample = append(res.Sample, r)
		}
		res.RowCount++
		if res.RowCount%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
}

func (in *Ingestor) drainToArtifact(ctx context.Context, src recordSource, res *IngestResult) (err error) {
	w, err := createArtifact(in.cfg.TempDir)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			w.Abort()
		}
	}()

	for {
		r, nextErr := src.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			return nextErr
		}
		if err = w.Write(r); err != nil {
			return err
		}
		if len(res.Sample) < in.cfg.SampleRows {
			res.Sample = append(res.Sample, r)
		}
		res.RowCount++
		if res.RowCount%ctxCheckInterval == 0 {
			if err = ctx.Err(); err != nil {
				return err
			}
		}
	}

	res.Artifact, err = w.Close()
	return err
}

// recordSource yields records until io.EOF. Fields and Warnings are
// complete once Next has returned io.EOF.
type recordSource interface {
	Next() (Record, error)
	Fields() []string
	Warnings() ([]RowWarning, int)
	BytesRead() int64
	Close() error
}
