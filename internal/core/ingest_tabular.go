package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// rowReader yields raw cell rows. io.EOF ends the sheet.
type rowReader interface {
	Read() ([]string, error)
	Close() error
}

// tabularSource turns raw rows into records. The header is searched for
// in the first MaxHeaderSearchRows rows; rows above it are skipped.
type tabularSource struct {
	rows    rowReader
	counter *CountingReader

	// padWarn reports short rows. Spreadsheets omit trailing empty cells,
	// so only delimited text warns on them.
	padWarn bool

	header   []string
	buffered [][]string
	line     int
	bufLine  []int

	warnings     []RowWarning
	warningCount int
	started      bool
}

func newTabularSource(rows rowReader, counter *CountingReader, padWarn bool) *tabularSource {
	return &tabularSource{rows: rows, counter: counter, padWarn: padWarn}
}

func (t *tabularSource) start() error {
	t.started = true
	var window [][]string
	var lines []int
	for len(window) < MaxHeaderSearchRows {
		row, err := t.rows.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return t.readErr(err)
		}
		t.line++
		window = append(window, row)
		lines = append(lines, t.line)
	}

	idx := detectHeader(window)
	if idx >= 0 {
		t.header = headerNames(window[idx])
		t.buffered = window[idx+1:]
		t.bufLine = lines[idx+1:]
		return nil
	}

	width := 0
	for _, row := range window {
		width = max(width, len(row))
	}
	t.header = headerNames(make([]string, width))
	t.buffered = window
	t.bufLine = lines
	return nil
}

// Next implements recordSource.
func (t *tabularSource) Next() (Record, error) {
	if !t.started {
		if err := t.start(); err != nil {
			return Record{}, err
		}
	}
	for {
		var row []string
		var line int
		if len(t.buffered) > 0 {
			row, line = t.buffered[0], t.bufLine[0]
			t.buffered, t.bufLine = t.buffered[1:], t.bufLine[1:]
		} else {
			var err error
			row, err = t.rows.Read()
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			if err != nil {
				return Record{}, t.readErr(err)
			}
			t.line++
			line = t.line
		}
		if isEmptyRow(row) {
			continue
		}
		return t.toRecord(row, line), nil
	}
}

func (t *tabularSource) toRecord(row []string, line int) Record {
	width := len(t.header)
	switch {
	case len(row) > width && !isEmptyRow(row[width:]):
		t.warn(RowWarning{Row: line, Expected: width, Got: len(row),
			Message: fmt.Sprintf("row %d has %d columns, expected %d; extra cells dropped", line, len(row), width)})
	case len(row) < width && t.padWarn:
		t.warn(RowWarning{Row: line, Expected: width, Got: len(row),
			Message: fmt.Sprintf("row %d has %d columns, expected %d; missing cells left empty", line, len(row), width)})
	}

	r := NewRecord(width)
	for i, name := range t.header {
		if i < len(row) {
			r.Set(name, CoerceCell(row[i]))
		} else {
			r.Set(name, NullValue())
		}
	}
	return r
}

func (t *tabularSource) warn(w RowWarning) {
	t.warningCount++
	if len(t.warnings) < MaxRowWarnings {
		t.warnings = append(t.warnings, w)
	}
}

func (t *tabularSource) readErr(err error) error {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie
	}
	return malformed(err, "row %d", t.line+1)
}

// Fields implements recordSource.
func (t *tabularSource) Fields() []string { return t.header }

// Warnings implements recordSource.
func (t *tabularSource) Warnings() ([]RowWarning, int) { return t.warnings, t.warningCount }

// BytesRead implements recordSource.
func (t *tabularSource) BytesRead() int64 { return t.counter.BytesRead }

// Close implements recordSource.
func (t *tabularSource) Close() error { return t.rows.Close() }

// detectHeader returns the index of the header row in window, or -1 when
// the first substantial row already holds data. Rows with fewer than half
// the widest row's cells are treated as preamble.
func detectHeader(window [][]string) int {
	width := 0
	for _, row := range window {
		width = max(width, nonEmptyCells(row))
	}
	for i, row := range window {
		n := nonEmptyCells(row)
		if n == 0 || n*2 < width {
			continue
		}
		if looksLikeHeader(row) {
			return i
		}
		return -1
	}
	return -1
}

func looksLikeHeader(row []string) bool {
	for _, cell := range row {
		c := CleanCell(cell)
		if c != "" && CoerceCell(c).Kind != KindString {
			return false
		}
	}
	return true
}

// headerNames cleans header cells, names blank ones column_N and suffixes
// duplicates with _2, _3 and so on.
func headerNames(row []string) []string {
	out := make([]string, len(row))
	used := make(map[string]int, len(row))
	for i, cell := range row {
		name := CleanCell(cell)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		base := name
		for used[name] > 0 {
			used[base]++
			name = fmt.Sprintf("%s_%d", base, used[base])
		}
		used[name]++
		out[i] = name
	}
	return out
}

func nonEmptyCells(row []string) int {
	n := 0
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

func isEmptyRow(row []string) bool {
	return nonEmptyCells(row) == 0
}

// ---------------------------------------------------------------------------
// CSV
// ---------------------------------------------------------------------------

type csvRows struct {
	r *csv.Reader
}

func (c *csvRows) Read() ([]string, error) { return c.r.Read() }
func (c *csvRows) Close() error            { return nil }

func newCSVSource(r io.Reader, counter *CountingReader) (*tabularSource, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	head, err := br.Peek(64 << 10)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		var ie *IngestError
		if errors.As(err, &ie) {
			return nil, ie
		}
		return nil, malformed(err, "read CSV")
	}

	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(head)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return newTabularSource(&csvRows{r: cr}, counter, true), nil
}

// sniffDelimiter picks the most frequent candidate delimiter on the first
// line, outside quotes. Comma wins ties.
func sniffDelimiter(head []byte) rune {
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	candidates := []rune{',', ';', '\t', '|'}
	counts := make(map[rune]int, len(candidates))
	inQuotes := false
	for _, b := range string(head) {
		if b == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[b]++
		}
	}
	best := ','
	for _, c := range candidates {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

// ---------------------------------------------------------------------------
// XLSX
// ---------------------------------------------------------------------------

// PreferredSheet is used when a workbook contains a sheet of that name.
const PreferredSheet = "Products"

type xlsxRows struct {
	file    *excelize.File
	rows    *excelize.Rows
	tmpPath string
}

func (x *xlsxRows) Read() ([]string, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return x.rows.Columns()
}

func (x *xlsxRows) Close() error {
	err := x.rows.Close()
	if cerr := x.file.Close(); err == nil {
		err = cerr
	}
	if x.tmpPath != "" {
		os.Remove(x.tmpPath)
	}
	return err
}

// newXLSXSource opens a workbook. Small files are opened from memory; large
// ones are spooled to a temporary file so excelize can read them lazily.
func newXLSXSource(ctx context.Context, counter *CountingReader, format FileFormat, streaming bool, tmpDir string) (*tabularSource, error) {
	var (
		f       *excelize.File
		tmpPath string
		err     error
	)
	if streaming {
		tmpPath, err = spool(ctx, counter, tmpDir)
		if err != nil {
			return nil, err
		}
		f, err = excelize.OpenFile(tmpPath)
	} else {
		f, err = excelize.OpenReader(counter)
	}
	if err != nil {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
		var ie *IngestError
		if errors.As(err, &ie) {
			return nil, ie
		}
		if format == FormatXLS {
			return nil, malformed(err, "legacy .xls workbooks cannot be read; re-save the file as .xlsx")
		}
		return nil, malformed(err, "open workbook")
	}

	sheet := pickSheet(f.GetSheetList())
	if sheet == "" {
		f.Close()
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
		return nil, &IngestError{Kind: IngestEmpty, Message: "workbook has no sheets"}
	}
	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
		return nil, malformed(err, "read sheet %q", sheet)
	}
	return newTabularSource(&xlsxRows{file: f, rows: rows, tmpPath: tmpPath}, counter, false), nil
}

func pickSheet(sheets []string) string {
	for _, s := range sheets {
		if strings.EqualFold(s, PreferredSheet) {
			return s
		}
	}
	if len(sheets) == 0 {
		return ""
	}
	return sheets[0]
}

func spool(ctx context.Context, r io.Reader, dir string) (string, error) {
	tmp, err := os.CreateTemp(dir, "catalogimport-*.xlsx")
	if err != nil {
		return "", fmt.Errorf("create temp workbook: %w", err)
	}
	path := tmp.Name()
	_, err = io.Copy(tmp, readerWithContext(ctx, r))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		var ie *IngestError
		if errors.As(err, &ie) {
			return "", ie
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", malformed(err, "spool workbook")
	}
	return path, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
