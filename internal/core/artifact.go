package core

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// Artifact is the temporary NDJSON file a streamed upload is decoded into.
// Each line is one record as an ordered list of cells.
type Artifact struct {
	path string
	rows int

	once sync.Once
}

type artifactCell struct {
	K string    `json:"k"`
	T ValueKind `json:"t"`
	V string    `json:"v"`
}

type artifactWriter struct {
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
	rows int
	line []artifactCell
}

func createArtifact(dir string) (*artifactWriter, error) {
	f, err := os.CreateTemp(dir, "catalogimport-*.ndjson")
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	w := bufio.NewWriterSize(f, 256<<10)
	return &artifactWriter{f: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (a *artifactWriter) Write(r Record) error {
	a.line = a.line[:0]
	for _, fld := range r.Fields() {
		a.line = append(a.line, artifactCell{K: fld.Name, T: fld.Value.Kind, V: fld.Value.Raw})
	}
	if err := a.enc.Encode(a.line); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	a.rows++
	return nil
}

func (a *artifactWriter) Close() (*Artifact, error) {
	err := a.w.Flush()
	if cerr := a.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(a.f.Name())
		return nil, fmt.Errorf("close artifact: %w", err)
	}
	return &Artifact{path: a.f.Name(), rows: a.rows}, nil
}

// Abort discards a partially written artifact.
func (a *artifactWriter) Abort() {
	a.f.Close()
	os.Remove(a.f.Name())
}

// Path returns the artifact's file path.
func (a *Artifact) Path() string { return a.path }

// Rows returns the number of records in the artifact.
func (a *Artifact) Rows() int { return a.rows }

// Each streams records to fn in file order. A non-nil error from fn stops
// the iteration and is returned.
func (a *Artifact) Each(fn func(i int, r Record) error) error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(f, 256<<10))
	var cells []artifactCell
	for i := 0; ; i++ {
		cells = cells[:0]
		if err := dec.Decode(&cells); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode artifact row %d: %w", i, err)
		}
		r := NewRecord(len(cells))
		for _, c := range cells {
			r.Set(c.K, revive(c.T, c.V))
		}
		if err := fn(i, r); err != nil {
			return err
		}
	}
}

// Load reads every record into memory.
func (a *Artifact) Load() ([]Record, error) {
	out := make([]Record, 0, a.rows)
	err := a.Each(func(_ int, r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// Remove deletes the artifact file. It is safe to call more than once and
// on a nil Artifact.
func (a *Artifact) Remove() error {
	if a == nil {
		return nil
	}
	var err error
	a.once.Do(func() {
		if rerr := os.Remove(a.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			err = rerr
		}
	})
	return err
}
