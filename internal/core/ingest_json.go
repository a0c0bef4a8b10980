package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// jsonSource decodes a top-level array of objects one element at a time.
// Key order is preserved; fields are the union of keys in first-seen order.
type jsonSource struct {
	dec     *json.Decoder
	counter *CountingReader
	started bool
	index   int

	fields []string
	known  map[string]bool
}

func newJSONSource(r io.Reader, counter *CountingReader) (*jsonSource, error) {
	return &jsonSource{dec: json.NewDecoder(r), counter: counter, known: make(map[string]bool)}, nil
}

// Next implements recordSource.
func (j *jsonSource) Next() (Record, error) {
	if !j.started {
		j.started = true
		tok, err := j.dec.Token()
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		if err != nil {
			return Record{}, j.fail(err, "read JSON")
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return Record{}, &IngestError{Kind: IngestMalformed, Message: "JSON upload must be an array of objects"}
		}
	}

	if !j.dec.More() {
		if _, err := j.dec.Token(); err != nil && !errors.Is(err, io.EOF) {
			return Record{}, j.fail(err, "close JSON array")
		}
		return Record{}, io.EOF
	}
	r, err := j.readObject()
	if err != nil {
		return Record{}, err
	}
	j.index++
	return r, nil
}

func (j *jsonSource) readObject() (Record, error) {
	tok, err := j.dec.Token()
	if err != nil {
		return Record{}, j.fail(err, "element %d", j.index)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return Record{}, &IngestError{
			Kind:    IngestMalformed,
			Message: fmt.Sprintf("element %d is not an object", j.index),
		}
	}

	r := NewRecord(len(j.fields))
	for j.dec.More() {
		tok, err := j.dec.Token()
		if err != nil {
			return Record{}, j.fail(err, "element %d", j.index)
		}
		key, ok := tok.(string)
		if !ok {
			return Record{}, &IngestError{Kind: IngestMalformed, Message: fmt.Sprintf("element %d has a non-string key", j.index)}
		}
		var raw json.RawMessage
		if err := j.dec.Decode(&raw); err != nil {
			return Record{}, j.fail(err, "element %d field %q", j.index, key)
		}
		r.Set(key, jsonValue(raw))
		if !j.known[key] {
			j.known[key] = true
			j.fields = append(j.fields, key)
		}
	}
	if _, err := j.dec.Token(); err != nil {
		return Record{}, j.fail(err, "element %d", j.index)
	}
	return r, nil
}

func (j *jsonSource) fail(err error, format string, args ...any) error {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie
	}
	return malformed(err, format, args...)
}

// jsonValue converts a decoded JSON value. Nested objects and arrays are
// kept as compact JSON text.
func jsonValue(raw json.RawMessage) Value {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return NullValue()
	}
	switch raw[0] {
	case 'n':
		return NullValue()
	case 't', 'f':
		b, _ := strconv.ParseBool(string(raw))
		return BoolValue(string(raw), b)
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return StringValue(string(raw))
		}
		if s == "" {
			return NullValue()
		}
		return StringValue(s)
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return StringValue(string(raw))
		}
		return StringValue(buf.String())
	default:
		n, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return StringValue(string(raw))
		}
		return NumberValue(string(raw), n)
	}
}

// Fields implements recordSource.
func (j *jsonSource) Fields() []string { return j.fields }

// Warnings implements recordSource. JSON objects carry their own keys so no
// width warnings apply.
func (j *jsonSource) Warnings() ([]RowWarning, int) { return nil, 0 }

// BytesRead implements recordSource.
func (j *jsonSource) BytesRead() int64 { return j.counter.BytesRead }

// Close implements recordSource.
func (j *jsonSource) Close() error { return nil }
