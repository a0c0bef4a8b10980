package core

// record.go defines the dynamic row representation used between ingest and
// execution. Source columns are unknown until a file is parsed, so a Record
// is an ordered list of named values rather than a struct. Every Value keeps
// the raw cell text so coercion never loses formatting such as leading zeros.

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ValueKind is the coerced type of a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindDate
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	default:
		return "null"
	}
}

// Value is a typed cell with its original text.
type Value struct {
	Kind ValueKind
	Raw  string
	Num  float64
	Bool bool
	Time time.Time
}

// NullValue returns an empty value.
func NullValue() Value { return Value{Kind: KindNull} }

// StringValue returns a string value.
func StringValue(s string) Value { return Value{Kind: KindString, Raw: s} }

// NumberValue returns a numeric value parsed from raw.
func NumberValue(raw string, n float64) Value { return Value{Kind: KindNumber, Raw: raw, Num: n} }

// BoolValue returns a boolean value parsed from raw.
func BoolValue(raw string, b bool) Value { return Value{Kind: KindBool, Raw: raw, Bool: b} }

// DateValue returns a date value parsed from raw.
func DateValue(raw string, t time.Time) Value { return Value{Kind: KindDate, Raw: raw, Time: t} }

// IsNull reports whether the value is missing or blank.
func (v Value) IsNull() bool {
	return v.Kind == KindNull || strings.TrimSpace(v.Raw) == ""
}

// String returns the raw text.
func (v Value) String() string { return v.Raw }

// MarshalJSON renders numbers and booleans natively and everything else as
// its raw text.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindNumber:
		return []byte(strconv.FormatFloat(v.Num, 'f', -1, 64)), nil
	case KindBool:
		return []byte(strconv.FormatBool(v.Bool)), nil
	default:
		return json.Marshal(v.Raw)
	}
}

// revive rebuilds the parsed fields of a value from its kind and raw text.
func revive(kind ValueKind, raw string) Value {
	switch kind {
	case KindNumber:
		if n, ok := ParseNumeric(raw); ok {
			return NumberValue(raw, n)
		}
	case KindBool:
		if b, ok := ParseBool(raw); ok {
			return BoolValue(raw, b)
		}
	case KindDate:
		if t, ok := ParseDate(raw); ok {
			return DateValue(raw, t)
		}
	case KindNull:
		return Value{Kind: KindNull, Raw: raw}
	}
	return StringValue(raw)
}

// Field is one named value of a Record.
type Field struct {
	Name  string
	Value Value
}

// Record is an ordered mapping from field name to value.
type Record struct {
	fields []Field
	index  map[string]int
}

// NewRecord returns an empty record with room for n fields.
func NewRecord(n int) Record {
	return Record{
		fields: make([]Field, 0, n),
		index:  make(map[string]int, n),
	}
}

// Set adds or replaces a field, keeping first insertion order.
func (r *Record) Set(name string, v Value) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = v
		return
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: v})
}

// Get returns the value for name.
func (r Record) Get(name string) (Value, bool) {
	i, ok := r.index[name]
	if !ok {
		return Value{}, false
	}
	return r.fields[i].Value, true
}

// Raw returns the raw text for name, or "" when absent.
func (r Record) Raw(name string) string {
	v, _ := r.Get(name)
	return v.Raw
}

// Keys returns the field names in order.
func (r Record) Keys() []string {
	keys := make([]string, len(r.fields))
	for i, f := range r.fields {
		keys[i] = f.Name
	}
	return keys
}

// Fields returns the fields in order. The slice must not be modified.
func (r Record) Fields() []Field { return r.fields }

// Len returns the number of fields.
func (r Record) Len() int { return len(r.fields) }

// Clone returns a deep copy.
func (r Record) Clone() Record {
	c := NewRecord(len(r.fields))
	for _, f := range r.fields {
		c.Set(f.Name, f.Value)
	}
	return c
}

// MarshalJSON writes the record as an object in field order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
