package core

// streaming.go provides reader wrappers applied to every uploaded body before
// a decoder sees it:
//
//   - BOMSkippingReader: drops a leading UTF-8 BOM written by Windows tools
//   - UTF8Sanitizer: replaces invalid UTF-8 bytes with '?' in constant memory
//   - CountingReader: tracks bytes read and enforces the upload size cap
//
// Use WrapForStreaming to apply all transforms in the correct order.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// BOMSkippingReader skips the UTF-8 BOM if present.
type BOMSkippingReader struct {
	r       *bufio.Reader
	checked bool
}

// NewBOMSkippingReader creates a new BOM-skipping reader.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{r: bufio.NewReader(r)}
}

// Read implements io.Reader.
func (b *BOMSkippingReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		if head, err := b.r.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
			_, _ = b.r.Discard(len(utf8BOM))
		}
	}
	return b.r.Read(p)
}

// UTF8Sanitizer replaces invalid UTF-8 bytes with '?'. Multi-byte sequences
// split across reads are carried over to the next call.
type UTF8Sanitizer struct {
	r       io.Reader
	pending []byte
	err     error
}

// NewUTF8Sanitizer creates a new streaming UTF-8 sanitizer.
func NewUTF8Sanitizer(r io.Reader) *UTF8Sanitizer {
	return &UTF8Sanitizer{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

// Read implements io.Reader.
func (s *UTF8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.err != nil && len(s.pending) == 0 {
		return 0, s.err
	}

	n := copy(p, s.pending)
	s.pending = s.pending[:0]

	if s.err == nil && n < len(p) {
		var m int
		m, s.err = s.r.Read(p[n:])
		n += m
	}
	atEOF := s.err != nil

	data := p[:n]
	if !atEOF && len(p) >= utf8.UTFMax {
		if tail := incompleteTail(data); tail > 0 {
			s.pending = append(s.pending, data[len(data)-tail:]...)
			data = data[:len(data)-tail]
		}
	}

	out := sanitizeInPlace(data)
	if out == 0 && !atEOF {
		// Only a partial rune so far; keep reading.
		return s.Read(p)
	}
	if atEOF && len(s.pending) == 0 {
		return out, s.err
	}
	return out, nil
}

// sanitizeInPlace rewrites data replacing each invalid byte with '?'.
// Replacement never grows the slice.
func sanitizeInPlace(data []byte) int {
	if utf8.Valid(data) {
		return len(data)
	}
	w := 0
	for r := 0; r < len(data); {
		c, size := utf8.DecodeRune(data[r:])
		if c == utf8.RuneError && size == 1 {
			data[w] = '?'
			w++
			r++
			continue
		}
		copy(data[w:], data[r:r+size])
		w += size
		r += size
	}
	return w
}

// incompleteTail returns how many trailing bytes form the start of a
// multi-byte sequence that has not been fully read yet.
func incompleteTail(data []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b&0xC0 == 0x80 {
			continue // continuation byte
		}
		if b < 0xC0 {
			return 0
		}
		need := 2
		switch {
		case b >= 0xF0:
			need = 4
		case b >= 0xE0:
			need = 3
		}
		if i < need {
			return i
		}
		return 0
	}
	return 0
}

// CountingReader tracks bytes read and fails once Limit is exceeded.
type CountingReader struct {
	r         io.Reader
	BytesRead int64
	Total     int64 // 0 if unknown
	Limit     int64 // 0 disables the cap
}

// NewCountingReader creates a counting reader with optional total and limit.
func NewCountingReader(r io.Reader, total, limit int64) *CountingReader {
	return &CountingReader{r: r, Total: total, Limit: limit}
}

// Read implements io.Reader.
func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.BytesRead += int64(n)
	if c.Limit > 0 && c.BytesRead > c.Limit {
		return n, fileTooLarge(c.BytesRead, c.Limit)
	}
	return n, err
}

// Progress returns the read progress as a percentage (0-100).
// Returns 0 if total is unknown.
func (c *CountingReader) Progress() int {
	if c.Total <= 0 {
		return 0
	}
	return int(c.BytesRead * 100 / c.Total)
}

// WrapForStreaming wraps a reader with size enforcement, BOM skipping and
// UTF-8 sanitization.
//
// The counter sits closest to the source so the size cap applies to raw
// upload bytes, not to the sanitised text.
func WrapForStreaming(r io.Reader, totalSize, limit int64) (io.Reader, *CountingReader) {
	counter := NewCountingReader(r, totalSize, limit)
	return NewUTF8Sanitizer(NewBOMSkippingReader(counter)), counter
}
