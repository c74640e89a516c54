// Package jsonarray streams the elements of a top-level JSON array.
//
// The decoder never buffers the whole array: it scans one element at a time
// into a reusable scratch buffer, validates it and hands out an owned copy.
package jsonarray

import (
	"bufio"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// ErrMalformedInput is wrapped by every error that comes from the shape of the input.
var ErrMalformedInput = errors.New("malformed input")

const readBufferSize = 64 * 1024

// Decoder yields the elements of a JSON array read from an io.Reader.
// It is forward-only and not safe for concurrent use.
type Decoder struct {
	r       *bufio.Reader
	started bool
	done    bool
	offset  int64
	scratch []byte
}

// NewDecoder returns a decoder reading from r.
// r may be a raw file or a decompression filter; the decoder does not care.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, readBufferSize)
	}
	return &Decoder{r: br}
}

// Next returns the next array element.
// It returns io.EOF once the closing bracket has been read. The first failure
// is returned as an error wrapping ErrMalformedInput; every call after that,
// like every call after io.EOF, returns io.EOF.
func (d *Decoder) Next() (json.RawMessage, error) {
	if d.done {
		return nil, io.EOF
	}
	raw, err := d.next()
	if err != nil {
		d.done = true
		return nil, err
	}
	return raw, nil
}

// Offset returns the number of bytes consumed from the underlying reader.
func (d *Decoder) Offset() int64 {
	return d.offset
}

func (d *Decoder) next() (json.RawMessage, error) {
	c, err := d.skipSpace()
	if err != nil {
		return nil, err
	}

	if !d.started {
		d.started = true
		if c != '[' {
			return nil, d.malformedf("expected '[' at start of input, found %q", c)
		}
		if c, err = d.skipSpace(); err != nil {
			return nil, err
		}
		if c == ']' {
			return nil, io.EOF
		}
		return d.value(c)
	}

	switch c {
	case ']':
		return nil, io.EOF
	case ',':
		if c, err = d.skipSpace(); err != nil {
			return nil, err
		}
		return d.value(c)
	default:
		return nil, d.malformedf("expected ',' or ']' after array element, found %q", c)
	}
}

// value scans one element starting with first, validates it and checks that
// a legal delimiter follows it.
func (d *Decoder) value(first byte) (json.RawMessage, error) {
	start := d.offset - 1
	buf := append(d.scratch[:0], first)

	var err error
	switch first {
	case '{', '[':
		buf, err = d.scanComposite(buf)
	case '"':
		buf, err = d.scanString(buf)
	case ',', ']', '}', ':':
		err = d.malformedf("expected array element, found %q", first)
	default:
		buf, err = d.scanScalar(buf)
	}
	d.scratch = buf
	if err != nil {
		return nil, err
	}

	// goccy's Valid accepts truncated literals and numbers such as tru or 01.
	if !stdjson.Valid(buf) {
		return nil, fmt.Errorf("%w: invalid array element at offset %d", ErrMalformedInput, start)
	}

	c, err := d.peekSpace()
	if err != nil {
		return nil, err
	}
	if c != ',' && c != ']' {
		return nil, d.malformedf("expected ',' or ']' after array element, found %q", c)
	}

	out := make(json.RawMessage, len(buf))
	copy(out, buf)
	return out, nil
}

func (d *Decoder) scanComposite(buf []byte) ([]byte, error) {
	depth := 1
	inString, escaped := false, false
	for {
		b, err := d.readByte()
		if err != nil {
			return buf, err
		}
		buf = append(buf, b)

		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return buf, nil
			}
		}
	}
}

func (d *Decoder) scanString(buf []byte) ([]byte, error) {
	escaped := false
	for {
		b, err := d.readByte()
		if err != nil {
			return buf, err
		}
		buf = append(buf, b)
		switch {
		case escaped:
			escaped = false
		case b == '\\':
			escaped = true
		case b == '"':
			return buf, nil
		}
	}
}

// scanScalar reads a number or literal up to the next delimiter, which is left unread.
func (d *Decoder) scanScalar(buf []byte) ([]byte, error) {
	for {
		b, err := d.r.ReadByte()
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, fmt.Errorf("%w: read: %w", ErrMalformedInput, err)
		}
		if isSpace(b) || b == ',' || b == ']' || b == '}' {
			_ = d.r.UnreadByte()
			return buf, nil
		}
		d.offset++
		buf = append(buf, b)
	}
}

// skipSpace consumes whitespace and returns the first other byte, consumed.
func (d *Decoder) skipSpace() (byte, error) {
	for {
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		if !isSpace(b) {
			return b, nil
		}
	}
}

// peekSpace consumes whitespace and returns the first other byte without consuming it.
func (d *Decoder) peekSpace() (byte, error) {
	b, err := d.skipSpace()
	if err != nil {
		return 0, err
	}
	_ = d.r.UnreadByte()
	d.offset--
	return b, nil
}

// readByte reads one byte; running out of input is always malformed here.
func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err == io.EOF {
		return 0, fmt.Errorf("%w: unexpected end of input at offset %d", ErrMalformedInput, d.offset)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read at offset %d: %w", ErrMalformedInput, d.offset, err)
	}
	d.offset++
	return b, nil
}

func (d *Decoder) malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s (offset %d)", ErrMalformedInput, fmt.Sprintf(format, args...), d.offset)
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
