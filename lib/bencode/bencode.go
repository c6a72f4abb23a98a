// Package bencode implements the bencoded dictionary wire format used by
// every protocol message: i<int>e integers, <len>:<bytes> strings, l...e
// lists and d...e dicts. Dictionaries are emitted with keys in ascending
// byte order and decoded through a visitor that is invoked once per key.
package bencode

import (
	"bytes"
	"math"
	"strconv"

	"github.com/samber/oops"
)

var (
	ErrTruncated    = oops.Errorf("truncated bencode input")
	ErrBadPrefix    = oops.Errorf("malformed length prefix")
	ErrBadInt       = oops.Errorf("malformed integer")
	ErrOverflow     = oops.Errorf("integer overflow")
	ErrExpectedDict = oops.Errorf("expected dict")
	ErrExpectedList = oops.Errorf("expected list")
	ErrDuplicateKey = oops.Errorf("duplicate dict key")
)

// WriteByteString emits <len>:<bytes>.
func WriteByteString(w *bytes.Buffer, b []byte) {
	w.WriteString(strconv.Itoa(len(b)))
	w.WriteByte(':')
	w.Write(b)
}

// WriteString emits a string as a bytestring.
func WriteString(w *bytes.Buffer, s string) {
	WriteByteString(w, []byte(s))
}

// WriteUint64 emits i<v>e.
func WriteUint64(w *bytes.Buffer, v uint64) {
	w.WriteByte('i')
	w.WriteString(strconv.FormatUint(v, 10))
	w.WriteByte('e')
}

func BeginDict(w *bytes.Buffer) {
	w.WriteByte('d')
}

func BeginList(w *bytes.Buffer) {
	w.WriteByte('l')
}

func End(w *bytes.Buffer) {
	w.WriteByte('e')
}

// WriteDictBytes emits key then a bytestring value. Callers are expected
// to emit keys in ascending byte order.
func WriteDictBytes(w *bytes.Buffer, key string, val []byte) {
	WriteString(w, key)
	WriteByteString(w, val)
}

// WriteDictUint64 emits key then an integer value.
func WriteDictUint64(w *bytes.Buffer, key string, v uint64) {
	WriteString(w, key)
	WriteUint64(w, v)
}

// Reader is a cursor over bencoded input.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the unconsumed tail of the input.
func (r *Reader) Remaining() []byte {
	return r.buf[r.pos:]
}

func (r *Reader) peek() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrTruncated
	}
	return r.buf[r.pos], nil
}

// ReadUint64 consumes i<int>e.
func (r *Reader) ReadUint64() (uint64, error) {
	c, err := r.peek()
	if err != nil {
		return 0, err
	}
	if c != 'i' {
		return 0, ErrBadInt
	}
	r.pos++
	start := r.pos
	for {
		c, err = r.peek()
		if err != nil {
			return 0, err
		}
		if c == 'e' {
			break
		}
		if c < '0' || c > '9' {
			return 0, ErrBadInt
		}
		r.pos++
	}
	if r.pos == start || r.pos-start > 20 {
		return 0, ErrBadInt
	}
	v, err := strconv.ParseUint(string(r.buf[start:r.pos]), 10, 64)
	if err != nil {
		return 0, ErrOverflow
	}
	r.pos++ // consume 'e'
	return v, nil
}

// ReadByteString consumes <len>:<bytes> and returns the bytes without
// copying.
func (r *Reader) ReadByteString() ([]byte, error) {
	start := r.pos
	for {
		c, err := r.peek()
		if err != nil {
			return nil, err
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return nil, ErrBadPrefix
		}
		r.pos++
	}
	if r.pos == start || r.pos-start > 10 {
		return nil, ErrBadPrefix
	}
	l, err := strconv.ParseUint(string(r.buf[start:r.pos]), 10, 64)
	if err != nil || l > math.MaxInt32 {
		return nil, ErrOverflow
	}
	r.pos++ // consume ':'
	if r.pos+int(l) > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+int(l)]
	r.pos += int(l)
	return b, nil
}

// DictVisitor is called once per dict key with the reader positioned at
// the value. A nil key signals end-of-dict. Returning false stops the
// read without error.
type DictVisitor func(key []byte, r *Reader) (bool, error)

// ReadDict consumes d...e, invoking visit per key. Duplicate keys are
// rejected.
func (r *Reader) ReadDict(visit DictVisitor) error {
	c, err := r.peek()
	if err != nil {
		return err
	}
	if c != 'd' {
		return ErrExpectedDict
	}
	r.pos++
	seen := make(map[string]struct{})
	for {
		c, err = r.peek()
		if err != nil {
			return err
		}
		if c == 'e' {
			r.pos++
			_, err = visit(nil, r)
			return err
		}
		key, err := r.ReadByteString()
		if err != nil {
			return err
		}
		if _, dup := seen[string(key)]; dup {
			return ErrDuplicateKey
		}
		seen[string(key)] = struct{}{}
		ok, err := visit(key, r)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// ListVisitor is called once per list element. Returning false stops the
// read without error.
type ListVisitor func(r *Reader) (bool, error)

// ReadList consumes l...e, invoking visit per element.
func (r *Reader) ReadList(visit ListVisitor) error {
	c, err := r.peek()
	if err != nil {
		return err
	}
	if c != 'l' {
		return ErrExpectedList
	}
	r.pos++
	for {
		c, err = r.peek()
		if err != nil {
			return err
		}
		if c == 'e' {
			r.pos++
			return nil
		}
		ok, err := visit(r)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// Skip consumes one value of any kind.
func (r *Reader) Skip() error {
	c, err := r.peek()
	if err != nil {
		return err
	}
	switch {
	case c == 'i':
		_, err = r.ReadUint64()
		return err
	case c == 'd':
		return r.ReadDict(func(key []byte, r *Reader) (bool, error) {
			if key == nil {
				return false, nil
			}
			return true, r.Skip()
		})
	case c == 'l':
		return r.ReadList(func(r *Reader) (bool, error) {
			return true, r.Skip()
		})
	case c >= '0' && c <= '9':
		_, err = r.ReadByteString()
		return err
	default:
		return ErrBadPrefix
	}
}

// ReadExact consumes a bytestring of exactly len(dst) bytes into dst.
func (r *Reader) ReadExact(dst []byte) error {
	b, err := r.ReadByteString()
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return oops.Errorf("bad field size %d, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}
