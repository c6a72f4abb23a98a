package bencode

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteByteString(t *testing.T) {
	var w bytes.Buffer
	WriteByteString(&w, []byte("spam"))
	assert.Equal(t, "4:spam", w.String())
}

func TestWriteUint64(t *testing.T) {
	var w bytes.Buffer
	WriteUint64(&w, 42)
	assert.Equal(t, "i42e", w.String())
}

func TestReadUint64(t *testing.T) {
	r := NewReader([]byte("i1234e"))
	v, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), v)
}

func TestReadUint64Truncated(t *testing.T) {
	r := NewReader([]byte("i123"))
	_, err := r.ReadUint64()
	assert.Error(t, err)
}

func TestReadUint64Overflow(t *testing.T) {
	r := NewReader([]byte("i99999999999999999999999999e"))
	_, err := r.ReadUint64()
	assert.Error(t, err)
}

func TestReadByteString(t *testing.T) {
	r := NewReader([]byte("4:spam"))
	b, err := r.ReadByteString()
	require.NoError(t, err)
	assert.Equal(t, []byte("spam"), b)
}

func TestReadByteStringTruncated(t *testing.T) {
	r := NewReader([]byte("10:short"))
	_, err := r.ReadByteString()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadByteStringBadPrefix(t *testing.T) {
	r := NewReader([]byte("x:spam"))
	_, err := r.ReadByteString()
	assert.Error(t, err)
}

func TestReadDict(t *testing.T) {
	var w bytes.Buffer
	BeginDict(&w)
	WriteDictBytes(&w, "a", []byte("x"))
	WriteDictUint64(&w, "b", 7)
	End(&w)

	keys := []string{}
	sawEnd := false
	r := NewReader(w.Bytes())
	err := r.ReadDict(func(key []byte, r *Reader) (bool, error) {
		if key == nil {
			sawEnd = true
			return false, nil
		}
		keys = append(keys, string(key))
		return true, r.Skip()
	})
	require.NoError(t, err)
	assert.True(t, sawEnd)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestReadDictDuplicateKey(t *testing.T) {
	r := NewReader([]byte("d1:ai1e1:ai2ee"))
	err := r.ReadDict(func(key []byte, r *Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		return true, r.Skip()
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestReadDictStopEarly(t *testing.T) {
	r := NewReader([]byte("d1:ai1e1:bi2ee"))
	count := 0
	err := r.ReadDict(func(key []byte, r *Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		count++
		if err := r.Skip(); err != nil {
			return false, err
		}
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReadList(t *testing.T) {
	r := NewReader([]byte("l1:a1:b1:ce"))
	var items []string
	err := r.ReadList(func(r *Reader) (bool, error) {
		b, err := r.ReadByteString()
		if err != nil {
			return false, err
		}
		items = append(items, string(b))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)
}

func TestSkipNested(t *testing.T) {
	r := NewReader([]byte("d1:ad1:bli1e1:xee1:ci9ee"))
	var got uint64
	err := r.ReadDict(func(key []byte, r *Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		if string(key) == "c" {
			v, err := r.ReadUint64()
			got = v
			return true, err
		}
		return true, r.Skip()
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got)
}

func TestReadExact(t *testing.T) {
	r := NewReader([]byte("3:abc"))
	dst := make([]byte, 3)
	require.NoError(t, r.ReadExact(dst))
	assert.Equal(t, []byte("abc"), dst)

	r = NewReader([]byte("2:ab"))
	assert.Error(t, r.ReadExact(dst))
}

func TestTrailingBytesIgnoredAfterDict(t *testing.T) {
	// routing messages are padded past the dict; the reader must stop at
	// the dict end
	r := NewReader([]byte("d1:ai1eetrailing-noise"))
	err := r.ReadDict(func(key []byte, r *Reader) (bool, error) {
		if key == nil {
			return false, nil
		}
		return true, r.Skip()
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("trailing-noise"), r.Remaining())
}
