package postcard

import (
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrUnexpectedEOF is returned when the input ends in the middle of a value
	ErrUnexpectedEOF = errors.New("postcard: unexpected end of input")
	// ErrBadVarint is returned for varints that are malformed or do not fit the target width
	ErrBadVarint = errors.New("postcard: malformed varint")
	// ErrBadBool is returned for bool or option tags other than 0 and 1
	ErrBadBool = errors.New("postcard: invalid bool/option tag")
	// ErrBadUTF8 is returned for strings that are not valid UTF-8
	ErrBadUTF8 = errors.New("postcard: string is not valid utf-8")
	// ErrTrailingBytes is returned by Reader.Finish if input remains
	ErrTrailingBytes = errors.New("postcard: trailing bytes after value")
)

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

// Writer appends postcard encoded values to a byte slice.
// The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with the given initial capacity
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of encoded bytes
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) U16(v uint16) { w.buf = protowire.AppendVarint(w.buf, uint64(v)) }

func (w *Writer) U32(v uint32) { w.buf = protowire.AppendVarint(w.buf, uint64(v)) }

func (w *Writer) U64(v uint64) { w.buf = protowire.AppendVarint(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// Variant writes an enum discriminant
func (w *Writer) Variant(idx uint32) { w.U32(idx) }

// SeqLen writes a sequence length prefix
func (w *Writer) SeqLen(n int) { w.U64(uint64(n)) }

func (w *Writer) Str(s string) {
	w.SeqLen(len(s))
	w.buf = append(w.buf, s...)
}

// ByteSlice writes a length prefixed byte sequence
func (w *Writer) ByteSlice(b []byte) {
	w.SeqLen(len(b))
	w.buf = append(w.buf, b...)
}

// Fixed writes a fixed size array (no length prefix)
func (w *Writer) Fixed(b []byte) { w.buf = append(w.buf, b...) }

// OptionU32 writes an optional u32 (tag byte followed by the value)
func (w *Writer) OptionU32(v *uint32) {
	if v == nil {
		w.U8(0)
		return
	}
	w.U8(1)
	w.U32(*v)
}

// OptionString writes an optional string (tag byte followed by the value)
func (w *Writer) OptionString(v *string) {
	if v == nil {
		w.U8(0)
		return
	}
	w.U8(1)
	w.Str(*v)
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

// Reader consumes postcard encoded values from a byte slice.
type Reader struct {
	data []byte
	off  int
}

// NewReader creates a reader over data
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int { return len(r.data) - r.off }

// Finish returns ErrTrailingBytes if the input was not fully consumed
func (r *Reader) Finish() error {
	if r.Remaining() != 0 {
		return fmt.Errorf("%w (%d left)", ErrTrailingBytes, r.Remaining())
	}
	return nil
}

func (r *Reader) varint(max uint64) (uint64, error) {
	if r.off >= len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v, n := protowire.ConsumeVarint(r.data[r.off:])
	if n < 0 {
		if errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF) {
			return 0, ErrUnexpectedEOF
		}
		return 0, ErrBadVarint
	}
	if v > max {
		return 0, ErrBadVarint
	}
	r.off += n
	return v, nil
}

func (r *Reader) U8() (uint8, error) {
	if r.off >= len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *Reader) U16() (uint16, error) {
	v, err := r.varint(math.MaxUint16)
	return uint16(v), err
}

func (r *Reader) U32() (uint32, error) {
	v, err := r.varint(math.MaxUint32)
	return uint32(v), err
}

func (r *Reader) U64() (uint64, error) {
	return r.varint(math.MaxUint64)
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.U8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrBadBool
	}
}

// Variant reads an enum discriminant
func (r *Reader) Variant() (uint32, error) { return r.U32() }

// SeqLen reads a sequence length prefix and checks it against the remaining input,
// given the minimum encoded size of one element.
func (r *Reader) SeqLen(minElemSize int) (int, error) {
	n, err := r.U64()
	if err != nil {
		return 0, err
	}
	if minElemSize < 1 {
		minElemSize = 1
	}
	if n > uint64(r.Remaining()/minElemSize) {
		return 0, ErrUnexpectedEOF
	}
	return int(n), nil
}

func (r *Reader) Str() (string, error) {
	b, err := r.ByteSlice()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrBadUTF8
	}
	return string(b), nil
}

// ByteSlice reads a length prefixed byte sequence. The result is a copy.
func (r *Reader) ByteSlice() ([]byte, error) {
	n, err := r.SeqLen(1)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+n])
	r.off += n
	return out, nil
}

// Fixed reads exactly len(dst) bytes into dst
func (r *Reader) Fixed(dst []byte) error {
	if r.Remaining() < len(dst) {
		return ErrUnexpectedEOF
	}
	copy(dst, r.data[r.off:r.off+len(dst)])
	r.off += len(dst)
	return nil
}

func (r *Reader) option() (bool, error) {
	present, err := r.Bool()
	if err != nil {
		return false, err
	}
	return present, nil
}

func (r *Reader) OptionU32() (*uint32, error) {
	present, err := r.option()
	if err != nil || !present {
		return nil, err
	}
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Reader) OptionString() (*string, error) {
	present, err := r.option()
	if err != nil || !present {
		return nil, err
	}
	v, err := r.Str()
	if err != nil {
		return nil, err
	}
	return &v, nil
}
