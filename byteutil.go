package odb

import (
	"encoding/binary"
	"io"
	"math"
)

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

func grow(buf []byte, n int) (int, []byte) {
	off := len(buf)
	newLen := off + n
	buf = ensureCapacity(buf, newLen)
	return off, buf[:newLen]
}

func appendUvarint(buf []byte, v uint64) []byte {
	off, buf := grow(buf, binary.MaxVarintLen64)
	off += binary.PutUvarint(buf[off:], v)
	return buf[:off]
}

func appendVarbytes(buf []byte, v []byte) []byte {
	n := len(v)
	off, buf := grow(buf, binary.MaxVarintLen64+n)
	off += binary.PutUvarint(buf[off:], uint64(n))
	copy(buf[off:], v)
	return buf[:off+n]
}

// Writer accumulates binary values. Fixed-width numbers are little-endian,
// lengths and counts are uvarints.
//
// The first error reported via Fail sticks; subsequent writes still append
// but the result must be discarded.
type Writer struct {
	Buf []byte
	err error
}

var _ io.Writer = (*Writer)(nil)

func (w *Writer) Len() int {
	return len(w.Buf)
}

func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) Fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) Reset() {
	w.Buf = w.Buf[:0]
	w.err = nil
}

func (w *Writer) grow(n int) (off int) {
	off, w.Buf = grow(w.Buf, n)
	return
}

func (w *Writer) Write(b []byte) (int, error) {
	off := w.grow(len(b))
	copy(w.Buf[off:], b)
	return len(b), nil
}

func (w *Writer) WriteByte(v byte) error {
	off := w.grow(1)
	w.Buf[off] = v
	return nil
}

func (w *Writer) WriteRaw(b []byte) {
	off := w.grow(len(b))
	copy(w.Buf[off:], b)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func (w *Writer) WriteInt8(v int8) {
	w.WriteByte(byte(v))
}

func (w *Writer) WriteUint16(v uint16) {
	off := w.grow(2)
	binary.LittleEndian.PutUint16(w.Buf[off:], v)
}

func (w *Writer) WriteInt16(v int16) {
	w.WriteUint16(uint16(v))
}

func (w *Writer) WriteUint32(v uint32) {
	off := w.grow(4)
	binary.LittleEndian.PutUint32(w.Buf[off:], v)
}

func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *Writer) WriteUint64(v uint64) {
	off := w.grow(8)
	binary.LittleEndian.PutUint64(w.Buf[off:], v)
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

func (w *Writer) WriteFloat32(v float32) {
	w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(math.Float64bits(v))
}

func (w *Writer) WriteUvarint(v uint64) {
	w.Buf = appendUvarint(w.Buf, v)
}

// WriteBytes writes a length-prefixed byte slice.
func (w *Writer) WriteBytes(v []byte) {
	w.Buf = appendVarbytes(w.Buf, v)
}

// WriteString writes a length-prefixed UTF-8 string.
func (w *Writer) WriteString(v string) {
	n := len(v)
	off := w.grow(binary.MaxVarintLen64 + n)
	off += binary.PutUvarint(w.Buf[off:], uint64(n))
	copy(w.Buf[off:], v)
	w.Buf = w.Buf[:off+n]
}

// Reader consumes values produced by Writer. Errors are *DataError values
// pointing at the offending offset.
type Reader struct {
	Orig []byte
	Buf  []byte
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf, buf}
}

func makeReader(buf []byte) Reader {
	return Reader{buf, buf}
}

func (r *Reader) Off() int {
	return len(r.Orig) - len(r.Buf)
}

func (r *Reader) Remaining() int {
	return len(r.Buf)
}

func (r *Reader) Errorf(err error, format string, args ...any) error {
	return dataErrf(r.Orig, r.Off(), err, format, args...)
}

func (r *Reader) Raw(n int) ([]byte, error) {
	if n < 0 || len(r.Buf) < n {
		return nil, r.Errorf(nil, "not enough data: %d bytes remaining, %d wanted", len(r.Buf), n)
	}
	v := r.Buf[:n]
	r.Buf = r.Buf[n:]
	return v, nil
}

func (r *Reader) Skip(n int) error {
	_, err := r.Raw(n)
	return err
}

func (r *Reader) ReadByte() (byte, error) {
	if len(r.Buf) == 0 {
		return 0, r.Errorf(io.ErrUnexpectedEOF, "byte wanted")
	}
	v := r.Buf[0]
	r.Buf = r.Buf[1:]
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, r.Errorf(nil, "invalid bool %d", v)
	}
}

func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadByte()
	return int8(v), err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.Raw(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.Raw(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.Raw(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

func (r *Reader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.Buf)
	if n <= 0 {
		return 0, r.Errorf(nil, "invalid uvarint")
	}
	r.Buf = r.Buf[n:]
	return v, nil
}

func (r *Reader) ReadUvarinti() (int, error) {
	v, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt {
		return 0, r.Errorf(nil, "value does not fit into int: %d", v)
	}
	return int(v), nil
}

// ReadCount reads a collection size, rejecting counts that cannot possibly fit
// into the remaining data given minSize bytes per element.
func (r *Reader) ReadCount(minSize int) (int, error) {
	n, err := r.ReadUvarinti()
	if err != nil {
		return 0, err
	}
	if minSize > 0 && n > len(r.Buf)/minSize {
		return 0, r.Errorf(nil, "count %d exceeds remaining data", n)
	}
	return n, nil
}

// ReadBytes reads a length-prefixed byte slice. The result aliases the
// underlying buffer.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUvarinti()
	if err != nil {
		return nil, err
	}
	return r.Raw(n)
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
