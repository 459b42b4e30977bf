package odb

import (
	"errors"
	"io"
	"math"
	"testing"
)

func TestWriterReader(t *testing.T) {
	var w Writer
	w.WriteBool(true)
	w.WriteInt8(-5)
	w.WriteInt16(-300)
	w.WriteUint16(math.MaxUint16)
	w.WriteInt32(math.MinInt32)
	w.WriteUint32(math.MaxUint32)
	w.WriteInt64(math.MinInt64)
	w.WriteUint64(math.MaxUint64)
	w.WriteFloat32(1.5)
	w.WriteFloat64(-2.25)
	w.WriteUvarint(1 << 40)
	w.WriteBytes([]byte{1, 2, 3})
	w.WriteString("hello")
	w.WriteRaw([]byte{0xAA})

	r := NewReader(w.Buf)
	deepEqual(t, must(r.ReadBool()), true)
	deepEqual(t, must(r.ReadInt8()), -5)
	deepEqual(t, must(r.ReadInt16()), -300)
	deepEqual(t, must(r.ReadUint16()), math.MaxUint16)
	deepEqual(t, must(r.ReadInt32()), math.MinInt32)
	deepEqual(t, must(r.ReadUint32()), math.MaxUint32)
	deepEqual(t, must(r.ReadInt64()), math.MinInt64)
	deepEqual(t, must(r.ReadUint64()), math.MaxUint64)
	deepEqual(t, must(r.ReadFloat32()), 1.5)
	deepEqual(t, must(r.ReadFloat64()), -2.25)
	deepEqual(t, must(r.ReadUvarint()), 1<<40)
	deepEqual(t, must(r.ReadBytes()), []byte{1, 2, 3})
	deepEqual(t, must(r.ReadString()), "hello")
	deepEqual(t, must(r.Raw(1)), []byte{0xAA})
	deepEqual(t, r.Remaining(), 0)
	deepEqual(t, r.Off(), len(w.Buf))
}

func TestWriter_LittleEndian(t *testing.T) {
	var w Writer
	w.WriteUint32(0x01020304)
	deepEqual(t, w.Buf, []byte{4, 3, 2, 1})
	w.Reset()
	deepEqual(t, w.Len(), 0)
}

func TestWriter_FirstFailureSticks(t *testing.T) {
	var w Writer
	first, second := errors.New("first"), errors.New("second")
	w.Fail(first)
	w.Fail(second)
	deepEqual(t, w.Err(), first)
	w.Reset()
	deepEqual(t, w.Err(), nil)
}

func TestReader_Errors(t *testing.T) {
	var de *DataError

	r := NewReader(nil)
	_, err := r.ReadByte()
	if !errors.As(err, &de) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("** ReadByte on empty = %v", err)
	}

	r = NewReader([]byte{1, 2, 3})
	_, err = r.ReadUint32()
	if !errors.As(err, &de) || de.Off != 0 {
		t.Errorf("** ReadUint32 on 3 bytes = %v", err)
	}
	deepEqual(t, r.Remaining(), 3)

	r = NewReader([]byte{2})
	if _, err := r.ReadBool(); err == nil {
		t.Errorf("** ReadBool accepted 2")
	}

	r = NewReader([]byte{0x80})
	if _, err := r.ReadUvarint(); err == nil {
		t.Errorf("** ReadUvarint accepted a truncated varint")
	}

	var w Writer
	w.WriteUvarint(1_000_000)
	w.WriteRaw(make([]byte, 10))
	r = NewReader(w.Buf)
	if _, err := r.ReadCount(1); err == nil {
		t.Errorf("** ReadCount accepted a count larger than the data")
	}
	r = NewReader(w.Buf)
	if _, err := r.ReadBytes(); err == nil {
		t.Errorf("** ReadBytes accepted a length larger than the data")
	}

	w.Reset()
	w.WriteUvarint(5)
	w.WriteRaw(make([]byte, 10))
	r = NewReader(w.Buf)
	deepEqual(t, must(r.ReadCount(2)), 5)
}

func TestDataError_Message(t *testing.T) {
	err := dataErrf([]byte{0xde, 0xad}, 1, io.ErrUnexpectedEOF, "bad %s", "thing")
	deepEqual(t, err.Error(), "bad thing at 1: unexpected EOF: (2) dead")

	long := make([]byte, 200)
	err = dataErrf(long, 7, nil, "bad")
	deepEqual(t, len(err.Error()) < 300, true)
}
