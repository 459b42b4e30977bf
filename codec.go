package odb

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// TypeID identifies a binary value layout. Ids below MinExtensionTypeID are
// built-in; applications register their own types with RegisterType.
type TypeID int16

const (
	TypeBool           TypeID = 1
	TypeInt8           TypeID = 2
	TypeUint8          TypeID = 3
	TypeInt16          TypeID = 4
	TypeUint16         TypeID = 5
	TypeInt32          TypeID = 6
	TypeUint32         TypeID = 7
	TypeInt64          TypeID = 8
	TypeUint64         TypeID = 9
	TypeFloat32        TypeID = 10
	TypeFloat64        TypeID = 11
	TypeDecimal        TypeID = 12
	TypeString         TypeID = 13
	TypeBytes          TypeID = 14
	TypeDateTime       TypeID = 15
	TypeDateTimeOffset TypeID = 16
	TypeTimeSpan       TypeID = 17
	TypeUUID           TypeID = 18
	TypeURI            TypeID = 19
	TypeList           TypeID = 20
	TypeDict           TypeID = 21
	TypeSet            TypeID = 22
	TypeTuple          TypeID = 23

	MinExtensionTypeID TypeID = 1000
)

var typeNames = map[TypeID]string{
	TypeBool:           "bool",
	TypeInt8:           "int8",
	TypeUint8:          "uint8",
	TypeInt16:          "int16",
	TypeUint16:         "uint16",
	TypeInt32:          "int32",
	TypeUint32:         "uint32",
	TypeInt64:          "int64",
	TypeUint64:         "uint64",
	TypeFloat32:        "float32",
	TypeFloat64:        "float64",
	TypeDecimal:        "decimal",
	TypeString:         "string",
	TypeBytes:          "bytes",
	TypeDateTime:       "datetime",
	TypeDateTimeOffset: "datetimeoffset",
	TypeTimeSpan:       "timespan",
	TypeUUID:           "uuid",
	TypeURI:            "uri",
	TypeList:           "list",
	TypeDict:           "dict",
	TypeSet:            "set",
	TypeTuple:          "tuple",
}

func (id TypeID) String() string {
	if s := typeNames[id]; s != "" {
		return s
	}
	return fmt.Sprintf("ext%d", int(id))
}

// typeDesc is the structural description of a value layout. Two Go types with
// equal descriptors are binary compatible.
type typeDesc struct {
	id    TypeID
	elems []typeDesc
}

func (d typeDesc) append(w *Writer) {
	w.WriteInt16(int16(d.id))
	switch d.id {
	case TypeList, TypeSet:
		d.elems[0].append(w)
	case TypeDict:
		d.elems[0].append(w)
		d.elems[1].append(w)
	case TypeTuple:
		w.WriteByte(byte(len(d.elems)))
		for _, e := range d.elems {
			e.append(w)
		}
	}
}

func (d typeDesc) bytes() []byte {
	var w Writer
	d.append(&w)
	return w.Buf
}

func readTypeDesc(r *Reader) (typeDesc, error) {
	v, err := r.ReadInt16()
	if err != nil {
		return typeDesc{}, err
	}
	d := typeDesc{id: TypeID(v)}
	n := 0
	switch d.id {
	case TypeList, TypeSet:
		n = 1
	case TypeDict:
		n = 2
	case TypeTuple:
		b, err := r.ReadByte()
		if err != nil {
			return typeDesc{}, err
		}
		n = int(b)
	default:
		if d.id <= 0 {
			return typeDesc{}, r.Errorf(nil, "invalid type id %d", d.id)
		}
	}
	for range n {
		e, err := readTypeDesc(r)
		if err != nil {
			return typeDesc{}, err
		}
		d.elems = append(d.elems, e)
	}
	return d, nil
}

func (d typeDesc) equal(o typeDesc) bool {
	if d.id != o.id || len(d.elems) != len(o.elems) {
		return false
	}
	for i := range d.elems {
		if !d.elems[i].equal(o.elems[i]) {
			return false
		}
	}
	return true
}

func (d typeDesc) String() string {
	if len(d.elems) == 0 {
		return d.id.String()
	}
	var buf strings.Builder
	buf.WriteString(d.id.String())
	buf.WriteByte('<')
	for i, e := range d.elems {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(e.String())
	}
	buf.WriteByte('>')
	return buf.String()
}

// codec reads and writes values of one Go type. enc and dec handle the
// non-null body; write and read add the null flag.
type codec struct {
	typ      reflect.Type
	desc     typeDesc
	nullable bool
	enc      func(w *Writer, v reflect.Value)
	dec      func(r *Reader, v reflect.Value) error
}

func (c *codec) write(w *Writer, v reflect.Value) {
	if c.nullable && v.IsNil() {
		w.WriteBool(true)
		return
	}
	w.WriteBool(false)
	c.enc(w, v)
}

func (c *codec) read(r *Reader, v reflect.Value) error {
	isNull, err := r.ReadBool()
	if err != nil {
		return err
	}
	if isNull {
		v.SetZero()
		return nil
	}
	return c.dec(r, v)
}

// Registry maps Go types to codecs. Resolution happens once per type and is
// cached. A registry is frozen once a database using it is initialized.
type Registry struct {
	mu      sync.Mutex
	frozen  bool
	byType  map[reflect.Type]*codec
	ext     map[reflect.Type]*codec
	extByID map[TypeID]*codec
}

func NewRegistry() *Registry {
	return &Registry{
		byType:  make(map[reflect.Type]*codec),
		ext:     make(map[reflect.Type]*codec),
		extByID: make(map[TypeID]*codec),
	}
}

// RegisterType adds a codec for T under a stable id ≥ MinExtensionTypeID.
// The id is persisted in table headers, so it must never change once data
// has been written.
func RegisterType[T any](reg *Registry, id TypeID, write func(w *Writer, v T), read func(r *Reader) (T, error)) error {
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Interface {
		return unsupportedTypef("cannot register interface type %v", typ)
	}
	if id < MinExtensionTypeID {
		return fmt.Errorf("%w: %d for %v", ErrReservedTypeID, id, typ)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.frozen {
		return fmt.Errorf("%w: %v", ErrRegistryFrozen, typ)
	}
	if prev := reg.extByID[id]; prev != nil {
		return fmt.Errorf("%w: %d already used by %v", ErrTypeIDTaken, id, prev.typ)
	}
	if prev := reg.ext[typ]; prev != nil {
		return fmt.Errorf("%w: %v already registered as %d", ErrTypeIDTaken, typ, prev.desc.id)
	}
	if _, found := reg.byType[typ]; found {
		return fmt.Errorf("%w: %v already resolved as a built-in type", ErrTypeIDTaken, typ)
	}

	kind := typ.Kind()
	c := &codec{
		typ:      typ,
		desc:     typeDesc{id: id},
		nullable: kind == reflect.Pointer || kind == reflect.Slice || kind == reflect.Map,
		enc: func(w *Writer, v reflect.Value) {
			write(w, v.Interface().(T))
		},
		dec: func(r *Reader, v reflect.Value) error {
			x, err := read(r)
			if err != nil {
				return err
			}
			v.Set(reflect.ValueOf(&x).Elem())
			return nil
		},
	}
	reg.ext[typ] = c
	reg.extByID[id] = c
	return nil
}

// MustRegisterType is RegisterType that panics on error, for use in package
// initialization.
func MustRegisterType[T any](reg *Registry, id TypeID, write func(w *Writer, v T), read func(r *Reader) (T, error)) {
	ensure(RegisterType(reg, id, write, read))
}

func (reg *Registry) freeze() {
	reg.mu.Lock()
	reg.frozen = true
	reg.mu.Unlock()
}

func (reg *Registry) codecOf(typ reflect.Type) (*codec, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.resolve(typ, nil)
}

func (reg *Registry) extensionByID(id TypeID) *codec {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.extByID[id]
}

func (reg *Registry) resolve(typ reflect.Type, visiting map[reflect.Type]bool) (*codec, error) {
	if c := reg.byType[typ]; c != nil {
		return c, nil
	}
	if c := reg.ext[typ]; c != nil {
		return c, nil
	}
	if visiting[typ] {
		return nil, unsupportedTypef("recursive type %v", typ)
	}
	if visiting == nil {
		visiting = make(map[reflect.Type]bool)
	}
	visiting[typ] = true
	defer delete(visiting, typ)

	c, err := reg.build(typ, visiting)
	if err != nil {
		return nil, err
	}
	reg.byType[typ] = c
	return c, nil
}

func (reg *Registry) build(typ reflect.Type, visiting map[reflect.Type]bool) (*codec, error) {
	if c := specialCodec(typ); c != nil {
		return c, nil
	}
	if typ.Implements(tupleType) && typ.Kind() == reflect.Struct {
		return reg.tupleCodec(typ, visiting)
	}

	switch typ.Kind() {
	case reflect.Pointer:
		if typ.Elem().Kind() == reflect.Pointer {
			return nil, unsupportedTypef("pointer to pointer %v", typ)
		}
		elem, err := reg.resolve(typ.Elem(), visiting)
		if err != nil {
			return nil, err
		}
		return pointerCodec(typ, elem), nil
	case reflect.Slice:
		if typ.Elem().Kind() == reflect.Uint8 {
			return bytesCodec(typ), nil
		}
		elem, err := reg.resolve(typ.Elem(), visiting)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", typ, err)
		}
		return sliceCodec(typ, elem), nil
	case reflect.Array:
		elem, err := reg.resolve(typ.Elem(), visiting)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", typ, err)
		}
		return arrayCodec(typ, elem), nil
	case reflect.Map:
		key, err := reg.resolve(typ.Key(), visiting)
		if err != nil {
			return nil, fmt.Errorf("%v key: %w", typ, err)
		}
		if et := typ.Elem(); et.Kind() == reflect.Struct && et.NumField() == 0 {
			return setCodec(typ, key), nil
		}
		elem, err := reg.resolve(typ.Elem(), visiting)
		if err != nil {
			return nil, fmt.Errorf("%v value: %w", typ, err)
		}
		return dictCodec(typ, key, elem), nil
	default:
		if c := scalarCodec(typ); c != nil {
			return c, nil
		}
		return nil, unsupportedTypef("%v", typ)
	}
}

// skip consumes one value (null flag included) laid out per d, without
// needing the Go type that produced it.
func (reg *Registry) skip(r *Reader, d typeDesc) error {
	isNull, err := r.ReadBool()
	if err != nil || isNull {
		return err
	}
	return reg.skipBody(r, d)
}

func (reg *Registry) skipBody(r *Reader, d typeDesc) error {
	if n := fixedSize(d.id); n > 0 {
		return r.Skip(n)
	}
	switch d.id {
	case TypeString, TypeBytes:
		_, err := r.ReadBytes()
		return err
	case TypeURI:
		if _, err := r.ReadBytes(); err != nil {
			return err
		}
		return r.Skip(1)
	case TypeList, TypeSet:
		n, err := r.ReadCount(1)
		if err != nil {
			return err
		}
		for range n {
			if err := reg.skip(r, d.elems[0]); err != nil {
				return err
			}
		}
		return nil
	case TypeDict:
		n, err := r.ReadCount(2)
		if err != nil {
			return err
		}
		for range n {
			if err := reg.skip(r, d.elems[0]); err != nil {
				return err
			}
			if err := reg.skip(r, d.elems[1]); err != nil {
				return err
			}
		}
		return nil
	case TypeTuple:
		for _, e := range d.elems {
			if err := reg.skip(r, e); err != nil {
				return err
			}
		}
		return nil
	}
	c := reg.extensionByID(d.id)
	if c == nil {
		return r.Errorf(ErrUnsupportedType, "cannot skip unregistered type %v", d)
	}
	return c.dec(r, reflect.New(c.typ).Elem())
}

// canSkip reports whether skip can handle d with the current registrations.
func (reg *Registry) canSkip(d typeDesc) bool {
	if d.id >= MinExtensionTypeID {
		return reg.extensionByID(d.id) != nil
	}
	for _, e := range d.elems {
		if !reg.canSkip(e) {
			return false
		}
	}
	_, known := typeNames[d.id]
	return known
}

func fixedSize(id TypeID) int {
	switch id {
	case TypeBool, TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64, TypeDateTime, TypeTimeSpan:
		return 8
	case TypeDateTimeOffset:
		return 10
	case TypeDecimal, TypeUUID:
		return 16
	default:
		return 0
	}
}
