package odb

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/google/uuid"
)

// Table describes how rows of one struct type are stored. The key is the
// first struct field unless another field is tagged `odb:",key"`.
type Table struct {
	schema        *Schema
	name          string
	pos           int // index in schema.tables, unstable across code changes
	rowType       reflect.Type
	rowPtrType    reflect.Type
	keyField      int
	keyType       reflect.Type
	keyCodec      *codec
	keyCmp        func(a, b reflect.Value) int
	desc          *descriptor
	indices       []indexDef
	indicesByName map[string]indexDef
	interceptors  []func(rowPtr reflect.Value, member string) bool
	autoKey       bool

	suppressContent bool
}

type TableBuilder[Row any] struct {
	tbl *Table
	err error
}

// AutoKey makes Save assign a key to rows whose key is zero: the largest
// existing key plus one for integers, a random UUID for uuid.UUID.
func (b *TableBuilder[Row]) AutoKey() {
	if !canAutoKey(b.tbl.keyType) {
		b.fail(unsupportedTypef("cannot generate keys of type %v", b.tbl.keyType))
		return
	}
	b.tbl.autoKey = true
}

// Intercept adds a predicate consulted before each member is written.
// Predicates run in the order they were added; the first one returning false
// excludes the member from the record.
func (b *TableBuilder[Row]) Intercept(f func(row *Row, member string) bool) {
	b.tbl.interceptors = append(b.tbl.interceptors, func(rowPtr reflect.Value, member string) bool {
		return f(rowPtr.Interface().(*Row), member)
	})
}

// SuppressContentWhenLogging keeps row contents out of verbose logs.
func (b *TableBuilder[Row]) SuppressContentWhenLogging() {
	b.tbl.suppressContent = true
}

func (b *TableBuilder[Row]) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// DefineTable maps Row to a table named name. Every member and the key must
// have a codec; unsupported types fail here rather than on first write.
func DefineTable[Row any](scm *Schema, name string, build func(b *TableBuilder[Row])) (*Table, error) {
	var tbl *Table
	err := scm.define(func() error {
		var err error
		tbl, err = newTable(scm.registry, name, reflect.TypeFor[Row]())
		if err != nil {
			return err
		}
		if build != nil {
			b := &TableBuilder[Row]{tbl: tbl}
			build(b)
			if b.err != nil {
				return b.err
			}
		}
		return scm.addTable(tbl)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return tbl, nil
}

// MustDefineTable is DefineTable that panics on error, for package-level
// schema declarations.
func MustDefineTable[Row any](scm *Schema, name string, build func(b *TableBuilder[Row])) *Table {
	return must(DefineTable(scm, name, build))
}

func newTable(reg *Registry, name string, rowType reflect.Type) (*Table, error) {
	if rowType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("row type %v must be a struct", rowType)
	}
	if rowType.NumField() == 0 {
		return nil, fmt.Errorf("%v is an empty struct", rowType)
	}
	if name == "" {
		return nil, fmt.Errorf("empty table name")
	}

	keyField := 0
	for i := range rowType.NumField() {
		if tag, ok := rowType.Field(i).Tag.Lookup("odb"); ok {
			_, opts, _ := strings.Cut(tag, ",")
			if opts == "key" {
				keyField = i
				break
			}
		}
	}
	kf := rowType.Field(keyField)
	if !kf.IsExported() {
		return nil, fmt.Errorf("key field %v.%s must be exported", rowType, kf.Name)
	}

	keyCodec, err := reg.codecOf(kf.Type)
	if err != nil {
		return nil, fmt.Errorf("key %v.%s: %w", rowType, kf.Name, err)
	}
	keyCmp := naturalComparer(kf.Type)
	if keyCmp == nil {
		return nil, unsupportedTypef("key %v.%s of type %v has no natural order", rowType, kf.Name, kf.Type)
	}

	desc, err := buildDescriptor(reg, rowType, keyField, keyCodec.desc)
	if err != nil {
		return nil, err
	}

	return &Table{
		name:          name,
		rowType:       rowType,
		rowPtrType:    reflect.PointerTo(rowType),
		keyField:      keyField,
		keyType:       kf.Type,
		keyCodec:      keyCodec,
		keyCmp:        keyCmp,
		desc:          desc,
		indicesByName: make(map[string]indexDef),
	}, nil
}

func (tbl *Table) Name() string {
	return tbl.name
}

func (tbl *Table) KeyType() reflect.Type {
	return tbl.keyType
}

func (tbl *Table) RowType() reflect.Type {
	return tbl.rowType
}

// MemberNames lists the persisted member names in id order.
func (tbl *Table) MemberNames() []string {
	names := make([]string, 0, len(tbl.desc.members))
	for _, m := range tbl.desc.members {
		names = append(names, m.name)
	}
	return names
}

func (tbl *Table) IndexNames() []string {
	names := make([]string, 0, len(tbl.indices))
	for _, idx := range tbl.indices {
		names = append(names, idx.indexName())
	}
	return names
}

func (tbl *Table) newRow() reflect.Value {
	return reflect.New(tbl.rowType)
}

func (tbl *Table) rowKeyVal(rowPtr reflect.Value) reflect.Value {
	return rowPtr.Elem().Field(tbl.keyField)
}

func (tbl *Table) RowKey(row any) any {
	return tbl.rowKeyVal(tbl.rowPtrVal(row)).Interface()
}

func (tbl *Table) rowPtrVal(row any) reflect.Value {
	v := reflect.ValueOf(row)
	if v.Type() != tbl.rowPtrType {
		panic(fmt.Errorf("%s: expected %v, got %T", tbl.name, tbl.rowPtrType, row))
	}
	if v.IsNil() {
		panic(fmt.Errorf("%s: nil row", tbl.name))
	}
	return v
}

func (tbl *Table) keyVal(key any) reflect.Value {
	kv := reflect.ValueOf(key)
	if !kv.IsValid() {
		return reflect.Zero(tbl.keyType)
	}
	if kv.Type() != tbl.keyType {
		if sameKindClass(kv.Kind(), tbl.keyType.Kind()) && kv.CanConvert(tbl.keyType) {
			if !fitsInteger(kv, tbl.keyType) {
				panic(fmt.Errorf("%s: key %v does not fit into %v", tbl.name, key, tbl.keyType))
			}
			return kv.Convert(tbl.keyType)
		}
		panic(fmt.Errorf("%s: key must be %v, got %T %v", tbl.name, tbl.keyType, key, key))
	}
	return kv
}

func (tbl *Table) allowMember(rowPtr reflect.Value) func(name string) bool {
	if len(tbl.interceptors) == 0 {
		return nil
	}
	return func(name string) bool {
		for _, f := range tbl.interceptors {
			if !f(rowPtr, name) {
				return false
			}
		}
		return true
	}
}

// sameKindClass allows untyped constants and named types as keys without
// letting reflection turn an int into a one-rune string.
func sameKindClass(a, b reflect.Kind) bool {
	return a == b || (isIntegerKind(a) && isIntegerKind(b))
}

func isIntegerKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

// fitsInteger reports whether an integer converts to typ without wrapping.
// Non-integers always fit.
func fitsInteger(kv reflect.Value, typ reflect.Type) bool {
	if !isIntegerKind(kv.Kind()) {
		return true
	}
	zero := reflect.Zero(typ)
	if kv.CanInt() {
		x := kv.Int()
		if zero.CanUint() {
			return x >= 0 && !zero.OverflowUint(uint64(x))
		}
		return !zero.OverflowInt(x)
	}
	x := kv.Uint()
	if zero.CanInt() {
		return x <= math.MaxInt64 && !zero.OverflowInt(int64(x))
	}
	return !zero.OverflowUint(x)
}

func canAutoKey(typ reflect.Type) bool {
	return typ == uuidType || isIntegerKind(typ.Kind())
}

// nextKey generates a key following last, which is invalid for an empty table.
func (tbl *Table) nextKey(last reflect.Value) (reflect.Value, error) {
	k := reflect.New(tbl.keyType).Elem()
	if tbl.keyType == uuidType {
		k.Set(reflect.ValueOf(uuid.New()))
		return k, nil
	}
	switch tbl.keyType.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		next := int64(1)
		if last.IsValid() && last.Int() >= 1 {
			next = last.Int() + 1
		}
		if k.OverflowInt(next) {
			return k, fmt.Errorf("%s: key space exhausted", tbl.name)
		}
		k.SetInt(next)
	default:
		next := uint64(1)
		if last.IsValid() {
			next = last.Uint() + 1
		}
		if next == 0 || k.OverflowUint(next) {
			return k, fmt.Errorf("%s: key space exhausted", tbl.name)
		}
		k.SetUint(next)
	}
	return k, nil
}
