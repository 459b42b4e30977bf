package odb

import (
	"fmt"
	"reflect"
	"strings"
)

// Index is an ordered secondary index over the rows of one table, keyed by
// a projection of the row. Entries with equal keys are kept in the order the
// rows were saved.
type Index[Row, K any] struct {
	table    *Table
	pos      int // index in table.indices, unstable across code changes
	name     string
	keyType  reflect.Type
	keyCodec *codec
	proj     func(row *Row) K
	cmp      func(a, b K) int
}

// indexDef is the type-erased view of an index used by table state code.
type indexDef interface {
	indexName() string
	indexPos() int
	keyDesc() typeDesc
	project(rowPtr reflect.Value) any
	newData() indexData
	formatKey(ikey any) string
}

// DeclareIndex adds an index named name to tbl. If cmp is nil, keys are
// ordered naturally (numbers by value, strings ordinally, tuples
// lexicographically); key types without a natural order need a comparer.
func DeclareIndex[Row, K any](tbl *Table, name string, proj func(row *Row) K, cmp func(a, b K) int) (*Index[Row, K], error) {
	if tbl == nil || tbl.schema == nil {
		return nil, fmt.Errorf("index %s: table is not defined", name)
	}
	if rt := reflect.TypeFor[Row](); rt != tbl.rowType {
		return nil, fmt.Errorf("index %s: table %s stores %v, not %v", name, tbl.name, tbl.rowType, rt)
	}
	if proj == nil {
		return nil, fmt.Errorf("index %s.%s: nil projection", tbl.name, name)
	}

	var idx *Index[Row, K]
	err := tbl.schema.define(func() error {
		if name == "" {
			return fmt.Errorf("empty index name")
		}
		lower := strings.ToLower(name)
		if tbl.indicesByName[lower] != nil {
			return fmt.Errorf("duplicate index name %q", name)
		}

		keyType := reflect.TypeFor[K]()
		kc, err := tbl.schema.registry.codecOf(keyType)
		if err != nil {
			return fmt.Errorf("key: %w", err)
		}
		if cmp == nil {
			rc := naturalComparer(keyType)
			if rc == nil {
				return unsupportedTypef("%v has no natural order, pass a comparer", keyType)
			}
			cmp = typedComparer[K](rc)
		}

		idx = &Index[Row, K]{
			table:    tbl,
			pos:      len(tbl.indices),
			name:     name,
			keyType:  keyType,
			keyCodec: kc,
			proj:     proj,
			cmp:      cmp,
		}
		tbl.indices = append(tbl.indices, idx)
		tbl.indicesByName[lower] = idx
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index %s.%s: %w", tbl.name, name, err)
	}
	return idx, nil
}

func MustDeclareIndex[Row, K any](tbl *Table, name string, proj func(row *Row) K, cmp func(a, b K) int) *Index[Row, K] {
	return must(DeclareIndex(tbl, name, proj, cmp))
}

func (idx *Index[Row, K]) Table() *Table {
	return idx.table
}

func (idx *Index[Row, K]) ShortName() string {
	return idx.name
}

func (idx *Index[Row, K]) FullName() string {
	return idx.table.name + "." + idx.name
}

func (idx *Index[Row, K]) indexName() string {
	return idx.name
}

func (idx *Index[Row, K]) indexPos() int {
	return idx.pos
}

func (idx *Index[Row, K]) keyDesc() typeDesc {
	return idx.keyCodec.desc
}

func (idx *Index[Row, K]) project(rowPtr reflect.Value) any {
	return idx.proj(rowPtr.Interface().(*Row))
}

func (idx *Index[Row, K]) newData() indexData {
	return newIndexEntries(idx)
}

func (idx *Index[Row, K]) formatKey(ikey any) string {
	return fmt.Sprintf("%v", ikey)
}
