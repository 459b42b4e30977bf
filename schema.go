package odb

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Schema is the set of tables and indexes a DB works with, plus the codec
// registry they are encoded with. Define everything before the first DB using
// the schema is initialized; the schema is sealed from then on.
type Schema struct {
	registry          *Registry
	tables            []*Table
	tablesByLowerName map[string]*Table
	tablesByRowType   map[reflect.Type]*Table

	mu     sync.Mutex
	sealed bool
}

type SchemaOpts struct {
	// Registry holds extension type codecs. A fresh registry is used if nil.
	Registry *Registry
}

func NewSchema(opt SchemaOpts) *Schema {
	scm := &Schema{registry: opt.Registry}
	scm.init()
	return scm
}

func (scm *Schema) init() {
	if scm.tablesByLowerName == nil {
		scm.tablesByLowerName = make(map[string]*Table)
		scm.tablesByRowType = make(map[reflect.Type]*Table)
	}
	if scm.registry == nil {
		scm.registry = NewRegistry()
	}
}

func (scm *Schema) Registry() *Registry {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	scm.init()
	return scm.registry
}

func (scm *Schema) Tables() []*Table {
	return append([]*Table(nil), scm.tables...)
}

func (scm *Schema) TableNamed(name string) *Table {
	return scm.tablesByLowerName[strings.ToLower(name)]
}

func (scm *Schema) TableByRowType(rt reflect.Type) *Table {
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	tbl := scm.tablesByRowType[rt]
	if tbl == nil {
		panic(fmt.Errorf("no table defined for row type %v", rt))
	}
	return tbl
}

func (scm *Schema) TableByRow(row any) *Table {
	rt := reflect.TypeOf(row)
	if rt.Kind() == reflect.Pointer && rt.Elem().Kind() == reflect.Struct {
		return scm.TableByRowType(rt.Elem())
	} else {
		panic(fmt.Errorf("expected pointer to a table row type, got %v", rt))
	}
}

// define runs f with the schema locked, failing if the schema is sealed.
func (scm *Schema) define(f func() error) error {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	if scm.sealed {
		return ErrInvalidMappingOrder
	}
	scm.init()
	return f()
}

func (scm *Schema) seal() {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	scm.init()
	scm.sealed = true
	scm.registry.freeze()
}

func (scm *Schema) addTable(tbl *Table) error {
	lower := strings.ToLower(tbl.name)
	if scm.tablesByLowerName[lower] != nil {
		return fmt.Errorf("duplicate table name %q", tbl.name)
	}
	if prev := scm.tablesByRowType[tbl.rowType]; prev != nil {
		return fmt.Errorf("%v is already mapped to table %s", tbl.rowType, prev.name)
	}
	tbl.schema = scm
	tbl.pos = len(scm.tables)
	scm.tables = append(scm.tables, tbl)
	scm.tablesByLowerName[lower] = tbl
	scm.tablesByRowType[tbl.rowType] = tbl
	return nil
}
