package odb

import (
	"encoding/json"
	"reflect"
)

type TableInfo struct {
	Name    string
	Records int

	// DataSize is the length of the data region, Garbage the part of it
	// taken by replaced and deleted records.
	DataSize int64
	Garbage  int64

	IndexSize int64
	Indices   []IndexInfo

	Generation   uint64
	Members      int
	Orphans      int
	SchemaHash   uint32
	LastSequence uint64
}

type IndexInfo struct {
	Name    string
	Ordinal uint64
	Entries int
	Size    int64
}

func (ti *TableInfo) TotalSize() int64 {
	return ti.DataSize + ti.IndexSize
}

// GarbageRatio is the share of the data region that Compact would reclaim.
func (ti *TableInfo) GarbageRatio() float64 {
	if ti.DataSize == 0 {
		return 0
	}
	return float64(ti.Garbage) / float64(ti.DataSize)
}

func (tx *Tx) TableInfo(tbl *Table) TableInfo {
	return tx.reader(tbl).info()
}

func loggableRowVal(tbl *Table, rowVal reflect.Value) string {
	if !rowVal.IsValid() {
		return "<none>"
	}
	if tbl.suppressContent {
		return "<suppressed>"
	}
	raw, err := json.Marshal(rowVal.Interface())
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(raw)
}
