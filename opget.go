package odb

import (
	"reflect"
)

// LoadByKey returns a freshly decoded row with the given key, or nil.
func LoadByKey[Row any](txh Txish, key any) *Row {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx)
	rowPtr := tx.GetByKeyVal(tbl, tbl.keyVal(key))
	if !rowPtr.IsValid() {
		return nil
	}
	return rowPtr.Interface().(*Row)
}

// Get is LoadByKey, named the way callers of key-value stores expect.
func Get[Row any](txh Txish, key any) *Row {
	return LoadByKey[Row](txh, key)
}

// Reload returns the stored version of row, or nil if it has been deleted.
func Reload[Row any](txh Txish, row *Row) *Row {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx)
	rowPtr := tx.GetByKeyVal(tbl, tbl.rowKeyVal(tbl.rowPtrVal(row)))
	if !rowPtr.IsValid() {
		return nil
	}
	return rowPtr.Interface().(*Row)
}

// LoadAll returns every row in primary key order.
func LoadAll[Row any](txh Txish) []*Row {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx)
	ts := tx.reader(tbl)
	result := make([]*Row, 0, ts.primary.Len())
	for n := ts.primary.First(); n != nil; n = n.Next() {
		result = append(result, ts.mustDecodeRow(n.value).Interface().(*Row))
	}
	if tx.isVerboseLoggingEnabled() {
		tx.db.logger.Debug("db: LOADALL", "table", tbl.name, "rows", len(result))
	}
	return result
}

// AllKeys returns every primary key in order.
func AllKeys[Key any](txh Txish, tbl *Table) []Key {
	tx := txh.DBTx()
	ts := tx.reader(tbl)
	result := make([]Key, 0, ts.primary.Len())
	for n := ts.primary.First(); n != nil; n = n.Next() {
		result = append(result, n.key.(Key))
	}
	return result
}

func Exists[Row any](txh Txish, key any) bool {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx)
	return tx.Exists(tbl, key)
}

func Count[Row any](txh Txish) int {
	tx := txh.DBTx()
	return tx.Count(tableOf[Row](tx))
}

func (tx *Tx) Count(tbl *Table) int {
	return tx.reader(tbl).primary.Len()
}

func (tx *Tx) Get(tbl *Table, key any) any {
	rowPtr := tx.GetByKeyVal(tbl, tbl.keyVal(key))
	if !rowPtr.IsValid() {
		return nil
	}
	return rowPtr.Interface()
}

func (tx *Tx) GetByKeyVal(tbl *Table, keyVal reflect.Value) reflect.Value {
	ts := tx.reader(tbl)
	rec := ts.lookup(keyVal)
	if rec == nil {
		if tx.isVerboseLoggingEnabled() {
			tx.db.logger.Debug("db: GET.NOTFOUND", "table", tbl.name, "key", keyVal.Interface())
		}
		return reflect.Value{}
	}
	rowPtr := ts.mustDecodeRow(rec)
	if tx.isVerboseLoggingEnabled() {
		tx.db.logger.Debug("db: GET", "table", tbl.name, "key", rec.key, "row", loggableRowVal(tbl, rowPtr))
	}
	return rowPtr
}

func (tx *Tx) Exists(tbl *Table, key any) bool {
	found := tx.reader(tbl).lookup(tbl.keyVal(key)) != nil
	if tx.isVerboseLoggingEnabled() {
		tx.db.logger.Debug("db: EXISTS", "table", tbl.name, "key", key, "found", found)
	}
	return found
}
