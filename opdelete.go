package odb

import (
	"reflect"
)

// Delete removes row by its key. It reports false if there was no such row;
// deleting twice is not an error.
func Delete[Row any](txh Txish, row *Row) bool {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx)
	return tx.DeleteByKeyVal(tbl, tbl.rowKeyVal(tbl.rowPtrVal(row)))
}

func DeleteByKey[Row any](txh Txish, key any) bool {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx)
	return tx.DeleteByKey(tbl, key)
}

// DeleteAll removes the rows matched by a query and returns their number.
func DeleteAll[Row, K any](q Query[Row, K]) int {
	tbl := q.idx.table
	keys := q.PrimaryKeys()
	var count int
	for _, key := range keys {
		if q.tx.DeleteByKeyVal(tbl, reflect.ValueOf(key)) {
			count++
		}
	}
	return count
}

func (tx *Tx) DeleteByKey(tbl *Table, key any) bool {
	return tx.DeleteByKeyVal(tbl, tbl.keyVal(key))
}

func (tx *Tx) DeleteByKeyVal(tbl *Table, keyVal reflect.Value) bool {
	ts := tx.writer(tbl)
	old := ts.delete(keyVal)
	if old == nil {
		if tx.isVerboseLoggingEnabled() {
			tx.db.logger.Debug("db: DELETE.NOOP", "table", tbl.name, "key", keyVal.Interface())
		}
		return false
	}
	tx.markModified(ts, false)
	tx.deletes++

	if tx.isVerboseLoggingEnabled() {
		tx.db.logger.Debug("db: DELETE", "table", tbl.name, "key", old.key)
	}
	if tx.changeHandler != nil {
		tx.changeHandler(&Change{
			table:     tbl,
			op:        OpDelete,
			keyVal:    reflect.ValueOf(old.key),
			oldRowVal: ts.oldRowVal(old),
		})
	}
	return true
}
