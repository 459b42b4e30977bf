package odb

import (
	"reflect"
)

// Save stores rows, replacing rows with the same keys. All rows must belong
// to the same table. Tables with generated keys assign them to rows whose
// key is zero.
func Save[Row any](txh Txish, rows ...*Row) {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx)
	for _, row := range rows {
		tx.PutVal(tbl, tbl.rowPtrVal(row))
	}
}

// Put saves a row of whatever table its type is mapped to.
func Put(txh Txish, row any) {
	tx := txh.DBTx()
	tbl := tx.Schema().TableByRow(row)
	tx.PutVal(tbl, tbl.rowPtrVal(row))
}

func (tx *Tx) Put(tbl *Table, row any) {
	tx.PutVal(tbl, tbl.rowPtrVal(row))
}

func (tx *Tx) PutVal(tbl *Table, rowPtr reflect.Value) {
	ts := tx.writer(tbl)
	old, rec, err := ts.put(rowPtr)
	if err != nil {
		panic(err)
	}
	tx.markModified(ts, false)
	tx.saves++

	if tx.isVerboseLoggingEnabled() {
		tx.db.logger.Debug("db: SAVE", "table", tbl.name, "key", rec.key, "replaced", old != nil, "size", rec.size, "row", loggableRowVal(tbl, rowPtr))
	}
	if tx.changeHandler != nil {
		chg := &Change{
			table:  tbl,
			op:     OpPut,
			keyVal: reflect.ValueOf(rec.key),
			rowVal: rowPtr,
		}
		if old != nil {
			chg.oldRowVal = ts.oldRowVal(old)
		}
		tx.changeHandler(chg)
	}
}

// oldRowVal decodes a record that has just been replaced or deleted. Its
// envelope stays readable until the next commit or compaction.
func (ts *tableState) oldRowVal(rec *record) reflect.Value {
	rowPtr, err := ts.decodeRow(rec)
	if err != nil {
		ts.db.logger.Warn("db: cannot decode old row", "table", ts.table.name, "key", rec.key, "err", err)
		return reflect.Value{}
	}
	return rowPtr
}
