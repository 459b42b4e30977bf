package odb

import (
	"fmt"
	"reflect"
)

type (
	// Change describes one save or delete, passed to Tx.OnChange handlers.
	Change struct {
		table     *Table
		op        Op
		keyVal    reflect.Value
		rowVal    reflect.Value
		oldRowVal reflect.Value
	}

	Op int
)

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

func (chg *Change) Table() *Table {
	return chg.table
}
func (chg *Change) Op() Op {
	return chg.op
}
func (chg *Change) KeyVal() reflect.Value {
	return chg.keyVal
}
func (chg *Change) Key() any {
	return chg.keyVal.Interface()
}
func (chg *Change) HasRow() bool {
	return chg.rowVal.IsValid()
}
func (chg *Change) RowVal() reflect.Value {
	return chg.rowVal
}
func (chg *Change) Row() any {
	if !chg.rowVal.IsValid() {
		return nil
	}
	return chg.rowVal.Interface()
}

// HasOldRow reports whether the change replaced or deleted an existing row.
func (chg *Change) HasOldRow() bool {
	return chg.oldRowVal.IsValid()
}
func (chg *Change) OldRowVal() reflect.Value {
	return chg.oldRowVal
}
func (chg *Change) OldRow() any {
	if !chg.oldRowVal.IsValid() {
		return nil
	}
	return chg.oldRowVal.Interface()
}

func (chg *Change) String() string {
	return fmt.Sprintf("%v %s/%v", chg.op, chg.table.name, chg.Key())
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}
