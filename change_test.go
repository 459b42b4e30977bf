package odb

import "testing"

func TestOp_String(t *testing.T) {
	deepEqual(t, OpPut.String(), "put")
	deepEqual(t, OpDelete.String(), "delete")
	deepEqual(t, OpNone.String(), "none")
	deepEqual(t, Op(9).String(), "invalid op 9")
}

func TestChange_Accessors(t *testing.T) {
	db := setupMem(t, basicSchema)
	var changes []*Change
	write(t, db, func(tx *Tx) {
		tx.OnChange(func(chg *Change) {
			changes = append(changes, chg)
		})
		Save(tx, &User{ID: 7, Email: "x@example.com"})
	})
	deepEqual(t, len(changes), 1)
	chg := changes[0]
	deepEqual(t, chg.Table(), usersTable)
	deepEqual(t, chg.Op(), OpPut)
	deepEqual(t, chg.Key(), any(int64(7)))
	deepEqual(t, chg.HasOldRow(), false)
	deepEqual(t, chg.OldRow(), nil)
	deepEqual(t, chg.Row().(*User).Email, "x@example.com")
}
