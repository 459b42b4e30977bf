package odb

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

type (
	personV1 struct {
		ID   int64
		Name string
		Age  int
		Nick string
	}
	personV2 struct {
		ID    int64
		Name  string
		Nick  string
		Email string
	}
	personStrKey struct {
		ID   string
		Name string
	}
	personKeyTagged struct {
		Name string
		Code int32 `odb:"code,key"`
		Nick string
	}
)

func openPeople[Row any](t *testing.T, storage Storage) (*DB, *Table) {
	t.Helper()
	scm := NewSchema(SchemaOpts{})
	tbl := MustDefineTable[Row](scm, "people", nil)
	return setupWith(t, scm, Options{Storage: storage}), tbl
}

func memberIDs(db *DB, tbl *Table) map[string]int16 {
	ids := make(map[string]int16)
	for _, m := range db.tableState(tbl).desc.members {
		if !m.isOrphan() {
			ids[m.name] = m.id
		}
	}
	return ids
}

func TestSchemaEvolution(t *testing.T) {
	storage := NewMemStorage()

	db, _ := openPeople[personV1](t, storage)
	write(t, db, func(tx *Tx) {
		Save(tx, &personV1{ID: 1, Name: "Alice", Age: 30, Nick: "al"}, &personV1{ID: 2, Name: "Bob", Age: 40, Nick: "bobby"})
	})
	ensure(db.Close())

	// Age removed, Email added
	db, tbl := openPeople[personV2](t, storage)
	read(t, db, func(tx *Tx) {
		deepEqual(t, Get[personV2](tx, 1), &personV2{ID: 1, Name: "Alice", Nick: "al"})
		info := tx.TableInfo(tbl)
		deepEqual(t, info.Members, 4)
		deepEqual(t, info.Orphans, 1)
	})
	deepEqual(t, memberIDs(db, tbl), map[string]int16{"Name": 0, "Nick": 2, "Email": 3})
	write(t, db, func(tx *Tx) {
		Save(tx, &personV2{ID: 3, Name: "Carol", Nick: "cc", Email: "carol@example.com"})
	})
	ensure(db.Close())

	// back to the old layout: the orphaned member comes back with its data
	db, tbl = openPeople[personV1](t, storage)
	read(t, db, func(tx *Tx) {
		deepEqual(t, Get[personV1](tx, 1), &personV1{ID: 1, Name: "Alice", Age: 30, Nick: "al"})
		deepEqual(t, Get[personV1](tx, 3), &personV1{ID: 3, Name: "Carol", Nick: "cc"})
		deepEqual(t, tx.TableInfo(tbl).Orphans, 1)
	})
	deepEqual(t, memberIDs(db, tbl), map[string]int16{"Name": 0, "Age": 1, "Nick": 2})
	ensure(db.Close())

	// compaction forgets removed members for good
	db, tbl = openPeople[personV2](t, storage)
	write(t, db, func(tx *Tx) {
		tx.Compact(tbl)
	})
	read(t, db, func(tx *Tx) {
		deepEqual(t, tx.TableInfo(tbl).Orphans, 0)
		deepEqual(t, Get[personV2](tx, 3).Email, "carol@example.com")
	})
	ensure(db.Close())

	db, tbl = openPeople[personV1](t, storage)
	read(t, db, func(tx *Tx) {
		deepEqual(t, Get[personV1](tx, 1), &personV1{ID: 1, Name: "Alice", Nick: "al"})
	})
	deepEqual(t, memberIDs(db, tbl), map[string]int16{"Name": 0, "Age": 4, "Nick": 2})
}

func TestSchemaEvolution_CompactionKeepsIDsReserved(t *testing.T) {
	type withExtra struct {
		ID    int64
		Name  string
		Extra string
	}
	type plain struct {
		ID   int64
		Name string
	}
	type withScore struct {
		ID    int64
		Name  string
		Score int32
	}

	storage := NewMemStorage()
	db, tbl := openPeople[withExtra](t, storage)
	write(t, db, func(tx *Tx) {
		Save(tx, &withExtra{ID: 1, Name: "Alice", Extra: "x"})
	})
	deepEqual(t, memberIDs(db, tbl), map[string]int16{"Name": 0, "Extra": 1})
	ensure(db.Close())

	// the top id becomes an orphan and is then compacted away
	db, tbl = openPeople[plain](t, storage)
	write(t, db, func(tx *Tx) {
		tx.Compact(tbl)
	})
	read(t, db, func(tx *Tx) {
		deepEqual(t, tx.TableInfo(tbl).Orphans, 0)
	})
	ensure(db.Close())

	db, tbl = openPeople[withScore](t, storage)
	deepEqual(t, memberIDs(db, tbl), map[string]int16{"Name": 0, "Score": 2})
	write(t, db, func(tx *Tx) {
		Save(tx, &withScore{ID: 2, Name: "Bob", Score: 5})
	})
	read(t, db, func(tx *Tx) {
		deepEqual(t, Get[withScore](tx, 1), &withScore{ID: 1, Name: "Alice"})
		deepEqual(t, Get[withScore](tx, 2).Score, 5)
	})
	ensure(db.Close())

	// the old layout must not read Score as Extra
	db, tbl = openPeople[withExtra](t, storage)
	deepEqual(t, memberIDs(db, tbl), map[string]int16{"Name": 0, "Extra": 3})
	read(t, db, func(tx *Tx) {
		deepEqual(t, Get[withExtra](tx, 2), &withExtra{ID: 2, Name: "Bob"})
	})
}

func TestSchemaEvolution_IncompatibleKey(t *testing.T) {
	storage := NewMemStorage()
	db, _ := openPeople[personV1](t, storage)
	write(t, db, func(tx *Tx) {
		Save(tx, &personV1{ID: 1, Name: "Alice"})
	})
	ensure(db.Close())

	snapshot := func() []byte {
		scm := must(storage.OpenSchema("db", ""))
		return must(must(scm.Table("people")).ReadKeys())
	}
	before := snapshot()

	scm := NewSchema(SchemaOpts{})
	MustDefineTable[personStrKey](scm, "people", nil)
	_, err := Open("db", scm, Options{Storage: storage})
	if !errors.Is(err, ErrIncompatibleKey) {
		t.Fatalf("Open = %v, wanted ErrIncompatibleKey", err)
	}
	if !bytes.Equal(snapshot(), before) {
		t.Errorf("** failed open modified the table")
	}

	db, _ = openPeople[personV1](t, storage)
	read(t, db, func(tx *Tx) {
		deepEqual(t, Get[personV1](tx, 1).Name, "Alice")
	})
}

func TestSchemaEvolution_UnknownOrphanType(t *testing.T) {
	type shape struct {
		ID  int
		Pos point
	}
	type shapeV2 struct {
		ID int
	}

	storage := NewMemStorage()
	reg := NewRegistry()
	registerPoint(reg)
	scm := NewSchema(SchemaOpts{Registry: reg})
	MustDefineTable[shape](scm, "shapes", nil)
	db := setupWith(t, scm, Options{Storage: storage})
	write(t, db, func(tx *Tx) {
		Save(tx, &shape{ID: 1, Pos: point{3, 4}})
	})
	ensure(db.Close())

	// the removed member cannot be skipped without its codec
	scm = NewSchema(SchemaOpts{})
	MustDefineTable[shapeV2](scm, "shapes", nil)
	_, err := Open("db", scm, Options{Storage: storage})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("Open = %v, wanted ErrUnsupportedType", err)
	}

	reg = NewRegistry()
	registerPoint(reg)
	scm = NewSchema(SchemaOpts{Registry: reg})
	MustDefineTable[shapeV2](scm, "shapes", nil)
	db = setupWith(t, scm, Options{Storage: storage})
	read(t, db, func(tx *Tx) {
		deepEqual(t, Get[shapeV2](tx, 1), &shapeV2{ID: 1})
	})
}

func TestDescriptor_HashIsStructural(t *testing.T) {
	type a struct {
		ID   int64
		Name string
		Tags []string
	}
	type b struct {
		Key  int64
		Name string
		Tags []string
	}
	type c struct {
		ID   int64
		Tags []string
		Name string
	}
	type d struct {
		ID   int32
		Name string
		Tags []string
	}

	desc := func(rt reflect.Type) *descriptor {
		tbl := must(newTable(NewRegistry(), "x", rt))
		return tbl.desc
	}
	da := desc(reflect.TypeFor[a]())
	db := desc(reflect.TypeFor[b]())
	dc := desc(reflect.TypeFor[c]())
	dd := desc(reflect.TypeFor[d]())

	deepEqual(t, da.hash, db.hash)
	deepEqual(t, da.blob, db.blob)
	deepEqual(t, da.hash == dc.hash, false)
	deepEqual(t, da.hash == dd.hash, false)

	// rebuilding from the persisted blob gives the same layout
	back := must(decodeDescriptor(da.blob))
	deepEqual(t, back.hash, da.hash)
	deepEqual(t, len(back.orphans()), 2)
}

func TestDescriptor_Upgrade(t *testing.T) {
	live := must(newTable(NewRegistry(), "x", reflect.TypeFor[personV2]())).desc
	old := must(newTable(NewRegistry(), "x", reflect.TypeFor[personV1]())).desc

	up := must(live.upgrade(must(decodeDescriptor(old.blob)), 0))
	deepEqual(t, up.memberNamed("Name").id, 0)
	deepEqual(t, up.memberNamed("Nick").id, 2)
	deepEqual(t, up.memberNamed("Email").id, 3)
	orphans := up.orphans()
	deepEqual(t, len(orphans), 1)
	deepEqual(t, orphans[0].name, "Age")
	deepEqual(t, orphans[0].id, 1)

	// a record written with the old layout decodes with the new one
	reg := NewRegistry()
	var w Writer
	old.encodeRecord(&w, reflect.ValueOf(personV1{Name: "Alice", Age: 30, Nick: "al"}), nil)
	ensure(w.Err())
	var p personV2
	r := makeReader(w.Buf)
	ensure(up.decodeRecord(&r, reflect.ValueOf(&p).Elem(), reg))
	deepEqual(t, p, personV2{Name: "Alice", Nick: "al"})
	deepEqual(t, r.Remaining(), 0)

	// a member whose type changed is a new member
	type changed struct {
		ID   int64
		Name string
		Age  string
	}
	up = must(must(newTable(NewRegistry(), "x", reflect.TypeFor[changed]())).desc.upgrade(old, 0))
	deepEqual(t, up.memberNamed("Age").id, 3)

	// ids at or above the reserved floor only
	up = must(live.upgrade(must(decodeDescriptor(old.blob)), 7))
	deepEqual(t, up.memberNamed("Email").id, 7)
	deepEqual(t, up.memberNamed("Nick").id, 2)

	strKey := must(newTable(NewRegistry(), "x", reflect.TypeFor[personStrKey]())).desc
	if _, err := strKey.upgrade(old, 0); !errors.Is(err, ErrIncompatibleKey) {
		t.Errorf("** upgrade across key types = %v, wanted ErrIncompatibleKey", err)
	}
}

func TestDescriptor_UnknownMemberID(t *testing.T) {
	desc := must(newTable(NewRegistry(), "x", reflect.TypeFor[personV1]())).desc
	var w Writer
	w.WriteInt16(42)
	w.WriteInt16(endOfRecord)
	var p personV1
	r := makeReader(w.Buf)
	err := desc.decodeRecord(&r, reflect.ValueOf(&p).Elem(), NewRegistry())
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("decodeRecord = %v, wanted a DataError", err)
	}
}

func TestTable_KeyTag(t *testing.T) {
	tbl := must(newTable(NewRegistry(), "x", reflect.TypeFor[personKeyTagged]()))
	deepEqual(t, tbl.keyField, 1)
	deepEqual(t, tbl.KeyType(), reflect.TypeFor[int32]())
	deepEqual(t, tbl.MemberNames(), []string{"Name", "Nick"})

	storage := NewMemStorage()
	scm := NewSchema(SchemaOpts{})
	MustDefineTable(scm, "tagged", func(b *TableBuilder[personKeyTagged]) { b.AutoKey() })
	db := setupWith(t, scm, Options{Storage: storage})
	p := &personKeyTagged{Name: "x"}
	write(t, db, func(tx *Tx) {
		Save(tx, p)
	})
	deepEqual(t, p.Code, 1)
	read(t, db, func(tx *Tx) {
		deepEqual(t, Get[personKeyTagged](tx, 1), p)
	})
}

func TestTable_Intercept(t *testing.T) {
	scm := NewSchema(SchemaOpts{})
	MustDefineTable(scm, "people", func(b *TableBuilder[personV1]) {
		b.Intercept(func(p *personV1, member string) bool {
			return member != "Nick" || p.Age >= 18
		})
		b.SuppressContentWhenLogging()
	})
	db := setupWith(t, scm, Options{Storage: NewMemStorage(), Verbose: true})
	write(t, db, func(tx *Tx) {
		Save(tx, &personV1{ID: 1, Name: "kid", Age: 10, Nick: "secret"})
		Save(tx, &personV1{ID: 2, Name: "adult", Age: 30, Nick: "shown"})
	})
	read(t, db, func(tx *Tx) {
		deepEqual(t, Get[personV1](tx, 1).Nick, "")
		deepEqual(t, Get[personV1](tx, 2).Nick, "shown")
		deepEqual(t, loggableRowVal(scm.TableNamed("PEOPLE"), reflect.ValueOf(&personV1{})), "<suppressed>")
	})
}
