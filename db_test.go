package odb

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
)

type (
	User struct {
		ID    int64
		Email string
		Name  string
		Tags  []string
	}

	Post struct {
		ID      uuid.UUID
		Author  int64
		Title   string
		Posted  time.Time
		Content string `odb:"body"`
		Draft   bool   `odb:"-"`
	}

	Word struct {
		ID   int64
		Text string
	}
)

var (
	basicSchema  = NewSchema(SchemaOpts{})
	usersTable   = MustDefineTable(basicSchema, "users", func(b *TableBuilder[User]) { b.AutoKey() })
	usersByEmail = MustDeclareIndex(usersTable, "email", func(u *User) string { return u.Email }, nil)
	usersByName  = MustDeclareIndex(usersTable, "name", func(u *User) string { return u.Name }, CultureCompareIgnoreCase(language.English))
	postsTable   = MustDefineTable(basicSchema, "posts", func(b *TableBuilder[Post]) { b.AutoKey() })
	postsByTime  = MustDeclareIndex(postsTable, "author_time", func(p *Post) Tuple2[int64, time.Time] { return Tup2(p.Author, p.Posted) }, nil)

	wordsSchema      = NewSchema(SchemaOpts{})
	wordsTable       = MustDefineTable(wordsSchema, "words", func(b *TableBuilder[Word]) { b.AutoKey() })
	wordsSensitive   = MustDeclareIndex(wordsTable, "text", func(w *Word) string { return w.Text }, CultureCompare(language.English))
	wordsInsensitive = MustDeclareIndex(wordsTable, "text_ci", func(w *Word) string { return w.Text }, CultureCompareIgnoreCase(language.English))
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func TestDB(t *testing.T) {
	u1 := &User{Email: "foo@example.com", Name: "foo"}
	u2 := &User{Email: "bar@example.com", Name: "bar", Tags: []string{"a", "b"}}

	db := setup(t, basicSchema)
	write(t, db, func(tx *Tx) {
		Save(tx, u1, u2)
	})
	deepEqual(t, u1.ID, 1)
	deepEqual(t, u2.ID, 2)

	read(t, db, func(tx *Tx) {
		deepEqual(t, Get[User](tx, 1), u1)
		deepEqual(t, Get[User](tx, int64(2)), u2)
		isnil(t, Get[User](tx, 3))
		deepEqual(t, Exists[User](tx, 2), true)
		deepEqual(t, Exists[User](tx, 3), false)

		deepEqual(t, usersByEmail.Lookup(tx, "foo@example.com"), u1)
		deepEqual(t, usersByName.Lookup(tx, "FOO"), u1)
		isnil(t, usersByName.Lookup(tx, "fo"))
		isnil(t, usersByName.Lookup(tx, ""))
		isnil(t, usersByName.Lookup(tx, "fox"))

		deepEqual(t, LoadAll[User](tx), []*User{u1, u2})
		deepEqual(t, AllKeys[int64](tx, usersTable), []int64{1, 2})
		deepEqual(t, Count[User](tx), 2)
		deepEqual(t, Reload(tx, u2), u2)
	})

	write(t, db, func(tx *Tx) {
		deepEqual(t, Delete(tx, u1), true)
		deepEqual(t, Delete(tx, u1), false)
		isnil(t, usersByEmail.Lookup(tx, "foo@example.com"))
		isnil(t, Reload(tx, u1))
	})
	read(t, db, func(tx *Tx) {
		deepEqual(t, LoadAll[User](tx), []*User{u2})
		deepEqual(t, usersByEmail.Query(tx).Count(), 1)
	})
}

func TestDBReturnsFreshRows(t *testing.T) {
	db := setup(t, basicSchema)
	write(t, db, func(tx *Tx) {
		Save(tx, &User{Email: "a@example.com", Tags: []string{"x"}})
	})
	read(t, db, func(tx *Tx) {
		a := Get[User](tx, 1)
		a.Tags[0] = "changed"
		a.Email = "changed"
		deepEqual(t, Get[User](tx, 1), &User{ID: 1, Email: "a@example.com", Tags: []string{"x"}})
	})
}

func TestDBReplace(t *testing.T) {
	db := setup(t, basicSchema)
	u := &User{Email: "foo@example.com", Name: "foo"}
	write(t, db, func(tx *Tx) {
		Save(tx, u)
	})
	write(t, db, func(tx *Tx) {
		u.Email = "new@example.com"
		Save(tx, u)
	})
	read(t, db, func(tx *Tx) {
		deepEqual(t, Count[User](tx), 1)
		isnil(t, usersByEmail.Lookup(tx, "foo@example.com"))
		deepEqual(t, usersByEmail.Lookup(tx, "new@example.com"), u)
		deepEqual(t, usersByEmail.Query(tx).Count(), 1)
		info := tx.TableInfo(usersTable)
		if info.Garbage == 0 {
			t.Errorf("** Garbage = 0, wanted the replaced record to count")
		}
	})
}

func TestDBDuplicateIndexKeysKeepSaveOrder(t *testing.T) {
	db := setup(t, basicSchema)
	var users []*User
	write(t, db, func(tx *Tx) {
		for i := range 5 {
			u := &User{Email: fmt.Sprintf("u%d@example.com", i), Name: "dup"}
			Save(tx, u)
			users = append(users, u)
		}
		Save(tx, &User{Email: "other@example.com", Name: "other"})
	})
	read(t, db, func(tx *Tx) {
		deepEqual(t, usersByName.LookupAll(tx, "DUP"), users)
		deepEqual(t, usersByName.Query(tx).Key("dup").Reversed().PrimaryKeys(), []any{int64(5), int64(4), int64(3), int64(2), int64(1)})
	})

	// saving again moves the row to the end of its duplicates
	write(t, db, func(tx *Tx) {
		Save(tx, users[1])
	})
	want := []*User{users[0], users[2], users[3], users[4], users[1]}
	read(t, db, func(tx *Tx) {
		deepEqual(t, usersByName.LookupAll(tx, "dup"), want)
	})

	db = reopen(t, db)
	read(t, db, func(tx *Tx) {
		deepEqual(t, usersByName.LookupAll(tx, "dup"), want)
	})
}

func TestDBTupleIndex(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := func(author int64, days int, title string) *Post {
		return &Post{Author: author, Posted: t0.AddDate(0, 0, days), Title: title, Content: title + " body"}
	}
	a1 := p(1, 1, "a1")
	a2 := p(1, 2, "a2")
	a3 := p(1, 3, "a3")
	b1 := p(2, 1, "b1")

	db := setup(t, basicSchema)
	write(t, db, func(tx *Tx) {
		Save(tx, a3, b1, a1, a2)
	})
	if a1.ID == uuid.Nil || a1.ID == a2.ID {
		t.Fatalf("** generated keys %v, %v", a1.ID, a2.ID)
	}

	read(t, db, func(tx *Tx) {
		q := postsByTime.Query(tx).GreaterThan(Tup2(int64(1), time.Time{}), true).LessThan(Tup2(int64(2), time.Time{}), false)
		deepEqual(t, q.All(), []*Post{a1, a2, a3})

		q = postsByTime.Query(tx).GreaterThan(Tup2(int64(1), t0.AddDate(0, 0, 1)), false).LessThan(Tup2(int64(1), t0.AddDate(0, 0, 3)), true)
		deepEqual(t, q.All(), []*Post{a2, a3})
		deepEqual(t, q.Reversed().First(), a3)

		deepEqual(t, postsByTime.Lookup(tx, Tup2(int64(2), t0.AddDate(0, 0, 1))), b1)
		deepEqual(t, postsByTime.Query(tx).Keys()[3], Tup2(int64(2), t0.AddDate(0, 0, 1)))
	})
}

func TestDBIgnoredAndRenamedMembers(t *testing.T) {
	db := setup(t, basicSchema)
	post := &Post{Title: "hello", Content: "world", Draft: true}
	write(t, db, func(tx *Tx) {
		Save(tx, post)
	})
	read(t, db, func(tx *Tx) {
		got := Get[Post](tx, post.ID)
		deepEqual(t, got.Content, "world")
		deepEqual(t, got.Draft, false)
	})
	deepEqual(t, postsTable.MemberNames(), []string{"Author", "Title", "Posted", "body"})
}

// Ten prefixes with two case variants each, 100 rows per variant. With a
// case-sensitive culture comparer lower case sorts first, so the order is
// Test0 < TeST0 < Test1 < ... < TeST9.
func TestDBCollatedRanges(t *testing.T) {
	db := setupMem(t, wordsSchema)
	err := db.BulkWrite(func(tx *Tx) error {
		for i := range 10 {
			for range 100 {
				Save(tx, &Word{Text: fmt.Sprintf("Test%d", i)})
				Save(tx, &Word{Text: fmt.Sprintf("TeST%d", i)})
			}
		}
		return nil
	})
	ensure(err)

	read(t, db, func(tx *Tx) {
		deepEqual(t, Count[Word](tx), 2000)

		deepEqual(t, wordsSensitive.Query(tx).Key("Test5").Count(), 100)
		deepEqual(t, wordsInsensitive.Query(tx).Key("TEst5").Count(), 200)
		deepEqual(t, wordsInsensitive.Query(tx).Key("test5").Exists(), true)
		deepEqual(t, wordsInsensitive.Query(tx).Key("test55").Exists(), false)

		deepEqual(t, wordsSensitive.Query(tx).GreaterThan("Test5", false).Count(), 900)
		deepEqual(t, wordsSensitive.Query(tx).LessThan("Test6", false).Count(), 1200)
		deepEqual(t, wordsSensitive.Query(tx).GreaterThan("Test5", true).Count(), 1000)

		a := wordsSensitive.Query(tx).GreaterThan("Test5", true).LessThan("Test6", false)
		b := wordsSensitive.Query(tx).LessThan("Test6", false).GreaterThan("Test5", true)
		deepEqual(t, a.Count(), 200)
		deepEqual(t, a.Bounds(), b.Bounds())
		deepEqual(t, len(a.PrimaryKeys()), 200)

		keys := a.Keys()
		deepEqual(t, keys[0], "Test5")
		deepEqual(t, keys[199], "TeST5")

		rev := a.Reversed().Keys()
		deepEqual(t, rev[0], "TeST5")
		deepEqual(t, rev[199], "Test5")

		// narrowing keeps the tighter bound
		c := wordsSensitive.Query(tx).GreaterThan("Test1", true).GreaterThan("Test5", true).GreaterThan("Test3", false)
		deepEqual(t, c.Count(), 1000)

		// empty ranges
		deepEqual(t, wordsSensitive.Query(tx).GreaterThan("Test6", true).LessThan("Test5", true).Count(), 0)
		deepEqual(t, wordsSensitive.Query(tx).GreaterThan("Test5", false).LessThan("Test5", true).Count(), 0)

		var n int
		for k, w := range wordsInsensitive.Query(tx).Key("test9").Entries() {
			if w.Text != "Test9" && w.Text != "TeST9" {
				t.Fatalf("** got %q under %q", w.Text, k)
			}
			n++
		}
		deepEqual(t, n, 200)
	})

	write(t, db, func(tx *Tx) {
		deepEqual(t, DeleteAll(wordsInsensitive.Query(tx).Key("TEST0")), 200)
		deepEqual(t, wordsSensitive.Query(tx).Key("Test0").Count(), 0)
		deepEqual(t, Count[Word](tx), 1800)
	})
}

func TestDBTableScan(t *testing.T) {
	db := setup(t, basicSchema)
	write(t, db, func(tx *Tx) {
		for i := range 10 {
			Save(tx, &User{Email: fmt.Sprintf("%d@example.com", i)})
		}
	})
	read(t, db, func(tx *Tx) {
		var keys []int64
		for u := range TableScan[User](tx) {
			keys = append(keys, u.ID)
			if len(keys) == 3 {
				break
			}
		}
		deepEqual(t, keys, []int64{1, 2, 3})
	})
}

func TestDBLifecycle(t *testing.T) {
	scm := NewSchema(SchemaOpts{})
	tbl := MustDefineTable[Word](scm, "words", nil)

	db := New("db", scm, Options{Storage: NewMemStorage()})
	if err := db.Read(func(tx *Tx) error { return nil }); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("** Read before Initialize = %v, wanted ErrNotInitialized", err)
	}
	ensure(db.Initialize())
	if err := db.Initialize(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("** second Initialize = %v, wanted ErrAlreadyInitialized", err)
	}

	_, err := DefineTable[User](scm, "late", nil)
	if !errors.Is(err, ErrInvalidMappingOrder) {
		t.Errorf("** DefineTable after Initialize = %v, wanted ErrInvalidMappingOrder", err)
	}
	_, err = DeclareIndex(tbl, "late", func(w *Word) string { return w.Text }, nil)
	if !errors.Is(err, ErrInvalidMappingOrder) {
		t.Errorf("** DeclareIndex after Initialize = %v, wanted ErrInvalidMappingOrder", err)
	}

	ensure(db.Close())
	ensure(db.Close())
	if err := db.Read(func(tx *Tx) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("** Read after Close = %v, wanted ErrClosed", err)
	}
	if err := db.Initialize(); !errors.Is(err, ErrClosed) {
		t.Errorf("** Initialize after Close = %v, wanted ErrClosed", err)
	}
}

func TestDefineTableErrors(t *testing.T) {
	type withChan struct {
		ID int
		C  chan int
	}
	type withAny struct {
		ID int
		V  any
	}
	type withStruct struct {
		ID    int
		Inner struct{ A int }
	}
	type withSliceKey struct {
		ID []int
	}
	type withFuncKey struct {
		ID   int
		Name string
		F    func()
	}
	type stringKey struct {
		ID string
	}

	scm := NewSchema(SchemaOpts{})
	check := func(name string, err error) {
		t.Helper()
		if !errors.Is(err, ErrUnsupportedType) {
			t.Errorf("** %s: got %v, wanted ErrUnsupportedType", name, err)
		}
	}
	_, err := DefineTable[withChan](scm, "chan", nil)
	check("chan member", err)
	_, err = DefineTable[withAny](scm, "any", nil)
	check("interface member", err)
	_, err = DefineTable[withStruct](scm, "struct", nil)
	check("struct member", err)
	_, err = DefineTable[withSliceKey](scm, "slicekey", nil)
	check("unordered key", err)
	_, err = DefineTable[withFuncKey](scm, "func", nil)
	check("func member", err)
	_, err = DefineTable(scm, "stringkey", func(b *TableBuilder[stringKey]) { b.AutoKey() })
	check("string auto key", err)

	if len(scm.Tables()) != 0 {
		t.Errorf("** failed definitions left %d tables", len(scm.Tables()))
	}

	_, err = DefineTable[Word](scm, "w", nil)
	ensure(err)
	if _, err := DefineTable[Word](scm, "w2", nil); err == nil {
		t.Errorf("** mapping a row type twice succeeded")
	}
	if _, err := DefineTable[User](scm, "W", nil); err == nil {
		t.Errorf("** duplicate table name succeeded")
	}
}

func TestDBKeyConversion(t *testing.T) {
	db := setup(t, basicSchema)
	write(t, db, func(tx *Tx) {
		Save(tx, &User{ID: 7, Email: "seven@example.com"})
	})
	read(t, db, func(tx *Tx) {
		isnonnil(t, Get[User](tx, uint8(7)))
		assertPanics(t, func() { Get[User](tx, "7") })
	})
}

func TestDBKeyConversionRejectsOverflow(t *testing.T) {
	type counter struct {
		ID    uint16
		Label string
	}
	scm := NewSchema(SchemaOpts{})
	MustDefineTable[counter](scm, "counters", nil)
	cdb := setupMem(t, scm)
	write(t, cdb, func(tx *Tx) {
		Save(tx, &counter{ID: math.MaxUint16, Label: "top"})
		Save(tx, &counter{ID: 1, Label: "one"})
	})
	read(t, cdb, func(tx *Tx) {
		deepEqual(t, Get[counter](tx, 1).Label, "one")
		deepEqual(t, Get[counter](tx, int64(math.MaxUint16)).Label, "top")
		assertPanics(t, func() { Get[counter](tx, -1) })
		assertPanics(t, func() { Get[counter](tx, 1<<16+1) })
		assertPanics(t, func() { Exists[counter](tx, uint64(math.MaxUint64)) })
	})

	db := setup(t, basicSchema)
	write(t, db, func(tx *Tx) {
		Save(tx, &User{ID: math.MaxInt64, Email: "max@example.com"})
	})
	write(t, db, func(tx *Tx) {
		isnonnil(t, Get[User](tx, uint64(math.MaxInt64)))
		assertPanics(t, func() { Get[User](tx, uint64(math.MaxUint64)) })
		assertPanics(t, func() { DeleteByKey[User](tx, uint64(1<<63)) })
		deepEqual(t, Count[User](tx), 1)
	})
}

func TestDBAutoKeyNotLeakedOnEncodeFailure(t *testing.T) {
	type invoice struct {
		ID    int64
		Total decimal.Decimal
	}
	scm := NewSchema(SchemaOpts{})
	MustDefineTable(scm, "invoices", func(b *TableBuilder[invoice]) { b.AutoKey() })
	db := setupMem(t, scm)

	bad := &invoice{Total: decimal.New(1, 30)}
	err := db.Write(func(tx *Tx) error {
		Save(tx, bad)
		return nil
	})
	var te *TableError
	if !errors.As(err, &te) {
		t.Fatalf("Save of an unencodable row = %v, wanted a TableError", err)
	}
	deepEqual(t, bad.ID, 0)

	good := &invoice{Total: decimal.NewFromInt(10)}
	write(t, db, func(tx *Tx) {
		Save(tx, good)
		deepEqual(t, Count[invoice](tx), 1)
	})
	deepEqual(t, good.ID, 1)
}

func TestDBDumpAndInfo(t *testing.T) {
	db := setup(t, basicSchema)
	write(t, db, func(tx *Tx) {
		Save(tx, &User{Email: "foo@example.com", Name: "foo"})
	})
	read(t, db, func(tx *Tx) {
		s := tx.Dump(DumpAll)
		for _, want := range []string{"users (1 rows)", "users.i.email", `"Email":"foo@example.com"`, "foo@example.com => 1"} {
			if !strings.Contains(s, want) {
				t.Errorf("** dump lacks %q:\n%s", want, s)
			}
		}
	})

	infos := must(db.Info())
	deepEqual(t, len(infos), 2)
	deepEqual(t, infos[0].Name, "users")
	deepEqual(t, infos[0].Records, 1)
	deepEqual(t, len(infos[0].Indices), 2)
	deepEqual(t, infos[0].Indices[0].Entries, 1)
	if infos[0].DataSize == 0 || infos[0].IndexSize == 0 {
		t.Errorf("** sizes not reported: %+v", infos[0])
	}
}

func setup(t testing.TB, schema *Schema) *DB {
	t.Helper()
	return setupWith(t, schema, Options{Home: t.TempDir(), IsTesting: true})
}

func setupMem(t testing.TB, schema *Schema) *DB {
	t.Helper()
	return setupWith(t, schema, Options{Storage: NewMemStorage()})
}

func setupWith(t testing.TB, schema *Schema, opt Options) *DB {
	t.Helper()
	db := must(Open("db", schema, opt))
	t.Cleanup(func() { db.Close() })
	return db
}

// reopen closes db and opens the same storage again.
func reopen(t testing.TB, db *DB) *DB {
	t.Helper()
	ensure(db.Close())
	return setupWith(t, db.schema, Options{
		Home:        db.home,
		Storage:     db.storage,
		Compression: db.compression,
		IsTesting:   true,
	})
}

func read(t testing.TB, db *DB, f func(tx *Tx)) {
	t.Helper()
	err := db.Read(func(tx *Tx) error {
		f(tx)
		return nil
	})
	if err != nil {
		t.Fatalf("** Read failed: %v", err)
	}
}

func write(t testing.TB, db *DB, f func(tx *Tx)) {
	t.Helper()
	err := db.Write(func(tx *Tx) error {
		f(tx)
		return nil
	})
	if err != nil {
		t.Fatalf("** Write failed: %v", err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Errorf("** got nil %T, wanted non-nil", a)
	}
}

func assertPanics(t testing.TB, f func()) (reason any) {
	t.Helper()
	defer func() {
		reason = recover()
		if reason == nil {
			t.Errorf("** did not panic")
		}
	}()
	f()
	return nil
}
