package odb

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const trackTxns = true

type DB struct {
	path        string
	schema      *Schema
	storage     Storage
	home        string
	logger      *slog.Logger
	verbose     bool
	compression Compression

	mu          sync.Mutex
	initialized bool
	closed      atomic.Bool
	store       SchemaStorage
	tableStates []*tableState

	ReaderCount atomic.Int64
	WriterCount atomic.Int64
	ReadCount   atomic.Uint64
	WriteCount  atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

type Options struct {
	// Home is the root that relative database paths resolve against. The
	// default is the odb directory under os.UserConfigDir.
	Home string

	// Storage defaults to FileStorage.
	Storage Storage

	// Compression applies to records written from now on.
	Compression Compression

	Logger  *slog.Logger
	Verbose bool

	// IsTesting trades durability for speed: no fsync.
	IsTesting bool
}

// New prepares a database stored at path. Nothing is opened until
// Initialize is called.
func New(path string, schema *Schema, opt Options) *DB {
	if schema == nil {
		panic("nil schema")
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	storage := opt.Storage
	if storage == nil {
		storage = &FileStorage{NoSync: opt.IsTesting}
	}
	return &DB{
		path:        path,
		schema:      schema,
		storage:     storage,
		home:        opt.Home,
		logger:      logger,
		verbose:     opt.Verbose,
		compression: opt.Compression,
	}
}

// Open is New followed by Initialize.
func Open(path string, schema *Schema, opt Options) (*DB, error) {
	db := New(path, schema, opt)
	if err := db.Initialize(); err != nil {
		return nil, err
	}
	return db, nil
}

// DefaultHome returns the directory databases live in when Options.Home is
// empty.
func DefaultHome() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "odb"), nil
}

// Initialize opens storage and loads every table, upgrading tables whose
// persisted layout differs from the schema. The schema is sealed from now
// on. Initialization is all-or-nothing per table: a table that fails to load
// is left untouched.
func (db *DB) Initialize() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return ErrClosed
	}
	if db.initialized {
		return ErrAlreadyInitialized
	}
	start := time.Now()

	db.schema.seal()

	store, err := db.storage.OpenSchema(db.path, db.home)
	if err != nil {
		return fmt.Errorf("odb: %w", err)
	}
	if err := store.Open(); err != nil {
		store.Close()
		return fmt.Errorf("odb: %w", err)
	}

	states, changed, err := db.loadTables(store)
	if err != nil {
		closeTableStates(states)
		store.Close()
		return err
	}
	for i, ts := range states {
		if changed[i] {
			if err := ts.commit(); err != nil {
				closeTableStates(states)
				store.Close()
				return err
			}
		}
	}

	db.store = store
	db.tableStates = states
	db.initialized = true
	db.logger.Info("db: opened", "path", store.Path(), "tables", len(states), "ms", time.Since(start).Milliseconds())
	return nil
}

func (db *DB) loadTables(store SchemaStorage) ([]*tableState, []bool, error) {
	states := make([]*tableState, 0, len(db.schema.tables))
	changed := make([]bool, len(db.schema.tables))
	for i, tbl := range db.schema.tables {
		tstore, err := store.Table(tbl.name)
		if err != nil {
			return states, nil, tableErrf(tbl, "", nil, err, "opening storage")
		}
		ts := newTableState(db, tbl, tstore)
		states = append(states, ts)
		if changed[i], err = ts.load(); err != nil {
			return states, nil, err
		}
	}
	return states, changed, nil
}

func closeTableStates(states []*tableState) error {
	var errs []error
	for _, ts := range states {
		if err := ts.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (db *DB) Schema() *Schema {
	return db.schema
}

func (db *DB) Storage() Storage {
	return db.storage
}

// Close waits for running transactions and releases storage.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed.Swap(true) || !db.initialized {
		db.mu.Unlock()
		return nil
	}
	states, store := db.tableStates, db.store
	db.mu.Unlock()

	for _, ts := range states {
		ts.mu.Lock()
	}
	defer func() {
		for _, ts := range states {
			ts.mu.Unlock()
		}
	}()
	err := closeTableStates(states)
	if e := store.Close(); err == nil {
		err = e
	}
	return err
}

func (db *DB) checkUsable() error {
	if db.closed.Load() {
		return ErrClosed
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Read runs f in a read-only scope over all tables.
func (db *DB) Read(f func(tx *Tx) error) error {
	return db.run(false, false, db.schema.tables, f)
}

// Write runs f in a writable scope over all tables. Changes are committed
// when f returns nil and discarded otherwise.
func (db *DB) Write(f func(tx *Tx) error) error {
	return db.run(true, false, db.schema.tables, f)
}

// BulkWrite is Write for large batches: per-operation logging is skipped and
// everything is flushed once at the end.
func (db *DB) BulkWrite(f func(tx *Tx) error) error {
	return db.run(true, true, db.schema.tables, f)
}

// ReadTables is Read limited to the given tables, so that it only waits for
// writers of those tables.
func (db *DB) ReadTables(tables []*Table, f func(tx *Tx) error) error {
	return db.run(false, false, tables, f)
}

// WriteTables is Write limited to the given tables, letting scopes over
// other tables proceed concurrently.
func (db *DB) WriteTables(tables []*Table, f func(tx *Tx) error) error {
	return db.run(true, false, tables, f)
}

func (db *DB) run(writable, bulk bool, tables []*Table, f func(tx *Tx) error) error {
	if err := db.checkUsable(); err != nil {
		return err
	}
	tables = slices.Clone(tables)
	for _, tbl := range tables {
		if tbl.schema != db.schema {
			return fmt.Errorf("table %s belongs to a different schema", tbl.name)
		}
	}
	slices.SortFunc(tables, func(a, b *Table) int {
		return a.pos - b.pos
	})

	if writable {
		db.WriterCount.Add(1)
		defer db.WriterCount.Add(-1)
	} else {
		db.ReaderCount.Add(1)
		defer db.ReaderCount.Add(-1)
		defer db.ReadCount.Add(1)
	}

	tx := db.newTx(writable, bulk)
	if trackTxns {
		db.addTx(tx)
		defer db.removeTx(tx)
	}
	if err := tx.acquire(tables); err != nil {
		tx.closed = true
		tx.release()
		return err
	}
	return tx.finish(safelyCall(f, tx))
}

// Purge deletes every table's data. All tables are locked, in definition
// order, for the duration.
func (db *DB) Purge() error {
	return db.run(true, false, db.schema.tables, func(tx *Tx) error {
		start := time.Now()
		if err := closeTableStates(tx.held); err != nil {
			return err
		}
		if err := db.store.Purge(); err != nil {
			return fmt.Errorf("odb: purge: %w", err)
		}
		for _, ts := range tx.held {
			tstore, err := db.store.Table(ts.table.name)
			if err != nil {
				return tableErrf(ts.table, "", nil, err, "opening storage")
			}
			ts.store = tstore
			if _, err := ts.load(); err != nil {
				return err
			}
			ts.modified = true
		}
		db.logger.Info("db: purged", "path", db.store.Path(), "ms", time.Since(start).Milliseconds())
		return nil
	})
}

// Info describes every table.
func (db *DB) Info() ([]TableInfo, error) {
	var result []TableInfo
	err := db.Read(func(tx *Tx) error {
		for _, tbl := range db.schema.tables {
			result = append(result, tx.TableInfo(tbl))
		}
		return nil
	})
	return result, err
}

func (db *DB) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := slices.Index(db.txns, tx)
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms\n", ms)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms:\n%s", ms, tx.stack)
		}
	}

	return buf.String()
}
