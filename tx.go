package odb

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

type Txish interface {
	DBTx() *Tx
}

type txMode uint8

const (
	txNone txMode = iota
	txRead
	txWrite
)

// Tx is a transaction scope over a set of tables. Tables are locked when the
// scope starts, in definition order, and unlocked when it ends. A writable
// scope holds its tables exclusively; a read-only one shares them with other
// readers.
type Tx struct {
	db       *DB
	writable bool
	bulk     bool
	closed   bool

	commitDespiteErr bool

	modes []txMode // by table pos
	held  []*tableState

	saves, deletes int

	memo map[string]any

	changeHandler func(chg *Change)

	startTime time.Time
	stack     string
}

// DBTx implements Txish
func (tx *Tx) DBTx() *Tx {
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) Schema() *Schema {
	return tx.db.schema
}

func (tx *Tx) IsWritable() bool {
	return tx.writable
}

// OnChange installs a handler called synchronously after every save and
// delete in this transaction.
func (tx *Tx) OnChange(f func(chg *Change)) {
	tx.changeHandler = f
}

// CommitDespiteError makes the transaction commit its changes even if the
// function returns an error or panics.
func (tx *Tx) CommitDespiteError() {
	tx.commitDespiteErr = true
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func (p panicked) Unwrap() error {
	if err, ok := p.reason.(error); ok {
		return err
	}
	return nil
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

func (db *DB) newTx(writable, bulk bool) *Tx {
	tx := &Tx{
		db:        db,
		writable:  writable,
		bulk:      bulk,
		modes:     make([]txMode, len(db.schema.tables)),
		startTime: time.Now(),
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
	}
	return tx
}

// acquire locks the given tables in definition order, reloading any table
// that another DB instance has committed to since we last looked.
func (tx *Tx) acquire(tables []*Table) error {
	mode := txRead
	if tx.writable {
		mode = txWrite
	}
	for _, tbl := range tables {
		if tx.modes[tbl.pos] != txNone {
			continue
		}
		ts := tx.db.tableState(tbl)
		if err := tx.lock(ts, mode); err != nil {
			return err
		}
		tx.modes[tbl.pos] = mode
		tx.held = append(tx.held, ts)
	}
	return nil
}

func (tx *Tx) lock(ts *tableState, mode txMode) error {
	if mode == txWrite {
		ts.mu.Lock()
		if err := tx.checkOpen(); err != nil {
			ts.mu.Unlock()
			return err
		}
		if reload, err := ts.needsReload(); err != nil || reload {
			if err == nil {
				tx.db.logger.Info("db: table changed externally, reloading", "table", ts.table.name)
				err = ts.reload()
			}
			if err != nil {
				ts.mu.Unlock()
				return err
			}
		}
		return nil
	}

	for {
		ts.mu.RLock()
		if err := tx.checkOpen(); err != nil {
			ts.mu.RUnlock()
			return err
		}
		reload, err := ts.needsReload()
		if err != nil {
			ts.mu.RUnlock()
			return err
		}
		if !reload {
			return nil
		}
		ts.mu.RUnlock()

		ts.mu.Lock()
		if reload, err = ts.needsReload(); err == nil && reload {
			err = ts.reload()
		}
		ts.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

func (tx *Tx) checkOpen() error {
	if tx.db.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (tx *Tx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		ts := tx.held[i]
		if tx.modes[ts.table.pos] == txWrite {
			ts.mu.Unlock()
		} else {
			ts.mu.RUnlock()
		}
		tx.modes[ts.table.pos] = txNone
	}
	tx.held = nil
}

func (tx *Tx) mode(tbl *Table) txMode {
	if tbl.schema != tx.db.schema {
		panic(fmt.Errorf("table %s belongs to a different schema", tbl.name))
	}
	if tx.closed {
		panic(fmt.Errorf("%s: %w", tbl.name, ErrNoActiveTransaction))
	}
	m := tx.modes[tbl.pos]
	if m == txNone {
		panic(fmt.Errorf("table %s is not part of this transaction", tbl.name))
	}
	return m
}

// reader returns the state of a table for reading.
func (tx *Tx) reader(tbl *Table) *tableState {
	tx.mode(tbl)
	return tx.db.tableState(tbl)
}

// writer returns the state of a table for mutation, failing fast outside of
// a writable scope.
func (tx *Tx) writer(tbl *Table) *tableState {
	if tx.mode(tbl) != txWrite {
		panic(fmt.Errorf("%s: %w", tbl.name, ErrNoActiveTransaction))
	}
	return tx.db.tableState(tbl)
}

func (tx *Tx) markModified(ts *tableState, crop bool) {
	ts.modified = true
	if crop {
		ts.beginCrop()
	}
}

// finish ends the scope: changes are committed if fnErr is nil (or
// CommitDespiteError was called), rolled back otherwise. Locks are released
// either way.
func (tx *Tx) finish(fnErr error) error {
	defer tx.release()
	tx.closed = true

	if !tx.writable {
		return fnErr
	}
	if fnErr != nil && !tx.commitDespiteErr {
		tx.rollback()
		return fnErr
	}
	err := tx.commit()
	if tx.bulk {
		tx.db.logger.Info("db: bulk write", "saves", tx.saves, "deletes", tx.deletes, "ms", time.Since(tx.startTime).Milliseconds(), "err", err)
	}
	if fnErr != nil {
		return errors.Join(fnErr, err)
	}
	return err
}

// commit installs every modified table. Each table commits atomically; if
// one fails, it and the remaining tables are rolled back while tables
// committed before it stay committed.
func (tx *Tx) commit() error {
	for i, ts := range tx.held {
		if !ts.modified {
			continue
		}
		if err := ts.commit(); err != nil {
			for _, rest := range tx.held[i:] {
				if rest.modified {
					rest.reload()
				}
			}
			return err
		}
		tx.db.WriteCount.Add(1)
	}
	return nil
}

func (tx *Tx) rollback() {
	for _, ts := range tx.held {
		if ts.modified {
			if tx.db.verbose {
				tx.db.logger.Debug("db: ROLLBACK", "table", ts.table.name)
			}
			ts.reload()
		}
	}
}

func (tx *Tx) isVerboseLoggingEnabled() bool {
	return tx.db.verbose && !tx.bulk
}

func (tx *Tx) GetMemo(key string) (any, bool) {
	v, found := tx.memo[key]
	return v, found
}

// Memo caches the result of f under key for the rest of the transaction.
func (tx *Tx) Memo(key string, f func() (any, error)) (any, error) {
	v, found := tx.memo[key]
	if found {
		if e, ok := v.(error); ok {
			return nil, e
		}
		return v, nil
	}

	if tx.memo == nil {
		tx.memo = make(map[string]any)
	}

	v, err := f()
	if err != nil {
		tx.memo[key] = err
	} else {
		tx.memo[key] = v
	}
	return v, err
}

func Memo[T any](txish Txish, key string, f func() (T, error)) (T, error) {
	tx := txish.DBTx()
	v, err := tx.Memo(key, func() (any, error) {
		return f()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
