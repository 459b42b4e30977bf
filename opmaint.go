package odb

import "time"

// Purge deletes every row of tbl. The data region is replaced by an empty
// one on commit.
func (tx *Tx) Purge(tbl *Table) {
	ts := tx.writer(tbl)
	n := ts.primary.Len()
	ts.purge()
	tx.markModified(ts, true)
	if tx.isVerboseLoggingEnabled() {
		tx.db.logger.Debug("db: PURGE", "table", tbl.name, "rows", n)
	}
}

// Compact rewrites tbl's data without deleted rows and without bytes of
// members that no longer exist, then rebuilds its indexes.
func (tx *Tx) Compact(tbl *Table) {
	ts := tx.writer(tbl)
	ensure(ts.compact())
	tx.markModified(ts, true)
}

// Reindex rebuilds the indexes of tbl from its rows.
func (tx *Tx) Reindex(tbl *Table) {
	ts := tx.writer(tbl)
	start := time.Now()
	ensure(ts.rebuildIndices(ts.allIndexPositions()))
	tx.markModified(ts, false)
	if tx.isVerboseLoggingEnabled() {
		tx.db.logger.Debug("db: REINDEX", "table", tbl.name, "ms", time.Since(start).Milliseconds())
	}
}

// TableProperty returns a property stored in tbl's header. Names are case
// insensitive.
func (tx *Tx) TableProperty(tbl *Table, name string) (string, bool) {
	v, ok := tx.reader(tbl).props[normalizePropertyName(name)]
	return v, ok
}

// SetTableProperty stores a property in tbl's header; an empty value
// removes it.
func (tx *Tx) SetTableProperty(tbl *Table, name, value string) {
	ts := tx.writer(tbl)
	name = normalizePropertyName(name)
	if value == "" {
		delete(ts.props, name)
	} else {
		ts.props[name] = value
	}
	tx.markModified(ts, false)
}
