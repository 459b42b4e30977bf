package odb

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump describes the tables of this transaction in a human-readable form.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	for _, tbl := range tx.db.schema.tables {
		if tx.modes[tbl.pos] == txNone {
			continue
		}
		tx.dumpTable(&buf, f, tbl)
	}
	return buf.String()
}

func (tx *Tx) dumpTable(w *strings.Builder, f DumpFlags, tbl *Table) {
	prefix := tbl.Name()
	ts := tx.reader(tbl)
	s := ts.info()

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, s.Records)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: gen = %d, data_size = %d, garbage = %d, index_size = %d, members = %d, orphans = %d, hash = %08x\n", prefix, s.Generation, s.DataSize, s.Garbage, s.IndexSize, s.Members, s.Orphans, s.SchemaHash)
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		var rowPos int
		for n := ts.primary.First(); n != nil; n = n.Next() {
			rowPos++
			tx.dumpRow(w, prefix, ts, rowPos, n.value)
		}
	}

	if f.Contains(DumpIndices) {
		for pos, def := range tbl.indices {
			fmt.Fprintln(w, dumpSep2)
			ip := prefix + ".i." + def.indexName()
			fmt.Fprintf(w, "%s (%d) %d entries\n", ip, s.Indices[pos].Ordinal, s.Indices[pos].Entries)
			if f.Contains(DumpIndexRows) {
				var rowPos int
				ts.indices[pos].each(func(ikey any, rec *record) bool {
					rowPos++
					fmt.Fprintf(w, "%s.%d: %s => %v\n", ip, rowPos, def.formatKey(ikey), rec.key)
					return true
				})
			}
		}
	}
}

func (tx *Tx) dumpRow(w *strings.Builder, prefix string, ts *tableState, rowPos int, rec *record) {
	rowPtr, err := ts.decodeRow(rec)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = (s%d @%d+%d) ** ERROR: %v\n", prefix, rowPos, rec.seq, rec.off, rec.size, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = (s%d @%d+%d) %v %s\n", prefix, rowPos, rec.seq, rec.off, rec.size, rec.key, loggableRowVal(ts.table, rowPtr))
}
