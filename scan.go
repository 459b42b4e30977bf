package odb

import (
	"iter"
	"reflect"
)

// Range bounds an index scan. A missing bound leaves that side open. Bounds
// are exclusive unless the matching Inc flag is set.
type Range[K any] struct {
	Lower    K
	Upper    K
	HasLower bool
	HasUpper bool
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

// AtLeast narrows the lower bound to k. Narrowing is commutative: the
// tighter of the two bounds wins, and equal bounds are inclusive only if
// both are.
func (rng Range[K]) AtLeast(cmp func(a, b K) int, k K, inclusive bool) Range[K] {
	if !rng.HasLower {
		rng.Lower, rng.HasLower, rng.LowerInc = k, true, inclusive
		return rng
	}
	switch c := cmp(k, rng.Lower); {
	case c > 0:
		rng.Lower, rng.LowerInc = k, inclusive
	case c == 0:
		rng.LowerInc = rng.LowerInc && inclusive
	}
	return rng
}

// AtMost narrows the upper bound to k, see AtLeast.
func (rng Range[K]) AtMost(cmp func(a, b K) int, k K, inclusive bool) Range[K] {
	if !rng.HasUpper {
		rng.Upper, rng.HasUpper, rng.UpperInc = k, true, inclusive
		return rng
	}
	switch c := cmp(k, rng.Upper); {
	case c < 0:
		rng.Upper, rng.UpperInc = k, inclusive
	case c == 0:
		rng.UpperInc = rng.UpperInc && inclusive
	}
	return rng
}

func (rng Range[K]) Reversed() Range[K] {
	rng.Reverse = !rng.Reverse
	return rng
}

func (rng *Range[K]) empty(cmp func(a, b K) int) bool {
	if !rng.HasLower || !rng.HasUpper {
		return false
	}
	c := cmp(rng.Lower, rng.Upper)
	return c > 0 || (c == 0 && !(rng.LowerInc && rng.UpperInc))
}

// Query is a lazily evaluated index scan. Queries are values; every method
// that narrows a query returns a modified copy. Results are read under the
// transaction's lock on the table, so they are consistent for the lifetime
// of the transaction.
type Query[Row, K any] struct {
	tx  *Tx
	idx *Index[Row, K]
	rng Range[K]
}

// Query starts an unbounded scan of idx.
func (idx *Index[Row, K]) Query(txh Txish) Query[Row, K] {
	return Query[Row, K]{tx: txh.DBTx(), idx: idx}
}

// Key restricts the query to entries equal to k under the index comparer.
func (q Query[Row, K]) Key(k K) Query[Row, K] {
	return q.GreaterThan(k, true).LessThan(k, true)
}

// GreaterThan restricts the query to entries above k, or at k too if
// inclusive is set.
func (q Query[Row, K]) GreaterThan(k K, inclusive bool) Query[Row, K] {
	q.rng = q.rng.AtLeast(q.idx.cmp, k, inclusive)
	return q
}

// LessThan restricts the query to entries below k, or at k too if inclusive
// is set.
func (q Query[Row, K]) LessThan(k K, inclusive bool) Query[Row, K] {
	q.rng = q.rng.AtMost(q.idx.cmp, k, inclusive)
	return q
}

func (q Query[Row, K]) Range(rng Range[K]) Query[Row, K] {
	if rng.HasLower {
		q.rng = q.rng.AtLeast(q.idx.cmp, rng.Lower, rng.LowerInc)
	}
	if rng.HasUpper {
		q.rng = q.rng.AtMost(q.idx.cmp, rng.Upper, rng.UpperInc)
	}
	if rng.Reverse {
		q.rng.Reverse = !q.rng.Reverse
	}
	return q
}

func (q Query[Row, K]) Reversed() Query[Row, K] {
	q.rng = q.rng.Reversed()
	return q
}

func (q Query[Row, K]) Bounds() Range[K] {
	return q.rng
}

func (q Query[Row, K]) entries() (*tableState, *indexEntries[Row, K]) {
	ts := q.tx.reader(q.idx.table)
	return ts, ts.indices[q.idx.pos].(*indexEntries[Row, K])
}

func (q Query[Row, K]) Count() int {
	_, ie := q.entries()
	n := ie.count(&q.rng)
	if q.tx.db.verbose {
		q.tx.db.logger.Debug("db: COUNT", "index", q.idx.FullName(), "range", q.rng, "count", n)
	}
	return n
}

// Rows yields matching rows in index order. Every row is decoded anew, so
// callers own the values they get.
func (q Query[Row, K]) Rows() iter.Seq[*Row] {
	return func(yield func(*Row) bool) {
		ts, ie := q.entries()
		ie.scan(&q.rng, func(_ K, rec *record) bool {
			return yield(ts.mustDecodeRow(rec).Interface().(*Row))
		})
	}
}

// Entries yields index keys with their rows.
func (q Query[Row, K]) Entries() iter.Seq2[K, *Row] {
	return func(yield func(K, *Row) bool) {
		ts, ie := q.entries()
		ie.scan(&q.rng, func(k K, rec *record) bool {
			return yield(k, ts.mustDecodeRow(rec).Interface().(*Row))
		})
	}
}

func (q Query[Row, K]) All() []*Row {
	var result []*Row
	for row := range q.Rows() {
		result = append(result, row)
	}
	return result
}

// First returns the first matching row, or nil.
func (q Query[Row, K]) First() *Row {
	for row := range q.Rows() {
		return row
	}
	return nil
}

func (q Query[Row, K]) Exists() bool {
	_, ie := q.entries()
	found := false
	ie.scan(&q.rng, func(K, *record) bool {
		found = true
		return false
	})
	return found
}

// Keys returns the index keys of matching entries.
func (q Query[Row, K]) Keys() []K {
	_, ie := q.entries()
	var result []K
	ie.scan(&q.rng, func(k K, _ *record) bool {
		result = append(result, k)
		return true
	})
	return result
}

// PrimaryKeys returns the primary keys of matching rows without decoding
// the rows.
func (q Query[Row, K]) PrimaryKeys() []any {
	_, ie := q.entries()
	var result []any
	ie.scan(&q.rng, func(_ K, rec *record) bool {
		result = append(result, rec.key)
		return true
	})
	return result
}

// Lookup returns the first row whose index key equals k, or nil.
func (idx *Index[Row, K]) Lookup(txh Txish, k K) *Row {
	return idx.Query(txh).Key(k).First()
}

// LookupAll returns every row whose index key equals k, in save order.
func (idx *Index[Row, K]) LookupAll(txh Txish, k K) []*Row {
	return idx.Query(txh).Key(k).All()
}

// TableScan yields all rows of Row's table in primary key order.
func TableScan[Row any](txh Txish) iter.Seq[*Row] {
	tx := txh.DBTx()
	tbl := tableOf[Row](tx)
	return func(yield func(*Row) bool) {
		ts := tx.reader(tbl)
		for n := ts.primary.First(); n != nil; n = n.Next() {
			if !yield(ts.mustDecodeRow(n.value).Interface().(*Row)) {
				return
			}
		}
	}
}

func tableOf[Row any](tx *Tx) *Table {
	return tx.db.schema.TableByRowType(reflect.TypeFor[Row]())
}
