package odb

import (
	"cmp"
	"reflect"
)

// indexData holds the entries of one index in one open table.
type indexData interface {
	insert(ikey any, rec *record)
	remove(ikey any, rec *record)
	clear()
	len() int

	// encode writes the entry count, then (index key, primary key) pairs
	// in index order.
	encode(w *Writer, pkCodec *codec)
	decode(r *Reader, lookup func(r *Reader) (*record, error)) error

	each(f func(ikey any, rec *record) bool)
}

// entryKey orders duplicate index keys by save sequence.
type entryKey[K any] struct {
	key K
	seq uint64
}

type indexEntries[Row, K any] struct {
	idx  *Index[Row, K]
	list *skipList[entryKey[K], *record]
}

func newIndexEntries[Row, K any](idx *Index[Row, K]) *indexEntries[Row, K] {
	return &indexEntries[Row, K]{
		idx: idx,
		list: newSkipList[entryKey[K], *record](func(a, b entryKey[K]) int {
			if c := idx.cmp(a.key, b.key); c != 0 {
				return c
			}
			return cmp.Compare(a.seq, b.seq)
		}),
	}
}

func (ie *indexEntries[Row, K]) insert(ikey any, rec *record) {
	ie.list.Set(entryKey[K]{ikey.(K), rec.seq}, rec)
}

// remove is a no-op when the entry is absent.
func (ie *indexEntries[Row, K]) remove(ikey any, rec *record) {
	if ikey == nil {
		return
	}
	ie.list.Delete(entryKey[K]{ikey.(K), rec.seq})
}

func (ie *indexEntries[Row, K]) clear() {
	ie.list.Clear()
}

func (ie *indexEntries[Row, K]) len() int {
	return ie.list.Len()
}

func (ie *indexEntries[Row, K]) each(f func(ikey any, rec *record) bool) {
	for n := ie.list.First(); n != nil; n = n.Next() {
		if !f(n.key.key, n.value) {
			return
		}
	}
}

func (ie *indexEntries[Row, K]) encode(w *Writer, pkCodec *codec) {
	w.WriteUvarint(uint64(ie.list.Len()))
	for n := ie.list.First(); n != nil; n = n.Next() {
		ie.idx.keyCodec.write(w, reflect.ValueOf(&n.key.key).Elem())
		pkCodec.write(w, reflect.ValueOf(n.value.key))
	}
}

func (ie *indexEntries[Row, K]) decode(r *Reader, lookup func(r *Reader) (*record, error)) error {
	n, err := r.ReadCount(2)
	if err != nil {
		return err
	}
	ie.list.Clear()
	for range n {
		kv := reflect.New(ie.idx.keyType).Elem()
		if err := ie.idx.keyCodec.read(r, kv); err != nil {
			return err
		}
		rec, err := lookup(r)
		if err != nil {
			return err
		}
		if rec == nil {
			return r.Errorf(nil, "index entry refers to a missing record")
		}
		ikey := kv.Interface().(K)
		rec.ikeys[ie.idx.pos] = ikey
		ie.list.Set(entryKey[K]{ikey, rec.seq}, rec)
	}
	return nil
}

// seekFirst returns the first entry not below the lower bound of rng.
func (ie *indexEntries[Row, K]) seekFirst(rng *Range[K]) *skipNode[entryKey[K], *record] {
	if !rng.HasLower {
		return ie.list.First()
	}
	return ie.list.Seek(func(e entryKey[K]) bool {
		c := ie.idx.cmp(e.key, rng.Lower)
		return c < 0 || (c == 0 && !rng.LowerInc)
	})
}

// pastUpper reports whether key lies beyond the upper bound of rng.
func (ie *indexEntries[Row, K]) pastUpper(rng *Range[K], key K) bool {
	if !rng.HasUpper {
		return false
	}
	c := ie.idx.cmp(key, rng.Upper)
	return c > 0 || (c == 0 && !rng.UpperInc)
}

// scan calls f for each entry within rng, in index order or in reverse.
func (ie *indexEntries[Row, K]) scan(rng *Range[K], f func(key K, rec *record) bool) {
	if rng.empty(ie.idx.cmp) {
		return
	}
	if !rng.Reverse {
		for n := ie.seekFirst(rng); n != nil && !ie.pastUpper(rng, n.key.key); n = n.Next() {
			if !f(n.key.key, n.value) {
				return
			}
		}
		return
	}

	// forward links only; collect the range and walk it backwards
	var nodes []*skipNode[entryKey[K], *record]
	for n := ie.seekFirst(rng); n != nil && !ie.pastUpper(rng, n.key.key); n = n.Next() {
		nodes = append(nodes, n)
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		if !f(nodes[i].key.key, nodes[i].value) {
			return
		}
	}
}

func (ie *indexEntries[Row, K]) count(rng *Range[K]) int {
	if !rng.HasLower && !rng.HasUpper {
		return ie.list.Len()
	}
	var n int
	ie.scan(rng, func(K, *record) bool {
		n++
		return true
	})
	return n
}
