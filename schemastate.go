package odb

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

func (db *DB) tableState(tbl *Table) *tableState {
	return db.tableStates[tbl.pos]
}

// record locates one row: its envelope lives at off in the data region.
type record struct {
	key   any
	seq   uint64
	off   int64
	size  int
	ikeys []any // by index pos
}

// tableManifest is the msgpack section of the key image.
type tableManifest struct {
	DataGen          uint64                    `msgpack:"g"`
	DataSize         int64                     `msgpack:"d"`
	Garbage          int64                     `msgpack:"x"`
	LastSeq          uint64                    `msgpack:"s"`
	Records          int                       `msgpack:"n"`
	LastIndexOrdinal uint64                    `msgpack:"io"`
	NextMemberID     int                       `msgpack:"mi"`
	Indices          map[string]*indexManifest `msgpack:"i"`
	Saved            time.Time                 `msgpack:"t"`
}

// indexManifest tracks a persisted index. Ordinals are never reused, even
// after an index is dropped.
type indexManifest struct {
	Ordinal uint64 `msgpack:"o"`
	KeyType []byte `msgpack:"k"`
}

// Key image sections: a tag byte, the payload as varbytes, then the xxhash
// of the payload.
const (
	sectionEnd      byte = 0
	sectionManifest byte = 1
	sectionPrimary  byte = 2
	sectionIndex    byte = 3
)

// tableState is the in-memory projection of one table in one DB. Everything
// below mu is guarded by it; only a writer may mutate.
type tableState struct {
	db    *DB
	table *Table
	mu    sync.RWMutex
	store TableStorage

	desc     *descriptor
	props    map[string]string
	manifest tableManifest
	primary  *skipList[any, *record]
	indices  []indexData

	storedGen uint64 // generation committed to storage
	base      int64  // committed data size; pending starts here
	pending   []byte
	crop      bool
	modified  bool
	version   uint64
	stale     bool
}

func newTableState(db *DB, tbl *Table, store TableStorage) *tableState {
	ts := &tableState{
		db:      db,
		table:   tbl,
		store:   store,
		primary: newSkipList[any, *record](boxedComparer(tbl.keyCmp)),
		indices: make([]indexData, len(tbl.indices)),
	}
	for i, def := range tbl.indices {
		ts.indices[i] = def.newData()
	}
	return ts
}

func (ts *tableState) reset() {
	ts.desc = ts.table.desc
	ts.props = make(map[string]string)
	ts.manifest = tableManifest{Indices: make(map[string]*indexManifest)}
	ts.primary.Clear()
	for _, id := range ts.indices {
		id.clear()
	}
	ts.storedGen, ts.base = 0, 0
	ts.pending = nil
	ts.crop, ts.modified, ts.stale = false, false, false
}

// load replaces the in-memory state with the committed one. It reports
// whether the state was migrated and needs committing.
func (ts *tableState) load() (changed bool, err error) {
	tbl := ts.table
	start := time.Now()

	ver, err := ts.store.Version()
	if err != nil {
		return false, tableErrf(tbl, "", nil, err, "version")
	}
	raw, err := ts.store.ReadKeys()
	if err != nil {
		return false, tableErrf(tbl, "", nil, err, "reading keys")
	}

	ts.reset()
	ts.version = ver
	if raw == nil {
		changed = true
		for _, def := range tbl.indices {
			ts.addIndexManifest(def)
		}
		return changed, nil
	}

	r := makeReader(raw)
	h, err := readTableHeader(&r)
	if err != nil {
		return false, tableErrf(tbl, "", nil, err, "reading header")
	}
	ts.props = h.props

	upgraded := false
	if h.hash != tbl.desc.hash || !bytes.Equal(h.blob, tbl.desc.blob) {
		persisted, err := decodeDescriptor(h.blob)
		if err != nil {
			return false, tableErrf(tbl, "", nil, err, "reading persisted members")
		}
		m, err := ts.peekManifest(r)
		if err != nil {
			return false, err
		}
		desc, err := tbl.desc.upgrade(persisted, m.NextMemberID)
		if err != nil {
			return false, tableErrf(tbl, "", nil, err, "")
		}
		for _, m := range desc.orphans() {
			if !tbl.schema.registry.canSkip(m.desc) {
				return false, tableErrf(tbl, "", nil, unsupportedTypef("removed member %s has type %v", m.name, m.desc), "")
			}
		}
		ts.desc = desc
		upgraded = !bytes.Equal(desc.blob, h.blob)
		if upgraded {
			changed = true
			ts.db.logger.Info("db: upgrading table", "table", tbl.name, "orphans", len(desc.orphans()))
		}
	}

	indexSections, err := ts.readSections(&r)
	if err != nil {
		return false, err
	}
	ts.storedGen = ts.manifest.DataGen
	ts.base = ts.manifest.DataSize
	if ts.manifest.Indices == nil {
		ts.manifest.Indices = make(map[string]*indexManifest)
	}

	var rebuild []int
	declared := make(map[string]bool)
	for pos, def := range tbl.indices {
		name := def.indexName()
		declared[name] = true
		im := ts.manifest.Indices[name]
		switch {
		case im == nil:
			ts.addIndexManifest(def)
		case !bytes.Equal(im.KeyType, def.keyDesc().bytes()):
			im.KeyType = def.keyDesc().bytes()
		case upgraded:
		default:
			payload, ok := indexSections[im.Ordinal]
			if !ok {
				break
			}
			err := ts.decodeIndex(pos, payload)
			if err == nil && ts.indices[pos].len() == ts.primary.Len() {
				continue
			}
			ts.db.logger.Warn("db: discarding persisted index", "table", tbl.name, "index", name, "err", err)
			ts.indices[pos].clear()
		}
		rebuild = append(rebuild, pos)
		changed = true
	}
	for name := range ts.manifest.Indices {
		if !declared[name] {
			delete(ts.manifest.Indices, name)
			changed = true
			ts.db.logger.Info("db: dropped index", "table", tbl.name, "index", name)
		}
	}

	if len(rebuild) > 0 {
		if err := ts.rebuildIndices(rebuild); err != nil {
			return false, err
		}
	}

	if ts.db.verbose {
		ts.db.logger.Debug("db: LOAD", "table", tbl.name, "records", ts.primary.Len(), "gen", ts.storedGen, "size", ts.base, "ms", time.Since(start).Milliseconds())
	}
	return changed, nil
}

func (ts *tableState) addIndexManifest(def indexDef) {
	ts.manifest.LastIndexOrdinal++
	ts.manifest.Indices[def.indexName()] = &indexManifest{
		Ordinal: ts.manifest.LastIndexOrdinal,
		KeyType: def.keyDesc().bytes(),
	}
}

// reload discards uncommitted changes. On failure the table is marked stale
// so that the next writer retries.
func (ts *tableState) reload() error {
	_, err := ts.load()
	if err != nil {
		ts.stale = true
		ts.db.logger.Error("db: reload failed", "table", ts.table.name, "err", err)
	}
	return err
}

// needsReload reports whether another DB instance committed to the table
// since we last looked.
func (ts *tableState) needsReload() (bool, error) {
	if ts.stale {
		return true, nil
	}
	ver, err := ts.store.Version()
	if err != nil {
		return false, tableErrf(ts.table, "", nil, err, "version")
	}
	return ver != ts.version, nil
}

// eachSection walks the checksummed sections that follow the header.
func (ts *tableState) eachSection(r *Reader, f func(tag byte, payload []byte) error) error {
	tbl := ts.table
	for {
		tag, err := r.ReadByte()
		if err != nil {
			return tableErrf(tbl, "", nil, err, "reading keys")
		}
		if tag == sectionEnd {
			return nil
		}
		payload, err := r.ReadBytes()
		if err != nil {
			return tableErrf(tbl, "", nil, err, "reading section %d", tag)
		}
		sum, err := r.ReadUint64()
		if err != nil {
			return tableErrf(tbl, "", nil, err, "reading section %d", tag)
		}
		if actual := xxhash.Sum64(payload); actual != sum {
			return tableErrf(tbl, "", nil, dataErrf(payload, 0, nil, "checksum %016x, expected %016x", actual, sum), "section %d corrupted", tag)
		}
		if err := f(tag, payload); err != nil {
			return err
		}
	}
}

// peekManifest decodes the manifest section without consuming r.
func (ts *tableState) peekManifest(r Reader) (*tableManifest, error) {
	var m tableManifest
	err := ts.eachSection(&r, func(tag byte, payload []byte) error {
		if tag != sectionManifest {
			return nil
		}
		if err := msgpack.Unmarshal(payload, &m); err != nil {
			return tableErrf(ts.table, "", nil, err, "decoding manifest")
		}
		return nil
	})
	return &m, err
}

func (ts *tableState) readSections(r *Reader) (map[uint64][]byte, error) {
	tbl := ts.table
	indexSections := make(map[uint64][]byte)
	err := ts.eachSection(r, func(tag byte, payload []byte) error {
		switch tag {
		case sectionManifest:
			if err := msgpack.Unmarshal(payload, &ts.manifest); err != nil {
				return tableErrf(tbl, "", nil, err, "decoding manifest")
			}
		case sectionPrimary:
			if err := ts.decodePrimary(payload); err != nil {
				return tableErrf(tbl, "", nil, err, "decoding primary keys")
			}
		case sectionIndex:
			sr := makeReader(payload)
			ord, err := sr.ReadUvarint()
			if err != nil {
				return tableErrf(tbl, "", nil, err, "decoding index section")
			}
			indexSections[ord] = sr.Buf
		default:
			// written by a newer version; safe to drop on the next commit
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return indexSections, nil
}

func (ts *tableState) decodePrimary(payload []byte) error {
	tbl := ts.table
	r := makeReader(payload)
	n, err := r.ReadCount(4)
	if err != nil {
		return err
	}
	for range n {
		kv := reflect.New(tbl.keyType).Elem()
		if err := tbl.keyCodec.read(&r, kv); err != nil {
			return err
		}
		seq, err := r.ReadUvarint()
		if err != nil {
			return err
		}
		off, err := r.ReadUvarint()
		if err != nil {
			return err
		}
		size, err := r.ReadUvarinti()
		if err != nil {
			return err
		}
		rec := &record{
			key:   kv.Interface(),
			seq:   seq,
			off:   int64(off),
			size:  size,
			ikeys: make([]any, len(tbl.indices)),
		}
		if _, dup := ts.primary.Set(rec.key, rec); dup {
			return r.Errorf(nil, "duplicate key %v", rec.key)
		}
	}
	return nil
}

func (ts *tableState) decodeIndex(pos int, payload []byte) error {
	tbl := ts.table
	r := makeReader(payload)
	return ts.indices[pos].decode(&r, func(r *Reader) (*record, error) {
		kv := reflect.New(tbl.keyType).Elem()
		if err := tbl.keyCodec.read(r, kv); err != nil {
			return nil, err
		}
		rec, _ := ts.primary.Get(kv.Interface())
		return rec, nil
	})
}

// encodeKeys builds the key image: header, manifest, primary keys and one
// section per index.
func (ts *tableState) encodeKeys() ([]byte, error) {
	tbl := ts.table
	ts.manifest.DataSize = ts.base + int64(len(ts.pending))
	ts.manifest.Records = ts.primary.Len()
	ts.manifest.Saved = time.Now().UTC()
	ts.manifest.NextMemberID = max(ts.manifest.NextMemberID, ts.desc.nextMemberID())

	var w Writer
	h := tableHeader{
		format: formatVersion,
		hash:   ts.desc.hash,
		blob:   ts.desc.blob,
		props:  ts.props,
	}
	h.append(&w)

	payload, err := msgpack.Marshal(&ts.manifest)
	if err != nil {
		return nil, tableErrf(tbl, "", nil, err, "encoding manifest")
	}
	appendSection(&w, sectionManifest, payload)

	var sec Writer
	sec.WriteUvarint(uint64(ts.primary.Len()))
	for n := ts.primary.First(); n != nil; n = n.Next() {
		rec := n.value
		tbl.keyCodec.write(&sec, reflect.ValueOf(rec.key))
		sec.WriteUvarint(rec.seq)
		sec.WriteUvarint(uint64(rec.off))
		sec.WriteUvarint(uint64(rec.size))
	}
	appendSection(&w, sectionPrimary, sec.Buf)

	for pos, def := range tbl.indices {
		sec.Reset()
		sec.WriteUvarint(ts.manifest.Indices[def.indexName()].Ordinal)
		ts.indices[pos].encode(&sec, tbl.keyCodec)
		if err := sec.Err(); err != nil {
			return nil, tableErrf(tbl, def.indexName(), nil, err, "encoding index")
		}
		appendSection(&w, sectionIndex, sec.Buf)
	}
	w.WriteByte(sectionEnd)

	if err := w.Err(); err != nil {
		return nil, tableErrf(tbl, "", nil, err, "encoding keys")
	}
	return w.Buf, nil
}

func appendSection(w *Writer, tag byte, payload []byte) {
	w.WriteByte(tag)
	w.WriteBytes(payload)
	w.WriteUint64(xxhash.Sum64(payload))
}

func (ts *tableState) readEnvelope(rec *record) ([]byte, error) {
	if rec.off >= ts.base {
		start := rec.off - ts.base
		end := start + int64(rec.size)
		if end > int64(len(ts.pending)) {
			return nil, fmt.Errorf("record at %d+%d is past the end of data (%d)", rec.off, rec.size, ts.base+int64(len(ts.pending)))
		}
		return ts.pending[start:end], nil
	}
	return ts.store.ReadData(ts.storedGen, rec.off, rec.size)
}

// decodeRow returns a pointer to a freshly decoded row.
func (ts *tableState) decodeRow(rec *record) (reflect.Value, error) {
	tbl := ts.table
	env, err := ts.readEnvelope(rec)
	if err != nil {
		return reflect.Value{}, tableErrf(tbl, "", rec.key, err, "reading record")
	}
	raw, err := openRecord(env)
	if err != nil {
		return reflect.Value{}, tableErrf(tbl, "", rec.key, err, "reading record")
	}
	rowPtr := tbl.newRow()
	r := makeReader(raw)
	if err := ts.desc.decodeRecord(&r, rowPtr.Elem(), tbl.schema.registry); err != nil {
		return reflect.Value{}, tableErrf(tbl, "", rec.key, err, "decoding record")
	}
	tbl.rowKeyVal(rowPtr).Set(reflect.ValueOf(rec.key))
	return rowPtr, nil
}

func (ts *tableState) mustDecodeRow(rec *record) reflect.Value {
	return must(ts.decodeRow(rec))
}

func (ts *tableState) lookup(keyVal reflect.Value) *record {
	rec, _ := ts.primary.Get(keyVal.Interface())
	return rec
}

// appendRecord serializes a row into the pending data and returns its
// location.
func (ts *tableState) appendRecord(desc *descriptor, rowPtr reflect.Value, allow func(string) bool) (off int64, size int, err error) {
	w := Writer{Buf: getRecordBuf()}
	desc.encodeRecord(&w, rowPtr.Elem(), allow)
	defer releaseRecordBuf(w.Buf)
	if err := w.Err(); err != nil {
		return 0, 0, err
	}
	off = ts.base + int64(len(ts.pending))
	ts.pending = sealRecord(ts.pending, w.Buf, ts.db.compression)
	size = int(ts.base + int64(len(ts.pending)) - off)
	return off, size, nil
}

// put saves a row, assigning a key first if the table generates them.
func (ts *tableState) put(rowPtr reflect.Value) (old, rec *record, err error) {
	tbl := ts.table
	keyVal := tbl.rowKeyVal(rowPtr)
	generated := false
	if tbl.autoKey && keyVal.IsZero() {
		var last reflect.Value
		if n := ts.primary.Last(); n != nil {
			last = reflect.ValueOf(n.key)
		}
		k, err := tbl.nextKey(last)
		if err != nil {
			return nil, nil, err
		}
		keyVal.Set(k)
		generated = true
	}

	off, size, err := ts.appendRecord(ts.desc, rowPtr, tbl.allowMember(rowPtr))
	if err != nil {
		err = tableErrf(tbl, "", keyVal.Interface(), err, "encoding record")
		if generated {
			keyVal.SetZero()
		}
		return nil, nil, err
	}

	ts.manifest.LastSeq++
	rec = &record{
		key:   keyVal.Interface(),
		seq:   ts.manifest.LastSeq,
		off:   off,
		size:  size,
		ikeys: make([]any, len(tbl.indices)),
	}
	for pos, def := range tbl.indices {
		rec.ikeys[pos] = def.project(rowPtr)
	}

	old, replaced := ts.primary.Set(rec.key, rec)
	if replaced {
		ts.unindex(old)
		ts.manifest.Garbage += int64(old.size)
	} else {
		old = nil
	}
	ts.index(rec)
	return old, rec, nil
}

func (ts *tableState) delete(keyVal reflect.Value) *record {
	old, ok := ts.primary.Delete(keyVal.Interface())
	if !ok {
		return nil
	}
	ts.unindex(old)
	ts.manifest.Garbage += int64(old.size)
	return old
}

func (ts *tableState) index(rec *record) {
	for pos, id := range ts.indices {
		id.insert(rec.ikeys[pos], rec)
	}
}

func (ts *tableState) unindex(rec *record) {
	for pos, id := range ts.indices {
		id.remove(rec.ikeys[pos], rec)
	}
}

// rebuildIndices recomputes the given indexes from every stored row.
func (ts *tableState) rebuildIndices(positions []int) error {
	tbl := ts.table
	start := time.Now()
	for _, pos := range positions {
		ts.indices[pos].clear()
	}
	var rows int
	for n := ts.primary.First(); n != nil; n = n.Next() {
		rec := n.value
		rowPtr, err := ts.decodeRow(rec)
		if err != nil {
			return err
		}
		for _, pos := range positions {
			ikey := tbl.indices[pos].project(rowPtr)
			rec.ikeys[pos] = ikey
			ts.indices[pos].insert(ikey, rec)
		}
		rows++
		if rows%100000 == 0 {
			ts.db.logger.Info("db: still reindexing", "table", tbl.name, "rows", rows, "ms", time.Since(start).Milliseconds())
		}
	}
	ts.db.logger.Info("db: reindexed", "table", tbl.name, "indices", len(positions), "rows", rows, "ms", time.Since(start).Milliseconds())
	return nil
}

func (ts *tableState) allIndexPositions() []int {
	positions := make([]int, len(ts.indices))
	for i := range positions {
		positions[i] = i
	}
	return positions
}

// beginCrop switches pending data to a new generation that will replace the
// current one entirely.
func (ts *tableState) beginCrop() {
	if !ts.crop {
		ts.manifest.DataGen = ts.storedGen + 1
		ts.crop = true
	}
	ts.base = 0
	ts.manifest.Garbage = 0
}

func (ts *tableState) purge() {
	ts.primary.Clear()
	for _, id := range ts.indices {
		id.clear()
	}
	ts.pending = ts.pending[:0]
	ts.beginCrop()
}

// compact rewrites every live record into a new generation using the current
// members only, so deleted records and bytes of removed members go away.
func (ts *tableState) compact() error {
	tbl := ts.table
	start := time.Now()
	var live []*member
	for _, m := range ts.desc.members {
		if !m.isOrphan() {
			live = append(live, m)
		}
	}
	desc := newDescriptor(ts.desc.key, live)
	// dropped orphans keep their ids reserved
	ts.manifest.NextMemberID = max(ts.manifest.NextMemberID, ts.desc.nextMemberID())

	type relocation struct {
		rec  *record
		off  int64
		size int
	}
	relocs := make([]relocation, 0, ts.primary.Len())

	// records are read from the old layout while the new one is staged
	staged := &tableState{db: ts.db, table: tbl}
	for n := ts.primary.First(); n != nil; n = n.Next() {
		rowPtr, err := ts.decodeRow(n.value)
		if err != nil {
			return err
		}
		off, size, err := staged.appendRecord(desc, rowPtr, tbl.allowMember(rowPtr))
		if err != nil {
			return tableErrf(tbl, "", n.value.key, err, "encoding record")
		}
		relocs = append(relocs, relocation{n.value, off, size})
	}

	before := ts.base + int64(len(ts.pending))
	ts.beginCrop()
	ts.pending = staged.pending
	ts.desc = desc
	for _, r := range relocs {
		r.rec.off, r.rec.size = r.off, r.size
	}
	if err := ts.rebuildIndices(ts.allIndexPositions()); err != nil {
		return err
	}
	ts.db.logger.Info("db: compacted", "table", tbl.name, "before", before, "after", len(ts.pending), "ms", time.Since(start).Milliseconds())
	return nil
}

// commit installs the current state in storage.
func (ts *tableState) commit() error {
	tbl := ts.table
	start := time.Now()
	keys, err := ts.encodeKeys()
	if err != nil {
		return err
	}
	c := &TableCommit{
		Keys: keys,
		Gen:  ts.manifest.DataGen,
		Crop: ts.crop,
		Base: ts.base,
		Data: ts.pending,
	}

	need := int64(len(c.Keys) + len(c.Data))
	if st := ts.db.storage; !st.HasEnoughQuota(need) && !st.IncreaseQuotaTo(need) {
		return tableErrf(tbl, "", nil, ErrQuotaExceeded, "committing %d bytes", need)
	}
	if err := ts.store.Commit(c); err != nil {
		return tableErrf(tbl, "", nil, err, "commit")
	}

	ts.storedGen = c.Gen
	ts.base = c.Size()
	if cap(ts.pending) > 4<<20 {
		ts.pending = nil
	} else {
		ts.pending = ts.pending[:0]
	}
	ts.crop, ts.modified = false, false
	if ts.version, err = ts.store.Version(); err != nil {
		ts.stale = true
	}

	if ts.db.verbose {
		ts.db.logger.Debug("db: COMMIT", "table", tbl.name, "crop", c.Crop, "gen", c.Gen, "keys", len(c.Keys), "data", len(c.Data), "ms", time.Since(start).Milliseconds())
	}
	return nil
}

func (ts *tableState) info() TableInfo {
	info := TableInfo{
		Name:         ts.table.name,
		Records:      ts.primary.Len(),
		DataSize:     ts.base + int64(len(ts.pending)),
		Garbage:      ts.manifest.Garbage,
		Generation:   ts.manifest.DataGen,
		Members:      len(ts.desc.members),
		Orphans:      len(ts.desc.orphans()),
		SchemaHash:   ts.desc.hash,
		LastSequence: ts.manifest.LastSeq,
	}
	for pos, def := range ts.table.indices {
		var sec Writer
		ts.indices[pos].encode(&sec, ts.table.keyCodec)
		info.Indices = append(info.Indices, IndexInfo{
			Name:    def.indexName(),
			Ordinal: ts.manifest.Indices[def.indexName()].Ordinal,
			Entries: ts.indices[pos].len(),
			Size:    int64(sec.Len()),
		})
		info.IndexSize += int64(sec.Len())
	}
	return info
}
