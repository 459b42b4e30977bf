package odb

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/spaolacci/murmur3"
)

const (
	headerSignature uint32 = 0x0042444F // "ODB\0"
	formatVersion   int32  = 1

	endOfRecord int16 = -1
	maxMemberID       = 1<<15 - 1
)

// member is one persisted field of a row. Orphans are members known only from
// persisted metadata; they are never written and are skipped on read.
type member struct {
	id    int16
	name  string
	desc  typeDesc
	field int
	codec *codec
}

func (m *member) isOrphan() bool {
	return m.codec == nil
}

// descriptor is the binary layout of a table's rows.
type descriptor struct {
	key     typeDesc
	members []*member // ascending by id
	byID    map[int16]*member
	blob    []byte
	hash    uint32
}

func newDescriptor(key typeDesc, members []*member) *descriptor {
	slices.SortFunc(members, func(a, b *member) int {
		return int(a.id) - int(b.id)
	})
	d := &descriptor{
		key:     key,
		members: members,
		byID:    make(map[int16]*member, len(members)),
	}
	for _, m := range members {
		d.byID[m.id] = m
	}

	var w Writer
	d.key.append(&w)
	w.WriteInt32(int32(len(members)))
	for _, m := range members {
		w.WriteInt16(m.id)
		w.WriteString(m.name)
		m.desc.append(&w)
	}
	d.blob = w.Buf
	d.hash = murmur3.Sum32(d.blob)
	return d
}

// buildDescriptor assigns ids in field order to every exported field of
// rowType except the key field.
func buildDescriptor(reg *Registry, rowType reflect.Type, keyField int, keyDesc typeDesc) (*descriptor, error) {
	var members []*member
	names := make(map[string]bool)
	for i := range rowType.NumField() {
		if i == keyField {
			continue
		}
		f := rowType.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("odb"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		if names[name] {
			return nil, fmt.Errorf("%v: duplicate member name %q", rowType, name)
		}
		names[name] = true

		c, err := reg.codecOf(f.Type)
		if err != nil {
			return nil, fmt.Errorf("%v.%s: %w", rowType, f.Name, err)
		}
		if len(members) >= maxMemberID {
			return nil, fmt.Errorf("%v: too many members", rowType)
		}
		members = append(members, &member{
			id:    int16(len(members)),
			name:  name,
			desc:  c.desc,
			field: i,
			codec: c,
		})
	}
	return newDescriptor(keyDesc, members), nil
}

// decodeDescriptor reads a persisted member blob. The result has no field
// bindings; every member is an orphan until upgrade matches it.
func decodeDescriptor(blob []byte) (*descriptor, error) {
	r := makeReader(blob)
	key, err := readTypeDesc(&r)
	if err != nil {
		return nil, err
	}
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) > r.Remaining()/4 {
		return nil, r.Errorf(nil, "invalid member count %d", n)
	}
	members := make([]*member, 0, n)
	seen := make(map[int16]bool)
	for range n {
		id, err := r.ReadInt16()
		if err != nil {
			return nil, err
		}
		if id < 0 || seen[id] {
			return nil, r.Errorf(nil, "invalid member id %d", id)
		}
		seen[id] = true
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		desc, err := readTypeDesc(&r)
		if err != nil {
			return nil, err
		}
		members = append(members, &member{id: id, name: name, desc: desc, field: -1})
	}
	if r.Remaining() != 0 {
		return nil, r.Errorf(nil, "trailing data after member blob")
	}
	return newDescriptor(key, members), nil
}

// upgrade maps the live descriptor onto a persisted one. Live members adopt
// the id of a persisted member with the same name and layout; the rest get
// fresh ids at or above nextID and above every persisted id. Persisted members
// that no longer match stay as orphans so their bytes can still be skipped.
func (live *descriptor) upgrade(persisted *descriptor, nextID int) (*descriptor, error) {
	if !live.key.equal(persisted.key) {
		return nil, fmt.Errorf("%w: stored %v, declared %v", ErrIncompatibleKey, persisted.key, live.key)
	}

	nextID = max(nextID, persisted.nextMemberID())

	used := make(map[int16]bool)
	result := make([]*member, 0, len(live.members)+len(persisted.members))
	for _, lm := range live.members {
		m := *lm
		matched := false
		for _, pm := range persisted.members {
			if !used[pm.id] && pm.name == lm.name && pm.desc.equal(lm.desc) {
				m.id = pm.id
				matched = true
				break
			}
		}
		if !matched {
			if nextID > maxMemberID {
				return nil, fmt.Errorf("member ids exhausted")
			}
			m.id = int16(nextID)
			nextID++
		}
		used[m.id] = true
		result = append(result, &m)
	}
	for _, pm := range persisted.members {
		if !used[pm.id] {
			orphan := *pm
			orphan.field, orphan.codec = -1, nil
			result = append(result, &orphan)
		}
	}
	return newDescriptor(live.key, result), nil
}

// nextMemberID returns the smallest id above every member id.
func (d *descriptor) nextMemberID() int {
	next := 0
	for _, m := range d.members {
		next = max(next, int(m.id)+1)
	}
	return next
}

func (d *descriptor) orphans() []*member {
	var result []*member
	for _, m := range d.members {
		if m.isOrphan() {
			result = append(result, m)
		}
	}
	return result
}

func (d *descriptor) memberNamed(name string) *member {
	for _, m := range d.members {
		if m.name == name && !m.isOrphan() {
			return m
		}
	}
	return nil
}

// encodeRecord writes (id, value) pairs for every bound member that the
// interceptors allow, followed by the end marker. rowVal is the struct value.
func (d *descriptor) encodeRecord(w *Writer, rowVal reflect.Value, allow func(name string) bool) {
	for _, m := range d.members {
		if m.isOrphan() {
			continue
		}
		if allow != nil && !allow(m.name) {
			continue
		}
		w.WriteInt16(m.id)
		m.codec.write(w, rowVal.Field(m.field))
	}
	w.WriteInt16(endOfRecord)
}

func (d *descriptor) decodeRecord(r *Reader, rowVal reflect.Value, reg *Registry) error {
	for {
		id, err := r.ReadInt16()
		if err != nil {
			return err
		}
		if id == endOfRecord {
			return nil
		}
		m := d.byID[id]
		if m == nil {
			return r.Errorf(nil, "unknown member id %d", id)
		}
		if m.isOrphan() {
			err = reg.skip(r, m.desc)
		} else {
			err = m.codec.read(r, rowVal.Field(m.field))
		}
		if err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
	}
}

// tableHeader is the first block of every table's key image.
type tableHeader struct {
	format int32
	hash   uint32
	blob   []byte
	props  map[string]string
}

func (h *tableHeader) append(w *Writer) {
	w.WriteUint32(headerSignature)
	w.WriteInt32(h.format)
	w.WriteUint32(h.hash)
	w.WriteBytes(h.blob)
	keys := slices.Sorted(maps.Keys(h.props))
	w.WriteUvarint(uint64(len(keys)))
	for _, k := range keys {
		w.WriteString(k)
		w.WriteString(h.props[k])
	}
}

func readTableHeader(r *Reader) (*tableHeader, error) {
	sig, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if sig != headerSignature {
		return nil, r.Errorf(nil, "bad signature %08x", sig)
	}
	h := &tableHeader{}
	if h.format, err = r.ReadInt32(); err != nil {
		return nil, err
	}
	if h.format < 1 || h.format > formatVersion {
		return nil, r.Errorf(nil, "unsupported format version %d", h.format)
	}
	if h.hash, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	blob, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	h.blob = slices.Clone(blob)
	n, err := r.ReadCount(2)
	if err != nil {
		return nil, err
	}
	h.props = make(map[string]string, n)
	for range n {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		h.props[normalizePropertyName(k)] = v
	}
	return h, nil
}
