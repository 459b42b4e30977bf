package odb

import (
	"reflect"
	"slices"
)

// Tuple2 is a two-component composite key, typically used for indexes over
// several fields. Components compare lexicographically.
type Tuple2[T1, T2 any] struct {
	First  T1
	Second T2
}

// Tuple3 is a three-component composite key.
type Tuple3[T1, T2, T3 any] struct {
	First  T1
	Second T2
	Third  T3
}

func Tup2[T1, T2 any](a T1, b T2) Tuple2[T1, T2] {
	return Tuple2[T1, T2]{a, b}
}

func Tup3[T1, T2, T3 any](a T1, b T2, c T3) Tuple3[T1, T2, T3] {
	return Tuple3[T1, T2, T3]{a, b, c}
}

type tuple interface {
	isTuple()
}

func (Tuple2[T1, T2]) isTuple()     {}
func (Tuple3[T1, T2, T3]) isTuple() {}

var tupleType = reflect.TypeFor[tuple]()

func pointerCodec(typ reflect.Type, elem *codec) *codec {
	return &codec{
		typ:      typ,
		desc:     elem.desc,
		nullable: true,
		enc: func(w *Writer, v reflect.Value) {
			ev := v.Elem()
			if elem.nullable && ev.IsNil() {
				// *[]T pointing at a nil slice reads back as a pointer to an empty one
				switch ev.Kind() {
				case reflect.Slice:
					ev = reflect.MakeSlice(ev.Type(), 0, 0)
				case reflect.Map:
					ev = reflect.MakeMap(ev.Type())
				}
			}
			elem.enc(w, ev)
		},
		dec: func(r *Reader, v reflect.Value) error {
			p := reflect.New(typ.Elem())
			if err := elem.dec(r, p.Elem()); err != nil {
				return err
			}
			v.Set(p)
			return nil
		},
	}
}

func sliceCodec(typ reflect.Type, elem *codec) *codec {
	return &codec{
		typ:      typ,
		desc:     typeDesc{id: TypeList, elems: []typeDesc{elem.desc}},
		nullable: true,
		enc: func(w *Writer, v reflect.Value) {
			n := v.Len()
			w.WriteUvarint(uint64(n))
			for i := range n {
				elem.write(w, v.Index(i))
			}
		},
		dec: func(r *Reader, v reflect.Value) error {
			n, err := r.ReadCount(1)
			if err != nil {
				return err
			}
			s := reflect.MakeSlice(typ, n, n)
			for i := range n {
				if err := elem.read(r, s.Index(i)); err != nil {
					return err
				}
			}
			v.Set(s)
			return nil
		},
	}
}

func arrayCodec(typ reflect.Type, elem *codec) *codec {
	size := typ.Len()
	return &codec{
		typ:  typ,
		desc: typeDesc{id: TypeList, elems: []typeDesc{elem.desc}},
		enc: func(w *Writer, v reflect.Value) {
			w.WriteUvarint(uint64(size))
			for i := range size {
				elem.write(w, v.Index(i))
			}
		},
		dec: func(r *Reader, v reflect.Value) error {
			n, err := r.ReadCount(1)
			if err != nil {
				return err
			}
			if n != size {
				return r.Errorf(nil, "%v expects %d elements, got %d", typ, size, n)
			}
			for i := range n {
				if err := elem.read(r, v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func setCodec(typ reflect.Type, key *codec) *codec {
	zero := reflect.Zero(typ.Elem())
	return &codec{
		typ:      typ,
		desc:     typeDesc{id: TypeSet, elems: []typeDesc{key.desc}},
		nullable: true,
		enc: func(w *Writer, v reflect.Value) {
			keys := sortedMapKeys(v)
			w.WriteUvarint(uint64(len(keys)))
			for _, k := range keys {
				key.write(w, k)
			}
		},
		dec: func(r *Reader, v reflect.Value) error {
			n, err := r.ReadCount(1)
			if err != nil {
				return err
			}
			m := reflect.MakeMapWithSize(typ, n)
			for range n {
				k := reflect.New(typ.Key()).Elem()
				if err := key.read(r, k); err != nil {
					return err
				}
				m.SetMapIndex(k, zero)
			}
			v.Set(m)
			return nil
		},
	}
}

func dictCodec(typ reflect.Type, key, elem *codec) *codec {
	return &codec{
		typ:      typ,
		desc:     typeDesc{id: TypeDict, elems: []typeDesc{key.desc, elem.desc}},
		nullable: true,
		enc: func(w *Writer, v reflect.Value) {
			keys := sortedMapKeys(v)
			w.WriteUvarint(uint64(len(keys)))
			for _, k := range keys {
				key.write(w, k)
				elem.write(w, v.MapIndex(k))
			}
		},
		dec: func(r *Reader, v reflect.Value) error {
			n, err := r.ReadCount(2)
			if err != nil {
				return err
			}
			m := reflect.MakeMapWithSize(typ, n)
			for range n {
				k := reflect.New(typ.Key()).Elem()
				if err := key.read(r, k); err != nil {
					return err
				}
				e := reflect.New(typ.Elem()).Elem()
				if err := elem.read(r, e); err != nil {
					return err
				}
				m.SetMapIndex(k, e)
			}
			v.Set(m)
			return nil
		},
	}
}

// sortedMapKeys returns map keys in natural order when the key type has one,
// which keeps encoded records byte-for-byte reproducible.
func sortedMapKeys(m reflect.Value) []reflect.Value {
	keys := m.MapKeys()
	if cmp := naturalComparer(m.Type().Key()); cmp != nil {
		slices.SortFunc(keys, cmp)
	}
	return keys
}

func (reg *Registry) tupleCodec(typ reflect.Type, visiting map[reflect.Type]bool) (*codec, error) {
	n := typ.NumField()
	comps := make([]*codec, n)
	descs := make([]typeDesc, n)
	for i := range n {
		c, err := reg.resolve(typ.Field(i).Type, visiting)
		if err != nil {
			return nil, err
		}
		comps[i] = c
		descs[i] = c.desc
	}
	return &codec{
		typ:  typ,
		desc: typeDesc{id: TypeTuple, elems: descs},
		enc: func(w *Writer, v reflect.Value) {
			for i, c := range comps {
				c.write(w, v.Field(i))
			}
		},
		dec: func(r *Reader, v reflect.Value) error {
			for i, c := range comps {
				if err := c.read(r, v.Field(i)); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}
