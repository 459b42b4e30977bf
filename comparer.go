package odb

import (
	"bytes"
	"cmp"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// OrdinalCompare orders strings by their bytes.
func OrdinalCompare(a, b string) int {
	return strings.Compare(a, b)
}

// OrdinalIgnoreCaseCompare orders strings by their bytes after simple
// Unicode case folding to upper case.
func OrdinalIgnoreCaseCompare(a, b string) int {
	return strings.Compare(strings.ToUpper(a), strings.ToUpper(b))
}

// CultureCompare returns a linguistic comparer for the given language. Case
// differences are significant but rank below letter differences, so "test5"
// sorts next to "TEST5" and before "test6".
func CultureCompare(tag language.Tag) func(a, b string) int {
	return collatorCompare(tag)
}

// CultureCompareIgnoreCase is CultureCompare that treats strings differing
// only in case as equal.
func CultureCompareIgnoreCase(tag language.Tag) func(a, b string) int {
	return collatorCompare(tag, collate.IgnoreCase)
}

func collatorCompare(tag language.Tag, opts ...collate.Option) func(a, b string) int {
	// Collator keeps scratch buffers and is not safe for concurrent use.
	pool := &sync.Pool{
		New: func() any {
			return collate.New(tag, opts...)
		},
	}
	return func(a, b string) int {
		c := pool.Get().(*collate.Collator)
		r := c.CompareString(a, b)
		pool.Put(c)
		return r
	}
}

// CompareTuple2 builds a lexicographic comparer out of component comparers.
func CompareTuple2[T1, T2 any](c1 func(a, b T1) int, c2 func(a, b T2) int) func(a, b Tuple2[T1, T2]) int {
	return func(a, b Tuple2[T1, T2]) int {
		if r := c1(a.First, b.First); r != 0 {
			return r
		}
		return c2(a.Second, b.Second)
	}
}

func CompareTuple3[T1, T2, T3 any](c1 func(a, b T1) int, c2 func(a, b T2) int, c3 func(a, b T3) int) func(a, b Tuple3[T1, T2, T3]) int {
	return func(a, b Tuple3[T1, T2, T3]) int {
		if r := c1(a.First, b.First); r != 0 {
			return r
		}
		if r := c2(a.Second, b.Second); r != 0 {
			return r
		}
		return c3(a.Third, b.Third)
	}
}

// typedComparer adapts a reflection comparer to K.
func typedComparer[K any](rc func(a, b reflect.Value) int) func(a, b K) int {
	return func(a, b K) int {
		return rc(reflect.ValueOf(&a).Elem(), reflect.ValueOf(&b).Elem())
	}
}

// boxedComparer adapts a reflection comparer to boxed values of one type.
func boxedComparer(rc func(a, b reflect.Value) int) func(a, b any) int {
	return func(a, b any) int {
		return rc(reflect.ValueOf(a), reflect.ValueOf(b))
	}
}

// naturalComparer returns the default order of typ, or nil if there is none.
// Floats order NaN first; pointers order nil first.
func naturalComparer(typ reflect.Type) func(a, b reflect.Value) int {
	switch typ {
	case timeType:
		return func(a, b reflect.Value) int {
			return a.Interface().(time.Time).Compare(b.Interface().(time.Time))
		}
	case dateTimeOffsetType:
		return func(a, b reflect.Value) int {
			return a.Interface().(DateTimeOffset).Compare(b.Interface().(DateTimeOffset))
		}
	case durationType:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Int(), b.Int())
		}
	case uuidType:
		return func(a, b reflect.Value) int {
			x, y := a.Interface().(uuid.UUID), b.Interface().(uuid.UUID)
			return bytes.Compare(x[:], y[:])
		}
	case decimalType:
		return func(a, b reflect.Value) int {
			return a.Interface().(decimal.Decimal).Cmp(b.Interface().(decimal.Decimal))
		}
	}

	if typ.Kind() == reflect.Struct && typ.Implements(tupleType) {
		n := typ.NumField()
		comps := make([]func(a, b reflect.Value) int, n)
		for i := range n {
			comps[i] = naturalComparer(typ.Field(i).Type)
			if comps[i] == nil {
				return nil
			}
		}
		return func(a, b reflect.Value) int {
			for i, c := range comps {
				if r := c(a.Field(i), b.Field(i)); r != 0 {
					return r
				}
			}
			return 0
		}
	}

	switch typ.Kind() {
	case reflect.Bool:
		return func(a, b reflect.Value) int {
			x, y := a.Bool(), b.Bool()
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Int(), b.Int())
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Uint(), b.Uint())
		}
	case reflect.Float32, reflect.Float64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Float(), b.Float())
		}
	case reflect.String:
		return func(a, b reflect.Value) int {
			return strings.Compare(a.String(), b.String())
		}
	case reflect.Slice:
		if typ.Elem().Kind() == reflect.Uint8 {
			return func(a, b reflect.Value) int {
				return bytes.Compare(a.Bytes(), b.Bytes())
			}
		}
	case reflect.Pointer:
		elem := naturalComparer(typ.Elem())
		if elem == nil {
			return nil
		}
		return func(a, b reflect.Value) int {
			switch an, bn := a.IsNil(), b.IsNil(); {
			case an && bn:
				return 0
			case an:
				return -1
			case bn:
				return 1
			}
			return elem(a.Elem(), b.Elem())
		}
	}
	return nil
}
