package odb

import (
	"fmt"
	"math/big"
	"net/url"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateTimeOffset is a point in time together with the UTC offset it was
// observed in. It is persisted as the packed local wall clock followed by the
// offset in minutes, so sub-minute zone offsets are not preserved.
type DateTimeOffset struct {
	time.Time
}

func (v DateTimeOffset) Compare(o DateTimeOffset) int {
	return v.Time.Compare(o.Time)
}

var (
	timeType           = reflect.TypeFor[time.Time]()
	durationType       = reflect.TypeFor[time.Duration]()
	dateTimeOffsetType = reflect.TypeFor[DateTimeOffset]()
	uuidType           = reflect.TypeFor[uuid.UUID]()
	urlType            = reflect.TypeFor[url.URL]()
	decimalType        = reflect.TypeFor[decimal.Decimal]()
)

const (
	ticksPerSecond = 10_000_000
	nanosPerTick   = 100
	// ticks between 0001-01-01 and 1970-01-01
	unixEpochTicks = 621355968000000000

	tickMask  = 1<<62 - 1
	kindShift = 62

	kindUnspecified = 0
	kindUTC         = 1
	kindLocal       = 2
)

// timeToTicks returns the number of 100ns intervals since 0001-01-01 UTC.
func timeToTicks(t time.Time) int64 {
	return unixEpochTicks + t.Unix()*ticksPerSecond + int64(t.Nanosecond()/nanosPerTick)
}

func ticksToTime(ticks int64) time.Time {
	s := ticks - unixEpochTicks
	sec, rem := s/ticksPerSecond, s%ticksPerSecond
	if rem < 0 {
		rem += ticksPerSecond
		sec--
	}
	return time.Unix(sec, rem*nanosPerTick)
}

func packDateTime(t time.Time) uint64 {
	kind := uint64(kindUTC)
	if t.Location() == time.Local {
		kind = kindLocal
	}
	return uint64(timeToTicks(t))&tickMask | kind<<kindShift
}

func unpackDateTime(v uint64) time.Time {
	t := ticksToTime(int64(v & tickMask))
	if v>>kindShift == kindLocal {
		return t.Local()
	}
	return t.UTC()
}

func specialCodec(typ reflect.Type) *codec {
	switch typ {
	case timeType:
		return &codec{
			typ:  typ,
			desc: typeDesc{id: TypeDateTime},
			enc: func(w *Writer, v reflect.Value) {
				w.WriteUint64(packDateTime(v.Interface().(time.Time)))
			},
			dec: func(r *Reader, v reflect.Value) error {
				x, err := r.ReadUint64()
				if err != nil {
					return err
				}
				v.Set(reflect.ValueOf(unpackDateTime(x)))
				return nil
			},
		}
	case dateTimeOffsetType:
		return &codec{
			typ:  typ,
			desc: typeDesc{id: TypeDateTimeOffset},
			enc: func(w *Writer, v reflect.Value) {
				t := v.Interface().(DateTimeOffset).Time
				_, offset := t.Zone()
				offMin := offset / 60
				wall := timeToTicks(t) + int64(offMin)*60*ticksPerSecond
				w.WriteUint64(uint64(wall)&tickMask | kindUnspecified<<kindShift)
				w.WriteInt16(int16(offMin))
			},
			dec: func(r *Reader, v reflect.Value) error {
				x, err := r.ReadUint64()
				if err != nil {
					return err
				}
				offMin, err := r.ReadInt16()
				if err != nil {
					return err
				}
				instant := ticksToTime(int64(x&tickMask) - int64(offMin)*60*ticksPerSecond)
				loc := time.UTC
				if offMin != 0 {
					loc = time.FixedZone("", int(offMin)*60)
				}
				v.Set(reflect.ValueOf(DateTimeOffset{instant.In(loc)}))
				return nil
			},
		}
	case durationType:
		return &codec{
			typ:  typ,
			desc: typeDesc{id: TypeTimeSpan},
			enc: func(w *Writer, v reflect.Value) {
				w.WriteInt64(v.Int())
			},
			dec: func(r *Reader, v reflect.Value) error {
				x, err := r.ReadInt64()
				v.SetInt(x)
				return err
			},
		}
	case uuidType:
		return &codec{
			typ:  typ,
			desc: typeDesc{id: TypeUUID},
			enc: func(w *Writer, v reflect.Value) {
				u := v.Interface().(uuid.UUID)
				w.WriteRaw(u[:])
			},
			dec: func(r *Reader, v reflect.Value) error {
				b, err := r.Raw(16)
				if err != nil {
					return err
				}
				v.Set(reflect.ValueOf(uuid.UUID(b)))
				return nil
			},
		}
	case urlType:
		return &codec{
			typ:  typ,
			desc: typeDesc{id: TypeURI},
			enc: func(w *Writer, v reflect.Value) {
				u := v.Interface().(url.URL)
				w.WriteString(u.String())
				w.WriteBool(u.IsAbs())
			},
			dec: func(r *Reader, v reflect.Value) error {
				s, err := r.ReadString()
				if err != nil {
					return err
				}
				if _, err := r.ReadBool(); err != nil {
					return err
				}
				u, err := url.Parse(s)
				if err != nil {
					return r.Errorf(err, "invalid URI")
				}
				v.Set(reflect.ValueOf(*u))
				return nil
			},
		}
	case decimalType:
		return &codec{
			typ:  typ,
			desc: typeDesc{id: TypeDecimal},
			enc: func(w *Writer, v reflect.Value) {
				words, err := decimalToWords(v.Interface().(decimal.Decimal))
				if err != nil {
					w.Fail(err)
				}
				for _, x := range words {
					w.WriteUint32(x)
				}
			},
			dec: func(r *Reader, v reflect.Value) error {
				var words [4]uint32
				for i := range words {
					x, err := r.ReadUint32()
					if err != nil {
						return err
					}
					words[i] = x
				}
				d, err := decimalFromWords(words)
				if err != nil {
					return r.Errorf(err, "invalid decimal")
				}
				v.Set(reflect.ValueOf(d))
				return nil
			},
		}
	}
	return nil
}

const (
	maxDecimalScale = 28
	decimalSignBit  = 1 << 31
)

// decimalToWords returns lo, mid, hi words of the 96-bit magnitude and a flags
// word holding the scale in bits 16-23 and the sign in bit 31.
func decimalToWords(d decimal.Decimal) ([4]uint32, error) {
	if d.Exponent() < -maxDecimalScale {
		d = d.Round(maxDecimalScale)
	}
	coef := d.Coefficient()
	exp := d.Exponent()
	if exp > 0 {
		coef.Mul(coef, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
		exp = 0
	}
	neg := coef.Sign() < 0
	coef.Abs(coef)
	if coef.BitLen() > 96 {
		return [4]uint32{}, fmt.Errorf("decimal %s does not fit into 96 bits", d)
	}
	var b [12]byte
	coef.FillBytes(b[:])
	hi := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	mid := uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])
	lo := uint32(b[8])<<24 | uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11])
	flags := uint32(-exp) << 16
	if neg {
		flags |= decimalSignBit
	}
	return [4]uint32{lo, mid, hi, flags}, nil
}

func decimalFromWords(words [4]uint32) (decimal.Decimal, error) {
	lo, mid, hi, flags := words[0], words[1], words[2], words[3]
	scale := int32(flags>>16) & 0xFF
	if scale > maxDecimalScale || flags&^(decimalSignBit|0xFF<<16) != 0 {
		return decimal.Decimal{}, fmt.Errorf("bad flags %08x", flags)
	}
	coef := new(big.Int).SetUint64(uint64(hi))
	coef.Lsh(coef, 64)
	coef.Or(coef, new(big.Int).SetUint64(uint64(mid)<<32|uint64(lo)))
	if flags&decimalSignBit != 0 {
		coef.Neg(coef)
	}
	return decimal.NewFromBigInt(coef, -scale), nil
}

func scalarCodec(typ reflect.Type) *codec {
	c := &codec{typ: typ}
	switch typ.Kind() {
	case reflect.Bool:
		c.desc.id = TypeBool
		c.enc = func(w *Writer, v reflect.Value) { w.WriteBool(v.Bool()) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadBool()
			v.SetBool(x)
			return err
		}
	case reflect.Int8:
		c.desc.id = TypeInt8
		c.enc = func(w *Writer, v reflect.Value) { w.WriteInt8(int8(v.Int())) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadInt8()
			v.SetInt(int64(x))
			return err
		}
	case reflect.Uint8:
		c.desc.id = TypeUint8
		c.enc = func(w *Writer, v reflect.Value) { w.WriteByte(byte(v.Uint())) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadByte()
			v.SetUint(uint64(x))
			return err
		}
	case reflect.Int16:
		c.desc.id = TypeInt16
		c.enc = func(w *Writer, v reflect.Value) { w.WriteInt16(int16(v.Int())) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadInt16()
			v.SetInt(int64(x))
			return err
		}
	case reflect.Uint16:
		c.desc.id = TypeUint16
		c.enc = func(w *Writer, v reflect.Value) { w.WriteUint16(uint16(v.Uint())) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadUint16()
			v.SetUint(uint64(x))
			return err
		}
	case reflect.Int32:
		c.desc.id = TypeInt32
		c.enc = func(w *Writer, v reflect.Value) { w.WriteInt32(int32(v.Int())) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadInt32()
			v.SetInt(int64(x))
			return err
		}
	case reflect.Uint32:
		c.desc.id = TypeUint32
		c.enc = func(w *Writer, v reflect.Value) { w.WriteUint32(uint32(v.Uint())) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadUint32()
			v.SetUint(uint64(x))
			return err
		}
	case reflect.Int64, reflect.Int:
		c.desc.id = TypeInt64
		c.enc = func(w *Writer, v reflect.Value) { w.WriteInt64(v.Int()) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadInt64()
			if err != nil {
				return err
			}
			if v.OverflowInt(x) {
				return r.Errorf(nil, "%d overflows %v", x, v.Type())
			}
			v.SetInt(x)
			return nil
		}
	case reflect.Uint64, reflect.Uint:
		c.desc.id = TypeUint64
		c.enc = func(w *Writer, v reflect.Value) { w.WriteUint64(v.Uint()) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadUint64()
			if err != nil {
				return err
			}
			if v.OverflowUint(x) {
				return r.Errorf(nil, "%d overflows %v", x, v.Type())
			}
			v.SetUint(x)
			return nil
		}
	case reflect.Float32:
		c.desc.id = TypeFloat32
		c.enc = func(w *Writer, v reflect.Value) { w.WriteFloat32(float32(v.Float())) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadFloat32()
			v.SetFloat(float64(x))
			return err
		}
	case reflect.Float64:
		c.desc.id = TypeFloat64
		c.enc = func(w *Writer, v reflect.Value) { w.WriteFloat64(v.Float()) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadFloat64()
			v.SetFloat(x)
			return err
		}
	case reflect.String:
		c.desc.id = TypeString
		c.enc = func(w *Writer, v reflect.Value) { w.WriteString(v.String()) }
		c.dec = func(r *Reader, v reflect.Value) error {
			x, err := r.ReadString()
			v.SetString(x)
			return err
		}
	default:
		return nil
	}
	return c
}

func bytesCodec(typ reflect.Type) *codec {
	return &codec{
		typ:      typ,
		desc:     typeDesc{id: TypeBytes},
		nullable: true,
		enc: func(w *Writer, v reflect.Value) {
			w.WriteBytes(v.Bytes())
		},
		dec: func(r *Reader, v reflect.Value) error {
			b, err := r.ReadBytes()
			if err != nil {
				return err
			}
			v.SetBytes(append([]byte{}, b...))
			return nil
		},
	}
}
