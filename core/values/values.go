// Package values defines the numeric property values the schema indexes
// store, and the exact cross-type ordering between them.
package values

import (
	"fmt"
	"math"
	"strconv"

	"github.com/sushant-115/graphstore/core/dberror"
)

// Type enumerates the numeric value types. The zero Type is invalid.
type Type uint8

const (
	TypeByte Type = iota + 1
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
)

func (t Type) String() string {
	switch t {
	case TypeByte:
		return "Byte"
	case TypeShort:
		return "Short"
	case TypeInt:
		return "Int"
	case TypeLong:
		return "Long"
	case TypeFloat:
		return "Float"
	case TypeDouble:
		return "Double"
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

func (t Type) Valid() bool      { return t >= TypeByte && t <= TypeDouble }
func (t Type) IsIntegral() bool { return t >= TypeByte && t <= TypeLong }

// Value is a numeric property value.
type Value interface {
	Type() Type
	// RawBits is the storage form: the sign-extended integer for integral
	// types, the IEEE bits for Float (32 bits) and Double.
	RawBits() uint64
	String() string
}

type (
	ByteValue   int8
	ShortValue  int16
	IntValue    int32
	LongValue   int64
	FloatValue  float32
	DoubleValue float64
)

func (v ByteValue) Type() Type   { return TypeByte }
func (v ShortValue) Type() Type  { return TypeShort }
func (v IntValue) Type() Type    { return TypeInt }
func (v LongValue) Type() Type   { return TypeLong }
func (v FloatValue) Type() Type  { return TypeFloat }
func (v DoubleValue) Type() Type { return TypeDouble }

func (v ByteValue) RawBits() uint64   { return uint64(int64(v)) }
func (v ShortValue) RawBits() uint64  { return uint64(int64(v)) }
func (v IntValue) RawBits() uint64    { return uint64(int64(v)) }
func (v LongValue) RawBits() uint64   { return uint64(v) }
func (v FloatValue) RawBits() uint64  { return uint64(math.Float32bits(float32(v))) }
func (v DoubleValue) RawBits() uint64 { return math.Float64bits(float64(v)) }

func (v ByteValue) String() string  { return "Byte(" + strconv.FormatInt(int64(v), 10) + ")" }
func (v ShortValue) String() string { return "Short(" + strconv.FormatInt(int64(v), 10) + ")" }
func (v IntValue) String() string   { return "Int(" + strconv.FormatInt(int64(v), 10) + ")" }
func (v LongValue) String() string  { return "Long(" + strconv.FormatInt(int64(v), 10) + ")" }
func (v FloatValue) String() string {
	return "Float(" + strconv.FormatFloat(float64(v), 'g', -1, 32) + ")"
}
func (v DoubleValue) String() string {
	return "Double(" + strconv.FormatFloat(float64(v), 'g', -1, 64) + ")"
}

// Of converts a Go numeric into a Value.
func Of(v any) (Value, error) {
	switch n := v.(type) {
	case Value:
		return n, nil
	case int8:
		return ByteValue(n), nil
	case int16:
		return ShortValue(n), nil
	case int32:
		return IntValue(n), nil
	case int64:
		return LongValue(n), nil
	case int:
		return LongValue(n), nil
	case uint8:
		return ShortValue(n), nil
	case uint16:
		return IntValue(n), nil
	case uint32:
		return LongValue(n), nil
	case float32:
		return FloatValue(n), nil
	case float64:
		return DoubleValue(n), nil
	}
	return nil, fmt.Errorf("%w: %T", dberror.ErrUnsupportedValue, v)
}

// FromRawBits rebuilds the value RawBits produced.
func FromRawBits(t Type, bits uint64) (Value, error) {
	switch t {
	case TypeByte:
		return ByteValue(int8(bits)), nil
	case TypeShort:
		return ShortValue(int16(bits)), nil
	case TypeInt:
		return IntValue(int32(bits)), nil
	case TypeLong:
		return LongValue(int64(bits)), nil
	case TypeFloat:
		return FloatValue(math.Float32frombits(uint32(bits))), nil
	case TypeDouble:
		return DoubleValue(math.Float64frombits(bits)), nil
	}
	return nil, fmt.Errorf("%w: type %s", dberror.ErrUnsupportedValue, t)
}

// Parse reads a literal as typed by a user: integers become Long, anything
// with a fraction or exponent becomes Double. A type suffix forces the type:
// b, s, i, l, f or d (for example "12i" or "1.5f").
func Parse(s string) (Value, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty literal", dberror.ErrUnsupportedValue)
	}
	body, suffix := s, s[len(s)-1]
	switch suffix {
	case 'b', 's', 'i', 'l', 'f', 'd':
		body = s[:len(s)-1]
	default:
		suffix = 0
	}
	bitsFor := map[byte]int{'b': 8, 's': 16, 'i': 32, 'l': 64}
	if bits, ok := bitsFor[suffix]; ok {
		n, err := strconv.ParseInt(body, 10, bits)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", dberror.ErrUnsupportedValue, err)
		}
		switch suffix {
		case 'b':
			return ByteValue(n), nil
		case 's':
			return ShortValue(n), nil
		case 'i':
			return IntValue(n), nil
		}
		return LongValue(n), nil
	}
	if suffix == 0 {
		if n, err := strconv.ParseInt(body, 10, 64); err == nil {
			return LongValue(n), nil
		}
	}
	bits := 64
	if suffix == 'f' {
		bits = 32
	}
	f, err := strconv.ParseFloat(body, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberror.ErrUnsupportedValue, err)
	}
	if suffix == 'f' {
		return FloatValue(f), nil
	}
	return DoubleValue(f), nil
}
