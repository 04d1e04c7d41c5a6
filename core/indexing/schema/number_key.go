// Package schema encodes indexed property values as B+Tree keys and
// provides the number index built on them.
package schema

import (
	"fmt"
	"math"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/values"
)

const (
	// entityIDLowest and entityIDHighest are the entity ids of bound keys.
	// They sort before and after every real entity with the same value.
	entityIDLowest  int64 = math.MinInt64
	entityIDHighest int64 = math.MaxInt64
)

// NumberKey is a numeric property value together with the entity that has
// it. The value is kept in its storage form, RawBits tagged with Type.
//
// CompareID makes comparisons fall back to EntityID when values are equal.
// A unique index leaves it off for stored keys, so any two keys with equal
// values collide; seek bounds switch it on.
// It is never persisted.
type NumberKey struct {
	EntityID  int64
	RawBits   uint64
	Type      values.Type
	CompareID bool
}

// From sets the key to value owned by entityID. Exactly one value is
// accepted.
func (k *NumberKey) From(entityID int64, vals ...values.Value) error {
	if len(vals) != 1 {
		return fmt.Errorf("%w: number keys hold exactly one value, got %d", dberror.ErrUnsupportedValue, len(vals))
	}
	if vals[0] == nil || !vals[0].Type().Valid() {
		return fmt.Errorf("%w: %v", dberror.ErrUnsupportedValue, vals[0])
	}
	k.EntityID = entityID
	k.RawBits = vals[0].RawBits()
	k.Type = vals[0].Type()
	return nil
}

// AsValue decodes the stored value.
func (k NumberKey) AsValue() (values.Value, error) {
	return values.FromRawBits(k.Type, k.RawBits)
}

// InitAsLowest makes k sort before every key.
func (k *NumberKey) InitAsLowest() {
	k.EntityID = entityIDLowest
	k.RawBits = math.Float64bits(math.Inf(-1))
	k.Type = values.TypeDouble
	k.CompareID = true
}

// InitAsHighest makes k sort after every key.
func (k *NumberKey) InitAsHighest() {
	k.EntityID = entityIDHighest
	k.RawBits = math.Float64bits(math.NaN())
	k.Type = values.TypeDouble
	k.CompareID = true
}

// InitForRangeFrom makes k a lower bound for a seek, which always includes
// its lower bound. An exclusive bound moves past every entity with v.
func (k *NumberKey) InitForRangeFrom(v values.Value, inclusive bool) error {
	id := entityIDLowest
	if !inclusive {
		id = entityIDHighest
	}
	return k.initBound(v, id)
}

// InitForRangeTo makes k an upper bound for a seek, which always excludes
// its upper bound. An inclusive bound moves past every entity with v.
func (k *NumberKey) InitForRangeTo(v values.Value, inclusive bool) error {
	id := entityIDLowest
	if inclusive {
		id = entityIDHighest
	}
	return k.initBound(v, id)
}

func (k *NumberKey) initBound(v values.Value, entityID int64) error {
	if err := k.From(entityID, v); err != nil {
		return err
	}
	k.CompareID = true
	return nil
}

func (k *NumberKey) SetEntityID(id int64) { k.EntityID = id }

// PropertiesAsString renders the value alone.
func (k NumberKey) PropertiesAsString() string {
	v, err := k.AsValue()
	if err != nil {
		return fmt.Sprintf("<invalid %s 0x%x>", k.Type, k.RawBits)
	}
	return v.String()
}

func (k NumberKey) String() string {
	return fmt.Sprintf("type=%s,rawValue=0x%x,value=%s,entityId=%d", k.Type, k.RawBits, k.PropertiesAsString(), k.EntityID)
}

// compareValues orders keys by value only.
func (k NumberKey) compareValues(other NumberKey) int {
	return values.CompareRaw(k.RawBits, k.Type, other.RawBits, other.Type)
}
