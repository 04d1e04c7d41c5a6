package schema

import (
	"cmp"
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/indexing/btree"
	"github.com/sushant-115/graphstore/core/values"
)

// keySize is the persisted width of a NumberKey:
//
//	0   entity id (int64)
//	8   raw value bits (uint64)
//	16  value type (1 byte)
const keySize = 17

// NumberValue is the empty tree value of number indexes; the entity id is
// part of the key.
type NumberValue struct{}

type numberLayout struct {
	unique bool
}

// UniqueLayout orders stored keys by value alone, so an index on it holds
// at most one entity per value.
func UniqueLayout() btree.Layout[NumberKey, NumberValue] { return numberLayout{unique: true} }

// NonUniqueLayout orders by value, then entity id.
func NonUniqueLayout() btree.Layout[NumberKey, NumberValue] { return numberLayout{} }

func (numberLayout) KeySize() int   { return keySize }
func (numberLayout) ValueSize() int { return 0 }

func (numberLayout) WriteKey(dst []byte, k NumberKey) {
	binary.LittleEndian.PutUint64(dst[0:], uint64(k.EntityID))
	binary.LittleEndian.PutUint64(dst[8:], k.RawBits)
	dst[16] = byte(k.Type)
}

func (numberLayout) ReadKey(src []byte) NumberKey {
	return NumberKey{
		EntityID: int64(binary.LittleEndian.Uint64(src[0:])),
		RawBits:  binary.LittleEndian.Uint64(src[8:]),
		Type:     values.Type(src[16]),
	}
}

func (numberLayout) WriteValue([]byte, NumberValue) {}
func (numberLayout) ReadValue([]byte) NumberValue   { return NumberValue{} }

// Compare orders by numeric value, never by value type, so Int(5) and
// Double(5.0) collide. Entity ids break ties in non-unique layouts, or when
// either key asks for it.
func (l numberLayout) Compare(a, b NumberKey) int {
	if c := a.compareValues(b); c != 0 {
		return c
	}
	if !l.unique || a.CompareID || b.CompareID {
		return cmp.Compare(a.EntityID, b.EntityID)
	}
	return 0
}

func (l numberLayout) Identifier() uint64 {
	if l.unique {
		return btree.LayoutIdentifier("num.uniq")
	}
	return btree.LayoutIdentifier("num.dup")
}

func (numberLayout) Version() uint32 { return 1 }

// IsUniqueFile tells from a tree file header whether it holds a unique or
// a non-unique number index.
func IsUniqueFile(h btree.FileHeader) (bool, error) {
	switch h.LayoutID {
	case UniqueLayout().Identifier():
		return true, nil
	case NonUniqueLayout().Identifier():
		return false, nil
	}
	return false, fmt.Errorf("%w: layout %x is not a number index", dberror.ErrUnsupportedFormat, h.LayoutID)
}
