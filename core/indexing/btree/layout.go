package btree

import (
	"cmp"
	"encoding/binary"
)

// Layout describes how keys and values of a tree are laid out in pages.
// Every key occupies exactly KeySize bytes and every value ValueSize bytes.
type Layout[K any, V any] interface {
	KeySize() int
	ValueSize() int
	WriteKey(dst []byte, key K)
	ReadKey(src []byte) K
	WriteValue(dst []byte, value V)
	ReadValue(src []byte) V
	Compare(a, b K) int
	// Identifier and Version are recorded in the file header; opening a file
	// with a different layout fails.
	Identifier() uint64
	Version() uint32
}

// LayoutIdentifier packs a short name (at most 8 bytes) into an identifier.
func LayoutIdentifier(name string) uint64 {
	var b [8]byte
	copy(b[:], name)
	return binary.BigEndian.Uint64(b[:])
}

// Int64Layout maps int64 keys to uint64 values.
type Int64Layout struct{}

var _ Layout[int64, uint64] = Int64Layout{}

func (Int64Layout) KeySize() int   { return 8 }
func (Int64Layout) ValueSize() int { return 8 }
func (Int64Layout) WriteKey(dst []byte, key int64) {
	binary.LittleEndian.PutUint64(dst, uint64(key))
}
func (Int64Layout) ReadKey(src []byte) int64 {
	return int64(binary.LittleEndian.Uint64(src))
}
func (Int64Layout) WriteValue(dst []byte, value uint64) {
	binary.LittleEndian.PutUint64(dst, value)
}
func (Int64Layout) ReadValue(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}
func (Int64Layout) Compare(a, b int64) int { return cmp.Compare(a, b) }
func (Int64Layout) Identifier() uint64     { return LayoutIdentifier("i64.u64") }
func (Int64Layout) Version() uint32        { return 1 }
