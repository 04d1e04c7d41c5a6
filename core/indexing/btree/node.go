package btree

import (
	"encoding/binary"
	"hash/crc32"
)

// --- Node page format ---
//
//	0      type (1 byte), 1 reserved byte
//	2      key count (uint16)
//	4      generation (uint64)
//	12     right sibling page id (uint64); next free page for free pages
//	20     leaf:     entries of key|value
//	20     internal: child0 (uint64), then entries of key|child from 28
//	end-4  crc32 of everything before it
const (
	nodeTypeLeaf     byte = 1
	nodeTypeInternal byte = 2
	nodeTypeFree     byte = 3

	offType            = 0
	offKeyCount        = 2
	offGeneration      = 4
	offRightSibling    = 12
	offLeafEntries     = 20
	offChild0          = 20
	offInternalEntries = 28
	checksumSize       = 4
	childSize          = 8

	// noPage never names a node: page 0 holds the file header.
	noPage uint64 = 0
)

// nodeFormat reads and writes node pages for one layout and page size.
type nodeFormat[K any, V any] struct {
	layout            Layout[K, V]
	pageSize          int
	keySize           int
	leafEntrySize     int
	internalEntrySize int
	maxLeafKeys       int
	maxInternalKeys   int
	minLeafKeys       int
	minInternalKeys   int
}

func newNodeFormat[K any, V any](layout Layout[K, V], pageSize int, opts Options) (*nodeFormat[K, V], error) {
	f := &nodeFormat[K, V]{
		layout:            layout,
		pageSize:          pageSize,
		keySize:           layout.KeySize(),
		leafEntrySize:     layout.KeySize() + layout.ValueSize(),
		internalEntrySize: layout.KeySize() + childSize,
	}
	f.maxLeafKeys = (pageSize - offLeafEntries - checksumSize) / f.leafEntrySize
	f.maxInternalKeys = (pageSize - offInternalEntries - checksumSize) / f.internalEntrySize
	if opts.MaxLeafKeys > 0 && opts.MaxLeafKeys < f.maxLeafKeys {
		f.maxLeafKeys = opts.MaxLeafKeys
	}
	if opts.MaxInternalKeys > 0 && opts.MaxInternalKeys < f.maxInternalKeys {
		f.maxInternalKeys = opts.MaxInternalKeys
	}
	if f.maxLeafKeys < 3 || f.maxInternalKeys < 3 {
		return nil, ErrNodeTooSmall
	}
	f.minLeafKeys = f.maxLeafKeys / 2
	f.minInternalKeys = f.maxInternalKeys / 2
	return f, nil
}

// --- Header fields ---

func nodeType(buf []byte) byte           { return buf[offType] }
func keyCount(buf []byte) int            { return int(binary.LittleEndian.Uint16(buf[offKeyCount:])) }
func setKeyCount(buf []byte, n int)      { binary.LittleEndian.PutUint16(buf[offKeyCount:], uint16(n)) }
func generation(buf []byte) uint64       { return binary.LittleEndian.Uint64(buf[offGeneration:]) }
func setGeneration(buf []byte, g uint64) { binary.LittleEndian.PutUint64(buf[offGeneration:], g) }
func rightSibling(buf []byte) uint64     { return binary.LittleEndian.Uint64(buf[offRightSibling:]) }
func setRightSibling(buf []byte, id uint64) {
	binary.LittleEndian.PutUint64(buf[offRightSibling:], id)
}

func bumpGeneration(buf []byte) {
	setGeneration(buf, generation(buf)+1)
}

func initNode(buf []byte, typ byte, gen uint64) {
	clear(buf)
	buf[offType] = typ
	setGeneration(buf, gen)
}

// seal writes the checksum trailer. It must run before a modified node's
// latch is released.
func seal(buf []byte) {
	n := len(buf) - checksumSize
	binary.LittleEndian.PutUint32(buf[n:], crc32.ChecksumIEEE(buf[:n]))
}

func verifyChecksum(buf []byte) bool {
	n := len(buf) - checksumSize
	return binary.LittleEndian.Uint32(buf[n:]) == crc32.ChecksumIEEE(buf[:n])
}

// --- Leaf entries ---

func (f *nodeFormat[K, V]) leafEntry(buf []byte, i int) []byte {
	off := offLeafEntries + i*f.leafEntrySize
	return buf[off : off+f.leafEntrySize]
}

func (f *nodeFormat[K, V]) leafKey(buf []byte, i int) K {
	return f.layout.ReadKey(f.leafEntry(buf, i)[:f.keySize])
}

func (f *nodeFormat[K, V]) leafValue(buf []byte, i int) V {
	return f.layout.ReadValue(f.leafEntry(buf, i)[f.keySize:])
}

func (f *nodeFormat[K, V]) setLeafEntry(buf []byte, i int, key K, value V) {
	e := f.leafEntry(buf, i)
	f.layout.WriteKey(e[:f.keySize], key)
	f.layout.WriteValue(e[f.keySize:], value)
}

// leafInsertAt shifts entries [pos, count) right by one and writes the new
// entry at pos. The caller checks capacity.
func (f *nodeFormat[K, V]) leafInsertAt(buf []byte, pos int, key K, value V) {
	n := keyCount(buf)
	start := offLeafEntries + pos*f.leafEntrySize
	end := offLeafEntries + n*f.leafEntrySize
	copy(buf[start+f.leafEntrySize:end+f.leafEntrySize], buf[start:end])
	f.setLeafEntry(buf, pos, key, value)
	setKeyCount(buf, n+1)
}

func (f *nodeFormat[K, V]) leafRemoveAt(buf []byte, pos int) {
	n := keyCount(buf)
	start := offLeafEntries + pos*f.leafEntrySize
	end := offLeafEntries + n*f.leafEntrySize
	copy(buf[start:], buf[start+f.leafEntrySize:end])
	clear(buf[end-f.leafEntrySize : end])
	setKeyCount(buf, n-1)
}

// leafSearch returns the first position whose key is >= key, and whether
// that key equals key.
func (f *nodeFormat[K, V]) leafSearch(buf []byte, key K) (int, bool) {
	lo, hi := 0, keyCount(buf)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if f.layout.Compare(f.leafKey(buf, mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < keyCount(buf) && f.layout.Compare(f.leafKey(buf, lo), key) == 0
}

// leafOrdered reports whether the leaf keys ascend strictly, and if not the
// first position out of order.
func (f *nodeFormat[K, V]) leafOrdered(buf []byte) (int, bool) {
	n := keyCount(buf)
	for i := 1; i < n; i++ {
		if f.layout.Compare(f.leafKey(buf, i-1), f.leafKey(buf, i)) >= 0 {
			return i, false
		}
	}
	return 0, true
}

// leafSearchAfter returns the first position whose key is > key.
func (f *nodeFormat[K, V]) leafSearchAfter(buf []byte, key K) int {
	lo, hi := 0, keyCount(buf)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if f.layout.Compare(f.leafKey(buf, mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (f *nodeFormat[K, V]) readLeaf(buf []byte) ([]K, []V) {
	n := keyCount(buf)
	keys, vals := make([]K, n, n+1), make([]V, n, n+1)
	for i := 0; i < n; i++ {
		keys[i] = f.leafKey(buf, i)
		vals[i] = f.leafValue(buf, i)
	}
	return keys, vals
}

// writeLeaf replaces the entries of a leaf, keeping its header fields.
func (f *nodeFormat[K, V]) writeLeaf(buf []byte, keys []K, vals []V) {
	clear(buf[offLeafEntries : len(buf)-checksumSize])
	for i := range keys {
		f.setLeafEntry(buf, i, keys[i], vals[i])
	}
	setKeyCount(buf, len(keys))
}

// --- Internal entries ---
//
// Child i covers keys k with key[i-1] <= k < key[i].

func (f *nodeFormat[K, V]) internalEntry(buf []byte, i int) []byte {
	off := offInternalEntries + i*f.internalEntrySize
	return buf[off : off+f.internalEntrySize]
}

func (f *nodeFormat[K, V]) internalKey(buf []byte, i int) K {
	return f.layout.ReadKey(f.internalEntry(buf, i)[:f.keySize])
}

func (f *nodeFormat[K, V]) setInternalKey(buf []byte, i int, key K) {
	f.layout.WriteKey(f.internalEntry(buf, i)[:f.keySize], key)
}

func (f *nodeFormat[K, V]) child(buf []byte, i int) uint64 {
	if i == 0 {
		return binary.LittleEndian.Uint64(buf[offChild0:])
	}
	return binary.LittleEndian.Uint64(f.internalEntry(buf, i-1)[f.keySize:])
}

func (f *nodeFormat[K, V]) setChild(buf []byte, i int, id uint64) {
	if i == 0 {
		binary.LittleEndian.PutUint64(buf[offChild0:], id)
		return
	}
	binary.LittleEndian.PutUint64(f.internalEntry(buf, i-1)[f.keySize:], id)
}

// childIndex returns the child whose range holds key.
func (f *nodeFormat[K, V]) childIndex(buf []byte, key K) int {
	lo, hi := 0, keyCount(buf)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if f.layout.Compare(f.internalKey(buf, mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// internalInsertAt inserts key at key position pos with right as the child
// just after it. The caller checks capacity.
func (f *nodeFormat[K, V]) internalInsertAt(buf []byte, pos int, key K, right uint64) {
	n := keyCount(buf)
	start := offInternalEntries + pos*f.internalEntrySize
	end := offInternalEntries + n*f.internalEntrySize
	copy(buf[start+f.internalEntrySize:end+f.internalEntrySize], buf[start:end])
	f.setInternalKey(buf, pos, key)
	setKeyCount(buf, n+1)
	f.setChild(buf, pos+1, right)
}

func (f *nodeFormat[K, V]) readInternal(buf []byte) ([]K, []uint64) {
	n := keyCount(buf)
	keys, children := make([]K, n, n+2), make([]uint64, n+1, n+3)
	for i := 0; i < n; i++ {
		keys[i] = f.internalKey(buf, i)
	}
	for i := 0; i <= n; i++ {
		children[i] = f.child(buf, i)
	}
	return keys, children
}

// writeInternal replaces the keys and children of an internal node,
// keeping its header fields. len(children) must be len(keys)+1.
func (f *nodeFormat[K, V]) writeInternal(buf []byte, keys []K, children []uint64) {
	clear(buf[offChild0 : len(buf)-checksumSize])
	setKeyCount(buf, len(keys))
	for i, k := range keys {
		f.setInternalKey(buf, i, k)
	}
	for i, c := range children {
		f.setChild(buf, i, c)
	}
}

// --- Fill checks used by latch coupling ---

func (f *nodeFormat[K, V]) maxKeys(buf []byte) int {
	if nodeType(buf) == nodeTypeLeaf {
		return f.maxLeafKeys
	}
	return f.maxInternalKeys
}

func (f *nodeFormat[K, V]) minKeys(buf []byte) int {
	if nodeType(buf) == nodeTypeLeaf {
		return f.minLeafKeys
	}
	return f.minInternalKeys
}

// safeForInsert reports whether the node can take one more entry without
// splitting.
func (f *nodeFormat[K, V]) safeForInsert(buf []byte) bool {
	return keyCount(buf) < f.maxKeys(buf)
}

// safeForRemove reports whether the node can lose one entry without
// needing a sibling.
func (f *nodeFormat[K, V]) safeForRemove(buf []byte, isRoot bool) bool {
	if isRoot {
		return nodeType(buf) == nodeTypeLeaf || keyCount(buf) > 1
	}
	return keyCount(buf) > f.minKeys(buf)
}
