package btree

import (
	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/storage_engine/pagecache"
)

// Stats describes the shape of a tree.
type Stats struct {
	Depth            int
	LeafNodes        int
	InternalNodes    int
	Entries          int
	FreePages        int
	UnreachablePages int
}

// checker walks a tree while the root is latched shared. Writers need the
// root latch to start, so the shape is stable once writers already past
// the root have drained, and the walk waits for those on their latches.
type checker[K any, V any] struct {
	t       *Tree[K, V]
	seen    map[uint64]bool
	stats   Stats
	leafLvl int
	// levels holds the node ids of every level in key order.
	levels [][]uint64
	// siblings holds the recorded right sibling of every node.
	siblings map[uint64]uint64
	c        *pagecache.PageCursor
}

type bound[K any] struct {
	key K
	set bool
}

// ConsistencyCheck traverses the whole tree and returns an error wrapping
// ErrCorruptTreeStructure for the first violation found: a bad checksum or
// node type, keys out of order or outside the range the parent assigns,
// leaves at different depths, nodes below minimum fill, a broken sibling
// chain or a damaged free list.
func (t *Tree[K, V]) ConsistencyCheck() error {
	_, err := t.walk()
	return err
}

// Stats walks the tree and reports its shape.
func (t *Tree[K, V]) Stats() (Stats, error) {
	return t.walk()
}

func (t *Tree[K, V]) walk() (Stats, error) {
	if t.closed.Load() {
		return Stats{}, dberror.ErrClosed
	}
	t.rootMu.RLock()
	rootID := t.root
	root, err := t.pinPage(rootID, false)
	t.rootMu.RUnlock()
	if err != nil {
		return Stats{}, err
	}
	defer root.Close()

	c, err := t.pf.Io(rootID, pagecache.PfSharedLock)
	if err != nil {
		return Stats{}, err
	}
	defer c.Close()
	ck := &checker[K, V]{t: t, seen: map[uint64]bool{}, siblings: map[uint64]uint64{}, leafLvl: -1, c: c}
	if err := ck.node(rootID, root.Bytes(), 0, bound[K]{}, bound[K]{}, true); err != nil {
		return Stats{}, err
	}
	if err := ck.chains(); err != nil {
		return Stats{}, err
	}
	if err := ck.freeList(); err != nil {
		return Stats{}, err
	}
	ck.stats.Depth = ck.leafLvl + 1
	last := t.pf.LastPageID()
	for id := int64(1); id <= last; id++ {
		if !ck.seen[uint64(id)] {
			ck.stats.UnreachablePages++
		}
	}
	return ck.stats, nil
}

func (ck *checker[K, V]) corrupt(id uint64, format string, args ...any) error {
	return dberror.Corrupt(ck.t.pf.Name(), id, format, args...)
}

// node checks the node in buf and recurses into its children. buf stays
// valid for the duration of the call; children are read through ck.c one
// at a time and copied.
func (ck *checker[K, V]) node(id uint64, buf []byte, level int, lo, hi bound[K], isRoot bool) error {
	t, f := ck.t, ck.t.format
	if ck.seen[id] {
		return ck.corrupt(id, "page reachable twice")
	}
	ck.seen[id] = true
	if err := t.checkNode(id, buf); err != nil {
		return err
	}
	for len(ck.levels) <= level {
		ck.levels = append(ck.levels, nil)
	}
	ck.levels[level] = append(ck.levels[level], id)
	ck.siblings[id] = rightSibling(buf)

	n := keyCount(buf)
	if !isRoot && n < f.minKeys(buf) {
		return ck.corrupt(id, "%d keys, below minimum %d", n, f.minKeys(buf))
	}
	keyAt := f.leafKey
	if nodeType(buf) == nodeTypeInternal {
		keyAt = f.internalKey
		if n == 0 {
			return ck.corrupt(id, "internal node without keys")
		}
	}
	for i := 0; i < n; i++ {
		k := keyAt(buf, i)
		if i > 0 && t.layout.Compare(keyAt(buf, i-1), k) >= 0 {
			return ck.corrupt(id, "keys %d and %d out of order", i-1, i)
		}
		if lo.set && t.layout.Compare(k, lo.key) < 0 {
			return ck.corrupt(id, "key %d below the parent's range", i)
		}
		if hi.set && t.layout.Compare(k, hi.key) >= 0 {
			return ck.corrupt(id, "key %d above the parent's range", i)
		}
	}

	if nodeType(buf) == nodeTypeLeaf {
		if ck.leafLvl < 0 {
			ck.leafLvl = level
		} else if ck.leafLvl != level {
			return ck.corrupt(id, "leaf at depth %d, others at %d", level, ck.leafLvl)
		}
		ck.stats.LeafNodes++
		ck.stats.Entries += n
		return nil
	}

	ck.stats.InternalNodes++
	keys, children := f.readInternal(buf)
	for i, childID := range children {
		if childID == noPage || int64(childID) > t.pf.LastPageID() {
			return ck.corrupt(id, "child %d out of range: page %d", i, childID)
		}
		clo, chi := lo, hi
		if i > 0 {
			clo = bound[K]{key: keys[i-1], set: true}
		}
		if i < len(keys) {
			chi = bound[K]{key: keys[i], set: true}
		}
		ok, err := ck.c.NextTo(childID)
		if err != nil {
			return err
		}
		if !ok {
			return ck.corrupt(childID, "page beyond end of file")
		}
		child := append([]byte(nil), ck.c.Bytes()...)
		ck.c.Unpin()
		if err := ck.node(childID, child, level+1, clo, chi, false); err != nil {
			return err
		}
	}
	return nil
}

// chains verifies that the right sibling pointers of every level link its
// nodes in key order and end at the last one.
func (ck *checker[K, V]) chains() error {
	for _, ids := range ck.levels {
		for i, id := range ids {
			want := noPage
			if i+1 < len(ids) {
				want = ids[i+1]
			}
			if got := ck.siblings[id]; got != want {
				return ck.corrupt(id, "right sibling is %d, expected %d", got, want)
			}
		}
	}
	return nil
}

func (ck *checker[K, V]) freeList() error {
	t := ck.t
	t.metaMu.Lock()
	head := t.header.FreeListHead
	t.metaMu.Unlock()
	for id := head; id != noPage; {
		if ck.seen[id] {
			return ck.corrupt(id, "free page is also reachable from the tree or listed twice")
		}
		ck.seen[id] = true
		if int64(id) > t.pf.LastPageID() {
			return ck.corrupt(id, "free page beyond end of file")
		}
		ok, err := ck.c.NextTo(id)
		if err != nil {
			return err
		}
		if !ok {
			return ck.corrupt(id, "free page beyond end of file")
		}
		buf := ck.c.Bytes()
		if !verifyChecksum(buf) || nodeType(buf) != nodeTypeFree {
			ck.c.Unpin()
			return ck.corrupt(id, "free list entry is not a free page")
		}
		next := rightSibling(buf)
		ck.c.Unpin()
		ck.stats.FreePages++
		id = next
	}
	return nil
}
