package btree

import (
	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/storage_engine/pagecache"
)

// descend walks from the root to the leaf whose range holds bound using
// shared latch coupling. It returns the cursor holding the leaf and the
// other, unpinned, cursor.
func (t *Tree[K, V]) descend(bound K, cur, next *pagecache.PageCursor) (*pagecache.PageCursor, *pagecache.PageCursor, error) {
	t.rootMu.RLock()
	rootID := t.root
	ok, err := cur.NextTo(rootID)
	t.rootMu.RUnlock()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, dberror.Corrupt(t.pf.Name(), rootID, "root beyond end of file")
	}
	id := rootID
	for {
		buf := cur.Bytes()
		if err := t.checkNode(id, buf); err != nil {
			cur.Unpin()
			return nil, nil, err
		}
		if nodeType(buf) == nodeTypeLeaf {
			return cur, next, nil
		}
		childID := t.format.child(buf, t.format.childIndex(buf, bound))
		ok, err := next.NextTo(childID)
		if err == nil && !ok {
			err = dberror.Corrupt(t.pf.Name(), id, "child %d beyond end of file", childID)
		}
		if err != nil {
			cur.Unpin()
			return nil, nil, err
		}
		cur.Unpin()
		cur, next = next, cur
		id = childID
	}
}

func (t *Tree[K, V]) newReadCursors() (*pagecache.PageCursor, *pagecache.PageCursor, error) {
	cur, err := t.pf.Io(headerPageID, pagecache.PfSharedLock)
	if err != nil {
		return nil, nil, err
	}
	next, err := t.pf.Io(headerPageID, pagecache.PfSharedLock)
	if err != nil {
		cur.Close()
		return nil, nil, err
	}
	return cur, next, nil
}

// Get returns the value stored under key.
func (t *Tree[K, V]) Get(key K) (V, bool, error) {
	var zero V
	if t.closed.Load() {
		return zero, false, dberror.ErrClosed
	}
	cur, next, err := t.newReadCursors()
	if err != nil {
		return zero, false, err
	}
	defer cur.Close()
	defer next.Close()
	leaf, _, err := t.descend(key, cur, next)
	if err != nil {
		return zero, false, err
	}
	buf := leaf.Bytes()
	pos, found := t.format.leafSearch(buf, key)
	if !found {
		return zero, false, nil
	}
	return t.format.leafValue(buf, pos), true, nil
}

// Seeker iterates the entries of a key range in ascending order. Entries
// are copied out of the tree a leaf at a time, so no latch is held between
// calls to Next. Entries inserted or removed concurrently may or may not be
// seen, but every entry present for the whole iteration is returned exactly
// once.
type Seeker[K any, V any] struct {
	t        *Tree[K, V]
	from, to K

	cur, next *pagecache.PageCursor

	keys   []K
	values []V
	pos    int

	leafID  uint64
	leafGen uint64
	// exhausted is set once the range end or the last leaf was reached.
	exhausted bool

	lastKey K
	hasLast bool

	key    K
	value  V
	err    error
	closed bool
}

// Seek positions a seeker before the first entry with from <= key < to.
func (t *Tree[K, V]) Seek(from, to K) (*Seeker[K, V], error) {
	if t.closed.Load() {
		return nil, dberror.ErrClosed
	}
	cur, next, err := t.newReadCursors()
	if err != nil {
		return nil, err
	}
	s := &Seeker[K, V]{t: t, from: from, to: to, cur: cur, next: next}
	if err := s.seek(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// seek descends from the root to the first entry not yet returned.
func (s *Seeker[K, V]) seek() error {
	bound := s.from
	if s.hasLast {
		bound = s.lastKey
	}
	leaf, spare, err := s.t.descend(bound, s.cur, s.next)
	if err != nil {
		return err
	}
	s.cur, s.next = leaf, spare
	return s.readLeaf()
}

// readLeaf copies the in-range entries of the latched leaf that follow
// the last returned key, moving right while leaves yield nothing, and
// releases the latch.
func (s *Seeker[K, V]) readLeaf() error {
	f := s.t.format
	for {
		buf := s.cur.Bytes()
		var start int
		if s.hasLast {
			start = f.leafSearchAfter(buf, s.lastKey)
		} else {
			start, _ = f.leafSearch(buf, s.from)
		}
		n := keyCount(buf)
		for i := start; i < n; i++ {
			k := f.leafKey(buf, i)
			if s.t.layout.Compare(k, s.to) >= 0 {
				s.exhausted = true
				break
			}
			s.keys = append(s.keys, k)
			s.values = append(s.values, f.leafValue(buf, i))
		}
		s.leafID = s.cur.CurrentPageID()
		s.leafGen = generation(buf)
		right := rightSibling(buf)
		if right == noPage {
			s.exhausted = true
		}
		if len(s.keys) > 0 || s.exhausted {
			s.cur.Unpin()
			return nil
		}
		// couple left to right: the sibling is latched before the leaf is released
		ok, err := s.next.NextTo(right)
		if err == nil && !ok {
			err = dberror.Corrupt(s.t.pf.Name(), s.leafID, "right sibling %d beyond end of file", right)
		}
		if err == nil {
			err = s.checkLeaf(right, s.next.Bytes())
		}
		s.cur.Unpin()
		if err != nil {
			s.next.Unpin()
			return err
		}
		s.cur, s.next = s.next, s.cur
	}
}

func (s *Seeker[K, V]) checkLeaf(id uint64, buf []byte) error {
	if err := s.t.checkNode(id, buf); err != nil {
		return err
	}
	if nodeType(buf) != nodeTypeLeaf {
		return dberror.Corrupt(s.t.pf.Name(), id, "sibling of a leaf is not a leaf")
	}
	return nil
}

// advance refills the batch from the leaf after the one last read.
func (s *Seeker[K, V]) advance() error {
	s.keys, s.values, s.pos = s.keys[:0], s.values[:0], 0
	ok, err := s.cur.NextTo(s.leafID)
	if err != nil {
		return err
	}
	if ok && s.cur.ShouldRetry() {
		buf := s.cur.Bytes()
		// a structural change may have moved entries out of this leaf
		if !verifyChecksum(buf) || nodeType(buf) != nodeTypeLeaf || generation(buf) != s.leafGen {
			ok = false
		}
	}
	if !ok {
		s.cur.Unpin()
		s.t.metrics.ReaderRetriesCounter.Add(bgCtx, 1)
		return s.seek()
	}
	s.exhausted = false
	return s.readLeaf()
}

// Next moves to the next entry. It returns false at the end of the range
// or on error; see Err.
func (s *Seeker[K, V]) Next() (bool, error) {
	if s.closed {
		return false, dberror.ErrClosed
	}
	if s.err != nil {
		return false, s.err
	}
	for {
		if s.pos < len(s.keys) {
			s.key, s.value = s.keys[s.pos], s.values[s.pos]
			s.pos++
			s.lastKey, s.hasLast = s.key, true
			return true, nil
		}
		if s.exhausted {
			return false, nil
		}
		if err := s.advance(); err != nil {
			s.err = err
			return false, err
		}
	}
}

func (s *Seeker[K, V]) Key() K     { return s.key }
func (s *Seeker[K, V]) Value() V   { return s.value }
func (s *Seeker[K, V]) Err() error { return s.err }

func (s *Seeker[K, V]) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cur.Close()
	s.next.Close()
}
