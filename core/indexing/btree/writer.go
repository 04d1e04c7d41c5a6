package btree

import (
	"github.com/sushant-115/graphstore/core/dberror"
)

// writePath tracks the exclusively latched nodes of one write, from the
// highest ancestor that may still change down to the current node.
type writePath[K any, V any] struct {
	t         *Tree[K, V]
	holdsRoot bool
	nodes     []*latchedNode
}

func (t *Tree[K, V]) beginWrite() (*writePath[K, V], error) {
	if t.closed.Load() {
		return nil, dberror.ErrClosed
	}
	w := &writePath[K, V]{t: t}
	t.rootMu.Lock()
	w.holdsRoot = true
	root, err := t.latchNode(t.root, -1)
	if err != nil {
		w.finish()
		return nil, err
	}
	w.nodes = append(w.nodes, root)
	return w, nil
}

func (w *writePath[K, V]) top() *latchedNode {
	return w.nodes[len(w.nodes)-1]
}

// releaseAncestors lets go of everything above the current node: it can
// absorb the change on its own.
func (w *writePath[K, V]) releaseAncestors() {
	last := len(w.nodes) - 1
	for _, n := range w.nodes[:last] {
		w.t.release(n)
	}
	w.nodes = append(w.nodes[:0], w.nodes[last])
	w.releaseRoot()
}

func (w *writePath[K, V]) releaseRoot() {
	if w.holdsRoot {
		w.holdsRoot = false
		w.t.rootMu.Unlock()
	}
}

// descendTo latches the child of the current node on the way to key.
func (w *writePath[K, V]) descendTo(key K) error {
	parent := w.top()
	buf := parent.buf()
	idx := w.t.format.childIndex(buf, key)
	child, err := w.t.latchNode(w.t.format.child(buf, idx), idx)
	if err != nil {
		return err
	}
	w.nodes = append(w.nodes, child)
	return nil
}

func (w *writePath[K, V]) finish() {
	for i := len(w.nodes) - 1; i >= 0; i-- {
		w.t.release(w.nodes[i])
	}
	w.nodes = nil
	w.releaseRoot()
}

// isRoot reports whether n is the root. Only nodes latched while rootMu was
// held can be the root, and those carry childIdx -1.
func isRoot(n *latchedNode) bool {
	return n.childIdx < 0
}

// --- Insert ---

// Insert stores value under key, replacing the entry with an equal key.
// It reports whether an entry was replaced.
func (t *Tree[K, V]) Insert(key K, value V) (bool, error) {
	found, _, err := t.insert(key, value, true)
	return found, err
}

// InsertIfAbsent stores value under key unless an equal key exists, in
// which case the stored key is returned and nothing changes.
func (t *Tree[K, V]) InsertIfAbsent(key K, value V) (existing K, inserted bool, err error) {
	found, existing, err := t.insert(key, value, false)
	return existing, !found && err == nil, err
}

func (t *Tree[K, V]) insert(key K, value V, overwrite bool) (found bool, existing K, err error) {
	w, err := t.beginWrite()
	if err != nil {
		return false, existing, err
	}
	defer w.finish()
	f := t.format
	if f.safeForInsert(w.top().buf()) {
		w.releaseRoot()
	}
	for nodeType(w.top().buf()) == nodeTypeInternal {
		if err := w.descendTo(key); err != nil {
			return false, existing, err
		}
		if f.safeForInsert(w.top().buf()) {
			w.releaseAncestors()
		}
	}

	leaf := w.top()
	buf := leaf.buf()
	if err := t.checkLeafOrder(leaf.id, buf); err != nil {
		return false, existing, err
	}
	pos, found := f.leafSearch(buf, key)
	if found {
		existing = f.leafKey(buf, pos)
		if overwrite {
			f.setLeafEntry(buf, pos, key, value)
			leaf.modified()
		}
		return true, existing, nil
	}
	if keyCount(buf) < f.maxLeafKeys {
		f.leafInsertAt(buf, pos, key, value)
		leaf.modified()
		return false, existing, nil
	}
	return false, existing, t.splitLeaf(w, pos, key, value)
}

// splitLeaf splits the full leaf at the top of w around the new entry and
// pushes the separator up.
func (t *Tree[K, V]) splitLeaf(w *writePath[K, V], pos int, key K, value V) error {
	f := t.format
	left := w.top()
	right, err := t.allocNode(nodeTypeLeaf)
	if err != nil {
		return err
	}
	defer t.release(right)

	keys, vals := f.readLeaf(left.buf())
	keys = insertAt(keys, pos, key)
	vals = insertAt(vals, pos, value)
	mid := len(keys) / 2

	lb, rb := left.buf(), right.buf()
	f.writeLeaf(lb, keys[:mid], vals[:mid])
	f.writeLeaf(rb, keys[mid:], vals[mid:])
	setRightSibling(rb, rightSibling(lb))
	setRightSibling(lb, right.id)
	bumpGeneration(lb)
	left.modified()
	t.metrics.SplitsCounter.Add(bgCtx, 1)

	return t.promote(w, len(w.nodes)-1, keys[mid], right.id)
}

// promote inserts separator sep with right child rightID into the parent
// of w.nodes[level], splitting upwards as needed.
func (t *Tree[K, V]) promote(w *writePath[K, V], level int, sep K, rightID uint64) error {
	f := t.format
	for {
		child := w.nodes[level]
		if level == 0 {
			if !isRoot(child) || !w.holdsRoot {
				return dberror.Corrupt(t.pf.Name(), child.id, "split reached a node whose parent is not latched")
			}
			return t.growRoot(child.id, sep, rightID)
		}
		parent := w.nodes[level-1]
		pb := parent.buf()
		if keyCount(pb) < f.maxInternalKeys {
			f.internalInsertAt(pb, child.childIdx, sep, rightID)
			bumpGeneration(pb)
			parent.modified()
			return nil
		}

		keys, children := f.readInternal(pb)
		keys = insertAt(keys, child.childIdx, sep)
		children = insertAt(children, child.childIdx+1, rightID)
		mid := len(keys) / 2

		sibling, err := t.allocNode(nodeTypeInternal)
		if err != nil {
			return err
		}
		sb := sibling.buf()
		f.writeInternal(pb, keys[:mid], children[:mid+1])
		f.writeInternal(sb, keys[mid+1:], children[mid+1:])
		setRightSibling(sb, rightSibling(pb))
		setRightSibling(pb, sibling.id)
		bumpGeneration(pb)
		parent.modified()
		t.release(sibling)
		t.metrics.SplitsCounter.Add(bgCtx, 1)

		sep, rightID = keys[mid], sibling.id
		level--
	}
}

// growRoot places a new internal root above the old root and its new sibling.
func (t *Tree[K, V]) growRoot(leftID uint64, sep K, rightID uint64) error {
	root, err := t.allocNode(nodeTypeInternal)
	if err != nil {
		return err
	}
	t.format.writeInternal(root.buf(), []K{sep}, []uint64{leftID, rightID})
	t.release(root)
	t.logger.Debug("root split")
	return t.setRoot(root.id)
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	return append(s[:i], s[i+1:]...)
}
