package btree

import (
	"go.uber.org/zap"

	"github.com/sushant-115/graphstore/core/dberror"
)

// Remove deletes the entry with a key equal to key and returns its value.
func (t *Tree[K, V]) Remove(key K) (V, bool, error) {
	return t.RemoveIf(key, nil)
}

// RemoveIf deletes the entry with a key equal to key when match accepts the
// stored key, which may carry fields the layout does not compare. A nil
// match accepts any equal key. The check and the removal happen under the
// same leaf latch.
func (t *Tree[K, V]) RemoveIf(key K, match func(stored K) bool) (V, bool, error) {
	var zero V
	w, err := t.beginWrite()
	if err != nil {
		return zero, false, err
	}
	defer w.finish()
	f := t.format
	if f.safeForRemove(w.top().buf(), true) {
		w.releaseRoot()
	}
	for nodeType(w.top().buf()) == nodeTypeInternal {
		if err := w.descendTo(key); err != nil {
			return zero, false, err
		}
		if f.safeForRemove(w.top().buf(), false) {
			w.releaseAncestors()
		}
	}

	leaf := w.top()
	buf := leaf.buf()
	if err := t.checkLeafOrder(leaf.id, buf); err != nil {
		return zero, false, err
	}
	pos, found := f.leafSearch(buf, key)
	if !found || (match != nil && !match(f.leafKey(buf, pos))) {
		return zero, false, nil
	}
	value := f.leafValue(buf, pos)
	f.leafRemoveAt(buf, pos)
	leaf.modified()
	if isRoot(leaf) || keyCount(buf) >= f.minLeafKeys {
		return value, true, nil
	}
	return value, true, t.rebalance(w, len(w.nodes)-1)
}

// rebalance repairs the underflowing node w.nodes[level] by borrowing from
// or merging with a sibling, and walks up while parents underflow in turn.
//
// Siblings are latched left to right. To reach a left sibling the node is
// released first and latched again afterwards; the parent stays latched
// throughout, so no other writer can reach either node meanwhile.
func (t *Tree[K, V]) rebalance(w *writePath[K, V], level int) error {
	f := t.format
	for {
		n := w.nodes[level]
		if isRoot(n) || level == 0 {
			return dberror.Corrupt(t.pf.Name(), n.id, "underflow without a latched parent")
		}
		parent := w.nodes[level-1]
		pb := parent.buf()
		idx := n.childIdx

		var left, right *latchedNode
		var sepIdx int
		if idx > 0 {
			leftID := f.child(pb, idx-1)
			t.release(n)
			l, err := t.latchNode(leftID, idx-1)
			if err != nil {
				return err
			}
			relatched, err := t.latchNode(n.id, idx)
			if err != nil {
				t.release(l)
				return err
			}
			w.nodes[level] = relatched
			left, right, sepIdx = l, relatched, idx-1
		} else {
			r, err := t.latchNode(f.child(pb, 1), 1)
			if err != nil {
				return err
			}
			left, right, sepIdx = n, r, 0
		}
		// the sibling is whichever of left and right is not w.nodes[level]
		sibling := right
		if left != w.nodes[level] {
			sibling = left
		}

		if keyCount(sibling.buf()) > f.minKeys(sibling.buf()) {
			if sibling == left {
				t.borrowFromLeft(parent, left, right, sepIdx)
			} else {
				t.borrowFromRight(parent, left, right, sepIdx)
			}
			t.release(sibling)
			t.metrics.BorrowsCounter.Add(bgCtx, 1)
			return nil
		}

		t.merge(parent, left, right, sepIdx)
		if err := t.freeNode(right); err != nil {
			t.release(left)
			return err
		}
		t.release(left)
		t.metrics.MergesCounter.Add(bgCtx, 1)

		if isRoot(parent) {
			if keyCount(pb) > 0 {
				return nil
			}
			if !w.holdsRoot {
				return dberror.Corrupt(t.pf.Name(), parent.id, "root emptied without the root lock")
			}
			return t.collapseRoot(w, parent)
		}
		if keyCount(pb) >= f.minInternalKeys {
			return nil
		}
		level--
	}
}

// borrowFromLeft moves the last entry of left into right, the underflowing
// node, and fixes the separator.
func (t *Tree[K, V]) borrowFromLeft(parent, left, right *latchedNode, sepIdx int) {
	f := t.format
	pb, lb, rb := parent.buf(), left.buf(), right.buf()
	if nodeType(rb) == nodeTypeLeaf {
		lk, lv := f.readLeaf(lb)
		rk, rv := f.readLeaf(rb)
		last := len(lk) - 1
		rk, rv = insertAt(rk, 0, lk[last]), insertAt(rv, 0, lv[last])
		f.writeLeaf(lb, lk[:last], lv[:last])
		f.writeLeaf(rb, rk, rv)
		f.setInternalKey(pb, sepIdx, rk[0])
	} else {
		lk, lc := f.readInternal(lb)
		rk, rc := f.readInternal(rb)
		last := len(lk) - 1
		rk = insertAt(rk, 0, f.internalKey(pb, sepIdx))
		rc = insertAt(rc, 0, lc[last+1])
		f.setInternalKey(pb, sepIdx, lk[last])
		f.writeInternal(lb, lk[:last], lc[:last+1])
		f.writeInternal(rb, rk, rc)
	}
	for _, n := range []*latchedNode{parent, left, right} {
		bumpGeneration(n.buf())
		n.modified()
	}
}

// borrowFromRight moves the first entry of right into left, the
// underflowing node, and fixes the separator.
func (t *Tree[K, V]) borrowFromRight(parent, left, right *latchedNode, sepIdx int) {
	f := t.format
	pb, lb, rb := parent.buf(), left.buf(), right.buf()
	if nodeType(lb) == nodeTypeLeaf {
		lk, lv := f.readLeaf(lb)
		rk, rv := f.readLeaf(rb)
		lk, lv = append(lk, rk[0]), append(lv, rv[0])
		rk, rv = removeAt(rk, 0), removeAt(rv, 0)
		f.writeLeaf(lb, lk, lv)
		f.writeLeaf(rb, rk, rv)
		f.setInternalKey(pb, sepIdx, rk[0])
	} else {
		lk, lc := f.readInternal(lb)
		rk, rc := f.readInternal(rb)
		lk = append(lk, f.internalKey(pb, sepIdx))
		lc = append(lc, rc[0])
		f.setInternalKey(pb, sepIdx, rk[0])
		f.writeInternal(lb, lk, lc)
		f.writeInternal(rb, rk[1:], rc[1:])
	}
	for _, n := range []*latchedNode{parent, left, right} {
		bumpGeneration(n.buf())
		n.modified()
	}
}

// merge moves everything in right into left and drops the separator and
// the pointer to right from parent. The caller frees right.
func (t *Tree[K, V]) merge(parent, left, right *latchedNode, sepIdx int) {
	f := t.format
	pb, lb, rb := parent.buf(), left.buf(), right.buf()
	if nodeType(lb) == nodeTypeLeaf {
		lk, lv := f.readLeaf(lb)
		rk, rv := f.readLeaf(rb)
		f.writeLeaf(lb, append(lk, rk...), append(lv, rv...))
	} else {
		lk, lc := f.readInternal(lb)
		rk, rc := f.readInternal(rb)
		lk = append(append(lk, f.internalKey(pb, sepIdx)), rk...)
		f.writeInternal(lb, lk, append(lc, rc...))
	}
	setRightSibling(lb, rightSibling(rb))
	bumpGeneration(lb)
	left.modified()

	pk, pc := f.readInternal(pb)
	f.writeInternal(pb, removeAt(pk, sepIdx), removeAt(pc, sepIdx+1))
	bumpGeneration(pb)
	parent.modified()
}

// collapseRoot replaces an internal root left with a single child by that
// child.
func (t *Tree[K, V]) collapseRoot(w *writePath[K, V], root *latchedNode) error {
	only := t.format.child(root.buf(), 0)
	if err := t.setRoot(only); err != nil {
		return err
	}
	t.logger.Debug("root collapsed", zap.Uint64("newRoot", only))
	return t.freeNode(root)
}
