// Package btree implements a disk-resident B+Tree over the page cache.
//
// Readers descend with shared latch coupling and never hold a latch while
// handing results to the caller; they detect concurrent structural changes
// through per-node generation stamps and restart from the last key they
// returned. Writers descend with exclusive latch coupling, releasing
// ancestors as soon as a child cannot split or underflow.
package btree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/storage_engine/fs"
	"github.com/sushant-115/graphstore/core/storage_engine/pagecache"
	internaltelemetry "github.com/sushant-115/graphstore/internal/telemetry"
)

var ErrNodeTooSmall = errors.New("page size too small for three entries per node")

// bgCtx is used for metric updates, which never block.
var bgCtx = context.Background()

// Options tunes a tree. Zero values use the page capacity.
type Options struct {
	// MaxLeafKeys and MaxInternalKeys cap node fill below what the page
	// could hold. Small caps produce deep trees from few keys.
	MaxLeafKeys     int
	MaxInternalKeys int
	Logger          *zap.Logger
	Metrics         *internaltelemetry.TreeMetrics
}

// Tree is a B+Tree stored in one file. All methods are safe for concurrent use.
type Tree[K any, V any] struct {
	pf      *pagecache.PagedFile
	layout  Layout[K, V]
	format  *nodeFormat[K, V]
	logger  *zap.Logger
	metrics *internaltelemetry.TreeMetrics

	// rootMu guards root. Readers hold it shared until the root page is
	// latched; a writer that may replace the root holds it exclusively.
	rootMu sync.RWMutex
	root   uint64

	// metaMu guards header and the free list. It is taken after node
	// latches and before the header page latch.
	metaMu sync.Mutex
	header FileHeader

	closed atomic.Bool
}

// Open maps ch into pc and opens the tree stored in it, creating an empty
// tree when the file is empty.
func Open[K any, V any](pc *pagecache.PageCache, ch fs.Channel, layout Layout[K, V], opts Options) (*Tree[K, V], error) {
	format, err := newNodeFormat(layout, pc.PageSize(), opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		if metrics, err = internaltelemetry.NewTreeMetrics(internaltelemetry.NoopMeter()); err != nil {
			return nil, err
		}
	}
	pf, err := pc.Map(ch)
	if err != nil {
		return nil, err
	}
	t := &Tree[K, V]{
		pf:      pf,
		layout:  layout,
		format:  format,
		logger:  logger.Named("btree").With(zap.String("file", pf.Name())),
		metrics: metrics,
	}
	if pf.LastPageID() < 0 {
		err = t.create()
	} else {
		err = t.load()
	}
	if err != nil {
		_ = pf.Close()
		return nil, err
	}
	t.logger.Debug("tree opened", zap.Uint64("root", t.root),
		zap.Int("maxLeafKeys", format.maxLeafKeys), zap.Int("maxInternalKeys", format.maxInternalKeys))
	return t, nil
}

func (t *Tree[K, V]) create() error {
	if id := t.pf.Allocate(); id != headerPageID {
		return fmt.Errorf("new tree file %s already has pages", t.pf.Name())
	}
	root, err := t.allocNode(nodeTypeLeaf)
	if err != nil {
		return err
	}
	t.release(root)
	t.root = root.id
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	t.header = newFileHeader(t.layout, t.pf.PageSize())
	t.header.RootID = root.id
	t.header.RootGeneration = 1
	if err := t.writeHeaderLocked(); err != nil {
		return err
	}
	t.logger.Info("created tree", zap.String("storeID", t.header.StoreID.String()))
	return t.pf.Flush()
}

func (t *Tree[K, V]) load() error {
	c, err := t.pf.Io(headerPageID, pagecache.PfSharedLock)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.SetOffsetAndPageID(0, headerPageID); err != nil {
		return err
	}
	h, err := decodeFileHeader(t.pf.Name(), c.Bytes())
	if err != nil {
		return err
	}
	if err := h.validate(t.pf.Name(), newFileHeader(t.layout, t.pf.PageSize())); err != nil {
		return err
	}
	if h.RootID == noPage || int64(h.RootID) > t.pf.LastPageID() {
		return dberror.Corrupt(t.pf.Name(), headerPageID, "root page %d outside file", h.RootID)
	}
	t.header = h
	t.root = h.RootID
	return nil
}

// Header returns a copy of the file header as last written.
func (t *Tree[K, V]) Header() FileHeader {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	return t.header
}

// Checkpoint records the header and writes every dirty page of the tree
// to its file.
func (t *Tree[K, V]) Checkpoint(ctx context.Context) error {
	if t.closed.Load() {
		return dberror.ErrClosed
	}
	return t.checkpoint(ctx)
}

func (t *Tree[K, V]) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.metaMu.Lock()
	t.header.Checkpoints++
	err := t.writeHeaderLocked()
	t.metaMu.Unlock()
	if err != nil {
		return err
	}
	return t.pf.Flush()
}

// Close checkpoints the tree and releases its file mapping. The channel
// stays open.
func (t *Tree[K, V]) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.checkpoint(context.Background())
	if cerr := t.pf.Close(); err == nil {
		err = cerr
	}
	return err
}

// --- Node access ---

// latchedNode is a node page pinned and latched by a cursor.
type latchedNode struct {
	c  *pagecache.PageCursor
	id uint64
	// childIdx is the node's position among its parent's children; -1 for the root.
	childIdx int
	dirty    bool
	released bool
}

func (n *latchedNode) buf() []byte { return n.c.Bytes() }

// modified marks a latched node for sealing and write-back on release.
func (n *latchedNode) modified() { n.dirty = true }

func (t *Tree[K, V]) pinPage(id uint64, exclusive bool) (*pagecache.PageCursor, error) {
	flags := pagecache.PfSharedLock
	if exclusive {
		flags = pagecache.PfExclusiveLock | pagecache.PfNoGrow
	}
	c, err := t.pf.Io(id, flags)
	if err != nil {
		return nil, err
	}
	ok, err := c.NextTo(id)
	if err != nil {
		c.Close()
		return nil, err
	}
	if !ok {
		c.Close()
		return nil, dberror.Corrupt(t.pf.Name(), id, "page beyond end of file")
	}
	return c, nil
}

// checkNode validates a latched tree node page.
func (t *Tree[K, V]) checkNode(id uint64, buf []byte) error {
	if !verifyChecksum(buf) {
		return dberror.Corrupt(t.pf.Name(), id, "checksum mismatch")
	}
	switch typ := nodeType(buf); typ {
	case nodeTypeLeaf, nodeTypeInternal:
		if n := keyCount(buf); n > t.format.maxKeys(buf) {
			return dberror.Corrupt(t.pf.Name(), id, "key count %d exceeds capacity %d", n, t.format.maxKeys(buf))
		}
		return nil
	default:
		return dberror.Corrupt(t.pf.Name(), id, "unexpected node type %d", typ)
	}
}

// checkLeafOrder rejects a leaf about to be modified whose keys are not
// strictly ascending.
func (t *Tree[K, V]) checkLeafOrder(id uint64, buf []byte) error {
	if i, ok := t.format.leafOrdered(buf); !ok {
		return dberror.Corrupt(t.pf.Name(), id, "keys unsorted at position %d", i)
	}
	return nil
}

func (t *Tree[K, V]) latchNode(id uint64, childIdx int) (*latchedNode, error) {
	c, err := t.pinPage(id, true)
	if err != nil {
		return nil, err
	}
	if err := t.checkNode(id, c.Bytes()); err != nil {
		c.Close()
		return nil, err
	}
	return &latchedNode{c: c, id: id, childIdx: childIdx}, nil
}

// release seals a modified node and drops its latch and pin.
func (t *Tree[K, V]) release(n *latchedNode) {
	if n == nil || n.released {
		return
	}
	if n.dirty {
		seal(n.buf())
		n.c.MarkDirty()
	}
	n.c.Close()
	n.released = true
}

// --- Allocation ---

// allocNode takes a page from the free list, or grows the file, and
// initializes it as an empty node latched exclusively.
func (t *Tree[K, V]) allocNode(typ byte) (*latchedNode, error) {
	id, gen, err := t.allocatePage()
	if err != nil {
		return nil, err
	}
	c, err := t.pinPage(id, true)
	if err != nil {
		return nil, err
	}
	initNode(c.Bytes(), typ, gen)
	return &latchedNode{c: c, id: id, childIdx: -1, dirty: true}, nil
}

func (t *Tree[K, V]) allocatePage() (uint64, uint64, error) {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	head := t.header.FreeListHead
	if head == noPage {
		return t.pf.Allocate(), 1, nil
	}
	c, err := t.pinPage(head, false)
	if err != nil {
		return 0, 0, err
	}
	buf := c.Bytes()
	if !verifyChecksum(buf) || nodeType(buf) != nodeTypeFree {
		c.Close()
		return 0, 0, dberror.Corrupt(t.pf.Name(), head, "free list entry is not a free page")
	}
	next, gen := rightSibling(buf), generation(buf)+1
	c.Close()
	t.header.FreeListHead = next
	if err := t.writeHeaderLocked(); err != nil {
		return 0, 0, err
	}
	return head, gen, nil
}

// freeNode turns a latched node into a free page at the head of the free
// list and releases it. Its generation keeps increasing so stale readers
// notice the reuse.
func (t *Tree[K, V]) freeNode(n *latchedNode) error {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	buf := n.buf()
	initNode(buf, nodeTypeFree, generation(buf)+1)
	setRightSibling(buf, t.header.FreeListHead)
	n.modified()
	t.release(n)
	t.header.FreeListHead = n.id
	return t.writeHeaderLocked()
}

// setRoot swaps the root pointer. The caller holds rootMu exclusively.
func (t *Tree[K, V]) setRoot(id uint64) error {
	t.root = id
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	t.header.RootID = id
	t.header.RootGeneration++
	return t.writeHeaderLocked()
}

func (t *Tree[K, V]) writeHeaderLocked() error {
	t.header.LastPageID = uint64(t.pf.LastPageID())
	c, err := t.pinPage(headerPageID, true)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := t.header.encode(c.Bytes()); err != nil {
		return err
	}
	c.MarkDirty()
	return nil
}
