package pagecache

import (
	"sync"
	"sync/atomic"
)

// pageKey identifies a page across every file mapped into a cache.
type pageKey struct {
	channelID uint64
	pageID    uint64
}

// maxUsage caps the clock counter so a hot frame survives a few sweeps, not forever.
const maxUsage = 4

// frame is an in-memory slot holding a copy of one file page.
type frame struct {
	index int
	data  []byte

	// key, file and loaded change only while the exclusive latch is held
	// and the changer owns the only pin.
	key    pageKey
	file   *PagedFile
	loaded bool

	pinCount atomic.Int32
	usage    atomic.Int32
	dirty    atomic.Bool
	// version is drawn from the cache-wide counter on load and on every
	// exclusive release that changed the page.
	version atomic.Uint64

	// latch protects the page bytes. It is a lightweight lock for physical
	// consistency only.
	latch sync.RWMutex
}

func newFrame(index int, data []byte) *frame {
	return &frame{index: index, data: data}
}

func (f *frame) pin() {
	f.pinCount.Add(1)
}

func (f *frame) unpin() {
	if f.pinCount.Add(-1) < 0 {
		panic("pagecache: unpin of an unpinned frame")
	}
}

func (f *frame) touch() {
	for {
		u := f.usage.Load()
		if u >= maxUsage || f.usage.CompareAndSwap(u, u+1) {
			return
		}
	}
}

func (f *frame) lock(exclusive bool) {
	if exclusive {
		f.latch.Lock()
	} else {
		f.latch.RLock()
	}
}

func (f *frame) unlock(exclusive bool) {
	if exclusive {
		f.latch.Unlock()
	} else {
		f.latch.RUnlock()
	}
}

// detach forgets the page the frame held. Exclusive latch required.
func (f *frame) detach() {
	f.key = pageKey{}
	f.file = nil
	f.loaded = false
	f.dirty.Store(false)
	f.usage.Store(0)
}
