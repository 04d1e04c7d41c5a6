package pagecache

import (
	"fmt"
	"sync/atomic"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/storage_engine/pageio"
)

// PagedFile is a file mapped into a PageCache. It is obtained from
// PageCache.Map and released with Close.
type PagedFile struct {
	cache     *PageCache
	io        pageio.PageIO
	channelID uint64
	name      string

	// lastPageID is -1 for an empty file.
	lastPageID atomic.Int64
	// pagesOnDisk counts the pages physically present in the file. Pages at
	// or beyond it are zero-filled on load instead of read.
	pagesOnDisk atomic.Uint64

	refs int // guarded by cache.mu
}

func (pf *PagedFile) Name() string      { return pf.name }
func (pf *PagedFile) PageSize() int     { return pf.io.PageSize() }
func (pf *PagedFile) ChannelID() uint64 { return pf.channelID }

// LastPageID returns the highest page id in the file, or -1 when empty.
func (pf *PagedFile) LastPageID() int64 {
	return pf.lastPageID.Load()
}

// Allocate extends the file by one page and returns its id. The page reads
// as zeros until written.
func (pf *PagedFile) Allocate() uint64 {
	return uint64(pf.lastPageID.Add(1))
}

func (pf *PagedFile) growTo(pageID uint64) {
	for {
		last := pf.lastPageID.Load()
		if int64(pageID) <= last || pf.lastPageID.CompareAndSwap(last, int64(pageID)) {
			return
		}
	}
}

// Io opens a cursor positioned just before pageID: the first Next moves
// onto pageID itself.
func (pf *PagedFile) Io(pageID uint64, flags int) (*PageCursor, error) {
	shared, exclusive := flags&PfSharedLock != 0, flags&PfExclusiveLock != 0
	if shared == exclusive {
		return nil, ErrInvalidFlags
	}
	if pf.cache.closed.Load() {
		return nil, dberror.ErrClosed
	}
	return &PageCursor{
		file:       pf,
		exclusive:  exclusive,
		noGrow:     flags&PfNoGrow != 0,
		nextPageID: pageID,
	}, nil
}

// Flush writes back the file's dirty pages and syncs the channel.
func (pf *PagedFile) Flush() error {
	if pf.cache.closed.Load() {
		return dberror.ErrClosed
	}
	return pf.flush()
}

func (pf *PagedFile) flush() error {
	if _, err := pf.cache.flushFile(pf); err != nil {
		return err
	}
	if err := pf.io.Channel().Sync(); err != nil {
		return dberror.IOFailure("sync", pf.name, 0, err)
	}
	return nil
}

// Close releases this reference. The last Close writes back the file's
// dirty pages and frees its frames; the channel itself stays open.
func (pf *PagedFile) Close() error {
	if err := pf.cache.unmap(pf); err != nil {
		return fmt.Errorf("close paged file %s: %w", pf.name, err)
	}
	return nil
}

// load fills into with the page. fresh reports a page that does not exist
// in the file yet.
func (pf *PagedFile) load(pageID uint64, into []byte) (fresh bool, err error) {
	if pageID >= pf.pagesOnDisk.Load() {
		clear(into)
		return true, nil
	}
	return false, pf.io.Read(pageID, into)
}

func (pf *PagedFile) writeBack(pageID uint64, data []byte) error {
	if err := pf.io.Write(pageID, data); err != nil {
		return err
	}
	for {
		n := pf.pagesOnDisk.Load()
		if pageID < n || pf.pagesOnDisk.CompareAndSwap(n, pageID+1) {
			return nil
		}
	}
}
