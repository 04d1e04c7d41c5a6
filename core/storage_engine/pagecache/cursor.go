package pagecache

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/graphstore/core/dberror"
)

// Cursor flags.
const (
	PfSharedLock = 1 << iota
	PfExclusiveLock
	// PfNoGrow stops an exclusive cursor from extending the file.
	PfNoGrow
)

// PageCursor walks the pages of one PagedFile. It holds at most one pin at
// a time; moving to another page releases the previous one. A cursor is
// not safe for concurrent use.
type PageCursor struct {
	file      *PagedFile
	exclusive bool
	noGrow    bool

	frame      *frame
	pageID     uint64
	nextPageID uint64
	offset     int
	dirtied    bool
	version    uint64

	// the page the cursor last released and the version it left behind
	lastPageID  uint64
	lastVersion uint64
	hasLast     bool
	retry       bool

	outOfBounds bool
	closed      bool
}

// Next moves to the page after the current one, or to the starting page
// on the first call. It returns false when a shared (or no-grow) cursor
// runs past the end of the file.
func (c *PageCursor) Next() (bool, error) {
	return c.NextTo(c.nextPageID)
}

// NextTo moves the cursor to pageID.
func (c *PageCursor) NextTo(pageID uint64) (bool, error) {
	if c.closed {
		return false, dberror.ErrClosed
	}
	c.Unpin()
	if int64(pageID) > c.file.LastPageID() {
		if !c.exclusive || c.noGrow {
			return false, nil
		}
		c.file.growTo(pageID)
	}
	f, err := c.file.cache.pin(c.file, pageID, c.exclusive)
	if err != nil {
		return false, err
	}
	c.frame = f
	c.pageID = pageID
	c.nextPageID = pageID + 1
	c.offset = 0
	c.dirtied = false
	c.version = f.version.Load()
	c.retry = c.hasLast && c.lastPageID == pageID && c.lastVersion != c.version
	return true, nil
}

// SetOffsetAndPageID moves to pageID and positions the cursor at offset.
func (c *PageCursor) SetOffsetAndPageID(offset int, pageID uint64) error {
	ok, err := c.NextTo(pageID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s page %d", ErrPageOutOfBounds, c.file.name, pageID)
	}
	c.SetOffset(offset)
	return nil
}

// Unpin releases the current page, keeping its version so that a later
// NextTo the same page can report changes through ShouldRetry.
func (c *PageCursor) Unpin() {
	if c.frame == nil {
		return
	}
	c.lastVersion = c.file.cache.release(c.frame, c.exclusive, c.dirtied)
	c.lastPageID = c.pageID
	c.hasLast = true
	c.frame = nil
	c.dirtied = false
}

// ShouldRetry reports whether the page the cursor just re-pinned was
// modified or reloaded since the cursor last released it.
func (c *PageCursor) ShouldRetry() bool {
	return c.retry
}

func (c *PageCursor) Close() {
	if c.closed {
		return
	}
	c.Unpin()
	c.closed = true
}

func (c *PageCursor) CurrentPageID() uint64 { return c.pageID }
func (c *PageCursor) Offset() int           { return c.offset }
func (c *PageCursor) SetOffset(offset int)  { c.offset = offset }
func (c *PageCursor) IsExclusive() bool     { return c.exclusive }
func (c *PageCursor) File() *PagedFile      { return c.file }

// Bytes exposes the pinned page. The slice is valid until the cursor
// moves, unpins or closes, and must only be written through an exclusive
// cursor followed by MarkDirty.
func (c *PageCursor) Bytes() []byte {
	if c.frame == nil {
		return nil
	}
	return c.frame.data
}

// MarkDirty records that the page was modified.
func (c *PageCursor) MarkDirty() {
	c.mustWrite()
	c.dirtied = true
}

// CheckAndClearBoundsFlag reports whether an access since the last call
// fell outside the page.
func (c *PageCursor) CheckAndClearBoundsFlag() bool {
	b := c.outOfBounds
	c.outOfBounds = false
	return b
}

func (c *PageCursor) mustWrite() {
	if !c.exclusive {
		panic("pagecache: write through a shared cursor")
	}
	if c.frame == nil {
		panic("pagecache: write through a cursor with no pinned page")
	}
}

// span returns the next n bytes at the offset and advances past them, or
// nil and sets the bounds flag.
func (c *PageCursor) span(n int) []byte {
	if c.frame == nil || c.offset < 0 || c.offset+n > len(c.frame.data) {
		c.outOfBounds = true
		return nil
	}
	b := c.frame.data[c.offset : c.offset+n]
	c.offset += n
	return b
}

func (c *PageCursor) GetByte() byte {
	if b := c.span(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *PageCursor) PutByte(v byte) {
	c.mustWrite()
	if b := c.span(1); b != nil {
		b[0] = v
		c.dirtied = true
	}
}

func (c *PageCursor) GetUint16() uint16 {
	if b := c.span(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *PageCursor) PutUint16(v uint16) {
	c.mustWrite()
	if b := c.span(2); b != nil {
		binary.LittleEndian.PutUint16(b, v)
		c.dirtied = true
	}
}

func (c *PageCursor) GetUint32() uint32 {
	if b := c.span(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *PageCursor) PutUint32(v uint32) {
	c.mustWrite()
	if b := c.span(4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
		c.dirtied = true
	}
}

func (c *PageCursor) GetUint64() uint64 {
	if b := c.span(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (c *PageCursor) PutUint64(v uint64) {
	c.mustWrite()
	if b := c.span(8); b != nil {
		binary.LittleEndian.PutUint64(b, v)
		c.dirtied = true
	}
}

// GetBytes copies len(dst) bytes from the offset into dst.
func (c *PageCursor) GetBytes(dst []byte) {
	if b := c.span(len(dst)); b != nil {
		copy(dst, b)
	}
}

func (c *PageCursor) PutBytes(src []byte) {
	c.mustWrite()
	if b := c.span(len(src)); b != nil {
		copy(b, src)
		c.dirtied = true
	}
}
