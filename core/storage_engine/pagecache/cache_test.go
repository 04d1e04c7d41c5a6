package pagecache

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/storage_engine/fs"
)

const testPageSize = 256

func newTestCache(t *testing.T, pages int) *PageCache {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PageSize = testPageSize
	cfg.MaxPages = pages
	cfg.MaxPinAttempts = 5
	cfg.PinBackoff = time.Millisecond
	pc, err := New(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func writePage(t *testing.T, pf *PagedFile, pageID uint64, fill byte) {
	t.Helper()
	c, err := pf.Io(pageID, PfExclusiveLock)
	require.NoError(t, err)
	defer c.Close()
	ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	c.PutBytes(bytes.Repeat([]byte{fill}, testPageSize))
}

func readPage(t *testing.T, pf *PagedFile, pageID uint64) []byte {
	t.Helper()
	c, err := pf.Io(pageID, PfSharedLock)
	require.NoError(t, err)
	defer c.Close()
	ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	return bytes.Clone(c.Bytes())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSize = 1000
	_, err := New(cfg, nil, nil)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.MaxPages = 0
	_, err = New(cfg, nil, nil)
	require.Error(t, err)
}

func TestWriteFlushReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	fsys := fs.NewOSFileSystem()
	ch, err := fsys.Open(path, true)
	require.NoError(t, err)

	pc := newTestCache(t, 8)
	pf, err := pc.Map(ch)
	require.NoError(t, err)
	require.Equal(t, int64(-1), pf.LastPageID())

	for i := uint64(0); i < 4; i++ {
		writePage(t, pf, i, byte(i+1))
	}
	require.Equal(t, int64(3), pf.LastPageID())
	require.NoError(t, pf.Flush())
	require.NoError(t, pf.Close())
	require.NoError(t, ch.Close())

	ch, err = fsys.Open(path, false)
	require.NoError(t, err)
	defer ch.Close()
	pc2 := newTestCache(t, 2)
	pf2, err := pc2.Map(ch)
	require.NoError(t, err)
	require.Equal(t, int64(3), pf2.LastPageID())
	for i := uint64(0); i < 4; i++ {
		require.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, testPageSize), readPage(t, pf2, i))
	}
}

func TestSinglePageCacheKeepsDirtyWrites(t *testing.T) {
	ch, err := fs.NewEphemeralFileSystem().Open("one", true)
	require.NoError(t, err)
	pc := newTestCache(t, 1)
	pf, err := pc.Map(ch)
	require.NoError(t, err)

	writePage(t, pf, 0, 0xA1)
	writePage(t, pf, 1, 0xB2)
	require.Equal(t, bytes.Repeat([]byte{0xA1}, testPageSize), readPage(t, pf, 0))
	require.Equal(t, bytes.Repeat([]byte{0xB2}, testPageSize), readPage(t, pf, 1))

	// page 0 was evicted dirty, so it reached the channel without a flush
	raw := make([]byte, testPageSize)
	_, err = ch.ReadAt(raw, 0)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xA1}, testPageSize), raw)
}

func TestEvictionDeadlockWhenAllPinned(t *testing.T) {
	ch, err := fs.NewEphemeralFileSystem().Open("pinned", true)
	require.NoError(t, err)
	pc := newTestCache(t, 1)
	pf, err := pc.Map(ch)
	require.NoError(t, err)

	holder, err := pf.Io(0, PfExclusiveLock)
	require.NoError(t, err)
	ok, err := holder.Next()
	require.NoError(t, err)
	require.True(t, ok)

	other, err := pf.Io(1, PfExclusiveLock)
	require.NoError(t, err)
	_, err = other.Next()
	require.ErrorIs(t, err, dberror.ErrEvictionDeadlock)
	other.Close()

	holder.Close()
	writePage(t, pf, 1, 3)
}

func TestSharedCursorStopsAtEndExclusiveGrows(t *testing.T) {
	ch, err := fs.NewEphemeralFileSystem().Open("grow", true)
	require.NoError(t, err)
	pc := newTestCache(t, 4)
	pf, err := pc.Map(ch)
	require.NoError(t, err)

	rc, err := pf.Io(0, PfSharedLock)
	require.NoError(t, err)
	ok, err := rc.Next()
	require.NoError(t, err)
	require.False(t, ok)
	rc.Close()

	nc, err := pf.Io(0, PfExclusiveLock|PfNoGrow)
	require.NoError(t, err)
	ok, err = nc.Next()
	require.NoError(t, err)
	require.False(t, ok)
	nc.Close()

	wc, err := pf.Io(0, PfExclusiveLock)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ok, err = wc.Next()
		require.NoError(t, err)
		require.True(t, ok)
		wc.PutUint64(uint64(100 + i))
	}
	require.Equal(t, uint64(2), wc.CurrentPageID())
	wc.Close()
	require.Equal(t, int64(2), pf.LastPageID())

	rc, err = pf.Io(0, PfSharedLock)
	require.NoError(t, err)
	defer rc.Close()
	var got []uint64
	for {
		ok, err := rc.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, rc.GetUint64())
	}
	require.Equal(t, []uint64{100, 101, 102}, got)
}

func TestCursorTypedAccessAndBounds(t *testing.T) {
	ch, err := fs.NewEphemeralFileSystem().Open("typed", true)
	require.NoError(t, err)
	pc := newTestCache(t, 2)
	pf, err := pc.Map(ch)
	require.NoError(t, err)

	wc, err := pf.Io(0, PfExclusiveLock)
	require.NoError(t, err)
	require.NoError(t, wc.SetOffsetAndPageID(10, 0))
	wc.PutByte(7)
	wc.PutUint16(0xBEEF)
	wc.PutUint32(0xCAFEBABE)
	wc.PutUint64(1 << 40)
	require.Equal(t, 10+1+2+4+8, wc.Offset())
	wc.SetOffset(testPageSize - 4)
	wc.PutUint64(1)
	require.True(t, wc.CheckAndClearBoundsFlag())
	require.False(t, wc.CheckAndClearBoundsFlag())
	wc.Close()

	rc, err := pf.Io(0, PfSharedLock)
	require.NoError(t, err)
	defer rc.Close()
	require.NoError(t, rc.SetOffsetAndPageID(10, 0))
	require.Equal(t, byte(7), rc.GetByte())
	require.Equal(t, uint16(0xBEEF), rc.GetUint16())
	require.Equal(t, uint32(0xCAFEBABE), rc.GetUint32())
	require.Equal(t, uint64(1<<40), rc.GetUint64())
	require.Panics(t, func() { rc.PutByte(1) })

	require.ErrorIs(t, rc.SetOffsetAndPageID(0, 9), ErrPageOutOfBounds)
}

func TestInvalidFlags(t *testing.T) {
	ch, err := fs.NewEphemeralFileSystem().Open("flags", true)
	require.NoError(t, err)
	pf, err := newTestCache(t, 1).Map(ch)
	require.NoError(t, err)
	_, err = pf.Io(0, PfSharedLock|PfExclusiveLock)
	require.ErrorIs(t, err, ErrInvalidFlags)
	_, err = pf.Io(0, PfNoGrow)
	require.ErrorIs(t, err, ErrInvalidFlags)
}

func TestShouldRetryAfterConcurrentChange(t *testing.T) {
	ch, err := fs.NewEphemeralFileSystem().Open("retry", true)
	require.NoError(t, err)
	pc := newTestCache(t, 4)
	pf, err := pc.Map(ch)
	require.NoError(t, err)
	writePage(t, pf, 0, 1)

	reader, err := pf.Io(0, PfSharedLock)
	require.NoError(t, err)
	defer reader.Close()
	ok, err := reader.NextTo(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, reader.ShouldRetry())
	reader.Unpin()

	ok, err = reader.NextTo(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, reader.ShouldRetry())
	reader.Unpin()

	writePage(t, pf, 0, 2)
	ok, err = reader.NextTo(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, reader.ShouldRetry())
	require.Equal(t, byte(2), reader.GetByte())
}

func TestMapIsRefcountedPerChannel(t *testing.T) {
	ch, err := fs.NewEphemeralFileSystem().Open("shared", true)
	require.NoError(t, err)
	pc := newTestCache(t, 4)
	a, err := pc.Map(ch)
	require.NoError(t, err)
	b, err := pc.Map(ch)
	require.NoError(t, err)
	require.Same(t, a, b)

	writePage(t, a, 0, 9)
	require.NoError(t, a.Close())
	require.Equal(t, byte(9), readPage(t, b, 0)[0])
	require.NoError(t, b.Close())
	require.Zero(t, pc.ResidentPages())

	raw := make([]byte, testPageSize)
	_, err = ch.ReadAt(raw, 0)
	require.NoError(t, err)
	require.Equal(t, byte(9), raw[0])
}

func TestEvictionWriteFailureSurfacesIOFailure(t *testing.T) {
	fsys := fs.NewEphemeralFileSystem()
	ch, err := fsys.Open("failing", true)
	require.NoError(t, err)
	pc := newTestCache(t, 1)
	pf, err := pc.Map(ch)
	require.NoError(t, err)

	writePage(t, pf, 0, 0x11)
	fsys.FailWritesAfter(0)

	c, err := pf.Io(1, PfSharedLock)
	require.NoError(t, err)
	_, err = c.NextTo(0)
	require.NoError(t, err, "resident page needs no eviction")
	c.Unpin()

	wc, err := pf.Io(1, PfExclusiveLock)
	require.NoError(t, err)
	_, err = wc.Next()
	require.ErrorIs(t, err, dberror.ErrIOFailure)
	wc.Close()

	require.ErrorIs(t, pf.Flush(), dberror.ErrIOFailure)

	fsys.FailWritesAfter(-1)
	require.Equal(t, bytes.Repeat([]byte{0x11}, testPageSize), readPage(t, pf, 0))
	require.NoError(t, pf.Flush())
	c.Close()
}

func TestConcurrentWritersUnderEvictionPressure(t *testing.T) {
	ch, err := fs.NewEphemeralFileSystem().Open("busy", true)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.PageSize = testPageSize
	cfg.MaxPages = 4
	cfg.MaxPinAttempts = 1000
	cfg.PinBackoff = 100 * time.Microsecond
	pc, err := New(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer pc.Close()
	pf, err := pc.Map(ch)
	require.NoError(t, err)

	const pages, workers, rounds = 16, 8, 50
	for p := uint64(0); p < pages; p++ {
		writePage(t, pf, p, 0)
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			c, err := pf.Io(0, PfExclusiveLock|PfNoGrow)
			if err != nil {
				return err
			}
			defer c.Close()
			for r := 0; r < rounds; r++ {
				for p := uint64(0); p < pages; p++ {
					if _, err := c.NextTo(p); err != nil {
						return err
					}
					b := c.Bytes()
					binary.LittleEndian.PutUint64(b, binary.LittleEndian.Uint64(b)+1)
					c.MarkDirty()
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for p := uint64(0); p < pages; p++ {
		require.Equal(t, uint64(workers*rounds), binary.LittleEndian.Uint64(readPage(t, pf, p)))
	}
}

func TestFlushAllAndBackgroundFlusher(t *testing.T) {
	fsys := fs.NewEphemeralFileSystem()
	a, err := fsys.Open("a", true)
	require.NoError(t, err)
	b, err := fsys.Open("b", true)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PageSize = testPageSize
	cfg.MaxPages = 8
	cfg.BackgroundFlush = BackgroundFlushConfig{Enabled: true, Interval: 5 * time.Millisecond}
	pc, err := New(cfg, zap.NewNop(), nil)
	require.NoError(t, err)

	pa, err := pc.Map(a)
	require.NoError(t, err)
	pb, err := pc.Map(b)
	require.NoError(t, err)
	writePage(t, pa, 0, 0xAA)
	writePage(t, pb, 0, 0xBB)

	require.Eventually(t, func() bool {
		sa, _ := a.Size()
		sb, _ := b.Size()
		return sa == testPageSize && sb == testPageSize
	}, 2*time.Second, 5*time.Millisecond)

	writePage(t, pa, 1, 0xAC)
	require.NoError(t, pc.FlushAll(context.Background()))
	raw := make([]byte, testPageSize)
	_, err = a.ReadAt(raw, testPageSize)
	require.NoError(t, err)
	require.Equal(t, byte(0xAC), raw[0])

	require.NoError(t, pc.Close())
	require.NoError(t, pc.Close())
	_, err = pa.Io(0, PfSharedLock)
	require.ErrorIs(t, err, dberror.ErrClosed)
	require.ErrorIs(t, pc.FlushAll(context.Background()), dberror.ErrClosed)
	_, err = pc.Map(a)
	require.ErrorIs(t, err, dberror.ErrClosed)
}

func TestConcurrentReadersShareLatch(t *testing.T) {
	ch, err := fs.NewEphemeralFileSystem().Open("readers", true)
	require.NoError(t, err)
	pc := newTestCache(t, 2)
	pf, err := pc.Map(ch)
	require.NoError(t, err)
	writePage(t, pf, 0, 5)

	first, err := pf.Io(0, PfSharedLock)
	require.NoError(t, err)
	_, err = first.Next()
	require.NoError(t, err)
	defer first.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := pf.Io(0, PfSharedLock)
			if err != nil {
				t.Error(err)
				return
			}
			defer c.Close()
			if _, err := c.Next(); err != nil {
				t.Error(err)
				return
			}
			if c.GetByte() != 5 {
				t.Error("unexpected page content")
			}
		}()
	}
	wg.Wait()
}
