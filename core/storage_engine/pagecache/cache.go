// Package pagecache keeps a bounded set of file pages in memory. Callers
// reach pages through cursors that pin them, latch them shared or
// exclusive, and release them on move or close. Dirty pages are written
// back before their frame is reused, on Flush, or by the optional
// background flusher.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/storage_engine/fs"
	"github.com/sushant-115/graphstore/core/storage_engine/pageio"
	internaltelemetry "github.com/sushant-115/graphstore/internal/telemetry"
)

var (
	ErrPageOutOfBounds = errors.New("page id beyond the end of the file")
	ErrInvalidFlags    = errors.New("cursor needs exactly one of PfSharedLock and PfExclusiveLock")

	errNoVictim = errors.New("no evictable frame")
)

// Config sizes a PageCache.
type Config struct {
	PageSize int
	MaxPages int
	// MaxPinAttempts bounds how often a pin looks for a free frame before
	// failing with ErrEvictionDeadlock.
	MaxPinAttempts int
	// PinBackoff is the base sleep between such attempts; it grows linearly.
	PinBackoff      time.Duration
	BackgroundFlush BackgroundFlushConfig
}

type BackgroundFlushConfig struct {
	Enabled  bool
	Interval time.Duration
	// MaxIOPS limits page writes per second; 0 means unlimited.
	MaxIOPS int
}

func DefaultConfig() Config {
	return Config{
		PageSize:       8192,
		MaxPages:       1024,
		MaxPinAttempts: 64,
		PinBackoff:     time.Millisecond,
		BackgroundFlush: BackgroundFlushConfig{
			Interval: time.Second,
			MaxIOPS:  2000,
		},
	}
}

func (c Config) validate() error {
	if c.PageSize < 64 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page size %d must be a power of two >= 64", c.PageSize)
	}
	if c.MaxPages < 1 {
		return fmt.Errorf("cache needs at least one page, got %d", c.MaxPages)
	}
	if c.BackgroundFlush.Enabled && c.BackgroundFlush.Interval <= 0 {
		return fmt.Errorf("background flush interval must be positive")
	}
	return nil
}

// PageCache owns a fixed array of frames shared by all mapped files.
type PageCache struct {
	cfg     Config
	logger  *zap.Logger
	metrics *internaltelemetry.PageCacheMetrics

	frames []*frame
	table  *translationTable

	evictMu   sync.Mutex // guards clockHand and freeList
	clockHand int
	freeList  []int

	versions atomic.Uint64

	mu     sync.Mutex // guards files
	files  map[uint64]*PagedFile
	closed atomic.Bool

	flusher *backgroundFlusher
}

// New builds a cache. metrics may be nil.
func New(cfg Config, logger *zap.Logger, metrics *internaltelemetry.PageCacheMetrics) (*PageCache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxPinAttempts <= 0 {
		cfg.MaxPinAttempts = DefaultConfig().MaxPinAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		var err error
		if metrics, err = internaltelemetry.NewPageCacheMetrics(internaltelemetry.NoopMeter()); err != nil {
			return nil, err
		}
	}
	pc := &PageCache{
		cfg:      cfg,
		logger:   logger.Named("page_cache"),
		metrics:  metrics,
		frames:   make([]*frame, cfg.MaxPages),
		table:    newTranslationTable(),
		freeList: make([]int, 0, cfg.MaxPages),
		files:    make(map[uint64]*PagedFile),
	}
	slab := make([]byte, cfg.PageSize*cfg.MaxPages)
	for i := range pc.frames {
		lo := i * cfg.PageSize
		pc.frames[i] = newFrame(i, slab[lo:lo+cfg.PageSize:lo+cfg.PageSize])
	}
	// pop from the end hands out frame 0 first
	for i := cfg.MaxPages - 1; i >= 0; i-- {
		pc.freeList = append(pc.freeList, i)
	}
	if cfg.BackgroundFlush.Enabled {
		pc.flusher = newBackgroundFlusher(pc, cfg.BackgroundFlush)
		pc.flusher.start()
	}
	pc.logger.Info("page cache initialized",
		zap.Int("pageSize", cfg.PageSize), zap.Int("maxPages", cfg.MaxPages),
		zap.Bool("backgroundFlush", cfg.BackgroundFlush.Enabled))
	return pc, nil
}

func (pc *PageCache) PageSize() int { return pc.cfg.PageSize }
func (pc *PageCache) MaxPages() int { return pc.cfg.MaxPages }

// ResidentPages reports how many frames currently hold a page.
func (pc *PageCache) ResidentPages() int { return pc.table.len() }

// Map makes ch's pages available through the cache. Mapping a channel that
// is already mapped returns the existing handle with one more reference.
func (pc *PageCache) Map(ch fs.Channel) (*PagedFile, error) {
	if pc.closed.Load() {
		return nil, dberror.ErrClosed
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pf, ok := pc.files[ch.ID()]; ok {
		pf.refs++
		return pf, nil
	}
	size, err := ch.Size()
	if err != nil {
		return nil, dberror.IOFailure("map", ch.Name(), 0, err)
	}
	ps := int64(pc.cfg.PageSize)
	pages := (size + ps - 1) / ps
	pf := &PagedFile{
		cache:     pc,
		io:        pageio.NewStandardPageIO(ch, pc.cfg.PageSize),
		channelID: ch.ID(),
		name:      ch.Name(),
		refs:      1,
	}
	pf.lastPageID.Store(pages - 1)
	pf.pagesOnDisk.Store(uint64(pages))
	pc.files[pf.channelID] = pf
	pc.logger.Debug("mapped file", zap.String("file", pf.name), zap.Int64("pages", pages))
	return pf, nil
}

// --- Pinning and eviction ---

// pin returns the frame holding (pf, pageID), pinned and latched in the
// requested mode, loading the page if it is not resident.
func (pc *PageCache) pin(pf *PagedFile, pageID uint64, exclusive bool) (*frame, error) {
	key := pageKey{channelID: pf.channelID, pageID: pageID}
	ctx := context.Background()
	for attempt := 0; ; attempt++ {
		if pc.closed.Load() {
			return nil, dberror.ErrClosed
		}
		if f := pc.table.lookupAndPin(key); f != nil {
			f.lock(exclusive)
			if f.loaded && f.key == key {
				f.touch()
				pc.metrics.HitsCounter.Add(ctx, 1)
				pc.metrics.PinnedUpDownCounter.Add(ctx, 1)
				return f, nil
			}
			// the load we waited on failed, or the frame moved on
			f.unlock(exclusive)
			f.unpin()
			continue
		}

		f, err := pc.victim()
		if err != nil {
			if !errors.Is(err, errNoVictim) {
				return nil, err
			}
			if attempt+1 >= pc.cfg.MaxPinAttempts {
				pc.metrics.PinFailuresCounter.Add(ctx, 1)
				pc.logger.Warn("no evictable frame", zap.String("file", pf.name),
					zap.Uint64("pageID", pageID), zap.Int("attempts", attempt+1))
				return nil, &dberror.PageError{Op: "pin", File: pf.name, PageID: pageID, Err: dberror.ErrEvictionDeadlock}
			}
			time.Sleep(pc.backoff(attempt))
			continue
		}

		// f is pinned once by us, exclusively latched and unmapped
		f.key = key
		f.file = pf
		if !pc.table.insertIfAbsent(key, f) {
			f.detach()
			f.latch.Unlock()
			pc.recycle(f)
			continue
		}
		pc.metrics.MissesCounter.Add(ctx, 1)
		fresh, err := pf.load(pageID, f.data)
		if err != nil {
			pc.table.remove(key, f)
			f.detach()
			f.latch.Unlock()
			pc.recycle(f)
			return nil, err
		}
		f.loaded = true
		// a page that never reached the file must be written even if nobody changes it
		f.dirty.Store(fresh)
		f.version.Store(pc.versions.Add(1))
		f.usage.Store(1)
		pc.metrics.PinnedUpDownCounter.Add(ctx, 1)
		if !exclusive {
			f.latch.Unlock()
			f.latch.RLock()
		}
		return f, nil
	}
}

func (pc *PageCache) backoff(attempt int) time.Duration {
	d := pc.cfg.PinBackoff * time.Duration(attempt+1)
	if limit := 16 * pc.cfg.PinBackoff; d > limit {
		d = limit
	}
	return d
}

// release drops a latch and pin taken by pin. It returns the frame version
// the caller leaves behind.
func (pc *PageCache) release(f *frame, exclusive, dirtied bool) uint64 {
	if exclusive && dirtied {
		f.dirty.Store(true)
		f.version.Store(pc.versions.Add(1))
	}
	v := f.version.Load()
	f.unlock(exclusive)
	f.unpin()
	pc.metrics.PinnedUpDownCounter.Add(context.Background(), -1)
	return v
}

// victim claims an unmapped frame, writing back and unmapping a resident
// page if needed. The frame is returned pinned once and exclusively latched.
func (pc *PageCache) victim() (*frame, error) {
	for tries := 0; tries < len(pc.frames); tries++ {
		f := pc.claimFrame()
		if f == nil {
			return nil, errNoVictim
		}
		f.latch.Lock()
		if !f.loaded {
			return f, nil
		}
		if f.dirty.Load() {
			if err := f.file.writeBack(f.key.pageID, f.data); err != nil {
				f.latch.Unlock()
				f.unpin()
				return nil, err
			}
			f.dirty.Store(false)
			pc.metrics.DirtyEvictionsCounter.Add(context.Background(), 1)
		}
		if !pc.table.removeIfSolePin(f.key, f) {
			// somebody found the page while we were writing it back
			f.latch.Unlock()
			f.unpin()
			continue
		}
		pc.metrics.EvictionsCounter.Add(context.Background(), 1)
		f.detach()
		return f, nil
	}
	return nil, errNoVictim
}

// claimFrame pins a frame nobody else has pinned: a free one if available,
// otherwise the next clock-sweep candidate whose usage has run down.
func (pc *PageCache) claimFrame() *frame {
	pc.evictMu.Lock()
	defer pc.evictMu.Unlock()
	for len(pc.freeList) > 0 {
		idx := pc.freeList[len(pc.freeList)-1]
		pc.freeList = pc.freeList[:len(pc.freeList)-1]
		if f := pc.frames[idx]; f.pinCount.CompareAndSwap(0, 1) {
			return f
		}
	}
	n := len(pc.frames)
	for i := 0; i < n*(maxUsage+1); i++ {
		f := pc.frames[pc.clockHand]
		pc.clockHand = (pc.clockHand + 1) % n
		if f.pinCount.Load() != 0 {
			continue
		}
		if u := f.usage.Load(); u > 0 {
			f.usage.CompareAndSwap(u, u-1)
			continue
		}
		if f.pinCount.CompareAndSwap(0, 1) {
			return f
		}
	}
	return nil
}

// recycle returns an unmapped frame owned by the caller to the free list.
func (pc *PageCache) recycle(f *frame) {
	pc.evictMu.Lock()
	pc.freeList = append(pc.freeList, f.index)
	pc.evictMu.Unlock()
	f.unpin()
}

// --- Flushing ---

// flushFile writes back every dirty page of pf. Each page is written under
// its shared latch so a half-modified page is never observed.
func (pc *PageCache) flushFile(pf *PagedFile) (int, error) {
	mapped := pc.table.collect(func(k pageKey) bool { return k.channelID == pf.channelID })
	slices.SortFunc(mapped, func(a, b mappedFrame) int {
		switch {
		case a.key.pageID < b.key.pageID:
			return -1
		case a.key.pageID > b.key.pageID:
			return 1
		}
		return 0
	})
	var errs error
	written := 0
	for _, m := range mapped {
		f := m.frame
		if !f.dirty.Load() {
			f.unpin()
			continue
		}
		f.latch.RLock()
		if f.loaded && f.key == m.key && f.dirty.Load() {
			if err := pf.writeBack(m.key.pageID, f.data); err != nil {
				errs = multierr.Append(errs, err)
			} else {
				f.dirty.Store(false)
				written++
			}
		}
		f.unpin()
		f.latch.RUnlock()
	}
	pc.metrics.FlushesCounter.Add(context.Background(), int64(written))
	return written, errs
}

// FlushAll writes back every dirty page of every mapped file and syncs the
// files. Files are flushed concurrently; all failures are reported.
func (pc *PageCache) FlushAll(ctx context.Context) error {
	if pc.closed.Load() {
		return dberror.ErrClosed
	}
	return pc.flushAll(ctx)
}

func (pc *PageCache) flushAll(ctx context.Context) error {
	pc.mu.Lock()
	files := make([]*PagedFile, 0, len(pc.files))
	for _, pf := range pc.files {
		files = append(files, pf)
	}
	pc.mu.Unlock()

	errs := make([]error, len(files))
	var g errgroup.Group
	g.SetLimit(4)
	for i, pf := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = pf.flush()
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

// unmap drops the last reference to pf: its dirty pages are written back
// and its frames returned to the free list.
func (pc *PageCache) unmap(pf *PagedFile) error {
	pc.mu.Lock()
	pf.refs--
	if pf.refs > 0 {
		pc.mu.Unlock()
		return nil
	}
	delete(pc.files, pf.channelID)
	pc.mu.Unlock()

	err := pf.flush()
	for _, m := range pc.table.collect(func(k pageKey) bool { return k.channelID == pf.channelID }) {
		err = multierr.Append(err, pc.drop(pf, m))
	}
	pc.logger.Debug("unmapped file", zap.String("file", pf.name), zap.Error(err))
	return err
}

// drop unmaps one collected frame, waiting briefly for concurrent flushers
// to let go of it.
func (pc *PageCache) drop(pf *PagedFile, m mappedFrame) error {
	f := m.frame
	for attempt := 0; ; attempt++ {
		f.latch.Lock()
		if f.key != m.key || !f.loaded {
			f.latch.Unlock()
			f.unpin()
			return nil
		}
		if f.dirty.Load() {
			if err := pf.writeBack(m.key.pageID, f.data); err != nil {
				f.latch.Unlock()
				f.unpin()
				return err
			}
			f.dirty.Store(false)
		}
		if pc.table.removeIfSolePin(m.key, f) {
			f.detach()
			f.latch.Unlock()
			pc.recycle(f)
			return nil
		}
		f.latch.Unlock()
		if attempt+1 >= pc.cfg.MaxPinAttempts {
			f.unpin()
			return &dberror.PageError{Op: "unmap", File: pf.name, PageID: m.key.pageID, Err: dberror.ErrPagePinned}
		}
		time.Sleep(pc.backoff(attempt))
	}
}

// Close stops the background flusher and writes back all dirty pages.
// Files still mapped stay readable only through their own channels.
func (pc *PageCache) Close() error {
	if !pc.closed.CompareAndSwap(false, true) {
		return nil
	}
	if pc.flusher != nil {
		pc.flusher.stop()
	}
	err := pc.flushAll(context.Background())
	pinned := 0
	for _, f := range pc.frames {
		if f.pinCount.Load() > 0 {
			pinned++
		}
	}
	if pinned > 0 {
		pc.logger.Warn("page cache closed with pinned pages", zap.Int("pinned", pinned))
	}
	pc.logger.Info("page cache closed", zap.Error(err))
	return err
}
