package pagecache

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// backgroundFlusher periodically writes back dirty pages nobody has
// pinned, so evictions rarely have to write on the pin path.
type backgroundFlusher struct {
	pc       *PageCache
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newBackgroundFlusher(pc *PageCache, cfg BackgroundFlushConfig) *backgroundFlusher {
	limit := rate.Inf
	burst := 1
	if cfg.MaxIOPS > 0 {
		limit = rate.Limit(cfg.MaxIOPS)
		burst = cfg.MaxIOPS
	}
	return &backgroundFlusher{
		pc:       pc,
		interval: cfg.Interval,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   pc.logger.Named("flusher"),
		done:     make(chan struct{}),
	}
}

func (b *backgroundFlusher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.run(ctx)
}

func (b *backgroundFlusher) stop() {
	b.cancel()
	<-b.done
}

func (b *backgroundFlusher) run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.sweep(ctx)
			if err != nil && ctx.Err() == nil {
				b.logger.Warn("background flush failed", zap.Error(err))
			} else if n > 0 {
				b.logger.Debug("background flush", zap.Int("pages", n))
			}
		}
	}
}

// sweep writes back dirty, unpinned frames. Frames that are latched or
// pinned at the moment are left for the next sweep.
func (b *backgroundFlusher) sweep(ctx context.Context) (int, error) {
	written := 0
	for _, f := range b.pc.frames {
		if !f.dirty.Load() || f.pinCount.Load() != 0 {
			continue
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return written, err
		}
		f.pin()
		if !f.latch.TryRLock() {
			f.unpin()
			continue
		}
		var err error
		if f.loaded && f.dirty.Load() {
			if err = f.file.writeBack(f.key.pageID, f.data); err == nil {
				f.dirty.Store(false)
				written++
			}
		}
		f.unpin()
		f.latch.RUnlock()
		if err != nil {
			return written, err
		}
	}
	b.pc.metrics.FlushesCounter.Add(ctx, int64(written))
	return written, nil
}
