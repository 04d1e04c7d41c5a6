package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// NoopMeter is used by components constructed without telemetry.
func NoopMeter() metric.Meter {
	return noop.NewMeterProvider().Meter("")
}

// PageCacheMetrics holds the instruments of one page cache.
type PageCacheMetrics struct {
	HitsCounter           metric.Int64Counter
	MissesCounter         metric.Int64Counter
	EvictionsCounter      metric.Int64Counter
	DirtyEvictionsCounter metric.Int64Counter
	FlushesCounter        metric.Int64Counter
	PinFailuresCounter    metric.Int64Counter
	PinnedUpDownCounter   metric.Int64UpDownCounter
}

// NewPageCacheMetrics creates and registers the page cache instruments.
func NewPageCacheMetrics(meter metric.Meter) (*PageCacheMetrics, error) {
	m := &PageCacheMetrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HitsCounter, "graphstore.pagecache.hits_total", "Pins served from a resident frame."},
		{&m.MissesCounter, "graphstore.pagecache.misses_total", "Pins that loaded the page from its file."},
		{&m.EvictionsCounter, "graphstore.pagecache.evictions_total", "Frames reassigned to another page."},
		{&m.DirtyEvictionsCounter, "graphstore.pagecache.dirty_evictions_total", "Evictions that had to write the victim back first."},
		{&m.FlushesCounter, "graphstore.pagecache.flushed_pages_total", "Dirty pages written back by flush or the background flusher."},
		{&m.PinFailuresCounter, "graphstore.pagecache.pin_failures_total", "Pins that gave up because every frame was pinned."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
	}
	m.PinnedUpDownCounter, err = meter.Int64UpDownCounter(
		"graphstore.pagecache.pinned",
		metric.WithDescription("Pins currently held by cursors."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// TreeMetrics holds the structural-change instruments of the B+Tree.
type TreeMetrics struct {
	SplitsCounter        metric.Int64Counter
	MergesCounter        metric.Int64Counter
	BorrowsCounter       metric.Int64Counter
	ReaderRetriesCounter metric.Int64Counter
}

func NewTreeMetrics(meter metric.Meter) (*TreeMetrics, error) {
	splits, err := meter.Int64Counter("graphstore.btree.splits_total",
		metric.WithDescription("Node splits."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	merges, err := meter.Int64Counter("graphstore.btree.merges_total",
		metric.WithDescription("Node merges."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	borrows, err := meter.Int64Counter("graphstore.btree.borrows_total",
		metric.WithDescription("Entries moved between siblings to fix an underflow."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("graphstore.btree.reader_retries_total",
		metric.WithDescription("Seeks restarted from the root after a concurrent structural change."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	return &TreeMetrics{
		SplitsCounter:        splits,
		MergesCounter:        merges,
		BorrowsCounter:       borrows,
		ReaderRetriesCounter: retries,
	}, nil
}

// IndexOpMetrics counts index operations the way the service layer counts RPCs.
type IndexOpMetrics struct {
	OpsStartedCounter      metric.Int64Counter
	OpsHandledCounter      metric.Int64Counter
	OpLatencyHistogram     metric.Int64Histogram
	ActiveOpsUpDownCounter metric.Int64UpDownCounter
}

func NewIndexOpMetrics(meter metric.Meter) (*IndexOpMetrics, error) {
	started, err := meter.Int64Counter("graphstore.index.ops.started_total",
		metric.WithDescription("Total number of index operations started."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	handled, err := meter.Int64Counter("graphstore.index.ops.handled_total",
		metric.WithDescription("Total number of index operations completed."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Int64Histogram("graphstore.index.ops.duration",
		metric.WithDescription("The latency of index operations."), metric.WithUnit("us"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("graphstore.index.ops.active",
		metric.WithDescription("Number of index operations in flight."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	return &IndexOpMetrics{
		OpsStartedCounter:      started,
		OpsHandledCounter:      handled,
		OpLatencyHistogram:     latency,
		ActiveOpsUpDownCounter: active,
	}, nil
}
