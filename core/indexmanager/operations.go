package indexmanager

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/graphstore/core/indexing/btree"
	"github.com/sushant-115/graphstore/core/indexing/schema"
	"github.com/sushant-115/graphstore/core/storage_engine/fs"
	"github.com/sushant-115/graphstore/core/values"
)

// Add indexes value for entityID in the named index.
func (m *Manager) Add(ctx context.Context, name string, entityID int64, value values.Value) (err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Add", name)
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Add", name, err) }()
	mi, err := m.lookup(name)
	if err != nil {
		return err
	}
	defer mi.gate.RUnlock()
	return mi.index.Add(entityID, value)
}

// Remove drops the entry for entityID and value from the named index.
func (m *Manager) Remove(ctx context.Context, name string, entityID int64, value values.Value) (found bool, err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Remove", name)
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Remove", name, err) }()
	mi, err := m.lookup(name)
	if err != nil {
		return false, err
	}
	defer mi.gate.RUnlock()
	return mi.index.Remove(entityID, value)
}

// Query returns the entity ids matching p in index order.
func (m *Manager) Query(ctx context.Context, name string, p schema.RangePredicate) (ids []int64, err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Query", name)
	defer func() {
		span.SetAttributes(attribute.String("index.predicate", p.String()), attribute.Int("index.results", len(ids)))
		m.EndMetricsAndTrace(ctx, span, start, "Query", name, err)
	}()
	mi, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	defer mi.gate.RUnlock()
	return mi.index.Query(p)
}

// Visit streams the entries matching p to fn; see schema.NumberIndex.Visit.
func (m *Manager) Visit(ctx context.Context, name string, p schema.RangePredicate, fn func(schema.Entry) bool) (err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Visit", name)
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Visit", name, err) }()
	mi, err := m.lookup(name)
	if err != nil {
		return err
	}
	defer mi.gate.RUnlock()
	return mi.index.Visit(p, func(e schema.Entry) bool {
		return ctx.Err() == nil && fn(e)
	})
}

// Check runs a full consistency check of the named index and returns its
// shape.
func (m *Manager) Check(ctx context.Context, name string) (stats btree.Stats, err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Check", name)
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Check", name, err) }()
	mi, err := m.lookup(name)
	if err != nil {
		return btree.Stats{}, err
	}
	defer mi.gate.RUnlock()
	return mi.index.Tree().Stats()
}

// Header returns the file header of the named index.
func (m *Manager) Header(name string) (btree.FileHeader, error) {
	mi, err := m.lookup(name)
	if err != nil {
		return btree.FileHeader{}, err
	}
	defer mi.gate.RUnlock()
	return mi.index.Tree().Header(), nil
}

// Backup checkpoints the named index and copies its file to dst, at no
// more than rateBytesPerSec. Operations on the index wait until the copy
// is done.
func (m *Manager) Backup(ctx context.Context, name, dst string, rateBytesPerSec int64) (res fs.CopyResult, err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Backup", name)
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Backup", name, err) }()
	mi, err := m.lookup(name)
	if err != nil {
		return res, err
	}
	// trade the shared gate for the exclusive one
	mi.gate.RUnlock()
	mi.gate.Lock()
	defer mi.gate.Unlock()

	if err := mi.index.Checkpoint(ctx); err != nil {
		return res, fmt.Errorf("checkpoint %s: %w", name, err)
	}
	out, err := m.fsys.Open(dst, true)
	if err != nil {
		return res, err
	}
	defer out.Close()
	res, err = fs.CopyThrottled(ctx, mi.channel, out, rateBytesPerSec)
	if err != nil {
		return res, err
	}
	m.logger.Info("index backed up", zap.String("index", name), zap.String("dst", dst),
		zap.Int64("bytes", res.Bytes), zap.String("sha256", res.SHA256))
	return res, nil
}

// StartMetricsAndTrace begins the telemetry recording for an index
// operation. It returns a new context, the trace span, and the start time.
func (m *Manager) StartMetricsAndTrace(ctx context.Context, op, index string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
	)
	m.metrics.ActiveOpsUpDownCounter.Add(ctx, 1, attrs)
	m.metrics.OpsStartedCounter.Add(ctx, 1, attrs)

	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
		attribute.String("index.name", index),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for an index
// operation.
func (m *Manager) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, op, index string, err error) {
	latency := time.Since(startTime).Microseconds()

	code := otelcodes.Ok
	if err != nil {
		code = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		m.logger.Debug("index operation failed", zap.String("op", op), zap.String("index", index), zap.Error(err))
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()

	m.metrics.ActiveOpsUpDownCounter.Add(ctx, -1, metric.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
	))
	metricAttributes := attribute.NewSet(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
		attribute.String("index.code", code.String()),
	)
	m.metrics.OpLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	m.metrics.OpsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}
