// Package indexmanager owns a store: one page cache shared by the named
// number indexes kept as files in the store's data directory.
package indexmanager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/indexing/btree"
	"github.com/sushant-115/graphstore/core/indexing/schema"
	"github.com/sushant-115/graphstore/core/storage_engine/fs"
	"github.com/sushant-115/graphstore/core/storage_engine/pagecache"
	internaltelemetry "github.com/sushant-115/graphstore/internal/telemetry"
	"github.com/sushant-115/graphstore/pkg/telemetry"
)

const indexFileSuffix = ".idx"

var (
	ErrIndexNotFound = errors.New("index not found")
	ErrIndexExists   = errors.New("index already exists")
	ErrBadIndexName  = errors.New("invalid index name")
)

type Config struct {
	DataDir   string
	PageCache pagecache.Config
	// MaxLeafKeys and MaxInternalKeys cap node fill of newly opened trees;
	// zero uses the page capacity.
	MaxLeafKeys     int
	MaxInternalKeys int
}

// Manager opens and closes indexes and serializes maintenance against
// regular operations. All methods are safe for concurrent use.
type Manager struct {
	cfg    Config
	fsys   fs.FileSystem
	cache  *pagecache.PageCache
	logger *zap.Logger

	tracer      trace.Tracer
	metrics     *internaltelemetry.IndexOpMetrics
	treeMetrics *internaltelemetry.TreeMetrics
	serviceName string

	mu      sync.Mutex
	indexes map[string]*managedIndex
	closed  bool
}

// managedIndex pairs an open index with its channel. Operations hold gate
// shared; backups hold it exclusively so the copied file is consistent.
type managedIndex struct {
	gate    sync.RWMutex
	index   *schema.NumberIndex
	channel fs.Channel
}

// New creates the page cache described by cfg. tel may be nil.
func New(cfg Config, fsys fs.FileSystem, logger *zap.Logger, tel *telemetry.Telemetry) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter, tracer := internaltelemetry.NoopMeter(), telemetry.NoopTracer()
	if tel != nil {
		meter, tracer = tel.Meter, tel.Tracer
	}
	cacheMetrics, err := internaltelemetry.NewPageCacheMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("page cache metrics: %w", err)
	}
	treeMetrics, err := internaltelemetry.NewTreeMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("tree metrics: %w", err)
	}
	opMetrics, err := internaltelemetry.NewIndexOpMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("index metrics: %w", err)
	}
	cache, err := pagecache.New(cfg.PageCache, logger, cacheMetrics)
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", zap.String("dataDir", cfg.DataDir),
		zap.Int("pageSize", cfg.PageCache.PageSize), zap.Int("cachePages", cfg.PageCache.MaxPages))
	return &Manager{
		cfg:         cfg,
		fsys:        fsys,
		cache:       cache,
		logger:      logger.Named("index_manager"),
		tracer:      tracer,
		metrics:     opMetrics,
		treeMetrics: treeMetrics,
		serviceName: "index_manager",
		indexes:     make(map[string]*managedIndex),
	}, nil
}

// Cache returns the shared page cache.
func (m *Manager) Cache() *pagecache.PageCache { return m.cache }

func (m *Manager) indexPath(name string) string {
	return filepath.Join(m.cfg.DataDir, name+indexFileSuffix)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrBadIndexName, name)
	}
	return nil
}

// CreateIndex creates a new, empty index file and opens it.
func (m *Manager) CreateIndex(ctx context.Context, name string, unique bool) (err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "CreateIndex", name)
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "CreateIndex", name, err) }()
	if err := validName(name); err != nil {
		return err
	}
	if m.fsys.Exists(m.indexPath(name)) {
		return fmt.Errorf("%w: %s", ErrIndexExists, name)
	}
	_, err = m.open(name, unique, true)
	return err
}

// OpenIndex opens an existing index, unique or not as it was created.
func (m *Manager) OpenIndex(ctx context.Context, name string) (err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "OpenIndex", name)
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "OpenIndex", name, err) }()
	if err := validName(name); err != nil {
		return err
	}
	_, err = m.open(name, false, false)
	return err
}

// open opens the named index. Without create the uniqueness comes from
// the file header and the unique argument is ignored.
func (m *Manager) open(name string, unique, create bool) (*managedIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, dberror.ErrClosed
	}
	if mi, ok := m.indexes[name]; ok {
		if create {
			return nil, fmt.Errorf("%w: %s", ErrIndexExists, name)
		}
		return mi, nil
	}
	path := m.indexPath(name)
	ch, err := m.fsys.Open(path, create)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
		}
		return nil, err
	}
	if !create {
		h, err := btree.ReadFileHeader(ch)
		if err == nil {
			unique, err = schema.IsUniqueFile(h)
		}
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("open index %s: %w", name, err), ch.Close())
		}
	}
	ix, err := schema.OpenNumberIndex(m.cache, ch, name, unique, btree.Options{
		MaxLeafKeys:     m.cfg.MaxLeafKeys,
		MaxInternalKeys: m.cfg.MaxInternalKeys,
		Logger:          m.logger,
		Metrics:         m.treeMetrics,
	})
	if err != nil {
		return nil, multierr.Append(err, ch.Close())
	}
	mi := &managedIndex{index: ix, channel: ch}
	m.indexes[name] = mi
	m.logger.Info("index opened", zap.String("index", name), zap.Bool("unique", unique), zap.Bool("created", create))
	return mi, nil
}

// lookup returns an open index with its gate held shared. The caller
// releases it with mi.gate.RUnlock.
func (m *Manager) lookup(name string) (*managedIndex, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, dberror.ErrClosed
	}
	mi, ok := m.indexes[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not open", ErrIndexNotFound, name)
	}
	mi.gate.RLock()
	return mi, nil
}

// Index returns an open index for direct use. The index stays usable until
// release is called; backups and closes of the index wait for it, so
// release must not be deferred past other Manager calls on the same index.
func (m *Manager) Index(name string) (ix *schema.NumberIndex, release func(), err error) {
	mi, err := m.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return mi.index, func() { once.Do(mi.gate.RUnlock) }, nil
}

// OpenIndexes lists the names of the open indexes, sorted.
func (m *Manager) OpenIndexes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.indexes))
	for name := range m.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StoredIndexes lists the index files in the data directory.
func (m *Manager) StoredIndexes() ([]string, error) {
	paths, err := m.fsys.Glob(m.cfg.DataDir, indexFileSuffix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.cfg.DataDir, err)
	}
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = strings.TrimSuffix(filepath.Base(p), indexFileSuffix)
	}
	return names, nil
}

// CloseIndex checkpoints and closes one index.
func (m *Manager) CloseIndex(name string) error {
	m.mu.Lock()
	mi, ok := m.indexes[name]
	if ok {
		delete(m.indexes, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is not open", ErrIndexNotFound, name)
	}
	mi.gate.Lock()
	defer mi.gate.Unlock()
	return multierr.Combine(mi.index.Close(), mi.channel.Close())
}

// Checkpoint writes every open index's header and all dirty pages.
func (m *Manager) Checkpoint(ctx context.Context) (err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Checkpoint", "")
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Checkpoint", "", err) }()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return dberror.ErrClosed
	}
	open := make([]*managedIndex, 0, len(m.indexes))
	for _, mi := range m.indexes {
		open = append(open, mi)
	}
	m.mu.Unlock()
	for _, mi := range open {
		mi.gate.RLock()
		err = multierr.Append(err, mi.index.Checkpoint(ctx))
		mi.gate.RUnlock()
	}
	return multierr.Append(err, m.cache.FlushAll(ctx))
}

// Close closes every index, then the page cache. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	indexes := m.indexes
	m.indexes = nil
	m.mu.Unlock()

	var err error
	for name, mi := range indexes {
		mi.gate.Lock()
		if cerr := multierr.Combine(mi.index.Close(), mi.channel.Close()); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close index %s: %w", name, cerr))
		}
		mi.gate.Unlock()
	}
	err = multierr.Append(err, m.cache.Close())
	m.logger.Info("store closed", zap.Error(err))
	return err
}
