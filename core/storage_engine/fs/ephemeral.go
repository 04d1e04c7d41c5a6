package fs

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// EphemeralFileSystem keeps files in memory. Files outlive the channels
// opened on them, so a store can be closed and reopened within one process.
//
// Writes can be made to fail or to complete partially, which is how the
// page I/O retry and failure paths are exercised.
type EphemeralFileSystem struct {
	mu    sync.Mutex
	files map[string]*memFile

	failAfter  atomic.Int64 // successful writes left before failures start; <0 disables
	shortEvery atomic.Int64 // every n-th write is cut in half; 0 disables
	writes     atomic.Int64
}

type memFile struct {
	mu   sync.RWMutex
	data []byte
}

func NewEphemeralFileSystem() *EphemeralFileSystem {
	e := &EphemeralFileSystem{files: make(map[string]*memFile)}
	e.failAfter.Store(-1)
	return e
}

// FailWritesAfter lets n more writes succeed and fails every write after
// them with ErrInjected. A negative n switches failures off.
func (e *EphemeralFileSystem) FailWritesAfter(n int64) {
	e.failAfter.Store(n)
}

// ShortWritesEvery makes every n-th write transfer only half its buffer.
func (e *EphemeralFileSystem) ShortWritesEvery(n int64) {
	e.shortEvery.Store(n)
}

func (e *EphemeralFileSystem) Open(path string, create bool) (Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.files[path]
	if !ok {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		f = &memFile{}
		e.files[path] = f
	}
	return &memChannel{fs: e, file: f, id: nextChannelID(), name: path}, nil
}

func (e *EphemeralFileSystem) Exists(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.files[path]
	return ok
}

func (e *EphemeralFileSystem) Remove(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.files[path]; !ok {
		return fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	delete(e.files, path)
	return nil
}

func (e *EphemeralFileSystem) Glob(dir, suffix string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var paths []string
	for path := range e.files {
		if filepath.Dir(path) == filepath.Clean(dir) && strings.HasSuffix(path, suffix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// admitWrite applies the fault injection settings and returns how many of
// n bytes the write may transfer.
func (e *EphemeralFileSystem) admitWrite(n int) (int, error) {
	for {
		left := e.failAfter.Load()
		if left < 0 {
			break
		}
		if left == 0 {
			return 0, ErrInjected
		}
		if e.failAfter.CompareAndSwap(left, left-1) {
			break
		}
	}
	count := e.writes.Add(1)
	if every := e.shortEvery.Load(); every > 0 && count%every == 0 && n > 1 {
		return n / 2, nil
	}
	return n, nil
}

type memChannel struct {
	fs     *EphemeralFileSystem
	file   *memFile
	id     uint64
	name   string
	closed atomic.Bool
}

func (c *memChannel) ReadAt(p []byte, off int64) (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	c.file.mu.RLock()
	defer c.file.mu.RUnlock()
	if off >= int64(len(c.file.data)) {
		return 0, io.EOF
	}
	n := copy(p, c.file.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (c *memChannel) WriteAt(p []byte, off int64) (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	allowed, err := c.fs.admitWrite(len(p))
	if err != nil {
		return 0, err
	}
	c.file.mu.Lock()
	defer c.file.mu.Unlock()
	end := off + int64(allowed)
	if end > int64(len(c.file.data)) {
		grown := make([]byte, end)
		copy(grown, c.file.data)
		c.file.data = grown
	}
	copy(c.file.data[off:end], p[:allowed])
	if allowed < len(p) {
		return allowed, io.ErrShortWrite
	}
	return allowed, nil
}

func (c *memChannel) Size() (int64, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}
	c.file.mu.RLock()
	defer c.file.mu.RUnlock()
	return int64(len(c.file.data)), nil
}

func (c *memChannel) Truncate(size int64) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	c.file.mu.Lock()
	defer c.file.mu.Unlock()
	if size <= int64(len(c.file.data)) {
		c.file.data = c.file.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, c.file.data)
	c.file.data = grown
	return nil
}

func (c *memChannel) Sync() error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return nil
}

func (c *memChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *memChannel) ID() uint64   { return c.id }
func (c *memChannel) Name() string { return c.name }
