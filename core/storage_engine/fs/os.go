package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// OSFileSystem opens channels on the local file system.
type OSFileSystem struct{}

func NewOSFileSystem() *OSFileSystem {
	return &OSFileSystem{}
}

func (OSFileSystem) Open(path string, create bool) (Channel, error) {
	flags := os.O_RDWR
	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &osChannel{f: f, id: nextChannelID(), name: path}, nil
}

func (OSFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSFileSystem) Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	return err
}

func (OSFileSystem) Glob(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

type osChannel struct {
	f      *os.File
	id     uint64
	name   string
	closed atomic.Bool
}

func (c *osChannel) ReadAt(p []byte, off int64) (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}
	return c.f.ReadAt(p, off)
}

func (c *osChannel) WriteAt(p []byte, off int64) (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}
	return c.f.WriteAt(p, off)
}

func (c *osChannel) Size() (int64, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}
	st, err := c.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (c *osChannel) Truncate(size int64) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return c.f.Truncate(size)
}

func (c *osChannel) Sync() error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return c.f.Sync()
}

func (c *osChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.f.Close()
}

func (c *osChannel) ID() uint64   { return c.id }
func (c *osChannel) Name() string { return c.name }
