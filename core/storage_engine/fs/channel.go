// Package fs provides the backing channels the page cache reads and writes
// pages through. A channel is a positioned-I/O file handle; nothing here
// depends on a file cursor.
package fs

import (
	"errors"
	"io"
	"sync/atomic"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrNotExist      = errors.New("file does not exist")
	ErrInjected      = errors.New("injected write failure")
)

// Channel is a randomly addressable byte store.
type Channel interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
	Truncate(size int64) error
	Sync() error
	Close() error
	// ID is unique among all channels opened by this process.
	ID() uint64
	Name() string
}

// FileSystem opens channels by path.
type FileSystem interface {
	Open(path string, create bool) (Channel, error)
	Exists(path string) bool
	Remove(path string) error
	// Glob returns the paths directly inside dir that end with suffix, sorted.
	Glob(dir, suffix string) ([]string, error)
}

var channelIDs atomic.Uint64

func nextChannelID() uint64 {
	return channelIDs.Add(1)
}
