// Package pageio moves whole pages between a backing channel and memory.
package pageio

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/storage_engine/fs"
)

// maxStalledWrites bounds consecutive write attempts that transfer nothing.
const maxStalledWrites = 3

// PageIO reads and writes fixed-size pages addressed by page id.
type PageIO interface {
	Read(pageID uint64, into []byte) error
	Write(pageID uint64, from []byte) error
	PageSize() int
	// ChannelID identifies the backing channel. Two adapters over the same
	// channel have the same ChannelID.
	ChannelID() uint64
	Channel() fs.Channel
}

// StandardPageIO places page n at byte offset n*pageSize of its channel.
type StandardPageIO struct {
	channel  fs.Channel
	pageSize int
}

var _ PageIO = (*StandardPageIO)(nil)

func NewStandardPageIO(channel fs.Channel, pageSize int) *StandardPageIO {
	return &StandardPageIO{channel: channel, pageSize: pageSize}
}

func (p *StandardPageIO) PageSize() int       { return p.pageSize }
func (p *StandardPageIO) ChannelID() uint64   { return p.channel.ID() }
func (p *StandardPageIO) Channel() fs.Channel { return p.channel }

func (p *StandardPageIO) position(pageID uint64) int64 {
	return int64(pageID) * int64(p.pageSize)
}

// Read fills into with the page's bytes. A short read, including one past
// the end of the file, is an I/O failure.
func (p *StandardPageIO) Read(pageID uint64, into []byte) error {
	if len(into) != p.pageSize {
		return dberror.IOFailure("read", p.channel.Name(), pageID,
			fmt.Errorf("buffer size %d != page size %d", len(into), p.pageSize))
	}
	n, err := p.channel.ReadAt(into, p.position(pageID))
	if n == len(into) {
		// io.ReaderAt may report io.EOF together with a full read at the end of the file
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: read %d of %d bytes", io.ErrUnexpectedEOF, n, p.pageSize)
	}
	return dberror.IOFailure("read", p.channel.Name(), pageID, err)
}

// Write stores from as the page's bytes. Partial writes continue from where
// they stopped until the page is complete.
func (p *StandardPageIO) Write(pageID uint64, from []byte) error {
	if len(from) != p.pageSize {
		return dberror.IOFailure("write", p.channel.Name(), pageID,
			fmt.Errorf("buffer size %d != page size %d", len(from), p.pageSize))
	}
	base := p.position(pageID)
	written, stalled := 0, 0
	for written < len(from) {
		n, err := p.channel.WriteAt(from[written:], base+int64(written))
		written += n
		if err == nil {
			continue
		}
		if !isTransient(err) {
			return dberror.IOFailure("write", p.channel.Name(), pageID, err)
		}
		if n == 0 {
			stalled++
			if stalled >= maxStalledWrites {
				return dberror.IOFailure("write", p.channel.Name(), pageID,
					fmt.Errorf("no progress after %d attempts: %w", stalled, err))
			}
			continue
		}
		stalled = 0
	}
	return nil
}

func isTransient(err error) bool {
	return errors.Is(err, io.ErrShortWrite) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}
