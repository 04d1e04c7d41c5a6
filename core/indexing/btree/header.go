package btree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/storage_engine/fs"
)

const (
	headerMagic   uint32 = 0x47535458 // "GSTX"
	formatVersion uint32 = 1

	headerPageID uint64 = 0
)

// FileHeader is the content of page 0. All fields have fixed sizes so
// binary.Write lays them out identically everywhere.
type FileHeader struct {
	Magic          uint32
	FormatVersion  uint32
	PageSize       uint32
	LayoutVersion  uint32
	LayoutID       uint64
	KeySize        uint16
	ValueSize      uint16
	_              uint32
	RootID         uint64
	RootGeneration uint64
	FreeListHead   uint64
	LastPageID     uint64
	Checkpoints    uint64
	StoreID        uuid.UUID
}

var headerSize = binary.Size(FileHeader{})

func newFileHeader[K any, V any](layout Layout[K, V], pageSize int) FileHeader {
	return FileHeader{
		Magic:         headerMagic,
		FormatVersion: formatVersion,
		PageSize:      uint32(pageSize),
		LayoutVersion: layout.Version(),
		LayoutID:      layout.Identifier(),
		KeySize:       uint16(layout.KeySize()),
		ValueSize:     uint16(layout.ValueSize()),
		StoreID:       uuid.New(),
	}
}

// encode writes the header and its crc32 to the start of page.
func (h *FileHeader) encode(page []byte) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("serializing header: %w", err)
	}
	if buf.Len()+checksumSize > len(page) {
		return fmt.Errorf("header (%d bytes) does not fit page of %d bytes", buf.Len(), len(page))
	}
	clear(page)
	copy(page, buf.Bytes())
	binary.LittleEndian.PutUint32(page[headerSize:], crc32.ChecksumIEEE(page[:headerSize]))
	return nil
}

// decodeFileHeader reads page 0. Files of another format fail with
// ErrUnsupportedFormat; a damaged header with ErrCorruptTreeStructure.
func decodeFileHeader(file string, page []byte) (FileHeader, error) {
	var h FileHeader
	if len(page) < headerSize+checksumSize {
		return h, fmt.Errorf("%w: page of %d bytes cannot hold a header", dberror.ErrUnsupportedFormat, len(page))
	}
	magic := binary.LittleEndian.Uint32(page[0:])
	version := binary.LittleEndian.Uint32(page[4:])
	if magic != headerMagic {
		return h, fmt.Errorf("%w: %s has magic 0x%x, want 0x%x", dberror.ErrUnsupportedFormat, file, magic, headerMagic)
	}
	if version != formatVersion {
		return h, fmt.Errorf("%w: %s has format version %d, want %d", dberror.ErrUnsupportedFormat, file, version, formatVersion)
	}
	if binary.LittleEndian.Uint32(page[headerSize:]) != crc32.ChecksumIEEE(page[:headerSize]) {
		return h, dberror.Corrupt(file, headerPageID, "header checksum mismatch")
	}
	if err := binary.Read(bytes.NewReader(page[:headerSize]), binary.LittleEndian, &h); err != nil {
		return h, dberror.Corrupt(file, headerPageID, "deserializing header: %v", err)
	}
	return h, nil
}

// ReadFileHeader reads the header of the tree file in ch without mapping
// it into a page cache.
func ReadFileHeader(ch fs.Channel) (FileHeader, error) {
	buf := make([]byte, headerSize+checksumSize)
	if _, err := ch.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return FileHeader{}, fmt.Errorf("%w: %s is too short for a header", dberror.ErrUnsupportedFormat, ch.Name())
		}
		return FileHeader{}, dberror.IOFailure("read header", ch.Name(), headerPageID, err)
	}
	return decodeFileHeader(ch.Name(), buf)
}

// validate checks that the file was written with the same page size and
// key layout as the caller expects.
func (h *FileHeader) validate(file string, want FileHeader) error {
	switch {
	case h.PageSize != want.PageSize:
		return fmt.Errorf("%w: %s uses page size %d, cache uses %d", dberror.ErrUnsupportedFormat, file, h.PageSize, want.PageSize)
	case h.LayoutID != want.LayoutID || h.LayoutVersion != want.LayoutVersion:
		return fmt.Errorf("%w: %s uses layout %x v%d, want %x v%d", dberror.ErrUnsupportedFormat, file,
			h.LayoutID, h.LayoutVersion, want.LayoutID, want.LayoutVersion)
	case h.KeySize != want.KeySize || h.ValueSize != want.ValueSize:
		return fmt.Errorf("%w: %s stores %d/%d byte entries, want %d/%d", dberror.ErrUnsupportedFormat, file,
			h.KeySize, h.ValueSize, want.KeySize, want.ValueSize)
	}
	return nil
}
