package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// copyChunkSize is the size of each read/write chunk.
const copyChunkSize = 1 << 20 // 1 MiB

var copyBufPool = sync.Pool{
	New: func() interface{} { return make([]byte, copyChunkSize) },
}

// CopyResult describes a finished CopyThrottled call.
type CopyResult struct {
	Bytes  int64
	SHA256 string
}

// CopyThrottled copies the whole of src into dst, starting at offset 0 in
// both, at no more than rateBytesPerSec (unlimited when <= 0). dst is
// truncated to the copied length and synced. The digest covers the bytes
// written.
func CopyThrottled(ctx context.Context, src, dst Channel, rateBytesPerSec int64) (CopyResult, error) {
	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		// burst must cover a whole chunk or WaitN rejects it
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), copyChunkSize)
	}

	buf := copyBufPool.Get().([]byte)
	defer copyBufPool.Put(buf)

	var (
		off int64
		sum = sha256.New()
	)
	for {
		n, rerr := src.ReadAt(buf, off)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return CopyResult{Bytes: off}, fmt.Errorf("rate limiter: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return CopyResult{Bytes: off}, err
			}
			w := 0
			for w < n {
				m, werr := dst.WriteAt(buf[w:n], off+int64(w))
				w += m
				if werr != nil && !(errors.Is(werr, io.ErrShortWrite) && m > 0) {
					return CopyResult{Bytes: off + int64(w)}, fmt.Errorf("write %s: %w", dst.Name(), werr)
				}
			}
			sum.Write(buf[:n])
			off += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return CopyResult{Bytes: off}, fmt.Errorf("read %s: %w", src.Name(), rerr)
		}
	}

	if err := dst.Truncate(off); err != nil {
		return CopyResult{Bytes: off}, fmt.Errorf("truncate %s: %w", dst.Name(), err)
	}
	if err := dst.Sync(); err != nil {
		return CopyResult{Bytes: off}, fmt.Errorf("sync %s: %w", dst.Name(), err)
	}
	return CopyResult{Bytes: off, SHA256: hex.EncodeToString(sum.Sum(nil))}, nil
}
