package pagecache

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const tableStripes = 64

type stripe struct {
	mu     sync.Mutex
	frames map[pageKey]*frame
}

// translationTable maps resident pages to frames. It is striped so that
// lookups for unrelated pages do not contend.
//
// A lookup pins the frame while holding the stripe lock; an evictor only
// unmaps a frame whose sole pin is its own, under the same lock. Nobody
// waits on a page latch while holding a stripe lock.
type translationTable struct {
	stripes [tableStripes]stripe
}

type mappedFrame struct {
	key   pageKey
	frame *frame
}

func newTranslationTable() *translationTable {
	t := &translationTable{}
	for i := range t.stripes {
		t.stripes[i].frames = make(map[pageKey]*frame)
	}
	return t
}

func (t *translationTable) stripeFor(k pageKey) *stripe {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], k.channelID)
	binary.LittleEndian.PutUint64(buf[8:], k.pageID)
	return &t.stripes[xxhash.Sum64(buf[:])%tableStripes]
}

func (t *translationTable) lookupAndPin(k pageKey) *frame {
	s := t.stripeFor(k)
	s.mu.Lock()
	f := s.frames[k]
	if f != nil {
		f.pin()
	}
	s.mu.Unlock()
	return f
}

func (t *translationTable) insertIfAbsent(k pageKey, f *frame) bool {
	s := t.stripeFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[k]; ok {
		return false
	}
	s.frames[k] = f
	return true
}

func (t *translationTable) remove(k pageKey, f *frame) {
	s := t.stripeFor(k)
	s.mu.Lock()
	if s.frames[k] == f {
		delete(s.frames, k)
	}
	s.mu.Unlock()
}

// removeIfSolePin unmaps k only when the caller's pin is the frame's only one.
func (t *translationTable) removeIfSolePin(k pageKey, f *frame) bool {
	s := t.stripeFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames[k] != f || f.pinCount.Load() != 1 {
		return false
	}
	delete(s.frames, k)
	return true
}

// collect pins and returns every mapped frame whose key satisfies keep.
func (t *translationTable) collect(keep func(pageKey) bool) []mappedFrame {
	var out []mappedFrame
	for i := range t.stripes {
		s := &t.stripes[i]
		s.mu.Lock()
		for k, f := range s.frames {
			if keep(k) {
				f.pin()
				out = append(out, mappedFrame{key: k, frame: f})
			}
		}
		s.mu.Unlock()
	}
	return out
}

func (t *translationTable) len() int {
	n := 0
	for i := range t.stripes {
		s := &t.stripes[i]
		s.mu.Lock()
		n += len(s.frames)
		s.mu.Unlock()
	}
	return n
}
