package btree

import (
	"cmp"
	"encoding/binary"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/storage_engine/fs"
	"github.com/sushant-115/graphstore/core/storage_engine/pagecache"
)

const testPageSize = 256

// smallNodes gives trees several levels after a few dozen inserts.
var smallNodes = Options{MaxLeafKeys: 4, MaxInternalKeys: 4}

func newTestCache(t *testing.T, pageSize, pages int) *pagecache.PageCache {
	t.Helper()
	cfg := pagecache.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.MaxPages = pages
	cfg.PinBackoff = 100 * time.Microsecond
	pc, err := pagecache.New(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func openChannel(t *testing.T, fsys fs.FileSystem, path string) fs.Channel {
	t.Helper()
	ch, err := fsys.Open(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func newTestTree(t *testing.T, opts Options) *Tree[int64, uint64] {
	t.Helper()
	pc := newTestCache(t, testPageSize, 128)
	ch := openChannel(t, fs.NewEphemeralFileSystem(), "tree.idx")
	tree, err := Open[int64, uint64](pc, ch, Int64Layout{}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

type entry struct {
	key   int64
	value uint64
}

func collect(t *testing.T, tree *Tree[int64, uint64], from, to int64) []entry {
	t.Helper()
	s, err := tree.Seek(from, to)
	require.NoError(t, err)
	defer s.Close()
	var out []entry
	for {
		ok, err := s.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, entry{s.Key(), s.Value()})
	}
}

func keysOf(entries []entry) []int64 {
	keys := make([]int64, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}

func TestSeekRange(t *testing.T) {
	tree := newTestTree(t, Options{})
	for _, k := range []int64{7, 1, 5, 3} {
		_, err := tree.Insert(k, uint64(k*10))
		require.NoError(t, err)
	}

	all := collect(t, tree, math.MinInt64, math.MaxInt64)
	require.Equal(t, []entry{{1, 10}, {3, 30}, {5, 50}, {7, 70}}, all)

	require.Equal(t, []int64{3, 5}, keysOf(collect(t, tree, 3, 7)))
	require.Equal(t, []int64{3, 5, 7}, keysOf(collect(t, tree, 2, 8)))
	require.Empty(t, collect(t, tree, 8, 100))
	require.Empty(t, collect(t, tree, 5, 5))
}

func TestInsertOverwriteAndIfAbsent(t *testing.T) {
	tree := newTestTree(t, smallNodes)

	replaced, err := tree.Insert(10, 1)
	require.NoError(t, err)
	require.False(t, replaced)

	replaced, err = tree.Insert(10, 2)
	require.NoError(t, err)
	require.True(t, replaced)
	v, ok, err := tree.Get(10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), v)

	existing, inserted, err := tree.InsertIfAbsent(10, 3)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, int64(10), existing)
	v, _, err = tree.Get(10)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)

	_, inserted, err = tree.InsertIfAbsent(11, 4)
	require.NoError(t, err)
	require.True(t, inserted)

	_, ok, err = tree.Get(12)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRandomInsertRemoveKeepsOrder(t *testing.T) {
	tree := newTestTree(t, smallNodes)
	rng := rand.New(rand.NewSource(42))
	const n = 1500

	present := map[int64]uint64{}
	for _, i := range rng.Perm(n) {
		k := int64(i)*3 - 1000
		_, err := tree.Insert(k, uint64(i))
		require.NoError(t, err)
		present[k] = uint64(i)
	}
	require.NoError(t, tree.ConsistencyCheck())
	stats, err := tree.Stats()
	require.NoError(t, err)
	require.Equal(t, n, stats.Entries)
	require.Greater(t, stats.Depth, 3)

	removeOrder := rng.Perm(n)
	for step, i := range removeOrder[:n*2/3] {
		k := int64(i)*3 - 1000
		v, ok, err := tree.Remove(k)
		require.NoError(t, err)
		require.True(t, ok, "key %d", k)
		require.Equal(t, present[k], v)
		delete(present, k)

		_, ok, err = tree.Remove(k)
		require.NoError(t, err)
		require.False(t, ok)
		if step%100 == 0 {
			require.NoError(t, tree.ConsistencyCheck(), "after %d removals", step+1)
		}
	}
	require.NoError(t, tree.ConsistencyCheck())

	want := make([]int64, 0, len(present))
	for k := range present {
		want = append(want, k)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	got := collect(t, tree, math.MinInt64, math.MaxInt64)
	require.Equal(t, want, keysOf(got))
	for _, e := range got {
		require.Equal(t, present[e.key], e.value)
	}

	for _, i := range removeOrder[n*2/3:] {
		_, ok, err := tree.Remove(int64(i)*3 - 1000)
		require.NoError(t, err)
		require.True(t, ok)
	}
	stats, err = tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, 1, stats.LeafNodes)
	assert.Positive(t, stats.FreePages)
	assert.Zero(t, stats.UnreachablePages)
	require.Empty(t, collect(t, tree, math.MinInt64, math.MaxInt64))
}

func TestFreedPagesAreReused(t *testing.T) {
	tree := newTestTree(t, smallNodes)
	for k := int64(0); k < 200; k++ {
		_, err := tree.Insert(k, 0)
		require.NoError(t, err)
	}
	for k := int64(0); k < 200; k++ {
		_, _, err := tree.Remove(k)
		require.NoError(t, err)
	}
	before, err := tree.Stats()
	require.NoError(t, err)
	lastPage := tree.pf.LastPageID()

	for k := int64(0); k < 40; k++ {
		_, err := tree.Insert(k, 0)
		require.NoError(t, err)
	}
	after, err := tree.Stats()
	require.NoError(t, err)
	require.Equal(t, lastPage, tree.pf.LastPageID())
	require.Less(t, after.FreePages, before.FreePages)
	require.NoError(t, tree.ConsistencyCheck())
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "numbers.idx")
	fsys := fs.NewOSFileSystem()

	pc := newTestCache(t, testPageSize, 32)
	tree, err := Open[int64, uint64](pc, openChannel(t, fsys, path), Int64Layout{}, smallNodes)
	require.NoError(t, err)
	for k := int64(0); k < 300; k++ {
		_, err := tree.Insert(k, uint64(k)+1)
		require.NoError(t, err)
	}
	storeID := tree.Header().StoreID
	require.NoError(t, tree.Close())
	_, err = tree.Insert(1, 1)
	require.ErrorIs(t, err, dberror.ErrClosed)

	pc2 := newTestCache(t, testPageSize, 32)
	reopened, err := Open[int64, uint64](pc2, openChannel(t, fsys, path), Int64Layout{}, smallNodes)
	require.NoError(t, err)
	defer reopened.Close()

	h := reopened.Header()
	require.Equal(t, storeID, h.StoreID)
	require.Positive(t, h.Checkpoints)
	require.NoError(t, reopened.ConsistencyCheck())
	got := collect(t, reopened, 100, 110)
	require.Equal(t, []int64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109}, keysOf(got))
	require.Equal(t, uint64(101), got[0].value)
}

// otherLayout stores the same widths as Int64Layout under another identity.
type otherLayout struct{ Int64Layout }

func (otherLayout) Identifier() uint64 { return LayoutIdentifier("other") }

// wideLayout has wider keys than Int64Layout.
type wideLayout struct{ Int64Layout }

func (wideLayout) KeySize() int { return 16 }

func TestOpenRejectsOtherFormats(t *testing.T) {
	fsys := fs.NewEphemeralFileSystem()
	pc := newTestCache(t, testPageSize, 16)
	tree, err := Open[int64, uint64](pc, openChannel(t, fsys, "a.idx"), Int64Layout{}, Options{})
	require.NoError(t, err)
	require.NoError(t, tree.Close())

	t.Run("layout", func(t *testing.T) {
		_, err := Open[int64, uint64](newTestCache(t, testPageSize, 16), openChannel(t, fsys, "a.idx"), otherLayout{}, Options{})
		require.ErrorIs(t, err, dberror.ErrUnsupportedFormat)
	})
	t.Run("key width", func(t *testing.T) {
		_, err := Open[int64, uint64](newTestCache(t, testPageSize, 16), openChannel(t, fsys, "a.idx"), wideLayout{}, Options{})
		require.ErrorIs(t, err, dberror.ErrUnsupportedFormat)
	})
	t.Run("page size", func(t *testing.T) {
		_, err := Open[int64, uint64](newTestCache(t, 512, 16), openChannel(t, fsys, "a.idx"), Int64Layout{}, Options{})
		require.ErrorIs(t, err, dberror.ErrUnsupportedFormat)
	})
	t.Run("magic", func(t *testing.T) {
		ch := openChannel(t, fsys, "garbage.idx")
		page := make([]byte, testPageSize)
		copy(page, "not a tree file")
		_, err := ch.WriteAt(page, 0)
		require.NoError(t, err)
		_, err = Open[int64, uint64](newTestCache(t, testPageSize, 16), ch, Int64Layout{}, Options{})
		require.ErrorIs(t, err, dberror.ErrUnsupportedFormat)
	})
	t.Run("version", func(t *testing.T) {
		ch := openChannel(t, fsys, "a.idx")
		var v [4]byte
		binary.LittleEndian.PutUint32(v[:], formatVersion+1)
		_, err := ch.WriteAt(v[:], 4)
		require.NoError(t, err)
		_, err = Open[int64, uint64](newTestCache(t, testPageSize, 16), ch, Int64Layout{}, Options{})
		require.ErrorIs(t, err, dberror.ErrUnsupportedFormat)
	})
}

func TestCorruptPagesAreDetected(t *testing.T) {
	fsys := fs.NewEphemeralFileSystem()
	pc := newTestCache(t, testPageSize, 16)
	tree, err := Open[int64, uint64](pc, openChannel(t, fsys, "c.idx"), Int64Layout{}, smallNodes)
	require.NoError(t, err)
	for k := int64(0); k < 50; k++ {
		_, err := tree.Insert(k, 0)
		require.NoError(t, err)
	}
	require.NoError(t, tree.Close())

	t.Run("header checksum", func(t *testing.T) {
		ch := openChannel(t, fsys, "c.idx")
		buf := make([]byte, 8)
		_, err := ch.ReadAt(buf, 32)
		require.NoError(t, err)
		buf[0] ^= 0xff
		_, err = ch.WriteAt(buf, 32)
		require.NoError(t, err)
		_, err = Open[int64, uint64](newTestCache(t, testPageSize, 16), ch, Int64Layout{}, smallNodes)
		require.ErrorIs(t, err, dberror.ErrCorruptTreeStructure)
		buf[0] ^= 0xff
		_, err = ch.WriteAt(buf, 32)
		require.NoError(t, err)
	})

	t.Run("node checksum", func(t *testing.T) {
		ch := openChannel(t, fsys, "c.idx")
		// page 1 is the first leaf; flip a byte inside its entries
		off := int64(testPageSize + offLeafEntries)
		b := make([]byte, 1)
		_, err := ch.ReadAt(b, off)
		require.NoError(t, err)
		b[0] ^= 0x01
		_, err = ch.WriteAt(b, off)
		require.NoError(t, err)

		reopened, err := Open[int64, uint64](newTestCache(t, testPageSize, 16), ch, Int64Layout{}, smallNodes)
		require.NoError(t, err)
		defer reopened.Close()
		_, _, err = reopened.Get(0)
		require.ErrorIs(t, err, dberror.ErrCorruptTreeStructure)
		require.False(t, dberror.IsRetryable(err))
		require.ErrorIs(t, reopened.ConsistencyCheck(), dberror.ErrCorruptTreeStructure)
	})
}

func TestConsistencyCheckFindsDisorder(t *testing.T) {
	tree := newTestTree(t, Options{})
	for _, k := range []int64{1, 2, 3} {
		_, err := tree.Insert(k, 0)
		require.NoError(t, err)
	}
	root, err := tree.latchNode(tree.root, -1)
	require.NoError(t, err)
	tree.format.setLeafEntry(root.buf(), 0, 9, 0)
	root.modified()
	tree.release(root)

	err = tree.ConsistencyCheck()
	require.ErrorIs(t, err, dberror.ErrCorruptTreeStructure)
	require.Contains(t, err.Error(), "out of order")
}

func TestWritesRejectUnsortedLeaf(t *testing.T) {
	tree := newTestTree(t, Options{})
	for _, k := range []int64{1, 2, 3} {
		_, err := tree.Insert(k, 0)
		require.NoError(t, err)
	}
	root, err := tree.latchNode(tree.root, -1)
	require.NoError(t, err)
	tree.format.setLeafEntry(root.buf(), 0, 9, 0)
	root.modified()
	tree.release(root)

	_, err = tree.Insert(5, 0)
	require.ErrorIs(t, err, dberror.ErrCorruptTreeStructure)
	require.Contains(t, err.Error(), "unsorted")
	_, _, err = tree.Remove(2)
	require.ErrorIs(t, err, dberror.ErrCorruptTreeStructure)
}

func TestRemoveIf(t *testing.T) {
	tree := newTestTree(t, smallNodes)
	for k := int64(0); k < 40; k++ {
		_, err := tree.Insert(k, uint64(k*10))
		require.NoError(t, err)
	}
	_, found, err := tree.RemoveIf(17, func(int64) bool { return false })
	require.NoError(t, err)
	require.False(t, found)
	_, ok, err := tree.Get(17)
	require.NoError(t, err)
	require.True(t, ok)

	v, found, err := tree.RemoveIf(17, func(stored int64) bool { return stored == 17 })
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(170), v)
	_, ok, err = tree.Get(17)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, tree.ConsistencyCheck())
}

func TestSeekerSurvivesStructuralChanges(t *testing.T) {
	tree := newTestTree(t, smallNodes)
	for k := int64(0); k < 400; k++ {
		_, err := tree.Insert(k, uint64(k))
		require.NoError(t, err)
	}

	s, err := tree.Seek(0, 400)
	require.NoError(t, err)
	defer s.Close()
	var seen []int64
	for len(seen) < 50 {
		ok, err := s.Next()
		require.NoError(t, err)
		require.True(t, ok)
		seen = append(seen, s.Key())
	}
	// merges and borrows all over the part not yet read
	for k := int64(60); k < 300; k += 2 {
		_, _, err := tree.Remove(k)
		require.NoError(t, err)
	}
	// splits in front of the seeker
	for k := int64(1000); k < 1100; k++ {
		_, err := tree.Insert(k, 0)
		require.NoError(t, err)
	}
	for {
		ok, err := s.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, s.Key())
	}

	var want []int64
	for k := int64(0); k < 400; k++ {
		if k < 60 || k >= 300 || k%2 == 1 {
			want = append(want, k)
		}
	}
	require.Equal(t, want, seen)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	tree := newTestTree(t, smallNodes)
	const n = 600
	// even keys are stable; odd keys churn while readers scan
	for k := int64(0); k < n; k += 2 {
		_, err := tree.Insert(k, uint64(k))
		require.NoError(t, err)
	}

	var g errgroup.Group
	stop := make(chan struct{})
	var writers sync.WaitGroup
	for w := 0; w < 3; w++ {
		writers.Add(1)
		seed := int64(w)
		g.Go(func() error {
			defer writers.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 2000; i++ {
				k := int64(rng.Intn(n/2))*2 + 1
				var err error
				if rng.Intn(2) == 0 {
					_, err = tree.Insert(k, uint64(k))
				} else {
					_, _, err = tree.Remove(k)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	go func() {
		writers.Wait()
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				s, err := tree.Seek(0, n)
				if err != nil {
					return err
				}
				var evens []int64
				prev := int64(-1)
				for {
					ok, err := s.Next()
					if err != nil {
						s.Close()
						return err
					}
					if !ok {
						break
					}
					k := s.Key()
					if cmp.Compare(k, prev) <= 0 {
						s.Close()
						t.Errorf("key %d after %d", k, prev)
						return nil
					}
					prev = k
					if k%2 == 0 {
						evens = append(evens, k)
					}
				}
				s.Close()
				if len(evens) != n/2 {
					t.Errorf("saw %d stable keys, want %d", len(evens), n/2)
					return nil
				}
			}
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, tree.ConsistencyCheck())
}

func TestCheckpointWritesHeader(t *testing.T) {
	tree := newTestTree(t, Options{})
	before := tree.Header().Checkpoints
	require.NoError(t, tree.Checkpoint(t.Context()))
	require.Equal(t, before+1, tree.Header().Checkpoints)
}
