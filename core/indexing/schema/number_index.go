package schema

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/indexing/btree"
	"github.com/sushant-115/graphstore/core/storage_engine/fs"
	"github.com/sushant-115/graphstore/core/storage_engine/pagecache"
	"github.com/sushant-115/graphstore/core/values"
)

// RangePredicate selects values between two bounds. A nil bound is open.
type RangePredicate struct {
	From          values.Value
	FromInclusive bool
	To            values.Value
	ToInclusive   bool
}

// Exact selects entries with a value equal to v.
func Exact(v values.Value) RangePredicate {
	return RangePredicate{From: v, FromInclusive: true, To: v, ToInclusive: true}
}

// All selects every entry.
func All() RangePredicate { return RangePredicate{} }

func (p RangePredicate) String() string {
	lo, hi := "(", ")"
	if p.FromInclusive {
		lo = "["
	}
	if p.ToInclusive {
		hi = "]"
	}
	from, to := "-inf", "+inf"
	if p.From != nil {
		from = p.From.String()
	}
	if p.To != nil {
		to = p.To.String()
	}
	return lo + from + ", " + to + hi
}

// bounds turns the predicate into the inclusive-from, exclusive-to keys a
// tree seek takes.
func (p RangePredicate) bounds() (from, to NumberKey, err error) {
	if p.From == nil {
		from.InitAsLowest()
	} else if err = from.InitForRangeFrom(p.From, p.FromInclusive); err != nil {
		return from, to, err
	}
	if p.To == nil {
		to.InitAsHighest()
	} else if err = to.InitForRangeTo(p.To, p.ToInclusive); err != nil {
		return from, to, err
	}
	return from, to, nil
}

// Entry is one indexed (value, entity) pair.
type Entry struct {
	EntityID int64
	Value    values.Value
}

// NumberIndex maps numeric property values to the entities that have them.
type NumberIndex struct {
	name   string
	unique bool
	tree   *btree.Tree[NumberKey, NumberValue]
	logger *zap.Logger
}

// OpenNumberIndex opens the index stored in ch, creating it when ch is
// empty. unique must match the way the index was created.
func OpenNumberIndex(pc *pagecache.PageCache, ch fs.Channel, name string, unique bool, opts btree.Options) (*NumberIndex, error) {
	layout := NonUniqueLayout()
	if unique {
		layout = UniqueLayout()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	tree, err := btree.Open(pc, ch, layout, opts)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", name, err)
	}
	return &NumberIndex{
		name:   name,
		unique: unique,
		tree:   tree,
		logger: opts.Logger.Named("number_index").With(zap.String("index", name)),
	}, nil
}

func (ix *NumberIndex) Name() string { return ix.name }
func (ix *NumberIndex) Unique() bool { return ix.unique }

// Tree exposes the underlying tree for maintenance commands.
func (ix *NumberIndex) Tree() *btree.Tree[NumberKey, NumberValue] { return ix.tree }

// Add indexes v for entityID. Adding an existing entry is a no-op. In a
// unique index a value already held by another entity fails with
// ErrIndexEntryConflict.
func (ix *NumberIndex) Add(entityID int64, v values.Value) error {
	var key NumberKey
	if err := key.From(entityID, v); err != nil {
		return err
	}
	if !ix.unique {
		_, err := ix.tree.Insert(key, NumberValue{})
		return err
	}
	existing, inserted, err := ix.tree.InsertIfAbsent(key, NumberValue{})
	if err != nil || inserted || existing.EntityID == entityID {
		return err
	}
	ix.logger.Debug("unique constraint violated", zap.Stringer("value", v),
		zap.Int64("entity", entityID), zap.Int64("holder", existing.EntityID))
	return fmt.Errorf("%w: %s already indexes %s for entity %d",
		dberror.ErrIndexEntryConflict, ix.name, v, existing.EntityID)
}

// Remove drops the entry for entityID and v and reports whether it existed.
func (ix *NumberIndex) Remove(entityID int64, v values.Value) (bool, error) {
	var key NumberKey
	if err := key.From(entityID, v); err != nil {
		return false, err
	}
	if !ix.unique {
		_, found, err := ix.tree.Remove(key)
		return found, err
	}
	// unique trees order by value alone, so entity ids in separators are
	// arbitrary and must not steer the descent
	_, found, err := ix.tree.RemoveIf(key, func(stored NumberKey) bool {
		return stored.EntityID == entityID
	})
	return found, err
}

// Visit calls fn for each entry matching p in ascending value order, then
// entity order. Returning false from fn stops the scan.
func (ix *NumberIndex) Visit(p RangePredicate, fn func(Entry) bool) error {
	from, to, err := p.bounds()
	if err != nil {
		return err
	}
	s, err := ix.tree.Seek(from, to)
	if err != nil {
		return err
	}
	defer s.Close()
	for {
		ok, err := s.Next()
		if err != nil || !ok {
			return err
		}
		key := s.Key()
		v, err := key.AsValue()
		if err != nil {
			return dberror.Corrupt(ix.name, 0, "stored key %s: %v", key, err)
		}
		if !fn(Entry{EntityID: key.EntityID, Value: v}) {
			return nil
		}
	}
}

// Query returns the entity ids of the entries matching p.
func (ix *NumberIndex) Query(p RangePredicate) ([]int64, error) {
	var ids []int64
	err := ix.Visit(p, func(e Entry) bool {
		ids = append(ids, e.EntityID)
		return true
	})
	return ids, err
}

// Exact returns the entities indexed under a value equal to v.
func (ix *NumberIndex) Exact(v values.Value) ([]int64, error) {
	return ix.Query(Exact(v))
}

func (ix *NumberIndex) Checkpoint(ctx context.Context) error {
	return ix.tree.Checkpoint(ctx)
}

func (ix *NumberIndex) Close() error {
	return ix.tree.Close()
}
