package schema

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/graphstore/core/dberror"
	"github.com/sushant-115/graphstore/core/values"
)

func TestNumberKeyRoundTrip(t *testing.T) {
	samples := []values.Value{
		values.ByteValue(-128), values.ShortValue(math.MaxInt16), values.IntValue(-7),
		values.LongValue(math.MinInt64), values.LongValue(math.MaxInt64),
		values.FloatValue(1.5), values.FloatValue(float32(math.Inf(1))),
		values.DoubleValue(math.SmallestNonzeroFloat64), values.DoubleValue(math.Copysign(0, -1)),
		values.DoubleValue(math.NaN()),
	}
	layout := NonUniqueLayout()
	buf := make([]byte, keySize)
	for _, v := range samples {
		var k NumberKey
		require.NoError(t, k.From(42, v))
		layout.WriteKey(buf, k)
		read := layout.ReadKey(buf)
		require.Equal(t, int64(42), read.EntityID)
		got, err := read.AsValue()
		require.NoError(t, err)
		require.Equal(t, v.Type(), got.Type())
		require.Equal(t, v.RawBits(), got.RawBits(), "value %s", v)
	}
}

func TestNumberKeyFromRejects(t *testing.T) {
	var k NumberKey
	require.ErrorIs(t, k.From(1), dberror.ErrUnsupportedValue)
	require.ErrorIs(t, k.From(1, values.LongValue(1), values.LongValue(2)), dberror.ErrUnsupportedValue)
	require.ErrorIs(t, k.From(1, nil), dberror.ErrUnsupportedValue)
}

func key(t *testing.T, entityID int64, v values.Value) NumberKey {
	t.Helper()
	var k NumberKey
	require.NoError(t, k.From(entityID, v))
	return k
}

func TestCompareTieBreaker(t *testing.T) {
	unique, nonUnique := UniqueLayout(), NonUniqueLayout()
	a := key(t, 1, values.LongValue(5))
	b := key(t, 2, values.DoubleValue(5))

	require.Zero(t, unique.Compare(a, b))
	require.Negative(t, nonUnique.Compare(a, b))

	b.CompareID = true
	require.Negative(t, unique.Compare(a, b))
	require.Positive(t, unique.Compare(b, a))

	require.Negative(t, unique.Compare(key(t, 9, values.IntValue(4)), key(t, 1, values.FloatValue(4.5))))

	// type never orders equal values, only the entity does
	require.Positive(t, nonUnique.Compare(key(t, 2, values.ByteValue(5)), key(t, 1, values.DoubleValue(5))))
	require.Zero(t, unique.Compare(key(t, 2, values.ByteValue(5)), key(t, 1, values.FloatValue(5))))
}

func TestBoundKeys(t *testing.T) {
	layout := UniqueLayout()
	stored := key(t, 7, values.LongValue(10))

	var lowest, highest NumberKey
	lowest.InitAsLowest()
	highest.InitAsHighest()
	require.Negative(t, layout.Compare(lowest, key(t, math.MinInt64+1, values.LongValue(math.MinInt64))))
	require.Positive(t, layout.Compare(highest, key(t, 1, values.DoubleValue(math.NaN()))))
	require.Positive(t, layout.Compare(highest, stored))

	cases := []struct {
		name      string
		init      func(*NumberKey, values.Value, bool) error
		inclusive bool
		want      int // comparison of the bound with the stored key
	}{
		{"from inclusive", (*NumberKey).InitForRangeFrom, true, -1},
		{"from exclusive", (*NumberKey).InitForRangeFrom, false, 1},
		{"to inclusive", (*NumberKey).InitForRangeTo, true, 1},
		{"to exclusive", (*NumberKey).InitForRangeTo, false, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var bound NumberKey
			require.NoError(t, tc.init(&bound, values.DoubleValue(10), tc.inclusive))
			require.True(t, bound.CompareID)
			require.Equal(t, tc.want, layout.Compare(bound, stored))
		})
	}
}

func TestNumberKeyStrings(t *testing.T) {
	k := key(t, 3, values.FloatValue(2.5))
	require.Equal(t, "Float(2.5)", k.PropertiesAsString())
	require.Contains(t, k.String(), "entityId=3")
	k.SetEntityID(4)
	require.Contains(t, k.String(), "entityId=4")

	require.Contains(t, NumberKey{Type: 99}.PropertiesAsString(), "invalid")
}
