package uid

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromUIDs_MergesAdjacent(t *testing.T) {
	set := FromUIDs([]UID{5, 1, 2, 3, 9, 10, 3, 12})

	assert.Equal(t, Set{{1, 3}, {5, 5}, {9, 10}, {12, 12}}, set)
	assert.Equal(t, "1:3,5,9:10,12", set.String())
}

func TestFromUIDs_Empty(t *testing.T) {
	assert.Nil(t, FromUIDs(nil))
	assert.True(t, FromUIDs(nil).IsEmpty())
}

func TestFromUIDs_RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		seen := map[UID]bool{}
		var uids []UID
		for j := 0; j < r.Intn(40); j++ {
			u := UID(r.Intn(100) + 1)
			if !seen[u] {
				seen[u] = true
				uids = append(uids, u)
			}
		}

		set := FromUIDs(uids)
		parsed, err := Parse(set.String())
		if len(uids) == 0 {
			require.ErrorIs(t, err, ErrSyntax)
			continue
		}
		require.NoError(t, err)

		got := parsed.UIDs()
		assert.Len(t, got, len(uids))
		for _, u := range got {
			assert.True(t, seen[u], "unexpected uid %d", u)
		}

		shuffled := append([]UID(nil), uids...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, set, FromUIDs(shuffled))
	}
}

func TestParse(t *testing.T) {
	set, err := Parse("1:4,7,10:*")
	require.NoError(t, err)
	assert.Equal(t, Set{{1, 4}, {7, 7}, {10, Star}}, set)
	assert.True(t, set.HasStar())

	for _, bad := range []string{"", "0", "1:", ",1", "a", "1:b", "01", "4294967296"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrSyntax, bad)
	}
}

func TestSet_ResolveAndClamp(t *testing.T) {
	set, err := Parse("3:*,1")
	require.NoError(t, err)

	resolved := set.Resolve(8)
	assert.Equal(t, Set{{3, 8}, {1, 1}}, resolved)
	assert.Equal(t, Set{{1, 1}, {3, 8}}, Merge(resolved))
	assert.Equal(t, Set{{3, 5}}, resolved.Clamp(2, 5))
	assert.Equal(t, 7, resolved.Len())
}

func TestMerge_Overlapping(t *testing.T) {
	merged := Merge(Set{{5, 9}, {1, 2}}, Set{{3, 4}, {8, 20}})
	assert.Equal(t, Set{{1, 20}}, merged)
}

func TestRange_Normalize(t *testing.T) {
	r := Range{First: 9, Last: 2}
	assert.True(t, r.Contains(5))
	assert.Equal(t, Range{2, 9}, r.Normalize())
	assert.Equal(t, "*", Single(Star).String())
}

func TestValuesAndIncreasing(t *testing.T) {
	set, err := Parse("1,3:5,9")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3, 4, 5, 9}, set.Values())
	assert.True(t, set.StrictlyIncreasing())
	assert.Equal(t, uint64(5), set.Count())

	for _, text := range []string{"5,3", "5:3", "1:4,4", "1:4,2:9"} {
		set, err = Parse(text)
		require.NoError(t, err)
		assert.False(t, set.StrictlyIncreasing(), text)
	}
}

func TestCount_LargeRangesStayArithmetic(t *testing.T) {
	set, err := Parse("1:4294967295,7")
	require.NoError(t, err)
	assert.Equal(t, uint64(4294967296), set.Count())
	assert.False(t, set.StrictlyIncreasing())
}

func TestPairs(t *testing.T) {
	a := Set{{First: 1, Last: 3}, {First: 7, Last: 7}}
	b := Set{{First: 10, Last: 10}, {First: 14, Last: 12}}

	var got [][2]uint64
	for x, y := range Pairs(a, b) {
		got = append(got, [2]uint64{x, y})
	}
	assert.Equal(t, [][2]uint64{{1, 10}, {2, 14}, {3, 13}, {7, 12}}, got)

	got = nil
	for x, y := range Pairs(Set{{First: 1, Last: 2}}, b) {
		got = append(got, [2]uint64{x, y})
	}
	assert.Equal(t, [][2]uint64{{1, 10}, {2, 14}}, got, "stops when the shorter set ends")
}

func TestPairs_StopsEarlyOnHugeRanges(t *testing.T) {
	huge := Set{{First: 1, Last: 4294967295}}
	n := 0
	for x, y := range Pairs(huge, huge) {
		assert.Equal(t, x, y)
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestWithout(t *testing.T) {
	set := Set{{First: 1, Last: 6}, {First: 9, Last: 9}}

	assert.Equal(t, "2,4:5,9", set.Without([]UID{1, 3, 6}).String())
	assert.Equal(t, "1:6,9", set.Without(nil).String())
	assert.True(t, set.Without([]UID{1, 2, 3, 4, 5, 6, 9}).IsEmpty())
	assert.Equal(t, "1:2", Set{{First: 2, Last: 1}}.Without([]UID{7}).String())
}
