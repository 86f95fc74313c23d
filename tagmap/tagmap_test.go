package tagmap

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertLookup(t *testing.T) {
	m := New(8)

	assert.Equal(t, int64(Absent), m.Insert(10, 0))
	assert.Equal(t, int64(Absent), m.Insert(3, 1))
	assert.Equal(t, int64(Absent), m.Insert(7, 2))

	assert.Equal(t, int64(0), m.Lookup(10))
	assert.Equal(t, int64(1), m.Lookup(3))
	assert.Equal(t, int64(2), m.Lookup(7))
	assert.Equal(t, int64(Absent), m.Lookup(99))
	assert.Equal(t, int64(3), m.Len())
}

func TestInsertRejectsDuplicates(t *testing.T) {
	m := New(8)
	require.Equal(t, int64(Absent), m.Insert(42, 5))

	// a second insert reports the stored value and does not overwrite
	assert.Equal(t, int64(5), m.Insert(42, 9))
	assert.Equal(t, int64(5), m.Lookup(42))
	assert.Equal(t, int64(1), m.Len())
}

func TestGrowth(t *testing.T) {
	m := New(2)
	const n = 4096
	for i := int64(0); i < n; i++ {
		require.Equal(t, int64(Absent), m.Insert(i*7919, i))
	}
	require.Equal(t, int64(n), m.Len())
	for i := int64(0); i < n; i++ {
		assert.Equal(t, i, m.Lookup(i*7919))
	}
}

func TestKeysInverse(t *testing.T) {
	tags := []int64{900, 2, 17, 5, 100, 42}
	Sort(tags)

	m := New(int64(len(tags)))
	for i, tag := range tags {
		m.Insert(tag, int64(i))
	}

	rev := m.Keys()
	require.Len(t, rev, len(tags))
	for i, tag := range tags {
		assert.Equal(t, tag, rev[i])
	}
}

// The dense index of a tag must equal its rank in the sorted tag set,
// independent of insertion order.
func TestSortedMonotonicity(t *testing.T) {
	tags := []int64{31, 4, 1, 59, 26, 5, 3, 97, 93, 2}
	sorted := append([]int64{}, tags...)
	Sort(sorted)

	m := New(int64(len(sorted)))
	for i, tag := range sorted {
		m.Insert(tag, int64(i))
	}

	for i := 1; i < len(sorted); i++ {
		assert.Less(t, m.Lookup(sorted[i-1]), m.Lookup(sorted[i]))
	}
}

// Partitioning the same tag set differently must yield the same map once
// the combined list is sorted.
func TestDeterminismAcrossPartitions(t *testing.T) {
	all := []int64{12, 7, 99, 3, 45, 8, 21, 60}

	build := func(parts [][]int64) *Map {
		var combined []int64
		for _, p := range parts {
			combined = append(combined, p...)
		}
		Sort(combined)
		m := New(int64(len(combined)))
		for i, tag := range combined {
			m.Insert(tag, int64(i))
		}
		return m
	}

	a := build([][]int64{{12, 7, 99, 3}, {45, 8, 21, 60}})
	b := build([][]int64{{60, 3}, {12, 45, 99}, {7, 8, 21}})

	for _, tag := range all {
		assert.Equal(t, a.Lookup(tag), b.Lookup(tag), "tag %d", tag)
	}
}

func TestSort(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		n := rng.Intn(200) + 1
		tags := make([]int64, n)
		for i := range tags {
			tags[i] = int64(rng.Intn(1000))
		}
		want := append([]int64{}, tags...)
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

		Sort(tags)
		assert.Equal(t, want, tags)
	}
}
