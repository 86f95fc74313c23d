/*package tagmap maps stable particle tags to dense frame indices.

Rank 0 builds one Map per run from the globally sorted tag list, so the
index assigned to a tag is the tag's rank within the sorted reporting
group. Every outbound frame and every inbound steering force is addressed
through this map, which keeps the on-wire particle order deterministic no
matter how particles are distributed across processes.
*/
package tagmap

// Absent is returned by Lookup for tags outside the reporting group, and
// by Insert for keys that were newly added.
const Absent = -1

// Map is a fixed-function hash from particle tag to dense index. It uses
// power-of-two tables, a multiplicative hash, and linear probing, doubling
// whenever the load factor reaches one half.
type Map struct {
	keys      []int64
	vals      []int64
	used      []bool
	size      int64
	mask      int64
	downshift int64
	entries   int64
}

// New creates a map sized for at least the given number of entries.
func New(buckets int64) *Map {
	m := &Map{}
	m.init(buckets)
	return m
}

func (m *Map) init(buckets int64) {
	if buckets == 0 {
		buckets = 16
	}
	m.entries = 0
	m.size = 2
	m.mask = 1
	m.downshift = 29
	for m.size < buckets {
		m.size <<= 1
		m.mask = (m.mask << 1) + 1
		m.downshift--
	}
	m.keys = make([]int64, m.size)
	m.vals = make([]int64, m.size)
	m.used = make([]bool, m.size)
}

func (m *Map) hash(key int64) int64 {
	h := ((key * 1103515249) >> uint64(m.downshift)) & m.mask
	if h < 0 {
		h = 0
	}
	return h
}

// Lookup returns the dense index stored for key, or Absent.
func (m *Map) Lookup(key int64) int64 {
	for h := m.hash(key); ; h = (h + 1) & (m.size - 1) {
		if !m.used[h] {
			return Absent
		}
		if m.keys[h] == key {
			return m.vals[h]
		}
	}
}

// Insert stores (key, val). If the key is already present the existing
// value is returned and nothing changes; for a fresh key Insert returns
// Absent.
func (m *Map) Insert(key, val int64) int64 {
	if v := m.Lookup(key); v != Absent {
		return v
	}
	for m.entries >= m.size/2 {
		m.rebuild()
	}
	h := m.hash(key)
	for m.used[h] {
		h = (h + 1) & (m.size - 1)
	}
	m.keys[h], m.vals[h], m.used[h] = key, val, true
	m.entries++
	return Absent
}

// rebuild doubles the table and rehashes every entry.
func (m *Map) rebuild() {
	keys, vals, used := m.keys, m.vals, m.used
	m.init(m.size << 1)
	for i := range used {
		if !used[i] {
			continue
		}
		h := m.hash(keys[i])
		for m.used[h] {
			h = (h + 1) & (m.size - 1)
		}
		m.keys[h], m.vals[h], m.used[h] = keys[i], vals[i], true
		m.entries++
	}
}

// Len reports the number of entries.
func (m *Map) Len() int64 { return m.entries }

// Keys returns the reverse map: a slice r with r[val] = key for every
// entry. Values must be dense in [0, Len()), which is how the bridge
// assigns them.
func (m *Map) Keys() []int64 {
	r := make([]int64, m.entries)
	for i := range m.used {
		if m.used[i] && m.vals[i] >= 0 && m.vals[i] < m.entries {
			r[m.vals[i]] = m.keys[i]
		}
	}
	return r
}

// Sort orders tags ascending in place. It is the classic recursive
// first-element-pivot Hoare partition used for id maps. Input that is
// already in ascending order takes the quadratic path, with recursion
// depth equal to its length.
func Sort(tags []int64) {
	if len(tags) > 1 {
		idSort(tags, 0, int64(len(tags)-1))
	}
}

func idSort(a []int64, left, right int64) {
	lHold, rHold := left, right
	pivot := a[left]

	for left < right {
		for a[right] >= pivot && left < right {
			right--
		}
		if left != right {
			a[left] = a[right]
			left++
		}
		for a[left] <= pivot && left < right {
			left++
		}
		if left != right {
			a[right] = a[left]
			right--
		}
	}
	a[left] = pivot
	pivot = left
	left, right = lHold, rHold

	if left < pivot {
		idSort(a, left, pivot-1)
	}
	if right > pivot {
		idSort(a, pivot+1, right)
	}
}
