package filemanager

import (
	"sort"

	"github.com/nainya/reldb/internal/common"
)

// FreeRange is a contiguous run of free pages [Start, Start+Length).
type FreeRange struct {
	Start  common.PageID
	Length uint32
}

// FreePageMap tracks free page runs for best-fit allocation with range
// coalescing (spec.md §4.1). It is not safe for concurrent use; callers
// serialize access through FileManager's mutex.
type FreePageMap struct {
	ranges []FreeRange // kept sorted by Start
}

// NewFreePageMap returns an empty free page map.
func NewFreePageMap() *FreePageMap {
	return &FreePageMap{}
}

// Allocate finds the best-fit (smallest sufficient) free run for count
// contiguous pages, splits it, and returns the starting page id. ok is
// false if no run is large enough.
func (m *FreePageMap) Allocate(count uint32) (start common.PageID, ok bool) {
	best := -1
	for i, r := range m.ranges {
		if r.Length < count {
			continue
		}
		if best == -1 || r.Length < m.ranges[best].Length {
			best = i
		}
	}
	if best == -1 {
		return 0, false
	}

	r := m.ranges[best]
	start = r.Start
	if r.Length == count {
		m.ranges = append(m.ranges[:best], m.ranges[best+1:]...)
	} else {
		m.ranges[best] = FreeRange{Start: r.Start + common.PageID(count), Length: r.Length - count}
	}
	return start, true
}

// Free returns a contiguous run of pages to the map, coalescing with
// adjacent runs so fragmentation does not grow unbounded.
func (m *FreePageMap) Free(start common.PageID, count uint32) {
	if count == 0 {
		return
	}
	m.ranges = append(m.ranges, FreeRange{Start: start, Length: count})
	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].Start < m.ranges[j].Start })
	m.coalesce()
}

func (m *FreePageMap) coalesce() {
	if len(m.ranges) < 2 {
		return
	}
	merged := m.ranges[:1]
	for _, r := range m.ranges[1:] {
		last := &merged[len(merged)-1]
		if last.Start+common.PageID(last.Length) == r.Start {
			last.Length += r.Length
			continue
		}
		merged = append(merged, r)
	}
	m.ranges = merged
}

// LargestRun returns the length of the largest contiguous free run,
// used by the pre-extension heuristic.
func (m *FreePageMap) LargestRun() uint32 {
	var max uint32
	for _, r := range m.ranges {
		if r.Length > max {
			max = r.Length
		}
	}
	return max
}

// TotalFree returns the sum of all free pages across every run.
func (m *FreePageMap) TotalFree() uint32 {
	var total uint32
	for _, r := range m.ranges {
		total += r.Length
	}
	return total
}

// Ranges returns a copy of the free ranges, ordered by start, for
// serialization into the file header.
func (m *FreePageMap) Ranges() []FreeRange {
	out := make([]FreeRange, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// LoadRanges replaces the map contents, used when restoring from a
// persisted header.
func (m *FreePageMap) LoadRanges(in []FreeRange) {
	m.ranges = append([]FreeRange(nil), in...)
	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].Start < m.ranges[j].Start })
}
