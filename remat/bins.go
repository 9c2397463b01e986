package remat

import (
	"math/bits"
	"slices"
	"sort"
)

type binEntry struct {
	size uint64
	ptr  Ptr
	id   PieceID
}

func (e binEntry) less(o binEntry) bool {
	if e.size != o.size {
		return e.size < o.size
	}
	return e.ptr < o.ptr
}

// bin keeps its free pieces ordered by (size, ptr).
type bin struct {
	threshold uint64
	entries   []binEntry
}

type binTable struct {
	shift uint
	bins  [NumBins]bin
}

func newBinTable(align uint64) binTable {
	t := binTable{shift: uint(bits.TrailingZeros64(align))}
	for n := range t.bins {
		t.bins[n].threshold = align << n
	}
	return t
}

// binFor returns the size class of size.
func (t *binTable) binFor(size uint64) int {
	n := bits.Len64(size>>t.shift) - 1
	if n < 0 {
		return 0
	}
	if n >= NumBins {
		return NumBins - 1
	}
	return n
}

func (t *binTable) insert(n int, e binEntry) {
	b := &t.bins[n]
	i := sort.Search(len(b.entries), func(i int) bool { return !b.entries[i].less(e) })
	b.entries = slices.Insert(b.entries, i, e)
}

func (t *binTable) remove(n int, e binEntry) bool {
	b := &t.bins[n]
	i := sort.Search(len(b.entries), func(i int) bool { return !b.entries[i].less(e) })
	if i == len(b.entries) || b.entries[i].id != e.id {
		return false
	}
	b.entries = slices.Delete(b.entries, i, i+1)
	return true
}

// takeFirstFit removes and returns the smallest piece of bin n holding at
// least size bytes.
func (t *binTable) takeFirstFit(n int, size uint64) (PieceID, bool) {
	b := &t.bins[n]
	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].size >= size })
	if i == len(b.entries) {
		return nilPiece, false
	}
	id := b.entries[i].id
	b.entries = slices.Delete(b.entries, i, i+1)
	return id, true
}

func (t *binTable) contains(n int, e binEntry) bool {
	b := &t.bins[n]
	i := sort.Search(len(b.entries), func(i int) bool { return !b.entries[i].less(e) })
	return i < len(b.entries) && b.entries[i].id == e.id
}

func (t *binTable) count() int {
	total := 0
	for n := range t.bins {
		total += len(t.bins[n].entries)
	}
	return total
}
