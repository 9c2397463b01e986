package remat

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
)

type counters struct {
	allocations      uint64
	deallocations    uint64
	allocatedBytes   uint64
	deallocatedBytes uint64
	splits           uint64
	coalesces        uint64
	evictions        uint64
	evictedValues    uint64
	evictedBytes     uint64
	ooms             uint64
}

// Stats is a snapshot of the allocator state and its aggregate counters.
type Stats struct {
	ArenaBytes uint64
	InUseBytes uint64
	FreeBytes  uint64
	Pieces     int
	FreePieces int

	Allocations      uint64
	Deallocations    uint64
	AllocatedBytes   uint64
	DeallocatedBytes uint64
	Splits           uint64
	Coalesces        uint64
	Evictions        uint64
	EvictedValues    uint64
	EvictedBytes     uint64
	OutOfMemory      uint64
}

// Stats returns the current statistics.
func (a *Allocator) Stats() Stats {
	s := Stats{
		InUseBytes:       a.inUse,
		Pieces:           a.index.len(),
		FreePieces:       a.bins.count(),
		Allocations:      a.stats.allocations,
		Deallocations:    a.stats.deallocations,
		AllocatedBytes:   a.stats.allocatedBytes,
		DeallocatedBytes: a.stats.deallocatedBytes,
		Splits:           a.stats.splits,
		Coalesces:        a.stats.coalesces,
		Evictions:        a.stats.evictions,
		EvictedValues:    a.stats.evictedValues,
		EvictedBytes:     a.stats.evictedBytes,
		OutOfMemory:      a.stats.ooms,
	}
	if a.booted && a.bootErr == nil {
		s.ArenaBytes = a.cfg.ArenaSize
		s.FreeBytes = a.cfg.ArenaSize - a.inUse
	}
	return s
}

// Dump writes every piece in address order followed by the per-bin free
// space and the aggregate counters.
func (a *Allocator) Dump(w io.Writer) {
	for _, id := range a.index.ordered() {
		p := a.slab.get(id)
		fmt.Fprintf(w, "piece %d %s size=%d bin=%d", id, p.ptr, p.size, p.bin)
		switch {
		case p.free:
			fmt.Fprint(w, " free\n")
		case p.owner == nil:
			fmt.Fprint(w, " unmarked\n")
		default:
			fmt.Fprintf(w, " value=%s op=%s pinned=%t evictable=%t\n",
				p.owner, p.owner.OpName(), p.owner.IsPinned(), p.owner.IsEvictable())
		}
	}
	var free uint64
	for n := range a.bins.bins {
		b := &a.bins.bins[n]
		if len(b.entries) == 0 {
			continue
		}
		var bytes uint64
		for _, e := range b.entries {
			bytes += e.size
		}
		free += bytes
		fmt.Fprintf(w, "bin %d (>= %s): %d pieces, %s\n",
			n, humanize.IBytes(b.threshold), len(b.entries), humanize.IBytes(bytes))
	}
	fmt.Fprintf(w, "total free piece bytes: %s, total allocate bytes: %s, total deallocate bytes: %s, evicted bytes: %s, total memory bytes: %s\n",
		humanize.IBytes(free),
		humanize.IBytes(a.stats.allocatedBytes),
		humanize.IBytes(a.stats.deallocatedBytes),
		humanize.IBytes(a.stats.evictedBytes),
		humanize.IBytes(a.Stats().ArenaBytes))
}

// Verify checks the structural invariants of the piece chain, the bin table
// and the piece index, and reports every violation found.
func (a *Allocator) Verify() error {
	if !a.booted || a.bootErr != nil {
		return nil
	}
	var result *multierror.Error
	fail := func(format string, v ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, v...))
	}

	head, ok := a.index.first()
	if !ok {
		return fmt.Errorf("piece index is empty")
	}
	if a.slab.get(head).ptr != a.base {
		fail("first piece starts at %s, arena at %s", a.slab.get(head).ptr, a.base)
	}

	var (
		total, inUse uint64
		count, free  int
		prev         = nilPiece
		prevFree     bool
	)
	for id := head; id != nilPiece; id = a.slab.get(id).next {
		p := a.slab.get(id)
		count++
		if count > a.slab.live() {
			fail("piece chain does not terminate")
			break
		}
		if p.prev != prev {
			fail("piece %s: prev link %d, want %d", p.ptr, p.prev, prev)
		}
		if prev != nilPiece {
			q := a.slab.get(prev)
			if q.ptr+Ptr(q.size) != p.ptr {
				fail("piece %s: gap or overlap after %s+%d", p.ptr, q.ptr, q.size)
			}
		}
		if p.size == 0 || p.size%a.cfg.Alignment != 0 {
			fail("piece %s: size %d not a positive multiple of %d", p.ptr, p.size, a.cfg.Alignment)
		}
		if got, ok := a.index.lookup(p.ptr); !ok || got != id {
			fail("piece %s: not indexed", p.ptr)
		}
		if p.free {
			free++
			if prevFree {
				fail("piece %s: adjacent free pieces", p.ptr)
			}
			want := a.bins.binFor(p.size)
			if p.bin != want {
				fail("piece %s: bin %d, want %d", p.ptr, p.bin, want)
			} else if !a.bins.contains(p.bin, binEntry{size: p.size, ptr: p.ptr, id: id}) {
				fail("piece %s: missing from bin %d", p.ptr, p.bin)
			}
			if p.owner != nil {
				fail("piece %s: free piece has an owner", p.ptr)
			}
		} else {
			inUse += p.size
			if p.bin != InvalidBin {
				fail("piece %s: occupied piece in bin %d", p.ptr, p.bin)
			}
		}
		total += p.size
		prev, prevFree = id, p.free
	}

	if total != a.cfg.ArenaSize {
		fail("pieces cover %d bytes, arena is %d", total, a.cfg.ArenaSize)
	}
	if inUse != a.inUse {
		fail("occupied pieces hold %d bytes, counter says %d", inUse, a.inUse)
	}
	if n := a.index.len(); n != count {
		fail("index holds %d pieces, chain %d", n, count)
	}
	if n := a.bins.count(); n != free {
		fail("bins hold %d pieces, chain has %d free", n, free)
	}
	return result.ErrorOrNil()
}
