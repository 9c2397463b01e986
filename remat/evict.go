package remat

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// WindowPiece is one piece as seen by the eviction window search.
type WindowPiece struct {
	Size uint64
	// Cost is what evicting the piece's value costs; 0 for free pieces.
	Cost float64
	// Blocked pieces can never be part of a window.
	Blocked bool
}

// FindEvictionWindow returns the contiguous run [lo, hi) of pieces covering at
// least size bytes with the lowest total cost. Blocked pieces split the scan.
// Among equally cheap windows the lowest-addressed one wins. ok is false when
// no run of unblocked pieces is large enough.
func FindEvictionWindow(pieces []WindowPiece, size uint64) (lo, hi int, cost float64, ok bool) {
	if size == 0 {
		return 0, 0, 0, true
	}
	var (
		start int
		total uint64
		best  = math.Inf(1)
	)
	for end, p := range pieces {
		if p.Blocked {
			start, total = end+1, 0
			continue
		}
		total += p.Size
		for total >= size {
			// Each window is summed from scratch.
			if acc := windowCost(pieces[start : end+1]); acc < best {
				best, lo, hi, ok = acc, start, end+1, true
			}
			total -= pieces[start].Size
			start++
		}
	}
	if !ok {
		return 0, 0, 0, false
	}
	return lo, hi, best, true
}

func windowCost(pieces []WindowPiece) float64 {
	var sum float64
	for _, p := range pieces {
		sum += p.Cost
	}
	return sum
}

// cost returns the recomputation cost of the value held by p.
func (a *Allocator) cost(p *piece) (float64, error) {
	if p.owner == nil {
		return 0, nil
	}
	c, err := a.costs.Cost(p.owner)
	return checkCost(p.owner, c, err)
}

// evictionCandidates snapshots the arena in address order.
func (a *Allocator) evictionCandidates() ([]PieceID, []WindowPiece, error) {
	ids := a.index.ordered()
	window := make([]WindowPiece, len(ids))
	for i, id := range ids {
		p := a.slab.get(id)
		window[i].Size = p.size
		switch {
		case p.free:
		case p.owner == nil:
			// Allocated but not yet marked: its value is being produced.
			window[i].Blocked = true
		case p.owner.IsPinned() || !p.owner.IsEvictable():
			window[i].Blocked = true
			a.trace(logrus.Fields{"value": p.owner, "op": p.owner.OpName(), "size": p.size}, "skip value")
		default:
			c, err := a.cost(p)
			if err != nil {
				return nil, nil, err
			}
			window[i].Cost = c
		}
	}
	return ids, window, nil
}

// evictAndFindPiece reclaims the cheapest window covering aligned bytes and
// retries the bin search once.
func (a *Allocator) evictAndFindPiece(aligned uint64, op string) (PieceID, error) {
	if a.evictLock != nil {
		a.evictLock.Lock()
		defer a.evictLock.Unlock()
	}
	ids, window, err := a.evictionCandidates()
	if err != nil {
		return nilPiece, err
	}
	lo, hi, cost, ok := FindEvictionWindow(window, aligned)
	if !ok {
		a.log.WithField("size", aligned).Warn("no evictable window large enough")
		return nilPiece, nil
	}

	// Reclaiming merges pieces, so remember the victims by address first.
	var victims []Ptr
	for _, id := range ids[lo:hi] {
		if p := a.slab.get(id); !p.free {
			victims = append(victims, p.ptr)
		}
	}

	var freed uint64
	for _, ptr := range victims {
		id, _ := a.index.lookup(ptr)
		p := a.slab.get(id)
		owner, size := p.owner, p.size
		a.trace(logrus.Fields{"value": owner, "op": owner.OpName(), "ptr": ptr, "size": size}, "evict")
		if err := owner.Evict(); err != nil {
			err = errors.Wrapf(ErrEvictionFailed, "%s at %s: %v", owner, ptr, err)
			a.log.Error(err)
			return nilPiece, err
		}
		a.release(id)
		freed += size
		a.stats.evictedValues++
		a.stats.evictedBytes += size
	}
	a.stats.evictions++

	a.evictLog.Do(func() {
		a.log.WithFields(logrus.Fields{
			"size":    aligned,
			"victims": len(victims),
			"freed":   freed,
			"cost":    cost,
			"op":      op,
		}).Info("evicted values to make room")
	})
	return a.findPiece(aligned, op), nil
}
