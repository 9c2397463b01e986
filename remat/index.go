package remat

import (
	"math/bits"

	"github.com/RoaringBitmap/roaring/v2"
)

// pieceIndex maps piece start addresses to pieces. Addresses are kept in a
// bitmap of alignment units for ordered walks and neighbour lookups.
type pieceIndex struct {
	base  Ptr
	shift uint
	order *roaring.Bitmap
	byPtr map[Ptr]PieceID
}

func newPieceIndex(base Ptr, align uint64) pieceIndex {
	return pieceIndex{
		base:  base,
		shift: uint(bits.TrailingZeros64(align)),
		order: roaring.New(),
		byPtr: make(map[Ptr]PieceID),
	}
}

func (x *pieceIndex) key(p Ptr) uint32 {
	return uint32((p - x.base) >> x.shift)
}

func (x *pieceIndex) ptr(key uint32) Ptr {
	return x.base + Ptr(uint64(key)<<x.shift)
}

func (x *pieceIndex) insert(p Ptr, id PieceID) {
	x.order.Add(x.key(p))
	x.byPtr[p] = id
}

func (x *pieceIndex) remove(p Ptr) {
	x.order.Remove(x.key(p))
	delete(x.byPtr, p)
}

func (x *pieceIndex) lookup(p Ptr) (PieceID, bool) {
	id, ok := x.byPtr[p]
	return id, ok
}

func (x *pieceIndex) len() int {
	return int(x.order.GetCardinality())
}

// first returns the lowest-addressed piece.
func (x *pieceIndex) first() (PieceID, bool) {
	if x.order.IsEmpty() {
		return nilPiece, false
	}
	return x.byPtr[x.ptr(x.order.Minimum())], true
}

// containing returns the piece whose range starts at or below p.
func (x *pieceIndex) containing(p Ptr) (PieceID, bool) {
	if p < x.base || x.order.IsEmpty() {
		return nilPiece, false
	}
	rank := x.order.Rank(x.key(p))
	if rank == 0 {
		return nilPiece, false
	}
	key, err := x.order.Select(uint32(rank - 1))
	if err != nil {
		return nilPiece, false
	}
	return x.byPtr[x.ptr(key)], true
}

// ordered returns every piece in address order.
func (x *pieceIndex) ordered() []PieceID {
	ids := make([]PieceID, 0, x.order.GetCardinality())
	it := x.order.Iterator()
	for it.HasNext() {
		ids = append(ids, x.byPtr[x.ptr(it.Next())])
	}
	return ids
}
