// Package remat manages a single pre-allocated device arena and reclaims space
// by evicting computed values when it runs out, instead of growing the arena.
//
// The allocator is NOT goroutine-safe. Callers serialize Allocate/Deallocate
// per instance, or go through a DeviceContext which does it for them.
package remat

import "fmt"

const (
	// NumBins is the number of size classes. Bin n holds free pieces of
	// [Alignment<<n, Alignment<<(n+1)) bytes, the last bin is open-ended.
	NumBins = 20
	// InvalidBin marks a piece that is not in the bin table.
	InvalidBin = -1

	nilPiece PieceID = -1
)

// Ptr is a device address. The zero Ptr is the null pointer.
type Ptr uintptr

func (p Ptr) String() string { return fmt.Sprintf("%#x", uintptr(p)) }

// PieceID is a stable handle to a piece.
type PieceID int32

// piece is one contiguous byte range of the arena.
type piece struct {
	ptr   Ptr
	size  uint64
	free  bool
	bin   int
	prev  PieceID
	next  PieceID
	owner Value // weak; nil when free or not yet marked
}

// pieceSlab owns all pieces. Handles of merged pieces are recycled.
type pieceSlab struct {
	pieces []*piece
	unused []PieceID
}

func (s *pieceSlab) alloc() PieceID {
	if n := len(s.unused); n > 0 {
		id := s.unused[n-1]
		s.unused = s.unused[:n-1]
		s.pieces[id] = &piece{bin: InvalidBin, prev: nilPiece, next: nilPiece}
		return id
	}
	s.pieces = append(s.pieces, &piece{bin: InvalidBin, prev: nilPiece, next: nilPiece})
	return PieceID(len(s.pieces) - 1)
}

func (s *pieceSlab) release(id PieceID) {
	s.pieces[id] = nil
	s.unused = append(s.unused, id)
}

func (s *pieceSlab) get(id PieceID) *piece {
	return s.pieces[id]
}

func (s *pieceSlab) live() int {
	return len(s.pieces) - len(s.unused)
}

func alignUp(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}
