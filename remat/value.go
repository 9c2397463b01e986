package remat

import (
	"math"

	"github.com/pkg/errors"
)

// Value is the computed value occupying a piece. The allocator only keeps a
// weak reference to it.
type Value interface {
	// IsPinned reports whether the value is in active use.
	IsPinned() bool
	// IsEvictable reports whether the value can be recomputed later.
	IsEvictable() bool
	// Evict drops the value's reference to its bytes. The allocator frees the
	// piece afterwards; Evict must not call back into the allocator.
	Evict() error
	// OpName is the operation that produced the value.
	OpName() string
	String() string
}

// CostModel estimates what it takes to recompute a value.
type CostModel interface {
	Cost(v Value) (float64, error)
}

// CostFunc adapts a function to CostModel.
type CostFunc func(v Value) (float64, error)

// Cost calls f(v).
func (f CostFunc) Cost(v Value) (float64, error) { return f(v) }

func checkCost(v Value, cost float64, err error) (float64, error) {
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidCost, "%s: %v", v, err)
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost < 0 {
		return 0, errors.Wrapf(ErrInvalidCost, "%s: cost %v", v, cost)
	}
	return cost, nil
}
