package utils

import (
	"context"
)

// Resource hands out a fixed number of units, e.g. one per tape drive. A
// caller blocks in Reserve until a unit is free or ctx ends.
type Resource struct {
	units chan int
}

func NewResource(concurrent int) *Resource {
	r := &Resource{units: make(chan int, concurrent)}
	for i := 0; i < concurrent; i++ {
		r.units <- i
	}
	return r
}

// Reserve returns the number of the unit granted.
func (r *Resource) Reserve(ctx context.Context) (int, error) {
	select {
	case unit := <-r.units:
		return unit, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Release gives a reserved unit back.
func (r *Resource) Release(unit int) {
	r.units <- unit
}

// Available reports how many units are free.
func (r *Resource) Available() int {
	return len(r.units)
}
