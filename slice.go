package fiberloop

import "fmt"

// seqFloor is the initial capacity of a seq's backing array.
const seqFloor = 256

// seq is a growable ordered sequence with O(1) swap-remove. Removal swaps
// the tail into the hole, so element order is not preserved across removals.
// It backs every scheduler table (Runnable, Parked, Poll, Retired, fibers):
// compact indexed storage where order does not carry meaning.
type seq[T any] struct {
	items []T
}

// push appends v, doubling capacity from a floor of seqFloor.
func (s *seq[T]) push(v T) {
	if len(s.items) == cap(s.items) {
		n := cap(s.items) * 2
		if n == 0 {
			n = seqFloor
		}
		items := make([]T, len(s.items), n)
		copy(items, s.items)
		s.items = items
	}
	s.items = append(s.items, v)
}

// swapRemove removes and returns the element at i, moving the tail element
// into its place. Out-of-bounds indices are a programmer error.
func (s *seq[T]) swapRemove(i int) T {
	if i < 0 || i >= len(s.items) {
		panic(fmt.Sprintf("fiberloop: swapRemove index %d out of bounds (len %d)", i, len(s.items)))
	}
	v := s.items[i]
	last := len(s.items) - 1
	s.items[i] = s.items[last]
	var zero T
	s.items[last] = zero
	s.items = s.items[:last]
	return v
}

// popLast removes and returns the tail element.
func (s *seq[T]) popLast() T {
	return s.swapRemove(len(s.items) - 1)
}

func (s *seq[T]) len() int {
	return len(s.items)
}
