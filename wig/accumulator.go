package wig

import "sort"

// Point is a position and its accumulated value.
type Point struct {
	Pos   int
	Value float64
}

// Tags holds the fragment lengths recorded at one start position.
type Tags struct {
	Pos     int
	Lengths []int
}

// Accumulator is a sparse map of 1-based position to either a count (point
// modes) or a list of fragment lengths (span modes) for one strand of one
// chromosome.
type Accumulator struct {
	counts  map[int]float64
	lengths map[int][]int
	max     int
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{counts: make(map[int]float64, 1024), lengths: make(map[int][]int, 1024)}
}

// Increment adds amount at pos. Positions < 1 are rejected.
func (a *Accumulator) Increment(pos int, amount float64) bool {
	if pos < 1 {
		return false
	}
	a.counts[pos] += amount
	if pos > a.max {
		a.max = pos
	}
	return true
}

// AppendLength records a fragment of length starting at pos. Positions < 1
// and empty fragments are rejected.
func (a *Accumulator) AppendLength(pos, length int) bool {
	if pos < 1 || length < 1 {
		return false
	}
	a.lengths[pos] = append(a.lengths[pos], length)
	if pos > a.max {
		a.max = pos
	}
	return true
}

// Count is the value at pos, 0 if absent.
func (a *Accumulator) Count(pos int) float64 { return a.counts[pos] }

// Lengths returns the fragment lengths at pos.
func (a *Accumulator) Lengths(pos int) []int { return a.lengths[pos] }

// Len is the number of buffered positions.
func (a *Accumulator) Len() int { return len(a.counts) + len(a.lengths) }

// Max is the largest position ever buffered since the last Clear.
func (a *Accumulator) Max() int { return a.max }

// DrainCounts removes and returns, in increasing order, all counts at
// positions <= boundary.
func (a *Accumulator) DrainCounts(boundary int) []Point {
	keys := make([]int, 0, len(a.counts))
	for k := range a.counts {
		if k <= boundary {
			keys = append(keys, k)
		}
	}
	sort.Ints(keys)
	out := make([]Point, len(keys))
	for i, k := range keys {
		out[i] = Point{Pos: k, Value: a.counts[k]}
		delete(a.counts, k)
	}
	return out
}

// DrainLengths removes and returns, in increasing order, all length tags at
// positions <= boundary.
func (a *Accumulator) DrainLengths(boundary int) []Tags {
	keys := make([]int, 0, len(a.lengths))
	for k := range a.lengths {
		if k <= boundary {
			keys = append(keys, k)
		}
	}
	sort.Ints(keys)
	out := make([]Tags, len(keys))
	for i, k := range keys {
		out[i] = Tags{Pos: k, Lengths: a.lengths[k]}
		delete(a.lengths, k)
	}
	return out
}

// Clear empties the accumulator for the next chromosome.
func (a *Accumulator) Clear() {
	a.counts = make(map[int]float64, 1024)
	a.lengths = make(map[int][]int, 1024)
	a.max = 0
}
