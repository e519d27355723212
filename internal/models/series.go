package models

import "sort"

// Series is a float32 time series indexed by unix milliseconds. It backs the
// unrealized-change history of both simulations and live trading.
type Series struct {
	Index  []int64   `json:"index"`
	Values []float32 `json:"values"`
}

// Len returns the number of points.
func (s *Series) Len() int { return len(s.Index) }

// Set stores v at t, overwriting an existing point.
func (s *Series) Set(t int64, v float32) {
	n := len(s.Index)
	if n == 0 || s.Index[n-1] < t {
		s.Index = append(s.Index, t)
		s.Values = append(s.Values, v)
		return
	}
	i := sort.Search(n, func(i int) bool { return s.Index[i] >= t })
	if i < n && s.Index[i] == t {
		s.Values[i] = v
		return
	}
	s.Index = append(s.Index, 0)
	s.Values = append(s.Values, 0)
	copy(s.Index[i+1:], s.Index[i:])
	copy(s.Values[i+1:], s.Values[i:])
	s.Index[i] = t
	s.Values[i] = v
}

// Merge writes every point of other into s; other wins on collisions.
func (s *Series) Merge(other Series) {
	for i, t := range other.Index {
		s.Set(t, other.Values[i])
	}
}

// Between returns a copy of points in [from, to).
func (s *Series) Between(from, to int64) Series {
	lo := sort.Search(len(s.Index), func(i int) bool { return s.Index[i] >= from })
	hi := sort.Search(len(s.Index), func(i int) bool { return s.Index[i] >= to })
	out := Series{
		Index:  make([]int64, hi-lo),
		Values: make([]float32, hi-lo),
	}
	copy(out.Index, s.Index[lo:hi])
	copy(out.Values, s.Values[lo:hi])
	return out
}
