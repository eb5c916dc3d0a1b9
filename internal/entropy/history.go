package entropy

import (
	"fmt"
	"math"
	"slices"

	"github.com/banshee-data/mindrace/internal/bitblock"
)

// History is the append-only record of entropy scores for one lane. It keeps
// a sorted shadow copy so the threshold can be recomputed after every append
// without re-sorting the whole history.
//
// History is not safe for concurrent use; race.State guards it.
type History struct {
	values []float64
	sorted []float64
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Len is the number of blocks scored so far.
func (h *History) Len() int { return len(h.values) }

// Values returns the scores in arrival order.
func (h *History) Values() []float64 {
	return slices.Clone(h.values)
}

// Last returns the most recent score. ok is false for an empty history.
func (h *History) Last() (v float64, ok bool) {
	if len(h.values) == 0 {
		return 0, false
	}
	return h.values[len(h.values)-1], true
}

// Append records v and returns the updated threshold.
func (h *History) Append(v float64) (float64, error) {
	if err := checkScore(v); err != nil {
		return 0, err
	}
	h.values = append(h.values, v)
	i, _ := slices.BinarySearch(h.sorted, v)
	h.sorted = slices.Insert(h.sorted, i, v)
	return Percentile(h.sorted, ThresholdQuantile), nil
}

// Threshold returns the current threshold. ok is false for an empty history.
func (h *History) Threshold() (threshold float64, ok bool) {
	if len(h.sorted) == 0 {
		return 0, false
	}
	return Percentile(h.sorted, ThresholdQuantile), true
}

// ThresholdWith returns the threshold the history would have after appending
// v, without modifying it.
func (h *History) ThresholdWith(v float64) (float64, error) {
	if err := checkScore(v); err != nil {
		return 0, err
	}
	pos, _ := slices.BinarySearch(h.sorted, v)
	at := func(i int) float64 {
		switch {
		case i < pos:
			return h.sorted[i]
		case i == pos:
			return v
		default:
			return h.sorted[i-1]
		}
	}
	return interpolate(len(h.sorted)+1, at, ThresholdQuantile), nil
}

// Reset discards every recorded score.
func (h *History) Reset() {
	h.values = nil
	h.sorted = nil
}

// Clone returns an independent copy.
func (h *History) Clone() *History {
	return &History{values: slices.Clone(h.values), sorted: slices.Clone(h.sorted)}
}

func checkScore(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: entropy score %v outside [0, 1]", bitblock.ErrInvalidInput, v)
	}
	return nil
}

// Percentile returns the q-quantile (0 <= q <= 1) of an ascending slice using
// linear interpolation between closest ranks: rank = q*(n-1), the result is
// sorted[floor(rank)] plus the fractional part of rank times the gap to the
// next element (Hyndman-Fan type 7). An empty slice yields NaN.
func Percentile(sorted []float64, q float64) float64 {
	return interpolate(len(sorted), func(i int) float64 { return sorted[i] }, q)
}

func interpolate(n int, at func(int) float64, q float64) float64 {
	if n == 0 {
		return math.NaN()
	}
	q = math.Max(0, math.Min(1, q))
	rank := q * float64(n-1)
	lo := int(math.Floor(rank))
	if lo >= n-1 {
		return at(n - 1)
	}
	frac := rank - float64(lo)
	a, b := at(lo), at(lo+1)
	return a + frac*(b-a)
}
