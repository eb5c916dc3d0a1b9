// Package audit runs the hypothesis tests that watch the race for anomalies:
// a rank-sum comparison of the two lanes' bits, binomial balance tests on
// each lane, and a binomial test on how often each racer moved.
package audit

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/mindrace/internal/bitblock"
)

// exactLimit is the sample size at or below which, for either sample, the
// Mann-Whitney p-value comes from the exact null distribution (ties
// permitting).
const exactLimit = 8

// MannWhitneyU performs a two-sided Mann-Whitney U test of x against y. U is
// the statistic for x (the number of pairs with x ahead of y, counting ties
// as a half). Tie-free tests where either sample is small use the exact
// distribution; everything
// else uses the normal approximation with tie and continuity correction.
func MannWhitneyU(x, y []float64) (u, p float64, err error) {
	n1, n2 := len(x), len(y)
	if n1 == 0 || n2 == 0 {
		return 0, 0, fmt.Errorf("%w: rank-sum test needs two non-empty samples (got %d and %d)", bitblock.ErrInvalidInput, n1, n2)
	}

	ranks, tieSum := rank(x, y)
	var r1 float64
	for i := 0; i < n1; i++ {
		r1 += ranks[i]
	}
	u1 := r1 - float64(n1*(n1+1))/2
	u2 := float64(n1*n2) - u1
	big := math.Max(u1, u2)

	if (n1 <= exactLimit || n2 <= exactLimit) && tieSum == 0 {
		return u1, exactPValue(n1, n2, big), nil
	}

	n := float64(n1 + n2)
	mu := float64(n1*n2) / 2
	sigma := math.Sqrt(float64(n1*n2) / 12 * ((n + 1) - tieSum/(n*(n-1))))
	if sigma == 0 || math.IsNaN(sigma) {
		// every observation is identical: no evidence either way
		return u1, 1, nil
	}
	z := (big - mu - 0.5) / sigma
	return u1, clampP(2 * distuv.UnitNormal.Survival(z)), nil
}

// rank assigns average ranks to the pooled samples (x first, then y) and
// returns the tie correction term sum(t^3 - t) over tie groups.
func rank(x, y []float64) ([]float64, float64) {
	n := len(x) + len(y)
	pooled := make([]float64, 0, n)
	pooled = append(pooled, x...)
	pooled = append(pooled, y...)

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return pooled[idx[a]] < pooled[idx[b]] })

	ranks := make([]float64, n)
	var tieSum float64
	for i := 0; i < n; {
		j := i + 1
		for j < n && pooled[idx[j]] == pooled[idx[i]] {
			j++
		}
		// positions i..j-1 share ranks i+1..j
		avg := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}
	return ranks, tieSum
}

// exactPValue returns 2*P(U >= u) under the null, capped at 1. The counts
// of arrangements by U are the coefficients of the Gaussian binomial
// [m+n choose m], built as the product over k of (1-q^(n+k))/(1-q^k) with m
// the smaller sample, so one large sample stays cheap.
func exactPValue(n1, n2 int, u float64) float64 {
	m, n := min(n1, n2), max(n1, n2)
	maxU := m * n
	dist := make([]float64, maxU+m+1)
	dist[0] = 1
	for k := 1; k <= m; k++ {
		top := k*n + k
		shift := n + k
		for v := top; v >= shift; v-- {
			dist[v] -= dist[v-shift]
		}
		for v := k; v <= top; v++ {
			dist[v] += dist[v-k]
		}
	}
	var total, tail float64
	for v := 0; v <= maxU; v++ {
		total += dist[v]
		if float64(v) >= u {
			tail += dist[v]
		}
	}
	return clampP(2 * tail / total)
}

func clampP(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}

// bitsToFloats widens bits for the rank-sum test.
func bitsToFloats(bits []uint8) []float64 {
	out := make([]float64, len(bits))
	for i, b := range bits {
		out[i] = float64(b)
	}
	return out
}
