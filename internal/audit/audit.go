package audit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/race"
)

// DefaultSignificance is the p-value below which a test result is flagged.
const DefaultSignificance = 0.05

// Test names as they appear in reports and anomaly records.
const (
	TestRankSum     = "mann_whitney_u"
	TestBalanceA    = "binomial_balance_a"
	TestBalanceB    = "binomial_balance_b"
	TestMoveBalance = "binomial_moves"
)

// TestResult is the outcome of one hypothesis test.
type TestResult struct {
	Name      string  `json:"name"`
	Statistic float64 `json:"statistic"`
	PValue    float64 `json:"p_value"`
	N         int     `json:"n"`
}

// Significant reports whether the result falls below alpha.
func (r TestResult) Significant(alpha float64) bool {
	return r.PValue < alpha
}

// BinomTest returns the exact two-sided p-value for k successes in n trials
// with success probability one half.
func BinomTest(k, n int) (float64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: binomial test needs at least one trial", bitblock.ErrInvalidInput)
	}
	if k < 0 || k > n {
		return 0, fmt.Errorf("%w: %d successes out of %d trials", bitblock.ErrInvalidInput, k, n)
	}
	tail := min(k, n-k)
	// k within half a trial of n/2 is the most likely outcome
	if n-2*tail <= 1 {
		return 1, nil
	}
	d := distuv.Binomial{N: float64(n), P: 0.5}
	return clampP(2 * d.CDF(float64(tail))), nil
}

// Balance tests whether ones make up half of bits.
func Balance(name string, bits []uint8) (TestResult, error) {
	_, ones := bitblock.Counts(bits)
	p, err := BinomTest(ones, len(bits))
	if err != nil {
		return TestResult{}, fmt.Errorf("%s: %w", name, err)
	}
	return TestResult{Name: name, Statistic: float64(ones), PValue: p, N: len(bits)}, nil
}

// MoveBalance tests whether racer A's share of all moves differs from one
// half. With no moves at all there is nothing to test and the p-value is 1.
func MoveBalance(movesA, movesB int) (TestResult, error) {
	if movesA < 0 || movesB < 0 {
		return TestResult{}, fmt.Errorf("%w: negative move count", bitblock.ErrInvalidInput)
	}
	r := TestResult{Name: TestMoveBalance, Statistic: float64(movesA), PValue: 1, N: movesA + movesB}
	if r.N == 0 {
		return r, nil
	}
	p, err := BinomTest(movesA, r.N)
	if err != nil {
		return TestResult{}, err
	}
	r.PValue = p
	return r, nil
}

// RankSum compares the two lanes' bit sequences.
func RankSum(a, b []uint8) (TestResult, error) {
	u, p, err := MannWhitneyU(bitsToFloats(a), bitsToFloats(b))
	if err != nil {
		return TestResult{}, err
	}
	return TestResult{Name: TestRankSum, Statistic: u, PValue: p, N: len(a) + len(b)}, nil
}

// Report holds the four tests computed from one history snapshot.
type Report struct {
	Tick        uint64     `json:"tick"`
	RankSum     TestResult `json:"rank_sum"`
	BalanceA    TestResult `json:"balance_a"`
	BalanceB    TestResult `json:"balance_b"`
	MoveBalance TestResult `json:"move_balance"`
}

// Results lists the tests in a fixed order.
func (r Report) Results() []TestResult {
	return []TestResult{r.RankSum, r.BalanceA, r.BalanceB, r.MoveBalance}
}

// Auditor computes reports. Window limits the bit tests to the most recent
// Window bits per lane; zero uses everything.
type Auditor struct {
	Window       int
	Significance float64
}

// NewAuditor returns an auditor over the full history at the default
// significance level.
func NewAuditor() *Auditor {
	return &Auditor{Significance: DefaultSignificance}
}

func (a *Auditor) alpha() float64 {
	if a.Significance <= 0 || a.Significance >= 1 || math.IsNaN(a.Significance) {
		return DefaultSignificance
	}
	return a.Significance
}

// Audit runs every test over h. It fails only when there are no bits yet.
func (a *Auditor) Audit(h race.History) (Report, error) {
	bitsA, bitsB := h.Bits[bitblock.LaneA], h.Bits[bitblock.LaneB]
	if a.Window > 0 {
		bitsA = tail(bitsA, a.Window)
		bitsB = tail(bitsB, a.Window)
	}

	rep := Report{Tick: h.Tick}
	var err error
	if rep.RankSum, err = RankSum(bitsA, bitsB); err != nil {
		return Report{}, err
	}
	if rep.BalanceA, err = Balance(TestBalanceA, bitsA); err != nil {
		return Report{}, err
	}
	if rep.BalanceB, err = Balance(TestBalanceB, bitsB); err != nil {
		return Report{}, err
	}
	if rep.MoveBalance, err = MoveBalance(h.MoveCounts[bitblock.LaneA], h.MoveCounts[bitblock.LaneB]); err != nil {
		return Report{}, err
	}
	return rep, nil
}

// Flagged returns the results in rep that fall below the auditor's
// significance level.
func (a *Auditor) Flagged(rep Report) []TestResult {
	alpha := a.alpha()
	var out []TestResult
	for _, r := range rep.Results() {
		if r.Significant(alpha) {
			out = append(out, r)
		}
	}
	return out
}

func tail(bits []uint8, n int) []uint8 {
	if len(bits) > n {
		return bits[len(bits)-n:]
	}
	return bits
}
