// Package entropy scores bit blocks by Shannon entropy and keeps the per-lane
// history of those scores from which the rarity threshold is derived.
package entropy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/mindrace/internal/bitblock"
)

// ThresholdQuantile is the quantile of a lane's entropy history below which a
// block counts as rare.
const ThresholdQuantile = 0.05

// Entropy returns the Shannon entropy, in bits, of the 0/1 distribution in
// bits. The result lies in [0, 1]: 0 for a constant block and 1 for a
// perfectly balanced one.
func Entropy(bits []uint8) (float64, error) {
	if err := bitblock.Validate(bits, len(bits)); err != nil {
		return 0, err
	}
	zeros, ones := bitblock.Counts(bits)
	n := float64(len(bits))
	// stat.Entropy skips zero-probability terms and works in nats.
	h := stat.Entropy([]float64{float64(zeros) / n, float64(ones) / n}) / math.Ln2
	return clamp01(h), nil
}

// BlockEntropy is Entropy for an already validated block.
func BlockEntropy(b bitblock.Block) float64 {
	h, err := Entropy(b.Bits())
	if err != nil {
		// a constructed Block is never empty or out of range
		panic(fmt.Sprintf("entropy: invalid block: %v", err))
	}
	return h
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
