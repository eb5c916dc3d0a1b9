// Package rarity turns a block's entropy and its lane's threshold into a move
// distance, and decides which racer that distance is credited to.
package rarity

import (
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/mindrace/internal/bitblock"
)

const (
	MinMultiplier     = 1
	MaxMultiplier     = 100
	DefaultMultiplier = 50
)

// Formula selects how rarity scales the move distance.
type Formula int

const (
	// FormulaScaled moves multiplier*(1+rarity). Race mode uses it.
	FormulaScaled Formula = iota
	// FormulaBasic moves multiplier*(1+10*rarity).
	FormulaBasic
)

func (f Formula) String() string {
	switch f {
	case FormulaScaled:
		return "scaled"
	case FormulaBasic:
		return "basic"
	}
	return fmt.Sprintf("Formula(%d)", int(f))
}

// ParseFormula accepts "scaled" or "basic"; empty selects scaled.
func ParseFormula(s string) (Formula, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "scaled", "percentile":
		return FormulaScaled, nil
	case "basic":
		return FormulaBasic, nil
	}
	return 0, fmt.Errorf("unknown formula %q: expected scaled or basic", s)
}

func (f Formula) scale(rarity float64) float64 {
	if f == FormulaBasic {
		return 1 + 10*rarity
	}
	return 1 + rarity
}

// Decision is the outcome for a single lane's block.
type Decision struct {
	Rare     bool    `json:"rare"`
	Rarity   float64 `json:"rarity"`
	Distance float64 `json:"distance"`
}

// ValidateMultiplier checks m against the player-facing range.
func ValidateMultiplier(m float64) error {
	if math.IsNaN(m) || m < MinMultiplier || m > MaxMultiplier {
		return fmt.Errorf("%w: multiplier %v outside [%d, %d]", bitblock.ErrInvalidInput, m, MinMultiplier, MaxMultiplier)
	}
	return nil
}

// Decide returns the move distance for a block with the given entropy, when
// the lane history (including this block) holds historyLen scores whose
// threshold is threshold. A block moves only when the history has at least
// two points and its entropy falls strictly below a positive threshold.
func Decide(entropy, threshold float64, historyLen int, multiplier float64, f Formula) (Decision, error) {
	if math.IsNaN(entropy) || math.IsNaN(threshold) {
		return Decision{}, fmt.Errorf("%w: entropy %v / threshold %v", bitblock.ErrInvalidInput, entropy, threshold)
	}
	if err := ValidateMultiplier(multiplier); err != nil {
		return Decision{}, err
	}
	if historyLen < 2 || threshold <= 0 || entropy >= threshold {
		return Decision{}, nil
	}
	rarity := (threshold - entropy) / threshold
	return Decision{
		Rare:     true,
		Rarity:   rarity,
		Distance: multiplier * f.scale(rarity),
	}, nil
}
