package rarity

import (
	"fmt"
	"strings"

	"github.com/banshee-data/mindrace/internal/bitblock"
)

// Attribution selects which racer a lane's rare block moves.
type Attribution int

const (
	// AttributionCross credits a lane's rare block to the opposing racer, and
	// only when the block's majority bit is the opposing player's chosen bit.
	AttributionCross Attribution = iota
	// AttributionOwn credits a lane's rare block to that lane's own racer.
	AttributionOwn
)

func (a Attribution) String() string {
	switch a {
	case AttributionCross:
		return "cross"
	case AttributionOwn:
		return "own"
	}
	return fmt.Sprintf("Attribution(%d)", int(a))
}

// ParseAttribution accepts "cross" or "own"; empty selects cross.
func ParseAttribution(s string) (Attribution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cross":
		return AttributionCross, nil
	case "own":
		return AttributionOwn, nil
	}
	return 0, fmt.Errorf("unknown attribution %q: expected cross or own", s)
}

// PlayerBits holds the bit each player concentrates on. The two players
// always hold complementary bits.
type PlayerBits [2]uint8

// NewPlayerBits assigns bit to player A and its complement to player B.
func NewPlayerBits(playerA uint8) (PlayerBits, error) {
	if playerA > 1 {
		return PlayerBits{}, fmt.Errorf("%w: player bit must be 0 or 1, got %d", bitblock.ErrInvalidInput, playerA)
	}
	return PlayerBits{playerA, 1 - playerA}, nil
}

// Of returns the bit chosen by the player racing in lane.
func (p PlayerBits) Of(lane bitblock.Lane) uint8 { return p[lane] }

// LaneInput is everything the engine needs about one lane for a tick.
type LaneInput struct {
	Block      bitblock.Block
	Entropy    float64
	Threshold  float64
	HistoryLen int
}

// LaneOutcome records what a lane's block did this tick.
type LaneOutcome struct {
	Decision
	Majority    int           `json:"majority"` // -1 on a tie
	Credited    bool          `json:"credited"`
	CreditedTo  bitblock.Lane `json:"credited_to"`
	Entropy     float64       `json:"entropy"`
	Threshold   float64       `json:"threshold"`
	HistoryLen  int           `json:"history_len"`
	BlockString string        `json:"block"`
}

// Engine applies a formula and attribution policy to both lanes of a tick.
type Engine struct {
	Formula     Formula
	Attribution Attribution
	Players     PlayerBits
}

// Resolve decides both lanes and returns the distance each racer advances,
// indexed by racer lane, together with per-lane outcomes.
func (e Engine) Resolve(in [2]LaneInput, multiplier float64) (moves [2]float64, out [2]LaneOutcome, err error) {
	for _, lane := range bitblock.Lanes {
		li := in[lane]
		d, err := Decide(li.Entropy, li.Threshold, li.HistoryLen, multiplier, e.Formula)
		if err != nil {
			return [2]float64{}, [2]LaneOutcome{}, fmt.Errorf("lane %s: %w", lane, err)
		}
		o := LaneOutcome{
			Decision:    d,
			Majority:    -1,
			Entropy:     li.Entropy,
			Threshold:   li.Threshold,
			HistoryLen:  li.HistoryLen,
			BlockString: li.Block.String(),
		}
		bit, ok := li.Block.Majority()
		if ok {
			o.Majority = int(bit)
		}
		if d.Rare {
			if target, credit := e.target(lane, bit, ok); credit {
				o.Credited = true
				o.CreditedTo = target
				moves[target] += d.Distance
			}
		}
		out[lane] = o
	}
	return moves, out, nil
}

func (e Engine) target(lane bitblock.Lane, majority uint8, hasMajority bool) (bitblock.Lane, bool) {
	if e.Attribution == AttributionOwn {
		return lane, true
	}
	opponent := lane.Other()
	if hasMajority && majority == e.Players.Of(opponent) {
		return opponent, true
	}
	return lane, false
}
