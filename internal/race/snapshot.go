package race

import (
	"slices"

	"github.com/banshee-data/mindrace/internal/bitblock"
)

// LaneSnapshot is a read-only view of one racer.
type LaneSnapshot struct {
	Position     float64 `json:"position"`
	Laps         int     `json:"laps"`
	MoveCount    int     `json:"move_count"`
	BitCount     int     `json:"bit_count"`
	BlockCount   int     `json:"block_count"`
	Threshold    float64 `json:"threshold"`
	HasThreshold bool    `json:"has_threshold"`
	LastEntropy  float64 `json:"last_entropy"`
	LastBlock    string  `json:"last_block,omitempty"`
}

// Snapshot is a consistent copy of the race taken between ticks.
type Snapshot struct {
	Tick   uint64          `json:"tick"`
	Winner Winner          `json:"winner"`
	Live   bool            `json:"live"`
	Lanes  [2]LaneSnapshot `json:"lanes"`
	Config Config          `json:"config"`
}

// Snapshot copies the summary state under the read lock.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Tick: s.ticks, Winner: s.winner, Live: s.live, Config: s.cfg}
	for _, lane := range bitblock.Lanes {
		ls := s.lanes[lane]
		l := LaneSnapshot{
			Position:   ls.position,
			Laps:       ls.laps,
			MoveCount:  ls.moveCount,
			BitCount:   len(ls.bits),
			BlockCount: len(ls.blocks),
		}
		l.Threshold, l.HasThreshold = ls.entropy.Threshold()
		if n := len(ls.blocks); n > 0 {
			l.LastBlock = ls.blocks[n-1].String()
		}
		l.LastEntropy, _ = ls.entropy.Last()
		snap.Lanes[lane] = l
	}
	return snap
}

// History is a consistent copy of the accumulated data for both lanes.
type History struct {
	Tick       uint64
	Bits       [2][]uint8
	Blocks     [2][]bitblock.Block
	Entropies  [2][]float64
	MoveCounts [2]int
}

// History copies the accumulated history. When window is positive, Bits is
// limited to the most recent window bits of each lane; blocks and entropy
// scores are always complete.
func (s *State) History(window int) History {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := History{Tick: s.ticks}
	for _, lane := range bitblock.Lanes {
		ls := s.lanes[lane]
		bits := ls.bits
		if window > 0 && len(bits) > window {
			bits = bits[len(bits)-window:]
		}
		h.Bits[lane] = slices.Clone(bits)
		h.Blocks[lane] = slices.Clone(ls.blocks)
		h.Entropies[lane] = ls.entropy.Values()
		h.MoveCounts[lane] = ls.moveCount
	}
	return h
}
