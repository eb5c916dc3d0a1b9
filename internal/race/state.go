// Package race owns the racers: their positions, lap and move counters, and
// the full bit and entropy history that the statistics are computed from.
//
// State has a single writer (the tick loop) and any number of readers. Every
// mutation happens under the write lock in one step, so readers see either the
// state before a tick or the state after it, never a mix.
package race

import (
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/entropy"
)

// Winner records which racer, if any, has finished.
type Winner int

const (
	NoWinner Winner = iota
	WinnerA
	WinnerB
)

func winnerOf(l bitblock.Lane) Winner {
	if l == bitblock.LaneA {
		return WinnerA
	}
	return WinnerB
}

// Lane returns the winning lane. ok is false when nobody has won.
func (w Winner) Lane() (bitblock.Lane, bool) {
	switch w {
	case WinnerA:
		return bitblock.LaneA, true
	case WinnerB:
		return bitblock.LaneB, true
	}
	return 0, false
}

func (w Winner) String() string {
	if l, ok := w.Lane(); ok {
		return l.String()
	}
	return "none"
}

func (w Winner) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

// UnmarshalText accepts "none", "A" or "B".
func (w *Winner) UnmarshalText(b []byte) error {
	if s := string(b); s == "none" || s == "" {
		*w = NoWinner
		return nil
	}
	l, err := bitblock.ParseLane(string(b))
	if err != nil {
		return fmt.Errorf("winner: %w", err)
	}
	*w = winnerOf(l)
	return nil
}

type laneState struct {
	position  float64
	laps      int
	moveCount int
	bits      []uint8
	blocks    []bitblock.Block
	entropy   *entropy.History
}

func newLaneState(start float64) *laneState {
	return &laneState{position: start, entropy: entropy.NewHistory()}
}

// State is the race in progress.
type State struct {
	mu     sync.RWMutex
	cfg    Config
	lanes  [2]*laneState
	winner Winner
	ticks  uint64
	live   bool
}

// New returns a race at the configured start line.
func New(cfg Config) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &State{cfg: cfg}
	s.resetLocked()
	return s, nil
}

// Config returns the race geometry.
func (s *State) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// TickInput is everything a tick commits. Blocks and Entropies may be left
// zero-valued when only positions should change (see ApplyTick).
type TickInput struct {
	Blocks    [2]bitblock.Block
	Entropies [2]float64
	Moves     [2]float64
	// Live reports whether the blocks came from the intended external source.
	Live bool

	withHistory bool
}

// WithBlocks returns a TickInput that records blocks and their entropy
// scores as well as applying moves.
func WithBlocks(blocks [2]bitblock.Block, entropies, moves [2]float64, live bool) TickInput {
	return TickInput{Blocks: blocks, Entropies: entropies, Moves: moves, Live: live, withHistory: true}
}

// TickResult describes a committed (or skipped) tick.
type TickResult struct {
	Tick       uint64     `json:"tick"`
	Applied    bool       `json:"applied"`
	Moves      [2]float64 `json:"moves"`
	Positions  [2]float64 `json:"positions"`
	Laps       [2]int     `json:"laps"`
	MoveCounts [2]int     `json:"move_counts"`
	Thresholds [2]float64 `json:"thresholds"`
	Winner     Winner     `json:"winner"`
	// Finished is true only on the tick that declared the winner.
	Finished bool `json:"finished"`
}

// ApplyTick advances racer A by a and racer B by b. Negative or NaN distances
// reject the whole tick. Once a winner is set, ApplyTick does nothing until
// Reset.
func (s *State) ApplyTick(a, b float64) (TickResult, error) {
	return s.Commit(TickInput{Moves: [2]float64{a, b}})
}

// Commit validates in and, if it is well formed and the race has no winner,
// applies it in full.
func (s *State) Commit(in TickInput) (TickResult, error) {
	if err := validateInput(in); err != nil {
		return TickResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.winner != NoWinner {
		return s.resultLocked(false, [2]float64{}), nil
	}

	// Scores were range-checked above, so these appends cannot fail and the
	// tick stays all-or-nothing.
	if in.withHistory {
		for _, lane := range bitblock.Lanes {
			ls := s.lanes[lane]
			if _, err := ls.entropy.Append(in.Entropies[lane]); err != nil {
				panic(fmt.Sprintf("race: validated entropy rejected: %v", err))
			}
			ls.blocks = append(ls.blocks, in.Blocks[lane])
			ls.bits = append(ls.bits, in.Blocks[lane].Bits()...)
		}
		s.live = in.Live
	}

	for _, lane := range bitblock.Lanes {
		s.advanceLocked(lane, in.Moves[lane])
	}
	s.ticks++

	finished := false
	if w := s.checkWinnerLocked(); w != NoWinner {
		s.winner = w
		finished = true
	}
	r := s.resultLocked(true, in.Moves)
	r.Finished = finished
	return r, nil
}

func validateInput(in TickInput) error {
	for _, lane := range bitblock.Lanes {
		d := in.Moves[lane]
		if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
			return fmt.Errorf("%w: lane %s distance %v", bitblock.ErrInvalidInput, lane, d)
		}
		if !in.withHistory {
			continue
		}
		b := in.Blocks[lane]
		if b.Len() == 0 {
			return fmt.Errorf("%w: lane %s has no block", bitblock.ErrInvalidInput, lane)
		}
		if b.Lane() != lane {
			return fmt.Errorf("%w: block for lane %s recorded under lane %s", bitblock.ErrInvalidInput, b.Lane(), lane)
		}
		e := in.Entropies[lane]
		if math.IsNaN(e) || e < 0 || e > 1 {
			return fmt.Errorf("%w: lane %s entropy %v", bitblock.ErrInvalidInput, lane, e)
		}
	}
	return nil
}

func (s *State) advanceLocked(lane bitblock.Lane, d float64) {
	if d == 0 {
		return
	}
	ls := s.lanes[lane]
	ls.moveCount++
	next := ls.position + d
	switch s.cfg.Mode {
	case ModeLap:
		if next >= s.cfg.TrackMax {
			ls.laps++
			next = s.cfg.LapOffset
		}
	default:
		next = math.Min(next, s.cfg.TrackMax)
	}
	ls.position = next
}

func (s *State) checkWinnerLocked() Winner {
	var finished [2]bool
	for _, lane := range bitblock.Lanes {
		ls := s.lanes[lane]
		switch s.cfg.Mode {
		case ModeLap:
			finished[lane] = s.cfg.LapsToWin > 0 && ls.laps >= s.cfg.LapsToWin
		default:
			finished[lane] = ls.position >= s.cfg.FinishLine
		}
	}
	a, b := s.lanes[bitblock.LaneA], s.lanes[bitblock.LaneB]
	switch {
	case finished[bitblock.LaneA] && finished[bitblock.LaneB]:
		// Both crossed on the same tick: the one further along wins, lane A
		// on an exact tie.
		if b.laps > a.laps || (b.laps == a.laps && b.position > a.position) {
			return WinnerB
		}
		return WinnerA
	case finished[bitblock.LaneA]:
		return WinnerA
	case finished[bitblock.LaneB]:
		return WinnerB
	}
	return NoWinner
}

func (s *State) resultLocked(applied bool, moves [2]float64) TickResult {
	r := TickResult{Tick: s.ticks, Applied: applied, Moves: moves, Winner: s.winner}
	for _, lane := range bitblock.Lanes {
		ls := s.lanes[lane]
		r.Positions[lane] = ls.position
		r.Laps[lane] = ls.laps
		r.MoveCounts[lane] = ls.moveCount
		if th, ok := ls.entropy.Threshold(); ok {
			r.Thresholds[lane] = th
		}
	}
	return r
}

// Reset returns both racers to the start line and discards all history.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *State) resetLocked() {
	for _, lane := range bitblock.Lanes {
		s.lanes[lane] = newLaneState(s.cfg.StartPosition)
	}
	s.winner = NoWinner
	s.ticks = 0
	s.live = false
}

// BlockCount returns how many blocks lane has recorded.
func (s *State) BlockCount(lane bitblock.Lane) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lanes[lane].blocks)
}

// Winner returns the current winner.
func (s *State) Winner() Winner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.winner
}

// Preview reports, for each lane, what the threshold and history length
// would be after recording the given entropy scores. It does not modify the
// state.
func (s *State) Preview(entropies [2]float64) (thresholds [2]float64, historyLens [2]int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lane := range bitblock.Lanes {
		h := s.lanes[lane].entropy
		th, err := h.ThresholdWith(entropies[lane])
		if err != nil {
			return thresholds, historyLens, fmt.Errorf("lane %s: %w", lane, err)
		}
		thresholds[lane] = th
		historyLens[lane] = h.Len() + 1
	}
	return thresholds, historyLens, nil
}
