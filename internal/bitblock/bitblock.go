// Package bitblock defines the fixed-size batches of binary values consumed by
// the race on every tick, together with the lane identities they belong to.
package bitblock

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidInput marks malformed input anywhere in the race pipeline: empty
// or out-of-range blocks, empty statistical samples, negative or NaN move
// distances. Callers match it with errors.Is.
var ErrInvalidInput = errors.New("invalid input")

// Lane identifies one of the two independent bit streams.
type Lane int

const (
	LaneA Lane = iota
	LaneB
)

// Lanes lists both lanes in display order.
var Lanes = [2]Lane{LaneA, LaneB}

func (l Lane) String() string {
	switch l {
	case LaneA:
		return "A"
	case LaneB:
		return "B"
	default:
		return fmt.Sprintf("Lane(%d)", int(l))
	}
}

// Label is the column heading used for exports ("Lane A" / "Lane B").
func (l Lane) Label() string {
	return "Lane " + l.String()
}

// Other returns the opposing lane.
func (l Lane) Other() Lane {
	if l == LaneA {
		return LaneB
	}
	return LaneA
}

// Valid reports whether l names a known lane.
func (l Lane) Valid() bool {
	return l == LaneA || l == LaneB
}

// ParseLane accepts "A"/"B" (case-insensitive) or the export labels.
func ParseLane(s string) (Lane, error) {
	switch strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(s, "Lane "))) {
	case "A":
		return LaneA, nil
	case "B":
		return LaneB, nil
	}
	return 0, fmt.Errorf("%w: unknown lane %q", ErrInvalidInput, s)
}

// Block is an immutable ordered run of 0/1 values drawn for one lane.
type Block struct {
	lane Lane
	seq  uint64
	bits []uint8
}

// New validates bits and returns a block that owns a private copy of them.
func New(lane Lane, seq uint64, bits []uint8) (Block, error) {
	if !lane.Valid() {
		return Block{}, fmt.Errorf("%w: unknown lane %d", ErrInvalidInput, int(lane))
	}
	if err := Validate(bits, len(bits)); err != nil {
		return Block{}, err
	}
	cp := make([]uint8, len(bits))
	copy(cp, bits)
	return Block{lane: lane, seq: seq, bits: cp}, nil
}

// Validate checks that bits holds exactly want values, each 0 or 1.
func Validate(bits []uint8, want int) error {
	if want <= 0 {
		return fmt.Errorf("%w: block length must be positive, got %d", ErrInvalidInput, want)
	}
	if len(bits) != want {
		return fmt.Errorf("%w: block has %d bits, want %d", ErrInvalidInput, len(bits), want)
	}
	for i, b := range bits {
		if b > 1 {
			return fmt.Errorf("%w: bit %d has value %d", ErrInvalidInput, i, b)
		}
	}
	return nil
}

func (b Block) Lane() Lane  { return b.lane }
func (b Block) Seq() uint64 { return b.seq }
func (b Block) Len() int    { return len(b.bits) }

// Bits returns a copy of the block contents.
func (b Block) Bits() []uint8 {
	cp := make([]uint8, len(b.bits))
	copy(cp, b.bits)
	return cp
}

// Counts returns the number of zeros and ones in the block.
func (b Block) Counts() (zeros, ones int) {
	return Counts(b.bits)
}

// Majority returns the bit that strictly outnumbers the other. ok is false on
// a tie, in which case the block favours neither bit.
func (b Block) Majority() (bit uint8, ok bool) {
	zeros, ones := b.Counts()
	switch {
	case ones > zeros:
		return 1, true
	case zeros > ones:
		return 0, true
	}
	return 0, false
}

// String renders the block as concatenated bit characters, e.g. "0110100111".
func (b Block) String() string {
	var sb strings.Builder
	sb.Grow(len(b.bits))
	for _, v := range b.bits {
		sb.WriteByte('0' + v)
	}
	return sb.String()
}

// Parse is the inverse of String.
func Parse(lane Lane, seq uint64, s string) (Block, error) {
	bits := make([]uint8, 0, len(s))
	for i, r := range s {
		switch r {
		case '0':
			bits = append(bits, 0)
		case '1':
			bits = append(bits, 1)
		default:
			return Block{}, fmt.Errorf("%w: character %q at %d is not a bit", ErrInvalidInput, r, i)
		}
	}
	return New(lane, seq, bits)
}

// Counts tallies zeros and ones in a raw bit slice. Values other than 0 and
// 1 are ignored; use Validate first when that matters.
func Counts(bits []uint8) (zeros, ones int) {
	for _, v := range bits {
		switch v {
		case 0:
			zeros++
		case 1:
			ones++
		}
	}
	return zeros, ones
}
