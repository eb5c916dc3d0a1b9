package supplier

import (
	"context"
	"sync"
)

// Scripted replays fixed batches in order, then repeats the last one. It
// lets tests and demos drive a race with known bits. Batches must match the
// requested size.
type Scripted struct {
	mu      sync.Mutex
	batches []Batch
	next    int
	calls   int
	// Err, when set, is returned by every Fetch.
	Err error
}

// NewScripted returns a supplier replaying the given bit strings, each
// reported as live.
func NewScripted(bits ...[]uint8) *Scripted {
	s := &Scripted{}
	for _, b := range bits {
		s.batches = append(s.batches, Batch{Bits: b, Live: true, Source: "scripted"})
	}
	return s
}

func (s *Scripted) Name() string { return "scripted" }

// Fetch returns the next scripted batch regardless of n.
func (s *Scripted) Fetch(ctx context.Context, n int) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.Err != nil {
		return Batch{}, s.Err
	}
	if len(s.batches) == 0 {
		return Batch{}, ErrSupplierUnavailable
	}
	b := s.batches[s.next]
	if s.next < len(s.batches)-1 {
		s.next++
	}
	out := b
	out.Bits = append([]uint8(nil), b.Bits...)
	return out, nil
}

// Calls returns how many times Fetch was called.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
