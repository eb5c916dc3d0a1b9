package supplier

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Local draws bits from a PCG generator. It is safe for concurrent use.
type Local struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewLocal seeds a generator from crypto/rand.
func NewLocal() (*Local, error) {
	var b [16]byte
	if _, err := crand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("read random seed: %w", err)
	}
	return NewLocalSeeded(binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:])), nil
}

// NewLocalSeeded returns a reproducible generator.
func NewLocalSeeded(seed1, seed2 uint64) *Local {
	return &Local{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

func (l *Local) Name() string { return string(SourceLocal) }

// Fetch returns n fair bits. Local never reports Live.
func (l *Local) Fetch(ctx context.Context, n int) (Batch, error) {
	if err := checkCount(n); err != nil {
		return Batch{}, err
	}
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	bits := make([]uint8, n)
	l.mu.Lock()
	for i := 0; i < n; i += 64 {
		word := l.rng.Uint64()
		for j := i; j < n && j < i+64; j++ {
			bits[j] = uint8(word & 1)
			word >>= 1
		}
	}
	l.mu.Unlock()
	return Batch{Bits: bits, Source: l.Name()}, nil
}
