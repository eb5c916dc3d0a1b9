package supplier

import (
	"context"
	"fmt"

	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/serialport"
)

// BitReader is satisfied by *serialport.Device.
type BitReader interface {
	ReadBits(ctx context.Context, n int) ([]uint8, error)
}

var _ BitReader = (*serialport.Device)(nil)

// Serial reads bits from a hardware generator on a serial port.
type Serial struct {
	Device BitReader
}

// NewSerial wraps dev.
func NewSerial(dev BitReader) *Serial {
	return &Serial{Device: dev}
}

func (s *Serial) Name() string { return string(SourceSerial) }

// Fetch reads n bits from the device.
func (s *Serial) Fetch(ctx context.Context, n int) (Batch, error) {
	if err := checkCount(n); err != nil {
		return Batch{}, err
	}
	bits, err := s.Device.ReadBits(ctx, n)
	if err != nil {
		if ctx.Err() != nil {
			return Batch{}, ctx.Err()
		}
		return Batch{}, unavailable(s.Name(), err)
	}
	if len(bits) != n {
		return Batch{}, fmt.Errorf("%s: %w: asked for %d bits, got %d", s.Name(), bitblock.ErrInvalidInput, n, len(bits))
	}
	return Batch{Bits: bits, Live: true, Source: s.Name()}, nil
}
