// Package supplier provides the bit suppliers a race draws from: the
// random.org integer service, a serial hardware generator, and a local
// pseudorandom generator that the others fall back to.
package supplier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/mindrace/internal/bitblock"
)

// ErrSupplierUnavailable reports that an external entropy origin could not
// deliver bits. Fallback recovers from it by switching to the local
// generator.
var ErrSupplierUnavailable = errors.New("bit supplier unavailable")

// Batch is one delivery of bits.
type Batch struct {
	Bits []uint8
	// Live is true when the bits came from the external origin the supplier
	// was configured for rather than a local generator.
	Live bool
	// Source names the supplier that produced the bits.
	Source string
}

// BitSupplier produces exactly n bits per Fetch.
type BitSupplier interface {
	Fetch(ctx context.Context, n int) (Batch, error)
	Name() string
}

// Source selects a supplier in configuration.
type Source string

const (
	SourceLocal     Source = "local"
	SourceRandomOrg Source = "random_org"
	SourceSerial    Source = "serial"
)

// ParseSource accepts local, random_org or serial. Empty selects local.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case "":
		return SourceLocal, nil
	case SourceLocal, SourceRandomOrg, SourceSerial:
		return src, nil
	case "randomorg", "random.org":
		return SourceRandomOrg, nil
	case "truerng":
		return SourceSerial, nil
	}
	return "", fmt.Errorf("unknown bit source %q: expected local, random_org or serial", s)
}

func checkCount(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: requested %d bits", bitblock.ErrInvalidInput, n)
	}
	return nil
}

func unavailable(name string, err error) error {
	return fmt.Errorf("%s: %w: %w", name, ErrSupplierUnavailable, err)
}
