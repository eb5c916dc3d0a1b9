package supplier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/monitoring"
)

// Status describes the health of a Fallback supplier.
type Status struct {
	Primary          string    `json:"primary"`
	Live             bool      `json:"live"`
	Fallbacks        int       `json:"fallbacks"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastError        string    `json:"last_error,omitempty"`
	LastErrorAt      time.Time `json:"last_error_at,omitempty"`
}

// DefaultPrimaryTimeout bounds a single Primary attempt.
const DefaultPrimaryTimeout = 3 * time.Second

// Fallback serves bits from Primary and switches to Local whenever Primary
// fails, hangs past its timeout or returns a malformed batch. Fallback only
// fails when the caller's context ends or Local itself misbehaves.
type Fallback struct {
	Primary BitSupplier
	Local   BitSupplier
	// PrimaryTimeout bounds each Primary attempt. When the caller's context
	// has a deadline, the attempt also gets at most half of what remains so
	// Local always has time to answer. Zero means DefaultPrimaryTimeout.
	PrimaryTimeout time.Duration

	mu     sync.Mutex
	status Status
}

// NewFallback returns a supplier that prefers primary. A nil primary serves
// local bits only.
func NewFallback(primary, local BitSupplier) *Fallback {
	f := &Fallback{Primary: primary, Local: local, PrimaryTimeout: DefaultPrimaryTimeout}
	if primary != nil {
		f.status.Primary = primary.Name()
	} else {
		f.status.Primary = local.Name()
	}
	return f
}

func (f *Fallback) Name() string { return f.status.Primary }

// Fetch returns exactly n bits.
func (f *Fallback) Fetch(ctx context.Context, n int) (Batch, error) {
	if err := checkCount(n); err != nil {
		return Batch{}, err
	}

	if f.Primary != nil {
		pctx, cancel := f.primaryContext(ctx)
		b, err := f.Primary.Fetch(pctx, n)
		cancel()
		if err == nil {
			err = bitblock.Validate(b.Bits, n)
		}
		if err == nil {
			f.record(b.Live, nil)
			return b, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Batch{}, ctxErr
		}
		f.record(false, err)
		monitoring.Logf("supplier: %s failed, using local bits: %v", f.Primary.Name(), err)
	}

	b, err := f.Local.Fetch(ctx, n)
	if err != nil {
		return Batch{}, err
	}
	if err := bitblock.Validate(b.Bits, n); err != nil {
		return Batch{}, fmt.Errorf("%s: %w", f.Local.Name(), err)
	}
	b.Live = false
	if f.Primary == nil {
		f.record(false, nil)
	}
	return b, nil
}

// primaryContext derives the context for one Primary attempt.
func (f *Fallback) primaryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	budget := f.PrimaryTimeout
	if budget <= 0 {
		budget = DefaultPrimaryTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if half := time.Until(deadline) / 2; half < budget {
			budget = half
		}
	}
	return context.WithTimeout(ctx, budget)
}

func (f *Fallback) record(live bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Live = live
	if err == nil {
		f.status.ConsecutiveFails = 0
		return
	}
	f.status.Fallbacks++
	f.status.ConsecutiveFails++
	f.status.LastError = err.Error()
	f.status.LastErrorAt = time.Now()
}

// Status returns a copy of the supplier health.
func (f *Fallback) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}
