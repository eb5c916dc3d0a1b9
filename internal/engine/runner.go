package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/mindrace/internal/monitoring"
	"github.com/banshee-data/mindrace/internal/race"
	"github.com/banshee-data/mindrace/internal/timeutil"
)

const (
	DefaultTickInterval = 500 * time.Millisecond
	DefaultTickTimeout  = 10 * time.Second
)

// ErrRunning is returned by Start and Run when the runner is already active.
var ErrRunning = errors.New("runner already running")

// Runner ticks a Session at a fixed cadence until it is stopped or the race
// has a winner. A tick that overruns the interval is followed immediately by
// the next one; missed ticks are not queued.
type Runner struct {
	session  *Session
	clock    timeutil.Clock
	interval time.Duration
	// TickTimeout bounds a single tick. Stopping never interrupts a tick in
	// flight, so this also bounds how long Stop can wait.
	TickTimeout time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRunner returns a stopped runner. A nil clock uses the wall clock and a
// non-positive interval selects DefaultTickInterval.
func NewRunner(s *Session, clock timeutil.Clock, interval time.Duration) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Runner{
		session:     s,
		clock:       clock,
		interval:    interval,
		TickTimeout: DefaultTickTimeout,
	}
}

// Interval returns the tick cadence.
func (r *Runner) Interval() time.Duration { return r.interval }

// Start launches the tick loop in a new goroutine.
func (r *Runner) Start(ctx context.Context) error {
	stopCh, doneCh, err := r.begin()
	if err != nil {
		return err
	}
	go func() {
		if err := r.loop(ctx, stopCh, doneCh); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("runner: %v", err)
		}
	}()
	return nil
}

// Run ticks until ctx is cancelled, Stop is called or a winner is declared.
// It returns nil except on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	stopCh, doneCh, err := r.begin()
	if err != nil {
		return err
	}
	return r.loop(ctx, stopCh, doneCh)
}

func (r *Runner) begin() (chan struct{}, chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil, nil, ErrRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	return r.stopCh, r.doneCh, nil
}

func (r *Runner) loop(ctx context.Context, stopCh, doneCh chan struct{}) error {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(doneCh)
	}()

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	monitoring.Logf("runner: started session %s interval=%v", r.session.ID(), r.interval)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("runner: stopping due to context cancellation")
			return ctx.Err()
		case <-stopCh:
			monitoring.Logf("runner: stopping due to Stop() call")
			return nil
		default:
		}

		if r.step(ctx) {
			monitoring.Logf("runner: race finished, stopping")
			return nil
		}

		select {
		case <-ctx.Done():
			monitoring.Logf("runner: stopping due to context cancellation")
			return ctx.Err()
		case <-stopCh:
			monitoring.Logf("runner: stopping due to Stop() call")
			return nil
		case <-ticker.C():
		}
	}
}

// step runs one tick detached from ctx so cancellation lands between ticks.
// It reports whether the race is over.
func (r *Runner) step(ctx context.Context) bool {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.TickTimeout)
	defer cancel()
	out, err := r.session.Tick(tctx)
	if err != nil {
		monitoring.Logf("runner: tick failed: %v", err)
		return false
	}
	return out.Result.Winner != race.NoWinner
}

// Stop asks the loop to exit and waits for the tick in flight, if any. It
// is safe to call multiple times.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	doneCh := r.doneCh
	r.mu.Unlock()

	<-doneCh
}

// IsRunning reports whether the tick loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Done returns a channel closed when the current loop exits, or nil if the
// runner has never started.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doneCh
}
