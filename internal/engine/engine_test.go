package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mindrace/internal/audit"
	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/db"
	"github.com/banshee-data/mindrace/internal/monitoring"
	"github.com/banshee-data/mindrace/internal/race"
	"github.com/banshee-data/mindrace/internal/supplier"
	"github.com/banshee-data/mindrace/internal/testutil"
	"github.com/banshee-data/mindrace/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// twoTickScript gives lane A a balanced block then an all-zero block while
// lane B stays balanced. Under cross attribution the second block moves
// racer B by 100 at the default multiplier.
func twoTickScript(t *testing.T) *supplier.Scripted {
	return supplier.NewScripted(
		testutil.Bits(t, "0101010101 0101010101"),
		testutil.Bits(t, "0000000000 0101010101"),
	)
}

func newTestSession(t *testing.T, sup supplier.BitSupplier, mutate func(*Options)) *Session {
	t.Helper()
	opts := DefaultOptions()
	opts.Clock = timeutil.NewMockClock(epoch)
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(context.Background(), sup, opts)
	require.NoError(t, err)
	return s
}

func TestSession_TickPipeline(t *testing.T) {
	s := newTestSession(t, twoTickScript(t), nil)
	ctx := context.Background()

	first, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, first.Result.Applied)
	assert.Equal(t, uint64(1), first.Result.Tick)
	assert.Equal(t, [2]float64{0, 0}, first.Result.Moves, "a single history point never moves")
	assert.True(t, first.Live)
	require.NotNil(t, first.Report)

	second, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, [2]float64{0, 100}, second.Result.Moves)
	assert.Equal(t, [2]float64{50, 150}, second.Result.Positions)

	a := second.Lanes[bitblock.LaneA]
	assert.True(t, a.Rare)
	assert.True(t, a.Credited)
	assert.Equal(t, bitblock.LaneB, a.CreditedTo)
	assert.Equal(t, 0, a.Majority)
	assert.InDelta(t, 0.05, a.Threshold, 1e-12)
	assert.False(t, second.Lanes[bitblock.LaneB].Rare)

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Tick)
	assert.Equal(t, 20, snap.Lanes[bitblock.LaneA].BitCount)
	assert.Equal(t, "0000000000", snap.Lanes[bitblock.LaneA].LastBlock)
	assert.Equal(t, 1, snap.Lanes[bitblock.LaneB].MoveCount)

	// 5 ones in 20 bits: two-sided binomial p is about 0.041.
	var names []string
	for _, an := range second.Anomalies {
		names = append(names, an.Result.Name)
	}
	assert.Contains(t, names, audit.TestBalanceA)
	assert.NotEmpty(t, s.Anomalies())

	rep, ok := s.LastReport()
	require.True(t, ok)
	assert.Equal(t, uint64(2), rep.Tick)
}

func TestSession_WinnerIsTerminal(t *testing.T) {
	sup := twoTickScript(t)
	hub := NewHub()
	id, events := hub.Subscribe(64)
	defer hub.Unsubscribe(id)

	s := newTestSession(t, sup, func(o *Options) {
		o.Race = race.Config{TrackMax: 200, FinishLine: 120, StartPosition: 50, Mode: race.ModeClamp}
		o.Hub = hub
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.Tick(ctx)
		require.NoError(t, err)
	}
	snap := s.Snapshot()
	require.Equal(t, race.WinnerB, snap.Winner)

	calls := sup.Calls()
	out, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, out.Result.Applied)
	assert.Equal(t, calls, sup.Calls(), "no bits are fetched once the race is over")
	assert.Equal(t, snap, s.Snapshot())

	var kinds []EventKind
	for len(events) > 0 {
		e := <-events
		kinds = append(kinds, e.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventTick, kinds[0])
	assert.Equal(t, EventWinner, kinds[len(kinds)-1])
	assert.Contains(t, kinds, EventAnomaly)
}

func TestSession_MalformedBatchAbortsTick(t *testing.T) {
	sup := supplier.NewScripted(testutil.Bits(t, "0101010101 010101010"))
	s := newTestSession(t, sup, nil)

	_, err := s.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, bitblock.ErrInvalidInput), "got %v", err)
	assert.Equal(t, uint64(0), s.Snapshot().Tick)
}

func TestSession_SupplierErrorAbortsTick(t *testing.T) {
	sup := supplier.NewScripted()
	sup.Err = supplier.ErrSupplierUnavailable
	s := newTestSession(t, sup, nil)

	_, err := s.Tick(context.Background())
	require.ErrorIs(t, err, supplier.ErrSupplierUnavailable)
	assert.Equal(t, uint64(0), s.Snapshot().Tick)
}

func TestSession_FallbackKeepsRacing(t *testing.T) {
	primary := supplier.NewScripted()
	primary.Err = errors.New("network down")
	fb := supplier.NewFallback(primary, supplier.NewLocalSeeded(1, 2))
	s := newTestSession(t, fb, nil)

	out, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, out.Live)
	assert.False(t, s.Snapshot().Live)

	st, ok := s.SupplierStatus()
	require.True(t, ok)
	assert.Equal(t, 1, st.Fallbacks)
}

func TestSession_Multiplier(t *testing.T) {
	s := newTestSession(t, twoTickScript(t), nil)
	assert.Equal(t, 50.0, s.Multiplier())

	require.NoError(t, s.SetMultiplier(10))
	assert.ErrorIs(t, s.SetMultiplier(0), bitblock.ErrInvalidInput)
	assert.ErrorIs(t, s.SetMultiplier(101), bitblock.ErrInvalidInput)
	assert.Equal(t, 10.0, s.Multiplier())

	ctx := context.Background()
	_, err := s.Tick(ctx)
	require.NoError(t, err)
	out, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, [2]float64{0, 20}, out.Result.Moves)
}

func TestNewSession_Rejects(t *testing.T) {
	ctx := context.Background()
	_, err := NewSession(ctx, nil, DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.BlockSize = -1
	_, err = NewSession(ctx, supplier.NewScripted(), opts)
	assert.ErrorIs(t, err, bitblock.ErrInvalidInput)

	opts = DefaultOptions()
	opts.Multiplier = 500
	_, err = NewSession(ctx, supplier.NewScripted(), opts)
	assert.ErrorIs(t, err, bitblock.ErrInvalidInput)

	opts = DefaultOptions()
	opts.Race.FinishLine = 5000
	_, err = NewSession(ctx, supplier.NewScripted(), opts)
	assert.Error(t, err)
}

func TestSession_ReportBeforeFirstTick(t *testing.T) {
	s := newTestSession(t, twoTickScript(t), nil)
	_, err := s.Report()
	assert.Error(t, err)
	_, ok := s.LastReport()
	assert.False(t, ok)
}

func TestSession_Reset(t *testing.T) {
	hub := NewHub()
	s := newTestSession(t, twoTickScript(t), func(o *Options) { o.Hub = hub })
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.Tick(ctx)
		require.NoError(t, err)
	}
	old := s.ID()

	subID, events := hub.Subscribe(4)
	defer hub.Unsubscribe(subID)

	id := s.Reset(ctx)
	assert.NotEqual(t, old, id)
	assert.Equal(t, id, s.ID())

	snap := s.Snapshot()
	assert.Equal(t, uint64(0), snap.Tick)
	assert.Equal(t, [2]float64{50, 50}, [2]float64{snap.Lanes[0].Position, snap.Lanes[1].Position})
	assert.Empty(t, s.Anomalies())
	_, ok := s.LastReport()
	assert.False(t, ok)

	select {
	case e := <-events:
		assert.Equal(t, EventReset, e.Kind)
		assert.Equal(t, id, e.SessionID)
	default:
		t.Fatal("expected a reset event")
	}
}

func TestSession_PersistsToStore(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "race.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := newTestSession(t, twoTickScript(t), func(o *Options) {
		o.Race = race.Config{TrackMax: 200, FinishLine: 120, StartPosition: 50}
		o.Store = store
		o.Source = "scripted"
		o.ConfigJSON = `{"block_size":10}`
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.Tick(ctx)
		require.NoError(t, err)
	}

	sess, err := store.GetSession(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, "B", sess.Winner)
	assert.Equal(t, uint64(2), sess.Ticks)
	assert.Equal(t, "scripted", sess.Source)
	require.NotNil(t, sess.EndedAt)

	ticks, err := store.SessionTicks(ctx, s.ID())
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, [2]string{"0000000000", "0101010101"}, ticks[1].Blocks)
	assert.Equal(t, [2]float64{50, 150}, ticks[1].Positions)

	anomalies, err := store.SessionAnomalies(ctx, s.ID())
	require.NoError(t, err)
	assert.NotEmpty(t, anomalies)

	// resetting an unfinished race closes it without a winner
	s2 := newTestSession(t, twoTickScript(t), func(o *Options) { o.Store = store })
	_, err = s2.Tick(ctx)
	require.NoError(t, err)
	abandoned := s2.ID()
	s2.Reset(ctx)
	sess, err = store.GetSession(ctx, abandoned)
	require.NoError(t, err)
	assert.Equal(t, "none", sess.Winner)
	assert.NotNil(t, sess.EndedAt)
}

func TestHub(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(1)
	assert.Equal(t, 1, h.Subscribers())

	h.Publish(Event{Kind: EventTick, Tick: 1})
	h.Publish(Event{Kind: EventTick, Tick: 2}) // buffer full, dropped
	assert.Equal(t, 1, h.Dropped(id))
	e := <-ch
	assert.Equal(t, uint64(1), e.Tick)

	h.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
	h.Unsubscribe(id)

	id2, ch2 := h.Subscribe(0)
	h.Close()
	_, open = <-ch2
	assert.False(t, open)
	assert.Equal(t, 0, h.Dropped(id2))

	_, ch3 := h.Subscribe(1)
	_, open = <-ch3
	assert.False(t, open, "subscriptions after Close are closed immediately")
	h.Close()
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestRunner_PacedByClock(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	local := supplier.NewLocalSeeded(7, 7)
	s := newTestSession(t, local, func(o *Options) {
		o.Clock = clock
		o.Race.FinishLine = 1000
		o.Race.TrackMax = 1000
		o.Race.Mode = race.ModeLap
	})
	id, events := s.Hub().Subscribe(64)
	defer s.Hub().Unsubscribe(id)

	r := NewRunner(s, clock, time.Second)
	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrRunning)
	require.True(t, clock.WaitForTicker(2*time.Second))

	e := waitEvent(t, events, EventTick)
	assert.Equal(t, uint64(1), e.Tick, "first tick runs immediately")

	clock.Advance(time.Second)
	e = waitEvent(t, events, EventTick)
	assert.Equal(t, uint64(2), e.Tick)
	assert.True(t, r.IsRunning())

	r.Stop()
	assert.False(t, r.IsRunning())
	r.Stop()

	ticks := s.Snapshot().Tick
	clock.Advance(5 * time.Second)
	assert.Equal(t, ticks, s.Snapshot().Tick)
}

func TestRunner_StopsOnWinner(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	s := newTestSession(t, twoTickScript(t), func(o *Options) {
		o.Clock = clock
		o.Race = race.Config{TrackMax: 200, FinishLine: 120, StartPosition: 50}
	})
	r := NewRunner(s, clock, time.Second)
	require.NoError(t, r.Start(context.Background()))
	require.True(t, clock.WaitForTicker(2*time.Second))

	done := r.Done()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			assert.Equal(t, race.WinnerB, s.Snapshot().Winner)
			assert.False(t, r.IsRunning())
			return
		case <-deadline:
			t.Fatal("runner did not stop after the winner was declared")
		case <-time.After(10 * time.Millisecond):
			clock.Advance(time.Second)
		}
	}
}

func TestRunner_CancelledBeforeFirstTick(t *testing.T) {
	sup := twoTickScript(t)
	s := newTestSession(t, sup, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(s, timeutil.NewMockClock(epoch), 0)
	assert.Equal(t, DefaultTickInterval, r.Interval())
	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sup.Calls())
	assert.False(t, r.IsRunning())
}

func TestRunner_KeepsGoingAfterTickError(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	sup := supplier.NewScripted()
	sup.Err = errors.New("flaky")
	s := newTestSession(t, sup, func(o *Options) { o.Clock = clock })

	r := NewRunner(s, clock, time.Second)
	require.NoError(t, r.Start(context.Background()))
	require.True(t, clock.WaitForTicker(2*time.Second))

	deadline := time.Now().Add(2 * time.Second)
	for sup.Calls() < 3 && time.Now().Before(deadline) {
		clock.Advance(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, sup.Calls(), 3)
	assert.True(t, r.IsRunning())
	r.Stop()
}

// gatedSupplier parks Fetch while hold is set until release fires. entered
// reports each parked call.
type gatedSupplier struct {
	supplier.BitSupplier
	hold    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedSupplier(inner supplier.BitSupplier) *gatedSupplier {
	return &gatedSupplier{
		BitSupplier: inner,
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (g *gatedSupplier) Fetch(ctx context.Context, n int) (supplier.Batch, error) {
	if g.hold.Load() {
		g.entered <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return supplier.Batch{}, ctx.Err()
		}
	}
	return g.BitSupplier.Fetch(ctx, n)
}

func waitEntered(t *testing.T, g *gatedSupplier) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Fetch")
	}
}

func lapSession(t *testing.T, sup supplier.BitSupplier, clock *timeutil.MockClock) *Session {
	return newTestSession(t, sup, func(o *Options) {
		o.Clock = clock
		o.Race.FinishLine = 1000
		o.Race.TrackMax = 1000
		o.Race.Mode = race.ModeLap
	})
}

func TestRunner_OverrunTickSkipsMissedTicks(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	sup := newGatedSupplier(supplier.NewLocalSeeded(7, 7))
	s := lapSession(t, sup, clock)
	id, events := s.Hub().Subscribe(64)
	defer s.Hub().Unsubscribe(id)

	r := NewRunner(s, clock, time.Second)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	require.True(t, clock.WaitForTicker(2*time.Second))
	waitEvent(t, events, EventTick)

	sup.hold.Store(true)
	clock.Advance(time.Second)
	waitEntered(t, sup)

	// five intervals pass while tick 2 is stuck in Fetch
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
	}
	sup.hold.Store(false)
	close(sup.release)

	assert.Equal(t, uint64(2), waitEvent(t, events, EventTick).Tick)
	assert.Equal(t, uint64(3), waitEvent(t, events, EventTick).Tick, "an overrun is followed by one immediate tick")

	quiet := time.After(100 * time.Millisecond)
drain:
	for {
		select {
		case e := <-events:
			if e.Kind == EventTick {
				t.Fatalf("missed ticks were queued: got tick %d", e.Tick)
			}
		case <-quiet:
			break drain
		}
	}
	assert.Equal(t, uint64(3), s.Snapshot().Tick)

	clock.Advance(time.Second)
	assert.Equal(t, uint64(4), waitEvent(t, events, EventTick).Tick, "pacing resumes on the next interval")
}

func TestRunner_CancelMidTickCommitsThenStops(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	sup := newGatedSupplier(supplier.NewLocalSeeded(7, 7))
	sup.hold.Store(true)
	s := lapSession(t, sup, clock)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(s, clock, time.Second)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	waitEntered(t, sup)
	cancel()
	sup.hold.Store(false)
	close(sup.release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit after cancellation")
	}
	assert.False(t, r.IsRunning())

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Tick, "the tick in flight completes")
	for _, lane := range bitblock.Lanes {
		assert.Equal(t, 1, snap.Lanes[lane].BlockCount)
		assert.Equal(t, 10, snap.Lanes[lane].BitCount)
	}

	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(1), s.Snapshot().Tick, "no tick after the loop exits")
}

// stalledSupplier models a remote source that never answers.
type stalledSupplier struct{}

func (stalledSupplier) Name() string { return "stalled" }

func (stalledSupplier) Fetch(ctx context.Context, n int) (supplier.Batch, error) {
	<-ctx.Done()
	return supplier.Batch{}, ctx.Err()
}

func TestRunner_HungPrimaryFallsBackWithinTickTimeout(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	fb := supplier.NewFallback(stalledSupplier{}, supplier.NewLocalSeeded(1, 2))
	s := lapSession(t, fb, clock)
	id, events := s.Hub().Subscribe(64)
	defer s.Hub().Unsubscribe(id)

	r := NewRunner(s, clock, time.Second)
	r.TickTimeout = 200 * time.Millisecond
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	require.True(t, clock.WaitForTicker(2*time.Second))

	e := waitEvent(t, events, EventTick)
	assert.Equal(t, uint64(1), e.Tick)
	clock.Advance(time.Second)
	assert.Equal(t, uint64(2), waitEvent(t, events, EventTick).Tick)

	assert.False(t, s.Snapshot().Live)
	st := fb.Status()
	assert.Equal(t, 2, st.Fallbacks)
	assert.False(t, st.Live)
}
