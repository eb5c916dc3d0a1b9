package race

import (
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mindrace/internal/bitblock"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	return s
}

func blockPair(t *testing.T, a, b string) [2]bitblock.Block {
	t.Helper()
	ba, err := bitblock.Parse(bitblock.LaneA, 0, a)
	require.NoError(t, err)
	bb, err := bitblock.Parse(bitblock.LaneB, 0, b)
	require.NoError(t, err)
	return [2]bitblock.Block{ba, bb}
}

func TestNew_StartsAtStartLine(t *testing.T) {
	s := newTestState(t)
	snap := s.Snapshot()
	assert.Equal(t, 50.0, snap.Lanes[bitblock.LaneA].Position)
	assert.Equal(t, 50.0, snap.Lanes[bitblock.LaneB].Position)
	assert.Equal(t, NoWinner, snap.Winner)
	assert.False(t, snap.Lanes[bitblock.LaneA].HasThreshold)
}

func TestApplyTick_Scenario(t *testing.T) {
	s := newTestState(t)
	d := 50 * (1 + (0.3-0.1)/0.3)
	r, err := s.ApplyTick(d, 0)
	require.NoError(t, err)
	assert.True(t, r.Applied)
	assert.InDelta(t, 133.3333, r.Positions[bitblock.LaneA], 1e-3)
	assert.Equal(t, 50.0, r.Positions[bitblock.LaneB])
	assert.Equal(t, [2]int{1, 0}, r.MoveCounts)
	assert.Equal(t, uint64(1), r.Tick)
}

func TestApplyTick_RejectsWholeTick(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
	}{
		{"nan first", math.NaN(), 5},
		{"nan second", 5, math.NaN()},
		{"negative", 5, -1},
		{"infinite", math.Inf(1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestState(t)
			before := s.Snapshot()
			_, err := s.ApplyTick(tt.a, tt.b)
			if !errors.Is(err, bitblock.ErrInvalidInput) {
				t.Fatalf("ApplyTick error = %v, want ErrInvalidInput", err)
			}
			if diff := cmp.Diff(before, s.Snapshot()); diff != "" {
				t.Errorf("state changed after rejected tick (-before +after):\n%s", diff)
			}
		})
	}
}

func TestApplyTick_ClampsAtTrackMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FinishLine = 1000
	s, err := New(cfg)
	require.NoError(t, err)

	r, err := s.ApplyTick(5000, 0)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, r.Positions[bitblock.LaneA])
	assert.Equal(t, WinnerA, r.Winner)
}

func TestApplyTick_WinnerIsTerminal(t *testing.T) {
	s := newTestState(t)
	r, err := s.ApplyTick(0, 850)
	require.NoError(t, err)
	assert.True(t, r.Finished)
	assert.Equal(t, WinnerB, r.Winner)
	assert.Equal(t, 900.0, r.Positions[bitblock.LaneB])

	before := s.Snapshot()
	for i := 0; i < 3; i++ {
		r, err = s.ApplyTick(100, 100)
		require.NoError(t, err)
		assert.False(t, r.Applied)
		assert.False(t, r.Finished)
	}
	if diff := cmp.Diff(before, s.Snapshot()); diff != "" {
		t.Errorf("terminal state mutated (-before +after):\n%s", diff)
	}

	s.Reset()
	snap := s.Snapshot()
	assert.Equal(t, NoWinner, snap.Winner)
	assert.Equal(t, 50.0, snap.Lanes[bitblock.LaneB].Position)
	assert.Equal(t, uint64(0), snap.Tick)
}

func TestApplyTick_SimultaneousFinish(t *testing.T) {
	s := newTestState(t)
	r, err := s.ApplyTick(860, 870)
	require.NoError(t, err)
	assert.Equal(t, WinnerB, r.Winner)

	s.Reset()
	r, err = s.ApplyTick(900, 900)
	require.NoError(t, err)
	assert.Equal(t, WinnerA, r.Winner, "exact tie goes to lane A")
}

func TestApplyTick_LapMode(t *testing.T) {
	cfg := Config{TrackMax: 1000, StartPosition: 50, Mode: ModeLap, LapOffset: 10, LapsToWin: 2}
	s, err := New(cfg)
	require.NoError(t, err)

	r, err := s.ApplyTick(960, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Laps[bitblock.LaneA])
	assert.Equal(t, 10.0, r.Positions[bitblock.LaneA])
	assert.Equal(t, NoWinner, r.Winner)

	r, err = s.ApplyTick(995, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Laps[bitblock.LaneA])
	assert.Equal(t, WinnerA, r.Winner)
}

func TestApplyTick_LapModeEndless(t *testing.T) {
	cfg := Config{TrackMax: 100, StartPosition: 0, Mode: ModeLap, LapOffset: 5}
	s, err := New(cfg)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := s.ApplyTick(100, 0)
		require.NoError(t, err)
	}
	snap := s.Snapshot()
	assert.Equal(t, 10, snap.Lanes[bitblock.LaneA].Laps)
	assert.Equal(t, NoWinner, snap.Winner)
}

func TestCommit_RecordsHistory(t *testing.T) {
	s := newTestState(t)
	blocks := blockPair(t, "1111111111", "0101010101")
	r, err := s.Commit(WithBlocks(blocks, [2]float64{0, 1}, [2]float64{0, 0}, true))
	require.NoError(t, err)
	assert.Equal(t, [2]float64{0, 1}, r.Thresholds)

	h := s.History(0)
	assert.Len(t, h.Bits[bitblock.LaneA], 10)
	assert.Equal(t, []float64{1}, h.Entropies[bitblock.LaneB])
	assert.Equal(t, "1111111111", h.Blocks[bitblock.LaneA][0].String())

	snap := s.Snapshot()
	assert.True(t, snap.Live)
	assert.Equal(t, "0101010101", snap.Lanes[bitblock.LaneB].LastBlock)
	assert.Equal(t, 1.0, snap.Lanes[bitblock.LaneB].LastEntropy)
	assert.Equal(t, 0, snap.Lanes[bitblock.LaneA].MoveCount)
	assert.Equal(t, 1, s.BlockCount(bitblock.LaneA))
	assert.Equal(t, snap.Lanes[bitblock.LaneB].BlockCount, s.BlockCount(bitblock.LaneB))
}

func TestCommit_RejectsMisfiledBlock(t *testing.T) {
	s := newTestState(t)
	blocks := blockPair(t, "11", "00")
	blocks[0], blocks[1] = blocks[1], blocks[0]
	_, err := s.Commit(WithBlocks(blocks, [2]float64{0, 0}, [2]float64{}, false))
	assert.ErrorIs(t, err, bitblock.ErrInvalidInput)
	assert.Equal(t, 0, s.Snapshot().Lanes[bitblock.LaneA].BlockCount)
}

func TestCommit_RejectsBadEntropyWithoutPartialWrite(t *testing.T) {
	s := newTestState(t)
	blocks := blockPair(t, "11", "00")
	_, err := s.Commit(WithBlocks(blocks, [2]float64{0, math.NaN()}, [2]float64{10, 0}, false))
	assert.ErrorIs(t, err, bitblock.ErrInvalidInput)
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.Lanes[bitblock.LaneA].BlockCount)
	assert.Equal(t, 50.0, snap.Lanes[bitblock.LaneA].Position)
}

func TestHistory_Window(t *testing.T) {
	s := newTestState(t)
	for i := 0; i < 3; i++ {
		_, err := s.Commit(WithBlocks(blockPair(t, "1100", "0011"), [2]float64{1, 1}, [2]float64{}, false))
		require.NoError(t, err)
	}
	h := s.History(6)
	assert.Equal(t, []uint8{0, 0, 1, 1, 0, 0}, h.Bits[bitblock.LaneA])
	assert.Len(t, h.Blocks[bitblock.LaneA], 3)
}

func TestPreview_DoesNotMutate(t *testing.T) {
	s := newTestState(t)
	th, n, err := s.Preview([2]float64{0.4, 0.6})
	require.NoError(t, err)
	assert.Equal(t, [2]float64{0.4, 0.6}, th)
	assert.Equal(t, [2]int{1, 1}, n)
	assert.Equal(t, 0, s.Snapshot().Lanes[bitblock.LaneA].BlockCount)

	_, _, err = s.Preview([2]float64{2, 0})
	assert.ErrorIs(t, err, bitblock.ErrInvalidInput)
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{TrackMax: 0},
		{TrackMax: 100, StartPosition: 100, FinishLine: 90},
		{TrackMax: 100, StartPosition: 10, FinishLine: 5},
		{TrackMax: 100, StartPosition: 10, Mode: ModeLap, LapOffset: 100},
		{TrackMax: 100, StartPosition: 10, Mode: TrackMode(9)},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("config %d: expected validation error", i)
		}
	}
	require.NoError(t, DefaultConfig().Validate())

	m, err := ParseTrackMode("LAP")
	require.NoError(t, err)
	assert.Equal(t, ModeLap, m)
}

// Readers running alongside the writer must only ever observe positions
// that differ from the start by whole ticks.
func TestSnapshot_ConcurrentReadersSeeWholeTicks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FinishLine = 1000
	s, err := New(cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := s.Snapshot()
				a := snap.Lanes[bitblock.LaneA].Position - 50
				b := snap.Lanes[bitblock.LaneB].Position - 50
				if a != 2*b {
					t.Errorf("torn snapshot at tick %d: a=%v b=%v", snap.Tick, a, b)
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		_, err := s.ApplyTick(2, 1)
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()
}

func TestWinner_JSON(t *testing.T) {
	type body struct {
		Winner Winner `json:"winner"`
	}
	raw, err := json.Marshal(body{Winner: WinnerB})
	require.NoError(t, err)
	assert.JSONEq(t, `{"winner":"B"}`, string(raw))

	var got body
	require.NoError(t, json.Unmarshal([]byte(`{"winner":"none"}`), &got))
	assert.Equal(t, NoWinner, got.Winner)
	require.NoError(t, json.Unmarshal([]byte(`{"winner":"A"}`), &got))
	assert.Equal(t, WinnerA, got.Winner)

	err = json.Unmarshal([]byte(`{"winner":"C"}`), &got)
	assert.Error(t, err)
}
