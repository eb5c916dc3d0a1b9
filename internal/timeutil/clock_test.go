package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_Now(t *testing.T) {
	fixedTime := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(fixedTime)

	if now := clock.Now(); !now.Equal(fixedTime) {
		t.Errorf("got %v, want %v", now, fixedTime)
	}
	clock.Advance(time.Minute)
	if now := clock.Now(); !now.Equal(fixedTime.Add(time.Minute)) {
		t.Errorf("after Advance got %v", now)
	}
}

func TestMockTicker_FiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(500 * time.Millisecond)

	clock.Advance(400 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(100 * time.Millisecond)
	select {
	case got := <-ticker.C():
		if want := start.Add(500 * time.Millisecond); !got.Equal(want) {
			t.Errorf("tick time = %v, want %v", got, want)
		}
	default:
		t.Fatal("ticker did not fire")
	}
}

// A receiver that falls behind sees one pending tick, not a backlog.
func TestMockTicker_DropsTicksForSlowReceiver(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Second)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
	}

	count := 0
	for {
		select {
		case <-ticker.C():
			count++
			continue
		default:
		}
		break
	}
	if count != 1 {
		t.Errorf("received %d ticks, want 1", count)
	}
}

func TestMockTicker_StopAndReset(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Second)
	ticker.Stop()
	clock.Advance(2 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}

	ticker.Reset(3 * time.Second)
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("reset ticker did not fire once due")
	}
}

func TestMockTicker_Trigger(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Hour).(*MockTicker)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ticker.Trigger(at)
	ticker.Trigger(at) // dropped, channel full

	if got := <-ticker.C(); !got.Equal(at) {
		t.Errorf("Trigger delivered %v, want %v", got, at)
	}
}

func TestMockClock_WaitForTicker(t *testing.T) {
	clock := NewMockClock(time.Time{})
	if clock.WaitForTicker(10 * time.Millisecond) {
		t.Fatal("WaitForTicker reported a ticker that was never created")
	}
	go clock.NewTicker(time.Second)
	if !clock.WaitForTicker(time.Second) {
		t.Fatal("WaitForTicker did not observe the new ticker")
	}
}
