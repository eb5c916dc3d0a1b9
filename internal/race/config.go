package race

import (
	"fmt"
	"strings"
)

// TrackMode selects what happens when a racer runs past the end of the track.
type TrackMode int

const (
	// ModeClamp truncates overshoot at TrackMax.
	ModeClamp TrackMode = iota
	// ModeLap sends a racer that reaches TrackMax back to LapOffset and counts
	// a lap.
	ModeLap
)

func (m TrackMode) String() string {
	switch m {
	case ModeClamp:
		return "clamp"
	case ModeLap:
		return "lap"
	}
	return fmt.Sprintf("TrackMode(%d)", int(m))
}

// ParseTrackMode accepts "clamp" or "lap"; empty selects clamp.
func ParseTrackMode(s string) (TrackMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clamp":
		return ModeClamp, nil
	case "lap", "laps":
		return ModeLap, nil
	}
	return 0, fmt.Errorf("unknown track mode %q: expected clamp or lap", s)
}

// Config fixes the geometry of a race.
type Config struct {
	TrackMax      float64   `json:"track_max"`
	FinishLine    float64   `json:"finish_line"`
	StartPosition float64   `json:"start_position"`
	Mode          TrackMode `json:"mode"`
	LapOffset     float64   `json:"lap_offset"`
	// LapsToWin ends a lap-mode race once a racer completes this many laps.
	// Zero runs laps indefinitely.
	LapsToWin int `json:"laps_to_win"`
}

// DefaultConfig is the race-mode track: start at 50, finish at 900 on a
// 1000-long track.
func DefaultConfig() Config {
	return Config{
		TrackMax:      1000,
		FinishLine:    900,
		StartPosition: 50,
		Mode:          ModeClamp,
		LapOffset:     50,
	}
}

// Validate checks the geometry is self-consistent.
func (c Config) Validate() error {
	if c.TrackMax <= 0 {
		return fmt.Errorf("track_max must be positive, got %v", c.TrackMax)
	}
	if c.StartPosition < 0 || c.StartPosition >= c.TrackMax {
		return fmt.Errorf("start_position %v must lie in [0, %v)", c.StartPosition, c.TrackMax)
	}
	switch c.Mode {
	case ModeClamp:
		if c.FinishLine <= c.StartPosition || c.FinishLine > c.TrackMax {
			return fmt.Errorf("finish_line %v must lie in (%v, %v]", c.FinishLine, c.StartPosition, c.TrackMax)
		}
	case ModeLap:
		if c.LapOffset < 0 || c.LapOffset >= c.TrackMax {
			return fmt.Errorf("lap_offset %v must lie in [0, %v)", c.LapOffset, c.TrackMax)
		}
		if c.LapsToWin < 0 {
			return fmt.Errorf("laps_to_win must be non-negative, got %d", c.LapsToWin)
		}
	default:
		return fmt.Errorf("unknown track mode %d", int(c.Mode))
	}
	return nil
}
