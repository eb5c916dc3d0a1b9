package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/mindrace/internal/audit"
	"github.com/banshee-data/mindrace/internal/race"
	"github.com/banshee-data/mindrace/internal/rarity"
	"github.com/banshee-data/mindrace/internal/supplier"
)

// DefaultConfigPath is the path to the canonical race defaults file.
const DefaultConfigPath = "config/race.defaults.json"

// EnvPrefix is prepended to every environment override, e.g.
// MINDRACE_MULTIPLIER.
const EnvPrefix = "MINDRACE_"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// RaceConfig is the race configuration file. Every field is optional; the
// Get* accessors supply defaults for anything left out.
type RaceConfig struct {
	// Track geometry
	TrackMax      *float64 `json:"track_max,omitempty" yaml:"track_max,omitempty" env:"TRACK_MAX"`
	FinishLine    *float64 `json:"finish_line,omitempty" yaml:"finish_line,omitempty" env:"FINISH_LINE"`
	StartPosition *float64 `json:"start_position,omitempty" yaml:"start_position,omitempty" env:"START_POSITION"`
	TrackMode     *string  `json:"track_mode,omitempty" yaml:"track_mode,omitempty" env:"TRACK_MODE"` // "clamp" or "lap"
	LapOffset     *float64 `json:"lap_offset,omitempty" yaml:"lap_offset,omitempty" env:"LAP_OFFSET"`
	LapsToWin     *int     `json:"laps_to_win,omitempty" yaml:"laps_to_win,omitempty" env:"LAPS_TO_WIN"`

	// Movement
	Multiplier  *float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty" env:"MULTIPLIER"`
	BlockSize   *int     `json:"block_size,omitempty" yaml:"block_size,omitempty" env:"BLOCK_SIZE"`
	Formula     *string  `json:"formula,omitempty" yaml:"formula,omitempty" env:"FORMULA"`
	Attribution *string  `json:"attribution,omitempty" yaml:"attribution,omitempty" env:"ATTRIBUTION"`
	PlayerABit  *int     `json:"player_a_bit,omitempty" yaml:"player_a_bit,omitempty" env:"PLAYER_A_BIT"`

	// Pacing
	TickInterval *string `json:"tick_interval,omitempty" yaml:"tick_interval,omitempty" env:"TICK_INTERVAL"` // duration string like "500ms"

	// Auditing
	AuditWindow    *int     `json:"audit_window,omitempty" yaml:"audit_window,omitempty" env:"AUDIT_WINDOW"`
	AuditEvery     *int     `json:"audit_every,omitempty" yaml:"audit_every,omitempty" env:"AUDIT_EVERY"`
	Significance   *float64 `json:"significance,omitempty" yaml:"significance,omitempty" env:"SIGNIFICANCE"`
	AnomalyHistory *int     `json:"anomaly_history,omitempty" yaml:"anomaly_history,omitempty" env:"ANOMALY_HISTORY"`

	// Bit source
	Source       *string `json:"source,omitempty" yaml:"source,omitempty" env:"SOURCE"`
	RandomOrgURL *string `json:"random_org_url,omitempty" yaml:"random_org_url,omitempty" env:"RANDOM_ORG_URL"`
	SerialPort   *string `json:"serial_port,omitempty" yaml:"serial_port,omitempty" env:"SERIAL_PORT"`
	SerialBaud   *int    `json:"serial_baud,omitempty" yaml:"serial_baud,omitempty" env:"SERIAL_BAUD"`
	Seed         *uint64 `json:"seed,omitempty" yaml:"seed,omitempty" env:"SEED"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyRaceConfig returns a RaceConfig with all fields set to nil.
func EmptyRaceConfig() *RaceConfig {
	return &RaceConfig{}
}

// DefaultRaceConfig returns the race-mode defaults with every field set.
func DefaultRaceConfig() *RaceConfig {
	geo := race.DefaultConfig()
	return &RaceConfig{
		TrackMax:       ptrFloat64(geo.TrackMax),
		FinishLine:     ptrFloat64(geo.FinishLine),
		StartPosition:  ptrFloat64(geo.StartPosition),
		TrackMode:      ptrString(geo.Mode.String()),
		LapOffset:      ptrFloat64(geo.LapOffset),
		LapsToWin:      ptrInt(0),
		Multiplier:     ptrFloat64(rarity.DefaultMultiplier),
		BlockSize:      ptrInt(10),
		Formula:        ptrString(rarity.FormulaScaled.String()),
		Attribution:    ptrString(rarity.AttributionCross.String()),
		PlayerABit:     ptrInt(1),
		TickInterval:   ptrString("500ms"),
		AuditWindow:    ptrInt(0),
		AuditEvery:     ptrInt(1),
		Significance:   ptrFloat64(audit.DefaultSignificance),
		AnomalyHistory: ptrInt(audit.DefaultLogSize),
		Source:         ptrString(string(supplier.SourceLocal)),
		RandomOrgURL:   ptrString(supplier.DefaultRandomOrgURL),
		SerialPort:     ptrString(""),
		SerialBaud:     ptrInt(9600),
	}
}

// LoadRaceConfig loads a RaceConfig from a JSON or YAML file, chosen by
// extension. Fields omitted from the file keep their defaults, so partial
// configs are safe.
func LoadRaceConfig(path string) (*RaceConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRaceConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays MINDRACE_* environment variables onto c. Variables that
// are unset leave the corresponding field alone.
func (c *RaceConfig) ApplyEnv() error {
	return c.applyEnv(env.Options{Prefix: EnvPrefix})
}

func (c *RaceConfig) applyEnv(opts env.Options) error {
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return c.Validate()
}

// Load reads path (when non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*RaceConfig, error) {
	cfg := EmptyRaceConfig()
	if path != "" {
		var err error
		if cfg, err = LoadRaceConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical race defaults from
// DefaultConfigPath, searching upwards from the current directory. Panics if
// the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *RaceConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadRaceConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *RaceConfig) Validate() error {
	if _, err := c.RaceGeometry(); err != nil {
		return err
	}
	if _, err := c.RarityEngine(); err != nil {
		return err
	}

	if c.Multiplier != nil {
		if err := rarity.ValidateMultiplier(*c.Multiplier); err != nil {
			return fmt.Errorf("multiplier: %w", err)
		}
	}
	if c.BlockSize != nil && *c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", *c.BlockSize)
	}

	if c.TickInterval != nil && *c.TickInterval != "" {
		d, err := time.ParseDuration(*c.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid tick_interval '%s': %w", *c.TickInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("tick_interval must be positive, got %s", *c.TickInterval)
		}
	}

	if c.AuditWindow != nil && *c.AuditWindow < 0 {
		return fmt.Errorf("audit_window must be non-negative, got %d", *c.AuditWindow)
	}
	if c.AuditEvery != nil && *c.AuditEvery < 0 {
		return fmt.Errorf("audit_every must be non-negative, got %d", *c.AuditEvery)
	}
	// The significance cutoff is fixed; the field exists so configs can state
	// it explicitly.
	if c.Significance != nil && math.Abs(*c.Significance-audit.DefaultSignificance) > 1e-12 {
		return fmt.Errorf("significance is fixed at %v, got %v", audit.DefaultSignificance, *c.Significance)
	}
	if c.AnomalyHistory != nil && *c.AnomalyHistory <= 0 {
		return fmt.Errorf("anomaly_history must be positive, got %d", *c.AnomalyHistory)
	}

	src, err := c.SourceKind()
	if err != nil {
		return err
	}
	if src == supplier.SourceSerial && c.GetSerialPort() == "" {
		return fmt.Errorf("source %q requires serial_port", src)
	}
	if c.SerialBaud != nil && *c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive, got %d", *c.SerialBaud)
	}
	return nil
}

// RaceGeometry returns the track configuration.
func (c *RaceConfig) RaceGeometry() (race.Config, error) {
	mode, err := race.ParseTrackMode(c.GetTrackMode())
	if err != nil {
		return race.Config{}, err
	}
	geo := race.Config{
		TrackMax:      c.GetTrackMax(),
		FinishLine:    c.GetFinishLine(),
		StartPosition: c.GetStartPosition(),
		Mode:          mode,
		LapOffset:     c.GetLapOffset(),
		LapsToWin:     c.GetLapsToWin(),
	}
	if err := geo.Validate(); err != nil {
		return race.Config{}, err
	}
	return geo, nil
}

// RarityEngine returns the formula, attribution policy and player bits.
func (c *RaceConfig) RarityEngine() (rarity.Engine, error) {
	f, err := rarity.ParseFormula(c.GetFormula())
	if err != nil {
		return rarity.Engine{}, err
	}
	a, err := rarity.ParseAttribution(c.GetAttribution())
	if err != nil {
		return rarity.Engine{}, err
	}
	bit := c.GetPlayerABit()
	if bit < 0 || bit > 1 {
		return rarity.Engine{}, fmt.Errorf("player_a_bit must be 0 or 1, got %d", bit)
	}
	players, err := rarity.NewPlayerBits(uint8(bit))
	if err != nil {
		return rarity.Engine{}, err
	}
	return rarity.Engine{Formula: f, Attribution: a, Players: players}, nil
}

// SourceKind returns the configured bit source.
func (c *RaceConfig) SourceKind() (supplier.Source, error) {
	return supplier.ParseSource(c.GetSource())
}

// GetTrackMax returns the track_max value or the default.
func (c *RaceConfig) GetTrackMax() float64 {
	if c.TrackMax == nil {
		return 1000
	}
	return *c.TrackMax
}

// GetFinishLine returns the finish_line value or the default.
func (c *RaceConfig) GetFinishLine() float64 {
	if c.FinishLine == nil {
		return 900
	}
	return *c.FinishLine
}

// GetStartPosition returns the start_position value or the default.
func (c *RaceConfig) GetStartPosition() float64 {
	if c.StartPosition == nil {
		return 50
	}
	return *c.StartPosition
}

// GetTrackMode returns the track_mode value or the default.
func (c *RaceConfig) GetTrackMode() string {
	if c.TrackMode == nil || *c.TrackMode == "" {
		return "clamp"
	}
	return *c.TrackMode
}

// GetLapOffset returns the lap_offset value or the default.
func (c *RaceConfig) GetLapOffset() float64 {
	if c.LapOffset == nil {
		return 50
	}
	return *c.LapOffset
}

// GetLapsToWin returns the laps_to_win value or the default (0, endless).
func (c *RaceConfig) GetLapsToWin() int {
	if c.LapsToWin == nil {
		return 0
	}
	return *c.LapsToWin
}

// GetMultiplier returns the multiplier value or the default.
func (c *RaceConfig) GetMultiplier() float64 {
	if c.Multiplier == nil {
		return rarity.DefaultMultiplier
	}
	return *c.Multiplier
}

// GetBlockSize returns the block_size value or the default.
func (c *RaceConfig) GetBlockSize() int {
	if c.BlockSize == nil {
		return 10
	}
	return *c.BlockSize
}

func (c *RaceConfig) GetFormula() string {
	if c.Formula == nil {
		return rarity.FormulaScaled.String()
	}
	return *c.Formula
}

func (c *RaceConfig) GetAttribution() string {
	if c.Attribution == nil {
		return rarity.AttributionCross.String()
	}
	return *c.Attribution
}

// GetPlayerABit returns the bit player A concentrates on. Player B always
// takes the complement.
func (c *RaceConfig) GetPlayerABit() int {
	if c.PlayerABit == nil {
		return 1
	}
	return *c.PlayerABit
}

// GetTickInterval parses and returns the TickInterval as a time.Duration.
func (c *RaceConfig) GetTickInterval() time.Duration {
	if c.TickInterval == nil || *c.TickInterval == "" {
		return 500 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.TickInterval)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond // default on parse error
	}
	return d
}

// GetAuditWindow returns the audit_window value or the default (0, full
// history).
func (c *RaceConfig) GetAuditWindow() int {
	if c.AuditWindow == nil {
		return 0
	}
	return *c.AuditWindow
}

// GetAuditEvery returns the audit_every value or the default.
func (c *RaceConfig) GetAuditEvery() int {
	if c.AuditEvery == nil {
		return 1
	}
	return *c.AuditEvery
}

func (c *RaceConfig) GetSignificance() float64 {
	if c.Significance == nil {
		return audit.DefaultSignificance
	}
	return *c.Significance
}

// GetAnomalyHistory returns the anomaly_history value or the default.
func (c *RaceConfig) GetAnomalyHistory() int {
	if c.AnomalyHistory == nil {
		return audit.DefaultLogSize
	}
	return *c.AnomalyHistory
}

// GetSource returns the source value or the default.
func (c *RaceConfig) GetSource() string {
	if c.Source == nil || *c.Source == "" {
		return string(supplier.SourceLocal)
	}
	return *c.Source
}

func (c *RaceConfig) GetRandomOrgURL() string {
	if c.RandomOrgURL == nil || *c.RandomOrgURL == "" {
		return supplier.DefaultRandomOrgURL
	}
	return *c.RandomOrgURL
}

func (c *RaceConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetSerialBaud returns the serial_baud value or the default.
func (c *RaceConfig) GetSerialBaud() int {
	if c.SerialBaud == nil {
		return 9600
	}
	return *c.SerialBaud
}

// GetSeed returns the fixed PRNG seed, if one is configured.
func (c *RaceConfig) GetSeed() (uint64, bool) {
	if c.Seed == nil {
		return 0, false
	}
	return *c.Seed, true
}

// JSON returns the configuration as compact JSON for storing alongside a
// session.
func (c *RaceConfig) JSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}
