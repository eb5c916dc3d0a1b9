// Package engine drives a race: it pulls bits from a supplier, scores them,
// commits the resulting moves, audits the accumulated history and tells
// subscribers and the store what happened.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mindrace/internal/audit"
	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/db"
	"github.com/banshee-data/mindrace/internal/entropy"
	"github.com/banshee-data/mindrace/internal/monitoring"
	"github.com/banshee-data/mindrace/internal/race"
	"github.com/banshee-data/mindrace/internal/rarity"
	"github.com/banshee-data/mindrace/internal/supplier"
	"github.com/banshee-data/mindrace/internal/timeutil"
)

// DefaultBlockSize is the number of bits each lane consumes per tick.
const DefaultBlockSize = 10

// Store persists sessions. *db.DB implements it.
type Store interface {
	CreateSession(ctx context.Context, s db.Session) error
	RecordTick(ctx context.Context, r db.TickRow) error
	RecordAnomalies(ctx context.Context, rows []db.AnomalyRow) error
	FinishSession(ctx context.Context, id, winner string, ticks uint64, at time.Time) error
}

// Options configures a Session. Zero values select defaults.
type Options struct {
	Race       race.Config
	BlockSize  int
	Multiplier float64
	Rarity     rarity.Engine

	// AuditEvery runs the auditor every AuditEvery committed ticks and on the
	// tick that declares a winner. Zero disables periodic audits.
	AuditEvery     int
	AuditWindow    int
	Significance   float64
	AnomalyHistory int

	Clock timeutil.Clock
	// Store may be nil, in which case nothing is persisted.
	Store Store
	Hub   *Hub

	// Source and ConfigJSON label stored sessions.
	Source     string
	ConfigJSON string
}

// DefaultOptions returns race-mode settings: cross attribution, the scaled
// formula, player A on bit 1 and an audit after every tick.
func DefaultOptions() Options {
	players, _ := rarity.NewPlayerBits(1)
	return Options{
		Race:           race.DefaultConfig(),
		BlockSize:      DefaultBlockSize,
		Multiplier:     rarity.DefaultMultiplier,
		Rarity:         rarity.Engine{Formula: rarity.FormulaScaled, Attribution: rarity.AttributionCross, Players: players},
		AuditEvery:     1,
		Significance:   audit.DefaultSignificance,
		AnomalyHistory: audit.DefaultLogSize,
	}
}

// TickOutcome is everything one call to Tick produced.
type TickOutcome struct {
	SessionID string                `json:"session_id"`
	Result    race.TickResult       `json:"result"`
	Lanes     [2]rarity.LaneOutcome `json:"lanes"`
	Live      bool                  `json:"live"`
	Source    string                `json:"source"`
	Report    *audit.Report         `json:"report,omitempty"`
	Anomalies []audit.Anomaly       `json:"anomalies,omitempty"`
}

// Session owns one race and everything derived from it. Ticks and resets are
// serialised; reads may happen at any time.
type Session struct {
	opts      Options
	supplier  supplier.BitSupplier
	state     *race.State
	auditor   *audit.Auditor
	anomalies *audit.Log
	hub       *Hub
	clock     timeutil.Clock

	tickMu sync.Mutex

	mu         sync.RWMutex
	id         string
	multiplier float64
	report     *audit.Report
}

// NewSession validates opts and starts a fresh race fed by sup.
func NewSession(ctx context.Context, sup supplier.BitSupplier, opts Options) (*Session, error) {
	if sup == nil {
		return nil, errors.New("engine: nil bit supplier")
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BlockSize < 0 {
		return nil, fmt.Errorf("%w: block size %d", bitblock.ErrInvalidInput, opts.BlockSize)
	}
	if opts.Multiplier == 0 {
		opts.Multiplier = rarity.DefaultMultiplier
	}
	if err := rarity.ValidateMultiplier(opts.Multiplier); err != nil {
		return nil, err
	}
	if opts.Race == (race.Config{}) {
		opts.Race = race.DefaultConfig()
	}
	state, err := race.New(opts.Race)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}

	s := &Session{
		opts:       opts,
		supplier:   sup,
		state:      state,
		auditor:    &audit.Auditor{Window: opts.AuditWindow, Significance: opts.Significance},
		anomalies:  audit.NewLog(opts.AnomalyHistory),
		hub:        opts.Hub,
		clock:      opts.Clock,
		multiplier: opts.Multiplier,
	}
	s.begin(ctx)
	return s, nil
}

// begin assigns a new session id and records it. Callers hold tickMu or
// own s exclusively.
func (s *Session) begin(ctx context.Context) {
	id := uuid.NewString()
	s.mu.Lock()
	s.id = id
	s.report = nil
	s.mu.Unlock()

	if s.opts.Store == nil {
		return
	}
	err := s.opts.Store.CreateSession(ctx, db.Session{
		ID:        id,
		StartedAt: s.clock.Now(),
		Source:    s.opts.Source,
		BlockSize: s.opts.BlockSize,
		Config:    s.opts.ConfigJSON,
	})
	if err != nil {
		monitoring.Logf("engine: store session %s: %v", id, err)
	}
}

// ID returns the current session id. It changes on Reset.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) BlockSize() int { return s.opts.BlockSize }

// Hub returns the hub events are published on.
func (s *Session) Hub() *Hub { return s.hub }

// Multiplier returns the move multiplier used by the next tick.
func (s *Session) Multiplier() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.multiplier
}

// SetMultiplier changes the multiplier for subsequent ticks.
func (s *Session) SetMultiplier(m float64) error {
	if err := rarity.ValidateMultiplier(m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multiplier = m
	return nil
}

// Snapshot returns a consistent view of the race.
func (s *Session) Snapshot() race.Snapshot { return s.state.Snapshot() }

// History returns the accumulated blocks and bits, unwindowed.
func (s *Session) History() race.History { return s.state.History(0) }

// Anomalies returns the retained anomalies, oldest first.
func (s *Session) Anomalies() []audit.Anomaly { return s.anomalies.Recent() }

// LastReport returns the report from the most recent periodic audit.
func (s *Session) LastReport() (audit.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.report == nil {
		return audit.Report{}, false
	}
	return *s.report, true
}

// Report audits the current history. It fails until the first tick has
// been committed.
func (s *Session) Report() (audit.Report, error) {
	return s.auditor.Audit(s.state.History(s.opts.AuditWindow))
}

// SupplierStatus reports fallback health when the supplier tracks it.
func (s *Session) SupplierStatus() (supplier.Status, bool) {
	if f, ok := s.supplier.(*supplier.Fallback); ok {
		return f.Status(), true
	}
	return supplier.Status{}, false
}

// SupplierName names the configured bit source.
func (s *Session) SupplierName() string { return s.supplier.Name() }

// Tick runs one fetch, score, decide and commit cycle. When the race already
// has a winner it returns the unchanged result with Applied false. A
// malformed batch aborts the tick before anything is committed.
func (s *Session) Tick(ctx context.Context) (TickOutcome, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	id := s.ID()
	if s.state.Winner() != race.NoWinner {
		res, err := s.state.ApplyTick(0, 0)
		return TickOutcome{SessionID: id, Result: res}, err
	}

	n := s.opts.BlockSize
	batch, err := s.supplier.Fetch(ctx, 2*n)
	if err != nil {
		return TickOutcome{}, fmt.Errorf("fetch bits: %w", err)
	}
	if err := bitblock.Validate(batch.Bits, 2*n); err != nil {
		return TickOutcome{}, fmt.Errorf("batch from %s: %w", s.supplier.Name(), err)
	}

	seq := uint64(s.state.BlockCount(bitblock.LaneA)) + 1
	var (
		blocks    [2]bitblock.Block
		entropies [2]float64
	)
	for _, lane := range bitblock.Lanes {
		b, err := bitblock.New(lane, seq, batch.Bits[int(lane)*n:(int(lane)+1)*n])
		if err != nil {
			return TickOutcome{}, err
		}
		blocks[lane] = b
		entropies[lane] = entropy.BlockEntropy(b)
	}

	thresholds, lens, err := s.state.Preview(entropies)
	if err != nil {
		return TickOutcome{}, err
	}
	var in [2]rarity.LaneInput
	for _, lane := range bitblock.Lanes {
		in[lane] = rarity.LaneInput{
			Block:      blocks[lane],
			Entropy:    entropies[lane],
			Threshold:  thresholds[lane],
			HistoryLen: lens[lane],
		}
	}
	moves, lanes, err := s.opts.Rarity.Resolve(in, s.Multiplier())
	if err != nil {
		return TickOutcome{}, err
	}

	res, err := s.state.Commit(race.WithBlocks(blocks, entropies, moves, batch.Live))
	if err != nil {
		return TickOutcome{}, err
	}

	now := s.clock.Now()
	out := TickOutcome{SessionID: id, Result: res, Lanes: lanes, Live: batch.Live, Source: batch.Source}
	if s.dueForAudit(res) {
		rep, err := s.Report()
		if err != nil {
			monitoring.Logf("engine: audit at tick %d: %v", res.Tick, err)
		} else {
			out.Report = &rep
			out.Anomalies = s.anomalies.Record(now, res.Tick, s.auditor.Flagged(rep))
			s.mu.Lock()
			s.report = &rep
			s.mu.Unlock()
		}
	}

	s.publish(now, out)
	s.persist(ctx, now, blocks, entropies, out)
	return out, nil
}

func (s *Session) dueForAudit(res race.TickResult) bool {
	if res.Finished {
		return true
	}
	return s.opts.AuditEvery > 0 && res.Tick%uint64(s.opts.AuditEvery) == 0
}

func (s *Session) publish(now time.Time, out TickOutcome) {
	res := out.Result
	lanes := out.Lanes
	s.hub.Publish(Event{
		Kind:      EventTick,
		SessionID: out.SessionID,
		Time:      now,
		Tick:      res.Tick,
		Winner:    res.Winner,
		Result:    &res,
		Lanes:     &lanes,
		Live:      out.Live,
	})
	for i := range out.Anomalies {
		a := out.Anomalies[i]
		s.hub.Publish(Event{
			Kind:      EventAnomaly,
			SessionID: out.SessionID,
			Time:      now,
			Tick:      res.Tick,
			Winner:    res.Winner,
			Anomaly:   &a,
		})
	}
	if res.Finished {
		monitoring.Logf("engine: session %s won by %s at tick %d", out.SessionID, res.Winner, res.Tick)
		s.hub.Publish(Event{
			Kind:      EventWinner,
			SessionID: out.SessionID,
			Time:      now,
			Tick:      res.Tick,
			Winner:    res.Winner,
			Result:    &res,
		})
	}
}

// persist writes the tick to the store. Failures are logged; the race goes
// on without them.
func (s *Session) persist(ctx context.Context, now time.Time, blocks [2]bitblock.Block, entropies [2]float64, out TickOutcome) {
	if s.opts.Store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	res := out.Result
	row := db.TickRow{
		SessionID:  out.SessionID,
		Tick:       res.Tick,
		At:         now,
		Blocks:     [2]string{blocks[0].String(), blocks[1].String()},
		Entropies:  entropies,
		Thresholds: res.Thresholds,
		Moves:      res.Moves,
		Positions:  res.Positions,
		Live:       out.Live,
	}
	if err := s.opts.Store.RecordTick(ctx, row); err != nil {
		monitoring.Logf("engine: store tick %d: %v", res.Tick, err)
	}
	if len(out.Anomalies) > 0 {
		rows := make([]db.AnomalyRow, 0, len(out.Anomalies))
		for _, a := range out.Anomalies {
			rows = append(rows, db.AnomalyRow{
				SessionID: out.SessionID,
				Tick:      a.Tick,
				At:        a.Time,
				Test:      a.Result.Name,
				Statistic: a.Result.Statistic,
				PValue:    a.Result.PValue,
				N:         a.Result.N,
			})
		}
		if err := s.opts.Store.RecordAnomalies(ctx, rows); err != nil {
			monitoring.Logf("engine: store anomalies at tick %d: %v", res.Tick, err)
		}
	}
	if res.Finished {
		if err := s.opts.Store.FinishSession(ctx, out.SessionID, res.Winner.String(), res.Tick, now); err != nil {
			monitoring.Logf("engine: finish session %s: %v", out.SessionID, err)
		}
	}
}

// Reset discards the race and starts a new session. An unfinished session
// with at least one tick is closed in the store without a winner.
func (s *Session) Reset(ctx context.Context) string {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	old := s.ID()
	snap := s.state.Snapshot()
	if s.opts.Store != nil && snap.Winner == race.NoWinner && snap.Tick > 0 {
		if err := s.opts.Store.FinishSession(ctx, old, race.NoWinner.String(), snap.Tick, s.clock.Now()); err != nil {
			monitoring.Logf("engine: close session %s: %v", old, err)
		}
	}

	s.state.Reset()
	s.anomalies.Reset()
	s.begin(ctx)

	id := s.ID()
	s.hub.Publish(Event{Kind: EventReset, SessionID: id, Time: s.clock.Now()})
	return id
}
