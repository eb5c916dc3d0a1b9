package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/mindrace/internal/audit"
	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/config"
	"github.com/banshee-data/mindrace/internal/db"
	"github.com/banshee-data/mindrace/internal/engine"
	"github.com/banshee-data/mindrace/internal/httputil"
	"github.com/banshee-data/mindrace/internal/race"
	"github.com/banshee-data/mindrace/internal/serialport"
	"github.com/banshee-data/mindrace/internal/supplier"
)

// randomOrgTimeout bounds one request to the random.org integer service. It
// stays under the fallback's primary budget so a slow request is reported as
// a transport failure.
const randomOrgTimeout = supplier.DefaultPrimaryTimeout - 500*time.Millisecond

// bitSource is the supplier chosen by configuration plus the hardware
// device behind it, if any.
type bitSource struct {
	Supplier supplier.BitSupplier
	Source   string
	Device   *serialport.Device
}

func (b *bitSource) Close() error {
	if b.Device != nil {
		return b.Device.Close()
	}
	return nil
}

// newSupplier builds the configured bit source. External sources are wrapped
// in a fallback to the local generator; dev mode always uses the local one.
func newSupplier(cfg *config.RaceConfig, dev bool) (*bitSource, error) {
	kind, err := cfg.SourceKind()
	if err != nil {
		return nil, err
	}
	if dev {
		kind = supplier.SourceLocal
	}

	var local *supplier.Local
	if seed, ok := cfg.GetSeed(); ok {
		local = supplier.NewLocalSeeded(seed, seed)
	} else if local, err = supplier.NewLocal(); err != nil {
		return nil, err
	}

	switch kind {
	case supplier.SourceLocal:
		return &bitSource{Supplier: local, Source: string(kind)}, nil
	case supplier.SourceRandomOrg:
		client := httputil.NewStandardClient(randomOrgTimeout)
		primary := supplier.NewRandomOrg(client, cfg.GetRandomOrgURL())
		return &bitSource{Supplier: supplier.NewFallback(primary, local), Source: string(kind)}, nil
	case supplier.SourceSerial:
		device, err := serialport.NewDevice(cfg.GetSerialPort(), serialport.PortOptions{BaudRate: cfg.GetSerialBaud()}, nil)
		if err != nil {
			return nil, err
		}
		return &bitSource{
			Supplier: supplier.NewFallback(supplier.NewSerial(device), local),
			Source:   string(kind),
			Device:   device,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported bit source %q", kind)
	}
}

// sessionOptions translates the race configuration into engine options.
func sessionOptions(cfg *config.RaceConfig, source string, store *db.DB) (engine.Options, error) {
	geometry, err := cfg.RaceGeometry()
	if err != nil {
		return engine.Options{}, err
	}
	rarityEngine, err := cfg.RarityEngine()
	if err != nil {
		return engine.Options{}, err
	}

	opts := engine.DefaultOptions()
	opts.Race = geometry
	opts.Rarity = rarityEngine
	opts.BlockSize = cfg.GetBlockSize()
	opts.Multiplier = cfg.GetMultiplier()
	opts.AuditEvery = cfg.GetAuditEvery()
	opts.AuditWindow = cfg.GetAuditWindow()
	opts.Significance = cfg.GetSignificance()
	opts.AnomalyHistory = cfg.GetAnomalyHistory()
	opts.Source = source
	opts.ConfigJSON = cfg.JSON()
	if store != nil {
		opts.Store = store
	}
	return opts, nil
}

// runHeadless ticks the session as fast as the source allows until n ticks
// have run or a racer wins, then writes the final positions and audit
// report to w.
func runHeadless(ctx context.Context, s *engine.Session, n int, w io.Writer) error {
	done := 0
	for done < n {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := s.Tick(ctx)
		if err != nil {
			return fmt.Errorf("tick %d: %w", done+1, err)
		}
		done++
		if out.Result.Winner != race.NoWinner {
			break
		}
	}

	snap := s.Snapshot()
	fmt.Fprintf(w, "session %s: %d ticks, winner %s, live %t\n", s.ID(), snap.Tick, snap.Winner, snap.Live)
	for _, lane := range bitblock.Lanes {
		l := snap.Lanes[lane]
		fmt.Fprintf(w, "  %s position=%.1f laps=%d moves=%d bits=%d\n", lane.Label(), l.Position, l.Laps, l.MoveCount, l.BitCount)
	}

	rep, err := s.Report()
	if err != nil {
		fmt.Fprintf(w, "no audit report: %v\n", err)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "test\tstatistic\tp-value\tn\tflag")
	for _, res := range rep.Results() {
		mark := ""
		if res.Significant(audit.DefaultSignificance) {
			mark = "ANOMALY"
		}
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%d\t%s\n", res.Name, res.Statistic, res.PValue, res.N, mark)
	}
	return tw.Flush()
}
