package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

// Session is one race from start (or reset) to winner or abandonment.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Source    string     `json:"source"`
	BlockSize int        `json:"block_size"`
	Config    string     `json:"config"`
	Winner    string     `json:"winner"`
	Ticks     uint64     `json:"ticks"`
}

// TickRow is one committed tick.
type TickRow struct {
	SessionID  string     `json:"session_id"`
	Tick       uint64     `json:"tick"`
	At         time.Time  `json:"at"`
	Blocks     [2]string  `json:"blocks"`
	Entropies  [2]float64 `json:"entropies"`
	Thresholds [2]float64 `json:"thresholds"`
	Moves      [2]float64 `json:"moves"`
	Positions  [2]float64 `json:"positions"`
	Live       bool       `json:"live"`
}

// AnomalyRow is one flagged test result.
type AnomalyRow struct {
	SessionID string    `json:"session_id"`
	Tick      uint64    `json:"tick"`
	At        time.Time `json:"at"`
	Test      string    `json:"test"`
	Statistic float64   `json:"statistic"`
	PValue    float64   `json:"p_value"`
	N         int       `json:"n"`
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// CreateSession inserts a new session row.
func (db *DB) CreateSession(ctx context.Context, s Session) error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.Config == "" {
		s.Config = "{}"
	}
	if s.Winner == "" {
		s.Winner = "none"
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_unix_ms, source, block_size, config_json, winner, ticks)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, toMillis(s.StartedAt), s.Source, s.BlockSize, s.Config, s.Winner, s.Ticks,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", s.ID, err)
	}
	return nil
}

// RecordTick stores a tick and bumps the session's tick count.
func (db *DB) RecordTick(ctx context.Context, r TickRow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ticks (
			session_id, tick, at_unix_ms, block_a, block_b, entropy_a, entropy_b,
			threshold_a, threshold_b, move_a, move_b, position_a, position_b, live
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Tick, toMillis(r.At), r.Blocks[0], r.Blocks[1], r.Entropies[0], r.Entropies[1],
		r.Thresholds[0], r.Thresholds[1], r.Moves[0], r.Moves[1], r.Positions[0], r.Positions[1], r.Live,
	)
	if err != nil {
		return fmt.Errorf("record tick %d for %s: %w", r.Tick, r.SessionID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET ticks = ? WHERE session_id = ?`, r.Tick, r.SessionID); err != nil {
		return fmt.Errorf("update session %s: %w", r.SessionID, err)
	}
	return tx.Commit()
}

// RecordAnomalies stores flagged results in one transaction.
func (db *DB) RecordAnomalies(ctx context.Context, rows []AnomalyRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO anomalies (session_id, tick, at_unix_ms, test_name, statistic, p_value, sample_n)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, a := range rows {
		if _, err := stmt.ExecContext(ctx, a.SessionID, a.Tick, toMillis(a.At), a.Test, a.Statistic, a.PValue, a.N); err != nil {
			return fmt.Errorf("record anomaly %s at tick %d: %w", a.Test, a.Tick, err)
		}
	}
	return tx.Commit()
}

// FinishSession records the winner and end time.
func (db *DB) FinishSession(ctx context.Context, id, winner string, ticks uint64, at time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET ended_unix_ms = ?, winner = ?, ticks = ? WHERE session_id = ?`,
		toMillis(at), winner, ticks, id,
	)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish session %s: %w", id, ErrNotFound)
	}
	return nil
}

const sessionColumns = `session_id, started_unix_ms, ended_unix_ms, source, block_size, config_json, winner, ticks`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		s       Session
		started int64
		ended   sql.NullInt64
	)
	if err := row.Scan(&s.ID, &started, &ended, &s.Source, &s.BlockSize, &s.Config, &s.Winner, &s.Ticks); err != nil {
		return Session{}, err
	}
	s.StartedAt = fromMillis(started)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		s.EndedAt = &t
	}
	return s, nil
}

// GetSession loads one session.
func (db *DB) GetSession(ctx context.Context, id string) (Session, error) {
	s, err := scanSession(db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

// ListSessions returns the most recent sessions first. A non-positive
// limit returns up to 100.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_unix_ms DESC, session_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionTicks returns every tick of a session in order.
func (db *DB) SessionTicks(ctx context.Context, id string) ([]TickRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT tick, at_unix_ms, block_a, block_b, entropy_a, entropy_b, threshold_a, threshold_b,
		        move_a, move_b, position_a, position_b, live
		   FROM ticks WHERE session_id = ? ORDER BY tick`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TickRow
	for rows.Next() {
		r := TickRow{SessionID: id}
		var at int64
		if err := rows.Scan(&r.Tick, &at, &r.Blocks[0], &r.Blocks[1], &r.Entropies[0], &r.Entropies[1],
			&r.Thresholds[0], &r.Thresholds[1], &r.Moves[0], &r.Moves[1], &r.Positions[0], &r.Positions[1], &r.Live); err != nil {
			return nil, err
		}
		r.At = fromMillis(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionAnomalies returns the anomalies of a session in tick order.
func (db *DB) SessionAnomalies(ctx context.Context, id string) ([]AnomalyRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT tick, at_unix_ms, test_name, statistic, p_value, sample_n
		   FROM anomalies WHERE session_id = ? ORDER BY tick, anomaly_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnomalyRow
	for rows.Next() {
		a := AnomalyRow{SessionID: id}
		var at int64
		if err := rows.Scan(&a.Tick, &at, &a.Test, &a.Statistic, &a.PValue, &a.N); err != nil {
			return nil, err
		}
		a.At = fromMillis(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
