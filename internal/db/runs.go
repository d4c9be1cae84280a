package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one analyzer session.
type Run struct {
	ID        string          `json:"run_id"`
	StartedAt time.Time       `json:"started_at"`
	StoppedAt *time.Time      `json:"stopped_at,omitempty"`
	Config    json.RawMessage `json:"config"`
}

// StartRun records a new run with its configuration and returns its id.
func (db *DB) StartRun(ctx context.Context, config any) (string, error) {
	cfg := []byte("{}")
	if config != nil {
		var err error
		if cfg, err = json.Marshal(config); err != nil {
			return "", fmt.Errorf("marshal run config: %w", err)
		}
	}
	id := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, config_json) VALUES (?, ?, ?)`,
		id, time.Now().UnixMilli(), string(cfg))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// StopRun marks a run as finished.
func (db *DB) StopRun(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE runs SET stopped_at = ? WHERE run_id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// Runs returns the most recent runs first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, started_at, stopped_at, config_json FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			started int64
			stopped sql.NullInt64
			cfg     string
		)
		if err := rows.Scan(&r.ID, &started, &stopped, &cfg); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if stopped.Valid {
			t := time.UnixMilli(stopped.Int64).UTC()
			r.StoppedAt = &t
		}
		r.Config = json.RawMessage(cfg)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
