package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/pipeline"
)

// DefaultBatchSize is how many events the sink buffers before it writes.
const DefaultBatchSize = 500

// EventRow is one stored event.
type EventRow struct {
	EventID   uint64  `json:"event_id"`
	Timestamp float64 `json:"timestamp"`
	Energy    float64 `json:"energy_kev"`
	Hits      int     `json:"hit_count"`
	Kind      string  `json:"kind,omitempty"`
	Dropped   bool    `json:"dropped"`
}

// Sink is a pipeline.Sink that batches events into the events table. As the
// reconstruction output it also stores each event's interpretation.
type Sink struct {
	db        *DB
	runID     string
	batchSize int

	mu      sync.Mutex
	pending []EventRow
	written int
}

// NewSink returns a sink writing events for runID.
func (db *DB) NewSink(runID string) *Sink {
	return &Sink{db: db, runID: runID, batchSize: DefaultBatchSize}
}

// Append implements pipeline.Sink.
func (s *Sink) Append(r *pipeline.Record) error {
	row := EventRow{
		EventID:   r.ID,
		Timestamp: r.Timestamp,
		Energy:    r.Energy(),
		Dropped:   r.Dropped(),
	}
	if g := r.Raw(); g != nil {
		row.Hits = len(g.Hits)
	}
	if r.Coincident() {
		row.Hits = len(r.CoincidentGroup().Hits)
	}
	if r.Reconstructed() {
		if k := r.Interpretation().Kind; k != event.KindNone {
			row.Kind = k.String()
		}
	}

	s.mu.Lock()
	s.pending = append(s.pending, row)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()
	if full {
		return s.Flush()
	}
	return nil
}

// Flush implements pipeline.Sink.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.db.insertEvents(context.Background(), s.runID, s.pending); err != nil {
		return err
	}
	s.written += len(s.pending)
	s.pending = s.pending[:0]
	return nil
}

// Written returns the number of events stored so far.
func (s *Sink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (db *DB) insertEvents(ctx context.Context, runID string, rows []EventRow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
		(run_id, event_id, timestamp, energy_kev, hit_count, kind, dropped)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, runID, int64(r.EventID), r.Timestamp, r.Energy, r.Hits, r.Kind, r.Dropped); err != nil {
			return fmt.Errorf("insert event %d: %w", r.EventID, err)
		}
	}
	return tx.Commit()
}

// Events returns up to limit stored events of a run in ID order.
func (db *DB) Events(ctx context.Context, runID string, limit int) ([]EventRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT event_id, timestamp, energy_kev, hit_count, COALESCE(kind, ''), dropped
		FROM events WHERE run_id = ? ORDER BY rowid LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			r  EventRow
			id int64
		)
		if err := rows.Scan(&id, &r.Timestamp, &r.Energy, &r.Hits, &r.Kind, &r.Dropped); err != nil {
			return nil, err
		}
		r.EventID = uint64(id)
		out = append(out, r)
	}
	return out, rows.Err()
}
