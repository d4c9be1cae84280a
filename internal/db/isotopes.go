package db

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/eventhorizon/internal/event"
)

// IsotopeRow is one stored identification result.
type IsotopeRow struct {
	RecordedAt time.Time `json:"recorded_at"`
	HorizonID  uint64    `json:"horizon_id"`
	Name       string    `json:"name"`
	Confidence float64   `json:"confidence"`
}

// RecordIsotopes stores an identification result for a run, tagged with the
// event horizon it was computed at. An empty result records nothing.
func (db *DB) RecordIsotopes(ctx context.Context, runID string, horizonID uint64, isotopes []event.Isotope, at time.Time) error {
	if len(isotopes) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, iso := range isotopes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO isotopes (run_id, recorded_at, horizon_id, name, confidence) VALUES (?, ?, ?, ?, ?)`,
			runID, at.UnixMilli(), int64(horizonID), iso.Name, iso.Confidence); err != nil {
			return fmt.Errorf("insert isotope %s: %w", iso.Name, err)
		}
	}
	return tx.Commit()
}

// Isotopes returns a run's identification history, newest first.
func (db *DB) Isotopes(ctx context.Context, runID string, limit int) ([]IsotopeRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT recorded_at, horizon_id, name, confidence FROM isotopes
		WHERE run_id = ? ORDER BY recorded_at DESC, confidence DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IsotopeRow
	for rows.Next() {
		var (
			r       IsotopeRow
			at, hid int64
		)
		if err := rows.Scan(&at, &hid, &r.Name, &r.Confidence); err != nil {
			return nil, err
		}
		r.RecordedAt = time.UnixMilli(at).UTC()
		r.HorizonID = uint64(hid)
		out = append(out, r)
	}
	return out, rows.Err()
}
