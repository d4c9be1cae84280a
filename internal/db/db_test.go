package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/pipeline"
	"github.com/banshee-data/eventhorizon/internal/testutil"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func group(ts float64, energies ...float64) *event.Group {
	g := &event.Group{Timestamp: ts}
	for _, e := range energies {
		g.Hits = append(g.Hits, event.Hit{Energy: e})
	}
	return g
}

func TestOpen_AppliesMigrations(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	for _, table := range []string{"runs", "events", "isotopes"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestMigrateDownUp(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE name='isotopes'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	require.NoError(t, db.MigrateTo(1))
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestMigrateForce(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.MigrateForce(1))
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := db.StartRun(ctx, map[string]any{"accumulation_time": 30})
	require.NoError(t, err)
	second, err := db.StartRun(ctx, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, db.StopRun(ctx, first))
	assert.ErrorIs(t, db.StopRun(ctx, "missing"), ErrRunNotFound)

	runs, err := db.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Nil(t, runs[0].StoppedAt)
	assert.JSONEq(t, `{}`, string(runs[0].Config))

	assert.Equal(t, first, runs[1].ID)
	require.NotNil(t, runs[1].StoppedAt)
	assert.False(t, runs[1].StoppedAt.Before(runs[1].StartedAt))
	assert.JSONEq(t, `{"accumulation_time":30}`, string(runs[1].Config))

	runs, err = db.Runs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSink_BatchesAndFlushes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	run, err := db.StartRun(ctx, nil)
	require.NoError(t, err)

	s := db.NewSink(run)
	s.batchSize = 2

	require.NoError(t, s.Append(pipeline.NewRecord(1, group(1.5, 662))))
	assert.Zero(t, s.Written())
	require.NoError(t, s.Append(pipeline.NewRecord(2, group(2.5, 100, 200))))
	assert.Equal(t, 2, s.Written())
	require.NoError(t, s.Append(pipeline.NewRecord(3, group(3.5, 511))))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Flush())
	assert.Equal(t, 3, s.Written())

	rows, err := db.Events(ctx, run, 10)
	require.NoError(t, err)
	want := []EventRow{
		{EventID: 1, Timestamp: 1.5, Energy: 662, Hits: 1},
		{EventID: 2, Timestamp: 2.5, Energy: 300, Hits: 2},
		{EventID: 3, Timestamp: 3.5, Energy: 511, Hits: 1},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("Events() mismatch (-want +got):\n%s", diff)
	}

	other, err := db.Events(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSink_UnknownRunFails(t *testing.T) {
	db := openTestDB(t)
	s := db.NewSink("no-such-run")
	require.NoError(t, s.Append(pipeline.NewRecord(1, group(1, 10))))
	assert.Error(t, s.Flush())
}

func TestIsotopes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	run, err := db.StartRun(ctx, nil)
	require.NoError(t, err)

	t0 := time.UnixMilli(1_700_000_000_000).UTC()
	require.NoError(t, db.RecordIsotopes(ctx, run, 10, nil, t0))
	require.NoError(t, db.RecordIsotopes(ctx, run, 10, []event.Isotope{
		{Name: "Cs-137", Confidence: 0.9},
	}, t0))
	require.NoError(t, db.RecordIsotopes(ctx, run, 20, []event.Isotope{
		{Name: "Co-60", Confidence: 0.8},
		{Name: "Cs-137", Confidence: 0.4},
	}, t0.Add(time.Second)))

	got, err := db.Isotopes(ctx, run, 10)
	require.NoError(t, err)
	want := []IsotopeRow{
		{RecordedAt: t0.Add(time.Second), HorizonID: 20, Name: "Co-60", Confidence: 0.8},
		{RecordedAt: t0.Add(time.Second), HorizonID: 20, Name: "Cs-137", Confidence: 0.4},
		{RecordedAt: t0, HorizonID: 10, Name: "Cs-137", Confidence: 0.9},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Isotopes() mismatch (-want +got):\n%s", diff)
	}
}

func TestAdminRoutes_Backup(t *testing.T) {
	db := openTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.LoopbackRequest(http.MethodGet, "/debug/backup"))

	require.NotEqual(t, http.StatusNotFound, rec.Code, "backup endpoint not registered")
	if rec.Code != http.StatusOK {
		t.Skipf("debug access refused: %d", rec.Code)
	}
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".db.gz")
	body := rec.Body.Bytes()
	require.Greater(t, len(body), 2)
	assert.Equal(t, []byte{0x1f, 0x8b}, body[:2])
}

func TestOpenUnmigrated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.db")
	db, err := OpenUnmigrated(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.Equal(t, path, db.Path())
}
