package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/eventhorizon/internal/db"
	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/histogram"
	"github.com/banshee-data/eventhorizon/internal/pipeline"
	"github.com/banshee-data/eventhorizon/internal/testutil"
)

type fakeController struct {
	mu           sync.Mutex
	running      bool
	connects     int
	disconnects  int
	resets       int
	resetErr     error
	accumulation float64
	snap         *pipeline.Snapshot
	isotopes     []event.Isotope
}

func (f *fakeController) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}
func (f *fakeController) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
}
func (f *fakeController) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}
func (f *fakeController) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}
func (f *fakeController) SetAccumulationTime(s float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s > 3600 {
		return errors.New("too long")
	}
	f.accumulation = s
	return nil
}
func (f *fakeController) AccumulationTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accumulation
}
func (f *fakeController) Snapshot() *pipeline.Snapshot { return f.snap.Clone() }
func (f *fakeController) Isotopes() []event.Isotope    { return f.isotopes }
func (f *fakeController) Stages() []pipeline.StageStatus {
	out := make([]pipeline.StageStatus, len(pipeline.StageNames))
	for i, name := range pipeline.StageNames {
		out[i] = pipeline.StageStatus{Name: name, Running: f.Running(), LastProcessedID: uint64(10 - i), Processed: 10}
	}
	return out
}
func (f *fakeController) TransmissionState() pipeline.TransmissionState {
	return pipeline.StateReceiving
}
func (f *fakeController) TransmissionStats() pipeline.TransmissionStats {
	return pipeline.TransmissionStats{Connects: 1, Blocks: 4, Groups: 10, Published: 10}
}
func (f *fakeController) LogLength() int    { return 10 }
func (f *fakeController) CleanedUp() uint64 { return 0 }

func testSnapshot(t *testing.T) *pipeline.Snapshot {
	t.Helper()
	spectrum, err := histogram.New(10, 0, 1000)
	require.NoError(t, err)
	spectrum.Fill([]float64{662, 662, 150})
	rate, err := histogram.New(5, 0, 10)
	require.NoError(t, err)
	rate.Counts[4] = 3
	return &pipeline.Snapshot{
		CountRate: rate,
		Spectrum:  spectrum,
		Image: &event.Image{
			Width: 4, Height: 2,
			LongitudeMin: -180, LongitudeMax: 180,
			LatitudeMin: -90, LatitudeMax: 90,
			Pixels:     []float64{0, 1, 2, 3, 4, 5, 6, 7},
			Events:     3,
			Iterations: 10,
		},
		HorizonID:        10,
		HorizonTime:      9.5,
		AccumulationTime: 60,
		Events:           3,
	}
}

func newTestServer(t *testing.T, ctrl *fakeController, database *db.DB) *WebServer {
	t.Helper()
	ws, err := NewWebServer(WebServerConfig{Address: "127.0.0.1:0", Controller: ctrl, DB: database, RunID: "run-1"})
	require.NoError(t, err)
	return ws
}

func do(t *testing.T, ws *WebServer, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, testutil.LoopbackRequest(method, target))
	return rec
}

func TestNewWebServer_RequiresController(t *testing.T) {
	_, err := NewWebServer(WebServerConfig{})
	assert.Error(t, err)
}

func TestHealthAndStatus(t *testing.T) {
	ctrl := &fakeController{running: true, accumulation: 60, snap: testSnapshot(t),
		isotopes: []event.Isotope{{Name: "Cs-137", Lines: []float64{661.7}, Confidence: 0.9}}}
	ws := newTestServer(t, ctrl, nil)

	rec := do(t, ws, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(t, ws, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		Running          bool    `json:"running"`
		Transmission     string  `json:"transmission"`
		AccumulationTime float64 `json:"accumulation_time"`
		HorizonID        uint64  `json:"horizon_id"`
		RunID            string  `json:"run_id"`
		Stages           []any   `json:"stages"`
		Isotopes         []any   `json:"isotopes"`
		Stats            struct {
			Published uint64 `json:"published"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Running)
	assert.Equal(t, "receiving", st.Transmission)
	assert.Equal(t, 60.0, st.AccumulationTime)
	assert.Equal(t, uint64(10), st.HorizonID)
	assert.Equal(t, "run-1", st.RunID)
	assert.Len(t, st.Stages, 7)
	assert.Len(t, st.Isotopes, 1)
	assert.Equal(t, uint64(10), st.Stats.Published)

	rec = do(t, ws, http.MethodPost, "/api/status")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestResults_BeforeFirstCycle(t *testing.T) {
	ws := newTestServer(t, &fakeController{}, nil)
	for _, path := range []string{"/api/countrate", "/api/spectrum", "/api/image", "/charts/spectrum", "/charts/countrate", "/image.png"} {
		rec := do(t, ws, http.MethodGet, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := do(t, ws, http.MethodGet, "/api/isotopes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestResults(t *testing.T) {
	ws := newTestServer(t, &fakeController{snap: testSnapshot(t)}, nil)

	rec := do(t, ws, http.MethodGet, "/api/spectrum")
	require.Equal(t, http.StatusOK, rec.Code)
	var h histogram.Histogram
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, 3.0, h.Sum())
	assert.Len(t, h.Dividers, 11)

	rec = do(t, ws, http.MethodGet, "/api/countrate")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, []float64{0, 0, 0, 0, 3}, h.Counts)

	rec = do(t, ws, http.MethodGet, "/api/image")
	require.Equal(t, http.StatusOK, rec.Code)
	var im imageBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &im))
	assert.Equal(t, 4, im.Width)
	assert.Equal(t, 2, im.Height)
	assert.Len(t, im.Pixels, 8)
	assert.Equal(t, 3, im.Events)
}

func TestControlEndpoints(t *testing.T) {
	ctrl := &fakeController{running: true, accumulation: 60}
	ws := newTestServer(t, ctrl, nil)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, ws, http.MethodGet, "/api/connect").Code)
	assert.Equal(t, http.StatusAccepted, do(t, ws, http.MethodPost, "/api/connect").Code)
	assert.Equal(t, http.StatusAccepted, do(t, ws, http.MethodPost, "/api/disconnect").Code)
	assert.Equal(t, http.StatusOK, do(t, ws, http.MethodPost, "/api/reset").Code)
	assert.Equal(t, 1, ctrl.connects)
	assert.Equal(t, 1, ctrl.disconnects)
	assert.Equal(t, 1, ctrl.resets)

	ctrl.resetErr = errors.New("source gone")
	rec := do(t, ws, http.MethodPost, "/api/reset")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "source gone")
}

func TestAccumulationEndpoint(t *testing.T) {
	ctrl := &fakeController{accumulation: 60}
	ws := newTestServer(t, ctrl, nil)

	rec := do(t, ws, http.MethodGet, "/api/accumulation")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"seconds":60}`, rec.Body.String())

	rec = do(t, ws, http.MethodPost, "/api/accumulation?seconds=12.5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"seconds":12.5}`, rec.Body.String())
	assert.Equal(t, 12.5, ctrl.AccumulationTime())

	for _, q := range []string{"", "?seconds=0", "?seconds=-1", "?seconds=x", "?seconds=7200"} {
		rec = do(t, ws, http.MethodPost, "/api/accumulation"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
	assert.Equal(t, 12.5, ctrl.AccumulationTime())
}

func TestCharts(t *testing.T) {
	ws := newTestServer(t, &fakeController{snap: testSnapshot(t)}, nil)

	rec := do(t, ws, http.MethodGet, "/charts/spectrum?log=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Energy spectrum")

	rec = do(t, ws, http.MethodGet, "/charts/countrate")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Count rate")
}

func TestImagePNG(t *testing.T) {
	ws := newTestServer(t, &fakeController{snap: testSnapshot(t)}, nil)
	rec := do(t, ws, http.MethodGet, "/image.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	_, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	assert.NoError(t, err)
}

func TestRenderImage_FlatImage(t *testing.T) {
	im := &event.Image{Width: 2, Height: 2, LongitudeMin: -180, LongitudeMax: 180, LatitudeMin: -90, LatitudeMax: 90, Pixels: make([]float64, 4)}
	var buf bytes.Buffer
	require.NoError(t, RenderImage(&buf, im, 200, 100))
	assert.NotZero(t, buf.Len())

	assert.Error(t, RenderImage(&buf, nil, 200, 100))
	assert.Error(t, RenderImage(&buf, &event.Image{Width: 2, Height: 2, Pixels: make([]float64, 3)}, 200, 100))
}

func TestMetrics(t *testing.T) {
	ws := newTestServer(t, &fakeController{running: true, accumulation: 30, snap: testSnapshot(t)}, nil)
	rec := do(t, ws, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	var parser expfmt.TextParser
	fams, err := parser.TextToMetricFamilies(strings.NewReader(rec.Body.String()))
	require.NoError(t, err)

	require.Contains(t, fams, "eventhorizon_running")
	assert.Equal(t, 1.0, fams["eventhorizon_running"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 30.0, fams["eventhorizon_accumulation_seconds"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 10.0, fams["eventhorizon_published_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Len(t, fams["eventhorizon_stage_last_processed_id"].GetMetric(), 7)
	assert.Contains(t, fams, "eventhorizon_window_events")
}

func TestIndexPage(t *testing.T) {
	ws := newTestServer(t, &fakeController{running: true, isotopes: []event.Isotope{{Name: "Co-60", Confidence: 0.5}}}, nil)
	rec := do(t, ws, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "running")
	assert.Contains(t, body, "Co-60")
	assert.Contains(t, body, "reconstruction")

	assert.Equal(t, http.StatusNotFound, do(t, ws, http.MethodGet, "/nope").Code)
}

func TestRunHistory(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(ctx, filepath.Join(t.TempDir(), "mon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	run, err := database.StartRun(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, database.RecordIsotopes(ctx, run, 5, []event.Isotope{{Name: "Cs-137", Confidence: 0.7}}, time.Now()))

	ws, err := NewWebServer(WebServerConfig{Controller: &fakeController{}, DB: database, RunID: run})
	require.NoError(t, err)

	rec := do(t, ws, http.MethodGet, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []db.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run, runs[0].ID)

	rec = do(t, ws, http.MethodGet, "/api/runs/isotopes")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []db.IsotopeRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "Cs-137", rows[0].Name)
	assert.Equal(t, uint64(5), rows[0].HorizonID)

	assert.NotEqual(t, http.StatusNotFound, do(t, ws, http.MethodGet, "/debug/backup").Code)
}

func TestRunHistory_NoDatabase(t *testing.T) {
	ws := newTestServer(t, &fakeController{}, nil)
	assert.Equal(t, http.StatusNotFound, do(t, ws, http.MethodGet, "/api/runs").Code)
	assert.Equal(t, http.StatusNotFound, do(t, ws, http.MethodGet, "/api/runs/isotopes").Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ws := newTestServer(t, &fakeController{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestStart_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ws, err := NewWebServer(WebServerConfig{Address: ln.Addr().String(), Controller: &fakeController{}})
	require.NoError(t, err)
	assert.Error(t, ws.Start(context.Background()))
}
