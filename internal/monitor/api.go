package monitor

import (
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/httputil"
	"github.com/banshee-data/eventhorizon/internal/pipeline"
	"github.com/banshee-data/eventhorizon/internal/version"
)

// Status is the body of /api/status.
type Status struct {
	Running          bool                       `json:"running"`
	Transmission     pipeline.TransmissionState `json:"transmission"`
	Stats            pipeline.TransmissionStats `json:"stats"`
	AccumulationTime float64                    `json:"accumulation_time"`
	LogLength        int                        `json:"log_length"`
	CleanedUp        uint64                     `json:"cleaned_up"`
	HorizonID        uint64                     `json:"horizon_id"`
	HorizonTime      float64                    `json:"horizon_time"`
	WindowEvents     int                        `json:"window_events"`
	Stages           []pipeline.StageStatus     `json:"stages"`
	Isotopes         []event.Isotope            `json:"isotopes"`
	RunID            string                     `json:"run_id,omitempty"`
}

func (ws *WebServer) status() Status {
	s := Status{
		Running:          ws.ctrl.Running(),
		Transmission:     ws.ctrl.TransmissionState(),
		Stats:            ws.ctrl.TransmissionStats(),
		AccumulationTime: ws.ctrl.AccumulationTime(),
		LogLength:        ws.ctrl.LogLength(),
		CleanedUp:        ws.ctrl.CleanedUp(),
		Stages:           ws.ctrl.Stages(),
		Isotopes:         ws.ctrl.Isotopes(),
		RunID:            ws.runID,
	}
	if snap := ws.ctrl.Snapshot(); snap != nil {
		s.HorizonID = snap.HorizonID
		s.HorizonTime = snap.HorizonTime
		s.WindowEvents = snap.Events
	}
	if s.Isotopes == nil {
		s.Isotopes = []event.Isotope{}
	}
	return s
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]any{
		"status":  "ok",
		"running": ws.ctrl.Running(),
		"version": version.String(),
		"uptime":  time.Since(ws.started).Round(time.Second).String(),
	})
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, ws.status())
}

func (ws *WebServer) handleCountRate(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	snap := ws.ctrl.Snapshot()
	if snap == nil || snap.CountRate == nil {
		httputil.NotFound(w, "no count rate published yet")
		return
	}
	httputil.WriteJSONOK(w, snap.CountRate)
}

func (ws *WebServer) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	snap := ws.ctrl.Snapshot()
	if snap == nil || snap.Spectrum == nil {
		httputil.NotFound(w, "no spectrum published yet")
		return
	}
	httputil.WriteJSONOK(w, snap.Spectrum)
}

func (ws *WebServer) handleIsotopes(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	isotopes := ws.ctrl.Isotopes()
	if isotopes == nil {
		isotopes = []event.Isotope{}
	}
	httputil.WriteJSONOK(w, isotopes)
}

// imageBody is the JSON form of the last image.
type imageBody struct {
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	LongitudeMin float64   `json:"longitude_min"`
	LongitudeMax float64   `json:"longitude_max"`
	LatitudeMin  float64   `json:"latitude_min"`
	LatitudeMax  float64   `json:"latitude_max"`
	Events       int       `json:"events"`
	Iterations   int       `json:"iterations"`
	Pixels       []float64 `json:"pixels"`
}

func (ws *WebServer) handleImage(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	snap := ws.ctrl.Snapshot()
	if snap == nil || snap.Image == nil {
		httputil.NotFound(w, "no image published yet")
		return
	}
	im := snap.Image
	httputil.WriteJSONOK(w, imageBody{
		Width: im.Width, Height: im.Height,
		LongitudeMin: im.LongitudeMin, LongitudeMax: im.LongitudeMax,
		LatitudeMin: im.LatitudeMin, LatitudeMax: im.LatitudeMax,
		Events: im.Events, Iterations: im.Iterations,
		Pixels: im.Pixels,
	})
}

func (ws *WebServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	ws.ctrl.Connect()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"requested": "connect"})
}

func (ws *WebServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	ws.ctrl.Disconnect()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"requested": "disconnect"})
}

func (ws *WebServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	if err := ws.ctrl.Reset(); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("reset: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"running": ws.ctrl.Running()})
}

func (ws *WebServer) handleAccumulation(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodPost {
		seconds, err := httputil.PositiveFloat(r, "seconds")
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := ws.ctrl.SetAccumulationTime(seconds); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	httputil.WriteJSONOK(w, map[string]float64{"seconds": ws.ctrl.AccumulationTime()})
}

func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	if ws.db == nil {
		httputil.NotFound(w, "no database configured")
		return
	}
	runs, err := ws.db.Runs(r.Context(), httputil.IntParam(r, "limit", 20, 1, 1000))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list runs: %v", err))
		return
	}
	httputil.WriteJSONOK(w, runs)
}

func (ws *WebServer) handleRunIsotopes(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	if ws.db == nil {
		httputil.NotFound(w, "no database configured")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runID = ws.runID
	}
	if runID == "" {
		httputil.BadRequest(w, "missing 'run_id' parameter")
		return
	}
	rows, err := ws.db.Isotopes(r.Context(), runID, httputil.IntParam(r, "limit", 100, 1, 10000))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list isotopes: %v", err))
		return
	}
	httputil.WriteJSONOK(w, rows)
}
