// Package monitor serves the analyzer's HTTP interface: a JSON API over the
// pipeline controller, chart pages, the sky image, Prometheus metrics and
// the database debug routes.
package monitor

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/banshee-data/eventhorizon/internal/db"
	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/pipeline"
	"github.com/banshee-data/eventhorizon/internal/version"
)

//go:embed status.html
var statusFS embed.FS

var statusTmpl = template.Must(template.ParseFS(statusFS, "status.html"))

// Controller is the part of *pipeline.Analyzer the server drives.
type Controller interface {
	Running() bool
	Connect()
	Disconnect()
	Reset() error
	SetAccumulationTime(seconds float64) error
	AccumulationTime() float64

	Snapshot() *pipeline.Snapshot
	Isotopes() []event.Isotope
	Stages() []pipeline.StageStatus
	TransmissionState() pipeline.TransmissionState
	TransmissionStats() pipeline.TransmissionStats
	LogLength() int
	CleanedUp() uint64
}

// WebServerConfig configures a WebServer.
type WebServerConfig struct {
	Address    string
	Controller Controller
	DB         *db.DB // optional; enables run history and the debug routes
	RunID      string // run the current session records into
}

// WebServer is the analyzer's HTTP interface.
type WebServer struct {
	address string
	ctrl    Controller
	db      *db.DB
	runID   string
	started time.Time
	server  *http.Server
}

// NewWebServer builds the server and its routes.
func NewWebServer(cfg WebServerConfig) (*WebServer, error) {
	if cfg.Controller == nil {
		return nil, errors.New("monitor needs a controller")
	}
	ws := &WebServer{
		address: cfg.Address,
		ctrl:    cfg.Controller,
		db:      cfg.DB,
		runID:   cfg.RunID,
		started: time.Now(),
	}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the server's root handler.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start listens on the configured address and serves until ctx is done,
// then shuts down gracefully. A listen failure is returned immediately.
func (ws *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.address)
	if err != nil {
		return err
	}
	return ws.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (ws *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", ln.Addr())
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
	return nil
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/countrate", ws.handleCountRate)
	mux.HandleFunc("/api/spectrum", ws.handleSpectrum)
	mux.HandleFunc("/api/isotopes", ws.handleIsotopes)
	mux.HandleFunc("/api/image", ws.handleImage)
	mux.HandleFunc("/api/connect", ws.handleConnect)
	mux.HandleFunc("/api/disconnect", ws.handleDisconnect)
	mux.HandleFunc("/api/reset", ws.handleReset)
	mux.HandleFunc("/api/accumulation", ws.handleAccumulation)
	mux.HandleFunc("/api/runs", ws.handleRuns)
	mux.HandleFunc("/api/runs/isotopes", ws.handleRunIsotopes)

	mux.HandleFunc("/charts/spectrum", ws.handleSpectrumChart)
	mux.HandleFunc("/charts/countrate", ws.handleCountRateChart)
	mux.HandleFunc("/image.png", ws.handleImagePNG)
	mux.HandleFunc("/metrics", ws.handleMetrics)
	mux.HandleFunc("/{$}", ws.handleIndex)

	if ws.db != nil {
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Version string
		Status  Status
	}{version.String(), ws.status()}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTmpl.Execute(w, data); err != nil {
		log.Printf("render status page: %v", err)
	}
}
