package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/banshee-data/eventhorizon/internal/config"
	"github.com/banshee-data/eventhorizon/internal/db"
	"github.com/banshee-data/eventhorizon/internal/ingest"
	"github.com/banshee-data/eventhorizon/internal/monitor"
	"github.com/banshee-data/eventhorizon/internal/physics"
	"github.com/banshee-data/eventhorizon/internal/pipeline"
)

var errDrainTimeout = errors.New("timed out waiting for the pipeline to finish the recording")

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return &config.Config{}, nil
	}
	return config.Load(configPath)
}

func databasePath(cfg *config.Config) string {
	if dbPath != "" {
		return dbPath
	}
	return cfg.GetDatabase()
}

// newSource builds the live or replay source a config section names.
func newSource(sc config.SourceConfig) (pipeline.Source, error) {
	switch sc.Kind {
	case config.SourceTCP, "":
		if sc.Address == "" {
			return nil, errors.New("tcp source needs an address")
		}
		return ingest.NewTCPSource(sc.Address), nil
	case config.SourceSerial:
		if sc.Address == "" {
			return nil, errors.New("serial source needs a device path")
		}
		return ingest.NewSerialSource(sc.Address, sc.Serial), nil
	case config.SourceNATS:
		if sc.Address == "" || sc.Subject == "" {
			return nil, errors.New("nats source needs a server URL and a subject")
		}
		return ingest.NewNATSSource(sc.Address, sc.Subject), nil
	case config.SourceFile:
		return ingest.NewFileSource(sc.Address), nil
	case config.SourcePcap:
		return ingest.NewPcapSource(sc.Address, sc.Port), nil
	}
	return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
}

// app is one analyzer session: the pipeline, its collaborators and the
// optional database run it records into.
type app struct {
	cfg      *config.Config
	analyzer *pipeline.Analyzer
	db       *db.DB
	runID    string
	closers  []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, src pipeline.Source) (_ *app, err error) {
	settings, err := cfg.Settings()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	grid, resolution, iterations := cfg.GetImaging()
	bp, err := physics.NewBackprojector(grid, resolution)
	if err != nil {
		return nil, err
	}
	mlem, err := physics.NewMLEM(grid, iterations)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	collab := pipeline.Collaborators{
		Source:        src,
		Merger:        physics.CoincidenceMerger{Window: settings.CoincidenceWindow},
		Reconstructor: physics.NewReconstructor(physics.DefaultReconstructorConfig()),
		Backprojector: bp,
		Deconvolver:   mlem,
		Identifier:    physics.NewLineIdentifier(),
	}
	if path := cfg.GetAccumulationFile(); path != "" {
		fs, err := pipeline.OpenFileSink(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, fs)
		collab.Accumulation = fs
	}
	if path := databasePath(cfg); path != "" {
		if a.db, err = db.Open(ctx, path); err != nil {
			return nil, err
		}
		if a.runID, err = a.db.StartRun(ctx, cfg); err != nil {
			return nil, err
		}
		collab.Output = a.db.NewSink(a.runID)
		log.Printf("recording run %s into %s", a.runID, path)
	}

	if a.analyzer, err = pipeline.New(settings, collab); err != nil {
		return nil, err
	}
	return a, nil
}

// run starts the pipeline and serves until ctx is done. When done is not
// nil (a replay), closing it makes run wait for the pipeline to finish the
// recording and return.
func (a *app) run(ctx context.Context, done <-chan struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.analyzer.Start(ctx); err != nil {
		return err
	}
	a.analyzer.Connect()

	errc := make(chan error, 1)
	if listenAddr != "" {
		ws, err := monitor.NewWebServer(monitor.WebServerConfig{
			Address:    listenAddr,
			Controller: a.analyzer,
			DB:         a.db,
			RunID:      a.runID,
		})
		if err != nil {
			a.analyzer.Stop()
			return err
		}
		go func() {
			if err := ws.Start(ctx); err != nil {
				errc <- fmt.Errorf("http server: %w", err)
			}
		}()
	}
	if configPath != "" {
		go a.watchConfig(ctx)
	}
	if a.db != nil {
		go a.recordIsotopes(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	case <-done:
		runErr = drain(ctx, a.analyzer, 5*time.Minute)
	}
	if err := a.analyzer.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func (a *app) watchConfig(ctx context.Context) {
	err := config.Watch(ctx, configPath, func(cfg *config.Config) {
		seconds := cfg.GetAccumulationTime()
		if seconds == a.analyzer.AccumulationTime() {
			return
		}
		if err := a.analyzer.SetAccumulationTime(seconds); err != nil {
			log.Printf("config reload: %v", err)
			return
		}
		log.Printf("config reload: accumulation time now %gs", seconds)
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("config watch stopped: %v", err)
	}
}

// recordIsotopes stores each new identification result in the run.
func (a *app) recordIsotopes(ctx context.Context) {
	var rec isotopeRecorder
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.analyzer.Cycles():
		}
		l := a.analyzer.IsotopeList()
		if !rec.fresh(l) {
			continue
		}
		if err := a.db.RecordIsotopes(ctx, a.runID, l.HorizonID, l.Isotopes, time.Now()); err != nil {
			log.Printf("record isotopes: %v", err)
		}
	}
}

// isotopeRecorder passes each non-empty identification result once, keyed on
// the identification horizon.
type isotopeRecorder struct {
	last uint64
	seen bool
}

func (r *isotopeRecorder) fresh(l *pipeline.IsotopeList) bool {
	if l == nil || len(l.Isotopes) == 0 || (r.seen && l.HorizonID == r.last) {
		return false
	}
	r.last, r.seen = l.HorizonID, true
	return true
}

// caughtUp reports whether the source has been released and every published
// record has passed imaging.
func caughtUp(an *pipeline.Analyzer) bool {
	switch an.TransmissionState() {
	case pipeline.StateConnected, pipeline.StateReceiving, pipeline.StateDisconnecting:
		return false
	}
	return an.LastProcessedID(pipeline.StageImaging) >= an.TransmissionStats().Published
}

// drain waits until the pipeline has processed everything a finished
// recording published, then until both windowed stages have cycled again so
// the published results cover it.
func drain(ctx context.Context, an *pipeline.Analyzer, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errDrainTimeout
		case <-an.Cycles():
			return nil
		}
	}
	for !caughtUp(an) {
		if err := wait(); err != nil {
			return err
		}
	}
	s := an.Settings()
	settle := max(s.HistogrammingInterval, s.IdentificationInterval)
	for start := time.Now(); ; {
		if err := wait(); err != nil {
			return err
		}
		if time.Since(start) >= settle {
			return nil
		}
	}
}

func (a *app) close() error {
	var errs []error
	if a.db != nil {
		if a.runID != "" {
			if err := a.db.StopRun(context.Background(), a.runID); err != nil {
				errs = append(errs, err)
			}
		}
		errs = append(errs, a.db.Close())
	}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// summary describes the last published results.
func (a *app) summary(w io.Writer) {
	stats := a.analyzer.TransmissionStats()
	fmt.Fprintf(w, "published %d events (%d malformed, %d time jumps)\n", stats.Published, stats.Malformed, stats.TimeJumps)
	if snap := a.analyzer.Snapshot(); snap != nil {
		fmt.Fprintf(w, "last window: %d events up to t=%.3fs\n", snap.Events, snap.HorizonTime)
	}
	isotopes := a.analyzer.Isotopes()
	if len(isotopes) == 0 {
		fmt.Fprintln(w, "no isotopes identified")
	}
	for _, iso := range isotopes {
		fmt.Fprintf(w, "  %-8s confidence %.2f\n", iso.Name, iso.Confidence)
	}
	if a.runID != "" {
		fmt.Fprintf(w, "run %s\n", a.runID)
	}
}
