package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/histogram"
	"github.com/banshee-data/eventhorizon/internal/timeutil"
)

var (
	// ErrAlreadyRunning is returned by Start when the pipeline is running.
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrNotRunning is returned by Stop when the pipeline is not running.
	ErrNotRunning = errors.New("pipeline not running")
	// ErrStartTimeout is returned by Start when a stage did not report
	// running within the startup timeout.
	ErrStartTimeout = errors.New("pipeline startup timed out")
	// ErrNoSource is returned by New without a Source.
	ErrNoSource = errors.New("pipeline needs a source")
)

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock replaces the wall clock used for cadences and usage metering.
func WithClock(c timeutil.Clock) Option {
	return func(a *Analyzer) { a.clock = c }
}

// WithSeed fixes the load-shedding random sequence.
func WithSeed(seed uint64) Option {
	return func(a *Analyzer) { a.seed = seed }
}

// Analyzer owns a pipeline: its shared context, its seven stages and their
// goroutines. It is safe for concurrent use.
type Analyzer struct {
	clock  timeutil.Clock
	seed   uint64
	collab Collaborators
	pc     *PipelineContext

	mu             sync.RWMutex // guards everything below
	transmission   *Transmission
	coincidence    *Coincidence
	reconstruction *Reconstruction
	imaging        *Imaging
	histogramming  *Histogramming
	identification *Identification
	cleanup        *Cleanup
	stages         []stage

	parent  context.Context
	cancel  context.CancelFunc
	done    []chan struct{} // closed as each stage goroutine returns
	started bool
}

// New builds a stopped pipeline.
func New(settings Settings, c Collaborators, opts ...Option) (*Analyzer, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if c.Source == nil {
		return nil, ErrNoSource
	}
	a := &Analyzer{collab: c, seed: uint64(time.Now().UnixNano())}
	for _, opt := range opts {
		opt(a)
	}
	if a.clock == nil {
		a.clock = timeutil.System{}
	}
	a.pc = newPipelineContext(settings, a.clock)
	a.buildStages()
	return a, nil
}

func (a *Analyzer) buildStages() {
	pc, c := a.pc, a.collab
	a.transmission = newTransmission(pc, c.Source, c.Accumulation)
	a.coincidence = newCoincidence(pc, c.Merger)
	a.reconstruction = newReconstruction(pc, c.Reconstructor, c.Output, a.seed)
	a.imaging = newImaging(pc, c.Backprojector, a.seed+1)
	a.histogramming = newHistogramming(pc, c.Deconvolver)
	a.identification = newIdentification(pc, c.Identifier)
	a.cleanup = newCleanup(pc)
	a.stages = []stage{
		a.transmission,
		a.coincidence,
		a.reconstruction,
		a.imaging,
		a.histogramming,
		a.identification,
		a.cleanup,
	}
}

type stageReport struct {
	name StageName
	err  error
}

// Start launches every stage under ctx and waits until each has acquired its
// resources and reported running. If any stage fails to set up, or the
// startup timeout expires, the stages already started are stopped again and
// the error is returned.
func (a *Analyzer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrAlreadyRunning
	}
	a.parent = ctx
	return a.startLocked()
}

func (a *Analyzer) startLocked() error {
	ctx, cancel := context.WithCancel(a.parent)
	reports := make(chan stageReport, len(a.stages))
	done := make(map[StageName]chan struct{}, len(a.stages))
	for _, st := range a.stages {
		ch := make(chan struct{})
		done[st.Name()] = ch
		go a.runStage(ctx, st, reports, ch)
	}

	timer := time.NewTimer(a.pc.settings.StartupTimeout)
	defer timer.Stop()
	waiting := make(map[StageName]bool, len(a.stages))
	for _, st := range a.stages {
		waiting[st.Name()] = true
	}
	var err error
	for len(waiting) > 0 && err == nil {
		select {
		case rep := <-reports:
			delete(waiting, rep.name)
			err = rep.err
		case <-timer.C:
			names := make([]string, 0, len(waiting))
			for name := range waiting {
				names = append(names, string(name))
			}
			slices.Sort(names)
			err = fmt.Errorf("%w after %v: waiting for %v", ErrStartTimeout, a.pc.settings.StartupTimeout, names)
		case <-a.parent.Done():
			err = a.parent.Err()
		}
	}
	if err != nil {
		cancel()
		a.abandon(waiting, done)
		opsf("start failed: %v", err)
		return err
	}
	a.cancel = cancel
	a.done = a.done[:0]
	for _, st := range a.stages {
		a.done = append(a.done, done[st.Name()])
	}
	a.started = true
	diagf("started %d stages", len(a.stages))
	return nil
}

// abandon unwinds a failed start. Stages that reported are joined and torn
// down now. Stages still inside setup are left to finish on their own
// goroutine, which tears them down once setup returns.
func (a *Analyzer) abandon(waiting map[StageName]bool, done map[StageName]chan struct{}) {
	var errs []error
	for _, st := range a.stages {
		if waiting[st.Name()] {
			go func() {
				<-done[st.Name()]
				if err := st.teardown(); err != nil {
					diagf("teardown of late %s: %v", st.Name(), err)
				}
			}()
			continue
		}
		<-done[st.Name()]
		if err := st.teardown(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.flushSinks(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		diagf("teardown after failed start: %v", err)
	}
}

func (a *Analyzer) runStage(ctx context.Context, st stage, reports chan<- stageReport, done chan<- struct{}) {
	defer close(done)
	if err := st.setup(); err != nil {
		reports <- stageReport{name: st.Name(), err: err}
		return
	}
	if ctx.Err() != nil {
		// Start gave up while setup was running.
		return
	}
	st.running().Store(true)
	defer st.running().Store(false)
	reports <- stageReport{name: st.Name()}
	diagf("%s: running", st.Name())
	st.run(ctx)
	diagf("%s: stopped", st.Name())
}

// Stop cancels every stage, waits for the goroutines to return and releases
// the stage resources.
func (a *Analyzer) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return ErrNotRunning
	}
	return a.stopLocked()
}

func (a *Analyzer) stopLocked() error {
	a.cancel()
	for _, ch := range a.done {
		<-ch
	}
	a.started = false
	err := a.teardownLocked()
	diagf("stopped")
	return err
}

// teardownLocked runs every stage's teardown and flushes the sinks.
func (a *Analyzer) teardownLocked() error {
	var errs []error
	for _, st := range a.stages {
		if err := st.teardown(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.flushSinks(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Analyzer) flushSinks() error {
	var errs []error
	for _, s := range []Sink{a.collab.Accumulation, a.collab.Output} {
		if s == nil {
			continue
		}
		if err := s.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Reset stops the pipeline, empties the log, zeroes every bookmark and the
// ID counter, discards the published results, and starts again under the
// context of the last Start. A stopped pipeline is cleared and left stopped.
func (a *Analyzer) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	wasRunning := a.started
	var stopErr error
	if wasRunning {
		stopErr = a.stopLocked()
	}
	a.pc.reset()
	a.buildStages()
	opsf("reset")
	if !wasRunning {
		return stopErr
	}
	if err := a.startLocked(); err != nil {
		return errors.Join(stopErr, err)
	}
	return stopErr
}

// Running reports whether the pipeline has been started and not stopped.
func (a *Analyzer) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.started
}

// Connect asks the transmission stage to connect to the source.
func (a *Analyzer) Connect() {
	a.pc.wantConnected.Store(true)
	a.pc.connectionReq.Broadcast()
}

// Disconnect asks the transmission stage to drain and close the source.
func (a *Analyzer) Disconnect() {
	a.pc.wantConnected.Store(false)
	a.pc.connectionReq.Broadcast()
}

// SetAccumulationTime changes the trailing window width. The windowed
// stages pick it up on their next cycle.
func (a *Analyzer) SetAccumulationTime(seconds float64) error {
	if !(seconds > 0) || math.IsInf(seconds, 0) {
		return fmt.Errorf("%w: got %g", ErrInvalidAccumulationTime, seconds)
	}
	a.pc.setAccumulationTime(seconds)
	diagf("accumulation time set to %gs", seconds)
	return nil
}

// AccumulationTime returns the current trailing window width in seconds.
func (a *Analyzer) AccumulationTime() float64 { return a.pc.accumulationTime() }

// Settings returns the run configuration.
func (a *Analyzer) Settings() Settings { return a.pc.settings }

// Snapshot returns a copy of the last histogramming result, or nil before
// the first cycle.
func (a *Analyzer) Snapshot() *Snapshot { return a.pc.snapshot.Load().Clone() }

// CountRate returns a copy of the last count-rate histogram, or nil.
func (a *Analyzer) CountRate() *histogram.Histogram {
	if s := a.pc.snapshot.Load(); s != nil {
		return s.CountRate.Clone()
	}
	return nil
}

// Spectrum returns a copy of the last energy spectrum, or nil.
func (a *Analyzer) Spectrum() *histogram.Histogram {
	if s := a.pc.snapshot.Load(); s != nil {
		return s.Spectrum.Clone()
	}
	return nil
}

// Image returns a copy of the last image, or nil.
func (a *Analyzer) Image() *event.Image {
	if s := a.pc.snapshot.Load(); s != nil {
		return s.Image.Clone()
	}
	return nil
}

// Isotopes returns a copy of the last identification result.
func (a *Analyzer) Isotopes() []event.Isotope { return a.pc.isotopes.Load().clone() }

// IsotopeList returns a copy of the last identification result with the
// horizon it was computed at, or nil before the first identification cycle.
func (a *Analyzer) IsotopeList() *IsotopeList {
	l := a.pc.isotopes.Load()
	if l == nil {
		return nil
	}
	return &IsotopeList{Isotopes: l.clone(), HorizonID: l.HorizonID, WindowStartID: l.WindowStartID}
}

// Cycles returns a channel closed after the next windowed publish.
func (a *Analyzer) Cycles() <-chan struct{} { return a.pc.cycles.Wait() }

// Stages returns the status of every stage in pipeline order.
func (a *Analyzer) Stages() []StageStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]StageStatus, len(a.stages))
	for i, st := range a.stages {
		out[i] = st.status()
	}
	return out
}

// Stage returns the status of one stage.
func (a *Analyzer) Stage(name StageName) (StageStatus, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, st := range a.stages {
		if st.Name() == name {
			return st.status(), true
		}
	}
	return StageStatus{}, false
}

// LastProcessedID returns a stage's bookmark. For cleanup it returns the
// current floor.
func (a *Analyzer) LastProcessedID(name StageName) uint64 {
	st, _ := a.Stage(name)
	return st.LastProcessedID
}

// WindowStartID returns a windowed stage's window start, or zero.
func (a *Analyzer) WindowStartID(name StageName) uint64 {
	if b := a.pc.bookmark(name); b != nil {
		return b.WindowStartID()
	}
	return 0
}

// CPUUsage returns a stage's busy fraction over the last usage period.
func (a *Analyzer) CPUUsage(name StageName) float64 {
	st, _ := a.Stage(name)
	return st.CPUUsage
}

// TransmissionState returns the connection state.
func (a *Analyzer) TransmissionState() TransmissionState {
	return TransmissionState(a.pc.state.Load())
}

// TransmissionStats returns the transmission counters.
func (a *Analyzer) TransmissionStats() TransmissionStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.transmission.Stats()
}

// LogLength returns the number of records retained in the log.
func (a *Analyzer) LogLength() int { return a.pc.log.Len() }

// CleanedUp returns how many records cleanup has removed since the last reset.
func (a *Analyzer) CleanedUp() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cleanup.Removed()
}
