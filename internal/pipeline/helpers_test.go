package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/histogram"
)

// fakeSource hands out whatever is sent on blocks.
type fakeSource struct {
	blocks  chan string
	opens   atomic.Int32
	closes  atomic.Int32
	openErr atomic.Pointer[error]
	recvErr chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{blocks: make(chan string, 1024), recvErr: make(chan error, 1)}
}

func (s *fakeSource) Open(ctx context.Context) error {
	s.opens.Add(1)
	if p := s.openErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *fakeSource) Receive(ctx context.Context) (string, error) {
	t := time.NewTimer(2 * time.Millisecond)
	defer t.Stop()
	select {
	case err := <-s.recvErr:
		return "", err
	case b := <-s.blocks:
		return b, nil
	case <-t.C:
		return "", ErrNoData
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *fakeSource) Close() error {
	s.closes.Add(1)
	return nil
}

// descriptor renders one group with a single hit of energy e.
func descriptor(ts, e float64) string {
	var b strings.Builder
	g := &event.Group{Timestamp: ts, Hits: []event.Hit{{Energy: e}}}
	g.WriteTo(&b)
	return b.String()
}

// taggedDescriptor carries an acquisition id so arrival order can be
// recovered from the log.
func taggedDescriptor(acq uint64, ts, e float64) string {
	var b strings.Builder
	g := &event.Group{AcquisitionID: acq, Timestamp: ts, Hits: []event.Hit{{Energy: e}}}
	g.WriteTo(&b)
	return b.String()
}

// series renders n groups at 1 s spacing starting at t0.
func series(t0 float64, n int, e float64) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(descriptor(t0+float64(i), e))
	}
	return b.String()
}

// fakeReconstructor interprets every group as a photo absorption, except
// groups whose energy is listed in fail.
type fakeReconstructor struct {
	fail  map[float64]bool
	calls atomic.Int64
}

func (f *fakeReconstructor) Reconstruct(g *event.Group) (event.Interpretation, error) {
	f.calls.Add(1)
	if f.fail[g.Energy()] {
		return event.None, nil
	}
	return event.Interpretation{Kind: event.KindPhoto, Energy: g.Energy()}, nil
}

// fakeBackprojector records the energies it was asked to backproject.
type fakeBackprojector struct {
	mu       sync.Mutex
	energies []float64
}

func (f *fakeBackprojector) Backproject(in event.Interpretation) (*event.ImageContribution, error) {
	f.mu.Lock()
	f.energies = append(f.energies, in.Energy)
	f.mu.Unlock()
	return &event.ImageContribution{Bins: []int{0}, Weights: []float64{1}}, nil
}

func (f *fakeBackprojector) seen(e float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.energies {
		if x == e {
			return true
		}
	}
	return false
}

// sumDeconvolver adds every contribution into a single pixel.
type sumDeconvolver struct{}

func (sumDeconvolver) Deconvolve(cs []*event.ImageContribution) *event.Image {
	im := &event.Image{Width: 1, Height: 1, Pixels: []float64{0}, Events: len(cs)}
	for _, c := range cs {
		for _, w := range c.Weights {
			im.Pixels[0] += w
		}
	}
	return im
}

// fakeIdentifier returns a fixed list, or err when set.
type fakeIdentifier struct {
	mu  sync.Mutex
	err error
	n   int
}

func (f *fakeIdentifier) Identify(h *histogram.Histogram) ([]event.Isotope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	return []event.Isotope{{Name: "Cs-137", Lines: []float64{661.7}, Confidence: h.Sum() / (h.Sum() + 1)}}, nil
}

func (f *fakeIdentifier) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// windowMerger absorbs a group into the newest pending candidate within w
// seconds.
type windowMerger struct{ w float64 }

func (m windowMerger) Merge(g *event.Group, window []Candidate) MergeResult {
	for i := len(window) - 1; i >= 0; i-- {
		c := window[i]
		if math.Abs(g.Timestamp-c.Group.Timestamp) <= m.w {
			return MergeResult{AbsorbedInto: c.ID, Combined: c.Group.Merge(g)}
		}
	}
	return MergeResult{}
}

// failingLoader fails or blocks in Load.
type failingLoader struct {
	fakeReconstructor
	err    error
	block  chan struct{}
	closed atomic.Int32
}

func (l *failingLoader) Load(string) error {
	if l.block != nil {
		<-l.block
	}
	return l.err
}

func (l *failingLoader) Close() error {
	l.closed.Add(1)
	return nil
}

var errBoom = errors.New("boom")

func testSettings() Settings {
	s := DefaultSettings()
	s.AccumulationTime = 10
	s.CoincidenceEnabled = false
	s.InitializationCutOff = 0.5
	s.PollInterval = time.Millisecond
	s.HistogrammingInterval = 5 * time.Millisecond
	s.IdentificationInterval = 5 * time.Millisecond
	s.CleanupInterval = 2 * time.Millisecond
	s.CoincidenceIdleFlush = 5 * time.Millisecond
	s.ReconnectMin = time.Millisecond
	s.ReconnectMax = 5 * time.Millisecond
	s.StartupTimeout = time.Second
	s.ReconstructionShed.Enabled = false
	s.ImagingShed.Enabled = false
	return s
}

func testCollaborators() Collaborators {
	return Collaborators{
		Source:        newFakeSource(),
		Reconstructor: &fakeReconstructor{},
		Backprojector: &fakeBackprojector{},
		Deconvolver:   sumDeconvolver{},
		Identifier:    &fakeIdentifier{},
	}
}

func newTestAnalyzer(t *testing.T, s Settings, c Collaborators) *Analyzer {
	t.Helper()
	a, err := New(s, c, WithSeed(1))
	require.NoError(t, err)
	return a
}

// feed ingests text directly through the transmission stage and publishes
// everything it buffered. Only valid while the analyzer is stopped.
func feed(a *Analyzer, text string) {
	a.transmission.ingest(text + "EN\n")
	a.transmission.publishAll()
}

// drain runs the point stages until none of them makes progress.
func drain(a *Analyzer) {
	for {
		n := a.coincidence.step()
		a.coincidence.finalizeAll()
		n += a.reconstruction.step()
		n += a.imaging.step()
		if n == 0 {
			return
		}
	}
}

// logIDs returns every retained ID from back to front.
func logIDs(l *Log) []uint64 {
	var ids []uint64
	for r := l.Back(); r != nil; r = r.Newer() {
		ids = append(ids, r.ID)
	}
	return ids
}
