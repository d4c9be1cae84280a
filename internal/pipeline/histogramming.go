package pipeline

import (
	"math"
	"time"

	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/histogram"
)

// Histogramming publishes the count rate, spectrum and image over the
// trailing window behind the newest imaged record. Every cycle recomputes
// from scratch.
type Histogramming struct {
	windowStage
	deconvolver Deconvolver
	geometry    string
}

func newHistogramming(pc *PipelineContext, d Deconvolver) *Histogramming {
	s := &Histogramming{
		windowStage: windowStage{
			stageBase: newStageBase(pc, StageHistogramming),
			flag:      (*Record).Imaged,
			upstream:  pc.imaging.Advanced,
			interval:  pc.settings.HistogrammingInterval,
		},
		deconvolver: d,
		geometry:    pc.settings.Geometry,
	}
	s.compute = s.publish
	return s
}

func (s *Histogramming) setup() error {
	return load(s.name, s.geometry, s.deconvolver)
}

func (s *Histogramming) teardown() error {
	return release(s.name, s.deconvolver)
}

func (s *Histogramming) publish(horizon *Record, window []*Record, acc float64, started time.Time) {
	set := s.pc.settings
	snap := &Snapshot{
		CountRate:        countRate(horizon, window, acc, set.CountRateBinWidth),
		Spectrum:         spectrum(window, set),
		HorizonID:        horizon.ID,
		HorizonTime:      horizon.Timestamp,
		WindowStartID:    window[len(window)-1].ID,
		AccumulationTime: acc,
		Events:           len(window),
	}

	var contributions []*event.ImageContribution
	for _, r := range window {
		if selected(r, set) {
			contributions = append(contributions, r.contribution)
		}
	}
	snap.ImageEvents = len(contributions)
	if s.deconvolver != nil {
		// Window order is newest first; the deconvolver sees time order.
		for i, j := 0, len(contributions)-1; i < j; i, j = i+1, j-1 {
			contributions[i], contributions[j] = contributions[j], contributions[i]
		}
		snap.Image = s.deconvolver.Deconvolve(contributions)
	}
	snap.Elapsed = s.pc.clock.Since(started)
	s.pc.snapshot.Store(snap)
	tracef("histogramming: window [%d, %d] %d events, %d imaged, %v",
		snap.WindowStartID, snap.HorizonID, snap.Events, snap.ImageEvents, snap.Elapsed)
}

// countRate bins every window record by its offset from the window's
// trailing edge and normalizes each bin to a rate, so the integral equals
// the number of records.
func countRate(horizon *Record, window []*Record, acc, binWidth float64) *histogram.Histogram {
	bins := max(1, int(math.Ceil(acc/binWidth)))
	h, err := histogram.New(bins, 0, math.Max(float64(bins)*binWidth, acc))
	if err != nil {
		// Settings are validated; unreachable.
		panic(err)
	}
	h.Title, h.Unit = "count rate", "counts/s"
	// Offsets from the trailing edge, computed from the horizon so the
	// horizon itself lands exactly on acc.
	x := make([]float64, len(window))
	for i, r := range window {
		x[i] = acc - (horizon.Timestamp - r.Timestamp)
	}
	h.Fill(x)
	h.Scale(1 / binWidth)
	return h
}

// spectrum bins the energy of every coincident record that was not merged
// away into another.
func spectrum(window []*Record, set Settings) *histogram.Histogram {
	h, err := histogram.New(set.SpectrumBins, set.SpectrumMin, set.SpectrumMax)
	if err != nil {
		panic(err)
	}
	h.Title, h.Unit = "energy spectrum", "keV"
	h.Fill(energies(window))
	return h
}

func energies(window []*Record) []float64 {
	e := make([]float64, 0, len(window))
	for _, r := range window {
		if r.Coincident() && !r.Merged() {
			e = append(e, r.coincident.Energy())
		}
	}
	return e
}

// selected is the image event selection.
func selected(r *Record, set Settings) bool {
	if !r.Coincident() || !r.Reconstructed() || !r.Imaged() {
		return false
	}
	if r.Merged() || r.Dropped() {
		return false
	}
	if r.interpretation.Kind == event.KindNone || r.contribution == nil {
		return false
	}
	return set.selects(r.coincident.Energy())
}
