package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/banshee-data/eventhorizon/internal/histogram"
)

// Identification proposes isotopes from the energy spectrum of the trailing
// window behind the newest coincident record. A failed attempt keeps the
// previously published list.
type Identification struct {
	windowStage
	identifier Identifier
	geometry   string

	failed atomic.Uint64
}

func newIdentification(pc *PipelineContext, id Identifier) *Identification {
	s := &Identification{
		windowStage: windowStage{
			stageBase: newStageBase(pc, StageIdentification),
			flag:      (*Record).Coincident,
			upstream:  pc.coincidence.Advanced,
			interval:  pc.settings.IdentificationInterval,
		},
		identifier: id,
		geometry:   pc.settings.Geometry,
	}
	s.compute = s.identify
	return s
}

func (s *Identification) setup() error {
	return load(s.name, s.geometry, s.identifier)
}

func (s *Identification) teardown() error {
	return release(s.name, s.identifier)
}

// Failed returns the number of failed identification attempts.
func (s *Identification) Failed() uint64 { return s.failed.Load() }

func (s *Identification) identify(horizon *Record, window []*Record, _ float64, started time.Time) {
	if s.identifier == nil {
		return
	}
	set := s.pc.settings
	h, err := histogram.New(set.SpectrumBins, set.SpectrumMin, set.SpectrumMax)
	if err != nil {
		panic(err)
	}
	h.Title, h.Unit = "energy spectrum", "keV"
	h.Fill(energies(window))

	isotopes, err := s.identifier.Identify(h)
	if err != nil {
		s.failed.Add(1)
		diagf("identification: window [%d, %d]: %v; keeping previous result",
			window[len(window)-1].ID, horizon.ID, err)
		return
	}
	s.pc.isotopes.Store(&IsotopeList{
		Isotopes:      isotopes,
		HorizonID:     horizon.ID,
		WindowStartID: window[len(window)-1].ID,
	})
	tracef("identification: %d candidates in %v", len(isotopes), s.pc.clock.Since(started))
}
