package pipeline

import (
	"sync/atomic"

	"github.com/banshee-data/eventhorizon/internal/event"
)

// Imaging backprojects each reconstructed event onto the image grid.
type Imaging struct {
	pointStage
	backprojector Backprojector
	geometry      string

	calls  atomic.Uint64
	failed atomic.Uint64
}

func newImaging(pc *PipelineContext, bp Backprojector, seed uint64) *Imaging {
	s := &Imaging{
		pointStage:    pointStage{stageBase: newStageBase(pc, StageImaging)},
		backprojector: bp,
		geometry:      pc.settings.Geometry,
	}
	s.shed = NewLoadShedder(pc.settings.ImagingShed, seed)
	s.ready = (*Record).Reconstructed
	s.upstream = pc.reconstruction.Advanced
	s.process = s.processRecord
	return s
}

func (s *Imaging) setup() error {
	return load(s.name, s.geometry, s.backprojector)
}

func (s *Imaging) teardown() error {
	return release(s.name, s.backprojector)
}

// Calls returns how many times the backprojector was invoked.
func (s *Imaging) Calls() uint64 { return s.calls.Load() }

func (s *Imaging) processRecord(r *Record) {
	if r.Dropped() || r.interpretation.Kind == event.KindNone || s.backprojector == nil {
		r.imaged.Store(true)
		return
	}
	if s.shed.ShouldDrop() {
		r.dropped.Store(true)
		r.imaged.Store(true)
		s.dropped.Add(1)
		return
	}
	s.calls.Add(1)
	c, err := s.backprojector.Backproject(r.interpretation)
	if err != nil {
		s.failed.Add(1)
		tracef("imaging: record %d: %v", r.ID, err)
		c = nil
	}
	r.contribution = c
	r.imaged.Store(true)
}
