package pipeline

import (
	"sync/atomic"

	"github.com/banshee-data/eventhorizon/internal/event"
)

// Reconstruction interprets each coincident group. Failures are recorded as
// dropped records, never as faults; under saturation the stage sheds a
// fraction of its input before attempting the work.
type Reconstruction struct {
	pointStage
	reconstructor Reconstructor
	output        Sink
	geometry      string

	failed atomic.Uint64
}

func newReconstruction(pc *PipelineContext, rec Reconstructor, output Sink, seed uint64) *Reconstruction {
	s := &Reconstruction{
		pointStage:    pointStage{stageBase: newStageBase(pc, StageReconstruction)},
		reconstructor: rec,
		output:        output,
		geometry:      pc.settings.Geometry,
	}
	s.shed = NewLoadShedder(pc.settings.ReconstructionShed, seed)
	s.ready = (*Record).Coincident
	s.upstream = pc.coincidence.Advanced
	s.process = s.processRecord
	return s
}

func (s *Reconstruction) setup() error {
	return load(s.name, s.geometry, s.reconstructor)
}

func (s *Reconstruction) teardown() error {
	return release(s.name, s.reconstructor)
}

// Failed returns how many records failed reconstruction.
func (s *Reconstruction) Failed() uint64 { return s.failed.Load() }

func (s *Reconstruction) processRecord(r *Record) {
	defer s.emit(r)
	if r.Merged() || r.Dropped() {
		r.reconstructed.Store(true)
		return
	}
	if s.shed.ShouldDrop() {
		s.drop(r)
		return
	}
	if s.reconstructor == nil {
		r.reconstructed.Store(true)
		return
	}
	in, err := s.reconstructor.Reconstruct(r.coincident)
	if err != nil || in.Kind == event.KindNone {
		s.failed.Add(1)
		if err != nil {
			tracef("reconstruction: record %d: %v", r.ID, err)
		}
		s.drop(r)
		return
	}
	r.interpretation = in
	r.reconstructed.Store(true)
}

func (s *Reconstruction) drop(r *Record) {
	r.interpretation = event.None
	r.dropped.Store(true)
	r.reconstructed.Store(true)
	s.dropped.Add(1)
}

func (s *Reconstruction) emit(r *Record) {
	if s.output == nil {
		return
	}
	if err := s.output.Append(r); err != nil {
		diagf("reconstruction: output sink: record %d: %v", r.ID, err)
	}
}
