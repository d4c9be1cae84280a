package pipeline

import (
	"math"
	"sync/atomic"

	"github.com/banshee-data/eventhorizon/internal/timeutil"
)

// StageName identifies one of the pipeline's worker loops.
type StageName string

const (
	StageTransmission   StageName = "transmission"
	StageCoincidence    StageName = "coincidence"
	StageReconstruction StageName = "reconstruction"
	StageImaging        StageName = "imaging"
	StageHistogramming  StageName = "histogramming"
	StageIdentification StageName = "identification"
	StageCleanup        StageName = "cleanup"
)

// StageNames lists every stage in pipeline order.
var StageNames = []StageName{
	StageTransmission,
	StageCoincidence,
	StageReconstruction,
	StageImaging,
	StageHistogramming,
	StageIdentification,
	StageCleanup,
}

// PipelineContext holds every piece of state the stages share: the log, the
// bookmarks, the live accumulation time and the published results. One is
// built per Analyzer and handed to each stage; nothing lives in package
// variables.
type PipelineContext struct {
	settings Settings
	clock    timeutil.Clock

	log *Log

	transmission   Bookmark
	coincidence    Bookmark
	reconstruction Bookmark
	imaging        Bookmark
	histogramming  Bookmark
	identification Bookmark

	accumulation atomic.Uint64 // float64 bits
	lastID       atomic.Uint64 // written by Transmission only

	wantConnected atomic.Bool
	connectionReq Signal
	state         atomic.Int32 // TransmissionState

	snapshot atomic.Pointer[Snapshot]
	isotopes atomic.Pointer[IsotopeList]
	cycles   Signal // broadcast after each histogramming or identification publish
}

func newPipelineContext(s Settings, clock timeutil.Clock) *PipelineContext {
	if clock == nil {
		clock = timeutil.System{}
	}
	pc := &PipelineContext{settings: s, clock: clock, log: NewLog()}
	pc.setAccumulationTime(s.AccumulationTime)
	return pc
}

// Log returns the shared event log.
func (pc *PipelineContext) Log() *Log { return pc.log }

// Settings returns the run configuration.
func (pc *PipelineContext) Settings() Settings { return pc.settings }

func (pc *PipelineContext) accumulationTime() float64 {
	return math.Float64frombits(pc.accumulation.Load())
}

func (pc *PipelineContext) setAccumulationTime(seconds float64) {
	pc.accumulation.Store(math.Float64bits(seconds))
}

// bookmark returns the progress record for a stage, or nil for cleanup.
func (pc *PipelineContext) bookmark(name StageName) *Bookmark {
	switch name {
	case StageTransmission:
		return &pc.transmission
	case StageCoincidence:
		return &pc.coincidence
	case StageReconstruction:
		return &pc.reconstruction
	case StageImaging:
		return &pc.imaging
	case StageHistogramming:
		return &pc.histogramming
	case StageIdentification:
		return &pc.identification
	}
	return nil
}

// floor is the lowest ID any stage may still read. Records below it can be
// removed from the log.
func (pc *PipelineContext) floor() uint64 {
	f := pc.transmission.LastProcessedID()
	for _, id := range []uint64{
		pc.coincidence.LastProcessedID(),
		pc.reconstruction.LastProcessedID(),
		pc.imaging.LastProcessedID(),
		pc.histogramming.WindowStartID(),
		pc.identification.WindowStartID(),
	} {
		f = min(f, id)
	}
	return f
}

// reset clears the log, every bookmark, the ID counter and the published
// results. Only valid while no stage is running.
func (pc *PipelineContext) reset() {
	pc.log.reset()
	for _, name := range StageNames {
		if b := pc.bookmark(name); b != nil {
			b.reset()
		}
	}
	pc.lastID.Store(0)
	pc.snapshot.Store(nil)
	pc.isotopes.Store(nil)
	pc.state.Store(int32(StateDisconnected))
}
