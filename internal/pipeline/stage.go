package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
)

// stage is one of the pipeline's worker loops.
type stage interface {
	Name() StageName
	// setup acquires the stage's resources. It runs on the stage goroutine
	// before the stage reports running.
	setup() error
	// run is the stage loop. It returns when ctx is done.
	run(ctx context.Context)
	// teardown releases what setup acquired. It runs after the loop exited.
	teardown() error
	status() StageStatus
	running() *atomic.Bool
}

// StageStatus is a point-in-time view of one stage for monitoring.
type StageStatus struct {
	Name            StageName `json:"name"`
	Running         bool      `json:"running"`
	LastProcessedID uint64    `json:"last_processed_id"`
	WindowStartID   uint64    `json:"window_start_id,omitempty"`
	CPUUsage        float64   `json:"cpu_usage"`
	DropFraction    float64   `json:"drop_fraction,omitempty"`
	Processed       uint64    `json:"processed"`
	Dropped         uint64    `json:"dropped"`
}

// stageBase carries what every stage has in common.
type stageBase struct {
	name  StageName
	pc    *PipelineContext
	mark  *Bookmark // nil for cleanup
	usage *UsageMeter
	shed  *LoadShedder // nil unless the stage sheds load

	isRunning atomic.Bool
	processed atomic.Uint64
	dropped   atomic.Uint64
}

func newStageBase(pc *PipelineContext, name StageName) stageBase {
	return stageBase{
		name:  name,
		pc:    pc,
		mark:  pc.bookmark(name),
		usage: NewUsageMeter(pc.clock, pc.settings.UsagePeriod),
	}
}

func (b *stageBase) Name() StageName       { return b.name }
func (b *stageBase) running() *atomic.Bool { return &b.isRunning }
func (b *stageBase) setup() error          { return nil }
func (b *stageBase) teardown() error       { return nil }

func (b *stageBase) status() StageStatus {
	st := StageStatus{
		Name:      b.name,
		Running:   b.isRunning.Load(),
		CPUUsage:  b.usage.Usage(),
		Processed: b.processed.Load(),
		Dropped:   b.dropped.Load(),
	}
	if b.mark != nil {
		st.LastProcessedID = b.mark.LastProcessedID()
		st.WindowStartID = b.mark.WindowStartID()
	}
	if b.shed != nil {
		st.DropFraction = b.shed.Fraction()
	}
	return st
}

// sampleUsage republishes the busy fraction and, for load-shedding stages,
// feeds it to the shedder.
func (b *stageBase) sampleUsage() {
	if !b.usage.Sample() || b.shed == nil {
		return
	}
	before := b.shed.Fraction()
	after := b.shed.Adjust(b.usage.Usage())
	if after != before {
		diagf("%s: usage %.2f, drop fraction %.2f -> %.2f", b.name, b.usage.Usage(), before, after)
	}
}

// pointStage is a stage that processes records one by one in ID order once
// their upstream flag is set.
type pointStage struct {
	stageBase
	cursor *Record

	ready    func(r *Record) bool   // upstream flag observed
	upstream func() <-chan struct{} // wakes when ready may have changed
	process  func(r *Record)
	idle     func() // called when no record is ready; may be nil

	// deferred stages advance their own bookmark once a record is final.
	deferred bool

	poll *poller
}

// stepBatch bounds the records handled between stop checks.
const stepBatch = 4096

// step processes the records that are ready, up to stepBatch, and returns
// how many it did.
func (s *pointStage) step() int {
	n := 0
	for n < stepBatch {
		next := s.pc.log.WalkFrom(s.cursor)
		if next == nil || !s.ready(next) {
			return n
		}
		s.usage.Begin()
		s.process(next)
		s.usage.End()
		s.cursor = next
		if !s.deferred {
			s.mark.advance(next.ID)
		}
		s.processed.Add(1)
		n++
	}
	return n
}

func (s *pointStage) run(ctx context.Context) {
	if s.poll == nil {
		s.poll = newPoller(s.pc.settings.PollInterval)
	}
	for ctx.Err() == nil {
		// Take the wake channel before looking, so an advance between the
		// look and the wait is not missed.
		wake := s.upstream()
		if s.step() == 0 {
			if s.idle != nil {
				s.idle()
			}
			s.sampleUsage()
			if !s.poll.wait(ctx, wake) {
				return
			}
			continue
		}
		s.sampleUsage()
	}
}

// load hands the geometry to a collaborator that implements Loader.
func load(name StageName, geometry string, c any) error {
	l, ok := c.(Loader)
	if !ok {
		return nil
	}
	if err := l.Load(geometry); err != nil {
		return fmt.Errorf("%s: load geometry %q: %w", name, geometry, err)
	}
	return nil
}

// release closes a collaborator that implements io.Closer.
func release(name StageName, c any) error {
	cl, ok := c.(io.Closer)
	if !ok {
		return nil
	}
	if err := cl.Close(); err != nil {
		return fmt.Errorf("%s: close: %w", name, err)
	}
	return nil
}
