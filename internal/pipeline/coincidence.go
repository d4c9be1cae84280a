package pipeline

import (
	"time"

	"github.com/banshee-data/eventhorizon/internal/event"
)

type pendingRecord struct {
	r      *Record
	group  *event.Group
	merged bool
}

// Coincidence merges near-simultaneous groups that belong to one physical
// event. Records stay in a private pending queue while a later group may
// still be merged into them, and are finalized in ID order.
type Coincidence struct {
	pointStage
	merger   Merger
	geometry string

	pending     []pendingRecord
	lastArrival time.Time
}

func newCoincidence(pc *PipelineContext, merger Merger) *Coincidence {
	c := &Coincidence{
		pointStage: pointStage{stageBase: newStageBase(pc, StageCoincidence)},
		merger:     merger,
		geometry:   pc.settings.Geometry,
	}
	c.ready = (*Record).Initialized
	c.upstream = pc.log.Pushed
	c.process = c.processRecord
	c.idle = c.idleFlush
	c.deferred = true
	return c
}

func (c *Coincidence) setup() error {
	return load(c.name, c.geometry, c.merger)
}

// teardown finalizes whatever is still pending so the bookmark reflects
// every record the stage has seen.
func (c *Coincidence) teardown() error {
	c.finalizeAll()
	return release(c.name, c.merger)
}

// Pending returns the number of records awaiting finalization.
func (c *Coincidence) Pending() int { return len(c.pending) }

func (c *Coincidence) enabled() bool {
	return c.pc.settings.CoincidenceEnabled && c.merger != nil
}

func (c *Coincidence) processRecord(r *Record) {
	if !c.enabled() {
		c.finalize(pendingRecord{r: r, group: r.raw})
		return
	}
	c.lastArrival = c.pc.clock.Now()

	window := c.pc.settings.CoincidenceWindow
	for len(c.pending) > 0 {
		// A negative delta is a resynchronization point; nothing across
		// it can be merged.
		d := r.Timestamp - c.pending[0].r.Timestamp
		if d >= 0 && d <= window {
			break
		}
		c.finalizeOldest()
	}

	candidates := make([]Candidate, 0, len(c.pending))
	for _, p := range c.pending {
		if !p.merged {
			candidates = append(candidates, Candidate{ID: p.r.ID, Group: p.group})
		}
	}
	res := c.merger.Merge(r.raw, candidates)
	if !res.Accepted() {
		if i := c.find(res.AbsorbedInto); i >= 0 {
			combined := res.Combined
			if combined == nil {
				combined = c.pending[i].group.Merge(r.raw)
			}
			c.pending[i].group = combined
			c.pending = append(c.pending, pendingRecord{r: r, group: r.raw, merged: true})
			tracef("coincidence: record %d absorbed into %d", r.ID, res.AbsorbedInto)
			return
		}
		diagf("coincidence: record %d: merge target %d is not pending, keeping it standalone", r.ID, res.AbsorbedInto)
	}
	c.pending = append(c.pending, pendingRecord{r: r, group: r.raw})
}

func (c *Coincidence) find(id uint64) int {
	for i, p := range c.pending {
		if p.r.ID == id && !p.merged {
			return i
		}
	}
	return -1
}

// idleFlush finalizes the pending queue once no record has arrived for
// CoincidenceIdleFlush, so downstream never waits on a quiet stream.
func (c *Coincidence) idleFlush() {
	if len(c.pending) == 0 {
		return
	}
	if c.pc.clock.Since(c.lastArrival) >= c.pc.settings.CoincidenceIdleFlush {
		c.finalizeAll()
	}
}

func (c *Coincidence) finalizeAll() {
	for len(c.pending) > 0 {
		c.finalizeOldest()
	}
}

func (c *Coincidence) finalizeOldest() {
	p := c.pending[0]
	c.pending[0] = pendingRecord{}
	c.pending = c.pending[1:]
	c.finalize(p)
}

func (c *Coincidence) finalize(p pendingRecord) {
	r := p.r
	r.coincident = p.group
	if p.merged {
		r.merged.Store(true)
		r.dropped.Store(true)
		c.dropped.Add(1)
	}
	r.isCoincident.Store(true)
	c.mark.advance(r.ID)
}
