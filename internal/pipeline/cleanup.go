package pipeline

import (
	"context"
	"sync/atomic"
)

// Cleanup trims the back of the log below the lowest ID any stage may still
// read.
type Cleanup struct {
	stageBase
	removed atomic.Uint64
}

func newCleanup(pc *PipelineContext) *Cleanup {
	return &Cleanup{stageBase: newStageBase(pc, StageCleanup)}
}

// Removed returns the number of records trimmed so far.
func (c *Cleanup) Removed() uint64 { return c.removed.Load() }

// sweep trims once and returns the number of records removed.
func (c *Cleanup) sweep() int {
	c.usage.Begin()
	defer c.usage.End()
	floor := c.pc.floor()
	n := c.pc.log.TrimBelow(floor)
	if n > 0 {
		c.removed.Add(uint64(n))
		c.processed.Add(uint64(n))
		tracef("cleanup: removed %d records below %d, %d retained", n, floor, c.pc.log.Len())
	}
	return n
}

func (c *Cleanup) run(ctx context.Context) {
	for ctx.Err() == nil {
		c.sweep()
		c.sampleUsage()
		if !sleep(ctx, c.pc.settings.CleanupInterval) {
			return
		}
	}
}

func (c *Cleanup) status() StageStatus {
	st := c.stageBase.status()
	st.LastProcessedID = c.pc.floor()
	return st
}
