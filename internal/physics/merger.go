// Package physics holds reference implementations of the pipeline's
// physics collaborators: coincidence merging, event reconstruction,
// cone backprojection, list-mode MLEM deconvolution and isotope
// identification. They favour clarity over detector-level fidelity.
package physics

import (
	"math"

	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/pipeline"
)

// CoincidenceMerger absorbs a group into the closest open candidate within
// Window seconds.
type CoincidenceMerger struct {
	Window float64
}

// Merge implements pipeline.Merger.
func (m CoincidenceMerger) Merge(g *event.Group, window []pipeline.Candidate) pipeline.MergeResult {
	best := -1
	bestDT := math.Inf(1)
	for i, c := range window {
		dt := math.Abs(g.Timestamp - c.Group.Timestamp)
		if dt <= m.Window && dt < bestDT {
			best, bestDT = i, dt
		}
	}
	if best < 0 {
		return pipeline.MergeResult{}
	}
	c := window[best]
	return pipeline.MergeResult{AbsorbedInto: c.ID, Combined: c.Group.Merge(g)}
}
