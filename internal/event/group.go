// Package event defines the interaction-level data that flows through the
// analysis pipeline: raw interaction groups as received from the acquisition
// process, their physical interpretation, and the per-event image artifacts.
package event

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Hit is a single energy deposit inside the detector.
type Hit struct {
	Position r3.Vec  // cm
	Energy   float64 // keV
}

// Group is one raw interaction group: the hits the acquisition process
// believes belong to the same trigger.
type Group struct {
	// AcquisitionID is the identifier assigned by the acquisition process.
	// It is informational only; the pipeline assigns its own IDs.
	AcquisitionID uint64
	Timestamp     float64 // seconds
	Hits          []Hit
}

// Energy returns the total deposited energy in keV.
func (g *Group) Energy() float64 {
	if g == nil {
		return 0
	}
	var e float64
	for _, h := range g.Hits {
		e += h.Energy
	}
	return e
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	out := *g
	out.Hits = append([]Hit(nil), g.Hits...)
	return &out
}

// Merge returns a new group holding the hits of both groups. The earlier
// timestamp and its acquisition ID are kept. Hits are ordered by descending
// energy so the dominant deposit comes first.
func (g *Group) Merge(o *Group) *Group {
	if g == nil {
		return o.Clone()
	}
	if o == nil {
		return g.Clone()
	}
	out := g.Clone()
	if o.Timestamp < out.Timestamp {
		out.Timestamp = o.Timestamp
		out.AcquisitionID = o.AcquisitionID
	}
	out.Hits = append(out.Hits, o.Hits...)
	sort.SliceStable(out.Hits, func(i, j int) bool {
		return out.Hits[i].Energy > out.Hits[j].Energy
	})
	return out
}

// WriteTo writes the group as a text descriptor block, the same format the
// parser accepts.
func (g *Group) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	b.WriteString("SE\n")
	if g.AcquisitionID != 0 {
		fmt.Fprintf(&b, "ID %d\n", g.AcquisitionID)
	}
	fmt.Fprintf(&b, "TI %.9f\n", g.Timestamp)
	for _, h := range g.Hits {
		fmt.Fprintf(&b, "HT %g;%g;%g;%g\n", h.Position.X, h.Position.Y, h.Position.Z, h.Energy)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func (g *Group) String() string {
	return fmt.Sprintf("group(t=%.6f hits=%d E=%.1fkeV)", g.Timestamp, len(g.Hits), g.Energy())
}
