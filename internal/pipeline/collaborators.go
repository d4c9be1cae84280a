package pipeline

import (
	"context"
	"errors"

	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/histogram"
)

// ErrNoData may be returned by Source.Receive when its read timeout expired
// without data. It is treated the same as an empty block.
var ErrNoData = errors.New("no data")

// Source delivers raw descriptor text from the acquisition process.
type Source interface {
	// Open establishes the connection. It is retried with backoff on error.
	Open(ctx context.Context) error
	// Receive returns the next block of text. It returns "" and a nil error
	// (or ErrNoData) when no data arrived within the source's read timeout,
	// and any other error (io.EOF included) when the connection is lost.
	Receive(ctx context.Context) (string, error)
	// Close releases the connection. Open may be called again afterwards.
	Close() error
}

// Candidate is a record still open for coincidence merging.
type Candidate struct {
	ID    uint64
	Group *event.Group
}

// MergeResult is the coincidence collaborator's decision for one candidate.
// A zero AbsorbedInto means the candidate stands alone.
type MergeResult struct {
	AbsorbedInto uint64       // ID of the candidate that absorbs the new group
	Combined     *event.Group // merged group for the absorbing record
}

// Accepted reports whether the candidate stands alone.
func (m MergeResult) Accepted() bool { return m.AbsorbedInto == 0 }

// Merger decides whether a newly initialized group belongs to an event
// already open in the coincidence window.
type Merger interface {
	Merge(candidate *event.Group, window []Candidate) MergeResult
}

// Reconstructor turns a coincident group into a physical interpretation.
// A failure (error or KindNone) is a per-event outcome, not a fault.
type Reconstructor interface {
	Reconstruct(g *event.Group) (event.Interpretation, error)
}

// Backprojector computes an event's image response. A nil contribution
// with a nil error means the interpretation carries no direction.
type Backprojector interface {
	Backproject(in event.Interpretation) (*event.ImageContribution, error)
}

// Deconvolver combines the window's contributions into an image.
type Deconvolver interface {
	Deconvolve(contributions []*event.ImageContribution) *event.Image
}

// Identifier proposes isotopes for an energy spectrum.
type Identifier interface {
	Identify(spectrum *histogram.Histogram) ([]event.Isotope, error)
}

// Sink receives published records. Transmission feeds the accumulation sink
// with every accepted record; Reconstruction feeds the output sink with
// every finished record.
type Sink interface {
	Append(r *Record) error
	Flush() error
}

// Loader is implemented by collaborators that hold per-stage resources such
// as a geometry handle. Load is called by the owning stage before it reports
// running; a Load error fails Start. Resources are released through
// io.Closer when the pipeline stops.
type Loader interface {
	Load(geometry string) error
}

// Collaborators bundles the external pieces the pipeline drives. Source is
// required; the others may be nil, in which case the stage passes records
// through unchanged.
type Collaborators struct {
	Source        Source
	Merger        Merger
	Reconstructor Reconstructor
	Backprojector Backprojector
	Deconvolver   Deconvolver
	Identifier    Identifier

	Accumulation Sink // optional, fed by Transmission
	Output       Sink // optional, fed by Reconstruction
}
