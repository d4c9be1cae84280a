package pipeline

import (
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/eventhorizon/internal/event"
)

// Record is one event travelling through the pipeline.
//
// Each stage owns exactly one flag and the payload slot behind it. A stage
// writes its payload first and then stores its flag; the atomic store is the
// publish barrier, so a reader that observes the flag may read the payload.
// A reader must never touch a payload whose flag it has not observed.
type Record struct {
	// ID and Timestamp are written by Transmission before the record is
	// pushed onto the log and never change afterwards.
	ID        uint64
	Timestamp float64
	raw       *event.Group

	coincident     *event.Group             // Coincidence
	interpretation event.Interpretation     // Reconstruction
	contribution   *event.ImageContribution // Imaging

	initialized   atomic.Bool
	isCoincident  atomic.Bool
	reconstructed atomic.Bool
	imaged        atomic.Bool

	// dropped is terminal and only ever goes false to true. Coincidence,
	// Reconstruction and Imaging may set it, each before publishing its own
	// flag.
	dropped atomic.Bool
	merged  atomic.Bool

	newer atomic.Pointer[Record] // toward the front
	older atomic.Pointer[Record] // toward the back
}

func newRecord(g *event.Group) *Record {
	return &Record{Timestamp: g.Timestamp, raw: g}
}

// Initialized reports whether Transmission has released the record; no
// record can be reordered behind it any more.
func (r *Record) Initialized() bool { return r.initialized.Load() }

// Coincident reports whether the coincidence stage is done with the record.
func (r *Record) Coincident() bool { return r.isCoincident.Load() }

// Reconstructed reports whether the reconstruction stage is done with the record.
func (r *Record) Reconstructed() bool { return r.reconstructed.Load() }

// Imaged reports whether the imaging stage is done with the record.
func (r *Record) Imaged() bool { return r.imaged.Load() }

// Dropped reports whether the record is excluded from further processing.
func (r *Record) Dropped() bool { return r.dropped.Load() }

// Merged reports whether the record was absorbed into another record.
func (r *Record) Merged() bool { return r.merged.Load() }

// Raw returns the raw group. Safe once the record is on the log.
func (r *Record) Raw() *event.Group { return r.raw }

// CoincidentGroup returns the group after coincidence merging.
// Only valid after Coincident returned true.
func (r *Record) CoincidentGroup() *event.Group { return r.coincident }

// Interpretation returns the reconstruction result.
// Only valid after Reconstructed returned true.
func (r *Record) Interpretation() event.Interpretation { return r.interpretation }

// Contribution returns the backprojected image response, or nil.
// Only valid after Imaged returned true.
func (r *Record) Contribution() *event.ImageContribution { return r.contribution }

// Energy returns the coincident energy when it has been published and the
// raw energy otherwise.
func (r *Record) Energy() float64 {
	if r.Coincident() {
		return r.coincident.Energy()
	}
	return r.raw.Energy()
}

// Newer returns the next record toward the front, or nil.
func (r *Record) Newer() *Record { return r.newer.Load() }

// Older returns the next record toward the back, or nil.
func (r *Record) Older() *Record { return r.older.Load() }

func (r *Record) String() string {
	flags := []byte("----")
	if r.Initialized() {
		flags[0] = 'I'
	}
	if r.Coincident() {
		flags[1] = 'C'
	}
	if r.Reconstructed() {
		flags[2] = 'R'
	}
	if r.Imaged() {
		flags[3] = 'M'
	}
	suffix := ""
	if r.Merged() {
		suffix += " merged"
	}
	if r.Dropped() {
		suffix += " dropped"
	}
	return fmt.Sprintf("record(%d t=%.6f %s%s)", r.ID, r.Timestamp, flags, suffix)
}

// NewRecord returns a detached record for g, as Transmission would publish
// it. Sinks use it to build records outside a running pipeline.
func NewRecord(id uint64, g *event.Group) *Record {
	r := newRecord(g)
	r.ID = id
	r.initialized.Store(true)
	return r
}
