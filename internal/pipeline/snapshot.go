package pipeline

import (
	"time"

	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/histogram"
)

// Snapshot is one histogramming cycle's published aggregates. A published
// snapshot is never modified; accessors on Analyzer hand out copies.
type Snapshot struct {
	CountRate *histogram.Histogram `json:"count_rate"`
	Spectrum  *histogram.Histogram `json:"spectrum"`
	Image     *event.Image         `json:"image,omitempty"`

	HorizonID        uint64  `json:"horizon_id"`
	HorizonTime      float64 `json:"horizon_time"`
	WindowStartID    uint64  `json:"window_start_id"`
	AccumulationTime float64 `json:"accumulation_time"`

	// Events is the number of records inside the window; ImageEvents the
	// number that contributed to the image.
	Events      int `json:"events"`
	ImageEvents int `json:"image_events"`

	Elapsed time.Duration `json:"elapsed_ns"`
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.CountRate = s.CountRate.Clone()
	out.Spectrum = s.Spectrum.Clone()
	out.Image = s.Image.Clone()
	return &out
}

// IsotopeList is one identification cycle's published result.
type IsotopeList struct {
	Isotopes      []event.Isotope `json:"isotopes"`
	HorizonID     uint64          `json:"horizon_id"`
	WindowStartID uint64          `json:"window_start_id"`
}

func (l *IsotopeList) clone() []event.Isotope {
	if l == nil {
		return nil
	}
	out := make([]event.Isotope, len(l.Isotopes))
	for i, iso := range l.Isotopes {
		iso.Lines = append([]float64(nil), iso.Lines...)
		out[i] = iso
	}
	return out
}
