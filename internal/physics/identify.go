package physics

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/histogram"
)

// ErrEmptySpectrum is returned when there is nothing to identify.
var ErrEmptySpectrum = errors.New("spectrum is empty")

// Nuclide is a library entry: a name and its characteristic gamma lines.
type Nuclide struct {
	Name  string
	Lines []float64 // keV
}

// DefaultLibrary lists common calibration and background nuclides.
func DefaultLibrary() []Nuclide {
	return []Nuclide{
		{Name: "Am-241", Lines: []float64{59.5}},
		{Name: "Ba-133", Lines: []float64{81, 356}},
		{Name: "Cs-137", Lines: []float64{661.7}},
		{Name: "Co-60", Lines: []float64{1173.2, 1332.5}},
		{Name: "Na-22", Lines: []float64{511, 1274.5}},
		{Name: "K-40", Lines: []float64{1460.8}},
	}
}

// LineIdentifier matches spectral peaks against a nuclide library. A line is
// present when the counts within Tolerance of it exceed the flat sideband
// background by MinSignificance standard deviations.
type LineIdentifier struct {
	Library         []Nuclide
	Tolerance       float64 // keV
	MinSignificance float64
	MinCounts       float64
}

// NewLineIdentifier returns an identifier over the default library.
func NewLineIdentifier() *LineIdentifier {
	return &LineIdentifier{
		Library:         DefaultLibrary(),
		Tolerance:       10,
		MinSignificance: 3,
		MinCounts:       5,
	}
}

// Identify implements pipeline.Identifier. Candidates are ordered by
// descending confidence. A nuclide qualifies when at least half of its lines
// inside the spectrum range are present.
func (id *LineIdentifier) Identify(spectrum *histogram.Histogram) ([]event.Isotope, error) {
	if spectrum == nil || spectrum.Sum() <= 0 {
		return nil, ErrEmptySpectrum
	}
	var out []event.Isotope
	for _, n := range id.Library {
		var (
			visible int
			found   []float64
			sig     float64
		)
		for _, line := range n.Lines {
			if line < spectrum.Min() || line > spectrum.Max() {
				continue
			}
			visible++
			if s, ok := id.line(spectrum, line); ok {
				found = append(found, line)
				sig += s
			}
		}
		if len(found) == 0 || 2*len(found) < visible {
			continue
		}
		mean := sig / float64(len(found))
		conf := float64(len(found)) / float64(visible) * (1 - math.Exp(-mean/(2*id.MinSignificance)))
		out = append(out, event.Isotope{Name: n.Name, Lines: found, Confidence: conf})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

// line returns the significance of a peak at energy e.
func (id *LineIdentifier) line(h *histogram.Histogram, e float64) (float64, bool) {
	var (
		peak     float64
		bins     int
		sideband []float64
	)
	for i, c := range h.Counts {
		d := math.Abs(h.Center(i) - e)
		switch {
		case d <= id.Tolerance:
			peak += c
			bins++
		case d <= 3*id.Tolerance:
			sideband = append(sideband, c)
		}
	}
	if bins == 0 {
		// Bins wider than the tolerance: use the bin holding the line.
		i := h.Find(e)
		if i < 0 {
			return 0, false
		}
		peak, bins = h.Counts[i], 1
	}
	var background float64
	if len(sideband) > 0 {
		background = stat.Mean(sideband, nil) * float64(bins)
	}
	if peak < id.MinCounts {
		return 0, false
	}
	s := (peak - background) / math.Sqrt(background+1)
	return s, s >= id.MinSignificance
}
