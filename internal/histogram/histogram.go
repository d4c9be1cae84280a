// Package histogram provides the fixed-binning one-dimensional histograms
// used for count-rate and spectrum aggregation.
package histogram

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Histogram is a 1D histogram with equal-width bins over [Min, Max].
// The upper edge is inclusive: a value equal to Max lands in the last bin.
type Histogram struct {
	Title    string    `json:"title,omitempty"`
	Unit     string    `json:"unit,omitempty"`
	Dividers []float64 `json:"dividers"` // len(Counts)+1 bin edges
	Counts   []float64 `json:"counts"`
}

// New returns an empty histogram with bins equal-width bins over [min, max].
func New(bins int, min, max float64) (*Histogram, error) {
	if bins < 1 {
		return nil, fmt.Errorf("histogram needs at least one bin, got %d", bins)
	}
	if !(max > min) {
		return nil, fmt.Errorf("histogram range [%g, %g] is empty", min, max)
	}
	return &Histogram{
		Dividers: floats.Span(make([]float64, bins+1), min, max),
		Counts:   make([]float64, bins),
	}, nil
}

// Bins returns the number of bins.
func (h *Histogram) Bins() int { return len(h.Counts) }

// Min returns the lower edge of the first bin.
func (h *Histogram) Min() float64 { return h.Dividers[0] }

// Max returns the upper edge of the last bin.
func (h *Histogram) Max() float64 { return h.Dividers[len(h.Dividers)-1] }

// Width returns the width of bin i.
func (h *Histogram) Width(i int) float64 { return h.Dividers[i+1] - h.Dividers[i] }

// Center returns the center of bin i.
func (h *Histogram) Center(i int) float64 { return (h.Dividers[i] + h.Dividers[i+1]) / 2 }

// Fill replaces the histogram contents with the given values. Values
// outside [Min, Max] are ignored. It returns the number of values binned.
// values is not modified.
func (h *Histogram) Fill(values []float64) int {
	lo, hi := h.Min(), h.Max()
	// stat.Histogram needs sorted data strictly below the last divider.
	top := math.Nextafter(hi, lo)
	x := make([]float64, 0, len(values))
	for _, v := range values {
		switch {
		case math.IsNaN(v), v < lo, v > hi:
			continue
		case v == hi:
			v = top
		}
		x = append(x, v)
	}
	sort.Float64s(x)
	h.Reset()
	stat.Histogram(h.Counts, h.Dividers, x, nil)
	return len(x)
}

// Scale multiplies every bin by f.
func (h *Histogram) Scale(f float64) {
	floats.Scale(f, h.Counts)
}

// Sum returns the sum of the bin contents.
func (h *Histogram) Sum() float64 {
	return floats.Sum(h.Counts)
}

// Integral returns the sum of content times bin width. For a histogram
// normalized to rates this is the number of entries.
func (h *Histogram) Integral() float64 {
	var total float64
	for i, c := range h.Counts {
		total += c * h.Width(i)
	}
	return total
}

// Reset zeroes every bin.
func (h *Histogram) Reset() {
	for i := range h.Counts {
		h.Counts[i] = 0
	}
}

// Clone returns a deep copy.
func (h *Histogram) Clone() *Histogram {
	if h == nil {
		return nil
	}
	return &Histogram{
		Title:    h.Title,
		Unit:     h.Unit,
		Dividers: append([]float64(nil), h.Dividers...),
		Counts:   append([]float64(nil), h.Counts...),
	}
}

// Centers returns the bin centers.
func (h *Histogram) Centers() []float64 {
	out := make([]float64, h.Bins())
	for i := range out {
		out[i] = h.Center(i)
	}
	return out
}

// Find returns the bin containing v, or -1 if v is outside [Min, Max].
func (h *Histogram) Find(v float64) int {
	if v < h.Min() || v > h.Max() || math.IsNaN(v) {
		return -1
	}
	i := sort.SearchFloat64s(h.Dividers, v)
	// SearchFloat64s returns the index of the first divider >= v.
	if i < len(h.Dividers) && h.Dividers[i] == v {
		i++
	}
	i--
	if i >= h.Bins() {
		i = h.Bins() - 1
	}
	return i
}
