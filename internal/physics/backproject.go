package physics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/eventhorizon/internal/event"
)

// Grid is the all-sky image binning shared by backprojection and
// deconvolution. Angles are in degrees.
type Grid struct {
	Width, Height              int
	LongitudeMin, LongitudeMax float64
	LatitudeMin, LatitudeMax   float64
}

// DefaultGrid is a 2 degree all-sky grid.
func DefaultGrid() Grid {
	return Grid{
		Width: 180, Height: 90,
		LongitudeMin: -180, LongitudeMax: 180,
		LatitudeMin: -90, LatitudeMax: 90,
	}
}

// Validate checks the grid dimensions.
func (g Grid) Validate() error {
	if g.Width < 1 || g.Height < 1 {
		return fmt.Errorf("grid must be at least 1x1, got %dx%d", g.Width, g.Height)
	}
	if !(g.LongitudeMax > g.LongitudeMin) || !(g.LatitudeMax > g.LatitudeMin) {
		return errors.New("grid bounds are empty")
	}
	return nil
}

// Pixels returns the number of pixels.
func (g Grid) Pixels() int { return g.Width * g.Height }

// Center returns the longitude and latitude of pixel (x, y) in degrees.
func (g Grid) Center(x, y int) (lon, lat float64) {
	lon = g.LongitudeMin + (float64(x)+0.5)*(g.LongitudeMax-g.LongitudeMin)/float64(g.Width)
	lat = g.LatitudeMin + (float64(y)+0.5)*(g.LatitudeMax-g.LatitudeMin)/float64(g.Height)
	return lon, lat
}

// Direction returns the unit vector for a longitude and latitude in degrees.
func Direction(lon, lat float64) r3.Vec {
	l, b := lon*math.Pi/180, lat*math.Pi/180
	return r3.Vec{X: math.Cos(b) * math.Cos(l), Y: math.Cos(b) * math.Sin(l), Z: math.Sin(b)}
}

func (g Grid) image() *event.Image {
	return &event.Image{
		Width: g.Width, Height: g.Height,
		LongitudeMin: g.LongitudeMin, LongitudeMax: g.LongitudeMax,
		LatitudeMin: g.LatitudeMin, LatitudeMax: g.LatitudeMax,
		Pixels: make([]float64, g.Pixels()),
	}
}

// Backprojector spreads each event's response over the grid: a Gaussian
// ring around the Compton cone, or a Gaussian spot around a tracked
// direction.
type Backprojector struct {
	grid   Grid
	sigma  float64 // radians
	cutoff float64
	dirs   []r3.Vec // per-pixel unit vectors, row-major
}

// NewBackprojector precomputes the pixel directions. width is the angular
// resolution in degrees (1 sigma).
func NewBackprojector(grid Grid, width float64) (*Backprojector, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if !(width > 0) {
		return nil, fmt.Errorf("angular width must be positive, got %g", width)
	}
	b := &Backprojector{
		grid:   grid,
		sigma:  width * math.Pi / 180,
		cutoff: 1e-3,
		dirs:   make([]r3.Vec, grid.Pixels()),
	}
	for y := 0; y < grid.Height; y++ {
		for x := 0; x < grid.Width; x++ {
			b.dirs[y*grid.Width+x] = Direction(grid.Center(x, y))
		}
	}
	return b, nil
}

// Grid returns the image binning.
func (b *Backprojector) Grid() Grid { return b.grid }

// Backproject implements pipeline.Backprojector. Interpretations without a
// direction (photo absorption, unidentifiable) yield no contribution.
func (b *Backprojector) Backproject(in event.Interpretation) (*event.ImageContribution, error) {
	var response func(d r3.Vec) float64
	switch in.Kind {
	case event.KindCompton:
		if r3.Norm(r3.Sub(in.First, in.Second)) == 0 {
			return nil, errors.New("degenerate compton cone")
		}
		axis, theta := in.ConeAxis(), in.ScatterAngle
		response = func(d r3.Vec) float64 { return gauss(angle(d, axis)-theta, b.sigma) }
	case event.KindPair, event.KindMuon:
		if r3.Norm(in.Direction) == 0 {
			return nil, nil
		}
		dir := r3.Unit(in.Direction)
		response = func(d r3.Vec) float64 { return gauss(angle(d, dir), b.sigma) }
	default:
		return nil, nil
	}

	c := &event.ImageContribution{}
	for i, d := range b.dirs {
		if w := response(d); w > b.cutoff {
			c.Bins = append(c.Bins, i)
			c.Weights = append(c.Weights, w)
		}
	}
	if c.Len() == 0 {
		return nil, nil
	}
	floats.Scale(1/floats.Sum(c.Weights), c.Weights)
	return c, nil
}

func angle(a, b r3.Vec) float64 {
	return math.Acos(math.Max(-1, math.Min(1, r3.Dot(a, b))))
}

func gauss(x, sigma float64) float64 {
	return math.Exp(-x * x / (2 * sigma * sigma))
}
