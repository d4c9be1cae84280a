package physics

import (
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/eventhorizon/internal/event"
)

// MLEM is a list-mode maximum-likelihood expectation-maximisation
// deconvolver. Each contribution is one row of the system matrix and the
// pixel sensitivity is taken as uniform, so the image integrates to the
// number of events.
type MLEM struct {
	Grid       Grid
	Iterations int
}

// NewMLEM returns a deconvolver over grid.
func NewMLEM(grid Grid, iterations int) (*MLEM, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if iterations < 1 {
		iterations = 1
	}
	return &MLEM{Grid: grid, Iterations: iterations}, nil
}

// Deconvolve implements pipeline.Deconvolver. Empty contributions and bins
// outside the grid are ignored; with nothing left the image is all zero.
func (m *MLEM) Deconvolve(contributions []*event.ImageContribution) *event.Image {
	img := m.Grid.image()
	n := m.Grid.Pixels()

	rows := make([]*event.ImageContribution, 0, len(contributions))
	for _, c := range contributions {
		if c.Len() > 0 {
			rows = append(rows, c)
		}
	}
	img.Events = len(rows)
	if len(rows) == 0 {
		return img
	}

	lambda := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		lambda.SetVec(i, float64(len(rows))/float64(n))
	}

	update := mat.NewVecDense(n, nil)
	for it := 0; it < m.Iterations; it++ {
		update.Zero()
		for _, c := range rows {
			var expected float64
			for k, bin := range c.Bins {
				if bin >= 0 && bin < n {
					expected += c.Weights[k] * lambda.AtVec(bin)
				}
			}
			if expected <= 0 {
				continue
			}
			for k, bin := range c.Bins {
				if bin >= 0 && bin < n {
					update.SetVec(bin, update.AtVec(bin)+c.Weights[k]/expected)
				}
			}
		}
		lambda.MulElemVec(lambda, update)
	}

	copy(img.Pixels, lambda.RawVector().Data)
	img.Iterations = m.Iterations
	return img
}
