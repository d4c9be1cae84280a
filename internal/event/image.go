package event

// ImageContribution is one event's backprojected response on the image grid,
// stored sparsely. Bins index Image.Pixels in row-major order.
type ImageContribution struct {
	Bins    []int
	Weights []float64
}

// Len returns the number of non-zero bins.
func (c *ImageContribution) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Bins)
}

// Image is a reconstructed all-sky image in galactic-like detector
// coordinates: longitude along the columns, latitude along the rows.
type Image struct {
	Width  int // longitude bins
	Height int // latitude bins

	LongitudeMin, LongitudeMax float64 // degrees
	LatitudeMin, LatitudeMax   float64 // degrees

	Pixels []float64 // row-major, len = Width*Height

	Events     int // contributions that went into the image
	Iterations int
}

// At returns the pixel value at column x, row y.
func (im *Image) At(x, y int) float64 {
	return im.Pixels[y*im.Width+x]
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	if im == nil {
		return nil
	}
	out := *im
	out.Pixels = append([]float64(nil), im.Pixels...)
	return &out
}

// Isotope is one candidate produced by isotope identification.
type Isotope struct {
	Name       string    `json:"name"`
	Lines      []float64 `json:"lines_kev"`  // characteristic lines that were matched
	Confidence float64   `json:"confidence"` // 0..1
}
