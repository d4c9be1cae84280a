package pipeline

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
)

// ShedConfig tunes adaptive load shedding for one stage.
type ShedConfig struct {
	// Enabled turns load shedding on. When false ShouldDrop never drops.
	Enabled bool
	// SaturationThreshold is the usage above which the drop fraction grows.
	SaturationThreshold float64
	// RelaxThreshold is the usage below which the drop fraction shrinks.
	RelaxThreshold float64
	// Step is the amount the drop fraction changes per adjustment.
	Step float64
	// MaxFraction caps the drop fraction.
	MaxFraction float64
}

// DefaultShedConfig returns the default tuning.
func DefaultShedConfig() ShedConfig {
	return ShedConfig{
		Enabled:             true,
		SaturationThreshold: 0.95,
		RelaxThreshold:      0.80,
		Step:                0.05,
		MaxFraction:         0.9,
	}
}

// LoadShedder decides whether a stage under saturation should drop an
// incoming record instead of processing it. The fraction adapts to the
// stage's measured usage: it rises while the stage is saturated and relaxes
// back to zero as usage falls.
type LoadShedder struct {
	cfg      ShedConfig
	rng      *rand.Rand
	fraction atomic.Uint64 // float64 bits; written by the owning stage
}

// NewLoadShedder returns a shedder with a zero drop fraction. seed makes the
// drop sequence reproducible.
func NewLoadShedder(cfg ShedConfig, seed uint64) *LoadShedder {
	return &LoadShedder{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Fraction returns the current drop fraction in [0, MaxFraction].
func (s *LoadShedder) Fraction() float64 {
	return math.Float64frombits(s.fraction.Load())
}

// Adjust moves the drop fraction according to the latest usage sample and
// returns the new fraction.
func (s *LoadShedder) Adjust(usage float64) float64 {
	f := s.Fraction()
	if !s.cfg.Enabled {
		return f
	}
	switch {
	case usage >= s.cfg.SaturationThreshold:
		f = math.Min(s.cfg.MaxFraction, f+s.cfg.Step)
	case usage < s.cfg.RelaxThreshold:
		f = math.Max(0, f-s.cfg.Step)
	}
	// Snap float drift to zero.
	if f < 1e-9 {
		f = 0
	}
	s.fraction.Store(math.Float64bits(f))
	return f
}

// ShouldDrop draws against the current fraction.
func (s *LoadShedder) ShouldDrop() bool {
	if !s.cfg.Enabled {
		return false
	}
	f := s.Fraction()
	if f <= 0 {
		return false
	}
	return s.rng.Float64() < f
}
