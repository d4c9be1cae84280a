package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// MaxEnergyWindows is the number of energy bands the image selection accepts.
const MaxEnergyWindows = 4

// ErrInvalidAccumulationTime is returned for a non-positive window width.
var ErrInvalidAccumulationTime = errors.New("accumulation time must be positive")

// EnergyWindow is a closed energy band in keV.
type EnergyWindow struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether e lies inside the band.
func (w EnergyWindow) Contains(e float64) bool {
	return e >= w.Min && e <= w.Max
}

// Settings is the pipeline's immutable run configuration. Only the
// accumulation time can change while running (see Analyzer.SetAccumulationTime).
type Settings struct {
	// Geometry identifies the detector geometry handed to collaborators
	// implementing Loader.
	Geometry string

	// AccumulationTime is the initial trailing window width in seconds.
	AccumulationTime float64

	// EnergyWindows select the events that contribute to the image. Empty
	// means every energy.
	EnergyWindows []EnergyWindow

	// CoincidenceEnabled turns on coincidence merging. When false every
	// record passes through unchanged.
	CoincidenceEnabled bool
	// CoincidenceWindow is how far apart, in seconds, two groups may be and
	// still be merged.
	CoincidenceWindow float64
	// CoincidenceIdleFlush finalizes pending coincidence candidates when no
	// new record has arrived for this long.
	CoincidenceIdleFlush time.Duration

	// InitializationCutOff is the reorder tolerance in seconds: a record is
	// released downstream once it is this much older than the newest
	// timestamp received.
	InitializationCutOff float64
	// MaxContinuousTimeJumps is how many consecutive arrivals behind the
	// initialization watermark are dropped before resynchronizing.
	MaxContinuousTimeJumps int

	// Count-rate and spectrum binning.
	CountRateBinWidth float64 // seconds
	SpectrumBins      int
	SpectrumMin       float64 // keV
	SpectrumMax       float64 // keV

	// Cadences.
	PollInterval           time.Duration
	HistogrammingInterval  time.Duration
	IdentificationInterval time.Duration
	CleanupInterval        time.Duration
	UsagePeriod            time.Duration

	// Transmission reconnect backoff bounds.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// StartupTimeout bounds how long Start waits for every stage.
	StartupTimeout time.Duration

	ReconstructionShed ShedConfig
	ImagingShed        ShedConfig
}

// DefaultSettings returns the standard configuration.
func DefaultSettings() Settings {
	return Settings{
		AccumulationTime:       60,
		CoincidenceEnabled:     true,
		CoincidenceWindow:      1e-6,
		CoincidenceIdleFlush:   200 * time.Millisecond,
		InitializationCutOff:   1.0,
		MaxContinuousTimeJumps: 100,
		CountRateBinWidth:      1.0,
		SpectrumBins:           500,
		SpectrumMin:            0,
		SpectrumMax:            2000,
		PollInterval:           10 * time.Millisecond,
		HistogrammingInterval:  2 * time.Second,
		IdentificationInterval: 5 * time.Second,
		CleanupInterval:        100 * time.Millisecond,
		UsagePeriod:            time.Second,
		ReconnectMin:           100 * time.Millisecond,
		ReconnectMax:           2 * time.Second,
		StartupTimeout:         10 * time.Second,
		ReconstructionShed:     DefaultShedConfig(),
		ImagingShed:            DefaultShedConfig(),
	}
}

// Validate checks the settings for values the stages cannot run with.
func (s Settings) Validate() error {
	if !(s.AccumulationTime > 0) {
		return fmt.Errorf("%w: got %g", ErrInvalidAccumulationTime, s.AccumulationTime)
	}
	if len(s.EnergyWindows) > MaxEnergyWindows {
		return fmt.Errorf("at most %d energy windows are supported, got %d", MaxEnergyWindows, len(s.EnergyWindows))
	}
	for i, w := range s.EnergyWindows {
		if w.Max < w.Min {
			return fmt.Errorf("energy window %d: max %g below min %g", i, w.Max, w.Min)
		}
	}
	if s.CoincidenceWindow < 0 {
		return fmt.Errorf("coincidence window must be non-negative, got %g", s.CoincidenceWindow)
	}
	if s.InitializationCutOff < 0 {
		return fmt.Errorf("initialization cut-off must be non-negative, got %g", s.InitializationCutOff)
	}
	if s.MaxContinuousTimeJumps < 0 {
		return fmt.Errorf("max continuous time jumps must be non-negative, got %d", s.MaxContinuousTimeJumps)
	}
	if !(s.CountRateBinWidth > 0) {
		return fmt.Errorf("count-rate bin width must be positive, got %g", s.CountRateBinWidth)
	}
	if s.SpectrumBins < 1 || !(s.SpectrumMax > s.SpectrumMin) {
		return fmt.Errorf("invalid spectrum binning: %d bins over [%g, %g]", s.SpectrumBins, s.SpectrumMin, s.SpectrumMax)
	}
	for name, d := range map[string]time.Duration{
		"poll interval":           s.PollInterval,
		"histogramming interval":  s.HistogrammingInterval,
		"identification interval": s.IdentificationInterval,
		"cleanup interval":        s.CleanupInterval,
		"usage period":            s.UsagePeriod,
		"reconnect min":           s.ReconnectMin,
		"startup timeout":         s.StartupTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if s.ReconnectMax < s.ReconnectMin {
		return fmt.Errorf("reconnect max %v below reconnect min %v", s.ReconnectMax, s.ReconnectMin)
	}
	return nil
}

// selects reports whether e passes the image energy selection.
func (s Settings) selects(e float64) bool {
	if len(s.EnergyWindows) == 0 {
		return true
	}
	for _, w := range s.EnergyWindows {
		if w.Contains(e) {
			return true
		}
	}
	return false
}
