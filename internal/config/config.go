// Package config loads the analyzer run configuration from a JSON or TOML
// file. Every field is optional; the Get* accessors supply the defaults, so
// partial files are safe.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/banshee-data/eventhorizon/internal/ingest"
	"github.com/banshee-data/eventhorizon/internal/physics"
	"github.com/banshee-data/eventhorizon/internal/pipeline"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of the configuration file.
type Config struct {
	Geometry         *string        `json:"geometry,omitempty" toml:"geometry"`
	AccumulationTime *float64       `json:"accumulation_time,omitempty" toml:"accumulation_time"` // seconds
	EnergyWindows    []EnergyWindow `json:"energy_windows,omitempty" toml:"energy_windows"`

	Coincidence       *bool    `json:"coincidence,omitempty" toml:"coincidence"`
	CoincidenceWindow *float64 `json:"coincidence_window,omitempty" toml:"coincidence_window"` // seconds

	InitializationCutOff   *float64 `json:"initialization_cutoff,omitempty" toml:"initialization_cutoff"` // seconds
	MaxContinuousTimeJumps *int     `json:"max_continuous_time_jumps,omitempty" toml:"max_continuous_time_jumps"`

	CountRateBinWidth *float64 `json:"count_rate_bin_width,omitempty" toml:"count_rate_bin_width"`
	SpectrumBins      *int     `json:"spectrum_bins,omitempty" toml:"spectrum_bins"`
	SpectrumMin       *float64 `json:"spectrum_min,omitempty" toml:"spectrum_min"`
	SpectrumMax       *float64 `json:"spectrum_max,omitempty" toml:"spectrum_max"`

	// Durations are strings like "2s" or "100ms".
	PollInterval           *string `json:"poll_interval,omitempty" toml:"poll_interval"`
	HistogrammingInterval  *string `json:"histogramming_interval,omitempty" toml:"histogramming_interval"`
	IdentificationInterval *string `json:"identification_interval,omitempty" toml:"identification_interval"`
	CleanupInterval        *string `json:"cleanup_interval,omitempty" toml:"cleanup_interval"`
	StartupTimeout         *string `json:"startup_timeout,omitempty" toml:"startup_timeout"`

	LoadShedding *bool `json:"load_shedding,omitempty" toml:"load_shedding"`

	// AccumulationFile appends every published event as text when set.
	AccumulationFile *string `json:"accumulation_file,omitempty" toml:"accumulation_file"`
	// Database is the sqlite file runs, events and isotopes are recorded in.
	Database *string `json:"database,omitempty" toml:"database"`

	Imaging *ImagingConfig `json:"imaging,omitempty" toml:"imaging"`
	Source  *SourceConfig  `json:"source,omitempty" toml:"source"`
}

// EnergyWindow is one image energy selection band in keV.
type EnergyWindow struct {
	Min float64 `json:"min_kev" toml:"min_kev"`
	Max float64 `json:"max_kev" toml:"max_kev"`
}

// ImagingConfig sets the image grid and deconvolution.
type ImagingConfig struct {
	Width      *int     `json:"width,omitempty" toml:"width"`
	Height     *int     `json:"height,omitempty" toml:"height"`
	Resolution *float64 `json:"resolution_deg,omitempty" toml:"resolution_deg"`
	Iterations *int     `json:"iterations,omitempty" toml:"iterations"`
}

// SourceConfig selects where descriptor text comes from.
type SourceConfig struct {
	Kind    string               `json:"kind" toml:"kind"` // tcp, serial, nats, file or pcap
	Address string               `json:"address,omitempty" toml:"address"`
	Subject string               `json:"subject,omitempty" toml:"subject"`
	Port    uint16               `json:"port,omitempty" toml:"port"`
	Serial  ingest.SerialOptions `json:"serial,omitempty" toml:"serial"`
}

// Source kinds.
const (
	SourceTCP    = "tcp"
	SourceSerial = "serial"
	SourceNATS   = "nats"
	SourceFile   = "file"
	SourcePcap   = "pcap"
)

// Load reads a configuration file. The extension picks the format: .json
// or .toml. The file must be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.AccumulationTime != nil {
		if v := *c.AccumulationTime; !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("accumulation_time must be positive, got %g", v)
		}
	}
	if len(c.EnergyWindows) > pipeline.MaxEnergyWindows {
		return fmt.Errorf("at most %d energy_windows are supported, got %d", pipeline.MaxEnergyWindows, len(c.EnergyWindows))
	}
	for i, w := range c.EnergyWindows {
		if w.Max < w.Min {
			return fmt.Errorf("energy_windows[%d]: max_kev %g below min_kev %g", i, w.Max, w.Min)
		}
	}
	if c.CoincidenceWindow != nil && *c.CoincidenceWindow < 0 {
		return fmt.Errorf("coincidence_window must be non-negative, got %g", *c.CoincidenceWindow)
	}
	if c.MaxContinuousTimeJumps != nil && *c.MaxContinuousTimeJumps < 0 {
		return fmt.Errorf("max_continuous_time_jumps must be non-negative, got %d", *c.MaxContinuousTimeJumps)
	}
	for name, v := range map[string]*string{
		"poll_interval":           c.PollInterval,
		"histogramming_interval":  c.HistogrammingInterval,
		"identification_interval": c.IdentificationInterval,
		"cleanup_interval":        c.CleanupInterval,
		"startup_timeout":         c.StartupTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.Source != nil {
		switch c.Source.Kind {
		case SourceTCP, SourceSerial, SourceNATS, SourceFile, SourcePcap:
		default:
			return fmt.Errorf("unknown source kind %q", c.Source.Kind)
		}
		if c.Source.Kind == SourceNATS && c.Source.Subject == "" {
			return fmt.Errorf("nats source needs a subject")
		}
		if c.Source.Kind == SourceSerial {
			if _, err := c.Source.Serial.Normalize(); err != nil {
				return fmt.Errorf("serial source: %w", err)
			}
		}
	}
	if c.Imaging != nil {
		if err := c.Imaging.grid().Validate(); err != nil {
			return fmt.Errorf("imaging: %w", err)
		}
	}
	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetGeometry returns the geometry file, empty for none.
func (c *Config) GetGeometry() string {
	if c.Geometry == nil {
		return ""
	}
	return *c.Geometry
}

// GetAccumulationTime returns the accumulation time in seconds.
func (c *Config) GetAccumulationTime() float64 {
	if c.AccumulationTime == nil {
		return 60
	}
	return *c.AccumulationTime
}

// GetCoincidence reports whether coincidence merging is on.
func (c *Config) GetCoincidence() bool {
	if c.Coincidence == nil {
		return true
	}
	return *c.Coincidence
}

// GetCoincidenceWindow returns the merge window in seconds.
func (c *Config) GetCoincidenceWindow() float64 {
	if c.CoincidenceWindow == nil {
		return 1e-6
	}
	return *c.CoincidenceWindow
}

// GetLoadShedding reports whether the heavy stages may shed load.
func (c *Config) GetLoadShedding() bool {
	if c.LoadShedding == nil {
		return true
	}
	return *c.LoadShedding
}

// GetAccumulationFile returns the text sink path, empty for none.
func (c *Config) GetAccumulationFile() string {
	if c.AccumulationFile == nil {
		return ""
	}
	return *c.AccumulationFile
}

// GetDatabase returns the sqlite path, empty for none.
func (c *Config) GetDatabase() string {
	if c.Database == nil {
		return ""
	}
	return *c.Database
}

// GetSource returns the source section, defaulting to a local TCP client.
func (c *Config) GetSource() SourceConfig {
	if c.Source == nil {
		return SourceConfig{Kind: SourceTCP, Address: "127.0.0.1:9090"}
	}
	return *c.Source
}

// GetImaging returns the image grid and the MLEM iteration count.
func (c *Config) GetImaging() (grid physics.Grid, resolution float64, iterations int) {
	im := c.Imaging
	if im == nil {
		im = &ImagingConfig{}
	}
	resolution, iterations = 5, 10
	if im.Resolution != nil {
		resolution = *im.Resolution
	}
	if im.Iterations != nil {
		iterations = *im.Iterations
	}
	return im.grid(), resolution, iterations
}

func (im *ImagingConfig) grid() physics.Grid {
	g := physics.DefaultGrid()
	if im.Width != nil {
		g.Width = *im.Width
	}
	if im.Height != nil {
		g.Height = *im.Height
	}
	return g
}

// Settings converts the configuration into pipeline settings. Fields that
// are not set keep pipeline.DefaultSettings values.
func (c *Config) Settings() (pipeline.Settings, error) {
	s := pipeline.DefaultSettings()
	s.Geometry = c.GetGeometry()
	s.AccumulationTime = c.GetAccumulationTime()
	for _, w := range c.EnergyWindows {
		s.EnergyWindows = append(s.EnergyWindows, pipeline.EnergyWindow{Min: w.Min, Max: w.Max})
	}
	s.CoincidenceEnabled = c.GetCoincidence()
	s.CoincidenceWindow = c.GetCoincidenceWindow()
	if c.InitializationCutOff != nil {
		s.InitializationCutOff = *c.InitializationCutOff
	}
	if c.MaxContinuousTimeJumps != nil {
		s.MaxContinuousTimeJumps = *c.MaxContinuousTimeJumps
	}
	if c.CountRateBinWidth != nil {
		s.CountRateBinWidth = *c.CountRateBinWidth
	}
	if c.SpectrumBins != nil {
		s.SpectrumBins = *c.SpectrumBins
	}
	if c.SpectrumMin != nil {
		s.SpectrumMin = *c.SpectrumMin
	}
	if c.SpectrumMax != nil {
		s.SpectrumMax = *c.SpectrumMax
	}
	s.PollInterval = duration(c.PollInterval, s.PollInterval)
	s.HistogrammingInterval = duration(c.HistogrammingInterval, s.HistogrammingInterval)
	s.IdentificationInterval = duration(c.IdentificationInterval, s.IdentificationInterval)
	s.CleanupInterval = duration(c.CleanupInterval, s.CleanupInterval)
	s.StartupTimeout = duration(c.StartupTimeout, s.StartupTimeout)
	s.ReconstructionShed.Enabled = c.GetLoadShedding()
	s.ImagingShed.Enabled = c.GetLoadShedding()
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}
