package physics

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/eventhorizon/internal/event"
)

// ElectronMass is the electron rest energy in keV.
const ElectronMass = 510.99895

var (
	// ErrNoHits is returned for a group without hits.
	ErrNoHits = errors.New("group has no hits")
	// ErrKinematics is returned when no hit ordering gives a physical
	// Compton scatter angle.
	ErrKinematics = errors.New("compton kinematics not satisfied")
	// ErrOutsideGeometry is returned when a hit lies outside every
	// sensitive volume.
	ErrOutsideGeometry = errors.New("hit outside detector geometry")
)

// ReconstructorConfig tunes event classification.
type ReconstructorConfig struct {
	// MinEnergy rejects groups below this total energy (keV).
	MinEnergy float64
	// MuonEnergy is the deposit above which a track of MinTrackHits or more
	// hits is classified as a muon (keV).
	MuonEnergy float64
	// PairEnergy is the deposit above which a multi-hit event is classified
	// as pair production instead of Compton scattering (keV).
	PairEnergy   float64
	MinTrackHits int
}

// DefaultReconstructorConfig returns the standard thresholds.
func DefaultReconstructorConfig() ReconstructorConfig {
	return ReconstructorConfig{
		MinEnergy:    10,
		MuonEnergy:   20000,
		PairEnergy:   5000,
		MinTrackHits: 4,
	}
}

// Reconstructor classifies groups and solves their kinematics. It loads a
// detector geometry when the pipeline starts and rejects hits outside it.
type Reconstructor struct {
	cfg ReconstructorConfig

	mu       sync.RWMutex
	geometry *Geometry
}

// NewReconstructor returns a reconstructor with no geometry loaded.
func NewReconstructor(cfg ReconstructorConfig) *Reconstructor {
	return &Reconstructor{cfg: cfg}
}

// Load implements pipeline.Loader. An empty name accepts every hit.
func (r *Reconstructor) Load(geometry string) error {
	var g *Geometry
	if geometry != "" {
		var err error
		if g, err = LoadGeometry(geometry); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.geometry = g
	r.mu.Unlock()
	return nil
}

// Close releases the loaded geometry.
func (r *Reconstructor) Close() error {
	r.mu.Lock()
	r.geometry = nil
	r.mu.Unlock()
	return nil
}

// Reconstruct implements pipeline.Reconstructor.
func (r *Reconstructor) Reconstruct(g *event.Group) (event.Interpretation, error) {
	if g == nil || len(g.Hits) == 0 {
		return event.None, ErrNoHits
	}
	r.mu.RLock()
	geo := r.geometry
	r.mu.RUnlock()
	for i, h := range g.Hits {
		if !geo.Contains(h.Position) {
			return event.None, fmt.Errorf("%w: hit %d at %v", ErrOutsideGeometry, i, h.Position)
		}
	}

	e := g.Energy()
	if e < r.cfg.MinEnergy {
		return event.Interpretation{Kind: event.KindUnidentifiable, Energy: e}, nil
	}
	hits := g.Hits
	switch {
	case len(hits) == 1:
		return event.Interpretation{Kind: event.KindPhoto, Energy: e, Position: hits[0].Position}, nil
	case e >= r.cfg.MuonEnergy && len(hits) >= r.cfg.MinTrackHits:
		return track(event.KindMuon, e, hits), nil
	case e >= r.cfg.PairEnergy:
		return track(event.KindPair, e, hits), nil
	}
	return compton(e, hits)
}

// track takes the line from the last hit back to the first as the incoming
// direction.
func track(kind event.Kind, e float64, hits []event.Hit) event.Interpretation {
	first, last := hits[0].Position, hits[len(hits)-1].Position
	d := r3.Sub(first, last)
	if r3.Norm(d) > 0 {
		d = r3.Unit(d)
	}
	return event.Interpretation{
		Kind:      kind,
		Energy:    e,
		First:     first,
		Second:    hits[1].Position,
		Direction: d,
		Position:  first,
	}
}

// compton solves the scatter angle for the first two interactions, trying
// the recorded order first and the swapped one second.
func compton(e float64, hits []event.Hit) (event.Interpretation, error) {
	for _, order := range [][2]int{{0, 1}, {1, 0}} {
		a, b := hits[order[0]], hits[order[1]]
		if r3.Norm(r3.Sub(a.Position, b.Position)) == 0 {
			continue
		}
		theta, ok := ScatterAngle(a.Energy, e)
		if !ok {
			continue
		}
		return event.Interpretation{
			Kind:         event.KindCompton,
			Energy:       e,
			First:        a.Position,
			Second:       b.Position,
			ScatterAngle: theta,
			Position:     a.Position,
		}, nil
	}
	return event.None, fmt.Errorf("%w: E=%.1f keV over %d hits", ErrKinematics, e, len(hits))
}

// ScatterAngle returns the Compton scatter angle in radians for an electron
// recoil of deposit keV out of a total photon energy of total keV.
func ScatterAngle(deposit, total float64) (float64, bool) {
	scattered := total - deposit
	if deposit <= 0 || scattered <= 0 {
		return 0, false
	}
	cos := 1 - ElectronMass*(1/scattered-1/total)
	if cos < -1 || cos > 1 || math.IsNaN(cos) {
		return 0, false
	}
	return math.Acos(cos), true
}
