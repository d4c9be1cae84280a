package event

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Kind tags the physical interpretation of a reconstructed event.
type Kind uint8

const (
	KindNone Kind = iota
	KindCompton
	KindPair
	KindPhoto
	KindMuon
	KindUnidentifiable
)

var kindNames = [...]string{
	KindNone:           "none",
	KindCompton:        "compton",
	KindPair:           "pair",
	KindPhoto:          "photo",
	KindMuon:           "muon",
	KindUnidentifiable: "unidentifiable",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return KindNone, fmt.Errorf("unknown interpretation kind %q", s)
}

// Interpretation is the closed set of physical interpretations the
// reconstruction can assign to an event. Only the fields belonging to Kind
// are meaningful; consumers switch on Kind.
type Interpretation struct {
	Kind   Kind
	Energy float64 // keV, total energy attributed to the incident photon

	// Compton: the first two interaction positions. The cone axis points
	// from Second to First and ScatterAngle is its half opening angle.
	First        r3.Vec
	Second       r3.Vec
	ScatterAngle float64 // radians

	// Pair: reconstructed incoming direction (unit vector, pointing to the source).
	Direction r3.Vec

	// Photo and Muon: the interaction position (Muon: track entry point).
	Position r3.Vec
}

// None is the zero interpretation.
var None = Interpretation{}

// ConeAxis returns the unit vector from the second to the first Compton
// interaction, pointing back toward the source. It is only meaningful for
// KindCompton.
func (in Interpretation) ConeAxis() r3.Vec {
	return r3.Unit(r3.Sub(in.First, in.Second))
}

func (in Interpretation) String() string {
	switch in.Kind {
	case KindCompton:
		return fmt.Sprintf("compton(E=%.1fkeV phi=%.3frad)", in.Energy, in.ScatterAngle)
	case KindPair:
		return fmt.Sprintf("pair(E=%.1fkeV)", in.Energy)
	default:
		return fmt.Sprintf("%s(E=%.1fkeV)", in.Kind, in.Energy)
	}
}
