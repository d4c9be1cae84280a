package physics

import (
	"encoding/json"
	"fmt"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
)

// Volume is an axis-aligned sensitive detector volume, in cm.
type Volume struct {
	Name string `json:"name"`
	Min  r3.Vec `json:"min"`
	Max  r3.Vec `json:"max"`
}

// Contains reports whether p lies inside the volume.
func (v Volume) Contains(p r3.Vec) bool {
	return p.X >= v.Min.X && p.X <= v.Max.X &&
		p.Y >= v.Min.Y && p.Y <= v.Max.Y &&
		p.Z >= v.Min.Z && p.Z <= v.Max.Z
}

// Geometry is the detector description the reconstruction checks hits
// against.
type Geometry struct {
	Name    string   `json:"name"`
	Volumes []Volume `json:"volumes"`
}

// Contains reports whether p lies in any sensitive volume. A geometry
// without volumes accepts every point.
func (g *Geometry) Contains(p r3.Vec) bool {
	if g == nil || len(g.Volumes) == 0 {
		return true
	}
	for _, v := range g.Volumes {
		if v.Contains(p) {
			return true
		}
	}
	return false
}

const maxGeometryFileSize = 1 << 20

// LoadGeometry reads a JSON geometry file.
func LoadGeometry(path string) (*Geometry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("geometry %s: %w", path, err)
	}
	if info.Size() > maxGeometryFileSize {
		return nil, fmt.Errorf("geometry %s too large: %d bytes (max %d)", path, info.Size(), maxGeometryFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geometry %s: %w", path, err)
	}
	var g Geometry
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse geometry %s: %w", path, err)
	}
	for i, v := range g.Volumes {
		if v.Max.X < v.Min.X || v.Max.Y < v.Min.Y || v.Max.Z < v.Min.Z {
			return nil, fmt.Errorf("geometry %s: volume %d (%s) has inverted bounds", path, i, v.Name)
		}
	}
	return &g, nil
}
