// Package emdata is the in-framework data model: items, their optional CTF and
// acquisition records, and the id-keyed sets that hold them.
package emdata

import (
	"fmt"
	"strconv"
	"strings"

	"emconv/internal/geometry"
)

// Kind tags the item type a Set holds.
type Kind string

const (
	KindParticle     Kind = "particle"
	KindMicrograph   Kind = "micrograph"
	KindVolume       Kind = "volume"
	KindCoordinate   Kind = "coordinate"
	KindDefocusGroup Kind = "defocusGroup"
)

// ParseKind accepts the Kind names, case-insensitively.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindParticle, KindMicrograph, KindVolume, KindCoordinate, KindDefocusGroup} {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown item kind %q", s)
}

// Is3D reports whether transforms on this kind are full 3D rotations.
func (k Kind) Is3D() bool { return k == KindVolume }

// Location points at an image, optionally inside a stack (Index > 0).
type Location struct {
	Index int
	Path  string
}

// ParseLocation reads "index@path" or a bare path.
func ParseLocation(s string) (Location, error) {
	idx, path, found := strings.Cut(s, "@")
	if !found {
		return Location{Path: s}, nil
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return Location{}, fmt.Errorf("invalid stack index in %q", s)
	}
	if path == "" {
		return Location{}, fmt.Errorf("missing path in %q", s)
	}
	return Location{Index: n, Path: path}, nil
}

func (l Location) String() string {
	if l.Index > 0 {
		return fmt.Sprintf("%06d@%s", l.Index, l.Path)
	}
	return l.Path
}

// Acquisition describes the microscope settings.
type Acquisition struct {
	Voltage             float64 `json:"voltage"`
	Magnification       float64 `json:"magnification"`
	SphericalAberration float64 `json:"spherical_aberration"`
	AmplitudeContrast   float64 `json:"amplitude_contrast"`
}

// DefocusGroup summarizes one CTF group.
type DefocusGroup struct {
	Min float64
	Max float64
	Avg float64
}

// Item is one particle, micrograph, volume, coordinate or defocus group.
// Optional parts are nil when absent.
type Item struct {
	ID           int64
	Kind         Kind
	Disabled     bool
	Location     Location
	MicrographID int64
	Transform    *geometry.Matrix
	CTF          *CTFModel
	Acquisition  *Acquisition
	SamplingRate float64
	Coordinate   *Coordinate
	DefocusGroup *DefocusGroup
}

// Clone copies the item and its optional parts. Coordinate.Micrograph stays shared.
func (it *Item) Clone() *Item {
	c := *it
	if it.Transform != nil {
		m := *it.Transform
		c.Transform = &m
	}
	if it.CTF != nil {
		x := *it.CTF
		c.CTF = &x
	}
	if it.Acquisition != nil {
		x := *it.Acquisition
		c.Acquisition = &x
	}
	if it.Coordinate != nil {
		x := *it.Coordinate
		c.Coordinate = &x
	}
	if it.DefocusGroup != nil {
		x := *it.DefocusGroup
		c.DefocusGroup = &x
	}
	return &c
}

// PositionMode says which point of the box a coordinate names.
type PositionMode int

const (
	PosCenter PositionMode = iota
	PosTopLeft
)

// Coordinate is a particle pick on a micrograph.
type Coordinate struct {
	X, Y         int
	Origin       PositionMode
	BoxSize      int
	MicrographID int64
	// Micrograph is a non-owning back reference, nil when unresolved.
	Micrograph *Item
}

// Position returns the coordinate expressed in mode.
func (c Coordinate) Position(mode PositionMode) (x, y int) {
	if mode == c.Origin {
		return c.X, c.Y
	}
	half := c.BoxSize / 2
	if mode == PosCenter {
		return c.X + half, c.Y + half
	}
	return c.X - half, c.Y - half
}

// SetPosition stores x, y expressed in mode.
func (c *Coordinate) SetPosition(x, y int, mode PositionMode) {
	c.X, c.Y, c.Origin = x, y, mode
}
