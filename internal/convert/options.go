// Package convert maps items and sets to metadata rows and back.
//
// Single-item helpers return their errors to the caller. The bulk passes on
// Converter catch per-item errors, log them with the item identifier, skip the
// item and keep going.
package convert

import (
	"fmt"
	"strings"

	"emconv/internal/emdata"
	"emconv/internal/geometry"
)

// Dims selects 2D or 3D alignment handling.
type Dims int

const (
	// DimsAuto treats volumes as 3D and everything else as 2D.
	DimsAuto Dims = iota
	Dims2D
	Dims3D
)

// ParseDims accepts "auto", "2d" and "3d".
func ParseDims(s string) (Dims, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return DimsAuto, nil
	case "2d":
		return Dims2D, nil
	case "3d":
		return Dims3D, nil
	}
	return DimsAuto, fmt.Errorf("unknown dimensionality %q", s)
}

func (d Dims) String() string {
	switch d {
	case Dims2D:
		return "2d"
	case Dims3D:
		return "3d"
	default:
		return "auto"
	}
}

// Purpose says whether rows carry alignment.
type Purpose int

const (
	// PurposePlain ignores transforms in both directions.
	PurposePlain Purpose = iota
	// PurposeAlignment writes shifts, angles and flip, with an identity
	// transform for items that have none.
	PurposeAlignment
)

// ParsePurpose accepts "plain" and "alignment".
func ParsePurpose(s string) (Purpose, error) {
	switch strings.ToLower(s) {
	case "", "plain":
		return PurposePlain, nil
	case "alignment", "align":
		return PurposeAlignment, nil
	}
	return PurposePlain, fmt.Errorf("unknown purpose %q", s)
}

func (p Purpose) String() string {
	if p == PurposeAlignment {
		return "alignment"
	}
	return "plain"
}

// Options parameterize one conversion. InverseTransform has no default: every
// caller states it.
type Options struct {
	Dims             Dims
	InverseTransform bool
	Purpose          Purpose
	Tolerance        float64
	Order            geometry.AngleOrder
}

// Is2D resolves Dims for kind.
func (o Options) Is2D(kind emdata.Kind) bool {
	switch o.Dims {
	case Dims2D:
		return true
	case Dims3D:
		return false
	}
	return !kind.Is3D()
}

func (o Options) convention(kind emdata.Kind) geometry.Convention {
	return geometry.Convention{
		Is2D:             o.Is2D(kind),
		InverseTransform: o.InverseTransform,
		Order:            o.Order,
		Tolerance:        o.Tolerance,
	}
}

// Map renders the options for logs and run records.
func (o Options) Map() map[string]any {
	return map[string]any{
		"dims":      o.Dims.String(),
		"inverse":   o.InverseTransform,
		"purpose":   o.Purpose.String(),
		"tolerance": o.Tolerance,
	}
}

// Override returns o with the non-empty settings applied. inverse is left
// alone when nil.
func (o Options) Override(dims, purpose string, inverse *bool) (Options, error) {
	if dims != "" {
		d, err := ParseDims(dims)
		if err != nil {
			return o, err
		}
		o.Dims = d
	}
	if purpose != "" {
		p, err := ParsePurpose(purpose)
		if err != nil {
			return o, err
		}
		o.Purpose = p
	}
	if inverse != nil {
		o.InverseTransform = *inverse
	}
	return o, nil
}
