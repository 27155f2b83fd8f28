package emdata

import "math"

// CTFModel holds the defocus parameters, in Angstroms and degrees.
// A standardized model has DefocusU >= DefocusV and DefocusAngle in [0, 180).
type CTFModel struct {
	DefocusU     float64 `json:"defocus_u"`
	DefocusV     float64 `json:"defocus_v"`
	DefocusAngle float64 `json:"defocus_angle"`
}

// NewCTFModel builds a standardized model.
func NewCTFModel(u, v, angle float64) *CTFModel {
	c := &CTFModel{DefocusU: u, DefocusV: v, DefocusAngle: angle}
	c.Standardize()
	return c
}

// Standardize swaps U and V when V > U, rotating the astigmatism angle by 90
// degrees, then wraps the angle into [0, 180).
func (c *CTFModel) Standardize() {
	if c.DefocusV > c.DefocusU {
		c.DefocusU, c.DefocusV = c.DefocusV, c.DefocusU
		c.DefocusAngle += 90
	}
	a := math.Mod(c.DefocusAngle, 180)
	if a < 0 {
		a += 180
	}
	c.DefocusAngle = a
}

// Equal compares all fields within tol.
func (c CTFModel) Equal(o CTFModel, tol float64) bool {
	return math.Abs(c.DefocusU-o.DefocusU) <= tol &&
		math.Abs(c.DefocusV-o.DefocusV) <= tol &&
		math.Abs(c.DefocusAngle-o.DefocusAngle) <= tol
}
