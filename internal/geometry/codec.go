// Package geometry converts rigid transforms between 4x4 homogeneous matrices
// and the flattened alignment parameters used in metadata rows.
//
// Angles follow the ZYZ Euler convention of Xmipp: a parameter triple
// (rot, tilt, psi), in degrees, stands for the rotation
//
//	R = Rz(-psi) · Ry(-tilt) · Rz(-rot)
//
// A mirrored transform (det R = -1) is stored as R = R'·F with F = diag(-1, 1, 1)
// and flip = true.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrMalformedTransform reports a matrix that is not a rigid (optionally mirrored) transform.
	ErrMalformedTransform = errors.New("malformed transform")
	// ErrUnsupportedConvention reports an angle order or mode the codec does not implement.
	ErrUnsupportedConvention = errors.New("unsupported transform convention")
)

// DefaultTolerance bounds orthogonality, determinant and bottom-row checks.
const DefaultTolerance = 1e-3

// gimbalEps mirrors the single precision threshold used by Xmipp.
const gimbalEps = 16 * 1.1920929e-07

// AngleOrder names the Euler axis sequence.
type AngleOrder string

// OrderZYZ is the only supported sequence.
const OrderZYZ AngleOrder = "ZYZ"

// Convention selects how a matrix maps to parameters.
type Convention struct {
	Is2D bool
	// InverseTransform means the matrix already maps in the direction the row stores.
	// When false the rigid inverse is taken before extraction (and after composition).
	InverseTransform bool
	Order            AngleOrder
	Tolerance        float64
}

func (c Convention) tolerance() float64 {
	if c.Tolerance <= 0 {
		return DefaultTolerance
	}
	return c.Tolerance
}

func (c Convention) check() error {
	if c.Order != "" && c.Order != OrderZYZ {
		return fmt.Errorf("%w: angle order %q", ErrUnsupportedConvention, c.Order)
	}
	return nil
}

// Params is the flattened form of a transform. Only Rot is used in 2D.
type Params struct {
	ShiftX float64
	ShiftY float64
	ShiftZ float64
	Rot    float64
	Tilt   float64
	Psi    float64
	Flip   bool
}

// Validate checks that m is a rigid transform within the convention's tolerance.
// In 2D only the leading 2x2 rotation block is inspected.
func Validate(m Matrix, conv Convention) error {
	tol := conv.tolerance()
	for j, want := range [4]float64{0, 0, 0, 1} {
		if math.IsNaN(m[3][j]) || math.Abs(m[3][j]-want) > tol {
			return fmt.Errorf("%w: bottom row %v", ErrMalformedTransform, m[3])
		}
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.IsNaN(m[i][j]) || math.IsInf(m[i][j], 0) {
				return fmt.Errorf("%w: non-finite element at (%d,%d)", ErrMalformedTransform, i, j)
			}
		}
	}

	n := 3
	if conv.Is2D {
		n = 2
	}
	r := m.rotationBlock(n)
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	if !mat.EqualApprox(&rtr, eye(n), tol) {
		return fmt.Errorf("%w: rotation block is not orthogonal", ErrMalformedTransform)
	}
	if det := mat.Det(r); math.Abs(math.Abs(det)-1) > tol {
		return fmt.Errorf("%w: determinant %.6f", ErrMalformedTransform, det)
	}
	return nil
}

func eye(n int) *mat.DiagDense {
	d := make([]float64, n)
	for i := range d {
		d[i] = 1
	}
	return mat.NewDiagDense(n, d)
}

// Decompose extracts shifts, angles and the flip flag from m.
func Decompose(m Matrix, conv Convention) (Params, error) {
	if err := conv.check(); err != nil {
		return Params{}, err
	}
	if err := Validate(m, conv); err != nil {
		return Params{}, err
	}
	if !conv.InverseTransform {
		m = m.RigidInverse()
	}

	var p Params
	p.ShiftX, p.ShiftY, p.ShiftZ = m.Shifts()

	n := 3
	if conv.Is2D {
		n = 2
		p.ShiftZ = 0
	}
	if mat.Det(m.rotationBlock(n)) < 0 {
		p.Flip = true
		m = unflip(m)
	}

	if conv.Is2D {
		p.Rot = normalizeAngle(deg(math.Atan2(-m[1][0], m[0][0])))
		return p, nil
	}
	p.Rot, p.Tilt, p.Psi = eulerFromMatrix(m)
	return p, nil
}

// Compose builds the matrix described by p. It is the inverse of Decompose.
func Compose(p Params, conv Convention) (Matrix, error) {
	if err := conv.check(); err != nil {
		return Matrix{}, err
	}
	for _, v := range []float64{p.ShiftX, p.ShiftY, p.ShiftZ, p.Rot, p.Tilt, p.Psi} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Matrix{}, fmt.Errorf("%w: non-finite parameter", ErrMalformedTransform)
		}
	}

	var m Matrix
	if conv.Is2D {
		m = eulerToMatrix(p.Rot, 0, 0)
		m[0][3], m[1][3] = p.ShiftX, p.ShiftY
	} else {
		m = eulerToMatrix(p.Rot, p.Tilt, p.Psi)
		m[0][3], m[1][3], m[2][3] = p.ShiftX, p.ShiftY, p.ShiftZ
	}
	if p.Flip {
		m = unflip(m)
	}
	if !conv.InverseTransform {
		m = m.RigidInverse()
	}
	return m, nil
}

// unflip negates the first rotation column, R·diag(-1,1,1). It is its own inverse.
func unflip(m Matrix) Matrix {
	for i := 0; i < 3; i++ {
		m[i][0] = -m[i][0]
	}
	return m
}

func eulerToMatrix(rot, tilt, psi float64) Matrix {
	ca, sa := math.Cos(rad(rot)), math.Sin(rad(rot))
	cb, sb := math.Cos(rad(tilt)), math.Sin(rad(tilt))
	cg, sg := math.Cos(rad(psi)), math.Sin(rad(psi))

	m := Identity()
	m[0][0] = cg*cb*ca - sg*sa
	m[0][1] = cg*cb*sa + sg*ca
	m[0][2] = -cg * sb
	m[1][0] = -sg*cb*ca - cg*sa
	m[1][1] = -sg*cb*sa + cg*ca
	m[1][2] = sg * sb
	m[2][0] = sb * ca
	m[2][1] = sb * sa
	m[2][2] = cb
	return m
}

func eulerFromMatrix(m Matrix) (rot, tilt, psi float64) {
	absSb := math.Hypot(m[0][2], m[1][2])
	if absSb > gimbalEps {
		g := math.Atan2(m[1][2], -m[0][2])
		a := math.Atan2(m[2][1], m[2][0])
		var signSb float64
		if math.Abs(math.Sin(g)) < gimbalEps {
			signSb = sign(-m[0][2] / math.Cos(g))
		} else if math.Sin(g) > 0 {
			signSb = sign(m[1][2])
		} else {
			signSb = -sign(m[1][2])
		}
		b := math.Atan2(signSb*absSb, m[2][2])
		return normalizeAngle(deg(a)), normalizeAngle(deg(b)), normalizeAngle(deg(g))
	}

	// tilt is 0 or 180: only rot+psi is observable, keep it all in rot.
	if m[2][2] > 0 {
		return normalizeAngle(deg(math.Atan2(-m[1][0], m[0][0]))), 0, 0
	}
	return normalizeAngle(deg(math.Atan2(-m[1][0], -m[0][0]))), 180, 0
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

// normalizeAngle maps degrees into (-180, 180].
func normalizeAngle(d float64) float64 {
	d = math.Mod(d, 360)
	if d <= -180 {
		d += 360
	} else if d > 180 {
		d -= 360
	}
	if d == 0 {
		return 0
	}
	return d
}
