package geometry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tol = 1e-3

func TestDecomposeShiftOnly2D(t *testing.T) {
	m := Matrix{
		{1, 0, 0, -32},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	p, err := Decompose(m, Convention{Is2D: true, InverseTransform: true})
	require.NoError(t, err)
	assert.InDelta(t, -32, p.ShiftX, tol)
	assert.InDelta(t, 0, p.ShiftY, tol)
	assert.InDelta(t, 0, p.Rot, tol)
	assert.False(t, p.Flip)

	// Not inverse: the rigid inverse is taken first.
	p, err = Decompose(m, Convention{Is2D: true, InverseTransform: false})
	require.NoError(t, err)
	assert.InDelta(t, 32, p.ShiftX, tol)
}

func TestDecomposeRotationOnly2D(t *testing.T) {
	m := Matrix{
		{0, 1, 0, 0},
		{-1, 0, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	p, err := Decompose(m, Convention{Is2D: true, InverseTransform: true})
	require.NoError(t, err)
	assert.InDelta(t, 90, p.Rot, tol)
	assert.InDelta(t, 0, p.ShiftX, tol)
	assert.InDelta(t, 0, p.ShiftY, tol)
	assert.False(t, p.Flip)

	// The same in-plane rotation read as 3D lands in rot as well.
	p3, err := Decompose(m, Convention{InverseTransform: true})
	require.NoError(t, err)
	assert.InDelta(t, 90, p3.Rot, tol)
	assert.InDelta(t, 0, p3.Tilt, tol)
	assert.InDelta(t, 0, p3.Psi, tol)
}

func TestDecompose3DKnownAngles(t *testing.T) {
	m := Matrix{
		{0.71461016, 0.63371837, -0.29619813, 15},
		{-0.61309201, 0.77128059, 0.17101008, 25},
		{0.33682409, 0.059391174, 0.93969262, 35},
		{0, 0, 0, 1},
	}
	p, err := Decompose(m, Convention{InverseTransform: true})
	require.NoError(t, err)
	assert.InDelta(t, 10, p.Rot, tol)
	assert.InDelta(t, 20, p.Tilt, tol)
	assert.InDelta(t, 30, p.Psi, tol)
	assert.InDelta(t, 15, p.ShiftX, tol)
	assert.InDelta(t, 25, p.ShiftY, tol)
	assert.InDelta(t, 35, p.ShiftZ, tol)
	assert.False(t, p.Flip)
}

func TestComposeDecomposeRoundTrip(t *testing.T) {
	params := []Params{
		{},
		{ShiftX: 20},
		{ShiftX: 27.706396, ShiftY: 0.331312, Rot: 30},
		{ShiftX: -4.5, ShiftY: 12, ShiftZ: 3, Rot: -135, Tilt: 60, Psi: 170},
		{ShiftX: 1, ShiftY: -2, ShiftZ: 5, Rot: 45, Tilt: 180, Psi: 0},
		{ShiftX: 3, Rot: 120, Tilt: 90, Psi: -60, Flip: true},
		{ShiftY: 7, Rot: 180, Flip: true},
	}
	for _, is2D := range []bool{true, false} {
		for _, inverse := range []bool{true, false} {
			conv := Convention{Is2D: is2D, InverseTransform: inverse}
			for i, p := range params {
				t.Run(fmt.Sprintf("2d=%v/inv=%v/%d", is2D, inverse, i), func(t *testing.T) {
					m, err := Compose(p, conv)
					require.NoError(t, err)

					got, err := Decompose(m, conv)
					require.NoError(t, err)
					assert.Equal(t, p.Flip, got.Flip)

					back, err := Compose(got, conv)
					require.NoError(t, err)
					assert.True(t, m.ApproxEqual(back, tol), "round trip drifted:\n%v\n%v", m, back)
				})
			}
		}
	}
}

// rodrigues is the rotation by angle degrees about axis.
func rodrigues(axis [3]float64, angle float64) Matrix {
	n := math.Sqrt(axis[0]*axis[0] + axis[1]*axis[1] + axis[2]*axis[2])
	x, y, z := axis[0]/n, axis[1]/n, axis[2]/n
	k := [3][3]float64{{0, -z, y}, {z, 0, -x}, {-y, x, 0}}
	s, c := math.Sin(rad(angle)), 1-math.Cos(rad(angle))
	m := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var k2 float64
			for l := 0; l < 3; l++ {
				k2 += k[i][l] * k[l][j]
			}
			m[i][j] += s*k[i][j] + c*k2
		}
	}
	return m
}

func shifted(m Matrix, x, y, z float64) Matrix {
	m[0][3], m[1][3], m[2][3] = x, y, z
	return m
}

var mirrorX = Matrix{
	{-1, 0, 0, 0},
	{0, 1, 0, 0},
	{0, 0, 1, 0},
	{0, 0, 0, 1},
}

func TestDecomposeComposeRawMatrices(t *testing.T) {
	zAxis, yAxis := [3]float64{0, 0, 1}, [3]float64{0, 1, 0}
	type rawCase struct {
		name string
		m    Matrix
		// inPlane cases are valid 2D transforms too.
		inPlane bool
	}
	cases := []rawCase{
		{name: "in-plane", m: shifted(rodrigues(zAxis, 73.25), 12.5, -3, 0), inPlane: true},
		{name: "in-plane mirrored", m: shifted(rodrigues(zAxis, -140).Mul(mirrorX), -8, 4.25, 0), inPlane: true},
		{name: "half turn mirrored", m: shifted(rodrigues(zAxis, 180).Mul(mirrorX), 0, 9, 0), inPlane: true},
	}
	for _, tilt := range []float64{1e-6, 0.01, 179.99, 180 - 1e-6} {
		m := rodrigues(zAxis, 35).Mul(rodrigues(yAxis, tilt)).Mul(rodrigues(zAxis, -110))
		cases = append(cases,
			rawCase{name: fmt.Sprintf("tilt %g", tilt), m: shifted(m, 1, 2, 3)},
			rawCase{name: fmt.Sprintf("tilt %g mirrored", tilt), m: shifted(m.Mul(mirrorX), -1, 0, 4)},
		)
	}
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 8; i++ {
		axis := [3]float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		m := rodrigues(axis, rng.Float64()*360-180)
		if i%2 == 1 {
			m = m.Mul(mirrorX)
		}
		x, y, z := rng.Float64()*200-100, rng.Float64()*200-100, rng.Float64()*200-100
		cases = append(cases, rawCase{name: fmt.Sprintf("random %d", i), m: shifted(m, x, y, z)})
	}

	for _, c := range cases {
		for _, is2D := range []bool{true, false} {
			if is2D && !c.inPlane {
				continue
			}
			for _, inverse := range []bool{true, false} {
				conv := Convention{Is2D: is2D, InverseTransform: inverse}
				t.Run(fmt.Sprintf("%s/2d=%v/inv=%v", c.name, is2D, inverse), func(t *testing.T) {
					p, err := Decompose(c.m, conv)
					require.NoError(t, err)
					assert.Equal(t, c.m.Det3() < 0, p.Flip)

					back, err := Compose(p, conv)
					require.NoError(t, err)
					assert.True(t, c.m.ApproxEqual(back, 1e-6), "decompose/compose drifted:\n%v\n%v", c.m, back)
				})
			}
		}
	}
}

func TestFlipPreservesDeterminant(t *testing.T) {
	mirror := Matrix{
		{-1, 0, 0, 4},
		{0, 1, 0, -2},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	for _, is2D := range []bool{true, false} {
		for _, inverse := range []bool{true, false} {
			conv := Convention{Is2D: is2D, InverseTransform: inverse}
			p, err := Decompose(mirror, conv)
			require.NoError(t, err)
			assert.True(t, p.Flip)

			m, err := Compose(p, conv)
			require.NoError(t, err)
			assert.InDelta(t, -1, m.Det3(), tol)
			assert.True(t, mirror.ApproxEqual(m, tol))
		}
	}
}

func TestDecomposeRejectsMalformed(t *testing.T) {
	cases := map[string]Matrix{
		"scaled": {
			{2, 0, 0, 0},
			{0, 2, 0, 0},
			{0, 0, 2, 0},
			{0, 0, 0, 1},
		},
		"sheared": {
			{1, 0.5, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
			{0, 0, 0, 1},
		},
		"bottom row": {
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
			{0, 0, 0.2, 1},
		},
		"nan": {
			{math.NaN(), 0, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
			{0, 0, 0, 1},
		},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decompose(m, Convention{InverseTransform: true})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedTransform))
		})
	}
}

func TestUnsupportedOrder(t *testing.T) {
	_, err := Decompose(Identity(), Convention{Order: "XYZ"})
	assert.ErrorIs(t, err, ErrUnsupportedConvention)

	_, err = Compose(Params{}, Convention{Order: "ZXZ"})
	assert.ErrorIs(t, err, ErrUnsupportedConvention)
}

func TestAnglesAreNormalized(t *testing.T) {
	m, err := Compose(Params{Rot: 540}, Convention{Is2D: true, InverseTransform: true})
	require.NoError(t, err)
	p, err := Decompose(m, Convention{Is2D: true, InverseTransform: true})
	require.NoError(t, err)
	assert.InDelta(t, 180, p.Rot, tol)

	assert.Equal(t, 180.0, normalizeAngle(-180))
	assert.Equal(t, -90.0, normalizeAngle(270))
}

func TestParseMatrixRoundTrip(t *testing.T) {
	m := Matrix{
		{0.5, 0.86602539, 0, 3.239186},
		{-0.86602539, 0.5, 0, 20.310715},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	got, err := ParseMatrix(m.String())
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = ParseMatrix("[[1, 0], [0, 1]]")
	assert.ErrorIs(t, err, ErrMalformedTransform)
}

func TestRigidInverse(t *testing.T) {
	m, err := Compose(Params{ShiftX: 3, ShiftY: -1, ShiftZ: 2, Rot: 10, Tilt: 20, Psi: 30}, Convention{InverseTransform: true})
	require.NoError(t, err)
	assert.True(t, m.Mul(m.RigidInverse()).ApproxEqual(Identity(), 1e-9))
}
