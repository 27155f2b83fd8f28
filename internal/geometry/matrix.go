package geometry

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a 4x4 homogeneous transform, row major.
type Matrix [4][4]float64

// Identity returns the identity transform.
func Identity() Matrix {
	var m Matrix
	for i := 0; i < 4; i++ {
		m[i][i] = 1
	}
	return m
}

// Translation builds a pure shift transform.
func Translation(x, y, z float64) Matrix {
	m := Identity()
	m[0][3], m[1][3], m[2][3] = x, y, z
	return m
}

// Mul returns m·o.
func (m Matrix) Mul(o Matrix) Matrix {
	var out Matrix
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[i][k] * o[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// Shifts returns the translation column.
func (m Matrix) Shifts() (x, y, z float64) {
	return m[0][3], m[1][3], m[2][3]
}

// RigidInverse inverts a rotation+shift transform: R' = Rᵀ, t' = -Rᵀt.
// The result is only meaningful when the rotation block is orthogonal.
func (m Matrix) RigidInverse() Matrix {
	out := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	for i := 0; i < 3; i++ {
		var sum float64
		for k := 0; k < 3; k++ {
			sum += out[i][k] * m[k][3]
		}
		out[i][3] = -sum
	}
	return out
}

// rotationBlock copies the leading n×n block of the rotation part.
func (m Matrix) rotationBlock(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d.Set(i, j, m[i][j])
		}
	}
	return d
}

// Det3 is the determinant of the 3x3 rotation block.
func (m Matrix) Det3() float64 {
	return mat.Det(m.rotationBlock(3))
}

// ApproxEqual compares every element within tol.
func (m Matrix) ApproxEqual(o Matrix, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(m[i][j]-o[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// String renders the matrix as nested JSON-style lists, the form stored in set databases.
func (m Matrix) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i := 0; i < 4; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('[')
		for j := 0; j < 4; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%g", m[i][j])
		}
		b.WriteByte(']')
	}
	b.WriteByte(']')
	return b.String()
}

// ParseMatrix reads the nested list form produced by String.
func ParseMatrix(s string) (Matrix, error) {
	var rows [][]float64
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &rows); err != nil {
		return Matrix{}, fmt.Errorf("%w: %v", ErrMalformedTransform, err)
	}
	if len(rows) != 4 {
		return Matrix{}, fmt.Errorf("%w: expected 4 rows, got %d", ErrMalformedTransform, len(rows))
	}
	var m Matrix
	for i, row := range rows {
		if len(row) != 4 {
			return Matrix{}, fmt.Errorf("%w: row %d has %d columns", ErrMalformedTransform, i, len(row))
		}
		copy(m[i][:], row)
	}
	return m, nil
}
