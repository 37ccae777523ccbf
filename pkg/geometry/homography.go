package geometry

import "math"

// Homography is a 3x3 projective transform, row-major.
// [h00 h01 h02]
// [h10 h11 h12]
// [h20 h21 h22]
type Homography [3][3]float64

// horizonEpsilon is the smallest homogeneous w accepted by Apply.
const horizonEpsilon = 1e-9

// Scaling returns a transform that scales x and y independently.
func Scaling(sx, sy float64) Homography {
	return Homography{{sx, 0, 0}, {0, sy, 0}, {0, 0, 1}}
}

// Translation returns a translation transform.
func Translation(tx, ty float64) Homography {
	return Homography{{1, 0, tx}, {0, 1, ty}, {0, 0, 1}}
}

// Similarity returns a rotation by radians, uniform scale and translation.
func Similarity(radians, scale, tx, ty float64) Homography {
	c := math.Cos(radians) * scale
	s := math.Sin(radians) * scale
	return Homography{{c, -s, tx}, {s, c, ty}, {0, 0, 1}}
}

// Apply maps p through the transform. The second result is false when p
// maps onto or behind the horizon (w <= 0).
func (h Homography) Apply(p Point2D) (Point2D, bool) {
	w := h[2][0]*p.X + h[2][1]*p.Y + h[2][2]
	if w <= horizonEpsilon {
		return Point2D{}, false
	}
	return Point2D{
		X: (h[0][0]*p.X + h[0][1]*p.Y + h[0][2]) / w,
		Y: (h[1][0]*p.X + h[1][1]*p.Y + h[1][2]) / w,
	}, true
}

// Mul returns h * other, i.e. other is applied first.
func (h Homography) Mul(other Homography) Homography {
	var r Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = h[i][0]*other[0][j] + h[i][1]*other[1][j] + h[i][2]*other[2][j]
		}
	}
	return r
}

// Determinant returns det(h).
func (h Homography) Determinant() float64 {
	return h[0][0]*(h[1][1]*h[2][2]-h[1][2]*h[2][1]) -
		h[0][1]*(h[1][0]*h[2][2]-h[1][2]*h[2][0]) +
		h[0][2]*(h[1][0]*h[2][1]-h[1][1]*h[2][0])
}

// Inverse returns the inverse transform, if it exists.
func (h Homography) Inverse() (Homography, bool) {
	det := h.Determinant()
	if math.Abs(det) < 1e-12 || math.IsNaN(det) {
		return Homography{}, false
	}
	inv := 1.0 / det
	return Homography{
		{
			(h[1][1]*h[2][2] - h[1][2]*h[2][1]) * inv,
			(h[0][2]*h[2][1] - h[0][1]*h[2][2]) * inv,
			(h[0][1]*h[1][2] - h[0][2]*h[1][1]) * inv,
		},
		{
			(h[1][2]*h[2][0] - h[1][0]*h[2][2]) * inv,
			(h[0][0]*h[2][2] - h[0][2]*h[2][0]) * inv,
			(h[0][2]*h[1][0] - h[0][0]*h[1][2]) * inv,
		},
		{
			(h[1][0]*h[2][1] - h[1][1]*h[2][0]) * inv,
			(h[0][1]*h[2][0] - h[0][0]*h[2][1]) * inv,
			(h[0][0]*h[1][1] - h[0][1]*h[1][0]) * inv,
		},
	}.Normalized(), true
}

// Normalized returns h scaled so that h22 = 1. If h22 is zero the
// transform is returned unchanged.
func (h Homography) Normalized() Homography {
	if h[2][2] == 0 {
		return h
	}
	s := 1.0 / h[2][2]
	var r Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = h[i][j] * s
		}
	}
	return r
}

// IsFinite reports whether every entry is a finite number.
func (h Homography) IsFinite() bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.IsNaN(h[i][j]) || math.IsInf(h[i][j], 0) {
				return false
			}
		}
	}
	return true
}

// Elements returns the entries in row-major order.
func (h Homography) Elements() [9]float64 {
	return [9]float64{
		h[0][0], h[0][1], h[0][2],
		h[1][0], h[1][1], h[1][2],
		h[2][0], h[2][1], h[2][2],
	}
}
