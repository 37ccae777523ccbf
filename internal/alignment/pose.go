package alignment

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"image-tracker/pkg/geometry"
)

// Pose is the rigid transform from target coordinates to camera
// coordinates. Target coordinates are metric, centered on the target, with
// x to the right and y down along the image; z points away from the viewer,
// so the frame is right-handed like the camera's.
type Pose struct {
	Rotation    [3][3]float64 `json:"rotation"`
	Translation [3]float64    `json:"translation"`
}

// PlaneTransform returns the transform from metric target coordinates to
// reference image pixels for a reference of refSize whose physical width is
// physicalSize.Width.
func PlaneTransform(refSize, physicalSize geometry.Size) geometry.Homography {
	pxPerUnit := refSize.Width / physicalSize.Width
	return geometry.Translation(refSize.Width/2, refSize.Height/2).
		Mul(geometry.Scaling(pxPerUnit, pxPerUnit))
}

// PoseFromHomography decomposes h, mapping reference pixels to screen
// pixels, into the pose of the target. The homography scale is fixed by the
// unit norm of the rotation columns and its sign by requiring the target to
// lie in front of the camera. The rotation is projected onto SO(3).
func PoseFromHomography(h geometry.Homography, k Intrinsics, refSize, physicalSize geometry.Size) (Pose, error) {
	if refSize.IsZero() || physicalSize.Width <= 0 {
		return Pose{}, fmt.Errorf("%w: empty reference", ErrDegenerate)
	}

	m := k.inverse().Mul(h).Mul(PlaneTransform(refSize, physicalSize))

	m1 := [3]float64{m[0][0], m[1][0], m[2][0]}
	m2 := [3]float64{m[0][1], m[1][1], m[2][1]}
	m3 := [3]float64{m[0][2], m[1][2], m[2][2]}

	n1, n2 := norm(m1), norm(m2)
	if n1 < 1e-12 || n2 < 1e-12 {
		return Pose{}, fmt.Errorf("%w: rank deficient", ErrDegenerate)
	}
	lambda := 2 / (n1 + n2)
	if m3[2] < 0 {
		lambda = -lambda
	}

	r1 := scale(m1, lambda)
	r2 := scale(m2, lambda)
	r3 := cross(r1, r2)
	t := scale(m3, lambda)
	if t[2] <= 0 {
		return Pose{}, fmt.Errorf("%w: target behind the camera", ErrDegenerate)
	}

	r, err := orthonormalize([3][3]float64{
		{r1[0], r2[0], r3[0]},
		{r1[1], r2[1], r3[1]},
		{r1[2], r2[2], r3[2]},
	})
	if err != nil {
		return Pose{}, err
	}

	pose := Pose{Rotation: r, Translation: t}
	if !pose.isFinite() {
		return Pose{}, fmt.Errorf("%w: non-finite pose", ErrDegenerate)
	}
	return pose, nil
}

// Homography returns the transform from reference pixels to screen pixels
// induced by the pose: K [r1 r2 t] P^-1 with P the plane transform.
func (p Pose) Homography(k Intrinsics, refSize, physicalSize geometry.Size) (geometry.Homography, bool) {
	rt := geometry.Homography{
		{p.Rotation[0][0], p.Rotation[0][1], p.Translation[0]},
		{p.Rotation[1][0], p.Rotation[1][1], p.Translation[1]},
		{p.Rotation[2][0], p.Rotation[2][1], p.Translation[2]},
	}
	plane, ok := PlaneTransform(refSize, physicalSize).Inverse()
	if !ok {
		return geometry.Homography{}, false
	}
	return k.Homography().Mul(rt).Mul(plane).Normalized(), true
}

// Apply maps a point in target coordinates to camera coordinates.
func (p Pose) Apply(x [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = p.Rotation[i][0]*x[0] + p.Rotation[i][1]*x[1] + p.Rotation[i][2]*x[2] + p.Translation[i]
	}
	return out
}

// Project maps a metric point on the target plane to the screen.
func (p Pose) Project(k Intrinsics, planePoint geometry.Point2D) (geometry.Point2D, bool) {
	return k.Project(p.Apply([3]float64{planePoint.X, planePoint.Y, 0}))
}

// CameraMatrix returns the 3x4 projection K [R | t].
func (p Pose) CameraMatrix(k Intrinsics) [3][4]float64 {
	km := k.Matrix()
	var out [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for l := 0; l < 3; l++ {
				out[i][j] += km[i][l] * p.Rotation[l][j]
			}
			out[i][3] += km[i][j] * p.Translation[j]
		}
	}
	return out
}

// Matrix returns the pose as a row-major 4x4 rigid transform.
func (p Pose) Matrix() [4][4]float64 {
	var out [4][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = p.Rotation[i][j]
		}
		out[i][3] = p.Translation[i]
	}
	out[3][3] = 1
	return out
}

// Inverse returns the pose of the camera in target coordinates.
func (p Pose) Inverse() Pose {
	var inv Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			inv.Rotation[i][j] = p.Rotation[j][i]
		}
	}
	for i := 0; i < 3; i++ {
		inv.Translation[i] = -(inv.Rotation[i][0]*p.Translation[0] +
			inv.Rotation[i][1]*p.Translation[1] +
			inv.Rotation[i][2]*p.Translation[2])
	}
	return inv
}

// Distance returns the distance from the camera to the target center.
func (p Pose) Distance() float64 {
	return norm(p.Translation)
}

func (p Pose) isFinite() bool {
	for i := 0; i < 3; i++ {
		if !finite(p.Translation[i]) {
			return false
		}
		for j := 0; j < 3; j++ {
			if !finite(p.Rotation[i][j]) {
				return false
			}
		}
	}
	return true
}

// orthonormalize returns the rotation closest to r in the Frobenius norm.
func orthonormalize(r [3][3]float64) ([3][3]float64, error) {
	a := mat.NewDense(3, 3, []float64{
		r[0][0], r[0][1], r[0][2],
		r[1][0], r[1][1], r[1][2],
		r[2][0], r[2][1], r[2][2],
	})
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r, fmt.Errorf("%w: SVD failed to converge", ErrDegenerate)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var q mat.Dense
	q.Mul(&u, v.T())
	if mat.Det(&q) < 0 {
		// Flip the axis of the smallest singular value.
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		q.Mul(&u, v.T())
	}

	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = q.At(i, j)
		}
	}
	return out, nil
}

func norm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func scale(v [3]float64, s float64) [3]float64 {
	return [3]float64{v[0] * s, v[1] * s, v[2] * s}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
