package alignment

import (
	"fmt"
	"math"

	"image-tracker/pkg/geometry"
)

// DefaultVerticalFOV is the vertical field of view (degrees) of the
// virtual camera when the device camera is not calibrated.
const DefaultVerticalFOV = 45.0

// Intrinsics is a pinhole camera in screen space. The camera looks down +z
// with x to the right and y down.
type Intrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
}

// NewIntrinsics returns the intrinsics of a camera whose image is
// screenSize and whose vertical field of view is fovDegrees. Pixels are
// square and the principal point is the screen center.
func NewIntrinsics(screenSize geometry.Size, fovDegrees float64) (Intrinsics, error) {
	if screenSize.IsZero() {
		return Intrinsics{}, fmt.Errorf("invalid screen size %vx%v", screenSize.Width, screenSize.Height)
	}
	if fovDegrees <= 0 || fovDegrees >= 180 {
		return Intrinsics{}, fmt.Errorf("invalid field of view %v", fovDegrees)
	}
	f := (screenSize.Height / 2) / math.Tan(fovDegrees*math.Pi/360)
	return Intrinsics{
		Fx: f,
		Fy: f,
		Cx: screenSize.Width / 2,
		Cy: screenSize.Height / 2,
	}, nil
}

// Matrix returns K.
func (k Intrinsics) Matrix() [3][3]float64 {
	return [3][3]float64{
		{k.Fx, 0, k.Cx},
		{0, k.Fy, k.Cy},
		{0, 0, 1},
	}
}

// Homography returns K as a transform from normalized camera coordinates
// to screen space.
func (k Intrinsics) Homography() geometry.Homography {
	return geometry.Homography(k.Matrix())
}

// inverse returns K^-1.
func (k Intrinsics) inverse() geometry.Homography {
	return geometry.Homography{
		{1 / k.Fx, 0, -k.Cx / k.Fx},
		{0, 1 / k.Fy, -k.Cy / k.Fy},
		{0, 0, 1},
	}
}

// Project maps a point in camera coordinates to the screen. It reports
// false for points at or behind the camera plane.
func (k Intrinsics) Project(p [3]float64) (geometry.Point2D, bool) {
	if p[2] <= 1e-12 {
		return geometry.Point2D{}, false
	}
	return geometry.Point2D{
		X: k.Fx*p[0]/p[2] + k.Cx,
		Y: k.Fy*p[1]/p[2] + k.Cy,
	}, true
}
