package alignment

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"image-tracker/pkg/geometry"
)

// Limits bounds what CheckHomography accepts.
type Limits struct {
	// MaxCondition is the largest ratio between the extreme singular values
	// of H expressed in unit coordinates (reference and screen each mapped
	// to [-1, 1]).
	MaxCondition float64 `json:"max_condition" validate:"gt=1"`

	// MinAreaFraction is the smallest area of the projected reference
	// outline, as a fraction of the screen area.
	MinAreaFraction float64 `json:"min_area_fraction" validate:"gte=0,lt=1"`
}

// DefaultLimits returns the default degeneracy limits.
func DefaultLimits() Limits {
	return Limits{
		MaxCondition:    1e7,
		MinAreaFraction: 0.002,
	}
}

// CheckHomography verifies that h, mapping a reference image of refSize
// onto a screen of screenSize, is a usable image of a plane in front of the
// camera. It returns an error wrapping ErrDegenerate otherwise.
func CheckHomography(h geometry.Homography, refSize, screenSize geometry.Size, limits Limits) error {
	if !h.IsFinite() {
		return fmt.Errorf("%w: non-finite entries", ErrDegenerate)
	}
	if refSize.IsZero() || screenSize.IsZero() {
		return fmt.Errorf("%w: empty reference or screen", ErrDegenerate)
	}

	cond, err := Condition(h, refSize, screenSize)
	if err != nil {
		return err
	}
	if cond > limits.MaxCondition {
		return fmt.Errorf("%w: condition number %.3g exceeds %.3g", ErrDegenerate, cond, limits.MaxCondition)
	}

	quad, ok := ProjectOutline(h, refSize)
	if !ok {
		return fmt.Errorf("%w: outline crosses the horizon", ErrDegenerate)
	}
	if !geometry.IsConvex(quad) {
		return fmt.Errorf("%w: projected outline is not convex", ErrDegenerate)
	}
	// The reference winds clockwise on screen; a mirrored outline shows the
	// back of the plane.
	area := geometry.SignedArea(quad)
	if area <= 0 {
		return fmt.Errorf("%w: projected outline is mirrored", ErrDegenerate)
	}
	if area < limits.MinAreaFraction*screenSize.Area() {
		return fmt.Errorf("%w: projected area %.1f px^2 too small", ErrDegenerate, area)
	}
	return nil
}

// ProjectOutline maps the corners of a reference image of the given size
// (top-left, top-right, bottom-right, bottom-left). It reports false if any
// corner maps onto or behind the horizon.
func ProjectOutline(h geometry.Homography, refSize geometry.Size) ([]geometry.Point2D, bool) {
	corners := geometry.Quad(refSize)
	for i, c := range corners {
		p, ok := h.Apply(c)
		if !ok {
			return nil, false
		}
		corners[i] = p
	}
	return corners, true
}

// Condition returns the condition number of h after mapping the reference
// and the screen to unit coordinates.
func Condition(h geometry.Homography, refSize, screenSize geometry.Size) (float64, error) {
	fromUnit := geometry.Translation(refSize.Width/2, refSize.Height/2).
		Mul(geometry.Scaling(refSize.Width/2, refSize.Height/2))
	toUnit := geometry.Scaling(2/screenSize.Width, 2/screenSize.Height).
		Mul(geometry.Translation(-screenSize.Width/2, -screenSize.Height/2))
	hu := toUnit.Mul(h).Mul(fromUnit)

	e := hu.Elements()
	var svd mat.SVD
	if ok := svd.Factorize(mat.NewDense(3, 3, e[:]), mat.SVDNone); !ok {
		return 0, fmt.Errorf("%w: SVD failed to converge", ErrDegenerate)
	}
	values := svd.Values(nil)
	if values[2] <= 0 {
		return 0, fmt.Errorf("%w: singular transform", ErrDegenerate)
	}
	return values[0] / values[2], nil
}
