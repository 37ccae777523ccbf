package geometry

import "math"

// IsConvex returns true if the polygon vertices form a convex polygon.
// The polygon is assumed to be simple (non-self-intersecting).
func IsConvex(polygon []Point2D) bool {
	if len(polygon) < 3 {
		return false
	}

	n := len(polygon)
	var sign int

	for i := 0; i < n; i++ {
		cross := crossProduct(
			polygon[i],
			polygon[(i+1)%n],
			polygon[(i+2)%n],
		)

		if cross != 0 {
			currentSign := 1
			if cross < 0 {
				currentSign = -1
			}

			if sign == 0 {
				sign = currentSign
			} else if currentSign != sign {
				return false
			}
		}
	}

	return sign != 0
}

// SignedArea returns the shoelace area, positive when the vertices wind
// clockwise in image coordinates (y down).
func SignedArea(polygon []Point2D) float64 {
	n := len(polygon)
	if n < 3 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += polygon[i].X*polygon[j].Y - polygon[j].X*polygon[i].Y
	}
	return sum / 2
}

// Quad returns the four corners of a rectangle of the given size anchored
// at the origin: top-left, top-right, bottom-right, bottom-left.
func Quad(size Size) []Point2D {
	return []Point2D{
		{X: 0, Y: 0},
		{X: size.Width, Y: 0},
		{X: size.Width, Y: size.Height},
		{X: 0, Y: size.Height},
	}
}

// PointInPolygon tests if a point is inside a polygon using ray casting.
func PointInPolygon(p Point2D, polygon []Point2D) bool {
	if len(polygon) < 3 {
		return false
	}

	inside := false
	n := len(polygon)

	for i := 0; i < n; i++ {
		j := (i + 1) % n
		pi, pj := polygon[i], polygon[j]

		// Check if ray from p going right intersects edge pi-pj
		if ((pi.Y > p.Y) != (pj.Y > p.Y)) &&
			(p.X < (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y)+pi.X) {
			inside = !inside
		}
	}

	return inside
}

// Collinear reports whether c lies within tolerance (in squared-area units)
// of the line through a and b.
func Collinear(a, b, c Point2D, tolerance float64) bool {
	return math.Abs(crossProduct(a, b, c)) <= tolerance
}

// crossProduct computes the cross product of vectors OA and OB.
func crossProduct(o, a, b Point2D) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}
