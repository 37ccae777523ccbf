package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHomographyApply(t *testing.T) {
	h := Similarity(math.Pi/2, 2, 10, 20)
	p, ok := h.Apply(Point2D{X: 1, Y: 0})
	require.True(t, ok)
	assert.InDelta(t, 10, p.X, 1e-9)
	assert.InDelta(t, 22, p.Y, 1e-9)

	behind := Homography{{1, 0, 0}, {0, 1, 0}, {0, -1, 1}}
	_, ok = behind.Apply(Point2D{X: 0, Y: 2})
	assert.False(t, ok)
}

func TestHomographyInverse(t *testing.T) {
	h := Homography{{1.2, 0.1, 30}, {-0.05, 0.9, 12}, {0.0004, 0.0002, 1}}
	inv, ok := h.Inverse()
	require.True(t, ok)

	id := h.Mul(inv).Normalized()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, id[i][j], 1e-9)
		}
	}

	_, ok = Homography{{1, 2, 3}, {2, 4, 6}, {0, 0, 1}}.Inverse()
	assert.False(t, ok)
}

func TestHomographyMulOrder(t *testing.T) {
	// Mul applies the right operand first.
	h := Translation(5, 0).Mul(Scaling(2, 2))
	p, _ := h.Apply(Point2D{X: 1, Y: 1})
	assert.Equal(t, Point2D{X: 7, Y: 2}, p)
}

func TestIsFinite(t *testing.T) {
	assert.True(t, Scaling(1, 1).IsFinite())
	h := Scaling(1, 1)
	h[1][2] = math.Inf(1)
	assert.False(t, h.IsFinite())
}

func TestPolygons(t *testing.T) {
	quad := Quad(Size{Width: 4, Height: 2})
	assert.Equal(t, 8.0, SignedArea(quad))
	assert.True(t, IsConvex(quad))

	mirrored := []Point2D{quad[1], quad[0], quad[3], quad[2]}
	assert.Equal(t, -8.0, SignedArea(mirrored))

	bowtie := []Point2D{quad[0], quad[2], quad[1], quad[3]}
	assert.False(t, IsConvex(bowtie))

	assert.True(t, PointInPolygon(Point2D{X: 1, Y: 1}, quad))
	assert.False(t, PointInPolygon(Point2D{X: 5, Y: 1}, quad))
}

func TestPointArithmetic(t *testing.T) {
	a, b := Point2D{X: 3, Y: 4}, Point2D{X: 1, Y: 1}
	assert.Equal(t, Point2D{X: 4, Y: 5}, a.Add(b))
	assert.Equal(t, Point2D{X: 2, Y: 3}, a.Sub(b))
	assert.Equal(t, Point2D{X: 6, Y: 8}, a.Scale(2))
	assert.Equal(t, 5.0, a.Distance(Point2D{}))
}

func TestCollinear(t *testing.T) {
	assert.True(t, Collinear(Point2D{}, Point2D{X: 10, Y: 10}, Point2D{X: 5, Y: 5.05}, 1))
	assert.False(t, Collinear(Point2D{}, Point2D{X: 10, Y: 10}, Point2D{X: 5, Y: 8}, 1))
}

func TestRect(t *testing.T) {
	r := NewRect(10, 10, 20, 20)
	assert.Equal(t, NewRect(5, 5, 30, 30), r.Inset(-5))
	assert.Equal(t, NewRect(20, 20, 10, 10), r.Intersect(NewRect(20, 20, 100, 100)))
	assert.True(t, r.Intersect(NewRect(100, 100, 5, 5)).Empty())

	box := BoundingBox([]Point2D{{X: 3, Y: -1}, {X: -2, Y: 4}})
	assert.Equal(t, NewRect(-2, -1, 5, 5), box)
}

func TestSize(t *testing.T) {
	assert.InDelta(t, 4.0/3, Size{Width: 640, Height: 480}.AspectRatio(), 1e-12)
	assert.Zero(t, Size{Width: 1}.AspectRatio())
	assert.True(t, Size{Width: 1}.IsZero())
	assert.Equal(t, 6.0, Size{Width: 2, Height: 3}.Area())
}
