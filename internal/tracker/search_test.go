package tracker

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-tracker/internal/alignment"
	"image-tracker/internal/features"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

func descriptor(fill byte) vision.Descriptor {
	d := make(vision.Descriptor, 32)
	for i := range d {
		d[i] = fill
	}
	return d
}

func trained(x, y float64, d vision.Descriptor) features.TrainedKeypoint {
	return features.TrainedKeypoint{Keypoint: vision.Keypoint{X: x, Y: y, Descriptor: d}}
}

func TestLocalSearch(t *testing.T) {
	t.Parallel()

	h := geometry.Translation(100, 50)
	refs := []features.TrainedKeypoint{
		trained(10, 10, descriptor(0x00)),
		trained(40, 10, descriptor(0xff)),
		trained(10, 40, descriptor(0x0f)),
	}
	frame := []vision.Keypoint{
		{X: 111, Y: 61, Descriptor: descriptor(0x00)},  // ref 0, 1.4px off
		{X: 140, Y: 60, Descriptor: descriptor(0x01)},  // near ref 1 but far in descriptor space
		{X: 300, Y: 200, Descriptor: descriptor(0x0f)}, // ref 2 descriptor, out of radius
		{X: 112, Y: 90, Descriptor: descriptor(0x0f)},  // ref 2
		{X: 110, Y: 62, Descriptor: descriptor(0x01)},  // loses ref 0 to frame[0]
	}

	var (
		s   localSearch
		out correspondences
	)
	s.match(h, refs, frame, 5, 16, &out)

	require.Equal(t, 2, out.len())
	assert.Equal(t, []geometry.Point2D{{X: 10, Y: 10}, {X: 10, Y: 40}}, out.src)
	assert.Equal(t, []geometry.Point2D{{X: 111, Y: 61}, {X: 112, Y: 90}}, out.dst)

	// Buffers are reused and stale results cleared.
	s.match(h, refs, nil, 5, 16, &out)
	assert.Zero(t, out.len())
}

func TestLocalSearchClaimsOnce(t *testing.T) {
	t.Parallel()

	refs := []features.TrainedKeypoint{
		trained(0, 0, descriptor(0x03)),
		trained(2, 0, descriptor(0x00)),
	}
	frame := []vision.Keypoint{{X: 1, Y: 0, Descriptor: descriptor(0x00)}}

	var (
		s   localSearch
		out correspondences
	)
	s.match(geometry.Scaling(1, 1), refs, frame, 4, 100, &out)
	require.Equal(t, 1, out.len())
	assert.Equal(t, geometry.Point2D{X: 2, Y: 0}, out.src[0])
}

func TestSearchRegion(t *testing.T) {
	t.Parallel()

	screen := geometry.Size{Width: 320, Height: 240}
	ref := geometry.Size{Width: 100, Height: 50}

	r := searchRegion(geometry.Translation(50, 60), ref, screen, 10)
	assert.Equal(t, geometry.NewRect(40, 50, 120, 70), r)

	clipped := searchRegion(geometry.Translation(280, 220), ref, screen, 10)
	assert.Equal(t, geometry.NewRect(270, 210, 50, 30), clipped)

	assert.True(t, searchRegion(geometry.Translation(1000, 1000), ref, screen, 10).Empty())
}

func TestArenaAlternates(t *testing.T) {
	t.Parallel()

	var a arena
	ref := geometry.Size{Width: 100, Height: 100}

	var first, second, third Output
	a.take().diagnostics(&first, geometry.Translation(1, 0), ref)
	a.take().diagnostics(&second, geometry.Translation(2, 0), ref)

	// The previous output stays valid while the next one is built.
	assert.Equal(t, geometry.Translation(1, 0), *first.Homography)
	assert.Equal(t, geometry.Translation(2, 0), *second.Homography)
	require.Len(t, second.Polyline, 4)
	assert.Equal(t, geometry.Point2D{X: 2, Y: 0}, second.Polyline[0])

	a.take().diagnostics(&third, geometry.Translation(3, 0), ref)
	assert.Same(t, first.Homography, third.Homography)
	assert.Equal(t, geometry.Translation(2, 0), *second.Homography)
}

func TestSearchOutline(t *testing.T) {
	t.Parallel()

	ref := geometry.Size{Width: 40, Height: 40}
	outline, ok := searchOutline(geometry.Translation(100, 100), ref, 10)
	require.True(t, ok)
	require.Len(t, outline, 4)
	// Corners move 10px along the diagonal away from (120, 120).
	d := 10 / math.Sqrt2
	assert.InDelta(t, 100-d, outline[0].X, 1e-9)
	assert.InDelta(t, 100-d, outline[0].Y, 1e-9)
	assert.InDelta(t, 140+d, outline[2].X, 1e-9)
	assert.InDelta(t, 140+d, outline[2].Y, 1e-9)

	kps := []vision.Keypoint{
		{X: 120, Y: 120}, // center
		{X: 143, Y: 120}, // in the margin
		{X: 150, Y: 120}, // beyond it
		{X: 95, Y: 95},   // in the grown corner
	}
	kept := keepInside(kps, outline)
	assert.Equal(t, []vision.Keypoint{{X: 120, Y: 120}, {X: 143, Y: 120}, {X: 95, Y: 95}}, kept)

	behind := geometry.Homography{{1, 0, 0}, {0, 1, 0}, {0, 0, -1}}
	_, ok = searchOutline(behind, ref, 10)
	assert.False(t, ok)
}

func TestRescale(t *testing.T) {
	t.Parallel()

	h := geometry.Similarity(0.2, 0.5, 30, 40)
	from := geometry.Size{Width: 320, Height: 240}
	to := geometry.Size{Width: 640, Height: 480}

	got := rescale(h, from, to)
	p := geometry.Point2D{X: 17, Y: 23}
	a, _ := h.Apply(p)
	b, _ := got.Apply(p)
	assert.InDelta(t, 2*a.X, b.X, 1e-9)
	assert.InDelta(t, 2*a.Y, b.Y, 1e-9)

	assert.Equal(t, h, rescale(h, from, from))
}

func TestSlotExport(t *testing.T) {
	t.Parallel()

	screen := geometry.Size{Width: 320, Height: 240}
	k, err := alignment.NewIntrinsics(screen, alignment.DefaultVerticalFOV)
	require.NoError(t, err)
	pose := alignment.Pose{
		Rotation:    [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Translation: [3]float64{0, 0, 2},
	}

	var (
		s   slot
		out Output
	)
	s.export(&out, nil, nil, geometry.Scaling(1, 1), pose, k, screen)
	require.True(t, out.Visible())
	assert.Equal(t, pose, out.Exports.Trackables[0].Pose)
	assert.Equal(t, [3]float64{0, 0, -2}, out.Exports.Viewer.Pose.Translation)
	assert.Equal(t, pose.CameraMatrix(k), *out.CameraMatrix)
}
