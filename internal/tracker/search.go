package tracker

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"image-tracker/internal/alignment"
	"image-tracker/internal/features"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// framePoint is a frame keypoint in the search tree.
type framePoint struct {
	x, y float64
	idx  int
}

func (p framePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(framePoint)
	switch d {
	case 0:
		return p.x - q.x
	case 1:
		return p.y - q.y
	default:
		panic("illegal dimension")
	}
}

func (p framePoint) Dims() int { return 2 }

// Distance is squared Euclidean.
func (p framePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(framePoint)
	dx, dy := p.x-q.x, p.y-q.y
	return dx*dx + dy*dy
}

type framePoints []framePoint

func (p framePoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p framePoints) Len() int                              { return len(p) }
func (p framePoints) Pivot(d kdtree.Dim) int                { return plane{framePoints: p, Dim: d}.Pivot() }
func (p framePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane sorts framePoints along one dimension.
type plane struct {
	kdtree.Dim
	framePoints
}

func (p plane) Less(i, j int) bool {
	if p.Dim == 0 {
		return p.framePoints[i].x < p.framePoints[j].x
	}
	return p.framePoints[i].y < p.framePoints[j].y
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{Dim: p.Dim, framePoints: p.framePoints[start:end]}
}
func (p plane) Swap(i, j int) {
	p.framePoints[i], p.framePoints[j] = p.framePoints[j], p.framePoints[i]
}

// correspondences are matched point pairs, reference space to screen.
type correspondences struct {
	src []geometry.Point2D
	dst []geometry.Point2D
}

func (c *correspondences) reset() {
	c.src = c.src[:0]
	c.dst = c.dst[:0]
}

func (c *correspondences) len() int { return len(c.src) }

// localSearch finds, for every reference keypoint, the frame keypoint with
// the closest descriptor within radius of the position predicted by h. A
// frame keypoint is claimed by at most one reference keypoint. Buffers are
// reused across frames.
type localSearch struct {
	points framePoints
	keeper kdtree.DistKeeper
	claims []claim
}

type claim struct {
	ref      int
	distance int
}

func (s *localSearch) match(h geometry.Homography, refs []features.TrainedKeypoint, frame []vision.Keypoint, radius, maxDistance float64, out *correspondences) {
	out.reset()
	if len(frame) == 0 || len(refs) == 0 {
		return
	}

	s.points = s.points[:0]
	for i, kp := range frame {
		s.points = append(s.points, framePoint{x: kp.X, y: kp.Y, idx: i})
	}
	tree := kdtree.New(s.points, false)

	if cap(s.claims) < len(frame) {
		s.claims = make([]claim, len(frame))
	}
	s.claims = s.claims[:len(frame)]
	for i := range s.claims {
		s.claims[i] = claim{ref: -1}
	}

	r2 := radius * radius
	for ri := range refs {
		p, ok := h.Apply(refs[ri].Point())
		if !ok {
			continue
		}
		s.keeper.Heap = append(s.keeper.Heap[:0], kdtree.ComparableDist{Dist: r2})
		tree.NearestSet(&s.keeper, framePoint{x: p.X, y: p.Y, idx: -1})

		best, bestDist := -1, int(maxDistance)+1
		for _, c := range s.keeper.Heap {
			if c.Comparable == nil {
				continue
			}
			fi := c.Comparable.(framePoint).idx
			if d := refs[ri].Descriptor.Hamming(frame[fi].Descriptor); d < bestDist {
				best, bestDist = fi, d
			}
		}
		if best < 0 {
			continue
		}
		if cl := s.claims[best]; cl.ref < 0 || bestDist < cl.distance {
			s.claims[best] = claim{ref: ri, distance: bestDist}
		}
	}

	for fi, cl := range s.claims {
		if cl.ref < 0 {
			continue
		}
		out.src = append(out.src, refs[cl.ref].Point())
		out.dst = append(out.dst, frame[fi].Point())
	}
}

// searchOutline returns the reference outline projected through h with
// every corner pushed margin pixels away from the centroid.
func searchOutline(h geometry.Homography, refSize geometry.Size, margin float64) ([]geometry.Point2D, bool) {
	quad, ok := alignment.ProjectOutline(h, refSize)
	if !ok {
		return nil, false
	}
	c := geometry.Centroid(quad)
	for i, p := range quad {
		if d := p.Distance(c); d > 0 {
			quad[i] = c.Add(p.Sub(c).Scale(1 + margin/d))
		}
	}
	return quad, true
}

// keepInside filters kps in place to those inside polygon.
func keepInside(kps []vision.Keypoint, polygon []geometry.Point2D) []vision.Keypoint {
	kept := kps[:0]
	for _, kp := range kps {
		if geometry.PointInPolygon(kp.Point(), polygon) {
			kept = append(kept, kp)
		}
	}
	return kept
}

// searchRegion returns the bounding box of the projected reference outline
// grown by margin and clipped to the screen. It is empty when the outline
// cannot be projected or lies off screen.
func searchRegion(h geometry.Homography, refSize, screenSize geometry.Size, margin float64) geometry.Rect {
	quad, ok := alignment.ProjectOutline(h, refSize)
	if !ok {
		return geometry.Rect{}
	}
	return geometry.BoundingBox(quad).Inset(-margin).Intersect(screenSize.Bounds())
}
