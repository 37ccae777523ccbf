package tracker

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"image-tracker/internal/alignment"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// scanningState searches every frame for any of the reference images.
type scanningState struct {
	descriptors []vision.Descriptor
	groups      map[int]*candidate
	order       []*candidate
}

// candidate collects the matches attributed to one reference image.
type candidate struct {
	reference int
	best      map[int]matchedPoint // Train index -> closest frame keypoint
	src, dst  []geometry.Point2D
}

type matchedPoint struct {
	point    geometry.Point2D
	distance float64
}

func newScanningState() *scanningState {
	return &scanningState{groups: make(map[int]*candidate)}
}

func (s *scanningState) enter(handoff) {
	clear(s.groups)
	s.order = s.order[:0]
}

func (s *scanningState) leave() {}

func (s *scanningState) release() {
	s.descriptors = nil
	s.groups = make(map[int]*candidate)
	s.order = nil
}

func (s *scanningState) update(e *env, frame vision.Frame, screenSize geometry.Size) (Output, *transition, error) {
	out := Output{ScreenSize: screenSize}

	keypoints, err := e.detector.Detect(e.ctx, frame, screenSize, vision.DetectOptions{
		MaxKeypoints: e.settings.MaxKeypoints,
	})
	if err != nil {
		if ctxErr := e.ctx.Err(); ctxErr != nil {
			return out, nil, ctxErr
		}
		e.frameFailure(StateScanning, err)
		return out, nil, nil
	}
	out.Keypoints = keypoints
	if len(keypoints) < e.settings.ScanMinInliers {
		return out, nil, nil
	}

	s.descriptors = vision.Descriptors(keypoints, s.descriptors)
	matches, err := e.index.KnnMatch(e.ctx, s.descriptors, 2)
	if err != nil {
		if ctxErr := e.ctx.Err(); ctxErr != nil {
			return out, nil, ctxErr
		}
		e.frameFailure(StateScanning, err)
		return out, nil, nil
	}

	s.group(e, keypoints, matches)

	var (
		best      *candidate
		bestEst   alignment.Estimate
		bestCount int
	)
	for _, c := range s.order {
		if len(c.src) < e.settings.ScanMinInliers {
			break // order is by decreasing match count
		}
		if len(c.src) <= bestCount {
			break
		}
		est, err := s.estimate(e, c, screenSize)
		if err != nil {
			e.frameFailure(StateScanning, err)
			continue
		}
		if est.InlierCount > bestCount {
			best, bestEst, bestCount = c, est, est.InlierCount
		}
	}
	if best == nil {
		return out, nil, nil
	}

	refSize := e.index.ReferenceSize(best.reference)
	slot := e.arena.take()
	slot.diagnostics(&out, bestEst.H, refSize)

	e.log.WithFields(logrus.Fields{
		"reference": e.index.Reference(best.reference).Name(),
		"inliers":   bestEst.InlierCount,
		"matches":   len(best.src),
	}).Debug("Candidate found")

	return out, &transition{
		next: StatePreTracking,
		handoff: handoff{
			reference:  best.reference,
			homography: bestEst.H,
			screenSize: screenSize,
			matches:    bestEst.InlierCount,
		},
	}, nil
}

// group applies the ratio test and sorts the surviving matches by owning
// reference image, keeping one frame keypoint per trained keypoint.
func (s *scanningState) group(e *env, keypoints []vision.Keypoint, matches [][]vision.Match) {
	for _, c := range s.order {
		clear(c.best)
		c.src = c.src[:0]
		c.dst = c.dst[:0]
	}
	s.order = s.order[:0]

	for _, m := range matches {
		if len(m) == 0 {
			continue
		}
		first := m[0]
		if first.Distance > e.settings.MaxMatchDistance {
			continue
		}
		if len(m) > 1 && first.Distance >= e.settings.MatchRatio*m[1].Distance {
			continue
		}
		ref := e.index.ReferenceIndexOf(first.TrainIndex)
		if ref < 0 {
			continue
		}
		c := s.groups[ref]
		if c == nil {
			c = &candidate{reference: ref, best: make(map[int]matchedPoint)}
			s.groups[ref] = c
		}
		if len(c.best) == 0 {
			s.order = append(s.order, c)
		}
		p := keypoints[first.QueryIndex].Point()
		if prev, ok := c.best[first.TrainIndex]; ok && prev.distance <= first.Distance {
			continue
		}
		c.best[first.TrainIndex] = matchedPoint{point: p, distance: first.Distance}
	}

	for _, c := range s.order {
		trains := make([]int, 0, len(c.best))
		for ti := range c.best {
			trains = append(trains, ti)
		}
		sort.Ints(trains)
		for _, ti := range trains {
			kp, _ := e.index.Keypoint(ti)
			c.src = append(c.src, kp.Point())
			c.dst = append(c.dst, c.best[ti].point)
		}
	}
	sort.SliceStable(s.order, func(i, j int) bool {
		if len(s.order[i].src) != len(s.order[j].src) {
			return len(s.order[i].src) > len(s.order[j].src)
		}
		return s.order[i].reference < s.order[j].reference
	})
}

// estimate fits and validates the homography of one candidate.
func (s *scanningState) estimate(e *env, c *candidate, screenSize geometry.Size) (alignment.Estimate, error) {
	opts := e.settings.Ransac
	opts.Threshold = e.settings.ScanReprojectionThreshold
	est, err := alignment.EstimateHomography(c.src, c.dst, opts)
	if err != nil {
		return alignment.Estimate{}, err
	}
	if est.InlierCount < e.settings.ScanMinInliers {
		return alignment.Estimate{}, fmt.Errorf("%w: %d inliers", alignment.ErrNoSolution, est.InlierCount)
	}
	if err := alignment.CheckHomography(est.H, e.index.ReferenceSize(c.reference), screenSize, e.settings.Limits); err != nil {
		return alignment.Estimate{}, err
	}
	return est, nil
}
