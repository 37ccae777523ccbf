// Package alignment estimates the projective transform between a reference
// image and a camera frame and recovers the camera pose from it.
package alignment

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"image-tracker/pkg/geometry"
)

var (
	// ErrNoSolution is returned when no homography is supported by at least
	// four non-degenerate correspondences.
	ErrNoSolution = errors.New("no homography solution")

	// ErrDegenerate is returned by CheckHomography for transforms that are
	// ill-conditioned or cannot be the image of a plane in front of the camera.
	ErrDegenerate = errors.New("degenerate homography")
)

// minSamples is the size of a minimal homography sample.
const minSamples = 4

// collinearTolerance is the smallest doubled triangle area (px^2) three
// sample points may span.
const collinearTolerance = 1.0

// RansacOptions configures EstimateHomography.
type RansacOptions struct {
	Threshold     float64 // Max transfer error of an inlier (px)
	MaxIterations int     // Upper bound on hypotheses
	Confidence    float64 // Stop once an outlier-free sample was drawn with this probability
	Seed          int64   // Sampling seed; equal inputs and seed give equal results
}

// DefaultRansacOptions returns the estimator defaults.
func DefaultRansacOptions() RansacOptions {
	return RansacOptions{
		Threshold:     3.0,
		MaxIterations: 500,
		Confidence:    0.995,
		Seed:          1,
	}
}

// Estimate is the result of EstimateHomography.
type Estimate struct {
	H           geometry.Homography
	Inliers     []bool  // Per correspondence
	InlierCount int
	MeanError   float64 // Mean transfer error over the inliers (px)
}

// EstimateHomography computes the homography mapping src onto dst with
// RANSAC. Minimal samples are solved with the normalized DLT, samples with
// three collinear points are skipped, and the winning model is refit on all
// of its inliers.
func EstimateHomography(src, dst []geometry.Point2D, opts RansacOptions) (Estimate, error) {
	if len(src) != len(dst) {
		return Estimate{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	n := len(src)
	if n < minSamples {
		return Estimate{}, fmt.Errorf("%w: need at least %d points, got %d", ErrNoSolution, minSamples, n)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultRansacOptions().MaxIterations
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultRansacOptions().Threshold
	}
	if opts.Confidence <= 0 || opts.Confidence >= 1 {
		opts.Confidence = DefaultRansacOptions().Confidence
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	thresholdSq := opts.Threshold * opts.Threshold

	var (
		best      geometry.Homography
		bestCount int
		bestErr   = math.Inf(1)
		found     bool
	)
	sampleSrc := make([]geometry.Point2D, minSamples)
	sampleDst := make([]geometry.Point2D, minSamples)
	var idx [minSamples]int

	iterations := opts.MaxIterations
	for iter := 0; iter < iterations; iter++ {
		drawSample(rng, n, &idx)
		for i, k := range idx {
			sampleSrc[i] = src[k]
			sampleDst[i] = dst[k]
		}
		if degenerateSample(sampleSrc) || degenerateSample(sampleDst) {
			continue
		}

		h, err := solveDLT(sampleSrc, sampleDst)
		if err != nil {
			continue
		}

		count, errSum := scoreModel(h, src, dst, thresholdSq, nil)
		if count > bestCount || (count == bestCount && count > 0 && errSum < bestErr) {
			best = h
			bestCount = count
			bestErr = errSum
			found = true

			iterations = min(iterations, adaptiveIterations(bestCount, n, opts.Confidence, opts.MaxIterations))
		}
	}

	if !found || bestCount < minSamples {
		return Estimate{}, fmt.Errorf("%w: RANSAC found %d inliers", ErrNoSolution, bestCount)
	}

	inliers := make([]bool, n)
	scoreModel(best, src, dst, thresholdSq, inliers)

	// Refit on all inliers; keep the refit only if it does not lose support.
	if refit, err := solveDLT(selectPoints(src, inliers), selectPoints(dst, inliers)); err == nil {
		refitInliers := make([]bool, n)
		if count, _ := scoreModel(refit, src, dst, thresholdSq, refitInliers); count >= bestCount {
			best = refit
			bestCount = count
			inliers = refitInliers
		}
	}

	count, errSum := scoreModel(best, src, dst, thresholdSq, nil)
	if count < minSamples {
		return Estimate{}, fmt.Errorf("%w: %d inliers after refit", ErrNoSolution, count)
	}

	return Estimate{
		H:           best,
		Inliers:     inliers,
		InlierCount: count,
		MeanError:   errSum / float64(count),
	}, nil
}

// TransferError returns the distance between H(src) and dst, or +Inf if
// src maps behind the horizon.
func TransferError(h geometry.Homography, src, dst geometry.Point2D) float64 {
	p, ok := h.Apply(src)
	if !ok {
		return math.Inf(1)
	}
	return p.Distance(dst)
}

// MeanTransferError returns the mean transfer error over all pairs.
func MeanTransferError(h geometry.Homography, src, dst []geometry.Point2D) float64 {
	if len(src) != len(dst) || len(src) == 0 {
		return math.Inf(1)
	}
	var total float64
	for i := range src {
		total += TransferError(h, src[i], dst[i])
	}
	return total / float64(len(src))
}

// drawSample picks minSamples distinct indices in [0, n).
func drawSample(rng *rand.Rand, n int, idx *[minSamples]int) {
	for i := 0; i < minSamples; {
		k := rng.Intn(n)
		dup := false
		for j := 0; j < i; j++ {
			if idx[j] == k {
				dup = true
				break
			}
		}
		if !dup {
			idx[i] = k
			i++
		}
	}
}

// degenerateSample reports whether any three of the four points are
// (nearly) collinear.
func degenerateSample(pts []geometry.Point2D) bool {
	return geometry.Collinear(pts[0], pts[1], pts[2], collinearTolerance) ||
		geometry.Collinear(pts[0], pts[1], pts[3], collinearTolerance) ||
		geometry.Collinear(pts[0], pts[2], pts[3], collinearTolerance) ||
		geometry.Collinear(pts[1], pts[2], pts[3], collinearTolerance)
}

// scoreModel counts the correspondences within threshold and sums their
// errors. When mask is non-nil it receives the inlier flags.
func scoreModel(h geometry.Homography, src, dst []geometry.Point2D, thresholdSq float64, mask []bool) (int, float64) {
	count := 0
	var errSum float64
	for i := range src {
		p, ok := h.Apply(src[i])
		inlier := false
		if ok {
			dx := p.X - dst[i].X
			dy := p.Y - dst[i].Y
			d := dx*dx + dy*dy
			if d <= thresholdSq {
				inlier = true
				count++
				errSum += math.Sqrt(d)
			}
		}
		if mask != nil {
			mask[i] = inlier
		}
	}
	return count, errSum
}

// adaptiveIterations returns the number of samples needed to draw an
// all-inlier sample with the given confidence.
func adaptiveIterations(inliers, n int, confidence float64, maxIter int) int {
	w := float64(inliers) / float64(n)
	p := math.Pow(w, minSamples)
	if p >= 1 {
		return 1
	}
	if p <= 0 {
		return maxIter
	}
	k := math.Log(1-confidence) / math.Log(1-p)
	if math.IsNaN(k) || k > float64(maxIter) {
		return maxIter
	}
	return int(math.Ceil(k))
}

func selectPoints(points []geometry.Point2D, mask []bool) []geometry.Point2D {
	out := make([]geometry.Point2D, 0, len(points))
	for i, p := range points {
		if mask[i] {
			out = append(out, p)
		}
	}
	return out
}

// normalization returns the similarity that moves the centroid of points
// to the origin and scales their mean distance to sqrt(2).
func normalization(points []geometry.Point2D) (geometry.Homography, error) {
	c := geometry.Centroid(points)
	var mean float64
	for _, p := range points {
		mean += p.Distance(c)
	}
	mean /= float64(len(points))
	if mean < 1e-12 {
		return geometry.Homography{}, errors.New("coincident points")
	}
	s := math.Sqrt2 / mean
	return geometry.Homography{
		{s, 0, -s * c.X},
		{0, s, -s * c.Y},
		{0, 0, 1},
	}, nil
}

// solveDLT computes the homography from four or more correspondences as
// the right singular vector of the smallest singular value of the DLT
// system, in normalized coordinates.
func solveDLT(src, dst []geometry.Point2D) (geometry.Homography, error) {
	n := len(src)
	if n < minSamples || n != len(dst) {
		return geometry.Homography{}, fmt.Errorf("need at least %d points", minSamples)
	}

	ts, err := normalization(src)
	if err != nil {
		return geometry.Homography{}, err
	}
	td, err := normalization(dst)
	if err != nil {
		return geometry.Homography{}, err
	}

	A := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		s, _ := ts.Apply(src[i])
		d, _ := td.Apply(dst[i])
		x, y := s.X, s.Y
		u, v := d.X, d.Y

		A.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		A.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDFull); !ok {
		return geometry.Homography{}, errors.New("SVD failed to converge")
	}
	var V mat.Dense
	svd.VTo(&V)

	var hn geometry.Homography
	for i := 0; i < 9; i++ {
		hn[i/3][i%3] = V.At(i, 8)
	}

	tdInv, ok := td.Inverse()
	if !ok {
		return geometry.Homography{}, errors.New("singular normalization")
	}
	h := tdInv.Mul(hn).Mul(ts)
	if math.Abs(h[2][2]) < 1e-12 {
		return geometry.Homography{}, errors.New("homography maps the origin to infinity")
	}
	h = h.Normalized()
	if !h.IsFinite() {
		return geometry.Homography{}, errors.New("non-finite homography")
	}
	return h, nil
}
