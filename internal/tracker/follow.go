package tracker

import (
	"fmt"

	"image-tracker/internal/alignment"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// follower relocates a known target in a new frame, starting from the
// homography of the previous frame: detection is restricted to the area
// around the previous outline and every reference keypoint is searched for
// only near its predicted position.
type follower struct {
	search localSearch
	corr   correspondences
	inlier correspondences
}

func (f *follower) discard() {
	f.corr.reset()
	f.inlier.reset()
}

func (f *follower) step(e *env, frame vision.Frame, screenSize geometry.Size, ref int, prev geometry.Homography, radius, threshold float64) ([]vision.Keypoint, alignment.Estimate, error) {
	refSize := e.index.ReferenceSize(ref)
	region := searchRegion(prev, refSize, screenSize, radius)
	if region.Empty() {
		return nil, alignment.Estimate{}, fmt.Errorf("%w: target is off screen", alignment.ErrNoSolution)
	}

	keypoints, err := e.detector.Detect(e.ctx, frame, screenSize, vision.DetectOptions{
		Region:       region,
		MaxKeypoints: e.settings.MaxKeypoints,
	})
	if err != nil {
		return nil, alignment.Estimate{}, fmt.Errorf("detection failed: %w", err)
	}
	if outline, ok := searchOutline(prev, refSize, radius); ok {
		keypoints = keepInside(keypoints, outline)
	}

	f.search.match(prev, e.index.KeypointsOf(ref), keypoints, radius, e.settings.MaxMatchDistance, &f.corr)

	opts := e.settings.Ransac
	opts.Threshold = threshold
	est, err := alignment.EstimateHomography(f.corr.src, f.corr.dst, opts)
	if err != nil {
		return keypoints, alignment.Estimate{}, err
	}
	if err := alignment.CheckHomography(est.H, refSize, screenSize, e.settings.Limits); err != nil {
		return keypoints, alignment.Estimate{}, err
	}
	return keypoints, est, nil
}

// inliers returns the correspondences est kept, reusing a buffer.
func (f *follower) inliers(est alignment.Estimate) correspondences {
	f.inlier.reset()
	for i, in := range est.Inliers {
		if in {
			f.inlier.src = append(f.inlier.src, f.corr.src[i])
			f.inlier.dst = append(f.inlier.dst, f.corr.dst[i])
		}
	}
	return f.inlier
}

// poseOf derives the pose of reference ref seen through h.
func poseOf(e *env, ref int, h geometry.Homography, screenSize geometry.Size) (alignment.Pose, alignment.Intrinsics, error) {
	k, err := alignment.NewIntrinsics(screenSize, e.settings.VerticalFOV)
	if err != nil {
		return alignment.Pose{}, alignment.Intrinsics{}, err
	}
	img := e.index.Reference(ref)
	pose, err := alignment.PoseFromHomography(h, k, e.index.ReferenceSize(ref), img.PhysicalSize())
	if err != nil {
		return alignment.Pose{}, alignment.Intrinsics{}, err
	}
	return pose, k, nil
}
