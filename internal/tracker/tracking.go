package tracker

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"image-tracker/internal/alignment"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// trackingState follows a confirmed target frame to frame. After
// MaxConsecutiveFailures bad frames it gives the target up and returns to
// Scanning; it never tries to resume from a stale homography.
type trackingState struct {
	follower

	reference  int
	homography geometry.Homography
	screenSize geometry.Size
	pose       alignment.Pose
	failures   int
	frames     int
}

func (s *trackingState) enter(h handoff) {
	s.reference = h.reference
	s.homography = h.homography
	s.screenSize = h.screenSize
	s.pose = h.pose
	s.failures = 0
	s.frames = 0
	s.discard()
}

func (s *trackingState) leave() {
	s.discard()
}

func (s *trackingState) release() {
	s.follower = follower{}
}

func (s *trackingState) update(e *env, frame vision.Frame, screenSize geometry.Size) (Output, *transition, error) {
	out := Output{ScreenSize: screenSize}
	s.homography = rescale(s.homography, s.screenSize, screenSize)
	s.screenSize = screenSize
	s.frames++

	keypoints, est, err := s.step(e, frame, screenSize, s.reference, s.homography,
		e.settings.SearchRadius, e.settings.TrackingReprojectionThreshold)
	out.Keypoints = keypoints
	if err == nil && est.InlierCount < e.settings.TrackingMinInliers {
		err = fmt.Errorf("%w: %d inliers", alignment.ErrNoSolution, est.InlierCount)
	}
	var (
		pose alignment.Pose
		k    alignment.Intrinsics
	)
	if err == nil {
		pose, k, err = poseOf(e, s.reference, est.H, screenSize)
	}

	if err != nil {
		if ctxErr := e.ctx.Err(); ctxErr != nil {
			return out, nil, ctxErr
		}
		s.failures++
		e.frameFailure(StateTracking, err)
		if s.failures >= e.settings.MaxConsecutiveFailures {
			e.log.WithFields(logrus.Fields{
				"reference": e.index.Reference(s.reference).Name(),
				"frames":    s.frames,
			}).Info("Target lost")
			return out, &transition{next: StateScanning}, nil
		}
		return out, nil, nil
	}

	s.failures = 0
	s.homography = est.H
	s.pose = pose

	slot := e.arena.take()
	slot.diagnostics(&out, est.H, e.index.ReferenceSize(s.reference))
	slot.export(&out, e.owner, e.index.Reference(s.reference), est.H, pose, k, screenSize)
	return out, nil, nil
}
