package tracker

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"image-tracker/internal/alignment"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// preTrackingState verifies a Scanning candidate over consecutive frames
// before committing to Tracking.
type preTrackingState struct {
	follower

	reference  int
	homography geometry.Homography
	screenSize geometry.Size
	successes  int
	attempts   int
}

func (s *preTrackingState) enter(h handoff) {
	s.reference = h.reference
	s.homography = h.homography
	s.screenSize = h.screenSize
	s.successes = 0
	s.attempts = 0
	s.discard()
}

func (s *preTrackingState) leave() {
	s.discard()
}

func (s *preTrackingState) release() {
	s.follower = follower{}
}

func (s *preTrackingState) update(e *env, frame vision.Frame, screenSize geometry.Size) (Output, *transition, error) {
	out := Output{ScreenSize: screenSize}
	s.homography = rescale(s.homography, s.screenSize, screenSize)
	s.screenSize = screenSize
	s.attempts++

	keypoints, est, err := s.step(e, frame, screenSize, s.reference, s.homography,
		2*e.settings.SearchRadius, e.settings.ScanReprojectionThreshold)
	out.Keypoints = keypoints
	if err == nil {
		err = s.consistent(e, est)
	}
	var (
		pose alignment.Pose
		k    alignment.Intrinsics
	)
	if err == nil {
		pose, k, err = poseOf(e, s.reference, est.H, screenSize)
	}
	if err == nil {
		err = s.rigid(e, est, pose, k)
	}

	refSize := e.index.ReferenceSize(s.reference)
	if err != nil {
		if ctxErr := e.ctx.Err(); ctxErr != nil {
			return out, nil, ctxErr
		}
		s.successes = 0
		e.frameFailure(StatePreTracking, err)
		if s.attempts >= e.settings.PreTrackingMaxAttempts {
			return out, s.reject(e), nil
		}
		e.arena.take().diagnostics(&out, s.homography, refSize)
		return out, nil, nil
	}

	s.successes++
	s.homography = est.H
	slot := e.arena.take()
	slot.diagnostics(&out, est.H, refSize)

	if s.successes >= e.settings.ConfirmationFrames {
		img := e.index.Reference(s.reference)
		slot.export(&out, e.owner, img, est.H, pose, k, screenSize)
		e.log.WithFields(logrus.Fields{
			"reference": img.Name(),
			"attempts":  s.attempts,
			"inliers":   est.InlierCount,
		}).Debug("Candidate confirmed")
		return out, &transition{
			next: StateTracking,
			handoff: handoff{
				reference:  s.reference,
				homography: est.H,
				screenSize: screenSize,
				pose:       pose,
				matches:    est.InlierCount,
			},
		}, nil
	}
	if s.attempts >= e.settings.PreTrackingMaxAttempts {
		return out, s.reject(e), nil
	}
	return out, nil, nil
}

// consistent applies the verification criteria to a refined estimate.
func (s *preTrackingState) consistent(e *env, est alignment.Estimate) error {
	if est.InlierCount < e.settings.PreTrackingMinInliers {
		return fmt.Errorf("%w: %d inliers", alignment.ErrNoSolution, est.InlierCount)
	}
	if est.MeanError > e.settings.PreTrackingMaxError {
		return fmt.Errorf("%w: mean error %.2f px", alignment.ErrNoSolution, est.MeanError)
	}
	return nil
}

// rigid checks that the recovered pose reproduces the inlier
// correspondences. Homographies no camera could have produced, such as a
// shear, fail here.
func (s *preTrackingState) rigid(e *env, est alignment.Estimate, pose alignment.Pose, k alignment.Intrinsics) error {
	img := e.index.Reference(s.reference)
	h, ok := pose.Homography(k, e.index.ReferenceSize(s.reference), img.PhysicalSize())
	if !ok {
		return fmt.Errorf("%w: pose has no homography", alignment.ErrNoSolution)
	}
	in := s.inliers(est)
	if d := alignment.MeanTransferError(h, in.src, in.dst); d > e.settings.PoseMaxError {
		return fmt.Errorf("%w: pose error %.2f px", alignment.ErrNoSolution, d)
	}
	return nil
}

func (s *preTrackingState) reject(e *env) *transition {
	e.log.WithFields(logrus.Fields{
		"reference": e.index.Reference(s.reference).Name(),
		"attempts":  s.attempts,
	}).Debug("Candidate rejected")
	return &transition{next: StateScanning}
}
