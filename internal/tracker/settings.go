package tracker

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"image-tracker/internal/alignment"
	"image-tracker/internal/vision"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Settings tunes the tracking states. Frame budgets count frames, not time.
type Settings struct {
	// Resolution is the working resolution of every state.
	Resolution vision.Resolution `json:"resolution" validate:"required,oneof=xs sm md lg xl"`

	// MaxKeypoints caps detections per frame and per reference image.
	MaxKeypoints int `json:"max_keypoints" validate:"gte=16"`

	// Scanning
	MatchRatio                float64 `json:"match_ratio" validate:"gt=0,lte=1"`
	MaxMatchDistance          float64 `json:"max_match_distance" validate:"gt=0"`
	ScanMinInliers            int     `json:"scan_min_inliers" validate:"gte=4"`
	ScanReprojectionThreshold float64 `json:"scan_reprojection_threshold" validate:"gt=0"`

	// Pre-Tracking: ConfirmationFrames consecutive good frames within
	// PreTrackingMaxAttempts frames confirm a candidate.
	ConfirmationFrames     int     `json:"confirmation_frames" validate:"gte=1"`
	PreTrackingMaxAttempts int     `json:"pre_tracking_max_attempts" validate:"gtefield=ConfirmationFrames"`
	PreTrackingMinInliers  int     `json:"pre_tracking_min_inliers" validate:"gte=4"`
	PreTrackingMaxError    float64 `json:"pre_tracking_max_error" validate:"gt=0"`

	// PoseMaxError bounds the mean distance (px) between the inliers and
	// their reprojection through the recovered pose.
	PoseMaxError float64 `json:"pose_max_error" validate:"gt=0"`

	// SearchRadius is the local search radius around predicted keypoint
	// positions (px). Pre-Tracking searches twice as far.
	SearchRadius float64 `json:"search_radius" validate:"gt=0"`

	// Tracking: the target is lost after MaxConsecutiveFailures bad frames.
	TrackingMinInliers            int     `json:"tracking_min_inliers" validate:"gte=4"`
	TrackingReprojectionThreshold float64 `json:"tracking_reprojection_threshold" validate:"gt=0"`
	MaxConsecutiveFailures        int     `json:"max_consecutive_failures" validate:"gte=1"`

	// VerticalFOV of the virtual camera, degrees.
	VerticalFOV float64 `json:"vertical_fov" validate:"gt=0,lt=180"`

	// TrainingConcurrency bounds the reference images trained in
	// parallel; 0 uses GOMAXPROCS.
	TrainingConcurrency int `json:"training_concurrency" validate:"gte=0"`

	Ransac alignment.RansacOptions `json:"ransac"`
	Limits alignment.Limits        `json:"limits"`
}

// DefaultSettings returns the default tuning.
func DefaultSettings() Settings {
	return Settings{
		Resolution:                    vision.DefaultResolution,
		MaxKeypoints:                  800,
		MatchRatio:                    0.75,
		MaxMatchDistance:              64,
		ScanMinInliers:                20,
		ScanReprojectionThreshold:     6,
		ConfirmationFrames:            3,
		PreTrackingMaxAttempts:        10,
		PreTrackingMinInliers:         16,
		PreTrackingMaxError:           3,
		PoseMaxError:                  8,
		SearchRadius:                  16,
		TrackingMinInliers:            12,
		TrackingReprojectionThreshold: 4,
		MaxConsecutiveFailures:        3,
		VerticalFOV:                   alignment.DefaultVerticalFOV,
		Ransac:                        alignment.DefaultRansacOptions(),
		Limits:                        alignment.DefaultLimits(),
	}
}

// WithResolution returns a copy with a different working resolution.
func (s Settings) WithResolution(r vision.Resolution) Settings {
	s.Resolution = r
	return s
}

// WithConfirmation returns a copy with a different Pre-Tracking window.
func (s Settings) WithConfirmation(frames, maxAttempts int) Settings {
	s.ConfirmationFrames = frames
	s.PreTrackingMaxAttempts = maxAttempts
	return s
}

// WithFailureBudget returns a copy with a different number of bad frames
// tolerated while tracking.
func (s Settings) WithFailureBudget(frames int) Settings {
	s.MaxConsecutiveFailures = frames
	return s
}

// Validate checks every field. The error wraps ErrInvalidSettings.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if s.Ransac.MaxIterations <= 0 || s.Ransac.Confidence <= 0 || s.Ransac.Confidence >= 1 {
		return fmt.Errorf("%w: ransac options %+v", ErrInvalidSettings, s.Ransac)
	}
	return nil
}
