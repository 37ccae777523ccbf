package tracker

import (
	"image-tracker/internal/alignment"
	"image-tracker/internal/reference"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// TrackableImage is a target visible in the current frame.
type TrackableImage struct {
	Pose           alignment.Pose      `json:"pose"`
	ReferenceImage *reference.Image    `json:"-"`
	Homography     geometry.Homography `json:"homography"`
}

// Viewer is the virtual camera the poses are expressed for.
type Viewer struct {
	Intrinsics alignment.Intrinsics `json:"intrinsics"`
	ScreenSize geometry.Size        `json:"screen_size"`
	// Pose is the camera pose in the coordinates of the first trackable.
	Pose alignment.Pose `json:"pose"`
}

// Result is what a frame exports while a target is confirmed.
type Result struct {
	Tracker    *ImageTracker    `json:"-"`
	Trackables []TrackableImage `json:"trackables"`
	Viewer     Viewer           `json:"viewer"`
}

// Output is produced by every update. Exports is set only for frames in
// which a confirmed target was found; the remaining fields are diagnostics.
type Output struct {
	Exports      *Result              `json:"exports,omitempty"`
	ScreenSize   geometry.Size        `json:"screen_size"`
	Keypoints    []vision.Keypoint    `json:"keypoints,omitempty"`
	Polyline     []geometry.Point2D   `json:"polyline,omitempty"`
	CameraMatrix *[3][4]float64       `json:"camera_matrix,omitempty"`
	Homography   *geometry.Homography `json:"homography,omitempty"`
}

// Visible reports whether the frame exported a target.
func (o Output) Visible() bool {
	return o.Exports != nil && len(o.Exports.Trackables) > 0
}

// slot backs the pointer fields of one frame's Output.
type slot struct {
	result     Result
	trackables [1]TrackableImage
	polyline   [4]geometry.Point2D
	homography geometry.Homography
	camera     [3][4]float64
}

// arena alternates between two slots, so an Output stays valid until the
// second following update and the steady state allocates nothing for it.
type arena struct {
	slots [2]slot
	next  int
}

func (a *arena) take() *slot {
	s := &a.slots[a.next]
	a.next ^= 1
	*s = slot{}
	return s
}

// diagnostics fills the homography and outline fields of out from s.
func (s *slot) diagnostics(out *Output, h geometry.Homography, refSize geometry.Size) {
	s.homography = h
	out.Homography = &s.homography
	if quad, ok := alignment.ProjectOutline(h, refSize); ok {
		copy(s.polyline[:], quad)
		out.Polyline = s.polyline[:]
	}
}

// export fills out.Exports with one trackable.
func (s *slot) export(out *Output, owner *ImageTracker, img *reference.Image, h geometry.Homography, pose alignment.Pose, k alignment.Intrinsics, screenSize geometry.Size) {
	s.trackables[0] = TrackableImage{
		Pose:           pose,
		ReferenceImage: img,
		Homography:     h,
	}
	s.result = Result{
		Tracker:    owner,
		Trackables: s.trackables[:],
		Viewer: Viewer{
			Intrinsics: k,
			ScreenSize: screenSize,
			Pose:       pose.Inverse(),
		},
	}
	s.camera = pose.CameraMatrix(k)
	out.CameraMatrix = &s.camera
	out.Exports = &s.result
}
