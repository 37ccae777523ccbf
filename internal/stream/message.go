// Package stream publishes tracker outputs to renderers over websocket.
package stream

import (
	"time"

	"image-tracker/internal/alignment"
	"image-tracker/internal/tracker"
	"image-tracker/pkg/geometry"
)

// Message is the wire form of one frame's output.
type Message struct {
	Frame      int64              `json:"frame"`
	Time       time.Time          `json:"time"`
	State      string             `json:"state"`
	ScreenSize geometry.Size      `json:"screen_size"`
	Trackables []Trackable        `json:"trackables"`
	Viewer     *Viewer            `json:"viewer,omitempty"`
	Polyline   []geometry.Point2D `json:"polyline,omitempty"`
	Keypoints  int                `json:"keypoints"`
}

// Trackable is a visible target.
type Trackable struct {
	Reference  string        `json:"reference"`
	Pose       [4][4]float64 `json:"pose"`
	Homography [9]float64    `json:"homography"`
	Distance   float64       `json:"distance"`
}

// Viewer carries what a renderer needs to set up its camera.
type Viewer struct {
	Intrinsics   alignment.Intrinsics `json:"intrinsics"`
	Pose         [4][4]float64        `json:"pose"`
	CameraMatrix *[3][4]float64       `json:"camera_matrix,omitempty"`
}

// NewMessage converts an output. Nothing in the result aliases out.
func NewMessage(frame int64, state tracker.StateName, out tracker.Output) Message {
	msg := Message{
		Frame:      frame,
		Time:       time.Now(),
		State:      state.String(),
		ScreenSize: out.ScreenSize,
		Trackables: []Trackable{},
		Keypoints:  len(out.Keypoints),
	}
	if len(out.Polyline) > 0 {
		msg.Polyline = append([]geometry.Point2D(nil), out.Polyline...)
	}
	if out.Exports == nil {
		return msg
	}
	for _, tr := range out.Exports.Trackables {
		name := ""
		if tr.ReferenceImage != nil {
			name = tr.ReferenceImage.Name()
		}
		msg.Trackables = append(msg.Trackables, Trackable{
			Reference:  name,
			Pose:       tr.Pose.Matrix(),
			Homography: tr.Homography.Elements(),
			Distance:   tr.Pose.Distance(),
		})
	}
	v := &Viewer{
		Intrinsics: out.Exports.Viewer.Intrinsics,
		Pose:       out.Exports.Viewer.Pose.Matrix(),
	}
	if out.CameraMatrix != nil {
		m := *out.CameraMatrix
		v.CameraMatrix = &m
	}
	msg.Viewer = v
	return msg
}
