package cvbackend

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"image-tracker/internal/tracker"
	"image-tracker/pkg/geometry"
)

var (
	keypointColor  = color.RGBA{R: 0, G: 200, B: 255, A: 255}
	candidateColor = color.RGBA{R: 255, G: 200, B: 0, A: 255}
	trackedColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	textColor      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// DrawOutput draws the diagnostics of out onto img, which may be larger
// than the screen size the output is expressed in.
func DrawOutput(img *gocv.Mat, out tracker.Output, state tracker.StateName) {
	if img.Empty() || out.ScreenSize.IsZero() {
		return
	}
	sx := float64(img.Cols()) / out.ScreenSize.Width
	sy := float64(img.Rows()) / out.ScreenSize.Height
	pt := func(p geometry.Point2D) image.Point {
		return image.Pt(int(p.X*sx+0.5), int(p.Y*sy+0.5))
	}

	for _, kp := range out.Keypoints {
		gocv.Circle(img, pt(kp.Point()), 2, keypointColor, 1)
	}

	outline := candidateColor
	if out.Visible() {
		outline = trackedColor
	}
	for i := range out.Polyline {
		a := out.Polyline[i]
		b := out.Polyline[(i+1)%len(out.Polyline)]
		gocv.Line(img, pt(a), pt(b), outline, 2)
	}

	label := state.String()
	if out.Visible() {
		tr := out.Exports.Trackables[0]
		label = fmt.Sprintf("%s %s %.2f", label, tr.ReferenceImage.Name(), tr.Pose.Distance())
	}
	gocv.Rectangle(img, image.Rect(0, 0, img.Cols(), 28), color.RGBA{A: 255}, -1)
	gocv.PutText(img, label, image.Pt(8, 20), gocv.FontHersheySimplex, 0.6, textColor, 1)
}

// Recorder writes annotated frames to a video file.
type Recorder struct {
	writer *gocv.VideoWriter
	canvas gocv.Mat
	width  int
	height int
}

// NewRecorder creates an MJPG video file of the given size.
func NewRecorder(path string, fps float64, width, height int) (*Recorder, error) {
	if fps <= 0 {
		fps = 30
	}
	w, err := gocv.VideoWriterFile(path, "MJPG", fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("create recorder %s: %w", path, err)
	}
	return &Recorder{writer: w, canvas: gocv.NewMat(), width: width, height: height}, nil
}

// Write annotates a copy of frame with out and appends it.
func (r *Recorder) Write(frame *MatFrame, out tracker.Output, state tracker.StateName) error {
	switch frame.Mat.Channels() {
	case 1:
		gocv.CvtColor(frame.Mat, &r.canvas, gocv.ColorGrayToBGR)
	default:
		frame.Mat.CopyTo(&r.canvas)
	}
	if r.canvas.Cols() != r.width || r.canvas.Rows() != r.height {
		gocv.Resize(r.canvas, &r.canvas, image.Pt(r.width, r.height), 0, 0, gocv.InterpolationLinear)
	}
	DrawOutput(&r.canvas, out, state)
	return r.writer.Write(r.canvas)
}

// Close finishes the file.
func (r *Recorder) Close() error {
	r.canvas.Close()
	return r.writer.Close()
}
