package cvbackend

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"gocv.io/x/gocv"

	"image-tracker/internal/vision"
)

// VideoSource reads frames from a camera or a video file. The returned
// frame is reused: it is valid until the next call to Next.
type VideoSource struct {
	capture *gocv.VideoCapture
	frame   MatFrame
}

// OpenVideoSource opens a camera when source is a non-negative integer and
// a file otherwise.
func OpenVideoSource(source string) (*VideoSource, error) {
	var device interface{} = source
	if n, err := strconv.Atoi(source); err == nil && n >= 0 {
		device = n
	}
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open video source %q: %w", source, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("open video source %q: not opened", source)
	}
	return &VideoSource{capture: capture, frame: MatFrame{Mat: gocv.NewMat()}}, nil
}

// Next reads the next frame. It returns io.EOF at the end of a file.
func (s *VideoSource) Next(ctx context.Context) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := s.capture.Read(&s.frame.Mat); !ok || s.frame.Mat.Empty() {
		return nil, io.EOF
	}
	return &s.frame, nil
}

// FPS returns the nominal frame rate, or 0 when unknown.
func (s *VideoSource) FPS() float64 {
	return s.capture.Get(gocv.VideoCaptureFPS)
}

// Close releases the capture device.
func (s *VideoSource) Close() error {
	s.frame.Mat.Close()
	return s.capture.Close()
}
