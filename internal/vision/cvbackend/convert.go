// Package cvbackend implements the vision primitives with OpenCV through
// gocv: ORB detection, brute-force Hamming matching, video capture and
// debug overlays.
package cvbackend

import (
	"fmt"
	"image"
	"image/color"
	"runtime"
	"sync"

	"gocv.io/x/gocv"

	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// MatFrame is a video frame held in an OpenCV matrix (BGR or grey).
type MatFrame struct {
	Mat gocv.Mat
}

// Size returns the frame size in pixels.
func (f *MatFrame) Size() geometry.Size {
	if f == nil || f.Mat.Empty() {
		return geometry.Size{}
	}
	return geometry.Size{Width: float64(f.Mat.Cols()), Height: float64(f.Mat.Rows())}
}

// grayMat returns a single-channel copy of the frame. The caller owns the
// result.
func grayMat(frame vision.Frame) (gocv.Mat, error) {
	switch f := frame.(type) {
	case *MatFrame:
		if f.Mat.Empty() {
			return gocv.NewMat(), vision.ErrEmptyFrame
		}
		gray := gocv.NewMat()
		switch f.Mat.Channels() {
		case 1:
			f.Mat.CopyTo(&gray)
		case 4:
			gocv.CvtColor(f.Mat, &gray, gocv.ColorBGRAToGray)
		default:
			gocv.CvtColor(f.Mat, &gray, gocv.ColorBGRToGray)
		}
		return gray, nil
	case *vision.ImageFrame:
		if f.Image == nil || f.Image.Bounds().Empty() {
			return gocv.NewMat(), vision.ErrEmptyFrame
		}
		return imageToGrayMat(f.Image)
	default:
		return gocv.NewMat(), fmt.Errorf("%w: %T", vision.ErrUnsupportedFrame, frame)
	}
}

// imageToGrayMat converts an image.Image to a CV_8UC1 Mat, in parallel
// horizontal stripes for anything but tightly packed *image.Gray.
func imageToGrayMat(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if g, ok := img.(*image.Gray); ok && g.Stride == width {
		// The wrapper borrows g.Pix; clone so the result owns its pixels.
		borrowed, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC1, g.Pix[:width*height])
		if err != nil {
			return gocv.NewMat(), err
		}
		defer borrowed.Close()
		return borrowed.Clone(), nil
	}

	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC1)

	numWorkers := runtime.NumCPU()
	rowsPerWorker := (height + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if endY > height {
			endY = height
		}
		if startY >= height {
			break
		}

		wg.Add(1)
		go func(yStart, yEnd int) {
			defer wg.Done()
			for y := yStart; y < yEnd; y++ {
				for x := 0; x < width; x++ {
					c := color.GrayModel.Convert(img.At(x+bounds.Min.X, y+bounds.Min.Y)).(color.Gray)
					mat.SetUCharAt(y, x, c.Y)
				}
			}
		}(startY, endY)
	}
	wg.Wait()

	return mat, nil
}

// toRectangle rounds a screen-space rect outward to pixel bounds.
func toRectangle(r geometry.Rect) image.Rectangle {
	return image.Rect(int(r.X), int(r.Y), int(r.X+r.Width+0.999), int(r.Y+r.Height+0.999))
}
