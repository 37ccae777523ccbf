package cvbackend

import (
	"context"
	"image"
	"math"
	"runtime"
	"sort"

	"gocv.io/x/gocv"

	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// ORBOptions configures the ORB detector.
type ORBOptions struct {
	MaxFeatures   int
	ScaleFactor   float32
	Levels        int
	EdgeThreshold int
	FastThreshold int
	// Workers is the number of ORB instances; 0 uses GOMAXPROCS.
	Workers int
}

// DefaultORBOptions returns settings suited to the sm and md resolutions.
func DefaultORBOptions() ORBOptions {
	return ORBOptions{
		MaxFeatures:   1000,
		ScaleFactor:   1.2,
		Levels:        6,
		EdgeThreshold: 15,
		FastThreshold: 15,
	}
}

// ORBDetector implements vision.Detector. gocv.ORB is not safe for
// concurrent use, so calls borrow one instance from a fixed pool.
type ORBDetector struct {
	pool chan gocv.ORB
	all  []gocv.ORB
}

// NewORBDetector creates the detector pool.
func NewORBDetector(opts ORBOptions) *ORBDetector {
	n := opts.Workers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	d := &ORBDetector{pool: make(chan gocv.ORB, n)}
	for i := 0; i < n; i++ {
		orb := gocv.NewORBWithParams(opts.MaxFeatures, opts.ScaleFactor, opts.Levels,
			opts.EdgeThreshold, 0, 2, gocv.ORBScoreTypeHarris, opts.EdgeThreshold, opts.FastThreshold)
		d.all = append(d.all, orb)
		d.pool <- orb
	}
	return d
}

// Detect resizes frame to screenSize, detects ORB keypoints inside the
// requested region and returns them strongest first.
func (d *ORBDetector) Detect(ctx context.Context, frame vision.Frame, screenSize geometry.Size, opts vision.DetectOptions) ([]vision.Keypoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gray, err := grayMat(frame)
	defer gray.Close()
	if err != nil {
		return nil, err
	}

	size := image.Pt(int(math.Round(screenSize.Width)), int(math.Round(screenSize.Height)))
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, size, 0, 0, gocv.InterpolationArea)

	roi := image.Rectangle{Max: size}
	if !opts.Region.Empty() {
		roi = toRectangle(opts.Region).Intersect(roi)
	}
	if roi.Empty() {
		return nil, nil
	}
	view := resized.Region(roi)
	defer view.Close()

	var orb gocv.ORB
	select {
	case orb = <-d.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	mask := gocv.NewMat()
	cvKeypoints, desc := orb.DetectAndCompute(view, mask)
	d.pool <- orb
	mask.Close()
	defer desc.Close()

	if len(cvKeypoints) == 0 || desc.Empty() {
		return nil, nil
	}
	cols := desc.Cols()
	data := desc.ToBytes()

	keypoints := make([]vision.Keypoint, 0, len(cvKeypoints))
	for i, kp := range cvKeypoints {
		keypoints = append(keypoints, vision.Keypoint{
			X:          kp.X + float64(roi.Min.X),
			Y:          kp.Y + float64(roi.Min.Y),
			Size:       kp.Size,
			Angle:      kp.Angle,
			Response:   kp.Response,
			Descriptor: append(vision.Descriptor(nil), data[i*cols:(i+1)*cols]...),
		})
	}
	sort.SliceStable(keypoints, func(i, j int) bool {
		return keypoints[i].Response > keypoints[j].Response
	})
	if opts.MaxKeypoints > 0 && len(keypoints) > opts.MaxKeypoints {
		keypoints = keypoints[:opts.MaxKeypoints]
	}
	return keypoints, nil
}

// Close frees the ORB instances. The detector must not be in use.
func (d *ORBDetector) Close() error {
	for _, orb := range d.all {
		orb.Close()
	}
	d.all = nil
	return nil
}
