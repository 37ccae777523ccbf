// Package vision defines the contracts of the accelerated image primitives
// used by the tracker: keypoint detection with descriptor extraction,
// descriptor matching and working-resolution sizing.
package vision

import (
	"context"
	"errors"
	"image"
	"math/bits"

	"image-tracker/pkg/geometry"
)

var (
	// ErrUnsupportedFrame is returned by a backend that cannot read the
	// concrete frame type it was handed.
	ErrUnsupportedFrame = errors.New("unsupported frame type")

	// ErrEmptyFrame is returned when a frame has no pixels.
	ErrEmptyFrame = errors.New("empty frame")
)

// Frame is one image delivered by a media source. Backends type-switch on
// the concrete value to reach the pixels.
type Frame interface {
	// Size returns the native size of the frame in pixels.
	Size() geometry.Size
}

// ImageFrame adapts an image.Image to the Frame interface. Reference images
// are handed to the detector this way.
type ImageFrame struct {
	Image image.Image
}

// NewImageFrame wraps img.
func NewImageFrame(img image.Image) *ImageFrame {
	return &ImageFrame{Image: img}
}

// Size returns the image bounds size.
func (f *ImageFrame) Size() geometry.Size {
	if f == nil || f.Image == nil {
		return geometry.Size{}
	}
	b := f.Image.Bounds()
	return geometry.Size{Width: float64(b.Dx()), Height: float64(b.Dy())}
}

// Descriptor is a binary feature descriptor (e.g. 32 bytes for ORB).
type Descriptor []byte

// Hamming returns the number of differing bits between two descriptors.
// Descriptors of different lengths are compared over the shorter one and
// every missing byte counts as fully different.
func (d Descriptor) Hamming(other Descriptor) int {
	n := len(d)
	extra := len(other) - n
	if extra < 0 {
		n = len(other)
		extra = -extra
	}
	dist := extra * 8
	for i := 0; i < n; i++ {
		dist += bits.OnesCount8(d[i] ^ other[i])
	}
	return dist
}

// Keypoint is a distinctive image location with its descriptor.
type Keypoint struct {
	X          float64    `json:"x"`
	Y          float64    `json:"y"`
	Size       float64    `json:"size,omitempty"`
	Angle      float64    `json:"angle,omitempty"`
	Response   float64    `json:"response,omitempty"`
	Descriptor Descriptor `json:"-"`
}

// Point returns the keypoint location.
func (k Keypoint) Point() geometry.Point2D {
	return geometry.Point2D{X: k.X, Y: k.Y}
}

// DetectOptions narrows a detection call.
type DetectOptions struct {
	// Region restricts detection to a rectangle in screen space. A zero
	// rectangle means the whole frame.
	Region geometry.Rect

	// MaxKeypoints caps the number of returned keypoints, strongest first.
	// Zero leaves the backend default.
	MaxKeypoints int
}

// Detector finds keypoints and extracts their descriptors. The frame is
// first resized to screenSize; returned coordinates are in that space.
// Implementations must be safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, frame Frame, screenSize geometry.Size, opts DetectOptions) ([]Keypoint, error)
}

// Match pairs a query descriptor with a train descriptor.
type Match struct {
	QueryIndex int
	TrainIndex int
	Distance   float64
}

// Matcher builds search structures over a fixed set of train descriptors.
type Matcher interface {
	Prepare(train []Descriptor) (MatchIndex, error)
}

// MatchIndex answers k-nearest-neighbour queries against its train set.
// The index is read-only after Prepare and may be queried concurrently;
// Close must not be called while a query is running.
type MatchIndex interface {
	// KnnMatch returns, per query descriptor, up to k matches ordered by
	// increasing distance.
	KnnMatch(ctx context.Context, query []Descriptor, k int) ([][]Match, error)
	Len() int
	Close() error
}

// Descriptors collects the descriptors of a keypoint slice into dst.
func Descriptors(keypoints []Keypoint, dst []Descriptor) []Descriptor {
	dst = dst[:0]
	for i := range keypoints {
		dst = append(dst, keypoints[i].Descriptor)
	}
	return dst
}
