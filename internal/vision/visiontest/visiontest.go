// Package visiontest provides deterministic stand-ins for the vision
// primitives. A Scene is a reference image with known keypoints; a Frame
// shows a scene under a known homography; the Detector reports exactly the
// scene keypoints that land inside the frame.
package visiontest

import (
	"context"
	"image"
	"math/rand"
	"sync"
	"sync/atomic"

	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// DescriptorSize is the length of the synthetic descriptors (ORB-sized).
const DescriptorSize = 32

// Scene is a synthetic reference image: a blank picture plus keypoints in
// its native pixel space.
type Scene struct {
	Image       *image.Gray
	Points      []geometry.Point2D
	Descriptors []vision.Descriptor
}

// NewScene creates a width x height scene with n random keypoints. Equal
// seeds give equal keypoints and descriptors.
func NewScene(width, height, n int, seed int64) *Scene {
	rng := rand.New(rand.NewSource(seed))
	margin := 0.05 * float64(min(width, height))
	s := &Scene{
		Image:       image.NewGray(image.Rect(0, 0, width, height)),
		Points:      make([]geometry.Point2D, n),
		Descriptors: make([]vision.Descriptor, n),
	}
	for i := 0; i < n; i++ {
		s.Points[i] = geometry.Point2D{
			X: margin + rng.Float64()*(float64(width)-2*margin),
			Y: margin + rng.Float64()*(float64(height)-2*margin),
		}
		s.Descriptors[i] = randomDescriptor(rng)
	}
	return s
}

// Size returns the native size of the scene.
func (s *Scene) Size() geometry.Size {
	b := s.Image.Bounds()
	return geometry.Size{Width: float64(b.Dx()), Height: float64(b.Dy())}
}

func randomDescriptor(rng *rand.Rand) vision.Descriptor {
	d := make(vision.Descriptor, DescriptorSize)
	rng.Read(d)
	return d
}

// Frame is a camera frame showing Scene through H (scene pixels to frame
// pixels). A nil Scene is a blank frame. Clutter adds that many random
// keypoints unrelated to the scene, seeded by Seed.
type Frame struct {
	Scene   *Scene
	H       geometry.Homography
	Native  geometry.Size
	Clutter int
	Seed    int64
}

// Size returns the native frame size.
func (f *Frame) Size() geometry.Size {
	return f.Native
}

// NewFrame shows scene through h on a frame of the given native size.
func NewFrame(scene *Scene, h geometry.Homography, native geometry.Size) *Frame {
	return &Frame{Scene: scene, H: h, Native: native}
}

// BlankFrame returns a frame without any keypoints.
func BlankFrame(native geometry.Size) *Frame {
	return &Frame{Native: native}
}

// ScreenHomography returns the transform a tracker should recover for f:
// from the trained space of the scene (refSize) to the screen space.
func ScreenHomography(f *Frame, refSize, screenSize geometry.Size) geometry.Homography {
	native := f.Scene.Size()
	toScreen := geometry.Scaling(screenSize.Width/f.Native.Width, screenSize.Height/f.Native.Height)
	fromRef := geometry.Scaling(native.Width/refSize.Width, native.Height/refSize.Height)
	return toScreen.Mul(f.H).Mul(fromRef)
}

type hold struct {
	started chan struct{}
	release chan struct{}
}

// Detector implements vision.Detector over Scenes and Frames. Reference
// images are recognised by identity of their *image.Gray.
type Detector struct {
	mu     sync.Mutex
	scenes map[*image.Gray]*Scene
	hold   *hold
	calls  atomic.Int64
}

// NewDetector returns a detector that knows the given scenes.
func NewDetector(scenes ...*Scene) *Detector {
	d := &Detector{scenes: make(map[*image.Gray]*Scene, len(scenes))}
	for _, s := range scenes {
		d.scenes[s.Image] = s
	}
	return d
}

// Calls returns the number of Detect calls so far.
func (d *Detector) Calls() int {
	return int(d.calls.Load())
}

// Hold makes the next Detect call block until release is called. started
// is closed once that call is blocked.
func (d *Detector) Hold() (started <-chan struct{}, release func()) {
	h := &hold{started: make(chan struct{}), release: make(chan struct{})}
	d.mu.Lock()
	d.hold = h
	d.mu.Unlock()
	var once sync.Once
	return h.started, func() { once.Do(func() { close(h.release) }) }
}

// Detect returns the scene keypoints visible in frame, in screen space.
func (d *Detector) Detect(ctx context.Context, frame vision.Frame, screenSize geometry.Size, opts vision.DetectOptions) ([]vision.Keypoint, error) {
	d.calls.Add(1)

	d.mu.Lock()
	h := d.hold
	d.hold = nil
	d.mu.Unlock()
	if h != nil {
		close(h.started)
		select {
		case <-h.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var kps []vision.Keypoint
	switch f := frame.(type) {
	case *vision.ImageFrame:
		gray, _ := f.Image.(*image.Gray)
		d.mu.Lock()
		scene := d.scenes[gray]
		d.mu.Unlock()
		if scene == nil {
			return nil, nil
		}
		native := scene.Size()
		sx, sy := screenSize.Width/native.Width, screenSize.Height/native.Height
		for i, p := range scene.Points {
			kps = append(kps, keypoint(p.X*sx, p.Y*sy, scene.Descriptors[i]))
		}

	case *Frame:
		if f.Native.IsZero() {
			return nil, vision.ErrEmptyFrame
		}
		sx, sy := screenSize.Width/f.Native.Width, screenSize.Height/f.Native.Height
		bounds := f.Native.Bounds()
		if f.Scene != nil {
			for i, p := range f.Scene.Points {
				q, ok := f.H.Apply(p)
				if !ok || !bounds.Contains(q) {
					continue
				}
				kps = append(kps, keypoint(q.X*sx, q.Y*sy, f.Scene.Descriptors[i]))
			}
		}
		if f.Clutter > 0 {
			rng := rand.New(rand.NewSource(f.Seed))
			for i := 0; i < f.Clutter; i++ {
				kps = append(kps, keypoint(
					rng.Float64()*screenSize.Width,
					rng.Float64()*screenSize.Height,
					randomDescriptor(rng),
				))
			}
		}

	default:
		return nil, vision.ErrUnsupportedFrame
	}

	if !opts.Region.Empty() {
		kept := kps[:0]
		for _, kp := range kps {
			if opts.Region.Contains(kp.Point()) {
				kept = append(kept, kp)
			}
		}
		kps = kept
	}
	if opts.MaxKeypoints > 0 && len(kps) > opts.MaxKeypoints {
		kps = kps[:opts.MaxKeypoints]
	}
	return kps, nil
}

func keypoint(x, y float64, d vision.Descriptor) vision.Keypoint {
	return vision.Keypoint{X: x, Y: y, Size: 31, Response: 1, Descriptor: d}
}
