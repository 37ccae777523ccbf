package features

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"image-tracker/internal/reference"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

var (
	// ErrNoKeypoints is returned when a reference image yields no keypoints.
	ErrNoKeypoints = errors.New("no keypoints detected")

	// ErrIndexCollision is returned when two reference images produce the
	// same descriptor set and could not be told apart while scanning.
	ErrIndexCollision = errors.New("reference images are indistinguishable")
)

// TrainingError reports why a reference image could not be indexed.
type TrainingError struct {
	Reference string
	Err       error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training %q: %v", e.Reference, e.Err)
}

func (e *TrainingError) Unwrap() error {
	return e.Err
}

// TrainOptions configures Train.
type TrainOptions struct {
	Resolution   vision.Resolution
	MaxKeypoints int
	Concurrency  int // Images processed in parallel; 0 = GOMAXPROCS
}

// DefaultTrainOptions returns the options used by the tracker by default.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		Resolution:   vision.DefaultResolution,
		MaxKeypoints: 800,
	}
}

// Train detects the keypoints of every image in db and builds one index
// over all of them. Each image is detected at the working resolution sized
// to its own aspect ratio. Images are processed in parallel but keypoints
// are stored in database order, so a deterministic detector yields an
// identical index for an identical database. No partial index is returned.
func Train(ctx context.Context, db *reference.Database, detector vision.Detector, matcher vision.Matcher, opts TrainOptions) (*Index, error) {
	images := db.All()
	if len(images) == 0 {
		return nil, reference.ErrEmptyDatabase
	}
	if !opts.Resolution.Valid() {
		return nil, fmt.Errorf("%w: %w", reference.ErrConfiguration, vision.ErrInvalidResolution)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	detected := make([][]vision.Keypoint, len(images))
	sizes := make([]geometry.Size, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			size := opts.Resolution.ScreenSize(img.AspectRatio())
			if size.IsZero() {
				return &TrainingError{Reference: img.Name(), Err: reference.ErrInvalidReference}
			}
			kps, err := detector.Detect(gctx, vision.NewImageFrame(img.Source()), size, vision.DetectOptions{
				MaxKeypoints: opts.MaxKeypoints,
			})
			if err != nil {
				return &TrainingError{Reference: img.Name(), Err: err}
			}
			if len(kps) == 0 {
				return &TrainingError{Reference: img.Name(), Err: ErrNoKeypoints}
			}
			detected[i] = kps
			sizes[i] = size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Identical descriptor sets make two targets indistinguishable.
	seen := make(map[uint64]int, len(images))
	for i, kps := range detected {
		fp := fingerprint(kps)
		if j, dup := seen[fp]; dup {
			return nil, &TrainingError{
				Reference: images[i].Name(),
				Err:       fmt.Errorf("%w: same features as %q", ErrIndexCollision, images[j].Name()),
			}
		}
		seen[fp] = i
	}

	total := 0
	for _, kps := range detected {
		total += len(kps)
	}
	index := &Index{
		keypoints: make([]TrainedKeypoint, 0, total),
		refs:      make([]referenceEntry, len(images)),
	}
	descriptors := make([]vision.Descriptor, 0, total)
	for i, kps := range detected {
		index.refs[i] = referenceEntry{
			image: images[i],
			size:  sizes[i],
			first: len(index.keypoints),
			count: len(kps),
		}
		for _, kp := range kps {
			index.keypoints = append(index.keypoints, TrainedKeypoint{Keypoint: kp, Reference: i})
			descriptors = append(descriptors, kp.Descriptor)
		}
	}

	mi, err := matcher.Prepare(descriptors)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare match index: %w", err)
	}
	index.matchIndex = mi
	return index, nil
}

// fingerprint hashes the descriptors of a keypoint set in order.
func fingerprint(kps []vision.Keypoint) uint64 {
	d := xxhash.New()
	for _, kp := range kps {
		d.Write(kp.Descriptor)
	}
	return d.Sum64()
}
