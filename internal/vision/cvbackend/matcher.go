package cvbackend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"image-tracker/internal/vision"
)

// ErrDescriptorSize is returned when descriptors differ in length.
var ErrDescriptorSize = errors.New("descriptors must have equal length")

// BFMatcher implements vision.Matcher with OpenCV's brute-force Hamming
// matcher.
type BFMatcher struct{}

// Prepare copies the train descriptors into a matrix.
func (BFMatcher) Prepare(train []vision.Descriptor) (vision.MatchIndex, error) {
	mat, err := descriptorMat(train)
	if err != nil {
		return nil, err
	}
	width := 0
	if len(train) > 0 {
		width = len(train[0])
	}
	return &bfIndex{
		bf:    gocv.NewBFMatcherWithParams(gocv.NormHamming, false),
		train: mat,
		n:     len(train),
		width: width,
	}, nil
}

type bfIndex struct {
	mu     sync.Mutex
	bf     gocv.BFMatcher
	train  gocv.Mat
	n      int
	width  int
	closed bool
}

func (x *bfIndex) Len() int { return x.n }

func (x *bfIndex) KnnMatch(ctx context.Context, query []vision.Descriptor, k int) ([][]vision.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) == 0 || x.n == 0 {
		return make([][]vision.Match, len(query)), nil
	}
	q, err := descriptorMat(query)
	if err != nil {
		return nil, err
	}
	defer q.Close()
	if q.Cols() != x.width {
		return nil, fmt.Errorf("%w: query %d, train %d bytes", ErrDescriptorSize, q.Cols(), x.width)
	}

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil, errors.New("match index closed")
	}
	raw := x.bf.KnnMatch(q, x.train, k)
	x.mu.Unlock()

	out := make([][]vision.Match, len(query))
	for _, row := range raw {
		for _, m := range row {
			out[m.QueryIdx] = append(out[m.QueryIdx], vision.Match{
				QueryIndex: m.QueryIdx,
				TrainIndex: m.TrainIdx,
				Distance:   m.Distance,
			})
		}
	}
	return out, nil
}

func (x *bfIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.bf.Close()
	return x.train.Close()
}

// descriptorMat packs descriptors into an n x width CV_8UC1 matrix that
// owns its memory.
func descriptorMat(ds []vision.Descriptor) (gocv.Mat, error) {
	if len(ds) == 0 {
		return gocv.NewMat(), nil
	}
	width := len(ds[0])
	buf := make([]byte, 0, width*len(ds))
	for i, d := range ds {
		if len(d) != width {
			return gocv.Mat{}, fmt.Errorf("%w: descriptor %d has %d bytes, want %d", ErrDescriptorSize, i, len(d), width)
		}
		buf = append(buf, d...)
	}
	borrowed, err := gocv.NewMatFromBytes(len(ds), width, gocv.MatTypeCV8UC1, buf)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer borrowed.Close()
	return borrowed.Clone(), nil
}
