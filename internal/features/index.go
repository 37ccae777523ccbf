// Package features builds the searchable keypoint index of a reference
// image database.
package features

import (
	"context"

	"image-tracker/internal/reference"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// TrainedKeypoint is a reference keypoint with the index of the reference
// image it was extracted from. Coordinates are in the trained space of that
// image (see Index.ReferenceSize).
type TrainedKeypoint struct {
	vision.Keypoint
	Reference int
}

// referenceEntry locates the keypoints of one reference image in the index.
type referenceEntry struct {
	image *reference.Image
	size  geometry.Size // Trained space
	first int
	count int
}

// Index is the immutable set of trained keypoints of a database, with a
// match index over all of their descriptors. It is safe for concurrent
// reads; Close must not run concurrently with KnnMatch.
type Index struct {
	keypoints  []TrainedKeypoint
	refs       []referenceEntry
	matchIndex vision.MatchIndex
}

// Len returns the number of trained keypoints.
func (x *Index) Len() int {
	return len(x.keypoints)
}

// Keypoint returns the i-th trained keypoint.
func (x *Index) Keypoint(i int) (TrainedKeypoint, bool) {
	if i < 0 || i >= len(x.keypoints) {
		return TrainedKeypoint{}, false
	}
	return x.keypoints[i], true
}

// ReferenceIndexOf returns the reference image index owning keypoint i,
// or -1 if i is out of range.
func (x *Index) ReferenceIndexOf(i int) int {
	if i < 0 || i >= len(x.keypoints) {
		return -1
	}
	return x.keypoints[i].Reference
}

// ReferenceCount returns the number of indexed reference images.
func (x *Index) ReferenceCount() int {
	return len(x.refs)
}

// Reference returns the reference image with the given index, or nil.
func (x *Index) Reference(ref int) *reference.Image {
	if ref < 0 || ref >= len(x.refs) {
		return nil
	}
	return x.refs[ref].image
}

// ReferenceSize returns the size of the space the keypoints of ref were
// detected in.
func (x *Index) ReferenceSize(ref int) geometry.Size {
	if ref < 0 || ref >= len(x.refs) {
		return geometry.Size{}
	}
	return x.refs[ref].size
}

// KeypointsOf returns the keypoints of reference ref. The slice aliases the
// index and must not be modified.
func (x *Index) KeypointsOf(ref int) []TrainedKeypoint {
	if ref < 0 || ref >= len(x.refs) {
		return nil
	}
	e := x.refs[ref]
	return x.keypoints[e.first : e.first+e.count : e.first+e.count]
}

// KnnMatch matches query descriptors against every trained keypoint.
// Train indices of the returned matches index the keypoints of x.
func (x *Index) KnnMatch(ctx context.Context, query []vision.Descriptor, k int) ([][]vision.Match, error) {
	return x.matchIndex.KnnMatch(ctx, query, k)
}

// Close releases the match index.
func (x *Index) Close() error {
	if x.matchIndex == nil {
		return nil
	}
	err := x.matchIndex.Close()
	x.matchIndex = nil
	return err
}
