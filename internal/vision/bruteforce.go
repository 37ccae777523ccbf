package vision

import (
	"context"
	"fmt"
)

// BruteForceMatcher is a pure-Go exhaustive Hamming matcher. It is the
// fallback when no accelerated matcher is available.
type BruteForceMatcher struct{}

// Prepare copies the train descriptors into an index.
func (BruteForceMatcher) Prepare(train []Descriptor) (MatchIndex, error) {
	if len(train) == 0 {
		return nil, fmt.Errorf("brute force matcher: no train descriptors")
	}
	idx := &bruteForceIndex{train: make([]Descriptor, len(train))}
	copy(idx.train, train)
	return idx, nil
}

type bruteForceIndex struct {
	train []Descriptor
}

// cancelCheckInterval is how many queries run between context checks.
const cancelCheckInterval = 64

func (b *bruteForceIndex) KnnMatch(ctx context.Context, query []Descriptor, k int) ([][]Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("brute force matcher: k must be positive, got %d", k)
	}
	out := make([][]Match, len(query))
	for qi, q := range query {
		if qi%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		best := make([]Match, 0, k)
		for ti, t := range b.train {
			d := float64(q.Hamming(t))
			if len(best) == k && d >= best[k-1].Distance {
				continue
			}
			m := Match{QueryIndex: qi, TrainIndex: ti, Distance: d}
			// insert keeping ascending order; ties keep the lower train index first
			pos := len(best)
			for pos > 0 && best[pos-1].Distance > d {
				pos--
			}
			if len(best) < k {
				best = append(best, Match{})
			}
			copy(best[pos+1:], best[pos:len(best)-1])
			best[pos] = m
		}
		out[qi] = best
	}
	return out, nil
}

func (b *bruteForceIndex) Len() int {
	return len(b.train)
}

func (b *bruteForceIndex) Close() error {
	b.train = nil
	return nil
}
