// Package app drives a tracker from a frame source and publishes its
// outputs.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"image-tracker/internal/project"
	"image-tracker/internal/reference"
	"image-tracker/internal/stream"
	"image-tracker/internal/tracker"
	"image-tracker/internal/vision"
)

// FrameSource delivers frames in order. Next returns io.EOF when the
// source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (vision.Frame, error)
	Close() error
}

// Publisher receives one message per processed frame.
type Publisher interface {
	Publish(stream.Message) error
}

// Runner feeds every frame of a source to a tracker. It is the tracker's
// session.
type Runner struct {
	id      string
	tracker *tracker.ImageTracker
	source  FrameSource
	pub     Publisher
	log     *logrus.Entry

	// mu serializes updates with reloads.
	mu      sync.Mutex
	frames  int64
	lastErr string

	statsInterval time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPublisher sends every output to pub.
func WithPublisher(pub Publisher) RunnerOption {
	return func(r *Runner) { r.pub = pub }
}

// WithStatsInterval logs tracker statistics at the given period; zero
// disables it.
func WithStatsInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.statsInterval = d }
}

// NewRunner binds t to source and initializes it with the runner as
// session.
func NewRunner(ctx context.Context, t *tracker.ImageTracker, source FrameSource, log *logrus.Entry, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		id:            uuid.NewString(),
		tracker:       t,
		source:        source,
		statsInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = log.WithField("runner", r.id)

	if err := t.Init(ctx, r); err != nil {
		return nil, fmt.Errorf("init tracker: %w", err)
	}
	t.On(tracker.EventTargetFound, func(ev tracker.Event) {
		r.log.WithField("reference", ev.Reference.Name()).Info("Target found")
	})
	t.On(tracker.EventTargetLost, func(ev tracker.Event) {
		r.log.WithField("reference", ev.Reference.Name()).Info("Target lost")
	})
	return r, nil
}

// ID identifies the session.
func (r *Runner) ID() string { return r.id }

// Frames returns the number of frames processed.
func (r *Runner) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Run processes frames until the source is exhausted (nil error) or ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	lastStats := time.Now()
	for {
		frame, err := r.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.log.WithField("frames", r.Frames()).Info("Source exhausted")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}

		if err := r.step(ctx, frame); err != nil {
			return err
		}

		if r.statsInterval > 0 && time.Since(lastStats) >= r.statsInterval {
			lastStats = time.Now()
			stats := r.tracker.Stats()
			r.log.WithFields(logrus.Fields{
				"state":       stats.State.String(),
				"frames":      stats.Frames,
				"visible":     stats.Visible,
				"transitions": stats.Transitions,
				"last_update": stats.LastUpdate,
			}).Info("Tracker stats")
		}
	}
}

func (r *Runner) step(ctx context.Context, frame vision.Frame) error {
	r.mu.Lock()
	out, err := r.tracker.Update(ctx, frame)
	r.frames++
	n := r.frames
	r.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, tracker.ErrReleased) {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		// Training failures stick until the targets are reloaded.
		if msg := err.Error(); msg != r.lastErr {
			r.lastErr = msg
			r.log.WithError(err).WithField("frame", n).Error("Tracker update failed")
		}
		return nil
	}
	r.lastErr = ""
	if r.pub == nil {
		return nil
	}
	if err := r.pub.Publish(stream.NewMessage(n, r.tracker.State(), out)); err != nil && !errors.Is(err, stream.ErrClosed) {
		r.log.WithError(err).Warn("Failed to publish output")
	}
	return nil
}

// Reload replaces the reference images with those of the manifest and
// resets the tracker, which retrains on the next frames. The images are
// loaded before anything changes; on error the tracker keeps running on
// the old targets.
func (r *Runner) Reload(manifestPath string) error {
	m, err := project.Load(manifestPath)
	if err != nil {
		return err
	}
	entries, err := m.Entries(manifestPath)
	if err != nil {
		return err
	}
	if err := reference.NewDatabase().Add(entries...); err != nil {
		return fmt.Errorf("manifest %s: %w", manifestPath, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.Reset()
	db := r.tracker.Database()
	if err := db.Clear(); err != nil {
		return err
	}
	if err := db.Add(entries...); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"manifest": manifestPath,
		"targets":  db.Names(),
	}).Info("Targets reloaded")
	return nil
}

// SliceSource replays a fixed list of frames.
type SliceSource struct {
	frames []vision.Frame
	next   int
}

// NewSliceSource returns a source yielding frames in order.
func NewSliceSource(frames ...vision.Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

func (s *SliceSource) Next(ctx context.Context) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

func (s *SliceSource) Close() error { return nil }

// Close releases the tracker and the source.
func (r *Runner) Close(ctx context.Context) error {
	err := r.tracker.Release(ctx)
	if errors.Is(err, tracker.ErrReleased) {
		err = nil
	}
	return errors.Join(err, r.source.Close())
}
