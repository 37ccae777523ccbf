package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"image-tracker/internal/features"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// trainingState builds the feature index. A failed training sticks until
// the tracker is reset; a cancelled one is retried on the next update.
type trainingState struct {
	err error
}

func (s *trainingState) enter(handoff) { s.err = nil }
func (s *trainingState) leave()        {}
func (s *trainingState) release()      { s.err = nil }

func (s *trainingState) update(e *env, _ vision.Frame, screenSize geometry.Size) (Output, *transition, error) {
	out := Output{ScreenSize: screenSize}
	if s.err != nil {
		return out, nil, s.err
	}

	if err := e.db.Lock(); err != nil {
		s.err = err
		return out, nil, err
	}

	start := time.Now()
	index, err := features.Train(e.ctx, e.db, e.detector, e.matcher, features.TrainOptions{
		Resolution:   e.settings.Resolution,
		MaxKeypoints: e.settings.MaxKeypoints,
		Concurrency:  e.settings.TrainingConcurrency,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.db.Unlock()
			return out, nil, err
		}
		s.err = err
		e.log.WithError(err).Error("Training failed")
		return out, nil, err
	}

	e.index = index
	e.log.WithFields(logrus.Fields{
		"references": index.ReferenceCount(),
		"keypoints":  index.Len(),
		"elapsed":    time.Since(start).Round(time.Millisecond),
	}).Info("Training complete")

	return out, &transition{next: StateScanning}, nil
}
