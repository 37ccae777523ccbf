package tracker

import (
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// initialState waits for the reference database to be populated.
type initialState struct{}

func (s *initialState) enter(handoff) {}
func (s *initialState) leave()        {}
func (s *initialState) release()      {}

func (s *initialState) update(e *env, _ vision.Frame, screenSize geometry.Size) (Output, *transition, error) {
	out := Output{ScreenSize: screenSize}
	if e.db.Len() == 0 {
		return out, nil, nil
	}
	return out, &transition{next: StateTraining}, nil
}
