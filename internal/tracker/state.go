package tracker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"image-tracker/internal/alignment"
	"image-tracker/internal/features"
	"image-tracker/internal/reference"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// StateName identifies a tracking phase.
type StateName int

const (
	StateInitial StateName = iota
	StateTraining
	StateScanning
	StatePreTracking
	StateTracking

	numStates
)

var stateNames = [numStates]string{
	StateInitial:     "initial",
	StateTraining:    "training",
	StateScanning:    "scanning",
	StatePreTracking: "pre-tracking",
	StateTracking:    "tracking",
}

func (s StateName) String() string {
	if s < 0 || s >= numStates {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s StateName) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists, per state, the states it may switch to. Re-acquisition
// always goes through Scanning.
var transitions = [numStates][]StateName{
	StateInitial:     {StateTraining},
	StateTraining:    {StateScanning},
	StateScanning:    {StatePreTracking},
	StatePreTracking: {StateTracking, StateScanning},
	StateTracking:    {StateScanning},
}

// CanTransition reports whether the machine may switch from one state to
// another in a single update.
func CanTransition(from, to StateName) bool {
	if from < 0 || from >= numStates {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// handoff is the configuration passed from a state to the next one.
type handoff struct {
	reference  int
	homography geometry.Homography // Trained reference space to screen
	screenSize geometry.Size
	pose       alignment.Pose
	matches    int
}

// transition is what an update asks of the machine. A nil transition
// keeps the current state.
type transition struct {
	next    StateName
	handoff handoff
}

// handler is one tracking phase. Handlers are created once per tracker and
// reused; enter resets their per-phase buffers.
type handler interface {
	enter(h handoff)
	leave()
	update(e *env, frame vision.Frame, screenSize geometry.Size) (Output, *transition, error)
	release()
}

// env is the context every state update runs in.
type env struct {
	ctx       context.Context
	owner     *ImageTracker
	settings  Settings
	db        *reference.Database
	index     *features.Index
	detector  vision.Detector
	matcher   vision.Matcher
	log       *logrus.Entry
	sometimes *rate.Sometimes
	arena     *arena
}

// frameFailure logs a recoverable per-frame failure, throttled.
func (e *env) frameFailure(state StateName, err error) {
	e.sometimes.Do(func() {
		e.log.WithFields(logrus.Fields{"state": state.String()}).WithError(err).Debug("frame failed")
	})
}

// rescale maps a screen-space homography to a new screen size.
func rescale(h geometry.Homography, from, to geometry.Size) geometry.Homography {
	if from == to || from.IsZero() {
		return h
	}
	return geometry.Scaling(to.Width/from.Width, to.Height/from.Height).Mul(h)
}
