package tracker

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"image-tracker/internal/reference"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// machine holds exactly one active state and owns the transition rules.
type machine struct {
	active  StateName
	states  [numStates]handler
	tracked *reference.Image
}

func newMachine() *machine {
	return &machine{
		active: StateInitial,
		states: [numStates]handler{
			StateInitial:     &initialState{},
			StateTraining:    &trainingState{},
			StateScanning:    newScanningState(),
			StatePreTracking: &preTrackingState{},
			StateTracking:    &trackingState{},
		},
	}
}

// step runs the active state on one frame and applies the transition it
// requests. Events describe the switch, if any.
func (m *machine) step(e *env, frame vision.Frame, screenSize geometry.Size) (Output, []Event, error) {
	from := m.active
	out, tr, err := m.states[from].update(e, frame, screenSize)
	if err != nil || tr == nil || tr.next == from {
		return out, nil, err
	}
	if !CanTransition(from, tr.next) {
		return out, nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, tr.next)
	}
	return out, m.switchTo(e, tr.next, tr.handoff), nil
}

func (m *machine) switchTo(e *env, next StateName, h handoff) []Event {
	from := m.active
	var target *reference.Image
	switch {
	case next == StateTracking:
		target = e.index.Reference(h.reference)
	case from == StateTracking:
		target = m.tracked
	}

	m.states[from].leave()
	m.active = next
	m.states[next].enter(h)

	m.tracked = nil
	if next == StateTracking {
		m.tracked = target
	}

	fields := logrus.Fields{"from": from.String(), "to": next.String()}
	if target != nil {
		fields["reference"] = target.Name()
	}
	e.log.WithFields(fields).Info("State changed")

	return transitionEvents(from, next, target)
}

// reset returns to Initial from any state.
func (m *machine) reset(e *env) []Event {
	if m.active == StateInitial {
		return nil
	}
	return m.switchTo(e, StateInitial, handoff{})
}

// release frees the buffers of every state.
func (m *machine) release() {
	for _, s := range m.states {
		s.release()
	}
	m.tracked = nil
}
