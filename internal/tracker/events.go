package tracker

import "image-tracker/internal/reference"

// EventType identifies tracker events.
type EventType int

const (
	// EventStateChanged fires on every state switch.
	EventStateChanged EventType = iota
	// EventTargetFound fires when a target enters Tracking.
	EventTargetFound
	// EventTargetLost fires when Tracking loses its target.
	EventTargetLost
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "statechanged"
	case EventTargetFound:
		return "targetfound"
	case EventTargetLost:
		return "targetlost"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners after the update that caused it.
type Event struct {
	Type      EventType
	From      StateName
	To        StateName
	Reference *reference.Image // Target found or lost; nil otherwise
}

// EventListener is called synchronously on the goroutine that ran the
// Update, Train or Reset causing the event, after that call has committed
// its result: State, Output and Stats already reflect the frame. The
// tracker is unlocked by then, so a listener may call any of its methods,
// including Reset, Release and the keypoint lookups. An Update made from a
// listener runs a new frame before the remaining listeners are called.
type EventListener func(Event)

// On registers a listener for an event type.
func (t *ImageTracker) On(event EventType, listener EventListener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners[event] = append(t.listeners[event], listener)
}

func (t *ImageTracker) emit(ev Event) {
	t.listenersMu.RLock()
	listeners := t.listeners[ev.Type]
	t.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(ev)
	}
}

// transitionEvents returns the events of a switch from -> to.
func transitionEvents(from, to StateName, target *reference.Image) []Event {
	events := []Event{{Type: EventStateChanged, From: from, To: to}}
	if to == StateTracking {
		events = append(events, Event{Type: EventTargetFound, From: from, To: to, Reference: target})
	}
	if from == StateTracking {
		events = append(events, Event{Type: EventTargetLost, From: from, To: to, Reference: target})
	}
	return events
}
