// Package tracker implements the planar image tracker: a state machine
// that trains on a database of reference images, scans frames for them,
// verifies a candidate and then tracks it, reporting its pose every frame.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"image-tracker/internal/features"
	"image-tracker/internal/reference"
	"image-tracker/internal/vision"
	"image-tracker/pkg/geometry"
)

// TrackerType is the type name reported by Type.
const TrackerType = "image-tracker"

// defaultAspectRatio sizes the screen of an empty first frame.
const defaultAspectRatio = 4.0 / 3.0

// Session is the runtime that drives the tracker.
type Session interface {
	ID() string
}

// Option configures an ImageTracker.
type Option func(*ImageTracker)

// WithLogger sets the parent log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(t *ImageTracker) {
		t.log = log
	}
}

// WithSettings replaces the default settings. Invalid settings make New
// fail.
func WithSettings(s Settings) Option {
	return func(t *ImageTracker) {
		t.settings = s
	}
}

// WithDatabase uses db instead of a fresh, empty database.
func WithDatabase(db *reference.Database) Option {
	return func(t *ImageTracker) {
		t.db = db
	}
}

// Stats summarizes the activity of a tracker.
type Stats struct {
	State       StateName     `json:"state"`
	ScreenSize  geometry.Size `json:"screen_size"`
	Frames      int64         `json:"frames"`
	Visible     int64         `json:"visible"`
	Transitions int64         `json:"transitions"`
	LastUpdate  time.Duration `json:"last_update"`
}

func (s Stats) String() string {
	return fmt.Sprintf("%gx%g %s", s.ScreenSize.Width, s.ScreenSize.Height, s.State)
}

// ImageTracker tracks one reference image at a time. Update must be
// called once per frame; a call made while another is running is rejected
// with ErrUpdateInProgress.
type ImageTracker struct {
	id       string
	log      *logrus.Entry
	db       *reference.Database
	detector vision.Detector
	matcher  vision.Matcher

	// updateMu is held for the whole of an update, training or teardown.
	updateMu sync.Mutex
	machine  *machine
	env      env

	mu       sync.RWMutex
	settings Settings
	session  Session
	output   Output
	stats    Stats
	cancel   context.CancelFunc
	released bool

	listenersMu sync.RWMutex
	listeners   map[EventType][]EventListener
}

// New creates a tracker in the Initial state.
func New(detector vision.Detector, matcher vision.Matcher, opts ...Option) (*ImageTracker, error) {
	if detector == nil || matcher == nil {
		return nil, fmt.Errorf("%w: detector and matcher are required", ErrConfiguration)
	}
	t := &ImageTracker{
		id:        uuid.NewString(),
		detector:  detector,
		matcher:   matcher,
		settings:  DefaultSettings(),
		machine:   newMachine(),
		listeners: make(map[EventType][]EventListener),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.settings.Validate(); err != nil {
		return nil, err
	}
	if t.db == nil {
		t.db = reference.NewDatabase()
	}
	if t.log == nil {
		t.log = logrus.NewEntry(logrus.StandardLogger())
	}
	t.log = t.log.WithFields(logrus.Fields{"component": "tracker", "tracker": t.id})

	t.env = env{
		owner:     t,
		db:        t.db,
		detector:  detector,
		matcher:   matcher,
		log:       t.log,
		sometimes: &rate.Sometimes{First: 3, Interval: 5 * time.Second},
		arena:     &arena{},
	}
	return t, nil
}

// Type returns TrackerType.
func (t *ImageTracker) Type() string { return TrackerType }

// ID returns the unique id of this tracker instance.
func (t *ImageTracker) ID() string { return t.id }

// Database returns the reference image database. It accepts changes until
// training starts.
func (t *ImageTracker) Database() *reference.Database { return t.db }

// State returns the name of the active state.
func (t *ImageTracker) State() StateName {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats.State
}

// Resolution returns the working resolution.
func (t *ImageTracker) Resolution() vision.Resolution {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.settings.Resolution
}

// SetResolution changes the working resolution. It fails once training has
// started.
func (t *ImageTracker) SetResolution(r vision.Resolution) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %w %q", ErrConfiguration, vision.ErrInvalidResolution, r)
	}
	return t.SetSettings(t.Settings().WithResolution(r))
}

// Settings returns a copy of the settings.
func (t *ImageTracker) Settings() Settings {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.settings
}

// SetSettings replaces the settings. It fails once training has started.
func (t *ImageTracker) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return ErrReleased
	}
	if t.stats.State != StateInitial {
		return fmt.Errorf("%w: %w: settings are fixed once training has started", ErrConfiguration, ErrIllegalOperation)
	}
	t.settings = s
	return nil
}

// Init binds the tracker to the session that will drive it.
func (t *ImageTracker) Init(ctx context.Context, session Session) error {
	if session == nil {
		return fmt.Errorf("%w: nil session", ErrIllegalOperation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return ErrReleased
	}
	if t.session != nil {
		return ErrAlreadyInitialized
	}
	t.session = session
	t.log = t.log.WithField("session", session.ID())
	t.env.log = t.log
	t.log.Debug("Tracker initialized")
	return nil
}

// Update runs one frame through the active state. The screen size follows
// from the working resolution and the frame's aspect ratio.
func (t *ImageTracker) Update(ctx context.Context, frame vision.Frame) (Output, error) {
	if frame == nil {
		return Output{}, fmt.Errorf("%w: nil frame", ErrIllegalOperation)
	}
	var screenSize geometry.Size
	if size := frame.Size(); size.IsZero() {
		// No aspect ratio to go by: keep the last screen size. The
		// detector rejects the frame and the state counts a failure.
		screenSize = t.ScreenSize()
		if screenSize.IsZero() {
			screenSize = t.Resolution().ScreenSize(defaultAspectRatio)
		}
	} else {
		screenSize = t.Resolution().ScreenSizeOf(size)
	}
	return t.UpdateWithScreenSize(ctx, frame, screenSize)
}

// UpdateWithScreenSize runs one frame with an explicit screen size. Frame
// level failures never surface here: they only steer the state machine.
// Errors are returned for misuse, cancellation and failed training.
func (t *ImageTracker) UpdateWithScreenSize(ctx context.Context, frame vision.Frame, screenSize geometry.Size) (Output, error) {
	if !t.updateMu.TryLock() {
		return Output{}, ErrUpdateInProgress
	}
	var events []Event
	defer t.unlockAndEmit(&events)

	if frame == nil {
		return Output{}, fmt.Errorf("%w: nil frame", ErrIllegalOperation)
	}
	if screenSize.IsZero() {
		return Output{}, fmt.Errorf("%w: empty screen size", ErrIllegalOperation)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	switch {
	case t.released:
		t.mu.Unlock()
		return Output{}, ErrReleased
	case t.session == nil:
		t.mu.Unlock()
		return Output{}, ErrUninitialized
	}
	t.cancel = cancel
	t.env.settings = t.settings
	t.mu.Unlock()

	start := time.Now()
	t.env.ctx = ctx
	out, stepped, err := t.machine.step(&t.env, frame, screenSize)
	events = stepped
	t.env.ctx = nil
	elapsed := time.Since(start)

	t.mu.Lock()
	t.cancel = nil
	t.output = out
	t.stats.State = t.machine.active
	t.stats.ScreenSize = screenSize
	t.stats.Frames++
	if out.Visible() {
		t.stats.Visible++
	}
	t.stats.Transitions += int64(countStateChanges(events))
	t.stats.LastUpdate = elapsed
	t.mu.Unlock()
	return out, err
}

// Train runs the training step immediately instead of on the next
// updates. The database must not be empty.
func (t *ImageTracker) Train(ctx context.Context) error {
	if !t.updateMu.TryLock() {
		return ErrUpdateInProgress
	}
	var events []Event
	defer t.unlockAndEmit(&events)

	t.mu.RLock()
	released, settings := t.released, t.settings
	t.mu.RUnlock()
	if released {
		return ErrReleased
	}
	t.env.settings = settings

	t.env.ctx = ctx
	defer func() { t.env.ctx = nil }()

	switch t.machine.active {
	case StateInitial:
		if t.db.Len() == 0 {
			return reference.ErrEmptyDatabase
		}
		events = append(events, t.machine.switchTo(&t.env, StateTraining, handoff{})...)
	case StateTraining:
	default:
		return fmt.Errorf("%w: already trained", ErrIllegalOperation)
	}

	_, more, err := t.machine.step(&t.env, nil, geometry.Size{})
	events = append(events, more...)

	t.mu.Lock()
	t.stats.State = t.machine.active
	t.stats.Transitions += int64(countStateChanges(events))
	t.mu.Unlock()
	return err
}

// Reset discards the trained index and returns to Initial. The database
// becomes writable again. An update in progress is waited for.
func (t *ImageTracker) Reset() {
	t.updateMu.Lock()
	var events []Event
	defer t.unlockAndEmit(&events)

	events = t.machine.reset(&t.env)
	t.dropIndex()

	t.mu.Lock()
	t.output = Output{}
	t.stats.State = t.machine.active
	t.stats.Transitions += int64(countStateChanges(events))
	t.mu.Unlock()
}

// unlockAndEmit releases updateMu, then delivers the events collected
// while it was held, so listeners may call back into the tracker.
func (t *ImageTracker) unlockAndEmit(events *[]Event) {
	t.updateMu.Unlock()
	for _, ev := range *events {
		t.emit(ev)
	}
}

// Release tears the tracker down. An update in progress is cancelled and
// waited for before the feature index is freed. Later calls fail with
// ErrReleased.
func (t *ImageTracker) Release(ctx context.Context) error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return ErrReleased
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	locked := make(chan struct{})
	go func() {
		t.updateMu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		go func() {
			<-locked
			t.updateMu.Unlock()
		}()
		return ctx.Err()
	}
	defer t.updateMu.Unlock()

	t.machine.release()
	t.dropIndex()

	t.mu.Lock()
	t.released = true
	t.session = nil
	t.output = Output{}
	t.mu.Unlock()

	t.log.Debug("Tracker released")
	return nil
}

// dropIndex closes the feature index and unlocks the database. updateMu
// must be held.
func (t *ImageTracker) dropIndex() {
	if t.env.index != nil {
		if err := t.env.index.Close(); err != nil {
			t.log.WithError(err).Warn("Failed to close feature index")
		}
		t.env.index = nil
	}
	t.db.Unlock()
}

// Output returns the output of the last update.
func (t *ImageTracker) Output() Output {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.output
}

// ScreenSize returns the screen size of the last update.
func (t *ImageTracker) ScreenSize() geometry.Size {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats.ScreenSize
}

// Stats returns activity counters.
func (t *ImageTracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// trainedIndex returns the trained index, or nil, with updateMu held until
// the returned func is called.
func (t *ImageTracker) trainedIndex() (*features.Index, func()) {
	t.updateMu.Lock()
	return t.env.index, t.updateMu.Unlock
}

// ReferenceImageOfKeypoint returns the reference image owning trained
// keypoint i, or nil.
func (t *ImageTracker) ReferenceImageOfKeypoint(i int) *reference.Image {
	index, unlock := t.trainedIndex()
	defer unlock()
	if index == nil {
		return nil
	}
	return index.Reference(index.ReferenceIndexOf(i))
}

// ReferenceIndexOfKeypoint returns the database index of the reference
// image owning trained keypoint i, or -1.
func (t *ImageTracker) ReferenceIndexOfKeypoint(i int) int {
	index, unlock := t.trainedIndex()
	defer unlock()
	if index == nil {
		return -1
	}
	return index.ReferenceIndexOf(i)
}

// ReferenceKeypoint returns trained keypoint i.
func (t *ImageTracker) ReferenceKeypoint(i int) (features.TrainedKeypoint, bool) {
	index, unlock := t.trainedIndex()
	defer unlock()
	if index == nil {
		return features.TrainedKeypoint{}, false
	}
	return index.Keypoint(i)
}

func countStateChanges(events []Event) int {
	n := 0
	for _, ev := range events {
		if ev.Type == EventStateChanged {
			n++
		}
	}
	return n
}
