package tracker

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-tracker/internal/alignment"
	"image-tracker/internal/features"
	"image-tracker/internal/reference"
	"image-tracker/internal/vision"
	"image-tracker/internal/vision/visiontest"
	"image-tracker/pkg/geometry"
)

var frameSize = geometry.Size{Width: 640, Height: 480}

type testSession string

func (s testSession) ID() string { return string(s) }

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// newTestTracker returns an initialized tracker whose database holds the
// scenes, named target-0, target-1, ...
func newTestTracker(t *testing.T, scenes ...*visiontest.Scene) (*ImageTracker, *visiontest.Detector) {
	t.Helper()
	detector := visiontest.NewDetector(scenes...)
	tr, err := New(detector, vision.BruteForceMatcher{}, WithLogger(quietLogger()))
	require.NoError(t, err)
	for i, s := range scenes {
		require.NoError(t, tr.Database().Add(reference.Entry{
			Name:  fmt.Sprintf("target-%d", i),
			Image: s.Image,
		}))
	}
	require.NoError(t, tr.Init(context.Background(), testSession("test")))
	t.Cleanup(func() { _ = tr.Release(context.Background()) })
	return tr, detector
}

// moving shows scene under a similarity that drifts slowly with i.
func moving(scene *visiontest.Scene, i int) *visiontest.Frame {
	h := geometry.Similarity(0.05+0.004*float64(i), 0.9, 120+2*float64(i), 80+float64(i))
	return visiontest.NewFrame(scene, h, frameSize)
}

// run feeds frames and records the state after each update.
func run(t *testing.T, tr *ImageTracker, frames []vision.Frame) ([]StateName, []Output) {
	t.Helper()
	states := make([]StateName, 0, len(frames))
	outputs := make([]Output, 0, len(frames))
	for _, f := range frames {
		out, err := tr.Update(context.Background(), f)
		require.NoError(t, err)
		states = append(states, tr.State())
		outputs = append(outputs, out)
	}
	return states, outputs
}

func TestReachesTrackingAndReprojects(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 1)
	tr, _ := newTestTracker(t, scene)

	var frames []vision.Frame
	for i := 0; i < 10; i++ {
		frames = append(frames, moving(scene, i))
	}
	states, outputs := run(t, tr, frames)

	want := []StateName{
		StateTraining, StateScanning, StatePreTracking,
		StatePreTracking, StatePreTracking, StateTracking,
		StateTracking, StateTracking, StateTracking, StateTracking,
	}
	assert.Empty(t, cmp.Diff(want, states))

	screen := geometry.Size{Width: 320, Height: 240}
	refSize := geometry.Size{Width: 320, Height: 240}
	for i := 5; i < len(outputs); i++ {
		out := outputs[i]
		require.True(t, out.Visible(), "frame %d", i)
		require.Len(t, out.Exports.Trackables, 1)

		trackable := out.Exports.Trackables[0]
		assert.Equal(t, "target-0", trackable.ReferenceImage.Name())
		assert.Same(t, tr, out.Exports.Tracker)
		assert.Equal(t, screen, out.ScreenSize)
		require.NotNil(t, out.CameraMatrix)
		require.NotNil(t, out.Homography)
		assert.Len(t, out.Polyline, 4)

		want := visiontest.ScreenHomography(frames[i].(*visiontest.Frame), refSize, screen)
		k := out.Exports.Viewer.Intrinsics
		m := trackable.ReferenceImage.PhysicalSize().Width / refSize.Width
		for _, c := range geometry.Quad(refSize) {
			expected, ok := want.Apply(c)
			require.True(t, ok)
			plane := geometry.Point2D{X: (c.X - refSize.Width/2) * m, Y: (c.Y - refSize.Height/2) * m}
			got, ok := trackable.Pose.Project(k, plane)
			require.True(t, ok)
			assert.InDelta(t, 0, expected.Distance(got), 1.0, "frame %d corner %v", i, c)
		}
	}

	stats := tr.Stats()
	assert.Equal(t, int64(10), stats.Frames)
	assert.Equal(t, int64(5), stats.Visible)
	assert.Equal(t, int64(4), stats.Transitions)
	assert.Equal(t, "320x240 tracking", stats.String())
}

func TestBlankFramesFallBackToScanning(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 2)
	tr, _ := newTestTracker(t, scene)

	var frames []vision.Frame
	for i := 0; i < 7; i++ {
		frames = append(frames, moving(scene, i))
	}
	states, _ := run(t, tr, frames)
	require.Equal(t, StateTracking, states[len(states)-1])

	budget := tr.Settings().MaxConsecutiveFailures
	for i := 1; i <= budget+2; i++ {
		out, err := tr.Update(context.Background(), visiontest.BlankFrame(frameSize))
		require.NoError(t, err)
		assert.Nil(t, out.Exports, "blank frame %d", i)
		if i < budget {
			assert.Equal(t, StateTracking, tr.State(), "blank frame %d", i)
		} else {
			assert.Equal(t, StateScanning, tr.State(), "blank frame %d", i)
		}
	}
}

func TestPreTrackingGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 3)
	tr, _ := newTestTracker(t, scene)

	states, _ := run(t, tr, []vision.Frame{moving(scene, 0), moving(scene, 1), moving(scene, 2)})
	require.Equal(t, StatePreTracking, states[2])

	attempts := tr.Settings().PreTrackingMaxAttempts
	for i := 1; i <= attempts; i++ {
		out, err := tr.Update(context.Background(), visiontest.BlankFrame(frameSize))
		require.NoError(t, err)
		assert.Nil(t, out.Exports)
		if i < attempts {
			assert.Equal(t, StatePreTracking, tr.State(), "attempt %d", i)
		}
	}
	assert.Equal(t, StateScanning, tr.State())
}

func TestPreTrackingRejectsNonRigidTarget(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 6)
	tr, _ := newTestTracker(t, scene)

	// A strong shear: a consistent homography, but not one a camera
	// looking at a flat target produces.
	var frames []vision.Frame
	for i := 0; i < 14; i++ {
		h := geometry.Homography{{0.9, 0.55, 60 + 2*float64(i)}, {0, 0.9, 80 + float64(i)}, {0, 0, 1}}
		frames = append(frames, visiontest.NewFrame(scene, h, frameSize))
	}
	states, outputs := run(t, tr, frames)

	assert.NotContains(t, states, StateTracking)
	require.Equal(t, StatePreTracking, states[2])
	for i, out := range outputs {
		assert.Nil(t, out.Exports, "frame %d", i)
	}
	// The attempt budget runs out and the candidate is dropped.
	budget := tr.Settings().PreTrackingMaxAttempts
	assert.Equal(t, StateScanning, states[2+budget])
}

func TestPreTrackingFailureResetsConfirmation(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 4)
	tr, _ := newTestTracker(t, scene)

	blank := visiontest.BlankFrame(frameSize)
	frames := []vision.Frame{
		moving(scene, 0), moving(scene, 1), moving(scene, 2), // into Pre-Tracking
		moving(scene, 3), moving(scene, 4), blank, // two successes, then a failure
		moving(scene, 5), moving(scene, 6), moving(scene, 7),
	}
	states, outputs := run(t, tr, frames)
	assert.Equal(t, StatePreTracking, states[7])
	assert.Nil(t, outputs[7].Exports)
	assert.Equal(t, StateTracking, states[8])
	assert.True(t, outputs[8].Visible())
}

// scenario alternates between the target, clutter and blank frames.
func scenario(scene *visiontest.Scene) []vision.Frame {
	var frames []vision.Frame
	for i := 0; i < 8; i++ {
		frames = append(frames, moving(scene, i))
	}
	for i := 0; i < 5; i++ {
		frames = append(frames, &visiontest.Frame{Native: frameSize, Clutter: 200, Seed: int64(i)})
	}
	for i := 8; i < 16; i++ {
		f := moving(scene, i)
		f.Clutter = 60
		f.Seed = int64(100 + i)
		frames = append(frames, f)
	}
	for i := 0; i < 4; i++ {
		frames = append(frames, visiontest.BlankFrame(frameSize))
	}
	return frames
}

func TestStateSequenceIsRepeatable(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 5)
	first, _ := newTestTracker(t, scene)
	second, _ := newTestTracker(t, scene)

	a, _ := run(t, first, scenario(scene))
	b, _ := run(t, second, scenario(scene))
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("state sequences differ (-first +second):\n%s", diff)
	}
}

func TestTransitionsAndExports(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 6)
	tr, _ := newTestTracker(t, scene)

	var changes []Event
	tr.On(EventStateChanged, func(ev Event) { changes = append(changes, ev) })

	prev := tr.State()
	sawTracking := false
	for i, f := range scenario(scene) {
		out, err := tr.Update(context.Background(), f)
		require.NoError(t, err)
		now := tr.State()

		if out.Exports != nil {
			// Only the confirming Pre-Tracking frame and good Tracking frames export.
			assert.Contains(t, []StateName{StatePreTracking, StateTracking}, prev, "frame %d", i)
			assert.Equal(t, StateTracking, now, "frame %d", i)
			require.NotNil(t, out.Homography)
		}
		if now == StateInitial || now == StateTraining || now == StateScanning {
			assert.Nil(t, out.Exports, "frame %d in %s", i, now)
		}
		if now == StateTracking {
			sawTracking = true
		}
		prev = now
	}
	assert.True(t, sawTracking)

	require.NotEmpty(t, changes)
	for _, ev := range changes {
		assert.True(t, CanTransition(ev.From, ev.To), "%s -> %s", ev.From, ev.To)
		assert.False(t, ev.From == StateScanning && ev.To == StateTracking)
		assert.False(t, ev.From == StateTracking && ev.To == StatePreTracking)
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	assert.True(t, CanTransition(StateInitial, StateTraining))
	assert.True(t, CanTransition(StateTraining, StateScanning))
	assert.True(t, CanTransition(StateScanning, StatePreTracking))
	assert.True(t, CanTransition(StatePreTracking, StateTracking))
	assert.True(t, CanTransition(StatePreTracking, StateScanning))
	assert.True(t, CanTransition(StateTracking, StateScanning))

	assert.False(t, CanTransition(StateScanning, StateTracking))
	assert.False(t, CanTransition(StateTracking, StatePreTracking))
	assert.False(t, CanTransition(StateInitial, StateScanning))
	assert.False(t, CanTransition(StateName(42), StateInitial))
	assert.Equal(t, "pre-tracking", StatePreTracking.String())
}

func TestEvents(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 7)
	tr, _ := newTestTracker(t, scene)

	var found, lost []Event
	tr.On(EventTargetFound, func(ev Event) { found = append(found, ev) })
	tr.On(EventTargetLost, func(ev Event) { lost = append(lost, ev) })

	var frames []vision.Frame
	for i := 0; i < 6; i++ {
		frames = append(frames, moving(scene, i))
	}
	for i := 0; i < 3; i++ {
		frames = append(frames, visiontest.BlankFrame(frameSize))
	}
	run(t, tr, frames)

	require.Len(t, found, 1)
	assert.Equal(t, "target-0", found[0].Reference.Name())
	assert.Equal(t, StatePreTracking, found[0].From)
	require.Len(t, lost, 1)
	assert.Equal(t, "target-0", lost[0].Reference.Name())
	assert.Equal(t, StateScanning, lost[0].To)
}

func TestListenersMayCallBackIntoTracker(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 8)
	tr, _ := newTestTracker(t, scene)

	var (
		calls   int
		refIdx  int
		refName string
		state   StateName
		visible bool
	)
	tr.On(EventTargetFound, func(Event) {
		calls++
		refIdx = tr.ReferenceIndexOfKeypoint(0)
		if img := tr.ReferenceImageOfKeypoint(0); img != nil {
			refName = img.Name()
		}
		_, ok := tr.ReferenceKeypoint(0)
		assert.True(t, ok)
		state = tr.State()
		visible = tr.Output().Visible()
		tr.Reset()
	})

	for i := 0; i < 6; i++ {
		_, err := tr.Update(context.Background(), moving(scene, i))
		require.NoError(t, err)
	}

	require.Equal(t, 1, calls)
	assert.Equal(t, 0, refIdx)
	assert.Equal(t, "target-0", refName)
	assert.Equal(t, StateTracking, state)
	assert.True(t, visible)
	assert.Equal(t, StateInitial, tr.State())
	assert.False(t, tr.Database().Locked())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Release(ctx))
}

func TestEmptyFramesCountAsFailures(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 9)
	tr, _ := newTestTracker(t, scene)

	empty := visiontest.BlankFrame(geometry.Size{})
	out, err := tr.Update(context.Background(), empty)
	require.NoError(t, err)
	assert.Nil(t, out.Exports)
	assert.Equal(t, geometry.Size{Width: 320, Height: 240}, tr.ScreenSize())

	for i := 0; i < 6; i++ {
		_, err := tr.Update(context.Background(), moving(scene, i))
		require.NoError(t, err)
	}
	require.Equal(t, StateTracking, tr.State())

	budget := tr.Settings().MaxConsecutiveFailures
	for i := 1; i <= budget; i++ {
		out, err := tr.Update(context.Background(), empty)
		require.NoError(t, err, "empty frame %d", i)
		assert.Nil(t, out.Exports, "empty frame %d", i)
		assert.Equal(t, geometry.Size{Width: 320, Height: 240}, out.ScreenSize)
	}
	assert.Equal(t, StateScanning, tr.State())
}

func TestTracksTheVisibleTarget(t *testing.T) {
	t.Parallel()

	poster := visiontest.NewScene(400, 300, 150, 8)
	card := visiontest.NewScene(300, 400, 150, 9)
	tr, _ := newTestTracker(t, poster, card)

	var frames []vision.Frame
	for i := 0; i < 7; i++ {
		frames = append(frames, visiontest.NewFrame(card, geometry.Similarity(-0.1, 0.8, 200+float64(i), 60), frameSize))
	}
	_, outputs := run(t, tr, frames)
	last := outputs[len(outputs)-1]
	require.True(t, last.Visible())
	assert.Equal(t, "target-1", last.Exports.Trackables[0].ReferenceImage.Name())

	img := tr.ReferenceImageOfKeypoint(150)
	require.NotNil(t, img)
	assert.Equal(t, "target-1", img.Name())
	assert.Equal(t, 0, tr.ReferenceIndexOfKeypoint(149))
	assert.Equal(t, -1, tr.ReferenceIndexOfKeypoint(300))
	kp, ok := tr.ReferenceKeypoint(0)
	require.True(t, ok)
	assert.Equal(t, 0, kp.Reference)
}

func TestScreenSizeChangeWhileTracking(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 10)
	tr, _ := newTestTracker(t, scene)

	var frames []vision.Frame
	for i := 0; i < 7; i++ {
		frames = append(frames, moving(scene, i))
	}
	run(t, tr, frames)
	require.Equal(t, StateTracking, tr.State())

	larger := geometry.Size{Width: 480, Height: 360}
	out, err := tr.UpdateWithScreenSize(context.Background(), moving(scene, 7), larger)
	require.NoError(t, err)
	assert.True(t, out.Visible())
	assert.Equal(t, larger, tr.ScreenSize())
	assert.Equal(t, StateTracking, tr.State())
}

func TestEmptyDatabase(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	for i := 0; i < 3; i++ {
		out, err := tr.Update(context.Background(), visiontest.BlankFrame(frameSize))
		require.NoError(t, err)
		assert.Nil(t, out.Exports)
		assert.Equal(t, StateInitial, tr.State())
	}

	err := tr.Train(context.Background())
	assert.ErrorIs(t, err, reference.ErrEmptyDatabase)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Nil(t, tr.ReferenceImageOfKeypoint(0))
}

func TestTrainingFailureIsSticky(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 11)
	tr, _ := newTestTracker(t, scene)
	require.NoError(t, tr.Database().Add(reference.Entry{Name: "plain", Image: image.NewGray(image.Rect(0, 0, 50, 50))}))

	frame := moving(scene, 0)
	_, err := tr.Update(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, StateTraining, tr.State())

	for i := 0; i < 2; i++ {
		_, err = tr.Update(context.Background(), frame)
		assert.ErrorIs(t, err, features.ErrNoKeypoints)
		assert.Equal(t, StateTraining, tr.State())
	}
	assert.ErrorIs(t, tr.Database().Remove("plain"), reference.ErrDatabaseLocked)

	tr.Reset()
	assert.Equal(t, StateInitial, tr.State())
	require.NoError(t, tr.Database().Remove("plain"))
	require.NoError(t, tr.Train(context.Background()))
	assert.Equal(t, StateScanning, tr.State())
	assert.ErrorIs(t, tr.Train(context.Background()), ErrIllegalOperation)
}

func TestConfigurationIsFixedAfterTraining(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 12)
	tr, _ := newTestTracker(t, scene)

	err := tr.SetResolution("huge")
	assert.ErrorIs(t, err, vision.ErrInvalidResolution)
	assert.ErrorIs(t, err, ErrConfiguration)

	require.NoError(t, tr.SetResolution(vision.ResolutionMD))
	assert.Equal(t, vision.ResolutionMD, tr.Resolution())

	require.NoError(t, tr.Train(context.Background()))
	assert.ErrorIs(t, tr.SetResolution(vision.ResolutionSM), ErrIllegalOperation)
	assert.ErrorIs(t, tr.Database().Add(reference.Entry{Name: "late", Image: scene.Image}), reference.ErrDatabaseLocked)

	out, err := tr.Update(context.Background(), moving(scene, 0))
	require.NoError(t, err)
	assert.Equal(t, geometry.Size{Width: 426, Height: 320}, out.ScreenSize)
}

func TestConcurrentUpdateIsRejected(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 13)
	tr, detector := newTestTracker(t, scene)
	require.NoError(t, tr.Train(context.Background()))

	started, release := detector.Hold()
	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = tr.Update(context.Background(), moving(scene, 0))
	}()
	<-started

	_, err := tr.Update(context.Background(), moving(scene, 0))
	assert.ErrorIs(t, err, ErrUpdateInProgress)
	assert.ErrorIs(t, tr.Train(context.Background()), ErrUpdateInProgress)

	release()
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, StatePreTracking, tr.State())
	assert.Equal(t, int64(1), tr.Stats().Frames)
}

func TestReleaseCancelsInFlightUpdate(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 14)
	tr, detector := newTestTracker(t, scene)
	require.NoError(t, tr.Train(context.Background()))

	started, release := detector.Hold()
	defer release()
	done := make(chan error, 1)
	go func() {
		_, err := tr.Update(context.Background(), moving(scene, 0))
		done <- err
	}()
	<-started

	require.NoError(t, tr.Release(context.Background()))
	assert.ErrorIs(t, <-done, context.Canceled)

	_, err := tr.Update(context.Background(), moving(scene, 1))
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, tr.Release(context.Background()), ErrReleased)
	assert.Nil(t, tr.ReferenceImageOfKeypoint(0))
}

func TestLifecycleErrors(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 15)
	detector := visiontest.NewDetector(scene)

	_, err := New(nil, vision.BruteForceMatcher{})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = New(detector, vision.BruteForceMatcher{}, WithSettings(DefaultSettings().WithFailureBudget(0)))
	assert.ErrorIs(t, err, ErrInvalidSettings)

	tr, err := New(detector, vision.BruteForceMatcher{}, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, TrackerType, tr.Type())
	assert.NotEmpty(t, tr.ID())

	_, err = tr.Update(context.Background(), moving(scene, 0))
	assert.ErrorIs(t, err, ErrUninitialized)

	require.NoError(t, tr.Init(context.Background(), testSession("s")))
	assert.ErrorIs(t, tr.Init(context.Background(), testSession("s")), ErrAlreadyInitialized)

	_, err = tr.Update(context.Background(), nil)
	assert.ErrorIs(t, err, ErrIllegalOperation)
	_, err = tr.UpdateWithScreenSize(context.Background(), moving(scene, 0), geometry.Size{})
	assert.ErrorIs(t, err, ErrIllegalOperation)

	require.NoError(t, tr.Release(context.Background()))
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultSettings().Validate())

	tests := []struct {
		name   string
		modify func(*Settings)
	}{
		{"resolution", func(s *Settings) { s.Resolution = "huge" }},
		{"match ratio", func(s *Settings) { s.MatchRatio = 1.5 }},
		{"min inliers", func(s *Settings) { s.ScanMinInliers = 3 }},
		{"confirmation window", func(s *Settings) { *s = s.WithConfirmation(5, 4) }},
		{"field of view", func(s *Settings) { s.VerticalFOV = 180 }},
		{"limits", func(s *Settings) { s.Limits = alignment.Limits{MaxCondition: 0.5} }},
		{"ransac", func(s *Settings) { s.Ransac.Confidence = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.modify(&s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidSettings)
		})
	}
}
