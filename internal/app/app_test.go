package app

import (
	"context"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-tracker/internal/project"
	"image-tracker/internal/reference"
	"image-tracker/internal/stream"
	"image-tracker/internal/tracker"
	"image-tracker/internal/vision"
	"image-tracker/internal/vision/visiontest"
	"image-tracker/pkg/geometry"
)

type recorder struct {
	mu       sync.Mutex
	messages []stream.Message
}

func (r *recorder) Publish(m stream.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return nil
}

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTracker(t *testing.T, scenes ...*visiontest.Scene) *tracker.ImageTracker {
	t.Helper()
	tr, err := tracker.New(visiontest.NewDetector(scenes...), vision.BruteForceMatcher{}, tracker.WithLogger(quietLogger()))
	require.NoError(t, err)
	for i, s := range scenes {
		require.NoError(t, tr.Database().Add(reference.Entry{Name: []string{"poster", "card"}[i], Image: s.Image}))
	}
	return tr
}

func TestRunnerPublishesEveryFrame(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 21)
	tr := newTracker(t, scene)

	var frames []vision.Frame
	for i := 0; i < 8; i++ {
		h := geometry.Similarity(0.02*float64(i), 0.9, 100+float64(i), 90)
		frames = append(frames, visiontest.NewFrame(scene, h, geometry.Size{Width: 640, Height: 480}))
	}

	rec := &recorder{}
	runner, err := NewRunner(context.Background(), tr, NewSliceSource(frames...), quietLogger(), WithPublisher(rec), WithStatsInterval(0))
	require.NoError(t, err)
	assert.NotEmpty(t, runner.ID())

	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, int64(8), runner.Frames())
	require.Len(t, rec.messages, 8)

	last := rec.messages[7]
	assert.Equal(t, int64(8), last.Frame)
	assert.Equal(t, "tracking", last.State)
	require.Len(t, last.Trackables, 1)
	assert.Equal(t, "poster", last.Trackables[0].Reference)
	assert.Empty(t, rec.messages[0].Trackables)

	require.NoError(t, runner.Close(context.Background()))
	_, err = tr.Update(context.Background(), frames[0])
	assert.ErrorIs(t, err, tracker.ErrReleased)
	assert.NoError(t, runner.Close(context.Background()))
}

func TestRunnerStopsOnCancel(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, visiontest.NewScene(100, 100, 40, 22))
	runner, err := NewRunner(context.Background(), tr, NewSliceSource(visiontest.BlankFrame(geometry.Size{Width: 64, Height: 48})), quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, runner.Run(ctx), context.Canceled)
}

func TestRunnerKeepsGoingAfterTrainingFailure(t *testing.T) {
	t.Parallel()

	tr := newTracker(t)
	require.NoError(t, tr.Database().Add(reference.Entry{Name: "plain", Image: image.NewGray(image.Rect(0, 0, 32, 32))}))

	blank := visiontest.BlankFrame(geometry.Size{Width: 64, Height: 48})
	runner, err := NewRunner(context.Background(), tr, NewSliceSource(blank, blank, blank, blank), quietLogger())
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, int64(4), runner.Frames())
	assert.Equal(t, tracker.StateTraining, tr.State())
}

func writeManifest(t *testing.T, dir string, names ...string) string {
	t.Helper()
	path := filepath.Join(dir, "targets.json")
	m := project.New("test")
	for _, name := range names {
		img := filepath.Join(dir, name+".png")
		f, err := os.Create(img)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, 24, 16))))
		require.NoError(t, f.Close())
		m.AddTarget(path, name, img, 0.3)
	}
	require.NoError(t, m.Save(path))
	return path
}

func TestRunnerReload(t *testing.T) {
	t.Parallel()

	scene := visiontest.NewScene(400, 300, 150, 23)
	tr := newTracker(t, scene)
	runner, err := NewRunner(context.Background(), tr, NewSliceSource(), quietLogger())
	require.NoError(t, err)
	require.NoError(t, tr.Train(context.Background()))
	require.Equal(t, tracker.StateScanning, tr.State())

	path := writeManifest(t, t.TempDir(), "left", "right")
	require.NoError(t, runner.Reload(path))
	assert.Equal(t, tracker.StateInitial, tr.State())
	assert.Equal(t, []string{"left", "right"}, tr.Database().Names())

	// A broken manifest leaves the current targets alone.
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 1}`), 0o644))
	assert.Error(t, runner.Reload(path))
	assert.Equal(t, []string{"left", "right"}, tr.Database().Names())

	// So does one whose entries the database rejects.
	blank := writeManifest(t, t.TempDir(), " ")
	assert.ErrorIs(t, runner.Reload(blank), reference.ErrInvalidReference)
	assert.Equal(t, []string{"left", "right"}, tr.Database().Names())
}

func TestWatcher(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "targets.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	w, err := NewWatcher(path, 10*time.Millisecond)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	assert.Equal(t, resolved, w.Path())

	changed := make(chan struct{}, 4)
	w.OnChange(func() { changed <- struct{}{} })
	w.Start()
	defer w.Stop()

	select {
	case <-changed:
		t.Fatal("callback before any change")
	case <-time.After(50 * time.Millisecond):
	}

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("change not detected")
	}

	// The baseline moved: no second callback for the same change.
	select {
	case <-changed:
		t.Fatal("change reported twice")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = NewWatcher(filepath.Join(t.TempDir(), "missing.json"), time.Second)
	assert.Error(t, err)
}
