package project

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-tracker/internal/reference"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x ^ y)})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestSaveLoadPopulate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "images"), 0o755))
	writePNG(t, filepath.Join(dir, "images", "poster.png"), 64, 48)
	writePNG(t, filepath.Join(dir, "images", "card.png"), 30, 40)

	path := filepath.Join(dir, "targets.json")
	m := New("lobby")
	m.AddTarget(path, "poster", filepath.Join(dir, "images", "poster.png"), 0.6)
	m.AddTarget(path, "card", filepath.Join(dir, "images", "card.png"), 0)
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lobby", loaded.Name)
	require.Len(t, loaded.Targets, 2)
	assert.Equal(t, filepath.Join("images", "poster.png"), loaded.Targets[0].Image)
	assert.Equal(t, filepath.Join(dir, "images", "card.png"), loaded.ImagePath(path, loaded.Targets[1]))

	db := reference.NewDatabase()
	require.NoError(t, loaded.Populate(path, db))
	assert.Equal(t, []string{"poster", "card"}, db.Names())
	poster, ok := db.Find("poster")
	require.True(t, ok)
	assert.InDelta(t, 0.45, poster.PhysicalSize().Height, 1e-9)
}

func TestPopulateIsAllOrNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 20, 20)
	path := filepath.Join(dir, "targets.json")

	m := New("broken")
	m.AddTarget(path, "a", filepath.Join(dir, "a.png"), 0)
	m.AddTarget(path, "b", filepath.Join(dir, "missing.png"), 0)

	db := reference.NewDatabase()
	assert.Error(t, m.Populate(path, db))
	assert.Zero(t, db.Len())
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		is   error
	}{
		{"newer version", `{"version": 9, "name": "x", "targets": []}`, ErrUnsupportedVersion},
		{"missing name", `{"version": 1, "targets": []}`, reference.ErrConfiguration},
		{"target without image", `{"version": 1, "name": "x", "targets": [{"name": "a"}]}`, reference.ErrConfiguration},
		{"negative width", `{"version": 1, "name": "x", "targets": [{"name": "a", "image": "a.png", "physical_width": -1}]}`, reference.ErrConfiguration},
		{"duplicate", `{"version": 1, "name": "x", "targets": [{"name": "a", "image": "a.png"}, {"name": "a", "image": "b.png"}]}`, reference.ErrDuplicateName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "targets.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := Load(path)
			assert.ErrorIs(t, err, tt.is)
		})
	}
}
