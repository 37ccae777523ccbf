// Package project provides the target manifest: the list of reference
// images a tracker is trained on, saved as JSON next to the images.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"image-tracker/internal/reference"
)

// CurrentVersion is the manifest format version written by Save.
const CurrentVersion = 1

var (
	json     = jsoniter.ConfigCompatibleWithStandardLibrary
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// ErrUnsupportedVersion is returned for manifests newer than this build.
var ErrUnsupportedVersion = errors.New("unsupported manifest version")

// Manifest describes a reference image database.
type Manifest struct {
	Version     int       `json:"version" validate:"gte=1"`
	Name        string    `json:"name" validate:"required"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	Description string    `json:"description,omitempty"`

	Targets []Target `json:"targets" validate:"dive"`
}

// Target is one reference image. Image is relative to the manifest file
// unless absolute.
type Target struct {
	Name  string `json:"name" validate:"required"`
	Image string `json:"image" validate:"required"`

	// PhysicalWidth of the printed target in meters; 0 derives it from the
	// image DPI when available.
	PhysicalWidth float64 `json:"physical_width,omitempty" validate:"gte=0"`
}

// New creates an empty manifest.
func New(name string) *Manifest {
	now := time.Now()
	return &Manifest{
		Version:  CurrentVersion,
		Name:     name,
		Created:  now,
		Modified: now,
	}
}

// Load reads a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the manifest to a file.
func (m *Manifest) Save(path string) error {
	m.Modified = time.Now()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks required fields and that target names are unique.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: manifest: %v", reference.ErrConfiguration, err)
	}
	seen := make(map[string]bool, len(m.Targets))
	for _, t := range m.Targets {
		if seen[t.Name] {
			return fmt.Errorf("%w: %q", reference.ErrDuplicateName, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// AddTarget appends a target, storing imagePath relative to the manifest.
func (m *Manifest) AddTarget(manifestPath, name, imagePath string, physicalWidth float64) {
	rel, err := filepath.Rel(filepath.Dir(manifestPath), imagePath)
	if err != nil {
		rel = imagePath
	}
	m.Targets = append(m.Targets, Target{Name: name, Image: rel, PhysicalWidth: physicalWidth})
	m.Modified = time.Now()
}

// ImagePath returns the path of a target's image.
func (m *Manifest) ImagePath(manifestPath string, t Target) string {
	if filepath.IsAbs(t.Image) {
		return t.Image
	}
	return filepath.Join(filepath.Dir(manifestPath), t.Image)
}

// Entries loads every target image.
func (m *Manifest) Entries(manifestPath string) ([]reference.Entry, error) {
	entries := make([]reference.Entry, 0, len(m.Targets))
	for _, t := range m.Targets {
		e, err := reference.LoadFile(t.Name, m.ImagePath(manifestPath, t), t.PhysicalWidth)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", t.Name, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Populate loads every target image into db. Nothing is added when any
// image fails to load.
func (m *Manifest) Populate(manifestPath string, db *reference.Database) error {
	entries, err := m.Entries(manifestPath)
	if err != nil {
		return err
	}
	return db.Add(entries...)
}
