// Package reference holds the planar target images a tracker can follow.
package reference

import (
	"fmt"
	"image"
	"math"
	"strings"

	"golang.org/x/image/draw"

	"image-tracker/pkg/geometry"
)

const (
	// MaxDimension bounds the longest side of a stored reference image.
	// Larger inputs are downscaled once on insertion.
	MaxDimension = 2048

	// DefaultPhysicalWidth is used when the physical width of a target is
	// unknown; poses are then expressed in units of target widths.
	DefaultPhysicalWidth = 1.0
)

// Entry describes a reference image to be added to a Database.
type Entry struct {
	Name          string      // Unique within a database
	Image         image.Image // Pixel source
	PhysicalWidth float64     // Width of the printed target (meters); 0 = unknown
}

// Image is an immutable reference image owned by a Database.
type Image struct {
	name          string
	source        image.Image
	physicalWidth float64
}

// Name returns the unique name of the image.
func (r *Image) Name() string { return r.name }

// Source returns the pixel source.
func (r *Image) Source() image.Image { return r.source }

// PixelSize returns the dimensions of the pixel source.
func (r *Image) PixelSize() geometry.Size {
	b := r.source.Bounds()
	return geometry.Size{Width: float64(b.Dx()), Height: float64(b.Dy())}
}

// AspectRatio returns width / height of the pixel source.
func (r *Image) AspectRatio() float64 {
	return r.PixelSize().AspectRatio()
}

// PhysicalSize returns the metric size of the target. The height follows
// from the aspect ratio of the image.
func (r *Image) PhysicalSize() geometry.Size {
	aspect := r.AspectRatio()
	if aspect <= 0 {
		return geometry.Size{}
	}
	return geometry.Size{Width: r.physicalWidth, Height: r.physicalWidth / aspect}
}

// newImage validates an entry and builds the stored image.
func newImage(e Entry) (*Image, error) {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidReference)
	}
	if e.Image == nil {
		return nil, fmt.Errorf("%w: %q has no image", ErrInvalidReference, name)
	}
	b := e.Image.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: %q has an empty image", ErrInvalidReference, name)
	}
	width := e.PhysicalWidth
	if math.IsNaN(width) || math.IsInf(width, 0) || width < 0 {
		return nil, fmt.Errorf("%w: %q has physical width %v", ErrInvalidReference, name, width)
	}
	if width == 0 {
		width = DefaultPhysicalWidth
	}

	return &Image{
		name:          name,
		source:        fitWithin(e.Image, MaxDimension),
		physicalWidth: width,
	}, nil
}

// fitWithin downscales img so its longest side is at most maxDim.
func fitWithin(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	longest := max(b.Dx(), b.Dy())
	if longest <= maxDim {
		return img
	}

	scale := float64(maxDim) / float64(longest)
	w := max(1, int(math.Round(float64(b.Dx())*scale)))
	h := max(1, int(math.Round(float64(b.Dy())*scale)))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
