package vision

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"image-tracker/pkg/geometry"
)

// ErrInvalidResolution is returned for an unknown resolution name.
var ErrInvalidResolution = errors.New("invalid resolution")

// Resolution is a size budget for image processing, expressed as the
// length of the short side of the screen space.
type Resolution string

const (
	ResolutionXS Resolution = "xs"
	ResolutionSM Resolution = "sm"
	ResolutionMD Resolution = "md"
	ResolutionLG Resolution = "lg"
	ResolutionXL Resolution = "xl"
)

// DefaultResolution is used when none is configured.
const DefaultResolution = ResolutionSM

var resolutionPixels = map[Resolution]int{
	ResolutionXS: 120,
	ResolutionSM: 240,
	ResolutionMD: 320,
	ResolutionLG: 480,
	ResolutionXL: 720,
}

// ParseResolution validates a resolution name.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := resolutionPixels[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, s)
	}
	return r, nil
}

// Valid reports whether r names a known budget.
func (r Resolution) Valid() bool {
	_, ok := resolutionPixels[r]
	return ok
}

// Pixels returns the short-side budget, or 0 for an unknown resolution.
func (r Resolution) Pixels() int {
	return resolutionPixels[r]
}

// ScreenSize returns the processing size for media with the given aspect
// ratio (width / height). Both dimensions are even.
func (r Resolution) ScreenSize(aspectRatio float64) geometry.Size {
	ref := float64(r.Pixels())
	if ref == 0 || aspectRatio <= 0 || math.IsNaN(aspectRatio) || math.IsInf(aspectRatio, 0) {
		return geometry.Size{}
	}

	var w, h float64
	if aspectRatio >= 1 {
		h = ref
		w = evenRound(ref * aspectRatio)
	} else {
		w = ref
		h = evenRound(ref / aspectRatio)
	}
	return geometry.Size{Width: w, Height: h}
}

// ScreenSizeOf returns the processing size for a frame of the given native size.
func (r Resolution) ScreenSizeOf(native geometry.Size) geometry.Size {
	return r.ScreenSize(native.AspectRatio())
}

func evenRound(x float64) float64 {
	return 2 * math.Round(x/2)
}
