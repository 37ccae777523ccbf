package reference

import (
	"encoding/binary"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const metersPerInch = 0.0254

// LoadFile decodes an image file into an Entry. When physicalWidth is zero
// and the file is a TIFF carrying resolution tags, the physical width is
// derived from its DPI.
func LoadFile(name, path string, physicalWidth float64) (Entry, error) {
	if !IsSupportedFormat(path) {
		return Entry{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidReference, filepath.Ext(path))
	}

	file, err := os.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to decode image %s: %w", path, err)
	}

	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	if physicalWidth == 0 && isTIFF(path) {
		if dpi, err := extractTIFFDPI(path); err == nil && dpi > 0 {
			physicalWidth = float64(img.Bounds().Dx()) / dpi * metersPerInch
		}
	}

	return Entry{Name: name, Image: img, PhysicalWidth: physicalWidth}, nil
}

// SupportedFormats returns the list of supported image formats.
func SupportedFormats() []string {
	return []string{".tiff", ".tif", ".png", ".jpg", ".jpeg", ".bmp", ".webp"}
}

// IsSupportedFormat checks if the given path has a supported image format.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats() {
		if ext == format {
			return true
		}
	}
	return false
}

func isTIFF(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".tiff" || ext == ".tif"
}

// extractTIFFDPI reads the XResolution/YResolution tags of the first IFD.
func extractTIFFDPI(path string) (float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	header := make([]byte, 8)
	if _, err := io.ReadFull(file, header); err != nil {
		return 0, err
	}

	var byteOrder binary.ByteOrder
	switch {
	case header[0] == 'I' && header[1] == 'I':
		byteOrder = binary.LittleEndian
	case header[0] == 'M' && header[1] == 'M':
		byteOrder = binary.BigEndian
	default:
		return 0, fmt.Errorf("not a valid TIFF file")
	}

	ifdOffset := byteOrder.Uint32(header[4:8])
	if _, err := file.Seek(int64(ifdOffset), io.SeekStart); err != nil {
		return 0, err
	}

	var numEntries uint16
	if err := binary.Read(file, byteOrder, &numEntries); err != nil {
		return 0, err
	}

	var xRes, yRes float64
	var resUnit uint16 = 2 // inches

	entry := make([]byte, 12)
	for i := uint16(0); i < numEntries; i++ {
		if _, err := io.ReadFull(file, entry); err != nil {
			return 0, err
		}

		tag := byteOrder.Uint16(entry[0:2])
		fieldType := byteOrder.Uint16(entry[2:4])
		valueOffset := byteOrder.Uint32(entry[8:12])

		switch tag {
		case 282: // XResolution
			if fieldType == 5 {
				xRes = readTIFFRational(file, int64(valueOffset), byteOrder)
			}
		case 283: // YResolution
			if fieldType == 5 {
				yRes = readTIFFRational(file, int64(valueOffset), byteOrder)
			}
		case 296: // ResolutionUnit
			if fieldType == 3 {
				resUnit = byteOrder.Uint16(entry[8:10])
			}
		}
	}

	dpi := xRes
	if dpi == 0 {
		dpi = yRes
	}
	if dpi == 0 {
		return 0, fmt.Errorf("no resolution tags found")
	}
	if resUnit == 3 { // centimeters
		dpi *= 2.54
	}
	return dpi, nil
}

// readTIFFRational reads a RATIONAL value at offset, restoring the file position.
func readTIFFRational(file *os.File, offset int64, byteOrder binary.ByteOrder) float64 {
	currentPos, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0
	}
	defer file.Seek(currentPos, io.SeekStart)

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0
	}
	var num, denom uint32
	if err := binary.Read(file, byteOrder, &num); err != nil {
		return 0
	}
	if err := binary.Read(file, byteOrder, &denom); err != nil || denom == 0 {
		return 0
	}
	return float64(num) / float64(denom)
}
