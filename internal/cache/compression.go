package cache

import (
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/objectfs/imagecore/internal/codec"
	"github.com/objectfs/imagecore/pkg/memmon"
	"github.com/objectfs/imagecore/pkg/types"
)

// CompressionLevel selects how much an image is reduced before caching.
type CompressionLevel int

const (
	CompressionNone CompressionLevel = iota
	CompressionLight
	CompressionMedium
	CompressionHeavy
)

// String returns the string representation of the level
func (l CompressionLevel) String() string {
	switch l {
	case CompressionNone:
		return "none"
	case CompressionLight:
		return "light"
	case CompressionMedium:
		return "medium"
	case CompressionHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}

// ParseCompressionLevel parses the names returned by String.
func ParseCompressionLevel(s string) (CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return CompressionNone, nil
	case "light":
		return CompressionLight, nil
	case "medium":
		return CompressionMedium, nil
	case "heavy":
		return CompressionHeavy, nil
	default:
		return CompressionNone, fmt.Errorf("invalid compression level: %s", s)
	}
}

// ScaleFactor is the per-side downscale applied on store.
func (l CompressionLevel) ScaleFactor() float64 {
	switch l {
	case CompressionLight:
		return 0.9
	case CompressionMedium:
		return 0.7
	case CompressionHeavy:
		return 0.5
	default:
		return 1.0
	}
}

// Size returns the dimensions a width x height image is reduced to. Each side
// is scaled by ScaleFactor and rounded down. When that does not shrink the
// area below the previous level's, one pixel is taken from the longer side
// of the previous level's size, so every level is strictly smaller than the
// one before it until a single pixel remains.
func (l CompressionLevel) Size(width, height int) (int, int) {
	if l <= CompressionNone || width <= 0 || height <= 0 {
		return width, height
	}
	pw, ph := (l - 1).Size(width, height)
	w := scaleSide(width, l.ScaleFactor())
	h := scaleSide(height, l.ScaleFactor())
	if int64(w)*int64(h) < int64(pw)*int64(ph) {
		return w, h
	}
	switch {
	case pw >= ph && pw > 1:
		pw--
	case ph > 1:
		ph--
	}
	return pw, ph
}

// scaleSide rounds n*f down, tolerating float error at exact products.
func scaleSide(n int, f float64) int {
	return max(1, int(math.Floor(float64(n)*f+1e-9)))
}

// JPEGQuality is the quality used when persisting; zero means lossless PNG.
func (l CompressionLevel) JPEGQuality() int {
	switch l {
	case CompressionLight:
		return 90
	case CompressionMedium:
		return 75
	case CompressionHeavy:
		return 60
	default:
		return 0
	}
}

// Escalate returns the next stronger level, capped at Heavy.
func (l CompressionLevel) Escalate() CompressionLevel {
	if l >= CompressionHeavy {
		return CompressionHeavy
	}
	return l + 1
}

// AreaThresholds are pixel areas separating the compression levels.
type AreaThresholds struct {
	Small  int64
	Medium int64
	Large  int64
}

// DefaultAreaThresholds returns 500², 1000² and 2000² pixels.
func DefaultAreaThresholds() AreaThresholds {
	return AreaThresholds{
		Small:  500 * 500,
		Medium: 1000 * 1000,
		Large:  2000 * 2000,
	}
}

// Level picks a level by pixel area alone.
func (t AreaThresholds) Level(width, height int) CompressionLevel {
	area := types.PixelArea(width, height)
	switch {
	case area < t.Small:
		return CompressionNone
	case area < t.Medium:
		return CompressionLight
	case area < t.Large:
		return CompressionMedium
	default:
		return CompressionHeavy
	}
}

// RecommendLevel picks a level by area, one step stronger at Critical
// pressure or worse.
func RecommendLevel(width, height int, t AreaThresholds, pressure memmon.PressureLevel) CompressionLevel {
	level := t.Level(width, height)
	if pressure.AtLeast(memmon.PressureCritical) {
		level = level.Escalate()
	}
	return level
}

func compressImage(img image.Image, level CompressionLevel) image.Image {
	b := img.Bounds()
	w, h := level.Size(b.Dx(), b.Dy())
	return codec.Resize(img, w, h)
}

func encodeImage(img image.Image, level CompressionLevel) ([]byte, error) {
	if q := level.JPEGQuality(); q > 0 {
		return codec.EncodeJPEG(img, q)
	}
	return codec.EncodePNG(img)
}
