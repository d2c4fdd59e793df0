package cache

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/imagecore/internal/codec"
	"github.com/objectfs/imagecore/pkg/memmon"
)

func TestCompressionLevelProperties(t *testing.T) {
	tests := []struct {
		level   CompressionLevel
		name    string
		factor  float64
		quality int
		next    CompressionLevel
	}{
		{CompressionNone, "none", 1.0, 0, CompressionLight},
		{CompressionLight, "light", 0.9, 90, CompressionMedium},
		{CompressionMedium, "medium", 0.7, 75, CompressionHeavy},
		{CompressionHeavy, "heavy", 0.5, 60, CompressionHeavy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.level.String())
			assert.Equal(t, tt.factor, tt.level.ScaleFactor())
			assert.Equal(t, tt.quality, tt.level.JPEGQuality())
			assert.Equal(t, tt.next, tt.level.Escalate())

			parsed, err := ParseCompressionLevel(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.level, parsed)
		})
	}

	_, err := ParseCompressionLevel("extreme")
	assert.Error(t, err)
}

func TestRecommendLevel(t *testing.T) {
	areas := DefaultAreaThresholds()
	tests := []struct {
		name     string
		w, h     int
		pressure memmon.PressureLevel
		want     CompressionLevel
	}{
		{"small", 400, 400, memmon.PressureNormal, CompressionNone},
		{"just below medium", 999, 1000, memmon.PressureNormal, CompressionLight},
		{"medium", 1000, 1000, memmon.PressureNormal, CompressionMedium},
		{"2000x1500 normal", 2000, 1500, memmon.PressureNormal, CompressionMedium},
		{"2000x1500 warning", 2000, 1500, memmon.PressureWarning, CompressionMedium},
		{"2000x1500 critical", 2000, 1500, memmon.PressureCritical, CompressionHeavy},
		{"large urgent stays heavy", 4000, 3000, memmon.PressureUrgent, CompressionHeavy},
		{"small critical", 100, 100, memmon.PressureCritical, CompressionLight},
		{"zero size", 0, 0, memmon.PressureNormal, CompressionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RecommendLevel(tt.w, tt.h, areas, tt.pressure))
		})
	}
}

func TestCompressImageScalesBothSides(t *testing.T) {
	src := codec.Solid(200, 100, image.White.C)
	out := compressImage(src, CompressionMedium)
	assert.Equal(t, image.Pt(140, 70), out.Bounds().Size())
	assert.Equal(t, src, compressImage(src, CompressionNone))
}

func TestCompressionLevelsStrictlyShrinkSmallImages(t *testing.T) {
	levels := []CompressionLevel{CompressionNone, CompressionLight, CompressionMedium, CompressionHeavy}
	// Strictly smaller at every level until a single pixel remains.
	for _, side := range []int{2, 3, 4, 5, 7, 10, 64} {
		for _, aspect := range []int{1, 2} {
			src := codec.Solid(side*aspect, side, image.White.C)
			prev := int64(-1)
			for _, level := range levels {
				out := compressImage(src, level)
				b := out.Bounds()
				footprint := int64(b.Dx()) * int64(b.Dy()) * 4
				if prev > 4 {
					assert.Less(t, footprint, prev, "%dx%d %s", side*aspect, side, level)
				}
				prev = footprint
			}
		}
	}
}

func TestCompressionLevelSize(t *testing.T) {
	tests := []struct {
		name  string
		w, h  int
		level CompressionLevel
		wantW int
		wantH int
	}{
		{"none keeps size", 5, 5, CompressionNone, 5, 5},
		{"2x2 light", 2, 2, CompressionLight, 1, 1},
		{"5x5 light rounds down", 5, 5, CompressionLight, 4, 4},
		{"3x3 medium drops a pixel", 3, 3, CompressionMedium, 1, 2},
		{"3x3 heavy", 3, 3, CompressionHeavy, 1, 1},
		{"1x1 cannot shrink", 1, 1, CompressionHeavy, 1, 1},
		{"large medium", 200, 100, CompressionMedium, 140, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := tt.level.Size(tt.w, tt.h)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestEncodeImageFormat(t *testing.T) {
	src := codec.Solid(32, 32, image.Black.C)

	data, err := encodeImage(src, CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, "image/png", codec.DetectContentType(data))

	data, err = encodeImage(src, CompressionHeavy)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", codec.DetectContentType(data))
}
