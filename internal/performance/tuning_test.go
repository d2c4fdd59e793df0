package performance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/objectfs/imagecore/internal/cache"
	"github.com/objectfs/imagecore/pkg/memmon"
)

func TestClassifyTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		totalMB uint64
		cpus    int
		want    DeviceTier
	}{
		{1024, 8, TierLow},
		{3000, 8, TierMedium},
		{6000, 8, TierHigh},
		{16384, 8, TierUltra},
		{16384, 2, TierHigh},
		{3000, 1, TierLow},
		{1024, 1, TierLow},
		{3000, 0, TierMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyTier(tt.totalMB, tt.cpus), "%d MB, %d cpus", tt.totalMB, tt.cpus)
	}
}

func TestCategorizeSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int64
		want  SizeCategory
	}{
		{0, SizeSmall},
		{mb - 1, SizeSmall},
		{mb, SizeMedium},
		{5 * mb, SizeMedium},
		{5*mb + 1, SizeLarge},
		{10 * mb, SizeLarge},
		{10*mb + 1, SizeHuge},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CategorizeSize(tt.bytes), "%d bytes", tt.bytes)
	}
}

func TestDeriveTuning(t *testing.T) {
	t.Parallel()

	l := limits{memoryCacheMB: 256, diskCacheMB: 1024, maxWindow: 5, maxConcurrent: 3, progressive: true}

	tests := []struct {
		name   string
		tier   DeviceTier
		count  int
		size   SizeCategory
		limits limits
		want   Tuning
	}{
		{
			name: "medium tier defaults", tier: TierMedium, size: SizeMedium, limits: l,
			want: Tuning{MemoryCacheMB: 128, DiskCacheMB: 512, PreloadWindow: 2, MaxConcurrent: 2, Compression: cache.CompressionLight, ProgressiveEnabled: true},
		},
		{
			name: "small images widen the window", tier: TierLow, size: SizeSmall, limits: l,
			want: Tuning{MemoryCacheMB: 64, DiskCacheMB: 256, PreloadWindow: 2, MaxConcurrent: 1, Compression: cache.CompressionMedium},
		},
		{
			name: "large images compress harder", tier: TierHigh, size: SizeLarge, limits: l,
			want: Tuning{MemoryCacheMB: 256, DiskCacheMB: 1024, PreloadWindow: 2, MaxConcurrent: 3, Compression: cache.CompressionLight, ProgressiveEnabled: true},
		},
		{
			name: "huge images on an ultra host", tier: TierUltra, size: SizeHuge, limits: l,
			want: Tuning{MemoryCacheMB: 256, DiskCacheMB: 1024, PreloadWindow: 1, MaxConcurrent: 2, Compression: cache.CompressionMedium, ProgressiveEnabled: true},
		},
		{
			name: "single image needs no preload", tier: TierHigh, count: 1, size: SizeMedium, limits: l,
			want: Tuning{MemoryCacheMB: 16, DiskCacheMB: 1024, PreloadWindow: 0, MaxConcurrent: 3, Compression: cache.CompressionNone, ProgressiveEnabled: true},
		},
		{
			name: "image count bounds memory", tier: TierUltra, count: 10, size: SizeLarge, limits: l,
			want: Tuning{MemoryCacheMB: 256, DiskCacheMB: 1024, PreloadWindow: 4, MaxConcurrent: 3, Compression: cache.CompressionLight, ProgressiveEnabled: true},
		},
		{
			name: "zero disk limit disables secondary", tier: TierMedium, size: SizeMedium,
			limits: limits{memoryCacheMB: 256, maxWindow: 5, maxConcurrent: 3, progressive: true},
			want:   Tuning{MemoryCacheMB: 128, DiskCacheMB: 0, PreloadWindow: 2, MaxConcurrent: 2, Compression: cache.CompressionLight, ProgressiveEnabled: true},
		},
		{
			name: "progressive disabled by configuration", tier: TierHigh, size: SizeMedium,
			limits: limits{memoryCacheMB: 256, diskCacheMB: 1024, maxWindow: 5, maxConcurrent: 3},
			want:   Tuning{MemoryCacheMB: 256, DiskCacheMB: 1024, PreloadWindow: 3, MaxConcurrent: 3, Compression: cache.CompressionNone},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, deriveTuning(tt.tier, tt.count, tt.size, tt.limits))
		})
	}
}

func TestUnderPressure(t *testing.T) {
	t.Parallel()

	base := Tuning{MemoryCacheMB: 256, DiskCacheMB: 1024, PreloadWindow: 5, MaxConcurrent: 3, Compression: cache.CompressionNone, ProgressiveEnabled: true}

	tests := []struct {
		level memmon.PressureLevel
		want  Tuning
	}{
		{memmon.PressureNormal, base},
		{memmon.PressureWarning, Tuning{MemoryCacheMB: 192, DiskCacheMB: 1024, PreloadWindow: 5, MaxConcurrent: 3, Compression: cache.CompressionNone, ProgressiveEnabled: true}},
		{memmon.PressureCritical, Tuning{MemoryCacheMB: 128, DiskCacheMB: 1024, PreloadWindow: 2, MaxConcurrent: 1, Compression: cache.CompressionLight, ProgressiveEnabled: true}},
		{memmon.PressureUrgent, Tuning{MemoryCacheMB: 64, DiskCacheMB: 1024, PreloadWindow: 1, MaxConcurrent: 1, Compression: cache.CompressionHeavy, ProgressiveEnabled: true}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, underPressure(base, tt.level), tt.level.String())
	}

	tiny := underPressure(Tuning{MemoryCacheMB: 2, PreloadWindow: 1, MaxConcurrent: 1}, memmon.PressureUrgent)
	assert.Equal(t, 1, tiny.MemoryCacheMB)
}

func TestRecommendedCounts(t *testing.T) {
	t.Parallel()

	tuning := Tuning{MemoryCacheMB: 256, PreloadWindow: 5}

	assert.Equal(t, 0, recommendedPreloadCount(tuning, 0))
	assert.Equal(t, 0, recommendedPreloadCount(tuning, 1))
	assert.Equal(t, 2, recommendedPreloadCount(tuning, 3))
	assert.Equal(t, 5, recommendedPreloadCount(tuning, 100))

	assert.Equal(t, 64, recommendedCacheCount(tuning, SizeSmall))
	assert.Equal(t, 6, recommendedCacheCount(tuning, SizeLarge))
	assert.Equal(t, 2, recommendedCacheCount(Tuning{MemoryCacheMB: 16}, SizeHuge))
}
