package performance

import (
	"github.com/objectfs/imagecore/internal/cache"
	"github.com/objectfs/imagecore/pkg/memmon"
)

// Tuning is the set of parameters pushed into the cache and preloader.
type Tuning struct {
	MemoryCacheMB      int                    `json:"memory_cache_mb"`
	DiskCacheMB        int                    `json:"disk_cache_mb"`
	PreloadWindow      int                    `json:"preload_window"`
	MaxConcurrent      int                    `json:"max_concurrent"`
	Compression        cache.CompressionLevel `json:"compression"`
	ProgressiveEnabled bool                   `json:"progressive_enabled"`
}

// tierTuning is the starting point for each tier.
var tierTuning = map[DeviceTier]Tuning{
	TierLow:    {MemoryCacheMB: 64, DiskCacheMB: 256, PreloadWindow: 1, MaxConcurrent: 1, Compression: cache.CompressionMedium},
	TierMedium: {MemoryCacheMB: 128, DiskCacheMB: 512, PreloadWindow: 2, MaxConcurrent: 2, Compression: cache.CompressionLight},
	TierHigh:   {MemoryCacheMB: 256, DiskCacheMB: 1024, PreloadWindow: 3, MaxConcurrent: 3, Compression: cache.CompressionNone},
	TierUltra:  {MemoryCacheMB: 512, DiskCacheMB: 2048, PreloadWindow: 5, MaxConcurrent: 4, Compression: cache.CompressionNone},
}

// limits caps a derived tuning by the configured maxima.
type limits struct {
	memoryCacheMB int
	diskCacheMB   int
	maxWindow     int
	maxConcurrent int
	progressive   bool
}

// deriveTuning computes the tuning for a tier, expected image count and
// typical image size.
func deriveTuning(tier DeviceTier, imageCount int, size SizeCategory, l limits) Tuning {
	t := tierTuning[tier]
	t.ProgressiveEnabled = l.progressive

	switch size {
	case SizeSmall:
		t.PreloadWindow++
		t.ProgressiveEnabled = false
	case SizeLarge:
		t.PreloadWindow = max(1, t.PreloadWindow-1)
		t.Compression = t.Compression.Escalate()
	case SizeHuge:
		t.PreloadWindow = 1
		t.MaxConcurrent = max(1, t.MaxConcurrent/2)
		t.Compression = t.Compression.Escalate().Escalate()
	}

	if imageCount > 0 {
		t.PreloadWindow = min(t.PreloadWindow, max(0, imageCount-1))
		// No point holding more than the whole set in memory.
		t.MemoryCacheMB = min(t.MemoryCacheMB, max(16, imageCount*size.decodedMB()))
	}

	if l.memoryCacheMB > 0 {
		t.MemoryCacheMB = min(t.MemoryCacheMB, l.memoryCacheMB)
	}
	if l.diskCacheMB >= 0 {
		t.DiskCacheMB = min(t.DiskCacheMB, l.diskCacheMB)
	}
	if l.maxWindow > 0 {
		t.PreloadWindow = min(t.PreloadWindow, l.maxWindow)
	}
	if l.maxConcurrent > 0 {
		t.MaxConcurrent = min(t.MaxConcurrent, l.maxConcurrent)
	}
	return t
}

// underPressure scales a tuning for a pressure level: Warning keeps 75% of
// the memory budget, Critical 50% and Urgent 25%.
func underPressure(t Tuning, level memmon.PressureLevel) Tuning {
	switch level {
	case memmon.PressureWarning:
		t.MemoryCacheMB = t.MemoryCacheMB * 3 / 4
	case memmon.PressureCritical:
		t.MemoryCacheMB /= 2
		t.PreloadWindow = max(1, t.PreloadWindow/2)
		t.MaxConcurrent = max(1, t.MaxConcurrent/2)
		t.Compression = t.Compression.Escalate()
	case memmon.PressureUrgent:
		t.MemoryCacheMB /= 4
		t.PreloadWindow = min(t.PreloadWindow, 1)
		t.MaxConcurrent = 1
		t.Compression = cache.CompressionHeavy
	}
	t.MemoryCacheMB = max(t.MemoryCacheMB, 1)
	return t
}

// recommendedPreloadCount is how many neighbours to preload for a set of
// imageCount images.
func recommendedPreloadCount(t Tuning, imageCount int) int {
	if imageCount <= 1 {
		return 0
	}
	return min(t.PreloadWindow, imageCount-1)
}

// recommendedCacheCount is how many decoded images of the category fit in
// the memory budget, never fewer than two.
func recommendedCacheCount(t Tuning, size SizeCategory) int {
	return max(2, t.MemoryCacheMB/size.decodedMB())
}
