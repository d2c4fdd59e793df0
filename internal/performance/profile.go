package performance

import (
	"time"
)

// DeviceTier is a coarse performance class derived from memory and CPU.
type DeviceTier int

const (
	TierLow DeviceTier = iota
	TierMedium
	TierHigh
	TierUltra
)

func (t DeviceTier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierUltra:
		return "ultra"
	default:
		return "unknown"
	}
}

// SizeCategory groups images by encoded size.
type SizeCategory int

const (
	SizeSmall SizeCategory = iota
	SizeMedium
	SizeLarge
	SizeHuge
)

func (s SizeCategory) String() string {
	switch s {
	case SizeSmall:
		return "small"
	case SizeMedium:
		return "medium"
	case SizeLarge:
		return "large"
	case SizeHuge:
		return "huge"
	default:
		return "unknown"
	}
}

// decodedMB estimates the decoded footprint of one image of the category.
func (s SizeCategory) decodedMB() int {
	switch s {
	case SizeSmall:
		return 4
	case SizeMedium:
		return 16
	case SizeLarge:
		return 40
	default:
		return 80
	}
}

const mb = 1 << 20

// CategorizeSize maps an encoded size in bytes to its category:
// below 1 MB is small, up to 5 MB medium, up to 10 MB large.
func CategorizeSize(bytes int64) SizeCategory {
	switch {
	case bytes < 1*mb:
		return SizeSmall
	case bytes <= 5*mb:
		return SizeMedium
	case bytes <= 10*mb:
		return SizeLarge
	default:
		return SizeHuge
	}
}

// DeviceProfile describes the host. It is detected once and only refreshed
// on request.
type DeviceProfile struct {
	TotalMemoryMB     uint64     `json:"total_memory_mb"`
	AvailableMemoryMB uint64     `json:"available_memory_mb"`
	CPUCount          int        `json:"cpu_count"`
	Tier              DeviceTier `json:"tier"`
	DetectedAt        time.Time  `json:"detected_at"`
}

// ClassifyTier picks a tier from total memory, then drops one tier for hosts
// with two or fewer CPUs.
func ClassifyTier(totalMB uint64, cpus int) DeviceTier {
	var tier DeviceTier
	switch {
	case totalMB < 2048:
		tier = TierLow
	case totalMB < 4096:
		tier = TierMedium
	case totalMB < 8192:
		tier = TierHigh
	default:
		tier = TierUltra
	}
	if cpus > 0 && cpus <= 2 && tier > TierLow {
		tier--
	}
	return tier
}
