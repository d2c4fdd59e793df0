package types

import "image"

// CacheStats is a point-in-time view of one cache tier.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// BytesPerPixel is the decoded footprint of one RGBA pixel.
const BytesPerPixel = 4

// DecodedSize returns the in-memory footprint of img, width*height*4 bytes.
func DecodedSize(img image.Image) int64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * BytesPerPixel
}

// PixelArea returns width*height, or 0 for non-positive dimensions.
func PixelArea(width, height int) int64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	return int64(width) * int64(height)
}
