// Package codec decodes, resizes and encodes images for the cache and the
// progressive loader.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"github.com/objectfs/imagecore/pkg/errors"
)

// DefaultMaxPixels rejects images above roughly 100 megapixels before decoding.
const DefaultMaxPixels int64 = 100_000_000

var supportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// IsSupported reports whether a sniffed content type can be decoded.
func IsSupported(contentType string) bool {
	return supportedTypes[contentType]
}

// DetectContentType sniffs the content type from the leading bytes.
func DetectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

// Decoder turns encoded bytes into an image. The zero value is not usable;
// use NewDecoder.
type Decoder struct {
	maxPixels int64
}

// NewDecoder returns a decoder that refuses images larger than maxPixels.
// A non-positive maxPixels uses DefaultMaxPixels.
func NewDecoder(maxPixels int64) *Decoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Decoder{maxPixels: maxPixels}
}

// Decode sniffs, validates dimensions and decodes data, applying EXIF orientation.
func (d *Decoder) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.NewError(errors.ErrCodeDecodeFailed, "empty image data").
			WithComponent("codec").WithOperation("decode")
	}

	contentType := DetectContentType(data)
	if !IsSupported(contentType) {
		return nil, errors.NewError(errors.ErrCodeDecodeFailed, "unsupported image type").
			WithComponent("codec").WithOperation("decode").
			WithDetail("content_type", contentType)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDecodeFailed, "failed to read image header").
			WithComponent("codec").WithOperation("decode").
			WithDetail("content_type", contentType)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > d.maxPixels {
		return nil, errors.NewError(errors.ErrCodeDecodeFailed,
			fmt.Sprintf("image too large: %dx%d", cfg.Width, cfg.Height)).
			WithComponent("codec").WithOperation("decode")
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDecodeFailed, "failed to decode image").
			WithComponent("codec").WithOperation("decode").
			WithDetail("content_type", contentType)
	}
	return img, nil
}

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeEncodeFailed, "failed to encode png").
			WithComponent("codec").WithOperation("encode")
	}
	return detach(buf), nil
}

// EncodeJPEG encodes img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeEncodeFailed, "failed to encode jpeg").
			WithComponent("codec").WithOperation("encode").
			WithDetail("quality", quality)
	}
	return detach(buf), nil
}

// Fit downscales img to fit within maxWidth x maxHeight, keeping the aspect
// ratio. Images already within bounds are returned unchanged.
func Fit(img image.Image, maxWidth, maxHeight int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || maxHeight <= 0 || (b.Dx() <= maxWidth && b.Dy() <= maxHeight) {
		return img
	}
	return imaging.Fit(img, maxWidth, maxHeight, imaging.Linear)
}

// Scale resizes img by factor, rounding each side down. A factor of 1 or
// more returns img unchanged; each side keeps at least one pixel.
func Scale(img image.Image, factor float64) image.Image {
	if factor >= 1 || factor <= 0 {
		return img
	}
	b := img.Bounds()
	w := int(math.Max(1, math.Floor(float64(b.Dx())*factor+1e-9)))
	h := int(math.Max(1, math.Floor(float64(b.Dy())*factor+1e-9)))
	return Resize(img, w, h)
}

// Resize resamples img to exactly width x height. Matching or non-positive
// sizes return img unchanged.
func Resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if width <= 0 || height <= 0 || (width == b.Dx() && height == b.Dy()) {
		return img
	}
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

// Solid returns a width x height image filled with c. Used for placeholders.
func Solid(width, height int, c color.Color) image.Image {
	return imaging.New(width, height, c)
}
