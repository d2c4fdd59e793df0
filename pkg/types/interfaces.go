package types

import (
	"context"
	"image"
)

// Fetcher retrieves the encoded bytes for a source identifier (URL, object key, path).
// Implementations must honour ctx cancellation and deadlines.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, source string) ([]byte, error)

// Fetch calls f(ctx, source).
func (f FetcherFunc) Fetch(ctx context.Context, source string) ([]byte, error) {
	return f(ctx, source)
}

// Decoder turns encoded bytes into an image.
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(data []byte) (image.Image, error)

// Decode calls f(data).
func (f DecoderFunc) Decode(data []byte) (image.Image, error) {
	return f(data)
}

// MemorySource reports host memory. A zero total or an error means the
// sample is unavailable.
type MemorySource interface {
	AvailableBytes() (uint64, error)
	TotalBytes() (uint64, error)
}
