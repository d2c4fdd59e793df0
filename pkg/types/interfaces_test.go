package types

import (
	"context"
	"errors"
	"image"
	"testing"
)

func TestFuncAdapters(t *testing.T) {
	var f Fetcher = FetcherFunc(func(ctx context.Context, source string) ([]byte, error) {
		return []byte(source), nil
	})
	data, err := f.Fetch(context.Background(), "abc")
	if err != nil || string(data) != "abc" {
		t.Fatalf("Fetch = %q, %v", data, err)
	}

	wantErr := errors.New("bad data")
	var d Decoder = DecoderFunc(func(data []byte) (image.Image, error) {
		return nil, wantErr
	})
	if _, err := d.Decode(nil); !errors.Is(err, wantErr) {
		t.Fatalf("Decode error = %v", err)
	}
}

func TestDecodedSize(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
		want int64
	}{
		{"nil", nil, 0},
		{"1x1", image.NewRGBA(image.Rect(0, 0, 1, 1)), 4},
		{"offset bounds", image.NewRGBA(image.Rect(10, 10, 110, 60)), 100 * 50 * 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodedSize(tt.img); got != tt.want {
				t.Errorf("DecodedSize = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPixelArea(t *testing.T) {
	if PixelArea(2000, 1500) != 3_000_000 {
		t.Error("unexpected area")
	}
	if PixelArea(-1, 10) != 0 || PixelArea(10, 0) != 0 {
		t.Error("non-positive dimensions should give 0")
	}
}
