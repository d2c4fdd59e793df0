package s3

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/imagecore/pkg/errors"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		source      string
		bucket, key string
		ok          bool
	}{
		{"s3://photos/albums/cover.jpg", "photos", "albums/cover.jpg", true},
		{"s3://photos/cover.jpg", "photos", "cover.jpg", true},
		{"s3://photos", "", "", false},
		{"s3://photos/", "", "", false},
		{"s3:///cover.jpg", "", "", false},
		{"https://photos/cover.jpg", "", "", false},
	}
	for _, tt := range tests {
		bucket, key, ok := ParseSource(tt.source)
		assert.Equal(t, tt.ok, ok, tt.source)
		assert.Equal(t, tt.bucket, bucket, tt.source)
		assert.Equal(t, tt.key, key, tt.source)
	}
}

func TestFetcherResolvesSources(t *testing.T) {
	api := newFakeAPI()
	api.seed("photos", "albums/cover.jpg", []byte("cover"))
	api.seed("defaults", "page-1.jpg", []byte("page"))

	f := NewFetcher(api, "defaults", 0)
	ctx := context.Background()

	data, err := f.Fetch(ctx, "s3://photos/albums/cover.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("cover"), data)

	data, err = f.Fetch(ctx, "/page-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("page"), data)

	_, err = f.Fetch(ctx, "s3://photos")
	assert.Equal(t, errors.ErrCodeFetchFailed, errors.CodeOf(err))
}

func TestFetcherErrors(t *testing.T) {
	api := newFakeAPI()
	api.seed("photos", "big.jpg", make([]byte, 64))
	ctx := context.Background()

	_, err := NewFetcher(api, "photos", 0).Fetch(ctx, "missing.jpg")
	assert.True(t, errors.IsNotFound(err))

	_, err = NewFetcher(api, "", 0).Fetch(ctx, "big.jpg")
	assert.Equal(t, errors.ErrCodeFetchFailed, errors.CodeOf(err), "no default bucket")

	_, err = NewFetcher(api, "photos", 32).Fetch(ctx, "big.jpg")
	assert.Equal(t, errors.ErrCodeFetchFailed, errors.CodeOf(err), "body limit")

	api.getErr = fmt.Errorf("connection reset")
	_, err = NewFetcher(api, "photos", 0).Fetch(ctx, "big.jpg")
	assert.Equal(t, errors.ErrCodeFetchFailed, errors.CodeOf(err), "read failures become fetch failures")
}
