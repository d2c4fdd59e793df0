package s3

import (
	"context"
	"strings"

	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/types"
)

const scheme = "s3://"

// Fetcher reads source images from S3. Sources are either "s3://bucket/key"
// or a bare key resolved against the default bucket.
type Fetcher struct {
	api           API
	defaultBucket string
	maxBodySize   int64
}

var _ types.Fetcher = (*Fetcher)(nil)

// NewFetcher returns a Fetcher. maxBodySize <= 0 disables the size check.
func NewFetcher(api API, defaultBucket string, maxBodySize int64) *Fetcher {
	return &Fetcher{api: api, defaultBucket: defaultBucket, maxBodySize: maxBodySize}
}

// Fetch downloads source. Missing objects yield NOT_FOUND.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	bucket, key, err := f.resolve(source)
	if err != nil {
		return nil, err
	}
	data, err := getObject(ctx, f.api, bucket, key, f.maxBodySize)
	if err != nil {
		if code := errors.CodeOf(err); code == errors.ErrCodeStorageRead {
			return nil, errors.Wrap(err, errors.ErrCodeFetchFailed, "failed to fetch source").
				WithComponent("s3").WithDetail("source", source)
		}
		return nil, err
	}
	return data, nil
}

// ParseSource splits an s3:// URL into bucket and key.
func ParseSource(source string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(source, scheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(source, scheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func (f *Fetcher) resolve(source string) (string, string, error) {
	if strings.HasPrefix(source, scheme) {
		bucket, key, ok := ParseSource(source)
		if !ok {
			return "", "", errors.NewError(errors.ErrCodeFetchFailed, "malformed s3 source").
				WithComponent("s3").WithDetail("source", source)
		}
		return bucket, key, nil
	}
	if f.defaultBucket == "" || source == "" {
		return "", "", errors.NewError(errors.ErrCodeFetchFailed, "source has no bucket").
			WithComponent("s3").WithDetail("source", source)
	}
	return f.defaultBucket, strings.TrimPrefix(source, "/"), nil
}
