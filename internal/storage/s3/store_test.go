package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/imagecore/internal/config"
	"github.com/objectfs/imagecore/pkg/errors"
)

type fakeObject struct {
	data    []byte
	updated time.Time
}

// fakeAPI is an in-memory bucket set implementing API.
type fakeAPI struct {
	mu            sync.Mutex
	objects       map[string]fakeObject
	pageSize      int
	puts          int
	deleteBatches int
	listCalls     int
	getErr        error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string]fakeObject), pageSize: 1000}
}

func objectID(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

func (f *fakeAPI) seed(bucket, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = fakeObject{data: data, updated: time.Now()}
}

func (f *fakeAPI) has(bucket, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[bucket+"/"+key]
	return ok
}

func (f *fakeAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.objects[objectID(in.Bucket, in.Key)] = fakeObject{data: data, updated: time.Now()}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	obj, ok := f.objects[objectID(in.Bucket, in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.updated),
	}, nil
}

func (f *fakeAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectID(in.Bucket, in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteBatches++
	if len(in.Delete.Objects) > maxDeleteBatch {
		return nil, fmt.Errorf("too many keys: %d", len(in.Delete.Objects))
	}
	for _, id := range in.Delete.Objects {
		delete(f.objects, objectID(in.Bucket, id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeAPI) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	bucketPrefix := aws.ToString(in.Bucket) + "/"
	var keys []string
	for id := range f.objects {
		if !strings.HasPrefix(id, bucketPrefix) {
			continue
		}
		key := strings.TrimPrefix(id, bucketPrefix)
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) && key > aws.ToString(in.ContinuationToken) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, key := range keys {
		obj := f.objects[bucketPrefix+key]
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.updated),
		})
	}
	return out, nil
}

func newTestStore(t *testing.T, api *fakeAPI) *Store {
	t.Helper()
	store, err := NewStore(api, config.S3Config{Bucket: "cache", Prefix: "imagecore/"}, nil)
	require.NoError(t, err)
	return store
}

func TestNewStoreRequiresBucket(t *testing.T) {
	_, err := NewStore(newFakeAPI(), config.S3Config{}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestStoreRoundTrip(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(t, api)
	ctx := context.Background()

	_, err := store.Get(ctx, "page-1")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	payload := bytes.Repeat([]byte("jpeg"), 256)
	n, err := store.Put(ctx, "page-1", payload)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.True(t, api.has("cache", "imagecore/page-1"), "object stored under prefix")

	got, err := store.Get(ctx, "page-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, store.Delete(ctx, "page-1"))
	require.NoError(t, store.Delete(ctx, "page-1"))
	_, err = store.Get(ctx, "page-1")
	assert.True(t, errors.IsNotFound(err))
	assert.NoError(t, store.Close())
}

func TestStoreListPaginatesAndStripsPrefix(t *testing.T) {
	api := newFakeAPI()
	api.pageSize = 2
	store := newTestStore(t, api)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Put(ctx, fmt.Sprintf("page-%d", i), []byte{byte(i), 1, 2})
		require.NoError(t, err)
	}
	api.seed("cache", "other/unrelated", []byte("x"))
	api.seed("elsewhere", "imagecore/page-9", []byte("x"))

	objects, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, objects, 5)
	for i, obj := range objects {
		assert.Equal(t, fmt.Sprintf("page-%d", i), obj.Key)
		assert.Equal(t, int64(3), obj.Size)
		assert.WithinDuration(t, time.Now(), obj.ModTime, time.Minute)
	}
	assert.Equal(t, 3, api.listCalls)
}

func TestStoreClearDeletesInBatches(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(t, api)
	ctx := context.Background()

	for i := 0; i < maxDeleteBatch+5; i++ {
		api.seed("cache", fmt.Sprintf("imagecore/k%05d", i), []byte("v"))
	}
	api.seed("cache", "keep/me", []byte("v"))

	require.NoError(t, store.Clear(ctx))
	assert.Equal(t, 2, api.deleteBatches)

	objects, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, objects)
	assert.True(t, api.has("cache", "keep/me"))
}

func TestStoreUploadFallsBackToPutObject(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(t, api)
	ctx := context.Background()

	var uploaded []string
	store.upload = func(ctx context.Context, key string, data []byte) error {
		uploaded = append(uploaded, key)
		return nil
	}
	_, err := store.Put(ctx, "fast", []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, []string{"imagecore/fast"}, uploaded)
	assert.Zero(t, api.puts)

	store.upload = func(ctx context.Context, key string, data []byte) error {
		return fmt.Errorf("multipart upload rejected")
	}
	_, err = store.Put(ctx, "slow", []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 1, api.puts)
	assert.True(t, api.has("cache", "imagecore/slow"))
}

func TestStorePutCancelledDuringUpload(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	store.upload = func(ctx context.Context, key string, data []byte) error {
		cancel()
		return ctx.Err()
	}
	_, err := store.Put(ctx, "k", []byte("data"))
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	assert.Zero(t, api.puts, "no fallback after cancellation")
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		operation string
		want      errors.ErrorCode
	}{
		{"no such key", &s3types.NoSuchKey{}, "GetObject", errors.ErrCodeNotFound},
		{"not found", &s3types.NotFound{}, "GetObject", errors.ErrCodeNotFound},
		{"no such bucket", &s3types.NoSuchBucket{}, "PutObject", errors.ErrCodeInvalidConfig},
		{"head not found", &smithy.GenericAPIError{Code: "NotFound"}, "HeadObject", errors.ErrCodeNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, "PutObject", errors.ErrCodeInvalidConfig},
		{"other api error", &smithy.GenericAPIError{Code: "SlowDown"}, "PutObject", errors.ErrCodeStorageWrite},
		{"cancelled", context.Canceled, "PutObject", errors.ErrCodeOperationCanceled},
		{"deadline", context.DeadlineExceeded, "GetObject", errors.ErrCodeOperationTimeout},
		{"read", fmt.Errorf("connection reset"), "GetObject", errors.ErrCodeStorageRead},
		{"list", fmt.Errorf("connection reset"), "ListObjectsV2", errors.ErrCodeStorageRead},
		{"write", fmt.Errorf("connection reset"), "PutObject", errors.ErrCodeStorageWrite},
		{"passthrough", errors.NewError(errors.ErrCodeFetchFailed, "x"), "GetObject", errors.ErrCodeFetchFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateError(tt.err, tt.operation, "key")
			assert.Equal(t, tt.want, errors.CodeOf(err))
		})
	}
}
