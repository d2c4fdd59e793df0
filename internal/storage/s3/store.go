package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/imagecore/internal/cache"
	"github.com/objectfs/imagecore/internal/config"
	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/utils"
)

// maxDeleteBatch is the S3 limit on keys per DeleteObjects call.
const maxDeleteBatch = 1000

// API is the subset of the S3 client used by Store and Fetcher.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type uploadFunc func(ctx context.Context, key string, data []byte) error

// Store is a cache.SecondaryStore keeping encoded images as objects under a
// key prefix of one bucket.
type Store struct {
	api    API
	bucket string
	prefix string
	upload uploadFunc
	logger *utils.StructuredLogger
}

var _ cache.SecondaryStore = (*Store)(nil)

// NewStore wraps an existing client.
func NewStore(api API, cfg config.S3Config, logger *utils.StructuredLogger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3store")
	}
	return &Store{
		api:    api,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: utils.OrNop(logger).WithComponent("s3store"),
	}, nil
}

// Open builds a client from cfg and returns a Store on it, with CargoShip
// uploads when enabled.
func Open(ctx context.Context, cfg config.S3Config, logger *utils.StructuredLogger) (*Store, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(client, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.EnableCargoShip {
		store.upload = cargoShipUploader(client, cfg, store.logger)
	}
	return store, nil
}

func (s *Store) objectKey(key string) string {
	return s.prefix + key
}

// Put uploads data. A failed CargoShip upload falls back to PutObject.
func (s *Store) Put(ctx context.Context, key string, data []byte) (int64, error) {
	objectKey := s.objectKey(key)

	if s.upload != nil {
		err := s.upload(ctx, objectKey, data)
		if err == nil {
			return int64(len(data)), nil
		}
		if ctx.Err() != nil {
			return 0, translateError(ctx.Err(), "PutObject", key)
		}
		s.logger.Warn("CargoShip upload failed, falling back to PutObject", map[string]interface{}{
			"key":   key,
			"error": err,
		})
	}

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return 0, translateError(err, "PutObject", key)
	}
	return int64(len(data)), nil
}

// Get downloads the object for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return getObject(ctx, s.api, s.bucket, s.objectKey(key), 0)
}

// Delete removes key; deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isErrorType[*s3types.NoSuchKey](err) {
		return translateError(err, "DeleteObject", key)
	}
	return nil
}

// List returns every object under the prefix, with the prefix stripped.
func (s *Store) List(ctx context.Context) ([]cache.StoredObject, error) {
	var objects []cache.StoredObject
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translateError(err, "ListObjectsV2", s.prefix)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if key == "" {
				continue
			}
			objects = append(objects, cache.StoredObject{
				Key:     key,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// Clear deletes every object under the prefix in batches.
func (s *Store) Clear(ctx context.Context) error {
	objects, err := s.List(ctx)
	if err != nil {
		return err
	}

	for start := 0; start < len(objects); start += maxDeleteBatch {
		end := start + maxDeleteBatch
		if end > len(objects) {
			end = len(objects)
		}
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, obj := range objects[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(s.objectKey(obj.Key))})
		}

		out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return translateError(err, "DeleteObjects", s.prefix)
		}
		if out != nil && len(out.Errors) > 0 {
			first := out.Errors[0]
			return errors.NewError(errors.ErrCodeStorageWrite, "failed to delete some objects").
				WithComponent("s3store").WithOperation("DeleteObjects").
				WithDetail("failed", len(out.Errors)).
				WithDetail("key", aws.ToString(first.Key)).
				WithDetail("reason", aws.ToString(first.Message))
		}
	}

	s.logger.Debug("Cleared S3 secondary tier", map[string]interface{}{
		"bucket":  s.bucket,
		"prefix":  s.prefix,
		"objects": len(objects),
	})
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error {
	return nil
}

// getObject reads one object. A positive limit rejects larger bodies.
func getObject(ctx context.Context, api API, bucket, key string, limit int64) ([]byte, error) {
	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateError(err, "GetObject", key)
	}
	defer func() { _ = out.Body.Close() }()

	var body io.Reader = out.Body
	if limit > 0 {
		body = io.LimitReader(out.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, translateError(err, "GetObject", key)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "object exceeds maximum body size").
			WithComponent("s3").WithOperation("GetObject").
			WithDetail("key", key).WithDetail("limit", utils.FormatBytes(limit))
	}
	return data, nil
}

// translateError maps SDK errors onto core error codes.
func translateError(err error, operation, key string) error {
	var coreErr *errors.CoreError
	switch {
	case stderrors.As(err, &coreErr):
		return err
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err), apiErrorCode(err) == "NotFound":
		coreErr = errors.Wrap(err, errors.ErrCodeNotFound, "object not found")
	case isErrorType[*s3types.NoSuchBucket](err):
		coreErr = errors.Wrap(err, errors.ErrCodeInvalidConfig, "bucket does not exist")
	case apiErrorCode(err) == "AccessDenied":
		coreErr = errors.Wrap(err, errors.ErrCodeInvalidConfig, "access denied")
	case stderrors.Is(err, context.Canceled):
		coreErr = errors.Wrap(err, errors.ErrCodeOperationCanceled, "operation cancelled")
	case stderrors.Is(err, context.DeadlineExceeded):
		coreErr = errors.Wrap(err, errors.ErrCodeOperationTimeout, "operation timed out")
	case operation == "GetObject" || operation == "ListObjectsV2":
		coreErr = errors.Wrap(err, errors.ErrCodeStorageRead, "S3 read failed")
	default:
		coreErr = errors.Wrap(err, errors.ErrCodeStorageWrite, "S3 write failed")
	}
	return coreErr.WithComponent("s3").WithOperation(operation).WithDetail("key", key)
}

// apiErrorCode returns the service error code, e.g. "NotFound" for a HEAD
// request, which carries no typed error.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
