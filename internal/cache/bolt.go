package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/objectfs/imagecore/pkg/errors"
)

const (
	defaultBoltBucket = "images"
	boltHeaderSize    = 8
)

// BoltStore is a SecondaryStore in a single bbolt file. Each value is
// prefixed with its store time in unix nanoseconds.
type BoltStore struct {
	bucket []byte
	dbh    *bbolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path, bucket string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bolt store requires a path").
			WithComponent("boltstore")
	}
	if bucket == "" {
		bucket = defaultBoltBucket
	}

	dbh, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to open bolt database").
			WithComponent("boltstore").WithDetail("path", path)
	}

	err = dbh.Update(func(tx *bbolt.Tx) error {
		if _, err2 := tx.CreateBucketIfNotExists([]byte(bucket)); err2 != nil {
			return fmt.Errorf("create bucket: %w", err2)
		}
		return nil
	})
	if err != nil {
		_ = dbh.Close()
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to initialise bolt database").
			WithComponent("boltstore")
	}

	return &BoltStore{bucket: []byte(bucket), dbh: dbh}, nil
}

// Put stores data under key.
func (s *BoltStore) Put(ctx context.Context, key string, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeOperationCanceled, "put cancelled").WithComponent("boltstore")
	}

	value := make([]byte, boltHeaderSize+len(data))
	binary.BigEndian.PutUint64(value, uint64(time.Now().UnixNano()))
	copy(value[boltHeaderSize:], data)

	err := s.dbh.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to write bolt value").
			WithComponent("boltstore").WithDetail("key", key)
	}
	return int64(len(data)), nil
}

// Get returns a copy of the value for key.
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeOperationCanceled, "get cancelled").WithComponent("boltstore")
	}

	var data []byte
	err := s.dbh.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return errors.NewError(errors.ErrCodeNotFound, "key not in bolt store").
				WithComponent("boltstore").WithDetail("key", key)
		}
		if len(v) < boltHeaderSize {
			return fmt.Errorf("value for %q is truncated", key)
		}
		// Slices returned by bbolt are only valid inside the transaction.
		data = append([]byte(nil), v[boltHeaderSize:]...)
		return nil
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to read bolt value").
			WithComponent("boltstore").WithDetail("key", key)
	}
	return data, nil
}

// Delete removes key.
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	err := s.dbh.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to delete bolt value").
			WithComponent("boltstore").WithDetail("key", key)
	}
	return nil
}

// Clear drops and recreates the bucket.
func (s *BoltStore) Clear(ctx context.Context) error {
	err := s.dbh.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(s.bucket)
		return err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to clear bolt store").
			WithComponent("boltstore")
	}
	return nil
}

// List walks the bucket.
func (s *BoltStore) List(ctx context.Context) ([]StoredObject, error) {
	var out []StoredObject
	err := s.dbh.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(v) < boltHeaderSize {
				return nil
			}
			out = append(out, StoredObject{
				Key:     string(k),
				Size:    int64(len(v) - boltHeaderSize),
				ModTime: time.Unix(0, int64(binary.BigEndian.Uint64(v[:boltHeaderSize]))),
			})
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to list bolt store").
			WithComponent("boltstore")
	}
	return out, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	if s.dbh == nil {
		return nil
	}
	return s.dbh.Close()
}
