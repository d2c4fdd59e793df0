package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/klauspost/compress/gzip"

	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/utils"
)

// FileStore is a SecondaryStore keeping one file per image in a directory,
// with a JSON index written shortly after changes settle.
type FileStore struct {
	mu        sync.RWMutex
	directory string
	config    FileStoreConfig
	index     map[string]*fileItem
	logger    *utils.StructuredLogger
	syncIndex func(func())
	closed    bool
}

// FileStoreConfig represents file store configuration
type FileStoreConfig struct {
	Directory   string        `yaml:"directory"`
	Compression bool          `yaml:"compression"`
	IndexFile   string        `yaml:"index_file"`
	SyncDelay   time.Duration `yaml:"sync_delay"`

	Logger *utils.StructuredLogger `yaml:"-"`
}

// fileItem represents an item in the file store index
type fileItem struct {
	Key        string    `json:"key"`
	FilePath   string    `json:"file_path"`
	Size       int64     `json:"size"`
	StoredAt   time.Time `json:"stored_at"`
	Compressed bool      `json:"compressed"`
	Checksum   string    `json:"checksum"`
}

// NewFileStore opens or creates a file store and loads its index.
func NewFileStore(config FileStoreConfig) (*FileStore, error) {
	if config.Directory == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "file store requires a directory").
			WithComponent("filestore")
	}
	if config.IndexFile == "" {
		config.IndexFile = "index.json"
	}
	if config.SyncDelay <= 0 {
		config.SyncDelay = 2 * time.Second
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create cache directory").
			WithComponent("filestore").WithDetail("directory", config.Directory)
	}

	s := &FileStore{
		directory: config.Directory,
		config:    config,
		index:     make(map[string]*fileItem),
		logger:    utils.OrNop(config.Logger).WithComponent("filestore"),
		syncIndex: debounce.New(config.SyncDelay),
	}

	if err := s.loadIndex(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to load cache index").
			WithComponent("filestore")
	}
	return s, nil
}

// Put writes data to its file, replacing any previous value.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeOperationCanceled, "put cancelled").WithComponent("filestore")
	}

	item := &fileItem{
		Key:        key,
		FilePath:   s.filePath(key),
		StoredAt:   time.Now(),
		Compressed: s.config.Compression,
		Checksum:   checksum(data),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.ErrStopped
	}

	size, err := s.writeFile(item, data)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to write cache file").
			WithComponent("filestore").WithOperation("put").WithDetail("key", key)
	}
	item.Size = size
	s.index[key] = item
	s.scheduleSync()
	return size, nil
}

// Get reads and verifies the value for key.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeOperationCanceled, "get cancelled").WithComponent("filestore")
	}

	s.mu.RLock()
	item, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotFound, "key not in file store").
			WithComponent("filestore").WithDetail("key", key)
	}

	data, err := s.readFile(item)
	if err != nil {
		// Missing or corrupted files are dropped from the index.
		s.mu.Lock()
		if cur, ok := s.index[key]; ok && cur == item {
			delete(s.index, key)
			_ = os.Remove(item.FilePath)
			s.scheduleSync()
		}
		s.mu.Unlock()
		if os.IsNotExist(err) {
			return nil, errors.NewError(errors.ErrCodeNotFound, "cache file missing").
				WithComponent("filestore").WithDetail("key", key)
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to read cache file").
			WithComponent("filestore").WithOperation("get").WithDetail("key", key)
	}
	return data, nil
}

// Delete removes key; deleting a missing key is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.index[key]
	if !ok {
		return nil
	}
	delete(s.index, key)
	s.scheduleSync()
	if err := os.Remove(item.FilePath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to remove cache file").
			WithComponent("filestore").WithDetail("key", key)
	}
	return nil
}

// Clear removes every file and empties the index.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, item := range s.index {
		if err := os.Remove(item.FilePath); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	s.index = make(map[string]*fileItem)
	if err := s.saveIndex(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return errors.Wrap(firstErr, errors.ErrCodeStorageWrite, "failed to clear file store").
			WithComponent("filestore")
	}
	return nil
}

// List returns the indexed objects.
func (s *FileStore) List(ctx context.Context) ([]StoredObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StoredObject, 0, len(s.index))
	for _, item := range s.index {
		out = append(out, StoredObject{Key: item.Key, Size: item.Size, ModTime: item.StoredAt})
	}
	return out, nil
}

// Close writes the index synchronously.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	// Replace any pending debounced sync with a no-op.
	s.syncIndex(func() {})
	return s.saveIndex()
}

// scheduleSync queues an index write. Callers hold s.mu.
func (s *FileStore) scheduleSync() {
	s.syncIndex(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if err := s.saveIndex(); err != nil {
			s.logger.Warn("Failed to save cache index", map[string]interface{}{"error": err})
		}
	})
}

func (s *FileStore) filePath(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(s.directory, hex.EncodeToString(hash[:16])+".img")
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func (s *FileStore) writeFile(item *fileItem, data []byte) (int64, error) {
	var payload []byte
	if item.Compressed {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return 0, err
		}
		if err := zw.Close(); err != nil {
			return 0, err
		}
		payload = buf.Bytes()
	} else {
		payload = data
	}

	tmpPath := item.FilePath + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0640); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, item.FilePath); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	return int64(len(payload)), nil
}

func (s *FileStore) readFile(item *fileItem) ([]byte, error) {
	file, err := os.Open(item.FilePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file
	if item.Compressed {
		gzipReader, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gzipReader.Close() }()
		reader = gzipReader
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if checksum(data) != item.Checksum {
		return nil, fmt.Errorf("checksum mismatch for cached file")
	}
	return data, nil
}

func (s *FileStore) indexPath() (string, error) {
	indexPath := filepath.Join(s.directory, s.config.IndexFile)
	if !strings.HasPrefix(filepath.Clean(indexPath), filepath.Clean(s.directory)) {
		return "", fmt.Errorf("invalid index file path: %s", indexPath)
	}
	return indexPath, nil
}

func (s *FileStore) loadIndex() error {
	indexPath, err := s.indexPath()
	if err != nil {
		return err
	}

	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var items map[string]*fileItem
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		return err
	}

	for key, item := range items {
		if _, err := os.Stat(item.FilePath); os.IsNotExist(err) {
			continue
		}
		s.index[key] = item
	}
	return nil
}

// saveIndex writes the index atomically. Callers hold s.mu.
func (s *FileStore) saveIndex() error {
	indexPath, err := s.indexPath()
	if err != nil {
		return err
	}

	tmpPath := indexPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(s.index); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, indexPath)
}
