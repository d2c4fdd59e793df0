package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/imagecore/pkg/errors"
)

func newTestFileStore(t *testing.T, dir string, compression bool) *FileStore {
	t.Helper()
	s, err := NewFileStore(FileStoreConfig{
		Directory:   dir,
		Compression: compression,
		SyncDelay:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func TestFileStoreContract(t *testing.T) {
	for _, compression := range []bool{false, true} {
		compression := compression
		t.Run(map[bool]string{false: "plain", true: "gzip"}[compression], func(t *testing.T) {
			s := newTestFileStore(t, t.TempDir(), compression)
			defer s.Close()
			exerciseStore(t, s)
		})
	}
}

func TestFileStoreRequiresDirectory(t *testing.T) {
	_, err := NewFileStore(FileStoreConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestFileStoreCompressionShrinksFiles(t *testing.T) {
	data := make([]byte, 64*1024)

	plain := newTestFileStore(t, t.TempDir(), false)
	defer plain.Close()
	packed := newTestFileStore(t, t.TempDir(), true)
	defer packed.Close()

	plainSize, err := plain.Put(context.Background(), "k", data)
	require.NoError(t, err)
	packedSize, err := packed.Put(context.Background(), "k", data)
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), plainSize)
	assert.Less(t, packedSize, plainSize)
}

func TestFileStoreIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir, true)
	_, err := s.Put(context.Background(), "page-7", []byte("seven"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := newTestFileStore(t, dir, true)
	defer reopened.Close()

	objects, err := reopened.List(context.Background())
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "page-7", objects[0].Key)

	got, err := reopened.Get(context.Background(), "page-7")
	require.NoError(t, err)
	assert.Equal(t, []byte("seven"), got)
}

func TestFileStoreDebouncedIndexSync(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir, false)
	defer s.Close()

	_, err := s.Put(context.Background(), "a", []byte("a"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "index.json"))
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestFileStoreDetectsCorruption(t *testing.T) {
	s := newTestFileStore(t, t.TempDir(), false)
	defer s.Close()

	_, err := s.Put(context.Background(), "bad", []byte("original"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.filePath("bad"), []byte("tampered"), 0640))

	_, err = s.Get(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStorageRead, errors.CodeOf(err))

	// The corrupted entry is dropped.
	_, err = s.Get(context.Background(), "bad")
	assert.True(t, errors.IsNotFound(err))
}

func TestFileStoreMissingFileIsNotFound(t *testing.T) {
	s := newTestFileStore(t, t.TempDir(), false)
	defer s.Close()

	_, err := s.Put(context.Background(), "gone", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(s.filePath("gone")))

	_, err = s.Get(context.Background(), "gone")
	assert.True(t, errors.IsNotFound(err))
}

func TestFileStorePutAfterClose(t *testing.T) {
	s := newTestFileStore(t, t.TempDir(), false)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Put(context.Background(), "k", []byte("v"))
	assert.True(t, errors.Is(err, errors.ErrStopped))
}
