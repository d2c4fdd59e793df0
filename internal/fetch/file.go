package fetch

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/types"
	"github.com/objectfs/imagecore/pkg/utils"
)

// FileFetcher reads sources from the local filesystem. Relative paths are
// resolved against Root; absolute paths must stay inside Root when it is set.
type FileFetcher struct {
	Root        string
	MaxBodySize int64
}

var _ types.Fetcher = (*FileFetcher)(nil)

// Fetch reads source, a path or a file:// URL.
func (f *FileFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, contextError(ctx, source)
	}

	path, err := f.resolve(source)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.ErrCodeNotFound, "source not found").
				WithComponent("fetch").WithDetail("source", source)
		}
		return nil, errors.Wrap(err, errors.ErrCodeFetchFailed, "failed to stat source").
			WithComponent("fetch").WithDetail("source", source)
	}
	if info.IsDir() {
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "source is a directory").
			WithComponent("fetch").WithDetail("source", source)
	}
	if f.MaxBodySize > 0 && info.Size() > f.MaxBodySize {
		return nil, tooLarge(source, f.MaxBodySize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFetchFailed, "failed to read source").
			WithComponent("fetch").WithDetail("source", source).WithDetail("size", utils.FormatBytes(info.Size()))
	}
	return data, nil
}

func (f *FileFetcher) resolve(source string) (string, error) {
	path := source
	if strings.HasPrefix(source, "file://") {
		u, err := url.Parse(source)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrCodeFetchFailed, "invalid file source").
				WithComponent("fetch").WithDetail("source", source)
		}
		path = u.Path
	}
	if path == "" {
		return "", errors.NewError(errors.ErrCodeFetchFailed, "empty source").WithComponent("fetch")
	}

	if f.Root == "" {
		return filepath.Clean(path), nil
	}

	full, err := utils.ResolveWithin(f.Root, path)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFetchFailed, "source escapes root").
			WithComponent("fetch").WithDetail("source", source)
	}
	return full, nil
}
