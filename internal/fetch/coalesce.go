package fetch

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/types"
)

// Coalescer merges concurrent fetches of the same source into one call.
// The shared call ignores caller cancellation and is bounded by timeout
// instead; each caller still returns when its own ctx ends.
type Coalescer struct {
	next    types.Fetcher
	timeout time.Duration
	group   singleflight.Group
	shared  atomic.Uint64
}

var _ types.Fetcher = (*Coalescer)(nil)

// NewCoalescer wraps next. timeout <= 0 leaves the shared call unbounded.
func NewCoalescer(next types.Fetcher, timeout time.Duration) *Coalescer {
	return &Coalescer{next: next, timeout: timeout}
}

// Fetch returns the bytes for source. The returned slice may be shared with
// other callers and must not be modified.
func (c *Coalescer) Fetch(ctx context.Context, source string) ([]byte, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(source, func() (interface{}, error) {
		fetchCtx := detached
		if c.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(detached, c.timeout)
			defer cancel()
		}
		return c.next.Fetch(fetchCtx, source)
	})

	select {
	case <-ctx.Done():
		return nil, contextError(ctx, source)
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Shared counts deliveries whose result was shared with another caller.
func (c *Coalescer) Shared() uint64 {
	return c.shared.Load()
}

func contextError(ctx context.Context, source string) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationTimeout, "fetch timed out").
			WithComponent("fetch").WithDetail("source", source)
	}
	return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "fetch cancelled").
		WithComponent("fetch").WithDetail("source", source)
}
