package cache

import (
	"context"
	"image"
	"sync"

	"github.com/Jeffail/tunny"

	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/types"
)

type jobResult struct {
	img  image.Image
	data []byte
	err  error
}

// workerPool bounds concurrent decode and encode work.
type workerPool struct {
	mu     sync.RWMutex
	pool   *tunny.Pool
	closed bool
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	return &workerPool{
		pool: tunny.NewFunc(workers, func(payload interface{}) interface{} {
			return payload.(func() jobResult)()
		}),
	}
}

func (p *workerPool) run(ctx context.Context, job func() jobResult) jobResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return jobResult{err: errors.ErrStopped}
	}

	out, err := p.pool.ProcessCtx(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return jobResult{err: errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "worker pool job cancelled").
				WithComponent("cache")}
		}
		return jobResult{err: errors.Wrap(err, errors.ErrCodeInternalError, "worker pool job failed").
			WithComponent("cache")}
	}
	return out.(jobResult)
}

func (p *workerPool) decode(ctx context.Context, decoder types.Decoder, data []byte) (image.Image, error) {
	res := p.run(ctx, func() jobResult {
		img, err := decoder.Decode(data)
		return jobResult{img: img, err: err}
	})
	return res.img, res.err
}

func (p *workerPool) encode(ctx context.Context, img image.Image, level CompressionLevel) ([]byte, error) {
	res := p.run(ctx, func() jobResult {
		data, err := encodeImage(img, level)
		return jobResult{data: data, err: err}
	})
	return res.data, res.err
}

func (p *workerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.pool.Close()
	}
}
