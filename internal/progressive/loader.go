package progressive

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/objectfs/imagecore/internal/cache"
	"github.com/objectfs/imagecore/internal/codec"
	"github.com/objectfs/imagecore/internal/metrics"
	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/types"
	"github.com/objectfs/imagecore/pkg/utils"
)

// ImageCache is the part of the tiered cache a loader uses.
type ImageCache interface {
	Fetch(ctx context.Context, key string) <-chan cache.FetchResult
	Store(key string, img image.Image, level cache.CompressionLevel, persist bool) error
	Decode(ctx context.Context, data []byte) (image.Image, error)
	RecommendedCompressionLevel(width, height int) cache.CompressionLevel
}

// Config controls staged loading.
type Config struct {
	// Enabled runs thumbnail and medium stages; otherwise only the original loads.
	Enabled          bool
	ThumbnailMaxSize int
	MediumMaxSize    int
	// NetworkTimeout bounds each stage fetch.
	NetworkTimeout time.Duration
	// PersistStages also writes stage results to the secondary tier.
	PersistStages bool
}

// DefaultConfig returns 200px thumbnails, 800px medium images and a 15s timeout.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		ThumbnailMaxSize: 200,
		MediumMaxSize:    800,
		NetworkTimeout:   15 * time.Second,
		PersistStages:    true,
	}
}

// LoaderDeps are the collaborators of a Loader.
type LoaderDeps struct {
	Fetcher types.Fetcher
	// Decoder is used when Cache is nil; defaults to codec.NewDecoder(0).
	Decoder types.Decoder
	Cache   ImageCache
	Metrics *metrics.Collector
	Logger  *utils.StructuredLogger
}

// Loader delivers one image as thumbnail, medium and original.
type Loader struct {
	src     Source
	config  Config
	fetcher types.Fetcher
	decoder types.Decoder
	cache   ImageCache
	metrics *metrics.Collector
	logger  *utils.StructuredLogger

	mu       sync.Mutex
	state    State
	stage    Stage
	progress float64
	cancel   context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

// NewLoader creates an idle loader for src.
func NewLoader(src Source, deps LoaderDeps, config Config) *Loader {
	def := DefaultConfig()
	if config.ThumbnailMaxSize <= 0 {
		config.ThumbnailMaxSize = def.ThumbnailMaxSize
	}
	if config.MediumMaxSize <= 0 {
		config.MediumMaxSize = def.MediumMaxSize
	}
	if config.NetworkTimeout <= 0 {
		config.NetworkTimeout = def.NetworkTimeout
	}

	decoder := deps.Decoder
	if decoder == nil {
		decoder = codec.NewDecoder(0)
	}

	return &Loader{
		src:     src,
		config:  config,
		fetcher: deps.Fetcher,
		decoder: decoder,
		cache:   deps.Cache,
		metrics: deps.Metrics,
		logger:  utils.OrNop(deps.Logger).WithComponent("progressive").WithField("key", src.Key),
		done:    make(chan struct{}),
	}
}

// Source returns the loader's source.
func (l *Loader) Source() Source {
	return l.src
}

// Start begins automatic progression. Callbacks run on the loader's
// goroutine; either may be nil.
func (l *Loader) Start(ctx context.Context, onProgress ProgressFunc, onComplete CompletionFunc) error {
	l.mu.Lock()
	if l.state != StateIdle {
		state := l.state
		l.mu.Unlock()
		return errors.NewError(errors.ErrCodeAlreadyStarted, "loader already started").
			WithComponent("progressive").WithDetail("key", l.src.Key).WithDetail("state", state.String())
	}

	stages := l.plannedStages()
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.stage = StageOriginal
	if len(stages) > 0 {
		l.stage = stages[0]
	}
	l.state = loadingState(l.stage)
	l.mu.Unlock()

	go l.run(runCtx, stages, onProgress, onComplete)
	return nil
}

func (l *Loader) plannedStages() []Stage {
	candidates := Stages
	if !l.config.Enabled {
		candidates = []Stage{StageOriginal}
	}
	stages := make([]Stage, 0, len(candidates))
	for _, s := range candidates {
		if l.src.ID(s) != "" {
			stages = append(stages, s)
		}
	}
	return stages
}

func (l *Loader) run(ctx context.Context, stages []Stage, onProgress ProgressFunc, onComplete CompletionFunc) {
	defer l.cancelContext()

	if len(stages) == 0 {
		err := errors.NewError(errors.ErrCodeFetchFailed, "no source for any stage").
			WithComponent("progressive").WithDetail("key", l.src.Key)
		l.complete(StateFailed, StageOriginal, nil, err, onComplete)
		return
	}

	for i, stage := range stages {
		last := i == len(stages)-1
		if !l.enter(stage) {
			return
		}

		res := l.loadStage(ctx, stage, true)
		if l.isCancelled() {
			return
		}
		if ctx.Err() != nil || errors.IsCancelled(res.Err) {
			l.abandon()
			return
		}

		if res.Err != nil {
			l.logger.Warn("Stage failed", map[string]interface{}{
				"stage": stage.String(),
				"error": res.Err,
			})
			if last {
				l.complete(StateFailed, stage, nil, res.Err, onComplete)
				return
			}
			continue
		}

		progress, ok := l.ready(stage, last)
		if !ok {
			return
		}
		if onProgress != nil {
			onProgress(progress, stage, res.Image)
		}
		if last {
			l.complete(StateOriginalReady, stage, res.Image, nil, onComplete)
			return
		}
	}
}

// enter moves to the loading state of stage unless cancelled.
func (l *Loader) enter(stage Stage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateCancelled {
		return false
	}
	l.state = loadingState(stage)
	l.stage = stage
	return true
}

// ready commits delivery of stage. The last planned stage always reports
// full progress and makes a later Cancel a no-op.
func (l *Loader) ready(stage Stage, last bool) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateCancelled {
		return l.progress, false
	}
	w := stage.Weight()
	if last {
		w = 1.0
		l.state = StateOriginalReady
	} else {
		l.state = readyState(stage)
	}
	if w > l.progress {
		l.progress = w
	}
	return l.progress, true
}

// complete commits the terminal state, then reports it.
func (l *Loader) complete(state State, stage Stage, img image.Image, err error, onComplete CompletionFunc) {
	l.mu.Lock()
	if l.state == StateCancelled {
		l.mu.Unlock()
		return
	}
	l.state = state
	l.stage = stage
	l.mu.Unlock()

	if onComplete != nil {
		onComplete(img, stage, err)
	}
	l.markDone()
}

// Cancel abandons in-flight work. Late results are dropped and completion is
// never invoked. Cancelling an idle, finished or cancelled loader is a no-op
// apart from making the loader unstartable when idle.
func (l *Loader) Cancel() {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	l.state = StateCancelled
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.markDone()
}

// abandon moves a loader whose parent context ended to Cancelled without
// reporting completion.
func (l *Loader) abandon() {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	l.state = StateCancelled
	l.mu.Unlock()

	l.logger.Debug("Loader cancelled by context")
	l.markDone()
}

func (l *Loader) cancelContext() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Loader) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *Loader) isCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateCancelled
}

// State returns the automatic progression state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CurrentStage returns the stage being loaded or last delivered; false
// before Start.
func (l *Loader) CurrentStage() (Stage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stage, l.state != StateIdle
}

// Progress returns the weighted progress in [0, 1].
func (l *Loader) Progress() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress
}

// IsLoading reports whether automatic progression is under way.
func (l *Loader) IsLoading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != StateIdle && !l.state.Terminal()
}

// Done is closed once the loader has completed or been cancelled.
func (l *Loader) Done() <-chan struct{} {
	return l.done
}

// LoadThumbnailOnly loads the thumbnail stage alone.
func (l *Loader) LoadThumbnailOnly(ctx context.Context) <-chan Result {
	return l.loadOnly(ctx, StageThumbnail)
}

// LoadMediumOnly loads the medium stage alone.
func (l *Loader) LoadMediumOnly(ctx context.Context) <-chan Result {
	return l.loadOnly(ctx, StageMedium)
}

// LoadOriginalOnly loads the original alone.
func (l *Loader) LoadOriginalOnly(ctx context.Context) <-chan Result {
	return l.loadOnly(ctx, StageOriginal)
}

func (l *Loader) loadOnly(ctx context.Context, stage Stage) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		out <- l.loadStage(ctx, stage, false)
	}()
	return out
}

// loadStage checks the cache, then fetches, decodes, fits and caches stage.
// Automatic stages are only cached while the loader is not cancelled.
func (l *Loader) loadStage(ctx context.Context, stage Stage, auto bool) Result {
	start := time.Now()
	res := l.fetchStage(ctx, stage, auto)
	if !errors.IsCancelled(res.Err) {
		l.metrics.ObserveStage(stage.String(), time.Since(start), res.Err == nil)
	}
	return res
}

func (l *Loader) fetchStage(ctx context.Context, stage Stage, auto bool) Result {
	id := l.src.ID(stage)
	if id == "" {
		return Result{Stage: stage, Err: errors.NewError(errors.ErrCodeNotFound, "no source for stage").
			WithComponent("progressive").WithDetail("stage", stage.String())}
	}

	key := StageKey(l.src.Key, stage)
	if l.cache != nil && l.src.Key != "" {
		if hit := <-l.cache.Fetch(ctx, key); hit.Found && hit.Err == nil {
			return Result{Image: hit.Image, Stage: stage, FromCache: true}
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{Stage: stage, Err: errors.Wrap(err, errors.ErrCodeOperationCanceled, "stage cancelled").
			WithComponent("progressive")}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, l.config.NetworkTimeout)
	data, err := l.fetcher.Fetch(fetchCtx, id)
	cancel()
	if err != nil {
		return Result{Stage: stage, Err: l.stageError(ctx, err, stage, id)}
	}

	img, err := l.decode(ctx, data)
	if err != nil {
		return Result{Stage: stage, Err: l.stageError(ctx, err, stage, id)}
	}

	level := cache.CompressionNone
	switch stage {
	case StageThumbnail:
		img = codec.Fit(img, l.config.ThumbnailMaxSize, l.config.ThumbnailMaxSize)
	case StageMedium:
		img = codec.Fit(img, l.config.MediumMaxSize, l.config.MediumMaxSize)
	}

	if l.cache != nil && l.src.Key != "" && stage == StageOriginal {
		b := img.Bounds()
		level = l.cache.RecommendedCompressionLevel(b.Dx(), b.Dy())
	}
	if !l.store(ctx, key, img, level, stage, auto) {
		return Result{Stage: stage, Err: errors.Wrap(context.Canceled, errors.ErrCodeOperationCanceled, "stage cancelled").
			WithComponent("progressive")}
	}
	return Result{Image: img, Stage: stage}
}

// store caches a stage result and reports false if the work was cancelled.
// Automatic stages hold l.mu across the write, so a Cancel either precedes
// it and nothing is cached, or follows it.
func (l *Loader) store(ctx context.Context, key string, img image.Image, level cache.CompressionLevel, stage Stage, auto bool) bool {
	if auto {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.state == StateCancelled {
			return false
		}
	}
	if ctx.Err() != nil {
		return false
	}
	if l.cache == nil || l.src.Key == "" {
		return true
	}
	if err := l.cache.Store(key, img, level, l.config.PersistStages); err != nil {
		l.logger.Debug("Stage not cached", map[string]interface{}{
			"stage": stage.String(),
			"error": err,
		})
	}
	return true
}

func (l *Loader) decode(ctx context.Context, data []byte) (image.Image, error) {
	if l.cache != nil {
		return l.cache.Decode(ctx, data)
	}
	return l.decoder.Decode(data)
}

// stageError keeps core error codes and wraps anything else as FETCH_FAILED.
// A cancelled parent context always reads as cancellation.
func (l *Loader) stageError(ctx context.Context, err error, stage Stage, id string) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "stage cancelled").
			WithComponent("progressive").WithDetail("stage", stage.String())
	}
	if errors.CodeOf(err) != "" {
		return err
	}
	return errors.Wrap(err, errors.ErrCodeFetchFailed, "stage fetch failed").
		WithComponent("progressive").WithDetail("stage", stage.String()).WithDetail("source", id)
}
