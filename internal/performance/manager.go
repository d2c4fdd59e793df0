package performance

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/objectfs/imagecore/internal/cache"
	"github.com/objectfs/imagecore/internal/circuit"
	"github.com/objectfs/imagecore/internal/config"
	"github.com/objectfs/imagecore/internal/fetch"
	"github.com/objectfs/imagecore/internal/metrics"
	"github.com/objectfs/imagecore/internal/preload"
	"github.com/objectfs/imagecore/internal/progressive"
	s3store "github.com/objectfs/imagecore/internal/storage/s3"
	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/memmon"
	"github.com/objectfs/imagecore/pkg/types"
	"github.com/objectfs/imagecore/pkg/utils"
)

// PageSource resolves a page index to the sources of its image.
type PageSource interface {
	Page(page int) (progressive.Source, bool)
}

// PageSourceFunc adapts a function to PageSource.
type PageSourceFunc func(page int) (progressive.Source, bool)

// Page calls f(page).
func (f PageSourceFunc) Page(page int) (progressive.Source, bool) {
	return f(page)
}

// Dependencies override the collaborators New would otherwise build from
// configuration. Every field is optional.
type Dependencies struct {
	MemorySource types.MemorySource
	Fetcher      types.Fetcher
	Store        cache.SecondaryStore
	Decoder      types.Decoder
	Pages        PageSource
	Metrics      *metrics.Collector
	Logger       *utils.StructuredLogger
	// CPUCount defaults to runtime.NumCPU.
	CPUCount int
}

// Statistics aggregates every component.
type Statistics struct {
	Profile          DeviceProfile            `json:"profile"`
	Tuning           Tuning                   `json:"tuning"`
	Pressure         memmon.PressureState     `json:"pressure"`
	PressureChanges  uint64                   `json:"pressure_changes"`
	Cache            cache.Statistics         `json:"cache"`
	Preload          preload.Stats            `json:"preload"`
	Breakers         map[string]circuit.Stats `json:"breakers,omitempty"`
	CoalescedFetches uint64                   `json:"coalesced_fetches"`
}

// Manager wires the memory monitor, tiered cache, fetchers and preloader
// together and keeps them tuned for the device and current pressure.
type Manager struct {
	config  *config.Configuration
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	cpus    int

	monitor   *memmon.MemoryMonitor
	cache     *cache.TieredCache
	preloader *preload.Preloader
	fetcher   types.Fetcher
	http      *fetch.HTTPFetcher
	coalescer *fetch.Coalescer

	// applyMu orders pushes into the components; mu guards the fields below
	// and is never held while calling into them.
	applyMu         sync.Mutex
	mu              sync.RWMutex
	profile         DeviceProfile
	base            Tuning
	tuning          Tuning
	level           memmon.PressureLevel
	pressureChanges uint64
	pages           PageSource

	runMu       sync.Mutex
	running     bool
	closed      bool
	unsubscribe func()
	cancel      context.CancelFunc

	ownsMetrics bool
}

// New builds every component from cfg, detects the device profile and
// applies the initial tuning. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Configuration, deps Dependencies) (*Manager, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		var err error
		if logger, err = cfg.Global.NewLogger(); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		config:  cfg,
		logger:  logger.WithComponent("performance"),
		metrics: deps.Metrics,
		cpus:    deps.CPUCount,
		pages:   deps.Pages,
	}
	if m.cpus <= 0 {
		m.cpus = runtime.NumCPU()
	}

	if m.metrics == nil && cfg.Monitoring.Metrics.Enabled {
		collector, err := metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      cfg.Monitoring.Metrics.Port,
			Path:      cfg.Monitoring.Metrics.Path,
			Namespace: cfg.Monitoring.Metrics.Namespace,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		m.metrics = collector
		m.ownsMetrics = true
	}

	if err := m.build(ctx, deps, logger); err != nil {
		_ = m.closeComponents()
		return nil, err
	}

	profile := m.detectProfile()
	m.retune(func() {
		m.profile = profile
		m.level = m.monitor.CurrentLevel()
		m.base = deriveTuning(profile.Tier, 0, SizeMedium, m.limits())
	})

	m.logger.Info("Performance manager ready", map[string]interface{}{
		"tier":         m.profile.Tier.String(),
		"total_memory": utils.FormatMB(m.profile.TotalMemoryMB),
		"cpus":         m.profile.CPUCount,
		"memory_cache": utils.FormatMB(uint64(m.tuning.MemoryCacheMB)),
		"window":       m.tuning.PreloadWindow,
	})
	return m, nil
}

func (m *Manager) build(ctx context.Context, deps Dependencies, logger *utils.StructuredLogger) error {
	cfg := m.config

	source := deps.MemorySource
	if source == nil {
		var err error
		if source, err = memorySource(cfg.Memory); err != nil {
			return err
		}
	}
	monitor, err := memmon.NewMemoryMonitor(memmon.MonitorConfig{
		SampleInterval: cfg.Memory.SampleInterval,
		Thresholds: memmon.Thresholds{
			WarningMB:  cfg.Memory.WarningThresholdMB,
			CriticalMB: cfg.Memory.CriticalThresholdMB,
			UrgentMB:   cfg.Memory.UrgentThresholdMB,
		},
		HistorySize: cfg.Memory.HistorySize,
		Source:      source,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	m.monitor = monitor

	store := deps.Store
	if store == nil {
		if store, err = secondaryStore(ctx, cfg.Cache.Secondary, logger); err != nil {
			return err
		}
	}
	tiered, err := cache.New(cache.Config{
		MemoryBudget:           int64(cfg.Cache.MaxMemoryCacheSizeMB) << 20,
		SecondaryBudget:        int64(cfg.Cache.MaxDiskCacheSizeMB) << 20,
		TTL:                    cfg.Cache.TTL,
		CriticalRetainFraction: cfg.Cache.CriticalRetainFraction,
		UrgentRetainFraction:   cfg.Cache.UrgentRetainFraction,
		Workers:                cfg.Cache.Workers,
		Areas: cache.AreaThresholds{
			Small:  cfg.Cache.SmallImageArea,
			Medium: cfg.Cache.MediumImageArea,
			Large:  cfg.Cache.LargeImageArea,
		},
		Store:    store,
		Decoder:  deps.Decoder,
		Pressure: monitor,
		Metrics:  m.metrics,
		Logger:   logger,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return err
	}
	m.cache = tiered

	m.fetcher = deps.Fetcher
	if m.fetcher == nil {
		if m.fetcher, err = m.buildFetcher(ctx, logger); err != nil {
			return err
		}
	}

	m.preloader, err = preload.NewPreloader(preload.Config{
		BaseWindow:    cfg.Preload.BaseWindow,
		MaxWindow:     cfg.Preload.MaxWindow,
		MaxLookBehind: cfg.Preload.MaxLookBehind,
		MaxConcurrent: cfg.Preload.MaxConcurrent,
		VelocityUnit:  cfg.Preload.VelocityUnit,
		FastVelocity:  cfg.Preload.FastVelocity,
		LeadTimeTTL:   cfg.Preload.LeadTimeTTL,
	}, preload.Deps{
		NewLoader: m.preloadLoader,
		Pressure:  monitor,
		Metrics:   m.metrics,
		Logger:    logger,
	})
	return err
}

// buildFetcher routes http(s), s3 and local sources through one coalescer.
func (m *Manager) buildFetcher(ctx context.Context, logger *utils.StructuredLogger) (types.Fetcher, error) {
	netCfg := m.config.Network
	var maxBody int64
	if netCfg.MaxBodySize != "" {
		var err error
		if maxBody, err = utils.ParseBytes(netCfg.MaxBodySize); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid max body size").
				WithComponent("performance").WithDetail("value", netCfg.MaxBodySize)
		}
	}

	httpCfg := fetch.DefaultHTTPConfig()
	httpCfg.Timeout = netCfg.Timeout
	httpCfg.UserAgent = netCfg.UserAgent
	httpCfg.MaxIdleConns = netCfg.MaxIdleConns
	httpCfg.MaxBodySize = maxBody
	httpCfg.Metrics = m.metrics
	httpCfg.Logger = logger
	m.http = fetch.NewHTTPFetcher(httpCfg)

	mux := fetch.NewMux()
	mux.Handle("http", m.http)
	mux.Handle("https", m.http)

	files := &fetch.FileFetcher{MaxBodySize: maxBody}
	mux.Handle("file", files)
	mux.HandleDefault(files)

	client, err := s3store.NewClient(ctx, netCfg.S3)
	if err != nil {
		m.logger.Warn("S3 sources disabled", map[string]interface{}{"error": err})
	} else {
		mux.Handle("s3", s3store.NewFetcher(client, netCfg.S3.Bucket, maxBody))
	}

	m.coalescer = fetch.NewCoalescer(mux, netCfg.Timeout)
	return m.coalescer, nil
}

func memorySource(cfg config.MemoryConfig) (types.MemorySource, error) {
	if cfg.Source != config.MemorySourceRuntime {
		return memmon.NewHostMemorySource(), nil
	}
	var limit int64
	if cfg.RuntimeLimit != "" {
		var err error
		if limit, err = utils.ParseBytes(cfg.RuntimeLimit); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid runtime memory limit").
				WithComponent("performance").WithDetail("value", cfg.RuntimeLimit)
		}
	}
	return memmon.NewRuntimeMemorySource(uint64(limit)), nil
}

func secondaryStore(ctx context.Context, cfg config.SecondaryConfig, logger *utils.StructuredLogger) (cache.SecondaryStore, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return cache.NewFileStore(cache.FileStoreConfig{
			Directory:   cfg.Directory,
			Compression: cfg.Gzip,
			SyncDelay:   cfg.IndexSyncDelay,
			Logger:      logger,
		})
	case config.BackendBolt:
		path := cfg.BoltPath
		if path == "" {
			path = filepath.Join(cfg.Directory, "images.db")
		}
		return cache.NewBoltStore(path, "images")
	case config.BackendS3:
		return s3store.Open(ctx, cfg.S3, logger)
	default:
		return nil, nil
	}
}

func (m *Manager) detectProfile() DeviceProfile {
	state := m.monitor.OptimizeNow()
	return DeviceProfile{
		TotalMemoryMB:     state.TotalMB,
		AvailableMemoryMB: state.AvailableMB,
		CPUCount:          m.cpus,
		Tier:              ClassifyTier(state.TotalMB, m.cpus),
		DetectedAt:        time.Now(),
	}
}

func (m *Manager) limits() limits {
	return limits{
		memoryCacheMB: m.config.Cache.MaxMemoryCacheSizeMB,
		diskCacheMB:   m.config.Cache.MaxDiskCacheSizeMB,
		maxWindow:     m.config.Preload.MaxWindow,
		maxConcurrent: m.config.Preload.MaxConcurrent,
		progressive:   m.config.Progressive.Enabled,
	}
}

// retune runs update under m.mu, derives the effective tuning from the
// resulting base and level, and pushes it into the cache and preloader.
func (m *Manager) retune(update func()) Tuning {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	update()
	t := underPressure(m.base, m.level)
	m.tuning = t
	m.mu.Unlock()

	m.cache.SetMemoryBudget(t.MemoryCacheMB)
	m.cache.SetSecondaryBudget(t.DiskCacheMB)
	m.preloader.SetLimits(t.PreloadWindow, t.MaxConcurrent)
	return t
}

// Profile returns the detected device profile.
func (m *Manager) Profile() DeviceProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

// RefreshProfile samples the host again and re-derives the base tuning.
func (m *Manager) RefreshProfile() DeviceProfile {
	profile := m.detectProfile()

	var prev DeviceTier
	m.retune(func() {
		prev = m.profile.Tier
		m.profile = profile
		m.base = deriveTuning(profile.Tier, 0, SizeMedium, m.limits())
	})
	if profile.Tier != prev {
		m.logger.Info("Device tier changed", map[string]interface{}{
			"from": prev.String(),
			"to":   profile.Tier.String(),
		})
	}
	return profile
}

// Optimize derives and applies a tuning for a browsing session of
// imageCount images of the given size.
func (m *Manager) Optimize(imageCount int, size SizeCategory) Tuning {
	t := m.retune(func() {
		m.base = deriveTuning(m.profile.Tier, imageCount, size, m.limits())
	})

	m.logger.Info("Applied tuning", map[string]interface{}{
		"images":       imageCount,
		"size":         size.String(),
		"memory_cache": utils.FormatMB(uint64(t.MemoryCacheMB)),
		"window":       t.PreloadWindow,
		"concurrency":  t.MaxConcurrent,
		"compression":  t.Compression.String(),
		"progressive":  t.ProgressiveEnabled,
	})
	return t
}

// RecommendedPreloadCount returns how many neighbouring pages to preload.
func (m *Manager) RecommendedPreloadCount(imageCount int, size SizeCategory) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return recommendedPreloadCount(underPressure(deriveTuning(m.profile.Tier, imageCount, size, m.limits()), m.level), imageCount)
}

// RecommendedCacheCount returns how many decoded images of the size fit the
// current memory budget.
func (m *Manager) RecommendedCacheCount(size SizeCategory) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return recommendedCacheCount(m.tuning, size)
}

// Tuning returns the tuning in effect.
func (m *Manager) Tuning() Tuning {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tuning
}

// HandleMemoryPressure re-tunes every component for level. The monitor
// calls it on each transition; calling it directly is also allowed.
func (m *Manager) HandleMemoryPressure(level memmon.PressureLevel) {
	var from memmon.PressureLevel
	t := m.retune(func() {
		from = m.level
		if level != from {
			m.pressureChanges++
		}
		m.level = level
	})

	m.logger.Info("Re-tuned for memory pressure", map[string]interface{}{
		"from":         from.String(),
		"to":           level.String(),
		"memory_cache": utils.FormatMB(uint64(t.MemoryCacheMB)),
		"window":       t.PreloadWindow,
		"concurrency":  t.MaxConcurrent,
	})
}

func (m *Manager) pressureLevel() memmon.PressureLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// SetPages sets the page resolver used by the preloader.
func (m *Manager) SetPages(pages PageSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = pages
}

// NewLoader returns a progressive loader bound to the manager's fetcher,
// cache and current tuning.
func (m *Manager) NewLoader(src progressive.Source) *progressive.Loader {
	m.mu.RLock()
	t := m.tuning
	m.mu.RUnlock()

	pc := m.config.Progressive
	return progressive.NewLoader(src, progressive.LoaderDeps{
		Fetcher: m.fetcher,
		Cache:   &tunedCache{TieredCache: m.cache, floor: t.Compression},
		Metrics: m.metrics,
		Logger:  m.logger,
	}, progressive.Config{
		Enabled:          t.ProgressiveEnabled,
		ThumbnailMaxSize: pc.ThumbnailMaxSize,
		MediumMaxSize:    pc.MediumMaxSize,
		NetworkTimeout:   pc.NetworkTimeout,
		PersistStages:    pc.PersistStages,
	})
}

func (m *Manager) preloadLoader(page int) preload.Loader {
	m.mu.RLock()
	pages := m.pages
	m.mu.RUnlock()
	if pages == nil {
		return nil
	}
	src, ok := pages.Page(page)
	if !ok {
		return nil
	}
	return m.NewLoader(src)
}

// Cache returns the tiered cache.
func (m *Manager) Cache() *cache.TieredCache { return m.cache }

// Preloader returns the preloader.
func (m *Manager) Preloader() *preload.Preloader { return m.preloader }

// Monitor returns the memory monitor.
func (m *Manager) Monitor() *memmon.MemoryMonitor { return m.monitor }

// Fetcher returns the fetcher used by loaders.
func (m *Manager) Fetcher() types.Fetcher { return m.fetcher }

// Start begins sampling, subscribes to pressure changes and, when enabled,
// starts preloading and the metrics endpoint.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.closed {
		return errors.NewError(errors.ErrCodeComponentStopped, "manager is closed").WithComponent("performance")
	}
	if m.running {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "manager already running").WithComponent("performance")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := m.monitor.Start(runCtx, m.config.Memory.SampleInterval); err != nil {
		cancel()
		return err
	}
	m.unsubscribe = m.monitor.OnLevelChange(m.HandleMemoryPressure)
	// Catch up on transitions seen while no handler was registered.
	if level := m.monitor.CurrentLevel(); level != m.pressureLevel() {
		m.HandleMemoryPressure(level)
	}

	if m.config.Preload.Enabled {
		if err := m.preloader.Start(); err != nil {
			m.unsubscribe()
			m.monitor.Stop()
			cancel()
			return err
		}
	}
	if m.ownsMetrics {
		if err := m.metrics.Start(runCtx); err != nil {
			m.logger.Warn("Metrics endpoint not started", map[string]interface{}{"error": err})
		}
	}

	m.cancel = cancel
	m.running = true
	m.logger.Info("Performance manager started", map[string]interface{}{
		"sample_interval": m.config.Memory.SampleInterval.String(),
		"preload":         m.config.Preload.Enabled,
	})
	return nil
}

// Stop halts background work. The manager can be started again.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if !m.running {
		return
	}
	m.running = false
	m.preloader.Stop()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.monitor.Stop()
	m.cancel()
	m.logger.Info("Performance manager stopped")
}

// Close stops the manager and releases every component.
func (m *Manager) Close() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.closed {
		return nil
	}
	m.stopLocked()
	m.closed = true
	return m.closeComponents()
}

func (m *Manager) closeComponents() error {
	var err error
	if m.preloader != nil {
		err = multierr.Append(err, m.preloader.Close())
	}
	if m.cache != nil {
		err = multierr.Append(err, m.cache.Close())
	}
	if m.monitor != nil {
		err = multierr.Append(err, m.monitor.Close())
	}
	if m.ownsMetrics {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, m.metrics.Stop(ctx))
		cancel()
	}
	return err
}

// Statistics aggregates the state of every component.
func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	stats := Statistics{
		Profile:         m.profile,
		Tuning:          m.tuning,
		PressureChanges: m.pressureChanges,
	}
	m.mu.RUnlock()

	stats.Pressure = m.monitor.State()
	stats.Cache = m.cache.Statistics()
	stats.Preload = m.preloader.Stats()
	if m.http != nil {
		stats.Breakers = m.http.BreakerStats()
	}
	if m.coalescer != nil {
		stats.CoalescedFetches = m.coalescer.Shared()
	}
	return stats
}

// tunedCache applies the tuning's compression floor to the cache's
// recommendation for originals.
type tunedCache struct {
	*cache.TieredCache
	floor cache.CompressionLevel
}

var _ progressive.ImageCache = (*tunedCache)(nil)

func (c *tunedCache) RecommendedCompressionLevel(width, height int) cache.CompressionLevel {
	return max(c.TieredCache.RecommendedCompressionLevel(width, height), c.floor)
}
