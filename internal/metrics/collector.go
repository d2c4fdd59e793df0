package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/imagecore/pkg/utils"
)

// Collector records imagecore metrics on a private registry. A nil *Collector
// and a disabled one are both valid and record nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	cacheRequests     *prometheus.CounterVec
	cacheEvictions    *prometheus.CounterVec
	cacheBytes        *prometheus.GaugeVec
	pressureLevel     prometheus.Gauge
	pressureChanges   *prometheus.CounterVec
	preloadTasks      *prometheus.CounterVec
	preloadInFlight   prometheus.Gauge
	stageDuration     *prometheus.HistogramVec
	operationDuration *prometheus.HistogramVec
	operationCounter  *prometheus.CounterVec

	operations map[string]*OperationMetrics
	startedAt  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`

	Logger *utils.StructuredLogger `yaml:"-"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "imagecore",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	collector := &Collector{
		config:     config,
		logger:     utils.OrNop(config.Logger).WithComponent("metrics"),
		operations: make(map[string]*OperationMetrics),
		startedAt:  time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled && c.registry != nil
}

// Registry exposes the underlying registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the metrics endpoint until Stop or ctx is done.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.mu.Lock()
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server failed", map[string]interface{}{"error": err})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("Metrics endpoint listening", map[string]interface{}{
		"port": c.config.Port,
		"path": c.config.Path,
	})
	return nil
}

// Stop stops the metrics endpoint
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	server := c.server
	c.mu.RUnlock()
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordCacheRequest counts a lookup against a tier ("memory", "secondary").
func (c *Collector) RecordCacheRequest(tier string, hit bool) {
	if !c.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheRequests.WithLabelValues(tier, result).Inc()
}

// RecordEvictions counts entries removed from a tier for a reason
// ("capacity", "pressure", "expired", "cleared").
func (c *Collector) RecordEvictions(tier, reason string, n int) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.cacheEvictions.WithLabelValues(tier, reason).Add(float64(n))
}

// UpdateCacheBytes sets the bytes held by a tier.
func (c *Collector) UpdateCacheBytes(tier string, size int64) {
	if !c.enabled() {
		return
	}
	c.cacheBytes.WithLabelValues(tier).Set(float64(size))
}

// RecordPressureChange records a level transition; level is the numeric level.
func (c *Collector) RecordPressureChange(level int, name string) {
	if !c.enabled() {
		return
	}
	c.pressureLevel.Set(float64(level))
	c.pressureChanges.WithLabelValues(name).Inc()
}

// RecordPreloadTask counts a preload task event ("scheduled", "completed",
// "cancelled", "failed").
func (c *Collector) RecordPreloadTask(event string) {
	if !c.enabled() {
		return
	}
	c.preloadTasks.WithLabelValues(event).Inc()
}

// SetPreloadInFlight sets the number of running preload tasks.
func (c *Collector) SetPreloadInFlight(n int) {
	if !c.enabled() {
		return
	}
	c.preloadInFlight.Set(float64(n))
}

// ObserveStage records how long a progressive stage took.
func (c *Collector) ObserveStage(stage string, duration time.Duration, success bool) {
	if !c.enabled() {
		return
	}
	c.stageDuration.WithLabelValues(stage, status(success)).Observe(duration.Seconds())
}

// RecordOperation records a timed operation such as a fetch or a secondary write.
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	if !success {
		m.Errors++
	}
	m.TotalDuration += duration
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastOperation = time.Now()
	c.mu.Unlock()

	c.operationCounter.WithLabelValues(operation, status(success)).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Operations returns a copy of the per-operation summaries.
func (c *Collector) Operations() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if c == nil {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "cache_requests_total",
		Help:      "Cache lookups by tier and result",
	}, []string{"tier", "result"})

	c.cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "cache_evictions_total",
		Help:      "Entries removed from a cache tier",
	}, []string{"tier", "reason"})

	c.cacheBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "cache_size_bytes",
		Help:      "Bytes held by a cache tier",
	}, []string{"tier"})

	c.pressureLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "memory_pressure_level",
		Help:      "Current memory pressure level (0 normal .. 3 urgent)",
	})

	c.pressureChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "memory_pressure_transitions_total",
		Help:      "Memory pressure transitions by destination level",
	}, []string{"level"})

	c.preloadTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "preload_tasks_total",
		Help:      "Preload task lifecycle events",
	}, []string{"event"})

	c.preloadInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "preload_in_flight",
		Help:      "Preload tasks currently loading",
	})

	c.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "progressive_stage_duration_seconds",
		Help:      "Duration of progressive loading stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 13),
	}, []string{"stage", "status"})

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "operations_total",
		Help:      "Total number of operations",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "operation_duration_seconds",
		Help:      "Duration of operations in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"operation"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheRequests,
		c.cacheEvictions,
		c.cacheBytes,
		c.pressureLevel,
		c.pressureChanges,
		c.preloadTasks,
		c.preloadInFlight,
		c.stageDuration,
		c.operationCounter,
		c.operationDuration,
	}
	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"imagecore-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"uptime":     time.Since(c.startedAt).String(),
		"operations": c.Operations(),
	})
}
