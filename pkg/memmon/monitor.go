// Package memmon samples available memory, classifies it into pressure levels
// and notifies subscribers when the level changes.
package memmon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olebedev/emitter"

	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/types"
	"github.com/objectfs/imagecore/pkg/utils"
)

const levelTopic = "pressure.level"

// PressureLevel orders memory pressure from Normal to Urgent.
type PressureLevel int32

const (
	PressureNormal PressureLevel = iota
	PressureWarning
	PressureCritical
	PressureUrgent
)

// String returns the string representation of the level
func (l PressureLevel) String() string {
	switch l {
	case PressureNormal:
		return "normal"
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	case PressureUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// AtLeast reports whether l is o or worse.
func (l PressureLevel) AtLeast(o PressureLevel) bool {
	return l >= o
}

// Thresholds are available-memory limits in MB. Warning > Critical > Urgent.
type Thresholds struct {
	WarningMB  uint64 `yaml:"warning_threshold_mb"`
	CriticalMB uint64 `yaml:"critical_threshold_mb"`
	UrgentMB   uint64 `yaml:"urgent_threshold_mb"`
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{WarningMB: 300, CriticalMB: 150, UrgentMB: 50}
}

// Validate checks the ordering of the limits.
func (t Thresholds) Validate() error {
	if t.UrgentMB == 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "urgent threshold must be positive").
			WithComponent("memmon")
	}
	if !(t.WarningMB > t.CriticalMB && t.CriticalMB > t.UrgentMB) {
		return errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("thresholds must satisfy warning > critical > urgent, got %d/%d/%d",
				t.WarningMB, t.CriticalMB, t.UrgentMB)).
			WithComponent("memmon")
	}
	return nil
}

// Classify maps available MB to a level. A value at or below a limit takes that level.
func (t Thresholds) Classify(availableMB uint64) PressureLevel {
	switch {
	case availableMB <= t.UrgentMB:
		return PressureUrgent
	case availableMB <= t.CriticalMB:
		return PressureCritical
	case availableMB <= t.WarningMB:
		return PressureWarning
	default:
		return PressureNormal
	}
}

// PressureState is a snapshot of the monitor.
type PressureState struct {
	Level           PressureLevel `json:"level"`
	Thresholds      Thresholds    `json:"thresholds"`
	Sequence        uint64        `json:"sequence"`
	AvailableMB     uint64        `json:"available_mb"`
	TotalMB         uint64        `json:"total_mb"`
	UsagePercentage float64       `json:"usage_percentage"`
	SampledAt       time.Time     `json:"sampled_at"`
	SampleFailures  uint64        `json:"sample_failures"`
}

// Transition records one level change.
type Transition struct {
	From        PressureLevel `json:"from"`
	To          PressureLevel `json:"to"`
	Sequence    uint64        `json:"sequence"`
	AvailableMB uint64        `json:"available_mb"`
	At          time.Time     `json:"at"`
}

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is used when Start is given a non-positive interval
	SampleInterval time.Duration

	Thresholds Thresholds

	// HistorySize bounds the transition history
	HistorySize int

	// Source defaults to the host memory source
	Source types.MemorySource

	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 2 * time.Second,
		Thresholds:     DefaultThresholds(),
		HistorySize:    50,
	}
}

// MemoryMonitor tracks available memory and publishes level transitions
type MemoryMonitor struct {
	config MonitorConfig
	source types.MemorySource
	logger *utils.StructuredLogger
	bus    *emitter.Emitter

	level atomic.Int32

	mu             sync.RWMutex
	thresholds     Thresholds
	sequence       uint64
	lastAvailable  uint64
	lastTotal      uint64
	sampled        bool
	sampledAt      time.Time
	sampleFailures uint64
	history        []Transition

	queueMu     sync.Mutex
	queue       []PressureLevel
	notifyCh    chan struct{}
	subscribers atomic.Int32

	runMu    sync.Mutex
	running  bool
	interval time.Duration
	stopCh   chan struct{}
	resetCh  chan time.Duration
	wg       sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
	notifyWG  sync.WaitGroup
}

// NewMemoryMonitor creates a monitor. The monitor does not sample until Start
// or OptimizeNow is called; Close releases its notification goroutine.
func NewMemoryMonitor(config MonitorConfig) (*MemoryMonitor, error) {
	defaults := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.Thresholds == (Thresholds{}) {
		config.Thresholds = defaults.Thresholds
	}
	if config.HistorySize <= 0 {
		config.HistorySize = defaults.HistorySize
	}
	if err := config.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if config.Source == nil {
		config.Source = NewHostMemorySource()
	}

	mm := &MemoryMonitor{
		config:     config,
		source:     config.Source,
		logger:     utils.OrNop(config.Logger).WithComponent("memmon"),
		bus:        emitter.New(16),
		thresholds: config.Thresholds,
		notifyCh:   make(chan struct{}, 1),
		resetCh:    make(chan time.Duration, 1),
		closed:     make(chan struct{}),
	}

	mm.notifyWG.Add(1)
	go mm.notifyLoop()

	return mm, nil
}

// Start begins periodic sampling. Calling Start while running only changes
// the interval.
func (mm *MemoryMonitor) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = mm.config.SampleInterval
	}

	mm.runMu.Lock()
	defer mm.runMu.Unlock()

	select {
	case <-mm.closed:
		return errors.NewError(errors.ErrCodeComponentStopped, "monitor is closed").
			WithComponent("memmon").WithOperation("start")
	default:
	}

	if mm.running {
		if interval != mm.interval {
			mm.interval = interval
			select {
			case <-mm.resetCh:
			default:
			}
			mm.resetCh <- interval
		}
		return nil
	}

	mm.running = true
	mm.interval = interval
	mm.stopCh = make(chan struct{})

	mm.logger.Info("Starting memory monitor", map[string]interface{}{
		"sample_interval": interval,
		"warning":         utils.FormatMB(mm.config.Thresholds.WarningMB),
		"critical":        utils.FormatMB(mm.config.Thresholds.CriticalMB),
		"urgent":          utils.FormatMB(mm.config.Thresholds.UrgentMB),
	})

	mm.wg.Add(1)
	go mm.monitorLoop(ctx, interval, mm.stopCh)
	return nil
}

// Stop stops periodic sampling; it is safe to call repeatedly.
func (mm *MemoryMonitor) Stop() {
	mm.runMu.Lock()
	if !mm.running {
		mm.runMu.Unlock()
		return
	}
	mm.running = false
	close(mm.stopCh)
	mm.runMu.Unlock()

	mm.wg.Wait()
	mm.logger.Info("Stopped memory monitor")
}

// IsRunning reports whether periodic sampling is active.
func (mm *MemoryMonitor) IsRunning() bool {
	mm.runMu.Lock()
	defer mm.runMu.Unlock()
	return mm.running
}

// Close stops sampling, detaches all subscribers and ends notification delivery.
func (mm *MemoryMonitor) Close() error {
	mm.Stop()
	mm.closeOnce.Do(func() {
		close(mm.closed)
		mm.notifyWG.Wait()
		mm.bus.Off("*")
	})
	return nil
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context, interval time.Duration, stopCh chan struct{}) {
	defer mm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	mm.sample()

	for {
		select {
		case <-ctx.Done():
			mm.runMu.Lock()
			if mm.stopCh == stopCh {
				mm.running = false
			}
			mm.runMu.Unlock()
			return
		case <-stopCh:
			return
		case d := <-mm.resetCh:
			ticker.Reset(d)
		case <-ticker.C:
			mm.sample()
		}
	}
}

// sample reads the source, classifies and queues a notification on a transition.
func (mm *MemoryMonitor) sample() PressureState {
	available, err := mm.source.AvailableBytes()
	if err != nil {
		mm.mu.Lock()
		mm.sampleFailures++
		mm.mu.Unlock()
		mm.logger.Warn("Memory sample failed, keeping previous level", map[string]interface{}{
			"error": err,
			"level": mm.CurrentLevel().String(),
		})
		return mm.State()
	}
	total, err := mm.source.TotalBytes()
	if err != nil {
		total = 0
	}

	mm.mu.Lock()
	mm.lastAvailable = available / (1 << 20)
	if total > 0 {
		mm.lastTotal = total / (1 << 20)
	}
	mm.sampled = true
	mm.sampledAt = time.Now()
	tr, changed := mm.reclassifyLocked()
	mm.mu.Unlock()

	if changed {
		mm.publish(tr)
	}
	return mm.State()
}

// reclassifyLocked applies the current thresholds to the last sample and
// queues the transition, if any. Callers hold mm.mu.
func (mm *MemoryMonitor) reclassifyLocked() (Transition, bool) {
	prev := PressureLevel(mm.level.Load())
	next := mm.thresholds.Classify(mm.lastAvailable)
	if next == prev {
		return Transition{}, false
	}

	mm.sequence++
	tr := Transition{
		From:        prev,
		To:          next,
		Sequence:    mm.sequence,
		AvailableMB: mm.lastAvailable,
		At:          time.Now(),
	}
	mm.level.Store(int32(next))

	mm.history = append(mm.history, tr)
	if len(mm.history) > mm.config.HistorySize {
		mm.history = mm.history[len(mm.history)-mm.config.HistorySize:]
	}

	// Queued while mm.mu is held so delivery order matches sequence order.
	mm.queueMu.Lock()
	mm.queue = append(mm.queue, tr.To)
	mm.queueMu.Unlock()
	return tr, true
}

// publish logs a transition already queued by reclassifyLocked and wakes the
// notification loop.
func (mm *MemoryMonitor) publish(tr Transition) {
	mm.logger.Info("Memory pressure changed", map[string]interface{}{
		"from":      tr.From.String(),
		"to":        tr.To.String(),
		"available": utils.FormatMB(tr.AvailableMB),
		"sequence":  tr.Sequence,
	})

	select {
	case mm.notifyCh <- struct{}{}:
	default:
	}
}

// notifyLoop drains queued transitions in order. Each emit completes delivery
// to every subscriber channel before the next one starts.
func (mm *MemoryMonitor) notifyLoop() {
	defer mm.notifyWG.Done()

	for {
		select {
		case <-mm.closed:
			return
		case <-mm.notifyCh:
		}

		for {
			mm.queueMu.Lock()
			if len(mm.queue) == 0 {
				mm.queueMu.Unlock()
				break
			}
			level := mm.queue[0]
			mm.queue = mm.queue[1:]
			mm.queueMu.Unlock()

			if mm.subscribers.Load() == 0 {
				continue
			}
			select {
			case <-mm.bus.Emit(levelTopic, level):
			case <-mm.closed:
				return
			}
		}
	}
}

// OnLevelChange registers handler for level transitions. Each handler runs on
// its own goroutine and sees transitions in order. The returned function
// unsubscribes.
func (mm *MemoryMonitor) OnLevelChange(handler func(PressureLevel)) func() {
	events := mm.bus.On(levelTopic)
	mm.subscribers.Add(1)

	go func() {
		for ev := range events {
			if len(ev.Args) == 0 {
				continue
			}
			if level, ok := ev.Args[0].(PressureLevel); ok {
				handler(level)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			mm.subscribers.Add(-1)
			mm.bus.Off(levelTopic, events)
		})
	}
}

// OptimizeNow samples and classifies immediately, notifying on a transition.
func (mm *MemoryMonitor) OptimizeNow() PressureState {
	return mm.sample()
}

// CurrentLevel returns the most recently classified level.
func (mm *MemoryMonitor) CurrentLevel() PressureLevel {
	return PressureLevel(mm.level.Load())
}

// State returns a snapshot of the monitor.
func (mm *MemoryMonitor) State() PressureState {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	return PressureState{
		Level:           PressureLevel(mm.level.Load()),
		Thresholds:      mm.thresholds,
		Sequence:        mm.sequence,
		AvailableMB:     mm.lastAvailable,
		TotalMB:         mm.lastTotal,
		UsagePercentage: usagePercentage(mm.lastAvailable, mm.lastTotal),
		SampledAt:       mm.sampledAt,
		SampleFailures:  mm.sampleFailures,
	}
}

// AvailableMemoryMB reads the source now, falling back to the last sample.
func (mm *MemoryMonitor) AvailableMemoryMB() uint64 {
	if available, err := mm.source.AvailableBytes(); err == nil {
		return available / (1 << 20)
	}
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.lastAvailable
}

// TotalMemoryMB reads the source now, falling back to the last sample.
func (mm *MemoryMonitor) TotalMemoryMB() uint64 {
	if total, err := mm.source.TotalBytes(); err == nil && total > 0 {
		return total / (1 << 20)
	}
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.lastTotal
}

// UsagePercentage is the share of total memory in use at the last sample,
// in [0,1].
func (mm *MemoryMonitor) UsagePercentage() float64 {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return usagePercentage(mm.lastAvailable, mm.lastTotal)
}

// Thresholds returns the active limits.
func (mm *MemoryMonitor) Thresholds() Thresholds {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.thresholds
}

// SetThresholds replaces the limits and reclassifies the last sample.
func (mm *MemoryMonitor) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}

	mm.mu.Lock()
	mm.thresholds = t
	var (
		tr      Transition
		changed bool
	)
	if mm.sampled {
		tr, changed = mm.reclassifyLocked()
	}
	mm.mu.Unlock()

	if changed {
		mm.publish(tr)
	}
	return nil
}

// History returns recorded transitions, oldest first.
func (mm *MemoryMonitor) History() []Transition {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	out := make([]Transition, len(mm.history))
	copy(out, mm.history)
	return out
}

func usagePercentage(availableMB, totalMB uint64) float64 {
	if totalMB == 0 || availableMB >= totalMB {
		return 0
	}
	return float64(totalMB-availableMB) / float64(totalMB)
}
