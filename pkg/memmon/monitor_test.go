package memmon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/objectfs/imagecore/pkg/errors"
)

const mb = 1 << 20

type fakeSource struct {
	available atomic.Uint64
	total     atomic.Uint64
	fail      atomic.Bool
	reads     atomic.Int64
}

func newFakeSource(availableMB, totalMB uint64) *fakeSource {
	s := &fakeSource{}
	s.available.Store(availableMB * mb)
	s.total.Store(totalMB * mb)
	return s
}

func (s *fakeSource) set(availableMB uint64) { s.available.Store(availableMB * mb) }

func (s *fakeSource) AvailableBytes() (uint64, error) {
	s.reads.Add(1)
	if s.fail.Load() {
		return 0, errors.New("sampling unavailable")
	}
	return s.available.Load(), nil
}

func (s *fakeSource) TotalBytes() (uint64, error) {
	return s.total.Load(), nil
}

type levelRecorder struct {
	mu     sync.Mutex
	levels []PressureLevel
}

func (r *levelRecorder) record(l PressureLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, l)
}

func (r *levelRecorder) snapshot() []PressureLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PressureLevel(nil), r.levels...)
}

func newTestMonitor(t *testing.T, src *fakeSource) *MemoryMonitor {
	t.Helper()
	cfg := DefaultMonitorConfig()
	cfg.Thresholds = Thresholds{WarningMB: 300, CriticalMB: 150, UrgentMB: 50}
	cfg.Source = src
	m, err := NewMemoryMonitor(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestThresholdsClassify(t *testing.T) {
	t.Parallel()

	th := Thresholds{WarningMB: 300, CriticalMB: 150, UrgentMB: 50}
	tests := []struct {
		availableMB uint64
		want        PressureLevel
	}{
		{1000, PressureNormal},
		{301, PressureNormal},
		{300, PressureWarning},
		{200, PressureWarning},
		{150, PressureCritical},
		{51, PressureCritical},
		{50, PressureUrgent},
		{0, PressureUrgent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Classify(tt.availableMB), "available=%d", tt.availableMB)
	}
}

func TestThresholdsValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultThresholds().Validate())

	for _, th := range []Thresholds{
		{WarningMB: 100, CriticalMB: 150, UrgentMB: 50},
		{WarningMB: 300, CriticalMB: 50, UrgentMB: 50},
		{WarningMB: 300, CriticalMB: 150, UrgentMB: 0},
	} {
		err := th.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, coreerrors.ErrInvalidConfig))
	}
}

func TestNewMemoryMonitorRejectsBadThresholds(t *testing.T) {
	t.Parallel()

	cfg := DefaultMonitorConfig()
	cfg.Thresholds = Thresholds{WarningMB: 10, CriticalMB: 20, UrgentMB: 5}
	cfg.Source = newFakeSource(100, 1000)
	_, err := NewMemoryMonitor(cfg)
	assert.Error(t, err)
}

func TestTransitionsNotifyOncePerChange(t *testing.T) {
	t.Parallel()

	src := newFakeSource(200, 4096)
	m := newTestMonitor(t, src)

	rec := &levelRecorder{}
	unsubscribe := m.OnLevelChange(rec.record)
	defer unsubscribe()

	state := m.OptimizeNow()
	assert.Equal(t, PressureWarning, state.Level)
	assert.Equal(t, uint64(1), state.Sequence)

	// Same level again: no new notification.
	m.OptimizeNow()

	src.set(40)
	state = m.OptimizeNow()
	assert.Equal(t, PressureUrgent, state.Level)
	assert.Equal(t, uint64(2), state.Sequence)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	// Give any stray notification a chance to show up.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []PressureLevel{PressureWarning, PressureUrgent}, rec.snapshot())

	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, PressureNormal, history[0].From)
	assert.Equal(t, PressureUrgent, history[1].To)
	assert.Equal(t, uint64(40), history[1].AvailableMB)
}

func TestMultipleSubscribersSeeSameOrder(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1000, 4096)
	m := newTestMonitor(t, src)

	a, b := &levelRecorder{}, &levelRecorder{}
	defer m.OnLevelChange(a.record)()
	defer m.OnLevelChange(b.record)()

	for _, v := range []uint64{250, 100, 20, 500} {
		src.set(v)
		m.OptimizeNow()
	}

	want := []PressureLevel{PressureWarning, PressureCritical, PressureUrgent, PressureNormal}
	require.Eventually(t, func() bool {
		return len(a.snapshot()) == 4 && len(b.snapshot()) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, a.snapshot())
	assert.Equal(t, want, b.snapshot())
}

func TestConcurrentSamplesDeliverInSequenceOrder(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1000, 4096)
	cfg := DefaultMonitorConfig()
	cfg.Thresholds = Thresholds{WarningMB: 300, CriticalMB: 150, UrgentMB: 50}
	cfg.HistorySize = 10000
	cfg.Source = src
	m, err := NewMemoryMonitor(cfg)
	require.NoError(t, err)
	defer m.Close()

	rec := &levelRecorder{}
	defer m.OnLevelChange(rec.record)()

	values := []uint64{1000, 250, 100, 20}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				src.set(values[(g+i)%len(values)])
				m.OptimizeNow()
			}
		}(g)
	}
	wg.Wait()

	history := m.History()
	require.NotEmpty(t, history)
	want := make([]PressureLevel, len(history))
	for i, tr := range history {
		want[i] = tr.To
		assert.Equal(t, uint64(i+1), tr.Sequence)
	}

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, want, got)
	assert.Equal(t, m.CurrentLevel(), got[len(got)-1])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1000, 4096)
	m := newTestMonitor(t, src)

	rec := &levelRecorder{}
	unsubscribe := m.OnLevelChange(rec.record)

	src.set(200)
	m.OptimizeNow()
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()

	src.set(10)
	m.OptimizeNow()
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
	assert.Equal(t, PressureUrgent, m.CurrentLevel())
}

func TestSampleFailureKeepsLevel(t *testing.T) {
	t.Parallel()

	src := newFakeSource(100, 4096)
	m := newTestMonitor(t, src)

	m.OptimizeNow()
	require.Equal(t, PressureCritical, m.CurrentLevel())

	src.fail.Store(true)
	state := m.OptimizeNow()
	assert.Equal(t, PressureCritical, state.Level)
	assert.Equal(t, uint64(1), state.SampleFailures)
	assert.Equal(t, uint64(1), state.Sequence)

	// Point-in-time read falls back to the last sample.
	assert.Equal(t, uint64(100), m.AvailableMemoryMB())
}

func TestUsagePercentage(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1024, 4096)
	m := newTestMonitor(t, src)
	m.OptimizeNow()

	assert.InDelta(t, 0.75, m.UsagePercentage(), 0.001)
	assert.InDelta(t, 0.75, m.State().UsagePercentage, 0.001)
	assert.Equal(t, uint64(4096), m.TotalMemoryMB())
}

func TestSetThresholdsReclassifies(t *testing.T) {
	t.Parallel()

	src := newFakeSource(400, 4096)
	m := newTestMonitor(t, src)
	m.OptimizeNow()
	require.Equal(t, PressureNormal, m.CurrentLevel())

	require.NoError(t, m.SetThresholds(Thresholds{WarningMB: 1000, CriticalMB: 500, UrgentMB: 100}))
	assert.Equal(t, PressureCritical, m.CurrentLevel())
	assert.Error(t, m.SetThresholds(Thresholds{WarningMB: 1, CriticalMB: 2, UrgentMB: 3}))
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1000, 4096)
	m := newTestMonitor(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx, 10*time.Millisecond))
	require.NoError(t, m.Start(ctx, 10*time.Millisecond))
	assert.True(t, m.IsRunning())

	require.Eventually(t, func() bool { return src.reads.Load() >= 3 }, time.Second, 5*time.Millisecond)

	// A new interval re-arms the running loop instead of starting another.
	require.NoError(t, m.Start(ctx, 5*time.Millisecond))

	m.Stop()
	m.Stop()
	assert.False(t, m.IsRunning())

	reads := src.reads.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, reads, src.reads.Load(), "no sampling after Stop")
}

func TestPeriodicSamplingDetectsChange(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1000, 4096)
	m := newTestMonitor(t, src)

	rec := &levelRecorder{}
	defer m.OnLevelChange(rec.record)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx, 5*time.Millisecond))

	src.set(120)
	require.Eventually(t, func() bool {
		levels := rec.snapshot()
		return len(levels) == 1 && levels[0] == PressureCritical
	}, time.Second, 5*time.Millisecond)
}

func TestStartAfterCloseFails(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t, newFakeSource(1000, 4096))
	require.NoError(t, m.Close())
	err := m.Start(context.Background(), time.Millisecond)
	assert.True(t, errors.Is(err, coreerrors.ErrStopped))
}

func TestPressureLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "normal", PressureNormal.String())
	assert.Equal(t, "urgent", PressureUrgent.String())
	assert.Equal(t, "unknown", PressureLevel(9).String())
	assert.True(t, PressureCritical.AtLeast(PressureWarning))
	assert.False(t, PressureWarning.AtLeast(PressureCritical))
}

func TestRuntimeMemorySource(t *testing.T) {
	t.Parallel()

	src := NewRuntimeMemorySource(1 << 40)
	total, err := src.TotalBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), total)

	avail, err := src.AvailableBytes()
	require.NoError(t, err)
	assert.Less(t, avail, total)

	tiny := NewRuntimeMemorySource(1)
	avail, err = tiny.AvailableBytes()
	require.NoError(t, err)
	assert.Zero(t, avail)
}
