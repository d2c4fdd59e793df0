package preload

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/objectfs/imagecore/pkg/memmon"
)

func TestWindow(t *testing.T) {
	cfg := DefaultConfig()
	normal := conditions{wifi: true}

	tests := []struct {
		name   string
		cond   conditions
		ahead  int
		behind int
	}{
		{"idle", normal, 2, 2},
		{"slow scroll", conditions{direction: DirectionRight, velocity: 100, wifi: true}, 2, 1},
		{"medium scroll", conditions{direction: DirectionRight, velocity: 1000, wifi: true}, 4, 1},
		{"fast scroll", conditions{direction: DirectionLeft, velocity: 1500, wifi: true}, 5, 0},
		{"capped", conditions{direction: DirectionRight, velocity: 9000, wifi: true}, 5, 0},
		{"negative velocity", conditions{direction: DirectionLeft, velocity: -1000, wifi: true}, 4, 1},
		{"warning", conditions{direction: DirectionRight, velocity: 1000, pressure: memmon.PressureWarning, wifi: true}, 2, 1},
		{"critical", conditions{direction: DirectionRight, velocity: 1000, pressure: memmon.PressureCritical, wifi: true}, 1, 0},
		{"critical idle", conditions{pressure: memmon.PressureCritical, wifi: true}, 1, 1},
		{"cellular", conditions{direction: DirectionRight, velocity: 1000}, 2, 1},
		{"slow network", conditions{direction: DirectionRight, velocity: 1000, wifi: true, slow: true}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ahead, behind := window(cfg, tt.cond)
			assert.Equal(t, tt.ahead, ahead, "ahead")
			assert.Equal(t, tt.behind, behind, "behind")
		})
	}
}

func TestConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 4

	assert.Equal(t, 4, concurrency(cfg, conditions{wifi: true}))
	assert.Equal(t, 2, concurrency(cfg, conditions{wifi: true, pressure: memmon.PressureWarning}))
	assert.Equal(t, 2, concurrency(cfg, conditions{}))
	assert.Equal(t, 1, concurrency(cfg, conditions{wifi: true, pressure: memmon.PressureCritical}))
	assert.Equal(t, 1, concurrency(cfg, conditions{wifi: true, slow: true}))
	assert.Equal(t, 0, concurrency(cfg, conditions{wifi: true, pressure: memmon.PressureUrgent}))
}

func TestPriority(t *testing.T) {
	cfg := DefaultConfig()
	fast := conditions{direction: DirectionRight, velocity: 2000, wifi: true}
	slow := conditions{direction: DirectionRight, velocity: 200, wifi: true}

	assert.Greater(t, priority(cfg, 1, true, fast), priority(cfg, 2, true, fast))
	assert.Greater(t, priority(cfg, 1, true, fast), priority(cfg, 1, true, slow))
	assert.Greater(t, priority(cfg, 1, true, slow), priority(cfg, 1, false, slow))
	assert.Zero(t, priority(cfg, 0, true, fast))
}

func TestTargets(t *testing.T) {
	cfg := DefaultConfig()

	got := targets(cfg, 10, conditions{direction: DirectionLeft, velocity: 600, wifi: true})
	assert.Len(t, got, 4)
	for _, page := range []int{9, 8, 7, 11} {
		assert.Contains(t, got, page)
	}

	got = targets(cfg, 0, conditions{wifi: true})
	assert.Len(t, got, 2, "no negative pages")
	assert.Contains(t, got, 1)
	assert.Contains(t, got, 2)
}
