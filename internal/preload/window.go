package preload

import (
	"math"

	"github.com/objectfs/imagecore/pkg/memmon"
)

// conditions are the inputs to window and concurrency sizing.
type conditions struct {
	direction Direction
	velocity  float64
	pressure  memmon.PressureLevel
	wifi      bool
	slow      bool
}

// window returns how many pages to preload ahead of and behind the current
// page. For DirectionNone both sides use the ahead count.
func window(c Config, cond conditions) (ahead, behind int) {
	velocity := math.Abs(cond.velocity)

	if cond.direction == DirectionNone {
		ahead, behind = c.BaseWindow, c.BaseWindow
	} else {
		ahead = c.BaseWindow + int(velocity/c.VelocityUnit)
		behind = c.MaxLookBehind
		if velocity >= c.FastVelocity {
			behind = 0
		}
	}
	ahead = min(ahead, c.MaxWindow)
	behind = min(behind, c.MaxWindow)

	switch {
	case cond.pressure.AtLeast(memmon.PressureCritical):
		ahead = min(ahead, 1)
		behind = 0
		if cond.direction == DirectionNone {
			behind = ahead
		}
	case cond.pressure == memmon.PressureWarning:
		ahead = max(1, ahead/2)
		behind = min(behind, ahead)
	}

	switch {
	case cond.slow:
		ahead = min(ahead, 1)
		behind = min(behind, 1)
	case !cond.wifi:
		ahead = max(1, ahead/2)
		behind = min(behind, ahead)
	}
	return ahead, behind
}

// concurrency returns how many loaders may run at once; 0 suspends dispatch.
func concurrency(c Config, cond conditions) int {
	n := c.MaxConcurrent
	if cond.pressure.AtLeast(memmon.PressureUrgent) {
		return 0
	}
	if cond.pressure == memmon.PressureWarning || !cond.wifi {
		n = max(1, n/2)
	}
	if cond.pressure == memmon.PressureCritical || cond.slow {
		n = min(n, 1)
	}
	return n
}

// priority ranks a page at distance pages from the current one. Pages in the
// scroll direction gain with velocity; pages behind it are halved.
func priority(c Config, distance int, ahead bool, cond conditions) float64 {
	if distance <= 0 {
		return 0
	}
	p := 1 / float64(distance)
	switch {
	case cond.direction == DirectionNone:
		return p
	case ahead:
		return p * (1 + math.Abs(cond.velocity)/c.VelocityUnit)
	default:
		return p * 0.5
	}
}

// targets maps every page inside the window around current to its priority.
func targets(c Config, current int, cond conditions) map[int]float64 {
	ahead, behind := window(c, cond)

	step := 1
	if cond.direction == DirectionLeft {
		step = -1
	}

	out := make(map[int]float64, ahead+behind)
	for d := 1; d <= ahead; d++ {
		if page := current + d*step; page >= 0 {
			out[page] = priority(c, d, true, cond)
		}
	}
	for d := 1; d <= behind; d++ {
		if page := current - d*step; page >= 0 {
			out[page] = priority(c, d, false, cond)
		}
	}
	return out
}
