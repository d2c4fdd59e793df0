package preload

import (
	"context"
	"time"

	"github.com/objectfs/imagecore/internal/metrics"
	"github.com/objectfs/imagecore/internal/progressive"
	"github.com/objectfs/imagecore/pkg/memmon"
	"github.com/objectfs/imagecore/pkg/utils"
)

// Direction of scroll motion. Right moves toward higher page numbers.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionLeft
	DirectionRight
)

func (d Direction) String() string {
	switch d {
	case DirectionLeft:
		return "left"
	case DirectionRight:
		return "right"
	default:
		return "none"
	}
}

// TaskState is the lifecycle state of a preload task.
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskInFlight
	TaskDone
	TaskCancelled
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskInFlight:
		return "in_flight"
	case TaskDone:
		return "done"
	case TaskCancelled:
		return "cancelled"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the task is queued or running.
func (s TaskState) Active() bool {
	return s == TaskQueued || s == TaskInFlight
}

// TaskInfo is a snapshot of one task.
type TaskInfo struct {
	Page      int       `json:"page"`
	Priority  float64   `json:"priority"`
	State     TaskState `json:"state"`
	Manual    bool      `json:"manual"`
	Immediate bool      `json:"immediate"`
}

// Stats summarises preloader activity.
type Stats struct {
	Scheduled         uint64  `json:"tasks_scheduled"`
	Completed         uint64  `json:"tasks_completed"`
	Cancelled         uint64  `json:"tasks_cancelled"`
	Failed            uint64  `json:"tasks_failed"`
	InFlight          int     `json:"in_flight"`
	Queued            int     `json:"queued"`
	AverageLeadTimeMs float64 `json:"average_lead_time_ms"`
	Concurrency       int     `json:"concurrency"`
	LookAhead         int     `json:"look_ahead"`
	LookBehind        int     `json:"look_behind"`
}

// Config controls the preload window and concurrency.
type Config struct {
	BaseWindow    int
	MaxWindow     int
	MaxLookBehind int
	MaxConcurrent int
	// VelocityUnit is the velocity that widens look-ahead by one page.
	VelocityUnit float64
	// FastVelocity and above drops look-behind entirely.
	FastVelocity float64
	// LeadTimeTTL bounds how long a completed preload waits for the user.
	LeadTimeTTL time.Duration
}

// DefaultConfig returns a 2 page base window growing to 5 with velocity.
func DefaultConfig() Config {
	return Config{
		BaseWindow:    2,
		MaxWindow:     5,
		MaxLookBehind: 1,
		MaxConcurrent: 3,
		VelocityUnit:  500,
		FastVelocity:  1500,
		LeadTimeTTL:   5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaseWindow <= 0 {
		c.BaseWindow = def.BaseWindow
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = def.MaxWindow
	}
	if c.BaseWindow > c.MaxWindow {
		c.BaseWindow = c.MaxWindow
	}
	if c.MaxLookBehind < 0 {
		c.MaxLookBehind = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.VelocityUnit <= 0 {
		c.VelocityUnit = def.VelocityUnit
	}
	if c.FastVelocity <= 0 {
		c.FastVelocity = def.FastVelocity
	}
	if c.LeadTimeTTL <= 0 {
		c.LeadTimeTTL = def.LeadTimeTTL
	}
	return c
}

// Loader is the part of a progressive loader a task drives.
type Loader interface {
	Start(ctx context.Context, onProgress progressive.ProgressFunc, onComplete progressive.CompletionFunc) error
	Cancel()
	Done() <-chan struct{}
}

var _ Loader = (*progressive.Loader)(nil)

// LoaderFactory returns the loader for page, or nil when the page does not exist.
type LoaderFactory func(page int) Loader

// PressureSource is the part of the memory monitor used for admission control.
type PressureSource interface {
	CurrentLevel() memmon.PressureLevel
	OnLevelChange(func(memmon.PressureLevel)) func()
}

// Deps are the preloader's collaborators.
type Deps struct {
	NewLoader LoaderFactory
	Pressure  PressureSource
	Metrics   *metrics.Collector
	Logger    *utils.StructuredLogger
}
