package progressive

import "image"

// Stage is one quality step. Stages are ordered by quality.
type Stage int

const (
	StageThumbnail Stage = iota
	StageMedium
	StageOriginal
)

// Stages lists every stage in delivery order.
var Stages = []Stage{StageThumbnail, StageMedium, StageOriginal}

func (s Stage) String() string {
	switch s {
	case StageThumbnail:
		return "thumbnail"
	case StageMedium:
		return "medium"
	case StageOriginal:
		return "original"
	default:
		return "unknown"
	}
}

// Weight is the progress reported once the stage is delivered.
func (s Stage) Weight() float64 {
	switch s {
	case StageThumbnail:
		return 0.2
	case StageMedium:
		return 0.6
	default:
		return 1.0
	}
}

// State of a loader's automatic progression. StateOriginalReady is reached
// whenever the last planned stage is delivered, even if no original source
// was given.
type State int

const (
	StateIdle State = iota
	StateLoadingThumbnail
	StateThumbnailReady
	StateLoadingMedium
	StateMediumReady
	StateLoadingOriginal
	StateOriginalReady
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingThumbnail:
		return "loading_thumbnail"
	case StateThumbnailReady:
		return "thumbnail_ready"
	case StateLoadingMedium:
		return "loading_medium"
	case StateMediumReady:
		return "medium_ready"
	case StateLoadingOriginal:
		return "loading_original"
	case StateOriginalReady:
		return "original_ready"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateOriginalReady || s == StateCancelled || s == StateFailed
}

func loadingState(s Stage) State {
	switch s {
	case StageThumbnail:
		return StateLoadingThumbnail
	case StageMedium:
		return StateLoadingMedium
	default:
		return StateLoadingOriginal
	}
}

func readyState(s Stage) State {
	switch s {
	case StageThumbnail:
		return StateThumbnailReady
	case StageMedium:
		return StateMediumReady
	default:
		return StateOriginalReady
	}
}

// Source names the per-stage source ids of one image. An empty id skips
// that stage.
type Source struct {
	Key       string
	Thumbnail string
	Medium    string
	Original  string
}

// ID returns the source id for stage.
func (s Source) ID(stage Stage) string {
	switch stage {
	case StageThumbnail:
		return s.Thumbnail
	case StageMedium:
		return s.Medium
	default:
		return s.Original
	}
}

// StageKey is the cache key under which stage of key is stored.
func StageKey(key string, stage Stage) string {
	return key + "#" + stage.String()
}

// Result is delivered by the single-stage loaders.
type Result struct {
	Image     image.Image
	Stage     Stage
	FromCache bool
	Err       error
}

// ProgressFunc receives each delivered stage. progress never decreases.
type ProgressFunc func(progress float64, stage Stage, img image.Image)

// CompletionFunc is invoked exactly once, unless the loader is cancelled.
type CompletionFunc func(img image.Image, stage Stage, err error)
