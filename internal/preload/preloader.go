package preload

import (
	"context"
	"image"
	"sort"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sourcegraph/conc"

	"github.com/objectfs/imagecore/internal/metrics"
	"github.com/objectfs/imagecore/internal/progressive"
	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/memmon"
	"github.com/objectfs/imagecore/pkg/utils"
)

type task struct {
	page      int
	priority  float64
	state     TaskState
	manual    bool
	immediate bool
	seq       uint64
	loader    Loader
}

func (t *task) info() TaskInfo {
	return TaskInfo{
		Page:      t.page,
		Priority:  t.priority,
		State:     t.state,
		Manual:    t.manual,
		Immediate: t.immediate,
	}
}

// Preloader schedules background loads around the current page.
type Preloader struct {
	mu     sync.Mutex
	config Config
	tasks  map[int]*task
	seq    uint64

	direction Direction
	velocity  float64
	current   int
	wifi      bool
	slow      bool

	running bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wake    chan struct{}
	workers conc.WaitGroup

	newLoader   LoaderFactory
	pressure    PressureSource
	unsubscribe func()

	// leadTimes maps a page to the time its preload completed.
	leadTimes *gocache.Cache

	scheduled uint64
	completed uint64
	cancelled uint64
	failed    uint64
	leadTotal time.Duration
	leadCount uint64

	metrics *metrics.Collector
	logger  *utils.StructuredLogger
}

// NewPreloader creates a stopped preloader.
func NewPreloader(config Config, deps Deps) (*Preloader, error) {
	if deps.NewLoader == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "loader factory is required").
			WithComponent("preload")
	}
	config = config.withDefaults()

	return &Preloader{
		config:    config,
		tasks:     make(map[int]*task),
		wifi:      true,
		wake:      make(chan struct{}, 1),
		newLoader: deps.NewLoader,
		pressure:  deps.Pressure,
		leadTimes: gocache.New(config.LeadTimeTTL, 2*config.LeadTimeTTL),
		metrics:   deps.Metrics,
		logger:    utils.OrNop(deps.Logger).WithComponent("preload"),
	}, nil
}

// Start enables background dispatch.
func (p *Preloader) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.NewError(errors.ErrCodeComponentStopped, "preloader is closed").WithComponent("preload")
	}
	if p.running {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "preloader already running").WithComponent("preload")
	}

	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.stopCh = make(chan struct{})
	if p.pressure != nil {
		p.unsubscribe = p.pressure.OnLevelChange(p.onPressure)
	}

	stopCh := p.stopCh
	p.workers.Go(func() { p.dispatchLoop(stopCh) })
	p.signal()

	p.logger.Info("Preloader started", map[string]interface{}{
		"max_window":     p.config.MaxWindow,
		"max_concurrent": p.config.MaxConcurrent,
	})
	return nil
}

// Stop disables dispatch and cancels every queued and in-flight task.
func (p *Preloader) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.cancel()
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	n := 0
	for _, t := range p.tasks {
		if t.state.Active() {
			p.cancelLocked(t)
			n++
		}
	}
	p.mu.Unlock()

	p.workers.Wait()
	p.metrics.SetPreloadInFlight(0)
	p.logger.Info("Preloader stopped", map[string]interface{}{"cancelled": n})
}

// Close stops the preloader for good.
func (p *Preloader) Close() error {
	p.Stop()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.leadTimes.Flush()
	return nil
}

// IsRunning reports whether dispatch is enabled.
func (p *Preloader) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// UpdateScroll records motion and recomputes the window. Tasks that fall out
// of the window are cancelled unless their priority was set manually.
func (p *Preloader) UpdateScroll(direction Direction, velocity float64, currentPage int) {
	p.mu.Lock()
	p.direction = direction
	p.velocity = velocity
	p.current = currentPage
	p.recordArrivalLocked(currentPage)
	p.rescheduleLocked(false)
	p.mu.Unlock()

	p.signal()
}

// UpdateNetworkStatus resizes the window and concurrency for the network.
func (p *Preloader) UpdateNetworkStatus(wifi, slow bool) {
	p.mu.Lock()
	changed := p.wifi != wifi || p.slow != slow
	p.wifi = wifi
	p.slow = slow
	if changed {
		p.rescheduleLocked(false)
	}
	p.mu.Unlock()

	if changed {
		p.logger.Debug("Network status changed", map[string]interface{}{
			"wifi": wifi,
			"slow": slow,
		})
		p.signal()
	}
}

// SetLimits changes the maximum window and concurrency.
func (p *Preloader) SetLimits(maxWindow, maxConcurrent int) {
	p.mu.Lock()
	if maxWindow > 0 {
		p.config.MaxWindow = maxWindow
		p.config.BaseWindow = min(p.config.BaseWindow, maxWindow)
	}
	if maxConcurrent > 0 {
		p.config.MaxConcurrent = maxConcurrent
	}
	p.rescheduleLocked(false)
	p.mu.Unlock()

	p.signal()
}

// SetPriority overrides the priority of page, scheduling it if needed. A
// manual task is kept when the page leaves the window.
func (p *Preloader) SetPriority(page int, priority float64) {
	if page < 0 {
		return
	}
	p.mu.Lock()
	t := p.tasks[page]
	if t == nil || !t.state.Active() {
		t = p.scheduleLocked(page, priority)
	}
	t.priority = priority
	t.manual = true
	p.mu.Unlock()

	p.signal()
}

// PreloadImmediately moves page to the front of the dispatch order. Pages
// already loading or loaded are left alone.
func (p *Preloader) PreloadImmediately(page int) {
	if page < 0 {
		return
	}
	p.mu.Lock()
	t := p.tasks[page]
	switch {
	case t != nil && (t.state == TaskInFlight || t.state == TaskDone):
		p.mu.Unlock()
		return
	case t == nil || t.state != TaskQueued:
		t = p.scheduleLocked(page, 1)
	}
	p.seq++
	t.seq = p.seq
	t.immediate = true
	t.manual = true
	p.mu.Unlock()

	p.signal()
}

// Task returns the task for page.
func (p *Preloader) Task(page int) (TaskInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[page]
	if !ok {
		return TaskInfo{}, false
	}
	return t.info(), true
}

// Tasks returns every known task ordered by page.
func (p *Preloader) Tasks() []TaskInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TaskInfo, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, t.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out
}

// Stats returns counters and the current sizing.
func (p *Preloader) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	cond := p.conditionsLocked()
	ahead, behind := window(p.config, cond)
	s := Stats{
		Scheduled:   p.scheduled,
		Completed:   p.completed,
		Cancelled:   p.cancelled,
		Failed:      p.failed,
		Concurrency: concurrency(p.config, cond),
		LookAhead:   ahead,
		LookBehind:  behind,
	}
	for _, t := range p.tasks {
		switch t.state {
		case TaskQueued:
			s.Queued++
		case TaskInFlight:
			s.InFlight++
		}
	}
	if p.leadCount > 0 {
		s.AverageLeadTimeMs = float64(p.leadTotal.Milliseconds()) / float64(p.leadCount)
	}
	return s
}

func (p *Preloader) conditionsLocked() conditions {
	level := memmon.PressureNormal
	if p.pressure != nil {
		level = p.pressure.CurrentLevel()
	}
	return conditions{
		direction: p.direction,
		velocity:  p.velocity,
		pressure:  level,
		wifi:      p.wifi,
		slow:      p.slow,
	}
}

// rescheduleLocked reconciles tasks with the current window. With
// keepInFlight running loads outside the window are left to finish.
func (p *Preloader) rescheduleLocked(keepInFlight bool) {
	want := targets(p.config, p.current, p.conditionsLocked())

	cancelled := make(map[int]bool)
	for page, t := range p.tasks {
		if _, ok := want[page]; ok || t.manual {
			continue
		}
		if t.state == TaskQueued || (t.state == TaskInFlight && !keepInFlight) {
			p.cancelLocked(t)
			cancelled[page] = true
		}
	}

	for page, prio := range want {
		t := p.tasks[page]
		switch {
		case t == nil || t.state == TaskCancelled:
			p.scheduleLocked(page, prio)
		case t.state.Active() && !t.manual:
			t.priority = prio
		}
	}

	p.pruneLocked(want, cancelled)
}

// pruneLocked forgets finished tasks far from the current page. Tasks
// cancelled by the current pass stay visible until the next one.
func (p *Preloader) pruneLocked(want map[int]float64, cancelled map[int]bool) {
	keep := 2*p.config.MaxWindow + p.config.MaxLookBehind
	for page, t := range p.tasks {
		if t.state.Active() || cancelled[page] {
			continue
		}
		if _, ok := want[page]; ok {
			continue
		}
		d := page - p.current
		if d < 0 {
			d = -d
		}
		if d > keep {
			delete(p.tasks, page)
		}
	}
}

func (p *Preloader) scheduleLocked(page int, prio float64) *task {
	t := &task{page: page, priority: prio, state: TaskQueued}
	p.tasks[page] = t
	p.scheduled++
	p.metrics.RecordPreloadTask("scheduled")
	return t
}

func (p *Preloader) cancelLocked(t *task) {
	if t.loader != nil {
		t.loader.Cancel()
	}
	t.state = TaskCancelled
	t.immediate = false
	p.cancelled++
	p.metrics.RecordPreloadTask("cancelled")
}

// recordArrivalLocked closes the lead-time window of a preloaded page.
func (p *Preloader) recordArrivalLocked(page int) {
	key := strconv.Itoa(page)
	v, ok := p.leadTimes.Get(key)
	if !ok {
		return
	}
	p.leadTimes.Delete(key)
	if doneAt, ok := v.(time.Time); ok {
		p.leadTotal += time.Since(doneAt)
		p.leadCount++
	}
}

func (p *Preloader) onPressure(level memmon.PressureLevel) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.rescheduleLocked(true)
	p.mu.Unlock()

	p.logger.Debug("Rescheduled for pressure", map[string]interface{}{"level": level.String()})
	p.signal()
}

func (p *Preloader) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Preloader) dispatchLoop(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-p.wake:
			p.dispatch()
		}
	}
}

type launch struct {
	task   *task
	loader Loader
}

// dispatch starts queued tasks in order up to the concurrency limit. It only
// runs on the dispatch goroutine.
func (p *Preloader) dispatch() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	limit := concurrency(p.config, p.conditionsLocked())

	inFlight := 0
	var queued []*task
	for _, t := range p.tasks {
		switch t.state {
		case TaskInFlight:
			inFlight++
		case TaskQueued:
			queued = append(queued, t)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		a, b := queued[i], queued[j]
		if a.immediate != b.immediate {
			return a.immediate
		}
		if a.immediate && a.seq != b.seq {
			return a.seq > b.seq
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.page < b.page
	})

	var launches []launch
	for _, t := range queued {
		if inFlight >= limit {
			break
		}
		l := p.newLoader(t.page)
		if l == nil {
			t.state = TaskFailed
			p.failed++
			p.metrics.RecordPreloadTask("failed")
			continue
		}
		t.loader = l
		t.state = TaskInFlight
		t.immediate = false
		inFlight++
		launches = append(launches, launch{task: t, loader: l})
	}
	p.metrics.SetPreloadInFlight(inFlight)
	p.mu.Unlock()

	for _, ln := range launches {
		t, l := ln.task, ln.loader
		err := l.Start(ctx, nil, func(_ image.Image, _ progressive.Stage, err error) {
			p.finish(t, err)
		})
		if err != nil {
			p.finish(t, err)
			continue
		}
		p.workers.Go(func() {
			<-l.Done()
			p.settle(t)
		})
	}
}

// settle marks t cancelled when its loader ended without reporting
// completion, as it does when its context is cancelled.
func (p *Preloader) settle(t *task) {
	p.mu.Lock()
	if t.state != TaskInFlight || p.tasks[t.page] != t {
		p.mu.Unlock()
		return
	}
	p.cancelLocked(t)
	t.loader = nil
	p.mu.Unlock()

	p.signal()
}

// finish records the outcome of t unless it was cancelled or replaced.
func (p *Preloader) finish(t *task, err error) {
	p.mu.Lock()
	if t.state != TaskInFlight || p.tasks[t.page] != t {
		p.mu.Unlock()
		return
	}
	if err != nil {
		t.state = TaskFailed
		p.failed++
		p.metrics.RecordPreloadTask("failed")
		p.logger.Debug("Preload failed", map[string]interface{}{
			"page":  t.page,
			"error": err,
		})
	} else {
		t.state = TaskDone
		p.completed++
		p.metrics.RecordPreloadTask("completed")
		p.leadTimes.SetDefault(strconv.Itoa(t.page), time.Now())
	}
	t.loader = nil
	p.mu.Unlock()

	p.signal()
}
