// Package monitor implements the screen change monitor: a sampling
// loop that compares consecutive downscaled grayscale frames and emits
// scene-change or force-check triggers for the reaction pipeline.
package monitor

import (
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/murasamepet/agent/internal/capture"
	"github.com/murasamepet/agent/internal/events"
	"github.com/murasamepet/agent/internal/metrics"
	"github.com/murasamepet/agent/pkg/types"
)

// pausePoll is how often a paused loop rechecks the pause flag.
const pausePoll = 500 * time.Millisecond

type Config struct {
	CheckInterval      time.Duration
	Threshold          float64
	CaptureWidth       int
	CaptureHeight      int
	ForceCheckInterval time.Duration
}

// Defaults returns the library defaults; deployments usually override
// them from their config file.
func Defaults() Config {
	return Config{
		CheckInterval:      time.Second,
		Threshold:          0.15,
		CaptureWidth:       640,
		CaptureHeight:      360,
		ForceCheckInterval: 45 * time.Second,
	}
}

func (c Config) validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval %s: must be positive", c.CheckInterval)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold %v: must be within [0, 1]", c.Threshold)
	}
	if c.CaptureWidth <= 0 || c.CaptureHeight <= 0 {
		return fmt.Errorf("capture size %dx%d: dimensions must be positive",
			c.CaptureWidth, c.CaptureHeight)
	}
	if c.ForceCheckInterval <= 0 {
		return fmt.Errorf("force check interval %s: must be positive", c.ForceCheckInterval)
	}
	return nil
}

type runState int

const (
	stateIdle runState = iota
	stateRunning
	stateStopped
)

// Monitor owns the sampling loop. One mutex guards the pause flag, the
// capture region, the reference frame and the handler lists; the
// trigger policy is touched only by the loop goroutine (and by Start
// before that goroutine exists).
type Monitor struct {
	cfg     Config
	sampler *Sampler
	scorer  func(a, b *image.Gray) (float64, error)
	now     func() time.Time
	logger  *slog.Logger
	events  events.Recorder
	metrics metrics.MonitorRecorder

	pollEvery time.Duration

	mu            sync.Mutex
	state         runState
	paused        bool
	region        *capture.Region
	reference     *image.Gray
	sceneHandlers []func(float64)
	forceHandlers []func()
	lastCycle     time.Time

	policy *policy

	stopCh chan struct{}
	done   chan struct{}
}

type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithScorer(scorer func(a, b *image.Gray) (float64, error)) Option {
	return func(m *Monitor) {
		if scorer != nil {
			m.scorer = scorer
		}
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(m *Monitor) {
		if rec != nil {
			m.events = rec
		}
	}
}

func WithMetricsRecorder(rec metrics.MonitorRecorder) Option {
	return func(m *Monitor) {
		if rec != nil {
			m.metrics = rec
		}
	}
}

func New(cfg Config, source capture.Source, opts ...Option) (*Monitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("monitor config: %w", err)
	}

	m := &Monitor{
		cfg:       cfg,
		scorer:    Score,
		now:       time.Now,
		logger:    slog.Default(),
		events:    events.NoopRecorder{},
		metrics:   metrics.NoopMonitorRecorder{},
		pollEvery: pausePoll,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sampler = NewSampler(source, cfg.CaptureWidth, cfg.CaptureHeight)
	m.policy = newPolicy(cfg.Threshold, cfg.ForceCheckInterval, m.now())
	return m, nil
}

// OnSceneChanged registers a handler for scene-change triggers. The
// handler runs on the monitor goroutine in registration order and must
// hand work off instead of blocking.
func (m *Monitor) OnSceneChanged(fn func(score float64)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sceneHandlers = append(m.sceneHandlers, fn)
}

// OnForceCheck registers a handler for idle force-check triggers.
func (m *Monitor) OnForceCheck(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceHandlers = append(m.forceHandlers, fn)
}

// SetRegion restricts sampling to a desktop sub-rectangle; nil selects
// the whole primary display again. The reference frame is left alone,
// so the next cycle may legitimately report one scene change.
func (m *Monitor) SetRegion(r *capture.Region) error {
	if r != nil {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("set region: %w", err)
		}
		c := *r
		r = &c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.region = r
	return nil
}

// Start launches the sampling loop. A monitor runs at most once; after
// Stop it cannot be restarted.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateRunning:
		return fmt.Errorf("monitor already running")
	case stateStopped:
		return fmt.Errorf("monitor stopped, cannot restart")
	}

	m.state = stateRunning
	m.policy.rearm(m.now())
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop()

	m.logger.Info("screen monitor started",
		"interval", m.cfg.CheckInterval,
		"threshold", m.cfg.Threshold,
		"force_check", m.cfg.ForceCheckInterval,
		"capture", fmt.Sprintf("%dx%d", m.cfg.CaptureWidth, m.cfg.CaptureHeight))
	return nil
}

// Stop asks the loop to exit and blocks until it has, including the
// release of the capture source. No handler fires after Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state != stateRunning {
		m.mu.Unlock()
		return
	}
	m.state = stateStopped
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info("screen monitor stopped")
}

// Pause suspends sampling; the loop keeps polling the flag cheaply.
func (m *Monitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		m.logger.Debug("monitor paused")
		m.events.Record(types.Event{Type: types.EventMonitorPaused, Timestamp: m.now()})
	}
	m.paused = true
}

// Resume lifts a pause and discards the reference frame: whatever
// changed on screen while paused must not count as a scene change, so
// the first cycle after Resume only adopts a fresh baseline.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		m.logger.Debug("monitor resumed")
		m.events.Record(types.Event{Type: types.EventMonitorResumed, Timestamp: m.now()})
	}
	m.paused = false
	m.reference = nil
}

func (m *Monitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// LastCycle reports when a frame last made it through a full cycle.
// Health checks use it to notice a wedged or persistently failing loop.
func (m *Monitor) LastCycle() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCycle
}

func (m *Monitor) loop() {
	defer close(m.done)
	defer func() {
		if err := m.sampler.Close(); err != nil {
			m.logger.Warn("close capture source", "err", err)
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.mu.Lock()
		paused := m.paused
		m.mu.Unlock()

		if paused {
			if m.waitStop(m.pollEvery) {
				return
			}
			continue
		}

		m.cycle(m.now())

		if m.waitStop(m.cfg.CheckInterval) {
			return
		}
	}
}

// waitStop sleeps for d unless a stop arrives first.
func (m *Monitor) waitStop(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.stopCh:
		return true
	case <-timer.C:
		return false
	}
}

// cycle runs one capture/compare/decide pass. It is split from the
// loop so tests can drive it with a controlled clock.
func (m *Monitor) cycle(now time.Time) {
	m.mu.Lock()
	region := m.region
	m.mu.Unlock()

	frame, err := m.sampler.Sample(region)
	if err != nil {
		m.logger.Warn("screen capture failed, skipping cycle", "err", err)
		m.metrics.IncCaptureFailures()
		m.events.Record(types.Event{
			Type:      types.EventCaptureFailure,
			Timestamp: now,
			Details:   map[string]any{"error": err.Error()},
		})
		return
	}

	// The reference is rebased every cycle, whatever happens next.
	// Comparing against the immediately preceding frame keeps slow
	// drift (clocks, progress bars) from ever accumulating into a
	// phantom scene change.
	m.mu.Lock()
	ref := m.reference
	m.reference = frame
	m.lastCycle = now
	m.mu.Unlock()

	m.metrics.IncCycles()

	if ref == nil {
		// First frame since start or resume: adopt it, emit nothing.
		return
	}

	score, err := m.scorer(ref, frame)
	if err != nil {
		// Typically a shape mismatch right after a region change. The
		// fresh frame is already the reference, so the next cycle
		// compares like against like.
		m.logger.Warn("frame comparison failed", "err", err)
		return
	}

	switch m.policy.evaluate(score, now) {
	case decideSceneChange:
		m.logger.Debug("scene change detected", "score", score)
		m.metrics.IncSceneChanges()
		m.events.Record(types.Event{
			Type:      types.EventSceneChange,
			Timestamp: now,
			Details:   map[string]any{"score": score},
		})
		m.emitSceneChanged(score)
	case decideForceCheck:
		m.logger.Debug("force check triggered")
		m.metrics.IncForceChecks()
		m.events.Record(types.Event{Type: types.EventForceCheck, Timestamp: now})
		m.emitForceCheck()
	}
}

func (m *Monitor) emitSceneChanged(score float64) {
	m.mu.Lock()
	handlers := make([]func(float64), len(m.sceneHandlers))
	copy(handlers, m.sceneHandlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h := h
		m.invoke(func() { h(score) })
	}
}

func (m *Monitor) emitForceCheck() {
	m.mu.Lock()
	handlers := make([]func(), len(m.forceHandlers))
	copy(handlers, m.forceHandlers)
	m.mu.Unlock()

	for _, h := range handlers {
		m.invoke(h)
	}
}

// invoke shields the loop from a misbehaving subscriber.
func (m *Monitor) invoke(h func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor handler panicked", "panic", r)
		}
	}()
	h()
}
