package monitor

import (
	"errors"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/murasamepet/agent/internal/capture"
	"github.com/murasamepet/agent/internal/metrics"
	"github.com/murasamepet/agent/pkg/types"
)

// fakeSource returns solid 64x36 frames of a configurable shade.
type fakeSource struct {
	mu         sync.Mutex
	shade      uint8
	err        error
	grabs      int
	closed     bool
	lastRegion *capture.Region
}

func (f *fakeSource) Grab(region *capture.Region) (*image.RGBA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grabs++
	if region != nil {
		c := *region
		f.lastRegion = &c
	} else {
		f.lastRegion = nil
	}
	if f.err != nil {
		return nil, f.err
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 36))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = f.shade
		img.Pix[i+1] = f.shade
		img.Pix[i+2] = f.shade
		img.Pix[i+3] = 0xff
	}
	return img, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) setShade(s uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shade = s
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) grabCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grabs
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSource) lastGrabRegion() *capture.Region {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRegion
}

// recordingEvents collects every event for later counting.
type recordingEvents struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recordingEvents) Record(event types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) count(kind types.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		CheckInterval:      time.Second,
		Threshold:          0.15,
		CaptureWidth:       64,
		CaptureHeight:      36,
		ForceCheckInterval: 45 * time.Second,
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline.C:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestCycleSceneChangeFiresHandlers(t *testing.T) {
	src := &fakeSource{shade: 10}
	rec := &recordingEvents{}
	current := time.Unix(0, 0).UTC()
	score := 0.0

	m, err := New(testConfig(), src,
		WithNow(func() time.Time { return current }),
		WithScorer(func(a, b *image.Gray) (float64, error) { return score, nil }),
		WithEventRecorder(rec))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	var got []float64
	m.OnSceneChanged(func(s float64) { got = append(got, s) })

	m.cycle(current)
	if len(got) != 0 {
		t.Fatalf("handler fired on the very first frame")
	}

	score = 0.5
	current = current.Add(time.Second)
	m.cycle(current)

	if len(got) != 1 || got[0] != 0.5 {
		t.Fatalf("scene scores = %v, want [0.5]", got)
	}
	if n := rec.count(types.EventSceneChange); n != 1 {
		t.Fatalf("scene change events = %d, want 1", n)
	}
}

func TestCycleForceCheckAfterQuietWindow(t *testing.T) {
	src := &fakeSource{shade: 10}
	start := time.Unix(0, 0).UTC()
	current := start

	m, err := New(testConfig(), src,
		WithNow(func() time.Time { return current }),
		WithScorer(func(a, b *image.Gray) (float64, error) { return 0, nil }))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	var scenes int
	m.OnSceneChanged(func(float64) { scenes++ })
	var forces []time.Duration
	m.OnForceCheck(func() { forces = append(forces, current.Sub(start)) })

	for i := 0; i <= 49; i++ {
		m.cycle(current)
		current = current.Add(time.Second)
	}

	if scenes != 0 {
		t.Fatalf("scene changes = %d on a static screen, want 0", scenes)
	}
	if len(forces) != 1 {
		t.Fatalf("force checks = %v, want exactly one", forces)
	}
	// Strict comparison: 45s elapsed is not enough, the 46s cycle fires.
	if forces[0] != 46*time.Second {
		t.Fatalf("force check at +%s, want +46s", forces[0])
	}
}

func TestCycleSceneChangeResetsForceTimer(t *testing.T) {
	src := &fakeSource{shade: 10}
	start := time.Unix(0, 0).UTC()
	current := start
	spikeAt := start.Add(10 * time.Second)

	m, err := New(testConfig(), src,
		WithNow(func() time.Time { return current }),
		WithScorer(func(a, b *image.Gray) (float64, error) {
			if current.Equal(spikeAt) {
				return 0.5, nil
			}
			return 0, nil
		}))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	var scenes, forces []time.Duration
	m.OnSceneChanged(func(float64) { scenes = append(scenes, current.Sub(start)) })
	m.OnForceCheck(func() { forces = append(forces, current.Sub(start)) })

	for i := 0; i <= 60; i++ {
		m.cycle(current)
		current = current.Add(time.Second)
	}

	if len(scenes) != 1 || scenes[0] != 10*time.Second {
		t.Fatalf("scene changes = %v, want one at +10s", scenes)
	}
	// The scene change re-armed the quiet window, so the force check
	// lands 46s after it rather than 46s after start.
	if len(forces) != 1 || forces[0] != 56*time.Second {
		t.Fatalf("force checks = %v, want one at +56s", forces)
	}
}

func TestCycleAfterResumeAdoptsWithoutEvent(t *testing.T) {
	src := &fakeSource{shade: 10}
	rec := &recordingEvents{}
	current := time.Unix(0, 0).UTC()

	m, err := New(testConfig(), src,
		WithNow(func() time.Time { return current }),
		WithScorer(func(a, b *image.Gray) (float64, error) { return 0.9, nil }),
		WithEventRecorder(rec))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	var scenes int
	m.OnSceneChanged(func(float64) { scenes++ })

	m.cycle(current)
	current = current.Add(time.Second)
	m.cycle(current)
	if scenes != 1 {
		t.Fatalf("scene changes = %d before pause, want 1", scenes)
	}

	m.Pause()
	m.Pause()
	m.Resume()
	m.Resume()
	if n := rec.count(types.EventMonitorPaused); n != 1 {
		t.Fatalf("pause events = %d, want 1 for repeated calls", n)
	}
	if n := rec.count(types.EventMonitorResumed); n != 1 {
		t.Fatalf("resume events = %d, want 1 for repeated calls", n)
	}

	// Resume discarded the reference: whatever changed while the
	// overlay had the screen must not read as a scene change.
	current = current.Add(time.Second)
	m.cycle(current)
	if scenes != 1 {
		t.Fatalf("scene changes = %d right after resume, want still 1", scenes)
	}

	current = current.Add(time.Second)
	m.cycle(current)
	if scenes != 2 {
		t.Fatalf("scene changes = %d after the post-resume baseline, want 2", scenes)
	}
}

func TestCycleScoresRealFrames(t *testing.T) {
	src := &fakeSource{shade: 0}
	current := time.Unix(0, 0).UTC()

	m, err := New(testConfig(), src, WithNow(func() time.Time { return current }))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	var scores []float64
	m.OnSceneChanged(func(s float64) { scores = append(scores, s) })

	m.cycle(current)

	current = current.Add(time.Second)
	m.cycle(current)
	if len(scores) != 0 {
		t.Fatalf("identical frames fired a scene change: %v", scores)
	}

	src.setShade(0xff)
	current = current.Add(time.Second)
	m.cycle(current)

	if len(scores) != 1 {
		t.Fatalf("scene changes = %d, want 1", len(scores))
	}
	if scores[0] != 1.0 {
		t.Fatalf("black to white scored %v, want exactly 1.0", scores[0])
	}
}

func TestCycleCaptureFailureSkipsFrame(t *testing.T) {
	src := &fakeSource{shade: 10}
	rec := &recordingEvents{}
	store := metrics.NewStore()
	current := time.Unix(0, 0).UTC()

	m, err := New(testConfig(), src,
		WithNow(func() time.Time { return current }),
		WithEventRecorder(rec),
		WithMetricsRecorder(store.MonitorRecorder()))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	var scenes int
	m.OnSceneChanged(func(float64) { scenes++ })

	src.setErr(errors.New("display asleep"))
	m.cycle(current)

	snap := store.Snapshot()
	if snap.CaptureFailures != 1 {
		t.Fatalf("capture failures = %d, want 1", snap.CaptureFailures)
	}
	if snap.MonitorCycles != 0 {
		t.Fatalf("completed cycles = %d after a failed grab, want 0", snap.MonitorCycles)
	}
	if n := rec.count(types.EventCaptureFailure); n != 1 {
		t.Fatalf("capture failure events = %d, want 1", n)
	}
	if !m.LastCycle().IsZero() {
		t.Fatalf("cycle timestamp advanced on a failed capture")
	}

	src.setErr(nil)
	current = current.Add(time.Second)
	m.cycle(current)

	snap = store.Snapshot()
	if snap.MonitorCycles != 1 {
		t.Fatalf("completed cycles = %d after recovery, want 1", snap.MonitorCycles)
	}
	if scenes != 0 {
		t.Fatalf("recovery frame fired a scene change")
	}
	if !m.LastCycle().Equal(current) {
		t.Fatalf("last cycle = %s, want %s", m.LastCycle(), current)
	}
}

func TestCycleScorerErrorRebasesReference(t *testing.T) {
	src := &fakeSource{shade: 10}
	current := time.Unix(0, 0).UTC()
	calls := 0

	m, err := New(testConfig(), src,
		WithNow(func() time.Time { return current }),
		WithScorer(func(a, b *image.Gray) (float64, error) {
			calls++
			if calls == 1 {
				return 0, errors.New("frame shapes differ")
			}
			return 0.9, nil
		}))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	var scenes int
	m.OnSceneChanged(func(float64) { scenes++ })

	m.cycle(current)
	current = current.Add(time.Second)
	m.cycle(current)
	if scenes != 0 {
		t.Fatalf("scene changes = %d on a failed comparison, want 0", scenes)
	}

	current = current.Add(time.Second)
	m.cycle(current)
	if scenes != 1 {
		t.Fatalf("scene changes = %d after the scorer recovered, want 1", scenes)
	}
}

func TestHandlerPanicDoesNotStopCycles(t *testing.T) {
	src := &fakeSource{shade: 10}
	current := time.Unix(0, 0).UTC()

	m, err := New(testConfig(), src,
		WithNow(func() time.Time { return current }),
		WithScorer(func(a, b *image.Gray) (float64, error) { return 0.9, nil }))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	var after int
	m.OnSceneChanged(func(float64) { panic("subscriber bug") })
	m.OnSceneChanged(func(float64) { after++ })

	m.cycle(current)
	current = current.Add(time.Second)
	m.cycle(current)
	if after != 1 {
		t.Fatalf("second handler ran %d times, want 1 despite the panic before it", after)
	}

	current = current.Add(time.Second)
	m.cycle(current)
	if after != 2 {
		t.Fatalf("handler ran %d times, want 2 across cycles", after)
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	src := &fakeSource{shade: 10}
	current := time.Unix(0, 0).UTC()

	m, err := New(testConfig(), src,
		WithNow(func() time.Time { return current }),
		WithScorer(func(a, b *image.Gray) (float64, error) { return 0.9, nil }))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	var order []string
	m.OnSceneChanged(func(float64) { order = append(order, "first") })
	m.OnSceneChanged(func(float64) { order = append(order, "second") })

	m.cycle(current)
	current = current.Add(time.Second)
	m.cycle(current)

	if got := strings.Join(order, ","); got != "first,second" {
		t.Fatalf("handler order = %q, want %q", got, "first,second")
	}
}

func TestSetRegion(t *testing.T) {
	src := &fakeSource{shade: 10}
	current := time.Unix(0, 0).UTC()

	m, err := New(testConfig(), src, WithNow(func() time.Time { return current }))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	if err := m.SetRegion(&capture.Region{Width: 0, Height: 100}); err == nil {
		t.Fatalf("expected invalid region to be rejected")
	}

	region := &capture.Region{X: 10, Y: 20, Width: 300, Height: 200}
	if err := m.SetRegion(region); err != nil {
		t.Fatalf("set region: %v", err)
	}
	region.Width = 1 // callers may reuse their struct

	m.cycle(current)
	got := src.lastGrabRegion()
	if got == nil || got.Width != 300 {
		t.Fatalf("grabbed region = %+v, want the copy taken at SetRegion", got)
	}

	if err := m.SetRegion(nil); err != nil {
		t.Fatalf("clear region: %v", err)
	}
	current = current.Add(time.Second)
	m.cycle(current)
	if src.lastGrabRegion() != nil {
		t.Fatalf("expected full-display capture after clearing the region")
	}
}

func TestMonitorPauseStopsSampling(t *testing.T) {
	src := &fakeSource{shade: 10}
	cfg := testConfig()
	cfg.CheckInterval = 2 * time.Millisecond

	m, err := New(cfg, src)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	m.pollEvery = time.Millisecond

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	waitFor(t, func() bool { return src.grabCount() > 0 }, "first capture")

	m.Pause()
	if !m.Paused() {
		t.Fatalf("expected monitor to report paused")
	}

	// Let any in-flight cycle land before sampling the count.
	time.Sleep(50 * time.Millisecond)
	before := src.grabCount()
	time.Sleep(50 * time.Millisecond)
	if got := src.grabCount(); got != before {
		t.Fatalf("captured %d frames while paused", got-before)
	}

	m.Resume()
	if m.Paused() {
		t.Fatalf("expected monitor to report resumed")
	}
	waitFor(t, func() bool { return src.grabCount() > before }, "capture after resume")
}

func TestMonitorStopClosesSourceAndSilencesHandlers(t *testing.T) {
	src := &fakeSource{shade: 10}
	cfg := testConfig()
	cfg.CheckInterval = time.Millisecond

	m, err := New(cfg, src,
		WithScorer(func(a, b *image.Gray) (float64, error) { return 0.9, nil }))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	var fired atomic.Int64
	m.OnSceneChanged(func(float64) { fired.Add(1) })

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(); err == nil {
		t.Fatalf("expected second start to fail")
	}

	waitFor(t, func() bool { return fired.Load() > 0 }, "first scene change")

	m.Stop()
	if !src.isClosed() {
		t.Fatalf("capture source still open after stop returned")
	}

	after := fired.Load()
	time.Sleep(20 * time.Millisecond)
	if got := fired.Load(); got != after {
		t.Fatalf("handlers fired %d more times after stop returned", got-after)
	}

	m.Stop() // second stop is a no-op
	if err := m.Start(); err == nil {
		t.Fatalf("expected restart after stop to fail")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.CheckInterval = 0 }},
		{"negative threshold", func(c *Config) { c.Threshold = -0.1 }},
		{"threshold above one", func(c *Config) { c.Threshold = 1.5 }},
		{"zero width", func(c *Config) { c.CaptureWidth = 0 }},
		{"negative height", func(c *Config) { c.CaptureHeight = -1 }},
		{"zero force interval", func(c *Config) { c.ForceCheckInterval = 0 }},
	}
	for _, tc := range cases {
		cfg := Defaults()
		tc.mutate(&cfg)
		if _, err := New(cfg, &fakeSource{}); err == nil {
			t.Fatalf("%s: expected a config error", tc.name)
		}
	}
	if _, err := New(Defaults(), &fakeSource{}); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
}
