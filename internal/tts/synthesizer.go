package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/murasamepet/agent/internal/events"
	"github.com/murasamepet/agent/internal/metrics"
	"github.com/murasamepet/agent/pkg/types"
)

// Backend labels reported in results and metrics.
const (
	BackendCache      = "cache"
	BackendPredefined = "predefined"
	BackendVITS       = "vits"
	BackendMock       = "mock"
)

// Result is one synthesized line ready for the overlay.
type Result struct {
	WavPath string
	Backend string
}

// SynthesizerDependencies allow overrides for logging, telemetry and
// the clock.
type SynthesizerDependencies struct {
	Logger  *slog.Logger
	Events  events.Recorder
	Metrics metrics.TTSRecorder
	Now     func() time.Time
}

// Synthesizer walks the backend ladder for each line.
type Synthesizer struct {
	cache      *Cache
	predefined *Predefined
	vits       *VITSClient
	logger     *slog.Logger
	events     events.Recorder
	metrics    metrics.TTSRecorder
	now        func() time.Time
}

// NewSynthesizer wires the ladder. predefined and vits may be nil, in
// which case their rungs are skipped.
func NewSynthesizer(cache *Cache, predefined *Predefined, vits *VITSClient, deps SynthesizerDependencies) (*Synthesizer, error) {
	if cache == nil {
		return nil, fmt.Errorf("voice cache is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := deps.Events
	if rec == nil {
		rec = events.NoopRecorder{}
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NoopTTSRecorder{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Synthesizer{
		cache:      cache,
		predefined: predefined,
		vits:       vits,
		logger:     logger,
		events:     rec,
		metrics:    m,
		now:        now,
	}, nil
}

// Speak renders one Japanese line: cached VITS audio first, then the
// character's recorded lines, then live VITS, then the mock beep. The
// only error is empty input or an unwritable voices directory; a dead
// VITS server just lands on a lower rung.
func (s *Synthesizer) Speak(ctx context.Context, ja string) (Result, error) {
	ja = strings.TrimSpace(ja)
	if ja == "" {
		return Result{}, fmt.Errorf("ja text is empty")
	}

	if path, ok := s.cache.LookupVITS(ja); ok {
		return s.finish(Result{WavPath: path, Backend: BackendCache}), nil
	}

	if s.predefined != nil {
		if path, ok := s.predefined.Find(ja); ok {
			return s.finish(Result{WavPath: path, Backend: BackendPredefined}), nil
		}
	}

	if s.vits != nil && s.vits.Available(ctx) {
		path, err := s.synthesizeVITS(ctx, ja)
		if err == nil {
			return s.finish(Result{WavPath: path, Backend: BackendVITS}), nil
		}
		s.logger.Warn("vits synthesis failed", "err", err)
	}

	path, err := s.mock(ja)
	if err != nil {
		return Result{}, fmt.Errorf("mock voice: %w", err)
	}
	s.events.Record(types.Event{
		Type:      types.EventTTSFallback,
		Timestamp: s.now(),
		Details:   map[string]any{"key": Key(ja)},
	})
	return s.finish(Result{WavPath: path, Backend: BackendMock}), nil
}

func (s *Synthesizer) finish(r Result) Result {
	s.metrics.IncSyntheses(r.Backend)
	return r
}

func (s *Synthesizer) synthesizeVITS(ctx context.Context, ja string) (string, error) {
	data, err := s.vits.Synthesize(ctx, ja)
	if err != nil {
		return "", err
	}
	return s.cache.StoreVITS(ja, data)
}

func (s *Synthesizer) mock(ja string) (string, error) {
	path := s.cache.MockPath(ja)
	if err := writeMockWAV(path); err != nil {
		return "", err
	}
	return path, nil
}
