package tts

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/murasamepet/agent/internal/metrics"
	"github.com/murasamepet/agent/pkg/types"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recordedEvents) Record(event types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) byType(kind types.EventType) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Event
	for _, ev := range r.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestCache(t *testing.T, minBytes int64) *Cache {
	t.Helper()
	cache, err := NewCache(t.TempDir(), minBytes)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return cache
}

func newTestVITS(t *testing.T, srv *httptest.Server) *VITSClient {
	t.Helper()
	client, err := NewVITSClient(VITSConfig{BaseURL: srv.URL, SpeakerID: 4}, Dependencies{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewVITSClient: %v", err)
	}
	return client
}

func ttsCount(t *testing.T, store *metrics.Store, backend string) uint64 {
	t.Helper()
	for _, lc := range store.Snapshot().TTSSyntheses {
		if lc.Label == backend {
			return lc.Count
		}
	}
	return 0
}

func TestSpeakPrefersCachedAudio(t *testing.T) {
	cache := newTestCache(t, 16)
	stored, err := cache.StoreVITS("こんにちは", bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("StoreVITS: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected vits request %s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	store := metrics.NewStore()
	synth, err := NewSynthesizer(cache, nil, newTestVITS(t, srv), SynthesizerDependencies{Metrics: store.TTSRecorder()})
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}

	res, err := synth.Speak(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.Backend != BackendCache {
		t.Errorf("backend = %q, want %q", res.Backend, BackendCache)
	}
	if res.WavPath != stored {
		t.Errorf("wav path = %q, want %q", res.WavPath, stored)
	}
	if got := ttsCount(t, store, BackendCache); got != 1 {
		t.Errorf("cache syntheses = %d, want 1", got)
	}
}

func TestSpeakPredefinedBeatsVITS(t *testing.T) {
	cache := newTestCache(t, 16)
	recordings := t.TempDir()
	writeRecording(t, recordings, "ciallo.wav")

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	synth, err := NewSynthesizer(cache, NewPredefined(recordings), newTestVITS(t, srv), SynthesizerDependencies{})
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}

	res, err := synth.Speak(context.Background(), "Ciallo～！")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.Backend != BackendPredefined {
		t.Errorf("backend = %q, want %q", res.Backend, BackendPredefined)
	}
	if base := filepath.Base(res.WavPath); base != "ciallo.wav" {
		t.Errorf("wav file = %q, want ciallo.wav", base)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("vits server saw %d requests, want 0", got)
	}
}

func TestSpeakVITSThenCacheHit(t *testing.T) {
	cache := newTestCache(t, 16)
	payload := bytes.Repeat([]byte{3}, 64)

	var synthCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.WriteHeader(http.StatusOK)
		case "/voice/vits":
			synthCalls.Add(1)
			w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	store := metrics.NewStore()
	synth, err := NewSynthesizer(cache, nil, newTestVITS(t, srv), SynthesizerDependencies{Metrics: store.TTSRecorder()})
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}

	first, err := synth.Speak(context.Background(), "テストです")
	if err != nil {
		t.Fatalf("first Speak: %v", err)
	}
	if first.Backend != BackendVITS {
		t.Fatalf("first backend = %q, want %q", first.Backend, BackendVITS)
	}
	got, err := os.ReadFile(first.WavPath)
	if err != nil {
		t.Fatalf("read synthesized wav: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("synthesized wav content differs from server payload")
	}

	second, err := synth.Speak(context.Background(), "テストです")
	if err != nil {
		t.Fatalf("second Speak: %v", err)
	}
	if second.Backend != BackendCache {
		t.Errorf("second backend = %q, want %q", second.Backend, BackendCache)
	}
	if second.WavPath != first.WavPath {
		t.Errorf("second wav path = %q, want %q", second.WavPath, first.WavPath)
	}
	if got := synthCalls.Load(); got != 1 {
		t.Errorf("vits synthesized %d times, want 1", got)
	}
	if got := ttsCount(t, store, BackendVITS); got != 1 {
		t.Errorf("vits syntheses = %d, want 1", got)
	}
	if got := ttsCount(t, store, BackendCache); got != 1 {
		t.Errorf("cache syntheses = %d, want 1", got)
	}
}

func TestSpeakTinyVITSPayloadFallsBackToMock(t *testing.T) {
	cache := newTestCache(t, 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.WriteHeader(http.StatusOK)
		case "/voice/vits":
			// Some deployments answer synthesis failures with 200
			// and a short error body.
			w.Write([]byte("err"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	now := time.Unix(0, 0).UTC()
	rec := &recordedEvents{}
	store := metrics.NewStore()
	synth, err := NewSynthesizer(cache, nil, newTestVITS(t, srv), SynthesizerDependencies{
		Events:  rec,
		Metrics: store.TTSRecorder(),
		Now:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}

	res, err := synth.Speak(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.Backend != BackendMock {
		t.Errorf("backend = %q, want %q", res.Backend, BackendMock)
	}
	if !strings.HasSuffix(res.WavPath, "_mock.wav") {
		t.Errorf("wav path = %q, want a _mock.wav file", res.WavPath)
	}
	if _, err := os.Stat(res.WavPath); err != nil {
		t.Errorf("stat mock wav: %v", err)
	}

	fallbacks := rec.byType(types.EventTTSFallback)
	if len(fallbacks) != 1 {
		t.Fatalf("fallback events = %d, want 1", len(fallbacks))
	}
	if got := fallbacks[0].Details["key"]; got != Key("こんにちは") {
		t.Errorf("fallback key = %v, want %q", got, Key("こんにちは"))
	}
	if !fallbacks[0].Timestamp.Equal(now) {
		t.Errorf("fallback timestamp = %v, want %v", fallbacks[0].Timestamp, now)
	}
	if got := ttsCount(t, store, BackendMock); got != 1 {
		t.Errorf("mock syntheses = %d, want 1", got)
	}
	if got := ttsCount(t, store, BackendVITS); got != 0 {
		t.Errorf("vits syntheses = %d, want 0", got)
	}
}

func TestSpeakWithoutBackendsUsesMock(t *testing.T) {
	synth, err := NewSynthesizer(newTestCache(t, 0), nil, nil, SynthesizerDependencies{})
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}

	first, err := synth.Speak(context.Background(), "テストです")
	if err != nil {
		t.Fatalf("first Speak: %v", err)
	}
	if first.Backend != BackendMock {
		t.Errorf("backend = %q, want %q", first.Backend, BackendMock)
	}

	// Beeps are regenerated per call, never cached.
	second, err := synth.Speak(context.Background(), "テストです")
	if err != nil {
		t.Fatalf("second Speak: %v", err)
	}
	if second.Backend != BackendMock {
		t.Errorf("second backend = %q, want %q", second.Backend, BackendMock)
	}
	if second.WavPath != first.WavPath {
		t.Errorf("mock path changed between calls: %q then %q", first.WavPath, second.WavPath)
	}
}

func TestSpeakDownVITSUsesMock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client, err := NewVITSClient(VITSConfig{BaseURL: srv.URL}, Dependencies{})
	if err != nil {
		t.Fatalf("NewVITSClient: %v", err)
	}
	synth, err := NewSynthesizer(newTestCache(t, 0), nil, client, SynthesizerDependencies{})
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}

	res, err := synth.Speak(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.Backend != BackendMock {
		t.Errorf("backend = %q, want %q", res.Backend, BackendMock)
	}
}

func TestSpeakRejectsEmptyText(t *testing.T) {
	store := metrics.NewStore()
	synth, err := NewSynthesizer(newTestCache(t, 0), nil, nil, SynthesizerDependencies{Metrics: store.TTSRecorder()})
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}
	if _, err := synth.Speak(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for blank text")
	}
	if n := len(store.Snapshot().TTSSyntheses); n != 0 {
		t.Errorf("syntheses recorded for rejected text: %d", n)
	}
}

func TestNewSynthesizerRequiresCache(t *testing.T) {
	if _, err := NewSynthesizer(nil, nil, nil, SynthesizerDependencies{}); err == nil {
		t.Fatalf("expected error for nil cache")
	}
}
