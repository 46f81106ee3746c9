package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Store maintains in-memory gauges and counters for agent telemetry.
type Store struct {
	monitorCycles   atomic.Uint64
	captureFailures atomic.Uint64
	sceneChanges    atomic.Uint64
	forceChecks     atomic.Uint64

	analysesRun   atomic.Uint64
	analysisSkips sync.Map // reason string -> *atomic.Uint64
	reactions     atomic.Uint64
	chatFallbacks atomic.Uint64

	ttsSyntheses sync.Map // backend string -> *atomic.Uint64

	overlayClients atomic.Int64
	overlayDrops   atomic.Uint64

	readinessState      atomic.Int64
	readinessReason     atomic.Value
	readinessCategories atomic.Value
	readyTransitions    atomic.Uint64
	notReadyTransitions atomic.Uint64
	readyAlerts         atomic.Uint64
	categoryTotals      sync.Map // categoryKey -> *atomic.Uint64
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

type categoryKey struct {
	Name     string
	Severity string
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	store := &Store{}
	store.readinessReason.Store("")
	store.readinessCategories.Store([]ReadinessCategory(nil))
	return store
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	MonitorCycles       uint64
	CaptureFailures     uint64
	SceneChanges        uint64
	ForceChecks         uint64
	AnalysesRun         uint64
	AnalysesSkipped     []LabeledCount
	Reactions           uint64
	ChatFallbacks       uint64
	TTSSyntheses        []LabeledCount
	OverlayClients      int64
	OverlayDrops        uint64
	Ready               bool
	ReadyReason         string
	ReadyTransitions    uint64
	NotReadyTransitions uint64
	ReadyAlerts         uint64
	ReadyCategories     []ReadinessCategory
	CategoryTransitions []CategoryCount
}

// LabeledCount is a counter keyed by a single label value.
type LabeledCount struct {
	Label string
	Count uint64
}

// CategoryCount captures accumulated transition counts per category/severity.
type CategoryCount struct {
	Category string
	Severity string
	Count    uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	readyReason, _ := s.readinessReason.Load().(string)
	rawCategories, _ := s.readinessCategories.Load().([]ReadinessCategory)
	categories := make([]ReadinessCategory, len(rawCategories))
	copy(categories, rawCategories)

	categoryCounts := make([]CategoryCount, 0)
	s.categoryTotals.Range(func(key, value any) bool {
		ckey, ok := key.(categoryKey)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		categoryCounts = append(categoryCounts, CategoryCount{
			Category: ckey.Name,
			Severity: ckey.Severity,
			Count:    counter.Load(),
		})
		return true
	})

	return Snapshot{
		MonitorCycles:       s.monitorCycles.Load(),
		CaptureFailures:     s.captureFailures.Load(),
		SceneChanges:        s.sceneChanges.Load(),
		ForceChecks:         s.forceChecks.Load(),
		AnalysesRun:         s.analysesRun.Load(),
		AnalysesSkipped:     collectLabeled(&s.analysisSkips),
		Reactions:           s.reactions.Load(),
		ChatFallbacks:       s.chatFallbacks.Load(),
		TTSSyntheses:        collectLabeled(&s.ttsSyntheses),
		OverlayClients:      s.overlayClients.Load(),
		OverlayDrops:        s.overlayDrops.Load(),
		Ready:               s.readinessState.Load() == 1,
		ReadyReason:         readyReason,
		ReadyTransitions:    s.readyTransitions.Load(),
		NotReadyTransitions: s.notReadyTransitions.Load(),
		ReadyAlerts:         s.readyAlerts.Load(),
		ReadyCategories:     categories,
		CategoryTransitions: categoryCounts,
	}
}

func collectLabeled(m *sync.Map) []LabeledCount {
	out := make([]LabeledCount, 0)
	m.Range(func(key, value any) bool {
		label, ok := key.(string)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		out = append(out, LabeledCount{Label: label, Count: counter.Load()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func bumpLabeled(m *sync.Map, label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "unknown"
	}
	if value, ok := m.Load(label); ok {
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			counter.Add(1)
			return
		}
	}
	counter := &atomic.Uint64{}
	counter.Add(1)
	if actual, loaded := m.LoadOrStore(label, counter); loaded {
		if existing, ok := actual.(*atomic.Uint64); ok && existing != nil {
			existing.Add(1)
		}
	}
}

// MonitorRecorder returns an implementation backed by the store.
func (s *Store) MonitorRecorder() MonitorRecorder {
	return monitorRecorder{store: s}
}

// PipelineRecorder returns an implementation backed by the store.
func (s *Store) PipelineRecorder() PipelineRecorder {
	return pipelineRecorder{store: s}
}

// TTSRecorder returns an implementation backed by the store.
func (s *Store) TTSRecorder() TTSRecorder {
	return ttsRecorder{store: s}
}

// BusRecorder returns an implementation backed by the store.
func (s *Store) BusRecorder() BusRecorder {
	return busRecorder{store: s}
}

type monitorRecorder struct {
	store *Store
}

func (r monitorRecorder) IncCycles()          { r.store.monitorCycles.Add(1) }
func (r monitorRecorder) IncCaptureFailures() { r.store.captureFailures.Add(1) }
func (r monitorRecorder) IncSceneChanges()    { r.store.sceneChanges.Add(1) }
func (r monitorRecorder) IncForceChecks()     { r.store.forceChecks.Add(1) }

type pipelineRecorder struct {
	store *Store
}

func (r pipelineRecorder) IncAnalysesRun() { r.store.analysesRun.Add(1) }

func (r pipelineRecorder) IncAnalysesSkipped(reason string) {
	bumpLabeled(&r.store.analysisSkips, reason)
}

func (r pipelineRecorder) IncReactions()     { r.store.reactions.Add(1) }
func (r pipelineRecorder) IncChatFallbacks() { r.store.chatFallbacks.Add(1) }

type ttsRecorder struct {
	store *Store
}

func (r ttsRecorder) IncSyntheses(backend string) {
	bumpLabeled(&r.store.ttsSyntheses, backend)
}

type busRecorder struct {
	store *Store
}

func (r busRecorder) ObserveOverlayClients(n int) {
	if n < 0 {
		n = 0
	}
	r.store.overlayClients.Store(int64(n))
}

func (r busRecorder) IncOverlayDrops() { r.store.overlayDrops.Add(1) }

func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	prev := s.readinessState.Load()
	if ready {
		if prev == 0 {
			s.readyTransitions.Add(1)
		}
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		s.readinessCategories.Store([]ReadinessCategory(nil))
		return
	}
	if prev == 1 {
		s.notReadyTransitions.Add(1)
		s.readyAlerts.Add(1)
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
	deduped := dedupeCategories(categories)
	s.readinessCategories.Store(deduped)
	if prev == 1 && len(deduped) > 0 {
		for _, cat := range deduped {
			counter := s.getCategoryCounter(cat)
			counter.Add(1)
		}
	}
}

func (s *Store) getCategoryCounter(category ReadinessCategory) *atomic.Uint64 {
	key := categoryKey{
		Name:     normalizeCategoryName(category.Name),
		Severity: normalizeSeverity(category.Severity),
	}
	if value, ok := s.categoryTotals.Load(key); ok {
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			return counter
		}
	}
	counter := &atomic.Uint64{}
	actual, _ := s.categoryTotals.LoadOrStore(key, counter)
	if existing, ok := actual.(*atomic.Uint64); ok && existing != nil {
		return existing
	}
	return counter
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[categoryKey]struct{}, len(categories))
	result := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		rawName := strings.TrimSpace(c.Name)
		if rawName == "" {
			continue
		}
		name := normalizeCategoryName(c.Name)
		severity := normalizeSeverity(c.Severity)
		key := categoryKey{Name: name, Severity: severity}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}
	return result
}

func normalizeCategoryName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return name
}

func normalizeSeverity(severity string) string {
	severity = strings.TrimSpace(strings.ToLower(severity))
	if severity == "" {
		return "unknown"
	}
	switch severity {
	case "info", "informational":
		return "info"
	case "warn", "warning":
		return "warning"
	case "critical", "crit":
		return "critical"
	default:
		return severity
	}
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	readyValue := 0
	if snap.Ready {
		readyValue = 1
	}
	reason := snap.ReadyReason
	if !snap.Ready && reason == "" {
		reason = "unknown"
	}
	if snap.Ready && reason == "" {
		reason = "ready"
	}
	lines := []string{
		"# HELP murasame_agent_monitor_cycles_total Total completed screen monitor cycles.",
		"# TYPE murasame_agent_monitor_cycles_total counter",
		fmt.Sprintf("murasame_agent_monitor_cycles_total %d", snap.MonitorCycles),
		"# HELP murasame_agent_capture_failures_total Total screen captures that failed and were skipped.",
		"# TYPE murasame_agent_capture_failures_total counter",
		fmt.Sprintf("murasame_agent_capture_failures_total %d", snap.CaptureFailures),
		"# HELP murasame_agent_scene_changes_total Total scene-change triggers emitted by the monitor.",
		"# TYPE murasame_agent_scene_changes_total counter",
		fmt.Sprintf("murasame_agent_scene_changes_total %d", snap.SceneChanges),
		"# HELP murasame_agent_force_checks_total Total idle force-check triggers emitted by the monitor.",
		"# TYPE murasame_agent_force_checks_total counter",
		fmt.Sprintf("murasame_agent_force_checks_total %d", snap.ForceChecks),
		"# HELP murasame_agent_analyses_total Total vision analyses executed by the reaction pipeline.",
		"# TYPE murasame_agent_analyses_total counter",
		fmt.Sprintf("murasame_agent_analyses_total %d", snap.AnalysesRun),
		"# HELP murasame_agent_analyses_skipped_total Analyses skipped before completion, by reason.",
		"# TYPE murasame_agent_analyses_skipped_total counter",
	}
	if len(snap.AnalysesSkipped) == 0 {
		lines = append(lines, fmt.Sprintf("murasame_agent_analyses_skipped_total{reason=%q} %d", "none", 0))
	} else {
		for _, lc := range snap.AnalysesSkipped {
			lines = append(lines, fmt.Sprintf("murasame_agent_analyses_skipped_total{reason=%q} %d", lc.Label, lc.Count))
		}
	}
	lines = append(lines,
		"# HELP murasame_agent_reactions_total Total reactions published to overlay clients.",
		"# TYPE murasame_agent_reactions_total counter",
		fmt.Sprintf("murasame_agent_reactions_total %d", snap.Reactions),
		"# HELP murasame_agent_chat_fallbacks_total Total canned replies used after a chat failure.",
		"# TYPE murasame_agent_chat_fallbacks_total counter",
		fmt.Sprintf("murasame_agent_chat_fallbacks_total %d", snap.ChatFallbacks),
		"# HELP murasame_agent_tts_syntheses_total Total speech syntheses, by producing backend.",
		"# TYPE murasame_agent_tts_syntheses_total counter",
	)
	if len(snap.TTSSyntheses) == 0 {
		lines = append(lines, fmt.Sprintf("murasame_agent_tts_syntheses_total{backend=%q} %d", "none", 0))
	} else {
		for _, lc := range snap.TTSSyntheses {
			lines = append(lines, fmt.Sprintf("murasame_agent_tts_syntheses_total{backend=%q} %d", lc.Label, lc.Count))
		}
	}
	lines = append(lines,
		"# HELP murasame_agent_overlay_clients Connected overlay websocket clients.",
		"# TYPE murasame_agent_overlay_clients gauge",
		fmt.Sprintf("murasame_agent_overlay_clients %d", snap.OverlayClients),
		"# HELP murasame_agent_overlay_dropped_total Overlay clients dropped for falling behind.",
		"# TYPE murasame_agent_overlay_dropped_total counter",
		fmt.Sprintf("murasame_agent_overlay_dropped_total %d", snap.OverlayDrops),
		"# HELP murasame_agent_ready Whether the agent considers itself ready (1=ready).",
		"# TYPE murasame_agent_ready gauge",
		fmt.Sprintf("murasame_agent_ready %d", readyValue),
		"# HELP murasame_agent_ready_info Reason associated with the most recent readiness evaluation.",
		"# TYPE murasame_agent_ready_info gauge",
		fmt.Sprintf("murasame_agent_ready_info{reason=%q} 1", reason),
		"# HELP murasame_agent_ready_transitions_total Count of readiness state transitions by resulting state.",
		"# TYPE murasame_agent_ready_transitions_total counter",
		fmt.Sprintf("murasame_agent_ready_transitions_total{state=%q} %d", "ready", snap.ReadyTransitions),
		fmt.Sprintf("murasame_agent_ready_transitions_total{state=%q} %d", "not_ready", snap.NotReadyTransitions),
		"# HELP murasame_agent_ready_alerts_total Total number of readiness alert transitions.",
		"# TYPE murasame_agent_ready_alerts_total counter",
		fmt.Sprintf("murasame_agent_ready_alerts_total %d", snap.ReadyAlerts),
		"# HELP murasame_agent_ready_categories_info Categories associated with the most recent readiness evaluation.",
		"# TYPE murasame_agent_ready_categories_info gauge",
	)
	if len(snap.ReadyCategories) == 0 {
		lines = append(lines, fmt.Sprintf("murasame_agent_ready_categories_info{category=%q,severity=%q} 1", "none", "none"))
	} else {
		cats := append([]ReadinessCategory(nil), snap.ReadyCategories...)
		sort.Slice(cats, func(i, j int) bool {
			if cats[i].Name == cats[j].Name {
				return cats[i].Severity < cats[j].Severity
			}
			return cats[i].Name < cats[j].Name
		})
		for _, cat := range cats {
			lines = append(lines, fmt.Sprintf("murasame_agent_ready_categories_info{category=%q,severity=%q} 1", cat.Name, cat.Severity))
		}
	}
	lines = append(lines,
		"# HELP murasame_agent_ready_category_transitions_total Count of readiness degradations annotated by category.",
		"# TYPE murasame_agent_ready_category_transitions_total counter",
	)
	if len(snap.CategoryTransitions) == 0 {
		lines = append(lines, fmt.Sprintf("murasame_agent_ready_category_transitions_total{category=%q,severity=%q} %d", "none", "none", 0))
	} else {
		counts := append([]CategoryCount(nil), snap.CategoryTransitions...)
		sort.Slice(counts, func(i, j int) bool {
			if counts[i].Category == counts[j].Category {
				return counts[i].Severity < counts[j].Severity
			}
			return counts[i].Category < counts[j].Category
		})
		for _, cc := range counts {
			lines = append(lines, fmt.Sprintf("murasame_agent_ready_category_transitions_total{category=%q,severity=%q} %d", cc.Category, cc.Severity, cc.Count))
		}
	}
	lines = append(lines, "")
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
