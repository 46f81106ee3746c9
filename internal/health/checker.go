// Package health evaluates readiness for the agent: is the language
// model reachable, is the screen monitor still cycling, is the VITS
// voice server up. Only the first two gate readiness; a dead VITS just
// means the speech chain lands on mock audio.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/murasamepet/agent/internal/metrics"
)

const (
	defaultMonitorStale  = time.Minute
	defaultProbeInterval = 15 * time.Second
)

const (
	categoryLLMDown        = "LLM_DOWN"
	categoryLLMPending     = "LLM_PENDING"
	categoryMonitorPending = "MONITOR_PENDING"
	categoryMonitorStale   = "MONITOR_STALE"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// MonitorStatus is the slice of the screen monitor the checker reads.
// A paused monitor is intentionally idle, not stale.
type MonitorStatus interface {
	LastCycle() time.Time
	Paused() bool
}

// Dependencies supply the service probes and optional collaborators.
type Dependencies struct {
	ProbeLLM  func(ctx context.Context) bool
	ProbeVITS func(ctx context.Context) bool
	Monitor   MonitorStatus
	Metrics   *metrics.Store
	Logger    *slog.Logger
}

// Checker evaluates readiness conditions for the agent.
type Checker struct {
	probeLLM  func(ctx context.Context) bool
	probeVITS func(ctx context.Context) bool
	monitor   MonitorStatus
	metrics   *metrics.Store
	logger    *slog.Logger

	staleAfter time.Duration

	mu           sync.RWMutex
	llmProbed    bool
	llmOK        bool
	vitsProbed   bool
	vitsOK       bool
	lastProbedAt time.Time
}

// NewChecker constructs a readiness checker. staleAfter bounds how old
// the monitor's last completed cycle may be; zero selects the default.
func NewChecker(deps Dependencies, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultMonitorStale
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		probeLLM:   deps.ProbeLLM,
		probeVITS:  deps.ProbeVITS,
		monitor:    deps.Monitor,
		metrics:    deps.Metrics,
		logger:     logger,
		staleAfter: staleAfter,
	}
}

// Run probes the backing services on a fixed cadence until the context
// is cancelled. An interval of zero selects the default.
func (c *Checker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	c.probeOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.probeOnce(ctx)
		}
	}
}

func (c *Checker) probeOnce(ctx context.Context) {
	now := time.Now().UTC()

	if c.probeLLM != nil {
		ok := c.probeLLM(ctx)
		c.SetLLMStatus(ok, now)
		if !ok {
			c.logger.Warn("llm probe failed")
		}
	}
	if c.probeVITS != nil {
		ok := c.probeVITS(ctx)
		c.SetVITSStatus(ok, now)
		if !ok {
			c.logger.Debug("vits probe failed, speech degrades to mock")
		}
	}
}

// SetLLMStatus records an LLM reachability observation.
func (c *Checker) SetLLMStatus(ok bool, ts time.Time) {
	c.mu.Lock()
	c.llmProbed = true
	c.llmOK = ok
	c.lastProbedAt = ts
	c.mu.Unlock()
}

// SetVITSStatus records a VITS reachability observation.
func (c *Checker) SetVITSStatus(ok bool, ts time.Time) {
	c.mu.Lock()
	c.vitsProbed = true
	c.vitsOK = ok
	c.mu.Unlock()
}

// VITSAvailable reports the last VITS observation. Informational only.
func (c *Checker) VITSAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vitsProbed && c.vitsOK
}

// Ready evaluates all readiness conditions and returns the overall
// status with the reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 3)
	categories := make([]metrics.ReadinessCategory, 0, 3)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	c.mu.RLock()
	llmProbed := c.llmProbed
	llmOK := c.llmOK
	c.mu.RUnlock()

	if !llmProbed {
		reasons = append(reasons, "llm not yet probed")
		appendCategory(categoryLLMPending, severityInfo)
	} else if !llmOK {
		reasons = append(reasons, "llm unreachable")
		appendCategory(categoryLLMDown, severityCritical)
	}

	if c.monitor != nil && !c.monitor.Paused() {
		lastCycle := c.monitor.LastCycle()
		if lastCycle.IsZero() {
			reasons = append(reasons, "monitor has not completed a cycle")
			appendCategory(categoryMonitorPending, severityInfo)
		} else if now.Sub(lastCycle) > c.staleAfter {
			reasons = append(reasons, fmt.Sprintf("monitor stale (%s)", now.Sub(lastCycle).Round(time.Second)))
			appendCategory(categoryMonitorStale, severityWarning)
		}
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
