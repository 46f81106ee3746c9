package monitor

import "time"

type decision int

const (
	decideNothing decision = iota
	decideSceneChange
	decideForceCheck
)

// policy decides what a cycle emits. A scene change always wins over a
// force check, at most one event fires per cycle, and either kind
// re-arms the idle timer. Only the monitor loop touches it.
type policy struct {
	threshold  float64
	forceEvery time.Duration
	lastEvent  time.Time
}

func newPolicy(threshold float64, forceEvery time.Duration, start time.Time) *policy {
	return &policy{threshold: threshold, forceEvery: forceEvery, lastEvent: start}
}

func (p *policy) evaluate(score float64, now time.Time) decision {
	if score > p.threshold {
		p.lastEvent = now
		return decideSceneChange
	}
	if now.Sub(p.lastEvent) > p.forceEvery {
		p.lastEvent = now
		return decideForceCheck
	}
	return decideNothing
}

// rearm restarts the idle timer without emitting. Used when monitoring
// starts so the first force check measures from then, not from zero.
func (p *policy) rearm(now time.Time) {
	p.lastEvent = now
}
