package events

import (
	"log/slog"

	"github.com/murasamepet/agent/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// LogRecorder mirrors every event into the process log.
type LogRecorder struct {
	Logger *slog.Logger
}

func (l LogRecorder) Record(event types.Event) {
	if l.Logger == nil {
		return
	}
	l.Logger.Info("event", "type", string(event.Type), "details", event.Details)
}
