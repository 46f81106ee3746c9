package metrics

// MonitorRecorder receives per-cycle counts from the screen monitor.
type MonitorRecorder interface {
	IncCycles()
	IncCaptureFailures()
	IncSceneChanges()
	IncForceChecks()
}

type NoopMonitorRecorder struct{}

func (NoopMonitorRecorder) IncCycles()          {}
func (NoopMonitorRecorder) IncCaptureFailures() {}
func (NoopMonitorRecorder) IncSceneChanges()    {}
func (NoopMonitorRecorder) IncForceChecks()     {}

// PipelineRecorder receives analysis outcomes from the reaction
// pipeline. Skip reasons become the label on the skipped counter.
type PipelineRecorder interface {
	IncAnalysesRun()
	IncAnalysesSkipped(reason string)
	IncReactions()
	IncChatFallbacks()
}

type NoopPipelineRecorder struct{}

func (NoopPipelineRecorder) IncAnalysesRun()                  {}
func (NoopPipelineRecorder) IncAnalysesSkipped(reason string) {}
func (NoopPipelineRecorder) IncReactions()                    {}
func (NoopPipelineRecorder) IncChatFallbacks()                {}

// TTSRecorder counts syntheses by the backend that produced the wav.
type TTSRecorder interface {
	IncSyntheses(backend string)
}

type NoopTTSRecorder struct{}

func (NoopTTSRecorder) IncSyntheses(backend string) {}

// BusRecorder tracks overlay websocket clients and dropped sends.
type BusRecorder interface {
	ObserveOverlayClients(n int)
	IncOverlayDrops()
}

type NoopBusRecorder struct{}

func (NoopBusRecorder) ObserveOverlayClients(n int) {}
func (NoopBusRecorder) IncOverlayDrops()            {}
