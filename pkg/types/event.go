package types

import "time"

type EventType string

const (
	EventSceneChange     EventType = "SceneChange"
	EventForceCheck      EventType = "ForceCheck"
	EventCaptureFailure  EventType = "CaptureFailure"
	EventTriggerDropped  EventType = "TriggerDropped"
	EventCooldownSkip    EventType = "CooldownSkip"
	EventValidationSkip  EventType = "ValidationSkip"
	EventChatFallback    EventType = "ChatFallback"
	EventTTSFallback     EventType = "TTSFallback"
	EventOverlayDropped  EventType = "OverlayDropped"
	EventMonitorPaused   EventType = "MonitorPaused"
	EventMonitorResumed  EventType = "MonitorResumed"
	EventReactionPublish EventType = "ReactionPublish"
)

type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"ts"`
	Details   map[string]any `json:"details,omitempty"`
}
