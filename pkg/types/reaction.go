package types

import "time"

// TriggerKind identifies why the screen monitor asked for an analysis.
type TriggerKind string

const (
	TriggerSceneChange TriggerKind = "scene_change"
	TriggerForceCheck  TriggerKind = "force_check"
)

// Trigger is a single monitor emission handed to the reaction pipeline.
type Trigger struct {
	Kind  TriggerKind `json:"kind"`
	Score float64     `json:"score"`
	At    time.Time   `json:"at"`
}

// Reaction is the finished product of one analysis pass: what the pet
// saw, what it said, and where the synthesized audio landed. It is the
// payload broadcast to overlay clients and returned by the speech
// endpoints.
type Reaction struct {
	ID          string      `json:"id"`
	Trigger     TriggerKind `json:"trigger,omitempty"`
	Score       float64     `json:"score,omitempty"`
	Description string      `json:"description,omitempty"`
	Text        string      `json:"text"`
	SubtitleZH  string      `json:"subtitle_zh"`
	TextJA      string      `json:"text_ja,omitempty"`
	Emotion     string      `json:"emotion"`
	SpritePath  string      `json:"sprite_path,omitempty"`
	WavPath     string      `json:"wav_path"`
	TTSBackend  string      `json:"backend"`
	CreatedAt   time.Time   `json:"created_at"`
}
