// Package emotion resolves the pet's face sprite from the emotion
// keywords the language model emits.
package emotion

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// synonyms collapses the model's emotion vocabulary onto the sprite
// categories shipped with the character. Unknown words read as neutral.
var synonyms = map[string]string{
	"happy": "happy", "joy": "happy", "excited": "happy", "cheerful": "happy", "delighted": "happy",
	"sad": "sad", "depressed": "sad", "disappointed": "sad", "dejected": "sad", "down": "sad",
	"angry": "angry", "annoyed": "angry", "frustrated": "angry", "upset": "angry", "mad": "angry",
	"tired": "tired", "exhausted": "tired", "bored": "tired", "weary": "tired", "sighing": "tired",
	"neutral": "neutral", "calm": "neutral", "normal": "neutral",
}

type fileConfig struct {
	EmotionCategories map[string][]string `json:"emotion_categories"`
	DefaultBody       string              `json:"default_body"`
	DefaultFace       string              `json:"default_face"`
}

// Manager maps emotions to face ids and face ids to sprite files.
type Manager struct {
	categories  map[string][]string
	defaultBody string
	defaultFace string
	spritesDir  string
}

// Load reads an emotion config and binds it to a sprites directory.
func Load(configPath, spritesDir string) (*Manager, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read emotion config %q: %w", configPath, err)
	}
	var cfg fileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse emotion config %q: %w", configPath, err)
	}
	if cfg.DefaultBody == "" {
		cfg.DefaultBody = "01"
	}
	if cfg.DefaultFace == "" {
		cfg.DefaultFace = "01"
	}
	return &Manager{
		categories:  cfg.EmotionCategories,
		defaultBody: cfg.DefaultBody,
		defaultFace: cfg.DefaultFace,
		spritesDir:  spritesDir,
	}, nil
}

// DefaultBody returns the body id used when nothing picked another.
func (m *Manager) DefaultBody() string {
	return m.defaultBody
}

// Category normalizes a model emotion to one of the sprite categories.
func (m *Manager) Category(emotion string) string {
	if cat, ok := synonyms[strings.ToLower(strings.TrimSpace(emotion))]; ok {
		return cat
	}
	return "neutral"
}

// FaceFor picks a face id for the emotion, choosing randomly among the
// category's faces.
func (m *Manager) FaceFor(emotion string) string {
	faces := m.categories[m.Category(emotion)]
	if len(faces) == 0 {
		return m.defaultFace
	}
	return faces[rand.Intn(len(faces))]
}

// SpritePath returns the sprite file for a body and emotion. When the
// exact combination is not on disk it falls back to the body's
// default-face sprite, which is the one guaranteed by the asset build.
func (m *Manager) SpritePath(bodyID, emotion string) string {
	face := m.FaceFor(emotion)
	path := filepath.Join(m.spritesDir, spriteName(bodyID, face))
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(m.spritesDir, spriteName(bodyID, m.defaultFace))
	}
	return path
}

func spriteName(bodyID, faceID string) string {
	return fmt.Sprintf("body_%s_face_%s.png", bodyID, faceID)
}
