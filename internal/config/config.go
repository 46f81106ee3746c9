package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "MURASAME_AGENT_CONFIG"
	DefaultConfigPath = "murasame.yaml"
)

type Config struct {
	API      APIConfig      `yaml:"api"`
	LLM      LLMConfig      `yaml:"llm"`
	TTS      TTSConfig      `yaml:"tts"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Persona  PersonaConfig  `yaml:"persona"`
	Sprites  SpritesConfig  `yaml:"sprites"`
	Audio    AudioConfig    `yaml:"audio"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	ChatModel   string        `yaml:"chat_model"`
	VisionModel string        `yaml:"vision_model"`
	Timeout     time.Duration `yaml:"timeout"`
	KeepAlive   string        `yaml:"keep_alive"`
}

type TTSConfig struct {
	VITSURL       string `yaml:"vits_url"`
	SpeakerID     int    `yaml:"speaker_id"`
	VoicesDir     string `yaml:"voices_dir"`
	PredefinedDir string `yaml:"predefined_dir"`
	MinWavBytes   int64  `yaml:"min_wav_bytes"`
}

type MonitorConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	Threshold          float64       `yaml:"threshold"`
	CaptureWidth       int           `yaml:"capture_width"`
	CaptureHeight      int           `yaml:"capture_height"`
	ForceCheckInterval time.Duration `yaml:"force_check_interval"`
}

type PipelineConfig struct {
	Cooldown       time.Duration `yaml:"cooldown"`
	HideSettle     time.Duration `yaml:"hide_settle"`
	VisionPrompt   string        `yaml:"vision_prompt"`
	CommentPrompt  string        `yaml:"comment_prompt"`
	BoringKeywords []string      `yaml:"boring_keywords"`
}

type PersonaConfig struct {
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	MaxTokens    int     `yaml:"max_tokens"`
}

type SpritesConfig struct {
	Dir           string `yaml:"dir"`
	EmotionConfig string `yaml:"emotion_config"`
}

type AudioConfig struct {
	LocalPlayback bool `yaml:"local_playback"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the shipped configuration. Values mirror the
// deployment the pet was tuned for; a config file and a handful of
// environment variables override them.
func Default() Config {
	return Config{
		API: APIConfig{Listen: "127.0.0.1:5000"},
		LLM: LLMConfig{
			BaseURL:     "http://127.0.0.1:11434",
			ChatModel:   "qwen2.5:7b",
			VisionModel: "llava-phi3",
			Timeout:     60 * time.Second,
			KeepAlive:   "5m",
		},
		TTS: TTSConfig{
			VITSURL:       "http://127.0.0.1:23456",
			SpeakerID:     88,
			VoicesDir:     "voices",
			PredefinedDir: "assets/audio",
			MinWavBytes:   10240,
		},
		Monitor: MonitorConfig{
			CheckInterval:      2 * time.Second,
			Threshold:          0.20,
			CaptureWidth:       640,
			CaptureHeight:      360,
			ForceCheckInterval: 90 * time.Second,
		},
		Pipeline: PipelineConfig{
			Cooldown:   30 * time.Second,
			HideSettle: 500 * time.Millisecond,
			BoringKeywords: []string{
				"desktop", "wallpaper", "empty", "blank",
				"nothing", "taskbar", "icons only",
			},
		},
		Persona: PersonaConfig{
			Temperature: 0.85,
			TopP:        0.9,
			MaxTokens:   50,
		},
		Sprites: SpritesConfig{
			Dir:           "assets/meguru",
			EmotionConfig: "emotion_config.json",
		},
		Audio: AudioConfig{LocalPlayback: true},
		Log:   LogConfig{Level: "info"},
	}
}

func Load(ctx context.Context, path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv resolves the config path from MURASAME_AGENT_CONFIG. With
// no file anywhere the pet still starts: defaults plus environment
// overrides are a complete configuration.
func LoadFromEnv(ctx context.Context) (Config, error) {
	if path := os.Getenv(envConfigPath); path != "" {
		return Load(ctx, path)
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return Load(ctx, DefaultConfigPath)
	}
	cfg := Default()
	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv layers the environment variables the original deployment
// used on top of whatever the file provided.
func applyEnv(cfg *Config) {
	if port := os.Getenv("API_PORT"); port != "" {
		cfg.API.Listen = "127.0.0.1:" + port
	}
	if v := os.Getenv("OLLAMA_ENDPOINT"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("VITS_ENDPOINT"); v != "" {
		cfg.TTS.VITSURL = v
	}
	if v := os.Getenv("VITS_SPEAKER_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.TTS.SpeakerID = id
		}
	}
	if v := os.Getenv("PREDEFINED_AUDIO_DIR"); v != "" {
		cfg.TTS.PredefinedDir = v
	}
}
