// Package audio plays synthesized voice lines on the local speakers,
// covering deployments where no overlay client is connected to play
// them itself.
package audio

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

// All voice backends emit 24 kHz wavs; recordings at other rates are
// resampled on the fly.
const playbackRate = beep.SampleRate(24000)

// Config controls local playback.
type Config struct {
	Enabled bool
}

// Player plays wav files sequentially on the default output device.
// The speaker is initialized lazily on first play so a disabled player
// never touches audio hardware.
type Player struct {
	enabled bool
	logger  *slog.Logger

	mu      sync.Mutex
	once    sync.Once
	initErr error
}

func NewPlayer(cfg Config, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{enabled: cfg.Enabled, logger: logger}
}

// Enabled reports whether Play will produce sound.
func (p *Player) Enabled() bool {
	return p.enabled
}

// Play decodes a wav file and blocks until it has played. Disabled
// players return immediately. Concurrent calls are serialized so
// voice lines never talk over each other.
func (p *Player) Play(path string) error {
	if !p.enabled {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open voice file %q: %w", path, err)
	}
	streamer, format, err := wav.Decode(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("decode voice file %q: %w", path, err)
	}
	defer streamer.Close()

	p.once.Do(func() {
		p.initErr = speaker.Init(playbackRate, playbackRate.N(time.Second/10))
	})
	if p.initErr != nil {
		return fmt.Errorf("init speaker: %w", p.initErr)
	}

	var stream beep.Streamer = streamer
	if format.SampleRate != playbackRate {
		stream = beep.Resample(4, format.SampleRate, playbackRate, streamer)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	done := make(chan struct{})
	speaker.Play(beep.Seq(stream, beep.Callback(func() {
		close(done)
	})))
	<-done
	return nil
}

// PlayInBackground plays without blocking the caller, logging failures.
func (p *Player) PlayInBackground(path string) {
	if !p.enabled {
		return
	}
	go func() {
		if err := p.Play(path); err != nil {
			p.logger.Warn("local playback failed", "path", path, "err", err)
		}
	}()
}
