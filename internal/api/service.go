// Package api exposes the agent's backend surface: the speech
// endpoints the overlay calls, the raw chat proxy, and the
// operational healthz/readyz/metrics routes.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/murasamepet/agent/internal/chat"
	"github.com/murasamepet/agent/internal/emotion"
	"github.com/murasamepet/agent/internal/metrics"
	"github.com/murasamepet/agent/internal/ollama"
	"github.com/murasamepet/agent/internal/tts"
	"github.com/murasamepet/agent/pkg/types"
)

// Canned head-pat line. The pet reacts to pats without a model call.
const (
	patLineZH = "啊，好舒服～"
	patLineJA = "あ、気持ちいい～"

	// sayFallback seeds /say when the caller sends nothing usable.
	sayFallback = "テストです"
)

// PersonaChat produces in-character replies.
type PersonaChat interface {
	Reply(ctx context.Context, text string) (chat.Reply, error)
}

// RawChat forwards a history-carrying conversation to the text model.
type RawChat interface {
	Chat(ctx context.Context, messages []ollama.Message, opts *ollama.Options) (ollama.Message, error)
}

// Speaker renders one Japanese line to a wav file.
type Speaker interface {
	Speak(ctx context.Context, ja string) (tts.Result, error)
}

// ServiceDependencies wires the speech flows. Persona, Raw and TTS are
// required.
type ServiceDependencies struct {
	Persona PersonaChat
	Raw     RawChat
	TTS     Speaker
	Emotion *emotion.Manager
	Logger  *slog.Logger
	Metrics metrics.PipelineRecorder
	Now     func() time.Time
}

// Service implements the speech flows shared by the HTTP handlers and
// the overlay bus gestures.
type Service struct {
	persona PersonaChat
	raw     RawChat
	tts     Speaker
	emotion *emotion.Manager
	logger  *slog.Logger
	metrics metrics.PipelineRecorder
	now     func() time.Time
}

func NewService(deps ServiceDependencies) (*Service, error) {
	if deps.Persona == nil {
		return nil, fmt.Errorf("persona chat is required")
	}
	if deps.Raw == nil {
		return nil, fmt.Errorf("raw chat is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("tts synthesizer is required")
	}
	s := &Service{
		persona: deps.Persona,
		raw:     deps.Raw,
		tts:     deps.TTS,
		emotion: deps.Emotion,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     deps.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.NoopPipelineRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// ChatProcess is the full master-input flow: persona reply, speech,
// sprite. It errors only on empty input; model trouble is absorbed by
// the canned-reply ladder.
func (s *Service) ChatProcess(ctx context.Context, text string) (types.Reaction, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Reaction{}, fmt.Errorf("empty text")
	}

	reply, err := s.persona.Reply(ctx, text)
	if err != nil {
		return types.Reaction{}, fmt.Errorf("persona reply: %w", err)
	}
	if reply.Canned {
		s.metrics.IncChatFallbacks()
	}

	return s.speak(ctx, reply.Text, reply.Text)
}

// RawChat proxies a history-carrying conversation. Transport failure
// echoes the last user message so the caller's conversation loop never
// breaks on a dead daemon.
func (s *Service) RawChat(ctx context.Context, messages []ollama.Message) (string, []ollama.Message) {
	// The deployment runs the text model on CPU to keep VRAM free for
	// the vision model.
	cpuOnly := 0
	msg, err := s.raw.Chat(ctx, messages, &ollama.Options{NumGPU: &cpuOnly})
	if err != nil {
		s.logger.Warn("raw chat failed, echoing last message", "err", err)
		last := ""
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "user" {
				last = messages[i].Content
				break
			}
		}
		history := append(append([]ollama.Message{}, messages...),
			ollama.Message{Role: "assistant", Content: last})
		return last, history
	}

	history := append(append([]ollama.Message{}, messages...),
		ollama.Message{Role: "assistant", Content: msg.Content})
	return msg.Content, history
}

// Say speaks a line. With ja given it goes straight to synthesis; with
// only free text the line is generated first through the raw chat.
func (s *Service) Say(ctx context.Context, text, zh, ja string) (types.Reaction, error) {
	zh = strings.TrimSpace(zh)
	ja = strings.TrimSpace(ja)

	if ja == "" {
		text = strings.TrimSpace(text)
		if text == "" {
			text = sayFallback
		}
		reply, _ := s.RawChat(ctx, []ollama.Message{{Role: "user", Content: text}})
		ja = strings.TrimSpace(reply)
		if ja == "" {
			ja = sayFallback
		}
	}
	if zh == "" {
		zh = ja
	}

	return s.speak(ctx, ja, zh)
}

// Pat reacts to a head pat with the canned line.
func (s *Service) Pat(ctx context.Context) (types.Reaction, error) {
	return s.Say(ctx, "", patLineZH, patLineJA)
}

// Speak runs the TTS chain for an explicit ja/zh pair.
func (s *Service) Speak(ctx context.Context, ja, zh string) (types.Reaction, error) {
	ja = strings.TrimSpace(ja)
	if ja == "" {
		return types.Reaction{}, fmt.Errorf("ja text is empty")
	}
	zh = strings.TrimSpace(zh)
	return s.speak(ctx, ja, zh)
}

func (s *Service) speak(ctx context.Context, ja, zh string) (types.Reaction, error) {
	voice, err := s.tts.Speak(ctx, ja)
	if err != nil {
		return types.Reaction{}, fmt.Errorf("synthesize: %w", err)
	}

	reaction := types.Reaction{
		ID:         uuid.NewString(),
		Text:       ja,
		TextJA:     ja,
		SubtitleZH: zh,
		Emotion:    "happy",
		WavPath:    voice.WavPath,
		TTSBackend: voice.Backend,
		CreatedAt:  s.now(),
	}
	if s.emotion != nil {
		reaction.SpritePath = s.emotion.SpritePath(s.emotion.DefaultBody(), reaction.Emotion)
	}
	s.metrics.IncReactions()
	return reaction, nil
}
