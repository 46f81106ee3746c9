// Package pipeline reacts to screen-monitor triggers: it takes a clean
// screenshot, asks the vision model what is on it, turns the answer
// into a persona comment and publishes the spoken result to the
// overlay. It owns the cooldown gate that keeps expensive analyses
// rate limited no matter how often the monitor fires.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/murasamepet/agent/internal/capture"
	"github.com/murasamepet/agent/internal/chat"
	"github.com/murasamepet/agent/internal/emotion"
	"github.com/murasamepet/agent/internal/events"
	"github.com/murasamepet/agent/internal/metrics"
	"github.com/murasamepet/agent/internal/tts"
	"github.com/murasamepet/agent/pkg/types"
)

// Skip reasons reported on the analyses_skipped counter.
const (
	skipBusy       = "busy"
	skipCooldown   = "cooldown"
	skipCapture    = "capture"
	skipVision     = "vision"
	skipValidation = "validation"
	skipTTS        = "tts"
)

// DefaultVisionPrompt matches what the pet asks the vision model.
const DefaultVisionPrompt = "Describe the image in detail."

// DefaultCommentPrompt turns a screen description into one short
// in-character line. %s receives the description.
const DefaultCommentPrompt = `SYSTEM: You are Inaba Meguru (巡), a cute anime character observing the user's screen.
USER'S SCREEN: %s
TASK: Make ONE short comment in TRADITIONAL CHINESE (繁體中文) about what you see.
RULES:
- MUST respond in Traditional Chinese (繁體中文) ONLY
- Maximum 15 characters
- React naturally, don't describe
- Be playful and cute
- Don't mention "screen" or "computer"
EXAMPLES:
- "哇，看起來好好玩～"
- "這個我也想試試！"
- "在忙什麼呢？"
- "好厲害喔～"
YOUR RESPONSE (Traditional Chinese only):`

var (
	nonWordRun = regexp.MustCompile(`[^a-zA-Z0-9\s]`)
	cjkRun     = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)
)

// MonitorControl is the slice of the screen monitor the pipeline
// drives: it suspends sampling while the overlay is hidden for a clean
// screenshot and resumes it afterwards.
type MonitorControl interface {
	Pause()
	Resume()
}

// Vision describes one captured frame.
type Vision interface {
	Describe(ctx context.Context, frame image.Image, prompt string) (string, error)
}

// Chatter produces the persona comment for a description.
type Chatter interface {
	Reply(ctx context.Context, text string) (chat.Reply, error)
}

// Speaker renders one line of speech.
type Speaker interface {
	Speak(ctx context.Context, ja string) (tts.Result, error)
}

// Overlay receives hide/show requests and finished reactions.
type Overlay interface {
	HideOverlay()
	ShowOverlay()
	PublishReaction(types.Reaction)
}

// LocalPlayer plays a reaction on the machine's own speakers.
type LocalPlayer interface {
	PlayInBackground(path string)
}

// Config tunes analysis pacing and validation.
type Config struct {
	Cooldown       time.Duration
	HideSettle     time.Duration
	VisionPrompt   string
	CommentPrompt  string
	BoringKeywords []string
}

// Dependencies are the pipeline's collaborators. Monitor, Source,
// Vision, Chat and TTS are required; the rest default to no-ops.
type Dependencies struct {
	Monitor MonitorControl
	Source  capture.Source
	Vision  Vision
	Chat    Chatter
	TTS     Speaker
	Emotion *emotion.Manager
	Overlay Overlay
	Player  LocalPlayer
	Logger  *slog.Logger
	Events  events.Recorder
	Metrics metrics.PipelineRecorder
	Now     func() time.Time
}

// Pipeline consumes monitor triggers one at a time.
type Pipeline struct {
	cfg     Config
	monitor MonitorControl
	source  capture.Source
	vision  Vision
	chat    Chatter
	tts     Speaker
	emotion *emotion.Manager
	overlay Overlay
	player  LocalPlayer
	logger  *slog.Logger
	events  events.Recorder
	metrics metrics.PipelineRecorder
	now     func() time.Time

	limiter *rate.Limiter

	// One slot: the monitor callback must never wait on an analysis
	// in flight, and a trigger arriving mid-analysis carries no new
	// information worth queueing.
	triggers chan types.Trigger
}

// New builds a pipeline. Cooldown and settle fall back to the values
// the pet was tuned with when left zero.
func New(cfg Config, deps Dependencies) (*Pipeline, error) {
	if deps.Monitor == nil {
		return nil, fmt.Errorf("pipeline monitor is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("pipeline capture source is required")
	}
	if deps.Vision == nil {
		return nil, fmt.Errorf("pipeline vision client is required")
	}
	if deps.Chat == nil {
		return nil, fmt.Errorf("pipeline chat service is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("pipeline tts synthesizer is required")
	}

	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HideSettle <= 0 {
		cfg.HideSettle = 500 * time.Millisecond
	}
	if cfg.VisionPrompt == "" {
		cfg.VisionPrompt = DefaultVisionPrompt
	}
	if cfg.CommentPrompt == "" {
		cfg.CommentPrompt = DefaultCommentPrompt
	}

	p := &Pipeline{
		cfg:      cfg,
		monitor:  deps.Monitor,
		source:   deps.Source,
		vision:   deps.Vision,
		chat:     deps.Chat,
		tts:      deps.TTS,
		emotion:  deps.Emotion,
		overlay:  deps.Overlay,
		player:   deps.Player,
		logger:   deps.Logger,
		events:   deps.Events,
		metrics:  deps.Metrics,
		now:      deps.Now,
		triggers: make(chan types.Trigger, 1),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.events == nil {
		p.events = events.NoopRecorder{}
	}
	if p.metrics == nil {
		p.metrics = metrics.NoopPipelineRecorder{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.limiter = rate.NewLimiter(rate.Every(cfg.Cooldown), 1)
	return p, nil
}

// TriggerSceneChange is wired to the monitor's scene-change stream. It
// never blocks; a trigger arriving while an analysis runs is dropped.
func (p *Pipeline) TriggerSceneChange(score float64) {
	p.offer(types.Trigger{Kind: types.TriggerSceneChange, Score: score, At: p.now()})
}

// TriggerForceCheck is wired to the monitor's force-check stream.
func (p *Pipeline) TriggerForceCheck() {
	p.offer(types.Trigger{Kind: types.TriggerForceCheck, At: p.now()})
}

func (p *Pipeline) offer(trig types.Trigger) {
	select {
	case p.triggers <- trig:
	default:
		p.logger.Debug("analysis busy, trigger dropped", "kind", trig.Kind)
		p.metrics.IncAnalysesSkipped(skipBusy)
		p.events.Record(types.Event{
			Type:      types.EventTriggerDropped,
			Timestamp: trig.At,
			Details:   map[string]any{"kind": string(trig.Kind)},
		})
	}
}

// Run processes triggers until the context is cancelled. Failures
// inside one analysis are logged and never end the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trig := <-p.triggers:
			p.analyze(ctx, trig)
		}
	}
}

func (p *Pipeline) analyze(ctx context.Context, trig types.Trigger) {
	now := p.now()
	if !p.limiter.AllowN(now, 1) {
		p.logger.Debug("analysis cooldown active, skipping", "kind", trig.Kind)
		p.metrics.IncAnalysesSkipped(skipCooldown)
		p.events.Record(types.Event{
			Type:      types.EventCooldownSkip,
			Timestamp: now,
			Details:   map[string]any{"kind": string(trig.Kind)},
		})
		return
	}

	p.metrics.IncAnalysesRun()
	p.logger.Info("analysis triggered", "kind", trig.Kind, "score", trig.Score)

	// Sampling stays suspended for the whole analysis; the overlay
	// hide/show dance would otherwise register as scene changes.
	p.monitor.Pause()
	defer p.monitor.Resume()

	frame, ok := p.cleanCapture(ctx)
	if !ok {
		return
	}

	description, err := p.vision.Describe(ctx, frame, p.cfg.VisionPrompt)
	if err != nil {
		p.logger.Warn("vision analysis failed", "err", err)
		p.metrics.IncAnalysesSkipped(skipVision)
		return
	}
	if reason, ok := p.validDescription(description); !ok {
		p.skipValidation(reason, description)
		return
	}
	description = strings.TrimSpace(description)

	reply, err := p.chat.Reply(ctx, fmt.Sprintf(p.cfg.CommentPrompt, description))
	if err != nil {
		p.logger.Warn("comment generation failed", "err", err)
		p.metrics.IncAnalysesSkipped(skipVision)
		return
	}
	if reply.Canned {
		p.metrics.IncChatFallbacks()
	}
	if reason, ok := validComment(reply.Text); !ok {
		p.skipValidation(reason, reply.Text)
		return
	}

	voice, err := p.tts.Speak(ctx, reply.Text)
	if err != nil {
		p.logger.Warn("speech synthesis failed", "err", err)
		p.metrics.IncAnalysesSkipped(skipTTS)
		return
	}

	reaction := types.Reaction{
		ID:          uuid.NewString(),
		Trigger:     trig.Kind,
		Score:       trig.Score,
		Description: description,
		Text:        reply.Text,
		SubtitleZH:  reply.Text,
		Emotion:     "happy",
		WavPath:     voice.WavPath,
		TTSBackend:  voice.Backend,
		CreatedAt:   p.now(),
	}
	if p.emotion != nil {
		reaction.SpritePath = p.emotion.SpritePath(p.emotion.DefaultBody(), reaction.Emotion)
	}

	p.publish(reaction)
	p.logger.Info("reaction published",
		"id", reaction.ID, "kind", trig.Kind, "backend", voice.Backend, "comment", reply.Text)
}

// cleanCapture hides the overlay, waits for the desktop to repaint
// beneath it, grabs one full-resolution frame and restores the overlay
// immediately, before any model work starts.
func (p *Pipeline) cleanCapture(ctx context.Context) (image.Image, bool) {
	if p.overlay != nil {
		p.overlay.HideOverlay()
		defer p.overlay.ShowOverlay()
		if !sleepCtx(ctx, p.cfg.HideSettle) {
			return nil, false
		}
	}

	frame, err := p.source.Grab(nil)
	if err != nil {
		p.logger.Warn("clean screenshot failed", "err", err)
		p.metrics.IncAnalysesSkipped(skipCapture)
		return nil, false
	}
	return frame, true
}

func (p *Pipeline) publish(reaction types.Reaction) {
	p.metrics.IncReactions()
	p.events.Record(types.Event{
		Type:      types.EventReactionPublish,
		Timestamp: reaction.CreatedAt,
		Details:   map[string]any{"id": reaction.ID, "backend": reaction.TTSBackend},
	})
	if p.overlay != nil {
		p.overlay.PublishReaction(reaction)
	}
	if p.player != nil {
		p.player.PlayInBackground(reaction.WavPath)
	}
}

func (p *Pipeline) skipValidation(reason, text string) {
	p.logger.Info("analysis output rejected", "reason", reason, "text", text)
	p.metrics.IncAnalysesSkipped(skipValidation)
	p.events.Record(types.Event{
		Type:      types.EventValidationSkip,
		Timestamp: p.now(),
		Details:   map[string]any{"reason": reason},
	})
}

// validDescription applies the screen-description filters: minimum
// length, a symbol-garbage ceiling and the boring-scene keyword list.
func (p *Pipeline) validDescription(description string) (string, bool) {
	description = strings.TrimSpace(description)
	if len([]rune(description)) < 3 {
		return "description too short", false
	}
	if symbolRatio(description) > 0.5 {
		return "description mostly symbols", false
	}
	lower := strings.ToLower(description)
	for _, keyword := range p.cfg.BoringKeywords {
		if keyword != "" && strings.Contains(lower, strings.ToLower(keyword)) {
			return "boring scene", false
		}
	}
	return "", true
}

// validComment requires the reply to actually be spoken Chinese; the
// model occasionally answers in English despite the prompt.
func validComment(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	total := len([]rune(trimmed))
	if total == 0 {
		return "empty comment", false
	}
	cjk := len(cjkRun.FindAllString(trimmed, -1))
	if float64(cjk)/float64(total) < 0.3 {
		return "comment not in Chinese", false
	}
	return "", true
}

// symbolRatio is the fraction of characters outside letters, digits
// and whitespace.
func symbolRatio(s string) float64 {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0
	}
	return float64(len(nonWordRun.FindAllString(s, -1))) / float64(len(runes))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
