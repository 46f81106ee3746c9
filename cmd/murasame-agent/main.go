package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/murasamepet/agent/internal/api"
	"github.com/murasamepet/agent/internal/audio"
	"github.com/murasamepet/agent/internal/bus"
	"github.com/murasamepet/agent/internal/capture"
	"github.com/murasamepet/agent/internal/chat"
	"github.com/murasamepet/agent/internal/config"
	"github.com/murasamepet/agent/internal/diag"
	"github.com/murasamepet/agent/internal/emotion"
	"github.com/murasamepet/agent/internal/events"
	"github.com/murasamepet/agent/internal/health"
	"github.com/murasamepet/agent/internal/healthcheck"
	"github.com/murasamepet/agent/internal/logging"
	"github.com/murasamepet/agent/internal/metrics"
	"github.com/murasamepet/agent/internal/monitor"
	"github.com/murasamepet/agent/internal/ollama"
	"github.com/murasamepet/agent/internal/pipeline"
	"github.com/murasamepet/agent/internal/tts"
	"github.com/murasamepet/agent/pkg/types"
)

func main() {
	ctx := context.Background()

	// The original deployment kept its endpoints in a .env file next
	// to the binary; keep honoring it. A missing file is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "healthcheck":
		err = healthcheck.Run(ctx, os.Args[2:], healthcheck.Dependencies{})
	case "diag":
		err = diag.Run(ctx, os.Args[2:], diag.Dependencies{})
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the agent configuration file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(ctx, *configPath)
	} else {
		cfg, err = config.LoadFromEnv(ctx)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Log.Level)
	slog.SetDefault(logger)
	logger.Info("murasame agent starting",
		"listen", cfg.API.Listen,
		"ollama", cfg.LLM.BaseURL,
		"vision_model", cfg.LLM.VisionModel,
		"chat_model", cfg.LLM.ChatModel)

	store := metrics.NewStore()
	recorder := events.NewMulti(events.LogRecorder{Logger: logger})

	mon, err := monitor.New(monitor.Config{
		CheckInterval:      cfg.Monitor.CheckInterval,
		Threshold:          cfg.Monitor.Threshold,
		CaptureWidth:       cfg.Monitor.CaptureWidth,
		CaptureHeight:      cfg.Monitor.CaptureHeight,
		ForceCheckInterval: cfg.Monitor.ForceCheckInterval,
	}, capture.NewScreenSource(),
		monitor.WithLogger(logger),
		monitor.WithEventRecorder(recorder),
		monitor.WithMetricsRecorder(store.MonitorRecorder()),
	)
	if err != nil {
		return fmt.Errorf("init screen monitor: %w", err)
	}

	ollamaClient, err := ollama.NewClient(ollama.Config{
		BaseURL:     cfg.LLM.BaseURL,
		ChatModel:   cfg.LLM.ChatModel,
		VisionModel: cfg.LLM.VisionModel,
		KeepAlive:   cfg.LLM.KeepAlive,
	}, ollama.Dependencies{
		HTTPClient: &http.Client{Timeout: cfg.LLM.Timeout},
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init ollama client: %w", err)
	}

	chatService, err := chat.NewService(chat.Config{
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.ChatModel,
		SystemPrompt: cfg.Persona.SystemPrompt,
		Temperature:  cfg.Persona.Temperature,
		TopP:         cfg.Persona.TopP,
		MaxTokens:    cfg.Persona.MaxTokens,
	}, chat.Dependencies{Logger: logger})
	if err != nil {
		return fmt.Errorf("init persona chat: %w", err)
	}

	voiceCache, err := tts.NewCache(cfg.TTS.VoicesDir, cfg.TTS.MinWavBytes)
	if err != nil {
		return fmt.Errorf("init voice cache: %w", err)
	}
	vitsClient, err := tts.NewVITSClient(tts.VITSConfig{
		BaseURL:   cfg.TTS.VITSURL,
		SpeakerID: cfg.TTS.SpeakerID,
	}, tts.Dependencies{Logger: logger})
	if err != nil {
		return fmt.Errorf("init vits client: %w", err)
	}
	synthesizer, err := tts.NewSynthesizer(
		voiceCache,
		tts.NewPredefined(cfg.TTS.PredefinedDir),
		vitsClient,
		tts.SynthesizerDependencies{
			Logger:  logger,
			Events:  recorder,
			Metrics: store.TTSRecorder(),
		},
	)
	if err != nil {
		return fmt.Errorf("init tts ladder: %w", err)
	}

	// The pet renders fine without sprite metadata; reactions just
	// carry no sprite path then.
	emotionMgr, err := emotion.Load(cfg.Sprites.EmotionConfig, cfg.Sprites.Dir)
	if err != nil {
		logger.Warn("emotion config unavailable, sprites disabled", "err", err)
		emotionMgr = nil
	}

	hub := bus.NewHub(bus.Dependencies{
		Logger:  logger,
		Events:  recorder,
		Metrics: store.BusRecorder(),
	})
	player := audio.NewPlayer(audio.Config{Enabled: cfg.Audio.LocalPlayback}, logger)
	voice := &fallbackVoice{clients: hub.ClientCount, play: player.PlayInBackground}

	pipe, err := pipeline.New(pipeline.Config{
		Cooldown:       cfg.Pipeline.Cooldown,
		HideSettle:     cfg.Pipeline.HideSettle,
		VisionPrompt:   cfg.Pipeline.VisionPrompt,
		CommentPrompt:  cfg.Pipeline.CommentPrompt,
		BoringKeywords: cfg.Pipeline.BoringKeywords,
	}, pipeline.Dependencies{
		Monitor: mon,
		Source:  capture.NewScreenSource(),
		Vision:  ollamaClient,
		Chat:    chatService,
		TTS:     synthesizer,
		Emotion: emotionMgr,
		Overlay: hub,
		Player:  voice,
		Logger:  logger,
		Events:  recorder,
		Metrics: store.PipelineRecorder(),
	})
	if err != nil {
		return fmt.Errorf("init reaction pipeline: %w", err)
	}

	mon.OnSceneChanged(pipe.TriggerSceneChange)
	mon.OnForceCheck(pipe.TriggerForceCheck)

	service, err := api.NewService(api.ServiceDependencies{
		Persona: chatService,
		Raw:     ollamaClient,
		TTS:     synthesizer,
		Emotion: emotionMgr,
		Logger:  logger,
		Metrics: store.PipelineRecorder(),
	})
	if err != nil {
		return fmt.Errorf("init api service: %w", err)
	}

	checker := health.NewChecker(health.Dependencies{
		ProbeLLM:  ollamaClient.TestConnection,
		ProbeVITS: vitsClient.Available,
		Monitor:   mon,
		Metrics:   store,
		Logger:    logger,
	}, 3*cfg.Monitor.CheckInterval)

	server, err := api.NewServer(api.ServerConfig{Listen: cfg.API.Listen}, api.ServerDependencies{
		Service: service,
		Overlay: hub.Handler(),
		Metrics: store,
		Health:  checker,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("init api server: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Gestures arrive on the bus read goroutine; the speech flows can
	// take tens of seconds, so they run detached.
	hub.OnPat(func() {
		go func() {
			reaction, err := service.Pat(runCtx)
			if err != nil {
				logger.Warn("pat reaction failed", "err", err)
				return
			}
			announce(hub, voice, reaction)
		}()
	})
	hub.OnChat(func(payload types.ChatPayload) {
		go func() {
			reaction, err := service.ChatProcess(runCtx, payload.Text)
			if err != nil {
				logger.Warn("chat reaction failed", "err", err)
				return
			}
			announce(hub, voice, reaction)
		}()
	})

	if err := mon.Start(); err != nil {
		return fmt.Errorf("start screen monitor: %w", err)
	}

	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		if err := pipe.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		if err := checker.Run(groupCtx, 0); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		return server.Run(groupCtx)
	})

	grp.Go(func() error {
		<-groupCtx.Done()
		mon.Stop()
		hub.Close()
		return nil
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}

	logger.Info("murasame agent stopped")
	return nil
}

// announce mirrors the pipeline's publish step for gesture reactions.
func announce(hub *bus.Hub, voice *fallbackVoice, reaction types.Reaction) {
	hub.PublishReaction(reaction)
	if reaction.WavPath != "" {
		voice.PlayInBackground(reaction.WavPath)
	}
}

// fallbackVoice plays a wav on the local speakers only while no overlay
// client is connected; a connected overlay owns audio playback.
type fallbackVoice struct {
	clients func() int
	play    func(path string)
}

func (v *fallbackVoice) PlayInBackground(path string) {
	if v.clients() > 0 {
		return
	}
	v.play(path)
}

func printUsage() {
	fmt.Println("Murasame Desktop Pet Agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  murasame-agent run [--config murasame.yaml]")
	fmt.Println("  murasame-agent healthcheck [--config murasame.yaml]")
	fmt.Println("  murasame-agent diag [--config murasame.yaml] [--json] [--smoke]")
}
