package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/murasamepet/agent/internal/health"
	"github.com/murasamepet/agent/internal/metrics"
	"github.com/murasamepet/agent/internal/ollama"
)

const shutdownGrace = 3 * time.Second

// ServerConfig holds the listen address for the backend API.
type ServerConfig struct {
	Listen string
}

// ServerDependencies wires the HTTP surface. Service is required; nil
// optional collaborators disable their routes' extra behavior.
type ServerDependencies struct {
	Service *Service
	Overlay http.Handler
	Metrics *metrics.Store
	Health  *health.Checker
	Logger  *slog.Logger
}

// Server serves the backend API: the original speech endpoints plus
// the operational routes.
type Server struct {
	cfg     ServerConfig
	service *Service
	overlay http.Handler
	metrics *metrics.Store
	health  *health.Checker
	logger  *slog.Logger
}

func NewServer(cfg ServerConfig, deps ServerDependencies) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.New("api service is required")
	}
	s := &Server{
		cfg:     cfg,
		service: deps.Service,
		overlay: deps.Overlay,
		metrics: deps.Metrics,
		health:  deps.Health,
		logger:  deps.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Handler builds the route table. Exposed separately so tests can
// drive the mux without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat_process", s.handleChatProcess)
	mux.HandleFunc("/qwen3", s.handleQwen3)
	mux.HandleFunc("/reply_bi", s.handleReplyBi)
	mux.HandleFunc("/tts", s.handleTTS)
	mux.HandleFunc("/say", s.handleSay)
	mux.HandleFunc("/pat", s.handlePat)

	if s.overlay != nil {
		mux.Handle("/ws", s.overlay)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", metrics.NewHTTPHandler(s.metrics))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", s.handleReadyz)
	return mux
}

// Run serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type chatProcessRequest struct {
	Text   string `json:"text"`
	UserID string `json:"user_id"`
}

func (s *Server) handleChatProcess(w http.ResponseWriter, r *http.Request) {
	var req chatProcessRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		// The original reports empty input inline, not as an HTTP error.
		writeJSON(w, http.StatusOK, map[string]string{"error": "Empty text"})
		return
	}

	reaction, err := s.service.ChatProcess(r.Context(), req.Text)
	if err != nil {
		s.fail(w, "chat_process", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":        reaction.Text,
		"subtitle_zh": reaction.SubtitleZH,
		"wav_path":    reaction.WavPath,
		"emotion":     reaction.Emotion,
		"backend":     reaction.TTSBackend,
	})
}

type qwen3Request struct {
	Messages []ollama.Message `json:"messages"`
}

func (s *Server) handleQwen3(w http.ResponseWriter, r *http.Request) {
	var req qwen3Request
	if !s.decode(w, r, &req) {
		return
	}

	reply, history := s.service.RawChat(r.Context(), req.Messages)
	writeJSON(w, http.StatusOK, map[string]any{
		"response": reply,
		"history":  history,
	})
}

type replyBiRequest struct {
	Text    string           `json:"text"`
	ZH      string           `json:"zh"`
	JA      string           `json:"ja"`
	History []ollama.Message `json:"history"`
}

func (s *Server) handleReplyBi(w http.ResponseWriter, r *http.Request) {
	var req replyBiRequest
	if !s.decode(w, r, &req) {
		return
	}

	text := strings.TrimSpace(req.Text)
	zh := strings.TrimSpace(req.ZH)
	if zh == "" {
		zh = text
	}
	ja := strings.TrimSpace(req.JA)
	if ja == "" {
		ja = text
	}
	history := append(append([]ollama.Message{}, req.History...),
		ollama.Message{Role: "assistant", Content: ja})
	writeJSON(w, http.StatusOK, map[string]any{
		"zh":      zh,
		"ja":      ja,
		"history": history,
	})
}

type ttsRequest struct {
	JA string `json:"ja"`
	ZH string `json:"zh"`
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.JA) == "" {
		http.Error(w, "ja text is empty", http.StatusBadRequest)
		return
	}

	reaction, err := s.service.Speak(r.Context(), req.JA, req.ZH)
	if err != nil {
		s.fail(w, "tts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wav_path":    reaction.WavPath,
		"subtitle_zh": reaction.SubtitleZH,
		"backend":     reaction.TTSBackend,
	})
}

type sayRequest struct {
	Text string `json:"text"`
	ZH   string `json:"zh"`
	JA   string `json:"ja"`
}

func (s *Server) handleSay(w http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if !s.decode(w, r, &req) {
		return
	}

	reaction, err := s.service.Say(r.Context(), req.Text, req.ZH, req.JA)
	if err != nil {
		s.fail(w, "say", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wav_path":    reaction.WavPath,
		"subtitle_zh": reaction.SubtitleZH,
		"backend":     reaction.TTSBackend,
	})
}

func (s *Server) handlePat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reaction, err := s.service.Pat(r.Context())
	if err != nil {
		s.fail(w, "pat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wav_path":    reaction.WavPath,
		"subtitle_zh": reaction.SubtitleZH,
		"backend":     reaction.TTSBackend,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	ready, reasons := s.health.Ready(time.Now().UTC())
	if !ready {
		http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// decode reads a JSON POST body, answering 405/400 itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, route string, err error) {
	s.logger.Error("request failed", "route", route, "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
