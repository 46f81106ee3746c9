// Package ollama is a thin client for the local Ollama daemon. It
// carries the call shapes the pet needs: vision description of a
// captured frame, raw chat with history, and model listings for
// diagnostics.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	generatePath = "/api/generate"
	chatPath     = "/api/chat"
	tagsPath     = "/api/tags"
	psPath       = "/api/ps"

	defaultTimeout   = 60 * time.Second
	probeTimeout     = 5 * time.Second
	defaultKeepAlive = "5m"
)

// DefaultPrompt asks for the concise English description the comment
// step builds on.
const DefaultPrompt = "Describe this image concisely in English. Focus on main activities, text on screen, or significant events."

// Canned descriptions returned when a vision model produces nothing
// usable. The pipeline treats them like any other description.
const (
	descThinkingLoop = "A computer screen with active windows."
	descEmpty        = "The screen shows various applications and content."
)

// Config holds the static configuration for an Ollama client.
type Config struct {
	BaseURL     string
	ChatModel   string
	VisionModel string
	KeepAlive   string
}

// Dependencies allow test overrides for HTTP client and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to a single Ollama daemon.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	chatModel   string
	visionModel string
	keepAlive   string
	logger      *slog.Logger
}

// NewClient builds an Ollama client from configuration and dependencies.
func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama base URL is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive == "" {
		keepAlive = defaultKeepAlive
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		chatModel:   cfg.ChatModel,
		visionModel: cfg.VisionModel,
		keepAlive:   keepAlive,
		logger:      logger,
	}, nil
}

// Options mirrors the subset of Ollama sampling knobs the pet touches.
type Options struct {
	Temperature   float64  `json:"temperature,omitempty"`
	TopP          float64  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	NumPredict    int      `json:"num_predict,omitempty"`
	NumCtx        int      `json:"num_ctx,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
	NumGPU        *int     `json:"num_gpu,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

// Message is one turn of an Ollama chat conversation.
type Message struct {
	Role     string   `json:"role"`
	Content  string   `json:"content"`
	Thinking string   `json:"thinking,omitempty"`
	Images   []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	KeepAlive string    `json:"keep_alive,omitempty"`
	Options   *Options  `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

type generateRequest struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt"`
	Images    []string `json:"images,omitempty"`
	Stream    bool     `json:"stream"`
	KeepAlive string   `json:"keep_alive,omitempty"`
	Options   *Options `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Describe sends a frame to the vision model and returns its text.
// Qwen-VL models go through the chat endpoint; everything else uses
// plain generate.
func (c *Client) Describe(ctx context.Context, frame image.Image, prompt string) (string, error) {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	encoded, err := encodeFrame(frame)
	if err != nil {
		return "", err
	}
	if isQwenVL(c.visionModel) {
		return c.describeChat(ctx, prompt, encoded)
	}
	return c.describeGenerate(ctx, prompt, encoded)
}

// describeChat drives Qwen-VL models with near-greedy sampling; at
// higher temperatures they loop on open-ended screen descriptions.
func (c *Client) describeChat(ctx context.Context, prompt, encoded string) (string, error) {
	req := chatRequest{
		Model: c.visionModel,
		Messages: []Message{{
			Role:    "user",
			Content: prompt,
			Images:  []string{encoded},
		}},
		KeepAlive: c.keepAlive,
		Options: &Options{
			Temperature:   0.1,
			TopK:          20,
			NumPredict:    60,
			NumCtx:        2048,
			RepeatPenalty: 1.2,
		},
	}

	var resp chatResponse
	if err := c.postJSON(ctx, chatPath, req, &resp); err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.Message.Content)
	if text == "" && resp.Message.Thinking != "" {
		c.logger.Warn("vision model stuck in a thought loop", "model", c.visionModel)
		return descThinkingLoop, nil
	}
	if text == "" {
		c.logger.Warn("vision model returned empty content", "model", c.visionModel)
		return descEmpty, nil
	}
	return text, nil
}

func (c *Client) describeGenerate(ctx context.Context, prompt, encoded string) (string, error) {
	req := generateRequest{
		Model:     c.visionModel,
		Prompt:    prompt,
		Images:    []string{encoded},
		KeepAlive: c.keepAlive,
		Options: &Options{
			Temperature: 0.3,
			NumPredict:  150,
			NumCtx:      2048,
		},
	}

	var resp generateResponse
	if err := c.postJSON(ctx, generatePath, req, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Response), nil
}

// Chat forwards a raw conversation to the text model and returns the
// assistant turn.
func (c *Client) Chat(ctx context.Context, messages []Message, opts *Options) (Message, error) {
	if len(messages) == 0 {
		return Message{}, fmt.Errorf("chat needs at least one message")
	}

	req := chatRequest{
		Model:    c.chatModel,
		Messages: messages,
		Options:  opts,
	}

	var resp chatResponse
	if err := c.postJSON(ctx, chatPath, req, &resp); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return Message{}, fmt.Errorf("chat model %s returned no content", c.chatModel)
	}
	return resp.Message, nil
}

// TestConnection reports whether the daemon answers at all. Startup
// gating and the healthcheck subcommand both use it.
func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tagsPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// ModelInfo is one installed model as reported by the daemon.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// RunningModel is one loaded model with its VRAM footprint.
type RunningModel struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SizeVRAM  int64     `json:"size_vram"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ListModels returns the models installed on the daemon.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var out struct {
		Models []ModelInfo `json:"models"`
	}
	if err := c.getJSON(ctx, tagsPath, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// RunningModels returns the models currently loaded into memory.
func (c *Client) RunningModels(ctx context.Context) ([]RunningModel, error) {
	var out struct {
		Models []RunningModel `json:"models"`
	}
	if err := c.getJSON(ctx, psPath, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ollama %s failed: status %s: %s", req.URL.Path, resp.Status, truncateBody(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode ollama response: %w", err)
	}
	return nil
}

func truncateBody(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func isQwenVL(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "qwen") && strings.Contains(lower, "vl")
}

func encodeFrame(frame image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
