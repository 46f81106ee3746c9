package tts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	vitsVoicePath = "/voice/vits"

	// Synthesis of a short line is usually fast, but loading the model
	// after a cold start can take a while.
	vitsSynthTimeout = 30 * time.Second
	vitsProbeTimeout = 3 * time.Second
)

// VITSConfig holds the static configuration for a VITS client.
type VITSConfig struct {
	BaseURL   string
	SpeakerID int
}

// Dependencies allow test overrides for HTTP client and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// VITSClient speaks to a vits-simple-api server.
type VITSClient struct {
	httpClient *http.Client
	baseURL    string
	speakerID  int
	logger     *slog.Logger
}

// NewVITSClient builds a client for the given server.
func NewVITSClient(cfg VITSConfig, deps Dependencies) (*VITSClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vits base URL is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: vitsSynthTimeout}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &VITSClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		speakerID:  cfg.SpeakerID,
		logger:     logger,
	}, nil
}

// Synthesize renders one Japanese line and returns the raw wav bytes.
func (v *VITSClient) Synthesize(ctx context.Context, ja string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, vitsSynthTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("text", ja)
	q.Set("id", strconv.Itoa(v.speakerID))
	q.Set("format", "wav")
	q.Set("lang", "ja")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+vitsVoicePath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build vits request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vits request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read vits response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("vits synthesis failed: status %s", resp.Status)
	}
	return body, nil
}

// Available reports whether the VITS server answers its root page.
// Checked before synthesis so a downed server costs a short probe
// instead of the full synthesis timeout.
func (v *VITSClient) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, vitsProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 400
}
