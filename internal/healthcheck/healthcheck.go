// Package healthcheck probes the services the pet depends on and
// prints a short status report: the language model daemon (fatal when
// down) and the VITS voice server (speech degrades to mock audio).
package healthcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/murasamepet/agent/internal/config"
)

const probeTimeout = 3 * time.Second

// The endpoint table printed for operators, matching the backend's
// route list.
var endpoints = []struct {
	Path string
	Desc string
}{
	{"/chat_process", "persona chat"},
	{"/qwen3", "raw chat proxy"},
	{"/reply_bi", "bilingual reply"},
	{"/tts", "speech synthesis"},
	{"/say", "chat-and-speak"},
	{"/pat", "head pat"},
	{"/ws", "overlay feed"},
}

// Dependencies allow test overrides for the HTTP client and output.
type Dependencies struct {
	HTTPClient *http.Client
	Stdout     io.Writer
}

// Run executes the healthcheck subcommand. It returns an error only
// when the language model daemon is unreachable; a dead VITS server is
// reported as a warning since the speech chain degrades gracefully.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	fs := flag.NewFlagSet("healthcheck", flag.ContinueOnError)
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

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	out := deps.Stdout
	if out == nil {
		out = os.Stdout
	}

	llmURL := strings.TrimRight(cfg.LLM.BaseURL, "/")
	vitsURL := strings.TrimRight(cfg.TTS.VITSURL, "/")

	llmOK := probe(ctx, client, llmURL+"/api/tags")
	vitsOK := probe(ctx, client, vitsURL+"/")

	rule := strings.Repeat("=", 60)
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "murasame-agent service health")
	fmt.Fprintln(out, rule)

	fmt.Fprintf(out, "[LLM]  ollama (%s/api/tags): %s\n", llmURL, status(llmOK))
	if vitsOK {
		fmt.Fprintf(out, "[TTS]  vits   (%s/): OK (character voice available)\n", vitsURL)
	} else {
		fmt.Fprintf(out, "[TTS]  vits   (%s/): WARN -> falling back to predefined or mock audio\n", vitsURL)
	}

	fmt.Fprintln(out, "\nAPI endpoints:")
	base := "http://" + cfg.API.Listen
	for _, ep := range endpoints {
		fmt.Fprintf(out, "  %s%-14s - %s\n", base, ep.Path, ep.Desc)
	}
	fmt.Fprintln(out, rule)

	if !llmOK {
		return fmt.Errorf("ollama unreachable at %s, start it before running the pet", llmURL)
	}
	return nil
}

func probe(ctx context.Context, client *http.Client, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func status(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAIL"
}
