// Package diag implements the diag subcommand: a report on the local
// model daemon covering server reachability, installed models, loaded
// models with their VRAM residency, and an optional vision smoke test.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/murasamepet/agent/internal/config"
	"github.com/murasamepet/agent/internal/ollama"
)

// Client is the slice of the ollama client diag needs; the concrete
// client satisfies it.
type Client interface {
	TestConnection(ctx context.Context) bool
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
	RunningModels(ctx context.Context) ([]ollama.RunningModel, error)
	Describe(ctx context.Context, frame image.Image, prompt string) (string, error)
}

var _ Client = (*ollama.Client)(nil)

// Dependencies allow test overrides. A nil Client is built from the
// loaded configuration.
type Dependencies struct {
	Client Client
	Stdout io.Writer
}

// Report is the machine-readable diag output.
type Report struct {
	ServerURL   string                `json:"server_url"`
	ServerUp    bool                  `json:"server_up"`
	Installed   []ollama.ModelInfo    `json:"installed,omitempty"`
	Running     []ollama.RunningModel `json:"running,omitempty"`
	SmokeResult string                `json:"smoke_result,omitempty"`
	SmokeError  string                `json:"smoke_error,omitempty"`
}

// Run executes the diag subcommand.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the agent configuration file")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	smoke := fs.Bool("smoke", false, "run a one-shot vision generation against a generated image")
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

	out := deps.Stdout
	if out == nil {
		out = os.Stdout
	}

	client := deps.Client
	if client == nil {
		c, err := ollama.NewClient(ollama.Config{
			BaseURL:     cfg.LLM.BaseURL,
			ChatModel:   cfg.LLM.ChatModel,
			VisionModel: cfg.LLM.VisionModel,
			KeepAlive:   cfg.LLM.KeepAlive,
		}, ollama.Dependencies{})
		if err != nil {
			return fmt.Errorf("build ollama client: %w", err)
		}
		client = c
	}

	report := collect(ctx, client, cfg.LLM.BaseURL, *smoke)

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(out, report)
	if !report.ServerUp {
		return fmt.Errorf("ollama unreachable at %s, run `ollama serve` first", cfg.LLM.BaseURL)
	}
	return nil
}

func collect(ctx context.Context, client Client, serverURL string, smoke bool) Report {
	report := Report{ServerURL: serverURL}

	report.ServerUp = client.TestConnection(ctx)
	if !report.ServerUp {
		return report
	}

	if models, err := client.ListModels(ctx); err == nil {
		report.Installed = models
	}
	if running, err := client.RunningModels(ctx); err == nil {
		report.Running = running
	}

	if smoke {
		desc, err := client.Describe(ctx, smokeImage(), "Describe this image in one short sentence.")
		if err != nil {
			report.SmokeError = err.Error()
		} else {
			report.SmokeResult = strings.TrimSpace(desc)
		}
	}
	return report
}

func printReport(out io.Writer, report Report) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "ollama diagnostics (%s)\n", report.ServerURL)
	fmt.Fprintln(out, rule)

	if !report.ServerUp {
		fmt.Fprintln(out, "server: UNREACHABLE")
		return
	}
	fmt.Fprintln(out, "server: OK")

	fmt.Fprintln(out, "\ninstalled models:")
	if len(report.Installed) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, m := range report.Installed {
		line := fmt.Sprintf("  - %-28s %10s", m.Name, gib(m.Size))
		if !m.ModifiedAt.IsZero() {
			line += "  modified " + m.ModifiedAt.Format(time.DateOnly)
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintln(out, "\nloaded models:")
	if len(report.Running) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, m := range report.Running {
		line := fmt.Sprintf("  - %-28s %10s  vram %10s", m.Name, gib(m.Size), gib(m.SizeVRAM))
		if !m.ExpiresAt.IsZero() {
			line += "  until " + m.ExpiresAt.Format(time.TimeOnly)
		}
		fmt.Fprintln(out, line)
	}

	if report.SmokeError != "" {
		fmt.Fprintf(out, "\nvision smoke test: FAILED (%s)\n", report.SmokeError)
	} else if report.SmokeResult != "" {
		fmt.Fprintf(out, "\nvision smoke test: %q\n", report.SmokeResult)
	}
	fmt.Fprintln(out, rule)
}

func gib(bytes int64) string {
	return fmt.Sprintf("%.2f GiB", float64(bytes)/float64(1<<30))
}

// smokeImage is a small two-tone test card, enough for a vision model
// to say something deterministic about.
func smokeImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if (x/8+y/8)%2 == 0 {
				img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 32, G: 32, B: 32, A: 255})
			}
		}
	}
	return img
}
