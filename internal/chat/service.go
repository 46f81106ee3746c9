// Package chat generates the pet's Japanese persona replies through
// the OpenAI-compatible endpoint the Ollama daemon exposes.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// DefaultPersona is the shipped character sheet for 因幡巡. A config
// file can replace it wholesale.
const DefaultPersona = `あなたは「因幡巡（いなばめぐる）」という18歳の女の子です。
性格の特徴：
- いたずら好きで、からかうのが好き
- 少し毒舌だけど、本当は優しい
- 素直じゃないけど、寂しがり屋
- 相手のことを「マスター」と呼ぶこともある

話し方のルール：
- カジュアルな日本語で話す（「～だよ」「～ね」など）
- 「私」ではなく「アタシ」を使う
- 顔文字や記号（♡、～、！）を時々使う
- 1～2文で短く返事する（長々と話さない）
- 絶対に英語や中国語を混ぜない（100%日本語のみ）

例：
- ユーザー「こんにちは」→ 巡「あ、やっと来たの？待ちくたびれちゃった～」
- ユーザー「愛してる」→ 巡「えっ、急に何言ってるの？//顔赤くなっちゃうじゃん…」
`

// personaFraming sits after the persona in the system turn and frames
// the single-line reply the stop markers then enforce.
const personaFraming = "以下はマスターとの会話です。巡として、自然に返事してください。"

// Canned replies keep the pet in character when the model misbehaves.
const (
	replyEnglishLeak = "えっと...ちょっと言葉が出てこない～"
	replyEmpty       = "えっと...何か言おうとしたんだけど、忘れちゃった♪"
	replyError       = "ごめん、ちょっと考えすぎちゃった..."
)

// The model is prompted for one conversational line; these markers cut
// it off before it starts writing both sides of the dialogue.
var stopMarkers = []string{"\n", "マスター:", "ユーザー:"}

// englishRun matches three or more consecutive latin letters, the
// telltale of the model drifting out of Japanese.
var englishRun = regexp.MustCompile(`[a-zA-Z]{3,}`)

// Config holds the static configuration for the persona chat service.
type Config struct {
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float64
	TopP         float64
	MaxTokens    int
}

// Dependencies allow test overrides for HTTP client and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Service produces persona replies for master input.
type Service struct {
	client      openai.Client
	model       string
	system      string
	temperature float64
	topP        float64
	maxTokens   int
	logger      *slog.Logger
}

// Reply is a finished persona turn. Canned marks replies substituted
// by the fallback ladder instead of generated by the model.
type Reply struct {
	Text   string
	Canned bool
}

// NewService builds a persona chat service against an Ollama daemon.
func NewService(cfg Config, deps Dependencies) (*Service, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chat base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("chat model is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultPersona
	}

	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/") + "/v1"),
		// The daemon ignores credentials but the SDK insists on one.
		option.WithAPIKey("ollama"),
		// A failed local call falls through to a canned reply; retrying
		// it would just stall the pet.
		option.WithMaxRetries(0),
	}
	if deps.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(deps.HTTPClient))
	}

	return &Service{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		system:      system + "\n\n" + personaFraming,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
	}, nil
}

// Reply answers one master line in character. Model failures never
// surface as errors: the pet answers with a canned line instead, and
// Canned tells the caller to count the fallback.
func (s *Service) Reply(ctx context.Context, userText string) (Reply, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return Reply{}, fmt.Errorf("empty text")
	}

	raw, err := s.complete(ctx, text)
	if err != nil {
		s.logger.Warn("persona chat failed", "err", err)
		return Reply{Text: replyError, Canned: true}, nil
	}

	raw = strings.TrimSpace(raw)
	if englishRun.MatchString(raw) {
		s.logger.Warn("persona reply leaked latin text", "reply", raw)
		return Reply{Text: replyEnglishLeak, Canned: true}, nil
	}
	if raw == "" {
		return Reply{Text: replyEmpty, Canned: true}, nil
	}
	return Reply{Text: raw}, nil
}

func (s *Service) complete(ctx context.Context, userText string) (string, error) {
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(s.system),
			openai.UserMessage(userText),
		},
		Model:       openai.ChatModel(s.model),
		Temperature: openai.Float(s.temperature),
		TopP:        openai.Float(s.topP),
		MaxTokens:   openai.Int(int64(s.maxTokens)),
		Stop: openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: stopMarkers,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
