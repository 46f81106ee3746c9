package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func completionJSON(content string) string {
	quoted, _ := json.Marshal(content)
	return `{"choices":[{"message":{"role":"assistant","content":` + string(quoted) + `}}]}`
}

func newTestService(t *testing.T, handler http.HandlerFunc) (*Service, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	svc, err := NewService(
		Config{
			BaseURL:     server.URL,
			Model:       "qwen2.5:7b",
			Temperature: 0.85,
			TopP:        0.9,
			MaxTokens:   50,
		},
		Dependencies{HTTPClient: server.Client()},
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, server
}

func TestReplySendsPersonaCompletion(t *testing.T) {
	var got map[string]any

	svc, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionJSON("あ、やっと来たの？")))
	})

	reply, err := svc.Reply(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.Text != "あ、やっと来たの？" || reply.Canned {
		t.Fatalf("unexpected reply %+v", reply)
	}

	if got["model"] != "qwen2.5:7b" {
		t.Fatalf("unexpected model %v", got["model"])
	}
	if got["temperature"] != 0.85 || got["top_p"] != 0.9 {
		t.Fatalf("unexpected sampling %v / %v", got["temperature"], got["top_p"])
	}
	if got["max_tokens"] != float64(50) {
		t.Fatalf("unexpected max_tokens %v", got["max_tokens"])
	}

	stop, ok := got["stop"].([]any)
	if !ok || len(stop) != 3 {
		t.Fatalf("unexpected stop markers %v", got["stop"])
	}
	if stop[0] != "\n" || stop[1] != "マスター:" || stop[2] != "ユーザー:" {
		t.Fatalf("unexpected stop markers %v", stop)
	}

	messages, ok := got["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("unexpected messages %v", got["messages"])
	}
	system := messages[0].(map[string]any)
	if system["role"] != "system" {
		t.Fatalf("expected system turn first, got %v", system["role"])
	}
	if !strings.Contains(system["content"].(string), "因幡巡") {
		t.Fatalf("system turn is missing the persona")
	}
	user := messages[1].(map[string]any)
	if user["role"] != "user" || user["content"] != "こんにちは" {
		t.Fatalf("unexpected user turn %v", user)
	}
}

func TestReplySanitation(t *testing.T) {
	cases := []struct {
		name       string
		model      string
		want       string
		wantCanned bool
	}{
		{"japanese passes", "おかえり～", "おかえり～", false},
		{"short latin passes", "OK♪だよ", "OK♪だよ", false},
		{"english run replaced", "Hello Master, how are you?", replyEnglishLeak, true},
		{"whitespace only replaced", "   ", replyEmpty, true},
		{"trimmed", "  そうだね…  ", "そうだね…", false},
	}

	for _, tc := range cases {
		svc, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(completionJSON(tc.model)))
		})

		reply, err := svc.Reply(context.Background(), "やあ")
		if err != nil {
			t.Fatalf("%s: Reply: %v", tc.name, err)
		}
		if reply.Text != tc.want {
			t.Fatalf("%s: reply %q, want %q", tc.name, reply.Text, tc.want)
		}
		if reply.Canned != tc.wantCanned {
			t.Fatalf("%s: canned = %v, want %v", tc.name, reply.Canned, tc.wantCanned)
		}
	}
}

func TestReplyFallsBackOnServerError(t *testing.T) {
	var calls int
	svc, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "model crashed", http.StatusInternalServerError)
	})

	reply, err := svc.Reply(context.Background(), "やあ")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.Text != replyError || !reply.Canned {
		t.Fatalf("expected canned error reply, got %+v", reply)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestReplyRejectsEmptyInput(t *testing.T) {
	svc, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected for empty input")
	})

	if _, err := svc.Reply(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestNewServiceDefaultsPersona(t *testing.T) {
	svc, err := NewService(
		Config{BaseURL: "http://127.0.0.1:11434", Model: "qwen2.5:7b"},
		Dependencies{},
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if !strings.Contains(svc.system, "因幡巡") {
		t.Fatalf("expected built-in persona to apply")
	}
	if !strings.HasSuffix(svc.system, personaFraming) {
		t.Fatalf("expected framing line appended to the persona")
	}
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Model: "m"}, Dependencies{}); err == nil {
		t.Fatalf("expected error without base URL")
	}
	if _, err := NewService(Config{BaseURL: "http://x"}, Dependencies{}); err == nil {
		t.Fatalf("expected error without model")
	}
}
