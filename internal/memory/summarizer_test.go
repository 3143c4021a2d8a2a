package memory

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stellarlinkco/kiroku/internal/config"
)

func summarizerWith(t *testing.T, handler http.HandlerFunc) Summarizer {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	cfg.Provider.BaseURL = server.URL
	cfg.Agent.Model = "test-model"
	cfg.Agent.MaxTokens = 512
	return NewSummarizer(cfg)
}

func completionResponse(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestSummarizeSendsModeInstruction(t *testing.T) {
	var captured struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	sum := summarizerWith(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(completionResponse("- [08:10] Made pancakes")))
	})

	out, err := sum.Summarize("[08:10] Ken: morning", ModeExtract)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if out != "- [08:10] Made pancakes" {
		t.Errorf("out = %q", out)
	}

	if captured.Model != "test-model" {
		t.Errorf("model = %q", captured.Model)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", captured.Messages)
	}
	if !strings.Contains(captured.Messages[0].Content, "memory keeper") {
		t.Errorf("extract instruction not sent: %q", captured.Messages[0].Content)
	}
}

func TestSummarizeModeInstructions(t *testing.T) {
	var lastInstruction string
	sum := summarizerWith(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		lastInstruction = req.Messages[0].Content
		w.Write([]byte(completionResponse("ok")))
	})

	for mode, want := range map[Mode]string{
		ModeDiarize:      "diary writer",
		ModeChronicle:    "biographer",
		ModeGroupExtract: "group conversation",
	} {
		if _, err := sum.Summarize("some text", mode); err != nil {
			t.Fatalf("Summarize(%s): %v", mode, err)
		}
		if !strings.Contains(lastInstruction, want) {
			t.Errorf("mode %s instruction = %q, want mention of %q", mode, lastInstruction, want)
		}
	}
}

func TestSummarizeHTTPErrorSurfaces(t *testing.T) {
	sum := summarizerWith(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := sum.Summarize("some text", ModeExtract)
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should carry the status: %v", err)
	}
}

func TestSummarizeEmptyContentIsAnError(t *testing.T) {
	sum := summarizerWith(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionResponse("   ")))
	})
	if _, err := sum.Summarize("some text", ModeExtract); err == nil {
		t.Fatal("expected an error for empty content")
	}
}

func TestSummarizeEmptyChoicesIsAnError(t *testing.T) {
	sum := summarizerWith(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	})
	if _, err := sum.Summarize("some text", ModeExtract); err == nil {
		t.Fatal("expected an error for empty choices")
	}
}

func TestSummarizeRejectsUnknownMode(t *testing.T) {
	sum := summarizerWith(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent for an unknown mode")
	})
	if _, err := sum.Summarize("some text", Mode("haiku")); err == nil {
		t.Fatal("expected an error for an unknown mode")
	}
}

func TestSummarizeRejectsEmptyInput(t *testing.T) {
	sum := summarizerWith(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent for empty input")
	})
	if _, err := sum.Summarize("  \n ", ModeExtract); err == nil {
		t.Fatal("expected an error for empty input")
	}
}

func TestSummarizerProviderOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer summarizer-key" {
			t.Errorf("auth header = %q, want the override key", got)
		}
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "small-model" {
			t.Errorf("model = %q, want the override model", req.Model)
		}
		w.Write([]byte(completionResponse("ok")))
	}))
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "chat-key"
	cfg.Provider.BaseURL = "http://unused.invalid"
	cfg.Consolidation.Summarizer = config.SummarizerConfig{
		Model: "small-model",
		Provider: &config.ProviderConfig{
			APIKey:  "summarizer-key",
			BaseURL: server.URL,
		},
	}

	if _, err := NewSummarizer(cfg).Summarize("some text", ModeExtract); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
}
