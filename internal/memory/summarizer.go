package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/kiroku/internal/config"
)

// Mode selects the summarization register.
type Mode string

const (
	// ModeExtract turns a raw chat block into "- [HH:MM] fact" bullet lines.
	ModeExtract Mode = "extract"
	// ModeDiarize folds a day's events into one first-person diary paragraph.
	ModeDiarize Mode = "diarize"
	// ModeChronicle folds a week of diaries into one long-term paragraph.
	ModeChronicle Mode = "chronicle"
	// ModeGroupExtract is ModeExtract with third-person observer phrasing.
	ModeGroupExtract Mode = "group-extract"
)

const (
	extractInstruction = `You are a memory keeper. Extract the notable happenings from the conversation below, with their clock times. Ignore small talk.
Output format, one line per happening:
- [HH:MM] what happened
- [HH:MM] what happened`

	diarizeInstruction = `You are a diary writer. Fold all of the day's fragments below into one coherent first-person diary entry of at most 300 characters. No bullet points, no timestamps.`

	chronicleInstruction = `You are a biographer. From the week of diary entries below, write one continuous paragraph of at most 200 characters capturing the turning points and how the relationship changed. No per-day list, no timestamps.`

	groupExtractInstruction = `You are a memory keeper observing a group conversation. Extract the notable happenings with their clock times, phrased in the third person with an explicit subject on every line.
Output format, one line per happening:
- [HH:MM] who did what`
)

// Summarizer is the external text-generation collaborator. An error or an
// empty result means the same thing to callers: a retryable failure that must
// leave tier state untouched.
type Summarizer interface {
	Summarize(text string, mode Mode) (string, error)
}

type httpSummarizer struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewSummarizer builds the OpenAI-compatible chat-completions client used for
// all consolidation calls. The consolidation provider falls back to the chat
// provider when not set separately.
func NewSummarizer(cfg *config.Config) Summarizer {
	c := &httpSummarizer{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	sc := cfg.Consolidation.Summarizer
	if sc.Provider != nil {
		c.apiKey = sc.Provider.APIKey
		c.baseURL = sc.Provider.BaseURL
	}
	if c.apiKey == "" {
		c.apiKey = cfg.Provider.APIKey
	}
	if c.baseURL == "" {
		c.baseURL = cfg.Provider.BaseURL
	}
	if sc.Model != "" {
		c.model = sc.Model
	} else {
		c.model = cfg.Agent.Model
	}
	if sc.MaxTokens > 0 {
		c.maxTokens = sc.MaxTokens
	} else {
		c.maxTokens = cfg.Agent.MaxTokens
	}

	return c
}

func instructionFor(mode Mode) (string, error) {
	switch mode {
	case ModeExtract:
		return extractInstruction, nil
	case ModeDiarize:
		return diarizeInstruction, nil
	case ModeChronicle:
		return chronicleInstruction, nil
	case ModeGroupExtract:
		return groupExtractInstruction, nil
	default:
		return "", fmt.Errorf("unknown summarize mode %q", mode)
	}
}

func (c *httpSummarizer) Summarize(text string, mode Mode) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty input for mode %s", mode)
	}
	instruction, err := instructionFor(mode)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("missing summarizer api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("missing summarizer base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("missing summarizer model")
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": instruction},
			{"role": "user", "content": "Content follows:\n" + text},
		},
		"max_tokens":  c.maxTokens,
		"temperature": 0.3,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("summarizer http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
