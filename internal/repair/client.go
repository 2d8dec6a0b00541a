// Package repair corrects broken diagram source through an OpenAI-compatible
// chat-completions endpoint.
package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatmark/internal/usage"
)

// ErrNoCredential is returned before any network activity when no API key is
// configured. Callers treat the repair path as unavailable rather than failed.
var ErrNoCredential = errors.New("repair: api key not configured")

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration

	// Price per 1k tokens, used to estimate cost. Zero disables the estimate.
	PromptPricePer1K     float64
	CompletionPricePer1K float64
}

func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
		Timeout: 60 * time.Second,
	}
}

// Result is one corrected candidate plus its cost accounting.
type Result struct {
	Source string
	Usage  usage.Record
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig("").BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig("").Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig("").Timeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

const systemPrompt = `You fix diagram source code written in the Mermaid language.
You receive the broken source and the validator error. Reply with the corrected
Mermaid source only. No explanation, no surrounding prose, no code fences.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Fix sends one correction request. Any transport error, non-2xx status or
// unusable response body is returned as an error; there are no retries here,
// attempt budgeting lives in the diagram engine.
func (c *Client) Fix(ctx context.Context, source, validationErr string) (Result, error) {
	if c.cfg.APIKey == "" {
		return Result{}, ErrNoCredential
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	userPrompt := fmt.Sprintf("The following Mermaid diagram fails to render.\n\nError:\n%s\n\nSource:\n%s", validationErr, source)
	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   2048,
		Temperature: 0.1,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("repair: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("repair: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("repair: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("repair: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("repair call rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("model", c.cfg.Model))
		return Result{}, fmt.Errorf("repair: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("repair: decode response: %w", err)
	}
	if parsed.Error != nil {
		return Result{}, fmt.Errorf("repair: api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, errors.New("repair: empty choices in response")
	}

	fixed := extractSource(parsed.Choices[0].Message.Content)
	if fixed == "" {
		return Result{}, errors.New("repair: empty corrected source in response")
	}

	elapsed := time.Since(start)
	rec := usage.Record{
		Provider:         "openai",
		Model:            c.cfg.Model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
		Cost: float64(parsed.Usage.PromptTokens)/1000*c.cfg.PromptPricePer1K +
			float64(parsed.Usage.CompletionTokens)/1000*c.cfg.CompletionPricePer1K,
		DurationMS: elapsed.Milliseconds(),
	}

	c.log.Debug("repair call succeeded",
		zap.String("model", c.cfg.Model),
		zap.Int("total_tokens", rec.TotalTokens),
		zap.Duration("elapsed", elapsed))

	return Result{Source: fixed, Usage: rec}, nil
}

// extractSource tolerates models that fence their answer despite instructions.
func extractSource(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop a language tag on the opening fence line.
		first := strings.TrimSpace(s[:nl])
		if first == "" || (len(first) <= 16 && !strings.ContainsAny(first, " \t")) {
			s = s[nl+1:]
		}
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
