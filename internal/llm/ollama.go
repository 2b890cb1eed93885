// Package llm turns user transcripts into short coach replies through an
// Ollama-compatible generation backend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://127.0.0.1:11434"
	DefaultModel   = "llama3.1:8b"
	DefaultTimeout = 30 * time.Second
)

// DefaultSystemPrompt is the coach persona used when no override is configured.
const DefaultSystemPrompt = "You are the Coach Voice Agent inside a rehabilitation and exercise game system.\n" +
	"Your role is to:\n" +
	"- Greet the user politely when they start interacting.\n" +
	"- Provide short, clear spoken feedback after the user finishes an exercise or command.\n" +
	"- Encourage the user with motivational phrases (\"Great job!\", \"Keep going!\", \"You are improving!\").\n" +
	"- Confirm user intents from speech recognition (e.g., start game, stop game, switch activity).\n" +
	"- Answer simple questions from the user about the game or their progress.\n" +
	"- Keep responses short (1-2 sentences) so they sound natural when spoken.\n" +
	"- Use a friendly, supportive tone, like a personal trainer or companion.\n" +
	"- If the user asks something outside your knowledge, politely say you don't know and redirect them back to the exercise context."

// GenerationError is the single typed failure for the generation backend:
// unreachable endpoint, non-success status or an empty completion.
type GenerationError struct {
	Cause     string
	Retryable bool
	Err       error
}

func (e *GenerationError) Error() string {
	return "generation backend: " + e.Cause
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Config carries the backend endpoint and sampling parameters, all with
// fixed defaults.
type Config struct {
	BaseURL      string
	Model        string
	SystemPrompt string

	Temperature   float64
	TopP          float64
	TopK          int
	MaxTokens     int
	RepeatPenalty float64

	Timeout time.Duration
}

// Client calls the generation backend over bounded-timeout HTTP.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.6
	}
	if cfg.TopP == 0 {
		cfg.TopP = 0.9
	}
	if cfg.TopK == 0 {
		cfg.TopK = 40
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 128
	}
	if cfg.RepeatPenalty == 0 {
		cfg.RepeatPenalty = 1.1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
	NumPredict    int     `json:"num_predict"`
	RepeatPenalty float64 `json:"repeat_penalty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Reply sends the user turn to the backend and returns the trimmed reply
// text. Every failure path surfaces as a *GenerationError; an empty
// completion is a failure, never an empty success.
func (c *Client) Reply(ctx context.Context, userText string) (string, error) {
	payload := generateRequest{
		Model:  c.cfg.Model,
		System: c.cfg.SystemPrompt,
		Prompt: fmt.Sprintf("User: %s\nCoach:", userText),
		Stream: false,
		Options: generateOptions{
			Temperature:   c.cfg.Temperature,
			TopP:          c.cfg.TopP,
			TopK:          c.cfg.TopK,
			NumPredict:    c.cfg.MaxTokens,
			RepeatPenalty: c.cfg.RepeatPenalty,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &GenerationError{Cause: "marshal request: " + err.Error(), Err: err}
	}

	url := c.cfg.BaseURL + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &GenerationError{Cause: "create request: " + err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &GenerationError{
			Cause:     fmt.Sprintf("failed to contact %s: %v", url, err),
			Retryable: true,
			Err:       err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &GenerationError{Cause: "read response: " + err.Error(), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &GenerationError{
			Cause:     fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
			Retryable: retryableStatus(resp.StatusCode),
		}
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &GenerationError{Cause: "decode response: " + err.Error(), Err: err}
	}
	reply := strings.TrimSpace(out.Response)
	if reply == "" {
		return "", &GenerationError{Cause: "empty generation response"}
	}
	return reply, nil
}

// Healthcheck probes the backend's model listing endpoint.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generation backend status %d", resp.StatusCode)
	}
	return nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
