package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tenkv/voicechat/pkg/errorsx"
	"github.com/tenkv/voicechat/pkg/logging"
)

// Message is one chat turn in an OpenAI-compatible payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Config struct {
	URL          string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "gpt-4o-ca"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Client talks to an OpenAI-compatible chat completion service, either as a
// finite SSE delta stream or as a single blocking completion.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, httpc *http.Client, logger *slog.Logger) *Client {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		httpc:  httpc,
		logger: logging.NewComponentLogger(logger, "llm_client"),
	}
}

// DeltaFunc consumes one incremental text delta. Returning false stops the
// stream without error; the client issues no further reads against the
// generation service. This is the cancellation path for closed connections.
type DeltaFunc func(delta string) bool

// Stream opens one streaming completion for a single user turn.
func (c *Client) Stream(ctx context.Context, userText string, fn DeltaFunc) error {
	return c.StreamMessages(ctx, c.conversation(userText), fn)
}

// StreamMessages opens one streaming completion request and feeds each delta
// to fn in arrival order. The stream ends at the [DONE] sentinel or body
// closure; malformed events are logged and skipped.
func (c *Client) StreamMessages(ctx context.Context, messages []Message, fn DeltaFunc) error {
	payload := chatPayload{
		Model:       c.cfg.Model,
		Messages:    messages,
		Stream:      true,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.post(reqCtx, payload)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errorsx.Wrap(
			fmt.Errorf("llm status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt))),
			errorsx.ReasonLLMStatus)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("skipping malformed stream event",
				slog.String("error", err.Error()))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if !fn(delta) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return errorsx.Wrap(fmt.Errorf("llm stream read: %w", err), errorsx.ReasonLLMStream)
	}
	return nil
}

// Complete performs one non-streaming completion.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	payload := chatPayload{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.post(reqCtx, payload)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errorsx.Wrap(
			fmt.Errorf("llm status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt))),
			errorsx.ReasonLLMStatus)
	}

	var out struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}
	if len(out.Choices) == 0 {
		return "", errorsx.Wrap(fmt.Errorf("llm response has no choices"), errorsx.ReasonLLMStream)
	}
	return out.Choices[0].Message.Content, nil
}

func (c *Client) conversation(userText string) []Message {
	return []Message{
		{Role: "system", Content: c.cfg.SystemPrompt},
		{Role: "user", Content: userText},
	}
}

func (c *Client) post(ctx context.Context, payload chatPayload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return c.httpc.Do(req)
}

type chatPayload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}
