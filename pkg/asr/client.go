package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/tenkv/voicechat/pkg/errorsx"
	"github.com/tenkv/voicechat/pkg/logging"
	"github.com/tenkv/voicechat/pkg/resilience"
)

type Config struct {
	URL         string
	Model       string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "SenseVoiceSmall"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	return c
}

// Client is the HTTP recognition client. It posts one multipart request per
// audio frame and retries transient failures with a linear backoff.
type Client struct {
	cfg    Config
	httpc  *http.Client
	retry  resilience.RetryPolicy
	logger *slog.Logger
}

func NewClient(cfg Config, httpc *http.Client, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		httpc:  httpc,
		retry:  resilience.NewRetryPolicy(cfg.MaxAttempts, cfg.BaseDelay),
		logger: logging.NewComponentLogger(logger, "asr_client"),
	}
}

func (c *Client) Name() string { return "http_asr" }

func (c *Client) Close() error { return nil }

// Recognize transcribes one audio frame. A response with a missing or empty
// text field yields ("", nil).
func (c *Client) Recognize(ctx context.Context, audio []byte) (string, error) {
	var text string
	attempt := 0
	err := c.retry.Do(ctx, func() error {
		attempt++
		out, err := c.recognizeOnce(ctx, audio)
		if err != nil {
			c.logger.Warn("transcription attempt failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", c.cfg.MaxAttempts),
				slog.String("error", err.Error()))
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("transcription failed: %w", err), errorsx.ReasonASRRetry)
	}
	return text, nil
}

func (c *Client) recognizeOnce(ctx context.Context, audio []byte) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="audio.wav"`)
	hdr.Set("Content-Type", "audio/wav")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := mw.WriteField("model", c.cfg.Model); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL, body)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonASRRequest)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonASRRequest)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", errorsx.Wrap(
			fmt.Errorf("transcribe status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt))),
			errorsx.ReasonASRRequest)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonASRDecode)
	}
	return strings.TrimSpace(result.Text), nil
}
