package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/tenkv/voicechat/pkg/errorsx"
	"github.com/tenkv/voicechat/pkg/logging"
)

// Sink receives synthesized audio for one duplex connection. Send methods
// return false when the connection is no longer usable; the client then stops
// silently without touching the synthesis stream further.
type Sink interface {
	SendAudio(chunk []byte) bool
	SendError(message string) bool
	IsOpen() bool
}

type Config struct {
	URL        string
	Model      string
	Voice      string
	Timeout    time.Duration
	YieldEvery int
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "CosyVoice2-0.5B"
	}
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
	if c.YieldEvery <= 0 {
		c.YieldEvery = 5
	}
	return c
}

// Client streams synthesized audio for one text segment at a time. Chunks are
// forwarded to the sink as they arrive; a segment's audio is never buffered
// whole.
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
		logger: logging.NewComponentLogger(logger, "tts_client"),
	}
}

// Synthesize opens one streaming synthesis request for the segment and relays
// audio chunks to the sink. Every YieldEvery chunks it yields the scheduler so
// one session cannot starve others.
func (c *Client) Synthesize(ctx context.Context, text string, sink Sink) error {
	payload := map[string]any{
		"model": c.cfg.Model,
		"input": text,
		"voice": c.cfg.Voice,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSRequest)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSRequest)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("tts request timed out", slog.String("text", clip(text)))
			sink.SendError("TTS synthesis timed out")
			return errorsx.Wrap(err, errorsx.ReasonTTSTimeout)
		}
		c.logger.Error("tts request failed",
			slog.String("text", clip(text)),
			slog.String("error", err.Error()))
		sink.SendError("TTS synthesis failed")
		return errorsx.Wrap(err, errorsx.ReasonTTSRequest)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		c.logger.Error("tts non-success status",
			slog.Int("status", resp.StatusCode),
			slog.String("body", strings.TrimSpace(string(excerpt))))
		sink.SendError(fmt.Sprintf("TTS failed (status %d)", resp.StatusCode))
		return errorsx.Wrap(fmt.Errorf("tts status %d", resp.StatusCode), errorsx.ReasonTTSStatus)
	}

	buf := make([]byte, 4096)
	chunks := 0
	for {
		if !sink.IsOpen() {
			c.logger.Info("connection closed, stopping tts stream")
			return nil
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !sink.SendAudio(chunk) {
				// Outbound send failed; the connection is already unusable.
				return nil
			}
			chunks++
			if chunks%c.cfg.YieldEvery == 0 {
				runtime.Gosched()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				sink.SendError("TTS synthesis timed out")
				return errorsx.Wrap(err, errorsx.ReasonTTSTimeout)
			}
			sink.SendError("TTS synthesis failed")
			return errorsx.Wrap(err, errorsx.ReasonTTSRequest)
		}
	}
}

func clip(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 60 {
		return text
	}
	return text[:60] + "..."
}
