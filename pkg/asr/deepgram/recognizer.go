// Package deepgram is the alternative recognition backend. It keeps one live
// websocket transcription stream open and answers Recognize calls by feeding
// the audio in and collecting final transcripts.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/tenkv/voicechat/pkg/errorsx"
	"github.com/tenkv/voicechat/pkg/logging"
)

// Settings are decoded from the asr_settings map when asr_provider is
// "deepgram".
type Settings struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Language       string        `mapstructure:"language"`
	SampleRate     int           `mapstructure:"sample_rate"`
	Encoding       string        `mapstructure:"encoding"`
	UtteranceEndMS int           `mapstructure:"utterance_end_ms"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func (s Settings) withDefaults() Settings {
	if s.Model == "" {
		s.Model = "nova-2"
	}
	if s.Language == "" {
		s.Language = "zh-CN"
	}
	if s.SampleRate == 0 {
		s.SampleRate = 16000
	}
	if s.Encoding == "" {
		s.Encoding = "linear16"
	}
	if s.UtteranceEndMS == 0 {
		s.UtteranceEndMS = 1000
	}
	if s.Timeout <= 0 {
		s.Timeout = 5 * time.Second
	}
	return s
}

type result struct {
	text string
	end  bool
}

// Recognizer adapts the live transcription stream to the per-frame
// recognition interface: one Recognize call writes the frame and drains final
// transcripts until the utterance ends or the deadline passes.
type Recognizer struct {
	settings Settings
	logger   *slog.Logger

	mu         sync.Mutex
	started    bool
	dgClient   *client.WSCallback
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	results    chan result
	metaLogged bool
}

func New(settings Settings, logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		settings: settings.withDefaults(),
		logger:   logging.NewComponentLogger(logger, "deepgram_asr"),
		results:  make(chan result, 64),
	}
}

func (r *Recognizer) Name() string { return "deepgram" }

func (r *Recognizer) ensureStarted(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.pipeReader, r.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.settings.Model,
		Language:       r.settings.Language,
		Encoding:       r.settings.Encoding,
		SampleRate:     r.settings.SampleRate,
		InterimResults: false,
		VadEvents:      true,
		SmartFormat:    true,
		UtteranceEndMs: fmt.Sprintf("%d", r.settings.UtteranceEndMS),
	}

	r.logger.Info("initializing deepgram connection",
		slog.String("model", r.settings.Model),
		slog.String("language", r.settings.Language),
		slog.Int("sample_rate", r.settings.SampleRate))

	dgClient, err := client.NewWSUsingCallback(streamCtx, r.settings.APIKey,
		clientOptions, transcriptOptions, &callback{parent: r})
	if err != nil {
		cancel()
		return errorsx.Wrap(err, errorsx.ReasonASRRequest)
	}
	if connected := dgClient.Connect(); !connected {
		cancel()
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonASRRequest)
	}
	r.dgClient = dgClient

	go func() {
		if err := dgClient.Stream(r.pipeReader); err != nil && streamCtx.Err() == nil {
			r.logger.Error("deepgram stream error", slog.String("error", err.Error()))
		}
	}()

	r.started = true
	r.logger.Info("deepgram connected")
	return nil
}

// Recognize forwards one audio frame and waits for the final transcripts it
// produces. No transcript by the deadline yields ("", nil): silence is not an
// error.
func (r *Recognizer) Recognize(ctx context.Context, audio []byte) (string, error) {
	if err := r.ensureStarted(ctx); err != nil {
		return "", err
	}
	if _, err := r.pipeWriter.Write(audio); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("deepgram write: %w", err), errorsx.ReasonASRRequest)
	}

	timer := time.NewTimer(r.settings.Timeout)
	defer timer.Stop()

	var parts []string
	for {
		select {
		case res := <-r.results:
			if res.end {
				return strings.TrimSpace(strings.Join(parts, " ")), nil
			}
			parts = append(parts, res.text)
		case <-timer.C:
			return strings.TrimSpace(strings.Join(parts, " ")), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.logger.Info("closing deepgram connection")
	if r.cancel != nil {
		r.cancel()
	}
	if r.pipeWriter != nil {
		_ = r.pipeWriter.Close()
	}
	if r.dgClient != nil {
		r.dgClient.Stop()
	}
	r.started = false
	return nil
}

func (r *Recognizer) push(res result) {
	select {
	case r.results <- res:
	default:
		r.logger.Warn("dropping transcript, result channel full")
	}
}

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram connection opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	if !mr.IsFinal && !mr.SpeechFinal {
		return nil
	}
	c.parent.logger.Debug("final transcript received",
		slog.String("transcript", transcript))
	c.parent.push(result{text: transcript})
	if mr.SpeechFinal {
		c.parent.push(result{end: true})
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram metadata received",
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech started")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.push(result{end: true})
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram connection closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram unhandled event",
		slog.String("data", string(byData)))
	return nil
}
