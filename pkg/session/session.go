// Package session owns one duplex voice-chat connection: it classifies
// inbound frames, drives recognition, generation and synthesis, and pushes
// outbound frames until the client disconnects.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tenkv/voicechat/pkg/asr"
	"github.com/tenkv/voicechat/pkg/config"
	"github.com/tenkv/voicechat/pkg/fanout"
	"github.com/tenkv/voicechat/pkg/frames"
	"github.com/tenkv/voicechat/pkg/llm"
	"github.com/tenkv/voicechat/pkg/logging"
	"github.com/tenkv/voicechat/pkg/metrics"
	"github.com/tenkv/voicechat/pkg/redact"
	"github.com/tenkv/voicechat/pkg/segment"
	"github.com/tenkv/voicechat/pkg/tts"
)

// State is the terminal state of a session.
type State int

const (
	// CloseNormal means the client disconnected or the context ended.
	CloseNormal State = iota
	// CloseError means the loop hit an unrecoverable failure and closed
	// after a best-effort error frame.
	CloseError
)

// Conn is the duplex connection surface the session needs. A gorilla
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Services are the external collaborators driven by one session.
type Services struct {
	Recognizer asr.Recognizer
	LLM        *llm.Client
	TTS        *tts.Client
}

// Session runs one connection. It processes inbound frames strictly
// sequentially: a new audio frame is not read while an utterance is still
// being generated or synthesized.
type Session struct {
	id      string
	conn    Conn
	cfg     config.Config
	svc     Services
	obs     metrics.Observer
	logger  *slog.Logger
	writeMu sync.Mutex
	open    atomic.Bool

	firstAudioOnce atomic.Bool
	// utteranceStart holds unix nanos. Synthesis tasks abandoned at drain
	// time may still call SendAudio while the next utterance resets it, so
	// access is atomic.
	utteranceStart atomic.Int64
}

var _ tts.Sink = (*Session)(nil)

func New(conn Conn, cfg config.Config, svc Services, obs metrics.Observer, logger *slog.Logger) *Session {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		svc:    svc,
		obs:    obs,
		logger: logging.NewComponentLogger(logger, "session").With(slog.String("session_id", id)),
	}
}

// NewHTTPClient builds the pooled HTTP client shared by all external-service
// work of one session. Per-stage deadlines are applied per request, not here.
func NewHTTPClient(cfg config.Config) *http.Client {
	maxConns := cfg.HTTPMaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	return &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     maxConns,
			MaxIdleConns:        maxConns,
			MaxIdleConnsPerHost: maxConns,
			IdleConnTimeout:     60 * time.Second,
		},
	}
}

// ID returns the session identifier used in logs and metrics.
func (s *Session) ID() string { return s.id }

// Run drives the session loop until the connection closes. It never lets an
// external-service failure escape: those become error frames, and only an
// unexpected panic terminates the session with CloseError.
func (s *Session) Run(ctx context.Context) (state State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", slog.Any("panic", r))
			s.sendText(frames.ErrorFrame("internal server error"))
			state = CloseError
		}
		s.open.Store(false)
		_ = s.conn.Close()
		if s.svc.Recognizer != nil {
			_ = s.svc.Recognizer.Close()
		}
		s.logger.Info("session closed")
	}()

	s.open.Store(true)
	s.logger.Info("session started")

	for {
		if ctx.Err() != nil {
			return CloseNormal
		}
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.open.Store(false)
			s.logger.Info("connection closed", slog.String("reason", err.Error()))
			return CloseNormal
		}
		switch mt {
		case websocket.TextMessage:
			s.handleControl(data)
		case websocket.BinaryMessage:
			s.handleAudio(ctx, data)
		}
	}
}

func (s *Session) handleControl(data []byte) {
	env, ok := frames.ParseControl(data)
	if !ok {
		s.logger.Warn("dropping malformed control frame",
			slog.Int("size", len(data)))
		return
	}
	if env.Type == frames.TypePing {
		s.sendText(frames.Ping(env.Timestamp))
		return
	}
	s.logger.Debug("ignoring control frame", slog.String("type", env.Type))
}

func (s *Session) handleAudio(ctx context.Context, audio []byte) {
	if len(audio) == 0 {
		s.logger.Debug("discarding empty audio frame")
		return
	}
	if len(audio) < s.cfg.MinAudioSize {
		s.logger.Debug("discarding undersized audio frame",
			slog.Int("size", len(audio)),
			slog.Int("min_size", s.cfg.MinAudioSize))
		return
	}

	trace := uuid.NewString()
	tags := map[string]string{"session_id": s.id, "trace_id": trace}

	start := time.Now()
	text, err := s.svc.Recognizer.Recognize(ctx, audio)
	s.obs.RecordEvent(metrics.Latency(metrics.EventASRLatency, start, tags))
	if err != nil {
		s.logger.Error("recognition failed", slog.String("error", err.Error()))
		s.sendText(frames.ErrorFrame(err.Error()))
		return
	}

	minLen := s.cfg.MinTranscriptLen
	if minLen <= 0 {
		minLen = 2
	}
	if utf8.RuneCountInString(strings.TrimSpace(text)) < minLen {
		s.logger.Debug("transcript empty or too short", slog.String("text", s.loggable(text)))
		s.sendText(frames.Transcription(""))
		return
	}

	s.logger.Info("transcription complete",
		slog.String("text", s.loggable(text)),
		slog.String("trace_id", trace),
		slog.Duration("elapsed", time.Since(start)))
	if !s.sendText(frames.Transcription(text)) {
		return
	}
	s.runUtterance(ctx, text, tags)
}

// runUtterance drives one generation stream and fans segments out to
// synthesis. The accumulator is rune-addressed; segment indices count
// characters, not bytes.
func (s *Session) runUtterance(ctx context.Context, userText string, tags map[string]string) {
	start := time.Now()
	s.utteranceStart.Store(start.UnixNano())
	s.firstAudioOnce.Store(false)

	opts := segment.Options{MinLen: s.cfg.MinSegmentLen, MaxLen: s.cfg.MaxSegmentLen}
	ctrl := fanout.New(s.cfg.MaxConcurrentTTS, s.logger)

	var accum []rune
	lastIdx := 0
	segCount := 0

	emit := func(seg string) bool {
		if strings.TrimSpace(seg) == "" {
			return true
		}
		if !s.sendText(frames.LLMText(seg)) {
			return false
		}
		if segCount == 0 {
			s.obs.RecordEvent(metrics.Latency(metrics.EventLLMFirstSegment, start, tags))
		}
		segCount++
		s.logger.Debug("segment ready",
			slog.Int("segment", segCount),
			slog.String("text", s.loggable(seg)))
		text := seg
		ctrl.Launch(text, func() error {
			return s.svc.TTS.Synthesize(ctx, text, s)
		})
		return true
	}

	err := s.svc.LLM.Stream(ctx, userText, func(delta string) bool {
		if !s.IsOpen() {
			return false
		}
		accum = append(accum, []rune(delta)...)
		segs, newIdx := segment.Split(accum, lastIdx, segCount > 0, opts)
		lastIdx = newIdx
		for _, seg := range segs {
			if !emit(seg) {
				return false
			}
		}
		return true
	})
	if err != nil {
		s.logger.Error("generation stream failed", slog.String("error", err.Error()))
		s.sendText(frames.ErrorFrame(err.Error()))
	}

	// Final flush: residual text goes out even when shorter than the
	// minimum segment length.
	if err == nil && lastIdx < len(accum) && s.IsOpen() {
		if tail := strings.TrimSpace(string(accum[lastIdx:])); tail != "" {
			emit(tail)
		}
	}

	if derr := ctrl.Drain(s.cfg.TTSDrainTimeout); derr != nil {
		s.logger.Warn("synthesis drain incomplete", slog.String("error", derr.Error()))
	}
	s.obs.RecordEvent(metrics.Latency(metrics.EventUtteranceTotal, start, tags))
}

func (s *Session) loggable(text string) string {
	if s.cfg.RedactLogs {
		return redact.Text(text)
	}
	return text
}

// IsOpen reports whether the connection still accepts writes.
func (s *Session) IsOpen() bool { return s.open.Load() }

// SendAudio forwards one synthesis chunk as a binary frame. Part of tts.Sink.
func (s *Session) SendAudio(chunk []byte) bool {
	if !s.firstAudioOnce.Swap(true) {
		start := time.Unix(0, s.utteranceStart.Load())
		s.obs.RecordEvent(metrics.Latency(metrics.EventTTSFirstAudio, start,
			map[string]string{"session_id": s.id}))
	}
	return s.sendBinary(chunk)
}

// SendError forwards a structured error frame. Part of tts.Sink.
func (s *Session) SendError(message string) bool {
	return s.sendText(frames.ErrorFrame(message))
}

// sendText writes one text frame. A closed connection is a silent no-op; the
// boolean lets callers short-circuit the rest of the current utterance.
func (s *Session) sendText(data []byte) bool {
	return s.write(websocket.TextMessage, data)
}

func (s *Session) sendBinary(data []byte) bool {
	return s.write(websocket.BinaryMessage, data)
}

func (s *Session) write(messageType int, data []byte) bool {
	if !s.open.Load() {
		return false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		s.open.Store(false)
		s.logger.Debug("outbound write failed", slog.String("error", err.Error()))
		return false
	}
	return true
}
