// Package api serves the batch HTTP endpoints that reuse the same external
// service clients as the realtime loop: one-shot transcription, one-shot
// speech synthesis and chat completion proxying.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tenkv/voicechat/pkg/asr"
	"github.com/tenkv/voicechat/pkg/llm"
	"github.com/tenkv/voicechat/pkg/logging"
	"github.com/tenkv/voicechat/pkg/metrics"
	"github.com/tenkv/voicechat/pkg/tts"
)

// maxSpeechInputRunes bounds one-shot synthesis requests.
const maxSpeechInputRunes = 1000

type Handlers struct {
	recognizer asr.Recognizer
	llm        *llm.Client
	tts        *tts.Client
	stats      *metrics.SummaryObserver
	logger     *slog.Logger
}

func NewHandlers(recognizer asr.Recognizer, llmc *llm.Client, ttsc *tts.Client, stats *metrics.SummaryObserver, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		recognizer: recognizer,
		llm:        llmc,
		tts:        ttsc,
		stats:      stats,
		logger:     logging.NewComponentLogger(logger, "api"),
	}
}

// Register mounts the batch routes on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/audio/transcriptions", h.handleTranscriptions)
	mux.HandleFunc("/api/v1/audio/speech", h.handleSpeech)
	mux.HandleFunc("/api/v1/chat/completions", h.handleChatCompletions)
	mux.HandleFunc("/api/v1/mock/chat/completions", h.handleMockChatCompletions)
	mux.HandleFunc("/api/v1/metrics", h.handleMetrics)
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.stats == nil {
		writeJSON(w, http.StatusOK, map[string]metrics.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

func (h *Handlers) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable file field")
		return
	}

	text, err := h.recognizer.Recognize(r.Context(), audio)
	if err != nil {
		h.logger.Error("batch transcription failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (h *Handlers) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	input := strings.TrimSpace(req.Input)
	if input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	if utf8.RuneCountInString(input) > maxSpeechInputRunes {
		writeError(w, http.StatusBadRequest, "input too long")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	sink := newResponseSink(w)
	if err := h.tts.Synthesize(r.Context(), input, sink); err != nil {
		h.logger.Error("batch synthesis failed", slog.String("error", err.Error()))
	}
}

func (h *Handlers) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Messages []llm.Message `json:"messages"`
		Stream   bool          `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	if !req.Stream {
		content, err := h.llm.Complete(r.Context(), req.Messages)
		if err != nil {
			h.logger.Error("chat completion failed", slog.String("error", err.Error()))
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, completionResponse(content))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	err := h.llm.StreamMessages(r.Context(), req.Messages, func(delta string) bool {
		writeSSEDelta(w, delta)
		flusher.Flush()
		return true
	})
	if err != nil {
		h.logger.Error("chat stream failed", slog.String("error", err.Error()))
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// handleMockChatCompletions serves a deterministic local stream for client
// development without a generation backend. It echoes the user's last turn
// inside a canned reply, chunked a few runes at a time.
func (h *Handlers) handleMockChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Messages []llm.Message `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	userText := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			userText = req.Messages[i].Content
			break
		}
	}
	reply := fmt.Sprintf("我听到你说:%s。这是一条本地测试回复,用来验证流式链路。", userText)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	runes := []rune(reply)
	const chunkRunes = 4
	for i := 0; i < len(runes); i += chunkRunes {
		end := i + chunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		writeSSEDelta(w, string(runes[i:end]))
		flusher.Flush()
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// responseSink adapts an http.ResponseWriter to the synthesis sink. An error
// before the first audio chunk becomes an HTTP error; after that the stream
// just ends.
type responseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	open    bool
}

func newResponseSink(w http.ResponseWriter) *responseSink {
	flusher, _ := w.(http.Flusher)
	return &responseSink{w: w, flusher: flusher, open: true}
}

func (s *responseSink) SendAudio(chunk []byte) bool {
	if !s.open {
		return false
	}
	s.started = true
	if _, err := s.w.Write(chunk); err != nil {
		s.open = false
		return false
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return true
}

func (s *responseSink) SendError(message string) bool {
	if !s.started && s.open {
		writeError(s.w, http.StatusBadGateway, message)
		s.open = false
	}
	return s.open
}

func (s *responseSink) IsOpen() bool { return s.open }

func completionResponse(content string) map[string]any {
	return map[string]any{
		"object": "chat.completion",
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       llm.Message{Role: "assistant", Content: content},
				"finish_reason": "stop",
			},
		},
	}
}

func writeSSEDelta(w io.Writer, delta string) {
	chunk := map[string]any{
		"object": "chat.completion.chunk",
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]string{"content": delta}},
		},
	}
	b, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
