package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tenkv/voicechat/pkg/asr"
	"github.com/tenkv/voicechat/pkg/config"
	"github.com/tenkv/voicechat/pkg/llm"
	"github.com/tenkv/voicechat/pkg/tts"
)

type wsMsg struct {
	mt   int
	data []byte
}

// fakeConn feeds scripted inbound frames and records everything written back.
type fakeConn struct {
	inbound chan wsMsg

	mu         sync.Mutex
	writes     []wsMsg
	failAfter  int
	writeCount int
	closed     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan wsMsg, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	m, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("client disconnected")
	}
	return m.mt, m.data, nil
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeCount++
	if c.failAfter > 0 && c.writeCount > c.failAfter {
		return errors.New("broken pipe")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, wsMsg{mt: mt, data: cp})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sendText(s string)   { c.inbound <- wsMsg{websocket.TextMessage, []byte(s)} }
func (c *fakeConn) sendBinary(b []byte) { c.inbound <- wsMsg{websocket.BinaryMessage, b} }
func (c *fakeConn) disconnect()         { close(c.inbound) }

func (c *fakeConn) textFrames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, m := range c.writes {
		if m.mt != websocket.TextMessage {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal(m.data, &decoded); err == nil {
			out = append(out, decoded)
		}
	}
	return out
}

func (c *fakeConn) binaryBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, m := range c.writes {
		if m.mt == websocket.BinaryMessage {
			total += len(m.data)
		}
	}
	return total
}

func testConfig() config.Config {
	return config.Config{
		MinAudioSize:     10,
		MinTranscriptLen: 2,
		MaxSegmentLen:    25,
		MinSegmentLen:    4,
		MaxConcurrentTTS: 2,
		TTSDrainTimeout:  2 * time.Second,
	}
}

func asrServer(t *testing.T, transcript string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		fmt.Fprintf(w, `{"text":%q}`, transcript)
	}))
}

func llmServer(t *testing.T, deltas []string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func ttsServer(t *testing.T, audio []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Write(audio)
	}))
}

func newTestSession(conn Conn, cfg config.Config, asrURL, llmURL, ttsURL string) *Session {
	svc := Services{}
	if asrURL != "" {
		svc.Recognizer = asr.NewClient(asr.Config{
			URL:         asrURL,
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
		}, nil, nil)
	}
	if llmURL != "" {
		svc.LLM = llm.NewClient(llm.Config{URL: llmURL, APIKey: "test-key"}, nil, nil)
	}
	if ttsURL != "" {
		svc.TTS = tts.NewClient(tts.Config{URL: ttsURL}, nil, nil)
	}
	return New(conn, cfg, svc, nil, nil)
}

func runSession(t *testing.T, s *Session) State {
	t.Helper()
	done := make(chan State, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case st := <-done:
		return st
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not terminate")
		return CloseError
	}
}

func TestPingEcho(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn, testConfig(), "", "", "")

	conn.sendText(`{"type":"ping","timestamp":1712345678}`)
	conn.disconnect()

	if st := runSession(t, s); st != CloseNormal {
		t.Fatalf("expected normal close, got %v", st)
	}
	frames := conn.textFrames()
	if len(frames) != 1 {
		t.Fatalf("expected one echo frame, got %d", len(frames))
	}
	if frames[0]["type"] != "ping" || frames[0]["timestamp"] != float64(1712345678) {
		t.Fatalf("unexpected echo: %v", frames[0])
	}
}

func TestMalformedControlFrameDropped(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn, testConfig(), "", "", "")

	conn.sendText(`{not json`)
	conn.sendText(`{"type":"ping","timestamp":7}`)
	conn.disconnect()

	if st := runSession(t, s); st != CloseNormal {
		t.Fatalf("expected normal close, got %v", st)
	}
	frames := conn.textFrames()
	if len(frames) != 1 || frames[0]["type"] != "ping" {
		t.Fatalf("malformed frame must be dropped without reply: %v", frames)
	}
}

func TestUndersizedAudioDiscarded(t *testing.T) {
	var asrHits atomic.Int32
	srv := asrServer(t, "你好", &asrHits)
	defer srv.Close()

	conn := newFakeConn()
	s := newTestSession(conn, testConfig(), srv.URL, "", "")

	conn.sendBinary([]byte{})
	conn.sendBinary(make([]byte, 5))
	conn.disconnect()

	if st := runSession(t, s); st != CloseNormal {
		t.Fatalf("expected normal close, got %v", st)
	}
	if asrHits.Load() != 0 {
		t.Fatalf("undersized frames must not reach recognition")
	}
	if len(conn.textFrames()) != 0 {
		t.Fatalf("no outbound frames expected: %v", conn.textFrames())
	}
}

func TestEmptyTranscriptSkipsGeneration(t *testing.T) {
	var llmHits atomic.Int32
	asrSrv := asrServer(t, "", nil)
	defer asrSrv.Close()
	llmSrv := llmServer(t, []string{"不应调用"}, &llmHits)
	defer llmSrv.Close()

	conn := newFakeConn()
	s := newTestSession(conn, testConfig(), asrSrv.URL, llmSrv.URL, "")

	conn.sendBinary(make([]byte, 64))
	conn.disconnect()

	if st := runSession(t, s); st != CloseNormal {
		t.Fatalf("expected normal close, got %v", st)
	}
	frames := conn.textFrames()
	if len(frames) != 1 {
		t.Fatalf("expected one transcription frame, got %v", frames)
	}
	if frames[0]["type"] != "transcription" || frames[0]["text"] != "" {
		t.Fatalf("expected empty transcription frame, got %v", frames[0])
	}
	if llmHits.Load() != 0 {
		t.Fatalf("empty transcript must not start generation")
	}
}

func TestFullUtterance(t *testing.T) {
	audio := []byte("fake-pcm-audio-bytes")
	asrSrv := asrServer(t, "今天天气怎么样", nil)
	defer asrSrv.Close()
	llmSrv := llmServer(t, []string{"今天", "天气很好", "。"}, nil)
	defer llmSrv.Close()
	var ttsHits atomic.Int32
	ttsSrv := ttsServer(t, audio, &ttsHits)
	defer ttsSrv.Close()

	conn := newFakeConn()
	s := newTestSession(conn, testConfig(), asrSrv.URL, llmSrv.URL, ttsSrv.URL)

	conn.sendBinary(make([]byte, 512))
	conn.disconnect()

	if st := runSession(t, s); st != CloseNormal {
		t.Fatalf("expected normal close, got %v", st)
	}

	frames := conn.textFrames()
	if len(frames) != 2 {
		t.Fatalf("expected transcription + llm frames, got %v", frames)
	}
	if frames[0]["type"] != "transcription" || frames[0]["text"] != "今天天气怎么样" {
		t.Fatalf("unexpected transcription frame: %v", frames[0])
	}
	if frames[1]["type"] != "llm" || frames[1]["text"] != "今天天气很好。" {
		t.Fatalf("unexpected llm frame: %v", frames[1])
	}
	if ttsHits.Load() != 1 {
		t.Fatalf("expected one synthesis call, got %d", ttsHits.Load())
	}
	if conn.binaryBytes() != len(audio) {
		t.Fatalf("expected %d audio bytes relayed, got %d", len(audio), conn.binaryBytes())
	}
}

func TestResidualTailFlushed(t *testing.T) {
	asrSrv := asrServer(t, "说个词", nil)
	defer asrSrv.Close()
	// No terminator anywhere, shorter than the minimum segment length.
	llmSrv := llmServer(t, []string{"好的"}, nil)
	defer llmSrv.Close()
	var ttsHits atomic.Int32
	ttsSrv := ttsServer(t, []byte{0x01}, &ttsHits)
	defer ttsSrv.Close()

	conn := newFakeConn()
	s := newTestSession(conn, testConfig(), asrSrv.URL, llmSrv.URL, ttsSrv.URL)

	conn.sendBinary(make([]byte, 512))
	conn.disconnect()

	if st := runSession(t, s); st != CloseNormal {
		t.Fatalf("expected normal close, got %v", st)
	}
	frames := conn.textFrames()
	if len(frames) != 2 || frames[1]["type"] != "llm" || frames[1]["text"] != "好的" {
		t.Fatalf("residual text must be flushed at end of stream: %v", frames)
	}
	if ttsHits.Load() != 1 {
		t.Fatalf("flushed tail must be synthesized")
	}
}

func TestRecognitionFailureEmitsErrorAndContinues(t *testing.T) {
	asrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "asr backend down", http.StatusBadGateway)
	}))
	defer asrSrv.Close()

	conn := newFakeConn()
	s := newTestSession(conn, testConfig(), asrSrv.URL, "", "")

	conn.sendBinary(make([]byte, 512))
	conn.sendText(`{"type":"ping","timestamp":42}`)
	conn.disconnect()

	if st := runSession(t, s); st != CloseNormal {
		t.Fatalf("recognition failure must not terminate the session, got %v", st)
	}
	frames := conn.textFrames()
	if len(frames) != 2 {
		t.Fatalf("expected error frame then ping echo, got %v", frames)
	}
	msg, _ := frames[0]["error"].(string)
	if !strings.Contains(msg, "transcription failed") {
		t.Fatalf("unexpected error frame: %v", frames[0])
	}
	if frames[1]["type"] != "ping" {
		t.Fatalf("loop must keep serving after an error frame: %v", frames[1])
	}
}

func TestAbandonedSynthesisOverlapsNextUtterance(t *testing.T) {
	asrSrv := asrServer(t, "继续说", nil)
	defer asrSrv.Close()
	llmSrv := llmServer(t, []string{"这是一个测试。"}, nil)
	defer llmSrv.Close()
	// Trickle chunks well past the drain deadline so the first utterance's
	// synthesis is abandoned and still sending audio while the second
	// utterance runs.
	ttsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 20; i++ {
			w.Write([]byte{0x01})
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer ttsSrv.Close()

	cfg := testConfig()
	cfg.TTSDrainTimeout = 20 * time.Millisecond

	conn := newFakeConn()
	s := newTestSession(conn, cfg, asrSrv.URL, llmSrv.URL, ttsSrv.URL)

	conn.sendBinary(make([]byte, 512))
	conn.sendBinary(make([]byte, 512))
	conn.disconnect()

	if st := runSession(t, s); st != CloseNormal {
		t.Fatalf("expected normal close, got %v", st)
	}
	if conn.binaryBytes() == 0 {
		t.Fatalf("expected audio from the overlapping synthesis tasks")
	}
}

func TestDisconnectDuringStreamClosesNormally(t *testing.T) {
	asrSrv := asrServer(t, "长回答", nil)
	defer asrSrv.Close()

	deltas := make([]string, 40)
	for i := range deltas {
		deltas[i] = "这是一个很长的句子。"
	}
	llmSrv := llmServer(t, deltas, nil)
	defer llmSrv.Close()
	ttsSrv := ttsServer(t, []byte{0x01, 0x02}, nil)
	defer ttsSrv.Close()

	conn := newFakeConn()
	// Fail outbound writes after the transcription frame and the first
	// segment so the delta callback observes a dead connection.
	conn.failAfter = 2
	s := newTestSession(conn, testConfig(), asrSrv.URL, llmSrv.URL, ttsSrv.URL)

	conn.sendBinary(make([]byte, 512))
	conn.disconnect()

	if st := runSession(t, s); st != CloseNormal {
		t.Fatalf("peer disconnect is a normal close, got %v", st)
	}
	if s.IsOpen() {
		t.Fatalf("session must be marked closed after a failed write")
	}
}
