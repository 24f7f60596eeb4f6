package frames

import "encoding/json"

// Envelope type markers used on the duplex channel. Text frames are UTF-8
// JSON envelopes; binary frames carry raw audio bytes in either direction.
const (
	TypePing          = "ping"
	TypeTranscription = "transcription"
	TypeLLM           = "llm"
)

// Envelope is a decoded inbound control frame.
type Envelope struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error"`
}

// ParseControl decodes an inbound text frame. The second return is false when
// the payload is not valid JSON; such frames are logged and dropped by the
// session loop.
func ParseControl(data []byte) (Envelope, bool) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, false
	}
	return e, true
}

// Ping encodes a keep-alive echo carrying the client's timestamp back.
func Ping(timestamp int64) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}{TypePing, timestamp})
}

// Transcription encodes a recognition-result frame. The text may be empty:
// an empty transcript is still reported to the client.
func Transcription(text string) []byte {
	return marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{TypeTranscription, text})
}

// LLMText encodes a generated-segment frame.
func LLMText(text string) []byte {
	return marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{TypeLLM, text})
}

// ErrorFrame encodes a structured error frame.
func ErrorFrame(message string) []byte {
	return marshal(struct {
		Error string `json:"error"`
	}{message})
}

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Frame fields are plain strings and ints; this cannot fail.
		return []byte(`{"error":"encode"}`)
	}
	return b
}
