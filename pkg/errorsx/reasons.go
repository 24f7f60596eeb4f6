package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonASRRequest ReasonCode = "asr_request"
	ReasonASRRetry   ReasonCode = "asr_retry"
	ReasonASRDecode  ReasonCode = "asr_decode"

	ReasonLLMStatus ReasonCode = "llm_status"
	ReasonLLMStream ReasonCode = "llm_stream"

	ReasonTTSRequest ReasonCode = "tts_request"
	ReasonTTSStatus  ReasonCode = "tts_status"
	ReasonTTSTimeout ReasonCode = "tts_timeout"

	ReasonTransportSend ReasonCode = "transport_send"
	ReasonProtocol      ReasonCode = "protocol"
)
