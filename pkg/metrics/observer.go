package metrics

import "time"

// Pipeline latency events recorded by the session loop.
const (
	EventASRLatency      = "asr_latency_ms"
	EventLLMFirstSegment = "llm_first_segment_ms"
	EventTTSFirstAudio   = "tts_first_audio_ms"
	EventUtteranceTotal  = "utterance_total_ms"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Latency builds a millisecond latency event measured from start.
func Latency(name string, start time.Time, tags map[string]string) MetricsEvent {
	return MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: float64(time.Since(start).Milliseconds()),
		Tags:  tags,
	}
}
