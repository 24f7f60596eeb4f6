package metrics

import "sync"

// Stats are the running aggregates for one event name.
type Stats struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
}

// SummaryObserver keeps per-event latency aggregates for the metrics
// endpoint.
type SummaryObserver struct {
	mu    sync.Mutex
	stats map[string]*Stats
}

func NewSummaryObserver() *SummaryObserver {
	return &SummaryObserver{stats: make(map[string]*Stats)}
}

func (o *SummaryObserver) RecordEvent(ev MetricsEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats[ev.Name]
	if s == nil {
		s = &Stats{}
		o.stats[ev.Name] = s
	}
	ms := ev.Value
	if s.Count == 0 || ms < s.MinMs {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	s.AvgMs = (s.AvgMs*float64(s.Count) + ms) / float64(s.Count+1)
	s.Count++
}

// Snapshot copies the current aggregates.
func (o *SummaryObserver) Snapshot() map[string]Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]Stats, len(o.stats))
	for name, s := range o.stats {
		out[name] = *s
	}
	return out
}

// Multi fans one event out to several observers.
type Multi []Observer

func (m Multi) RecordEvent(ev MetricsEvent) {
	for _, o := range m {
		o.RecordEvent(ev)
	}
}
