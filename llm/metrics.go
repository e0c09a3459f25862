package llm

import (
	"sync"
	"time"
)

// ProviderStats is the cumulative audit trail for one provider. Latency is
// accumulated for successful calls only, so AvgLatency reflects the cost of
// answers actually served.
type ProviderStats struct {
	Calls        int           `json:"calls"`
	Failures     int           `json:"failures"`
	TotalLatency time.Duration `json:"total_latency"`
	LastUsed     time.Time     `json:"last_used,omitzero"`
}

// FailureRate returns failures/calls, or 0 when no calls were made.
func (s ProviderStats) FailureRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Calls)
}

// AvgLatency returns the mean latency of successful calls.
func (s ProviderStats) AvgLatency() time.Duration {
	successful := s.Calls - s.Failures
	if successful <= 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(successful)
}

// dispatchMetrics aggregates per-provider call outcomes.
type dispatchMetrics struct {
	mu         sync.Mutex
	byProvider map[string]*ProviderStats
}

func newDispatchMetrics() *dispatchMetrics {
	return &dispatchMetrics{byProvider: make(map[string]*ProviderStats)}
}

func (m *dispatchMetrics) record(provider string, latency time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.byProvider[provider]
	if !ok {
		stats = &ProviderStats{}
		m.byProvider[provider] = stats
	}
	stats.Calls++
	stats.LastUsed = time.Now()
	if success {
		stats.TotalLatency += latency
	} else {
		stats.Failures++
	}
}

func (m *dispatchMetrics) summary() map[string]ProviderStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ProviderStats, len(m.byProvider))
	for name, stats := range m.byProvider {
		out[name] = *stats
	}
	return out
}
