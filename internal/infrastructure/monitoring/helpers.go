package monitoring

import "time"

// Snapshot returns the current values tracked for the health endpoint
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// AverageLatencyMs returns the mean HTTP request latency in milliseconds
func (s MetricsSnapshot) AverageLatencyMs() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return s.TotalDuration / float64(s.RequestCount) * 1000
}

// ErrorRate returns the share of HTTP requests answered with 4xx or 5xx
func (s MetricsSnapshot) ErrorRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalErrors) / float64(s.TotalRequests)
}

// UptimeSeconds returns the time since the collector was created
func (m *Metrics) UptimeSeconds() float64 {
	return time.Since(m.startTime).Seconds()
}
