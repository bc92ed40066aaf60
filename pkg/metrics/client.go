package metrics

import (
	"sync"
	"time"
)

// ClientMetrics tracks one context client's connection and update activity.
type ClientMetrics struct {
	mu sync.RWMutex

	// Connection metrics
	TotalConnections   int64
	FailedConnections  int64
	Reconnections      int64
	ConnectionDuration time.Duration

	// Event metrics
	TotalEvents   int64
	DroppedEvents int64
	EventLatency  time.Duration

	// Update metrics
	DiffUpdates  int64
	FullUpdates  int64
	Pulls        int64
	CacheHits    int64
	VersionGaps  int64
	FailedWrites int64
}

func NewClientMetrics() *ClientMetrics {
	return &ClientMetrics{}
}

// RecordConnection records a connection attempt
func (m *ClientMetrics) RecordConnection(success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalConnections++
	if !success {
		m.FailedConnections++
	}
	m.ConnectionDuration += duration
}

func (m *ClientMetrics) RecordReconnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reconnections++
}

// RecordEvent records a pushed event, dropped when no reader took it in time
func (m *ClientMetrics) RecordEvent(dropped bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalEvents++
	if dropped {
		m.DroppedEvents++
	}
	m.EventLatency += latency
}

// RecordUpdate records a write, sent as a diff or as the full payload
func (m *ClientMetrics) RecordUpdate(asDiff, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case failed:
		m.FailedWrites++
	case asDiff:
		m.DiffUpdates++
	default:
		m.FullUpdates++
	}
}

// RecordPull records a read, served from cache or from the service
func (m *ClientMetrics) RecordPull(cached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached {
		m.CacheHits++
		return
	}
	m.Pulls++
}

func (m *ClientMetrics) RecordVersionGap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VersionGaps++
}

// GetMetrics returns a snapshot of the current metrics
func (m *ClientMetrics) GetMetrics() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avgLatency := 0.0

	if m.TotalEvents > 0 {
		avgLatency = m.EventLatency.Seconds() / float64(m.TotalEvents)
	}

	return map[string]any{
		"total_connections":   m.TotalConnections,
		"failed_connections":  m.FailedConnections,
		"reconnections":       m.Reconnections,
		"connection_duration": m.ConnectionDuration.Seconds(),
		"total_events":        m.TotalEvents,
		"dropped_events":      m.DroppedEvents,
		"avg_event_latency":   avgLatency,
		"diff_updates":        m.DiffUpdates,
		"full_updates":        m.FullUpdates,
		"failed_writes":       m.FailedWrites,
		"pulls":               m.Pulls,
		"cache_hits":          m.CacheHits,
		"version_gaps":        m.VersionGaps,
	}
}
