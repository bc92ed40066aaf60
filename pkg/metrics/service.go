/*
Package metrics counts what the service and its clients do. Counters are
cheap to bump from hot paths and are read as point-in-time snapshots.
*/
package metrics

import "sync/atomic"

/*
ServiceMetrics holds the counters of the distribution layer.
*/
type ServiceMetrics struct {
	totalRequests      atomic.Int64
	contextUpdates     atomic.Int64
	tokensSaved        atomic.Int64
	cacheHits          atomic.Int64
	activeConnections  atomic.Int64
	totalConnections   atomic.Int64
	droppedConnections atomic.Int64
	broadcasts         atomic.Int64
	upstreamMessages   atomic.Int64
	rejectedMessages   atomic.Int64
}

func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{}
}

func (m *ServiceMetrics) RecordRequest() {
	m.totalRequests.Add(1)
}

func (m *ServiceMetrics) RecordUpdate(tokensSaved int) {
	m.contextUpdates.Add(1)
	m.tokensSaved.Add(int64(tokensSaved))
}

func (m *ServiceMetrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

func (m *ServiceMetrics) RecordBroadcast() {
	m.broadcasts.Add(1)
}

func (m *ServiceMetrics) RecordConnect() {
	m.activeConnections.Add(1)
	m.totalConnections.Add(1)
}

/*
RecordDisconnect closes the books on one stream connection; dropped marks
connections the server cut for falling behind.
*/
func (m *ServiceMetrics) RecordDisconnect(dropped bool) {
	m.activeConnections.Add(-1)

	if dropped {
		m.droppedConnections.Add(1)
	}
}

/*
RecordUpstream counts a message an agent sent over its stream; rejected
messages were malformed or rate limited.
*/
func (m *ServiceMetrics) RecordUpstream(rejected bool) {
	m.upstreamMessages.Add(1)

	if rejected {
		m.rejectedMessages.Add(1)
	}
}

func (m *ServiceMetrics) ActiveConnections() int64 {
	return m.activeConnections.Load()
}

/*
Snapshot is a point-in-time copy of the service counters.
*/
type Snapshot struct {
	TotalRequests      int64 `json:"totalRequests"`
	ContextUpdates     int64 `json:"contextUpdates"`
	TokensSaved        int64 `json:"tokensSaved"`
	CacheHits          int64 `json:"cacheHits"`
	ActiveConnections  int64 `json:"activeConnections"`
	TotalConnections   int64 `json:"totalConnections"`
	DroppedConnections int64 `json:"droppedConnections"`
	Broadcasts         int64 `json:"broadcasts"`
	UpstreamMessages   int64 `json:"upstreamMessages"`
	RejectedMessages   int64 `json:"rejectedMessages"`
}

func (m *ServiceMetrics) Snapshot() Snapshot {
	return Snapshot{
		TotalRequests:      m.totalRequests.Load(),
		ContextUpdates:     m.contextUpdates.Load(),
		TokensSaved:        m.tokensSaved.Load(),
		CacheHits:          m.cacheHits.Load(),
		ActiveConnections:  m.activeConnections.Load(),
		TotalConnections:   m.totalConnections.Load(),
		DroppedConnections: m.droppedConnections.Load(),
		Broadcasts:         m.broadcasts.Load(),
		UpstreamMessages:   m.upstreamMessages.Load(),
		RejectedMessages:   m.rejectedMessages.Load(),
	}
}
