package models

import "go.uber.org/atomic"

// Metrics 定義指標統計
type Metrics struct {
	Hits                atomic.Int64
	Misses              atomic.Int64
	ReplicationFailures atomic.Int64
	ReplicationDrops    atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Hits                int64
	Misses              int64
	ReplicationFailures int64
	ReplicationDrops    int64
}

// NewMetrics 創建新的 Metrics 實例
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:                m.Hits.Load(),
		Misses:              m.Misses.Load(),
		ReplicationFailures: m.ReplicationFailures.Load(),
		ReplicationDrops:    m.ReplicationDrops.Load(),
	}
}
