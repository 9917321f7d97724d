package observability

import (
	"sync/atomic"
	"time"
)

// ServiceStats keeps process-lifetime counters for the health and status
// routes: how many queries and inserts ran, their running-average latency,
// and when the service last did anything. All fields are atomics so the
// hot paths record without locking.
type ServiceStats struct {
	queries     atomic.Int64
	inserts     atomic.Int64
	queryNanos  atomic.Int64
	insertNanos atomic.Int64
	lastNanos   atomic.Int64
	started     time.Time
}

// NewServiceStats builds an empty counter set anchored at the current time.
func NewServiceStats() *ServiceStats {
	return &ServiceStats{started: time.Now()}
}

// RecordQuery counts one completed query.
func (s *ServiceStats) RecordQuery(d time.Duration) {
	s.queries.Add(1)
	s.queryNanos.Add(int64(d))
	s.touch()
}

// RecordInsert counts one completed document insert.
func (s *ServiceStats) RecordInsert(d time.Duration) {
	s.inserts.Add(1)
	s.insertNanos.Add(int64(d))
	s.touch()
}

func (s *ServiceStats) touch() {
	s.lastNanos.Store(time.Now().UnixNano())
}

// StatsSnapshot is the JSON view of the running counters. Averages are in
// seconds; LastActivity is empty until the first recorded operation.
type StatsSnapshot struct {
	TotalQueries  int64   `json:"total_queries"`
	TotalInserts  int64   `json:"total_inserts"`
	AvgQueryTime  float64 `json:"avg_query_time"`
	AvgInsertTime float64 `json:"avg_insert_time"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	LastActivity  string  `json:"last_activity,omitempty"`
}

// Snapshot reads a consistent-enough view of the counters. Each field is
// read atomically; the set as a whole is not fenced, which is fine for a
// stats route.
func (s *ServiceStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalQueries:  s.queries.Load(),
		TotalInserts:  s.inserts.Load(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if snap.TotalQueries > 0 {
		snap.AvgQueryTime = time.Duration(s.queryNanos.Load() / snap.TotalQueries).Seconds()
	}
	if snap.TotalInserts > 0 {
		snap.AvgInsertTime = time.Duration(s.insertNanos.Load() / snap.TotalInserts).Seconds()
	}
	if last := s.lastNanos.Load(); last > 0 {
		snap.LastActivity = time.Unix(0, last).UTC().Format(time.RFC3339)
	}
	return snap
}
