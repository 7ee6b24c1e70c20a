// Package metrics is a minimal, concurrency-safe counter registry for the
// signaling server. A production deployment can plug these counters into a
// real metrics backend; the registry exists so the health and transport logic
// stays testable.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// Counter names used across the transport and health packages.
const (
	ActiveConnections   = "active_connections"
	CandidatesForwarded = "candidates_forwarded"
	BatchesSent         = "batches_sent"
	BatchesAcked        = "batches_acked"
	BatchCandidatesOK   = "batch_candidates_processed"
	BatchCandidateErrs  = "batch_candidate_errors"
	StaleConnections    = "stale_connections_flagged"
	DuplicateCandidates = "duplicate_candidates"
)

// Metrics holds named counters and gauges behind one mutex.
type Metrics struct {
	mu sync.Mutex
	m  map[string]int64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]int64)}
}

func (m *Metrics) Inc(name string) { m.Add(name, 1) }

func (m *Metrics) Add(name string, delta int64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Handler exposes the counters in text exposition format, one
// `tour_signaling_events_total{event="..."}` sample per counter.
func Handler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprintln(w, "# HELP tour_signaling_events_total Internal signaling event counters.")
		fmt.Fprintln(w, "# TYPE tour_signaling_events_total counter")
		for _, k := range keys {
			fmt.Fprintf(w, "tour_signaling_events_total{event=%q} %d\n", k, snap[k])
		}
	})
}
