// Package health tracks signaling connection liveness. The monitor sweeps on
// a fixed period and flags connections with no recent activity as stale; the
// flag is an observability signal only, it never closes connections.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tourlingo/signaling/internal/metrics"
)

const (
	DefaultSweepPeriod   = 30 * time.Second
	DefaultIdleThreshold = 60 * time.Second
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production clock.
var SystemClock Clock = systemClock{}

type connState struct {
	lastActivity time.Time
	stale        bool
}

// Monitor is an owned registry of tracked connections, constructed at
// transport start and torn down with it.
type Monitor struct {
	mu      sync.Mutex
	conns   map[string]*connState
	period  time.Duration
	idle    time.Duration
	clock   Clock
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewMonitor(period, idle time.Duration, clock Clock, mx *metrics.Metrics, log zerolog.Logger) *Monitor {
	if period <= 0 {
		period = DefaultSweepPeriod
	}
	if idle <= 0 {
		idle = DefaultIdleThreshold
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Monitor{
		conns:   make(map[string]*connState),
		period:  period,
		idle:    idle,
		clock:   clock,
		metrics: mx,
		log:     log.With().Str("component", "health").Logger(),
	}
}

// Track registers a connection.
func (m *Monitor) Track(connID string) {
	m.mu.Lock()
	m.conns[connID] = &connState{lastActivity: m.clock.Now()}
	active := len(m.conns)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Add(metrics.ActiveConnections, 1)
	}
	m.log.Debug().Str("conn_id", connID).Int("active", active).Msg("connection tracked")
}

// Untrack removes a connection.
func (m *Monitor) Untrack(connID string) {
	m.mu.Lock()
	_, existed := m.conns[connID]
	delete(m.conns, connID)
	m.mu.Unlock()
	if existed && m.metrics != nil {
		m.metrics.Add(metrics.ActiveConnections, -1)
	}
}

// Touch records activity (candidate sent or received, ping) and clears any
// stale flag.
func (m *Monitor) Touch(connID string) {
	m.mu.Lock()
	if c, ok := m.conns[connID]; ok {
		c.lastActivity = m.clock.Now()
		c.stale = false
	}
	m.mu.Unlock()
}

// Run sweeps on the configured period until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep flags every connection idle past the threshold and returns the ids
// newly flagged in this pass.
func (m *Monitor) Sweep() []string {
	now := m.clock.Now()
	var flagged []string
	m.mu.Lock()
	for id, c := range m.conns {
		if c.stale {
			continue
		}
		if now.Sub(c.lastActivity) >= m.idle {
			c.stale = true
			flagged = append(flagged, id)
		}
	}
	m.mu.Unlock()

	sort.Strings(flagged)
	for _, id := range flagged {
		if m.metrics != nil {
			m.metrics.Inc(metrics.StaleConnections)
		}
		m.log.Warn().Str("conn_id", id).Dur("idle_threshold", m.idle).Msg("stale signaling connection")
	}
	return flagged
}

// Stale returns the ids currently flagged stale.
func (m *Monitor) Stale() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, c := range m.conns {
		if c.stale {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ActiveCount returns the number of tracked connections.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
