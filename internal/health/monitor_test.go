package health

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tourlingo/signaling/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeClock, *metrics.Metrics) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(0, 0)}
	mx := metrics.New()
	return NewMonitor(30*time.Second, 60*time.Second, clk, mx, zerolog.Nop()), clk, mx
}

func TestSweepFlagsIdleConnections(t *testing.T) {
	m, clk, mx := newTestMonitor(t)

	m.Track("conn-a")
	m.Track("conn-b")

	if flagged := m.Sweep(); len(flagged) != 0 {
		t.Fatalf("fresh connections flagged: %v", flagged)
	}

	clk.Advance(61 * time.Second)
	flagged := m.Sweep()
	if len(flagged) != 2 {
		t.Fatalf("flagged = %v, want both connections", flagged)
	}
	if got := m.Stale(); len(got) != 2 {
		t.Fatalf("Stale = %v, want 2", got)
	}
	if mx.Get(metrics.StaleConnections) != 2 {
		t.Fatalf("stale counter = %d, want 2", mx.Get(metrics.StaleConnections))
	}

	// Already-flagged connections are not re-flagged on the next sweep.
	if flagged := m.Sweep(); len(flagged) != 0 {
		t.Fatalf("re-flagged on second sweep: %v", flagged)
	}
}

func TestTouchKeepsConnectionFresh(t *testing.T) {
	m, clk, _ := newTestMonitor(t)

	m.Track("conn-a")
	clk.Advance(45 * time.Second)
	m.Touch("conn-a")
	clk.Advance(45 * time.Second)

	if flagged := m.Sweep(); len(flagged) != 0 {
		t.Fatalf("touched connection flagged: %v", flagged)
	}

	clk.Advance(61 * time.Second)
	if flagged := m.Sweep(); len(flagged) != 1 || flagged[0] != "conn-a" {
		t.Fatalf("flagged = %v, want [conn-a]", flagged)
	}

	// Activity clears the stale flag again.
	m.Touch("conn-a")
	if got := m.Stale(); len(got) != 0 {
		t.Fatalf("Stale after touch = %v, want none", got)
	}
}

func TestActiveCountTracksRegistry(t *testing.T) {
	m, _, mx := newTestMonitor(t)

	m.Track("a")
	m.Track("b")
	if m.ActiveCount() != 2 {
		t.Fatalf("ActiveCount = %d, want 2", m.ActiveCount())
	}
	m.Untrack("a")
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", m.ActiveCount())
	}
	if mx.Get(metrics.ActiveConnections) != 1 {
		t.Fatalf("active counter = %d, want 1", mx.Get(metrics.ActiveConnections))
	}
	// Untracking an unknown id must not corrupt the gauge.
	m.Untrack("ghost")
	if mx.Get(metrics.ActiveConnections) != 1 {
		t.Fatalf("gauge moved on unknown untrack: %d", mx.Get(metrics.ActiveConnections))
	}
}
