// Package batch implements the per-connection candidate batcher used by the
// push transport: outgoing ICE candidates are buffered and flushed as one
// message when the buffer reaches its size limit or a delay elapses after the
// first unflushed candidate, whichever comes first.
package batch

import (
	"sync"
	"time"

	"github.com/tourlingo/signaling/internal/metrics"
)

const (
	DefaultMaxSize = 5
	DefaultDelay   = 100 * time.Millisecond
)

// FlushFunc delivers one batch to the connection. It is called without the
// batcher's lock held.
type FlushFunc func(batchID int64, candidates []string)

// Batcher buffers outgoing candidates for exactly one connection. The buffer
// and its timer are owned by that connection: only the connection's handlers
// and the timer callback touch it, and the internal mutex exists only because
// Go timer callbacks run on their own goroutine.
//
// State machine: Idle -> Buffering (timer armed) -> Flushing -> Idle, and
// Idle/Buffering -> Closed on disconnect with a forced flush first.
type Batcher struct {
	mu      sync.Mutex
	buf     []string
	timer   *time.Timer
	seq     int64
	closed  bool
	maxSize int
	delay   time.Duration
	flush   FlushFunc
	metrics *metrics.Metrics

	// Ack accounting is informational only: it does not drive
	// retransmission, so candidates lost in transit after a flush are not
	// recovered here.
	acked     int64
	processed int64
	errored   int64
}

func New(maxSize int, delay time.Duration, flush FlushFunc, mx *metrics.Metrics) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Batcher{maxSize: maxSize, delay: delay, flush: flush, metrics: mx}
}

// Add buffers one candidate. The first candidate in an empty buffer arms the
// flush timer; reaching the size limit flushes immediately.
func (b *Batcher) Add(candidate string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, candidate)
	if len(b.buf) >= b.maxSize {
		id, out := b.takeLocked()
		b.mu.Unlock()
		b.deliver(id, out)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.timerFlush)
	}
	b.mu.Unlock()
}

// Close cancels the pending timer and performs one final forced flush so
// candidates accepted just before teardown are not lost.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	id, out := b.takeLocked()
	b.mu.Unlock()
	b.deliver(id, out)
}

// Ack records a receiver's acknowledgment of a batch. Acks carrying an id
// this batcher never issued are dropped.
func (b *Batcher) Ack(batchID int64, processed, errored int) {
	b.mu.Lock()
	if batchID <= 0 || batchID > b.seq {
		b.mu.Unlock()
		return
	}
	b.acked++
	b.processed += int64(processed)
	b.errored += int64(errored)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.Inc(metrics.BatchesAcked)
		b.metrics.Add(metrics.BatchCandidatesOK, int64(processed))
		b.metrics.Add(metrics.BatchCandidateErrs, int64(errored))
	}
}

// Pending returns the number of unflushed candidates.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// AckStats returns the running ack counts.
func (b *Batcher) AckStats() (acked, processed, errored int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked, b.processed, b.errored
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	id, out := b.takeLocked()
	b.mu.Unlock()
	b.deliver(id, out)
}

// takeLocked drains the buffer, cancels the timer, and assigns the next
// monotonic batch id. Caller holds the lock.
func (b *Batcher) takeLocked() (int64, []string) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.buf) == 0 {
		return 0, nil
	}
	out := b.buf
	b.buf = nil
	b.seq++
	return b.seq, out
}

func (b *Batcher) deliver(id int64, out []string) {
	if len(out) == 0 {
		return
	}
	if b.metrics != nil {
		b.metrics.Inc(metrics.BatchesSent)
		b.metrics.Add(metrics.CandidatesForwarded, int64(len(out)))
	}
	b.flush(id, out)
}
