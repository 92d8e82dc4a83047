// Package alerts keeps a bounded, deduplicated, most-recent-first history of market alerts.
package alerts

import (
	"sync"

	"signalboard-go/internal/market"
	"signalboard-go/internal/metrics"
)

// DefaultCapacity is the number of alerts retained when no capacity is configured.
const DefaultCapacity = 20

// Buffer holds at most capacity alerts, newest first, with no two sharing an identity.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	items    []market.AlertEvent
	seen     map[market.AlertKey]struct{}
}

// NewBuffer creates a buffer; non-positive capacities fall back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		items:    make([]market.AlertEvent, 0, capacity+1),
		seen:     make(map[market.AlertKey]struct{}, capacity),
	}
}

// Ingest prepends every alert whose identity is not yet held, in batch order, then trims the
// oldest entries beyond capacity. It returns the number of alerts accepted.
func (b *Buffer) Ingest(batch []market.AlertEvent) int {
	return len(b.IngestAccepted(batch))
}

// IngestAccepted is Ingest returning the accepted alerts in batch order.
func (b *Buffer) IngestAccepted(batch []market.AlertEvent) []market.AlertEvent {
	if len(batch) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	fresh := make([]market.AlertEvent, 0, len(batch))
	for _, ev := range batch {
		key := ev.Key()
		if _, dup := b.seen[key]; dup {
			metrics.AlertsIngested.WithLabelValues("duplicate").Inc()
			continue
		}
		b.seen[key] = struct{}{}
		ev.Severity = market.NormalizeSeverity(ev.Severity)
		fresh = append(fresh, ev)
		metrics.AlertsIngested.WithLabelValues("accepted").Inc()
	}
	if len(fresh) == 0 {
		return nil
	}

	// Prepending one by one leaves the last accepted alert at the front.
	next := make([]market.AlertEvent, 0, len(fresh)+len(b.items))
	for i := len(fresh) - 1; i >= 0; i-- {
		next = append(next, fresh[i])
	}
	next = append(next, b.items...)
	if len(next) > b.capacity {
		for _, evicted := range next[b.capacity:] {
			delete(b.seen, evicted.Key())
		}
		metrics.AlertsIngested.WithLabelValues("evicted").Add(float64(len(next) - b.capacity))
		next = next[:b.capacity]
	}
	b.items = next
	return fresh
}

// Snapshot returns the alerts newest first.
func (b *Buffer) Snapshot() []market.AlertEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]market.AlertEvent, len(b.items))
	copy(out, b.items)
	return out
}

// Len reports how many alerts are held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Capacity reports the retention bound.
func (b *Buffer) Capacity() int { return b.capacity }
