// Package probe implements the probe contract: buffered sensing units
// polled on a schedule, plus the concrete system probes.
package probe

import (
	"sync"

	"github.com/probelab/sensd/internal/domain"
)

// Buffer is a mutex-guarded set of collected data, keyed by datum ID.
// Probes append to it while collecting; the local data store snapshots it
// during a commit and then clears exactly the snapshot, so data collected
// concurrently with a commit survives.
type Buffer struct {
	mu   sync.Mutex
	data map[string]domain.Datum
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{data: make(map[string]domain.Datum)}
}

// Add appends data to the buffer.
func (b *Buffer) Add(data ...domain.Datum) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range data {
		b.data[d.ID] = d
	}
}

// Snapshot returns all buffered data at this instant.
func (b *Buffer) Snapshot() []domain.Datum {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Datum, 0, len(b.data))
	for _, d := range b.data {
		out = append(out, d)
	}
	return out
}

// Remove deletes exactly the given data, by identity. Unknown IDs are
// ignored; removal is never by count.
func (b *Buffer) Remove(data []domain.Datum) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range data {
		delete(b.data, d.ID)
	}
}

// Len returns the number of buffered items.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
