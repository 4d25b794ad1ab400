package events

import (
	"sync"
)

// Buffer accumulates events up to a fixed capacity. The append that reaches
// capacity hands the full page back to the caller for an immediate flush, so
// a burst larger than the capacity between ticker flushes is delivered
// instead of dropped.
type Buffer struct {
	mu    sync.Mutex
	items []Event
	cap   int
}

func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{items: make([]Event, 0, capacity), cap: capacity}
}

// Add appends an event. When the buffer reaches capacity the accumulated
// page is returned and the buffer resets; otherwise Add returns nil.
func (b *Buffer) Add(e Event) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, e)
	if len(b.items) < b.cap {
		return nil
	}
	out := b.items
	b.items = make([]Event, 0, b.cap)
	return out
}

// Drain returns the accumulated events and resets the buffer.
func (b *Buffer) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	out := b.items
	b.items = make([]Event, 0, b.cap)
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
