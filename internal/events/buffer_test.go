package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBufferReturnsPageAtCapacity(t *testing.T) {
	b := NewBuffer(3)

	for i := 0; i < 2; i++ {
		if page := b.Add(Event{Type: TypeRecipientSent}); page != nil {
			t.Fatalf("add %d below capacity should buffer, got page of %d", i, len(page))
		}
	}
	page := b.Add(Event{Type: TypeRecipientSent})
	if len(page) != 3 {
		t.Fatalf("add at capacity returned %d events, want 3", len(page))
	}
	if b.Len() != 0 {
		t.Errorf("buffer should reset after handing off its page, len = %d", b.Len())
	}

	// Capacity is fully restored.
	if page := b.Add(Event{Type: TypeRecipientFailed}); page != nil {
		t.Error("fresh buffer should not return a page on the first add")
	}
}

func TestBufferDrainResets(t *testing.T) {
	b := NewBuffer(10)
	b.Add(Event{Type: TypeBatchQueued})
	b.Add(Event{Type: TypeBatchStarted})

	got := b.Drain()
	if len(got) != 2 {
		t.Fatalf("drained %d events, want 2", len(got))
	}
	if got[0].Type != TypeBatchQueued || got[1].Type != TypeBatchStarted {
		t.Error("drain must preserve insertion order")
	}
	if b.Len() != 0 {
		t.Error("buffer not empty after drain")
	}
	if b.Drain() != nil {
		t.Error("draining empty buffer should return nil")
	}
}

func TestBufferConcurrentAddsLoseNothing(t *testing.T) {
	b := NewBuffer(100)
	var (
		mu    sync.Mutex
		paged int
	)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if page := b.Add(Event{Type: TypeRecipientSent}); page != nil {
					mu.Lock()
					paged += len(page)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if total := paged + b.Len(); total != 1000 {
		t.Errorf("paged %d + buffered %d = %d, want 1000", paged, b.Len(), total)
	}
}

type captureSink struct {
	mu      sync.Mutex
	flushes [][]Event
	err     error
}

func (s *captureSink) Flush(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.flushes = append(s.flushes, events)
	return nil
}

func TestLoggerFinalFlushOnShutdown(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(100, time.Hour, sink, zap.NewNop())

	l.Emit(Event{Type: TypeBatchCompleted, BatchID: "b1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.flushes) != 1 || len(sink.flushes[0]) != 1 {
		t.Fatalf("expected one final flush of one event, got %v", sink.flushes)
	}
	if sink.flushes[0][0].At.IsZero() {
		t.Error("Emit should stamp events with a timestamp")
	}
}

func TestLoggerSwallowsSinkErrors(t *testing.T) {
	sink := &captureSink{err: errors.New("broker down")}
	l := NewLogger(100, time.Hour, sink, zap.NewNop())

	l.Emit(Event{Type: TypeRecipientFailed})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Must not panic or block despite the failing sink.
	l.Run(ctx)
}

func TestLoggerFlushesWhenBufferFills(t *testing.T) {
	sink := &captureSink{}
	// Ticker interval is an hour; only the capacity trigger can flush.
	l := NewLogger(3, time.Hour, sink, zap.NewNop())

	for i := 0; i < 4; i++ {
		l.Emit(Event{Type: TypeRecipientSent})
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.flushes) != 1 || len(sink.flushes[0]) != 3 {
		t.Fatalf("expected one capacity flush of 3 events, got %v", sink.flushes)
	}
	if l.buf.Len() != 1 {
		t.Errorf("buffered = %d, want 1 event awaiting the next flush", l.buf.Len())
	}
}

func TestLoggerCapacityFlushSwallowsSinkError(t *testing.T) {
	sink := &captureSink{err: errors.New("broker down")}
	l := NewLogger(2, time.Hour, sink, zap.NewNop())

	// Must not panic; the failed page is logged and discarded so the buffer
	// keeps accepting new events.
	for i := 0; i < 6; i++ {
		l.Emit(Event{Type: TypeRecipientSent})
	}
	if l.buf.Len() != 0 {
		t.Errorf("buffered = %d, want 0 after three failed capacity flushes", l.buf.Len())
	}
}
