package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"sendhub/internal/observability"
)

// StartConsumer creates and runs a tenant's chunk consumer. It returns once
// the consumer is established; the consumer itself keeps running until ctx
// is cancelled. The returned stop function drains it.
type StartConsumer func(ctx context.Context, tenantID string) (stop func(), err error)

type creation struct {
	done chan struct{}
	err  error
}

// TenantConsumers tracks one live chunk consumer per tenant. Ensure is safe
// to call concurrently: callers racing on the same tenant coalesce onto one
// creation attempt instead of each opening a consumer.
type TenantConsumers struct {
	logger *zap.Logger
	start  StartConsumer

	mu       sync.Mutex
	active   map[string]func()
	creating map[string]*creation
}

func NewTenantConsumers(logger *zap.Logger, start StartConsumer) *TenantConsumers {
	return &TenantConsumers{
		logger:   logger,
		start:    start,
		active:   make(map[string]func()),
		creating: make(map[string]*creation),
	}
}

// Ensure guarantees a consumer exists for the tenant, creating one if needed.
func (t *TenantConsumers) Ensure(ctx context.Context, tenantID string) error {
	t.mu.Lock()
	if _, ok := t.active[tenantID]; ok {
		t.mu.Unlock()
		return nil
	}
	if op, ok := t.creating[tenantID]; ok {
		t.mu.Unlock()
		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	op := &creation{done: make(chan struct{})}
	t.creating[tenantID] = op
	t.mu.Unlock()

	stop, err := t.create(ctx, tenantID)

	t.mu.Lock()
	delete(t.creating, tenantID)
	if err == nil {
		t.active[tenantID] = stop
		observability.ActiveTenantConsumers.Set(float64(len(t.active)))
	}
	t.mu.Unlock()

	op.err = err
	close(op.done)

	if err != nil {
		t.logger.Error("failed to start tenant consumer",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return err
	}

	t.logger.Info("tenant consumer started", zap.String("tenant_id", tenantID))
	return nil
}

// create shields Ensure from a panicking start function; the panic becomes
// an error on this tenant's creation only.
func (t *TenantConsumers) create(ctx context.Context, tenantID string) (stop func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("consumer creation panicked",
				zap.String("tenant_id", tenantID),
				zap.Any("panic", r))
			stop = nil
			err = &panicError{value: r}
		}
	}()
	return t.start(ctx, tenantID)
}

// Supervise runs a consumer's blocking loop, containing panics and removing
// the tenant from the active set once the loop returns. Without the removal a
// crashed consumer would keep its tenant marked active and the tenant's
// chunks would never drain; with it, the next Ensure rebuilds the consumer.
func (t *TenantConsumers) Supervise(tenantID string, run func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("tenant consumer crashed",
				zap.String("tenant_id", tenantID),
				zap.Any("panic", r))
		}
		t.Remove(tenantID)
	}()
	run()
}

// Remove forgets a tenant's consumer without stopping it, used when the
// supervise loop observes the consumer exit on its own.
func (t *TenantConsumers) Remove(tenantID string) {
	t.mu.Lock()
	delete(t.active, tenantID)
	observability.ActiveTenantConsumers.Set(float64(len(t.active)))
	t.mu.Unlock()
}

// Active reports whether a tenant currently has a live consumer.
func (t *TenantConsumers) Active(tenantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[tenantID]
	return ok
}

// StopAll drains every consumer, used during shutdown.
func (t *TenantConsumers) StopAll() {
	t.mu.Lock()
	stops := make([]func(), 0, len(t.active))
	for id, stop := range t.active {
		stops = append(stops, stop)
		delete(t.active, id)
	}
	observability.ActiveTenantConsumers.Set(0)
	t.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return "consumer creation panicked" }
