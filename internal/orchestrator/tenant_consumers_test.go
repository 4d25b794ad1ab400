package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEnsureCoalescesConcurrentCreation(t *testing.T) {
	var creations int32
	release := make(chan struct{})

	start := func(ctx context.Context, tenantID string) (func(), error) {
		atomic.AddInt32(&creations, 1)
		<-release
		return func() {}, nil
	}

	tc := NewTenantConsumers(zap.NewNop(), start)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tc.Ensure(context.Background(), "tenant-a")
		}(i)
	}

	// Give the racers time to pile onto the in-flight creation.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&creations); got != 1 {
		t.Errorf("expected exactly 1 creation, got %d", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d got error: %v", i, err)
		}
	}
	if !tc.Active("tenant-a") {
		t.Error("consumer should be active after Ensure")
	}
}

func TestEnsureDistinctTenantsCreateIndependently(t *testing.T) {
	var creations int32
	start := func(ctx context.Context, tenantID string) (func(), error) {
		atomic.AddInt32(&creations, 1)
		return func() {}, nil
	}

	tc := NewTenantConsumers(zap.NewNop(), start)

	if err := tc.Ensure(context.Background(), "tenant-a"); err != nil {
		t.Fatal(err)
	}
	if err := tc.Ensure(context.Background(), "tenant-b"); err != nil {
		t.Fatal(err)
	}
	// Second Ensure for an active tenant is a no-op.
	if err := tc.Ensure(context.Background(), "tenant-a"); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt32(&creations); got != 2 {
		t.Errorf("expected 2 creations, got %d", got)
	}
}

func TestEnsureFailedCreationAllowsRetry(t *testing.T) {
	var calls int32
	start := func(ctx context.Context, tenantID string) (func(), error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("broker unavailable")
		}
		return func() {}, nil
	}

	tc := NewTenantConsumers(zap.NewNop(), start)

	if err := tc.Ensure(context.Background(), "tenant-a"); err == nil {
		t.Fatal("expected first Ensure to fail")
	}
	if tc.Active("tenant-a") {
		t.Fatal("failed creation must not register an active consumer")
	}
	if err := tc.Ensure(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("retry should succeed, got %v", err)
	}
	if !tc.Active("tenant-a") {
		t.Error("consumer should be active after retry")
	}
}

func TestEnsureContainsPanicInCreation(t *testing.T) {
	start := func(ctx context.Context, tenantID string) (func(), error) {
		if tenantID == "bad" {
			panic("boom")
		}
		return func() {}, nil
	}

	tc := NewTenantConsumers(zap.NewNop(), start)

	if err := tc.Ensure(context.Background(), "bad"); err == nil {
		t.Fatal("panicking creation should surface as an error")
	}
	// Other tenants are unaffected.
	if err := tc.Ensure(context.Background(), "good"); err != nil {
		t.Fatalf("unrelated tenant affected by panic: %v", err)
	}
}

func TestSuperviseRemovesExitedConsumer(t *testing.T) {
	var creations int32
	exit := make(chan struct{})
	done := make(chan struct{})

	var tc *TenantConsumers
	tc = NewTenantConsumers(zap.NewNop(), func(ctx context.Context, tenantID string) (func(), error) {
		if atomic.AddInt32(&creations, 1) == 1 {
			go func() {
				defer close(done)
				tc.Supervise(tenantID, func() { <-exit })
			}()
		}
		return func() {}, nil
	})

	if err := tc.Ensure(context.Background(), "tenant-a"); err != nil {
		t.Fatal(err)
	}
	if !tc.Active("tenant-a") {
		t.Fatal("consumer should be active while its loop runs")
	}

	close(exit)
	<-done
	if tc.Active("tenant-a") {
		t.Fatal("exited consumer must leave the active set")
	}

	// The tenant is rebuildable: the next Ensure creates a fresh consumer.
	if err := tc.Ensure(context.Background(), "tenant-a"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&creations); got != 2 {
		t.Errorf("creations = %d, want 2", got)
	}
	if !tc.Active("tenant-a") {
		t.Error("consumer should be active after recreation")
	}
}

func TestSuperviseContainsPanic(t *testing.T) {
	tc := NewTenantConsumers(zap.NewNop(), func(ctx context.Context, tenantID string) (func(), error) {
		return func() {}, nil
	})
	if err := tc.Ensure(context.Background(), "tenant-a"); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		tc.Supervise("tenant-a", func() { panic("boom") })
	}()
	<-done

	if tc.Active("tenant-a") {
		t.Error("crashed consumer must leave the active set")
	}
}

func TestStopAllDrainsEverything(t *testing.T) {
	var stopped int32
	start := func(ctx context.Context, tenantID string) (func(), error) {
		return func() { atomic.AddInt32(&stopped, 1) }, nil
	}

	tc := NewTenantConsumers(zap.NewNop(), start)
	for _, id := range []string{"a", "b", "c"} {
		if err := tc.Ensure(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}

	tc.StopAll()
	if got := atomic.LoadInt32(&stopped); got != 3 {
		t.Errorf("expected 3 stops, got %d", got)
	}
	if tc.Active("a") {
		t.Error("consumer still active after StopAll")
	}
}
