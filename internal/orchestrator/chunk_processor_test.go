package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendhub/internal/batch"
	"sendhub/internal/events"
	"sendhub/internal/hotstate"
	"sendhub/internal/modules"
	"sendhub/internal/ratelimit"
)

// fakeModule succeeds or fails per address.
type fakeModule struct {
	mu       sync.Mutex
	kind     string
	failFor  map[string]bool
	executed [][]modules.Payload
}

func (m *fakeModule) Kind() string        { return m.kind }
func (m *fakeModule) SupportsBatch() bool { return true }
func (m *fakeModule) ValidateConfig(raw json.RawMessage) modules.ValidationResult {
	return modules.ValidationResult{Valid: true}
}
func (m *fakeModule) ValidatePayload(p modules.Payload) modules.ValidationResult {
	return modules.ValidationResult{Valid: true}
}
func (m *fakeModule) Execute(ctx context.Context, p modules.Payload, raw json.RawMessage, content modules.Content) modules.Result {
	rs := m.ExecuteBatch(ctx, []modules.Payload{p}, raw, content)
	return rs[0].Result
}
func (m *fakeModule) ExecuteBatch(ctx context.Context, ps []modules.Payload, raw json.RawMessage, content modules.Content) []modules.RecipientResult {
	m.mu.Lock()
	m.executed = append(m.executed, ps)
	m.mu.Unlock()

	out := make([]modules.RecipientResult, 0, len(ps))
	for _, p := range ps {
		if m.failFor[p.Address] {
			out = append(out, modules.RecipientResult{
				RecipientID: p.RecipientID,
				Result:      modules.Result{Success: false, Error: "provider rejected"},
			})
			continue
		}
		out = append(out, modules.RecipientResult{
			RecipientID: p.RecipientID,
			Result:      modules.Result{Success: true, ProviderMessageID: "pm-" + p.RecipientID},
		})
	}
	return out
}

func (m *fakeModule) executedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ps := range m.executed {
		n += len(ps)
	}
	return n
}

type chunkFixture struct {
	proc    *ChunkProcessor
	store   *fakeStore
	hot     *fakeHotState
	limiter *fakeLimiter
	emitter *fakeEmitter
	mod     *fakeModule

	batchID uuid.UUID
	tenant  string
	ids     []string
}

func newChunkFixture(t *testing.T, nRecipients int, status batch.Status) *chunkFixture {
	t.Helper()

	store := newFakeStore()
	hot := newFakeHotState()
	limiter := &fakeLimiter{allow: true}
	emitter := &fakeEmitter{}
	mod := &fakeModule{kind: "email", failFor: map[string]bool{}}

	registry := modules.NewRegistry()
	registry.Register(mod)

	batchID := uuid.New()
	tenantID := uuid.New()

	b := &batch.Batch{
		ID:              batchID,
		TenantID:        tenantID,
		Module:          "email",
		Status:          status,
		TotalRecipients: nRecipients,
	}
	store.batches[batchID] = b

	ids := make([]string, 0, nRecipients)
	for i := 0; i < nRecipients; i++ {
		r := batch.Recipient{
			ID:      uuid.New(),
			BatchID: batchID,
			Address: uuid.NewString() + "@example.com",
			Status:  batch.RecipientPending,
		}
		store.recipients[batchID] = append(store.recipients[batchID], r)
		ids = append(ids, r.ID.String())
	}

	hot.InitializeBatch(context.Background(), batchID.String(), ids)

	proc := NewChunkProcessor(
		ChunkProcessorConfig{
			MaxRedeliveries: 5,
			AcquireTimeout:  time.Second,
			Rates:           ratelimit.Rates{System: 1000},
		},
		store, hot, limiter, registry, emitter, zap.NewNop(),
	)

	return &chunkFixture{
		proc:    proc,
		store:   store,
		hot:     hot,
		limiter: limiter,
		emitter: emitter,
		mod:     mod,
		batchID: batchID,
		tenant:  tenantID.String(),
		ids:     ids,
	}
}

func (f *chunkFixture) delivery(t *testing.T, deliveries int) *fakeDelivery {
	t.Helper()
	job := batch.ChunkJob{
		BatchID:      f.batchID.String(),
		TenantID:     f.tenant,
		ChunkIndex:   0,
		RecipientIDs: f.ids,
		SendConfig: batch.EmbeddedSendConfig{
			ID:      "cfg-1",
			Module:  "email",
			Service: "ses",
			Managed: true,
			Config:  json.RawMessage(`{}`),
		},
	}
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeDelivery{data: data, deliveries: deliveries}
}

func TestChunkHappyPathCompletesBatch(t *testing.T) {
	f := newChunkFixture(t, 3, batch.StatusProcessing)
	d := f.delivery(t, 1)

	f.proc.Handle(context.Background(), d)

	if !d.acked {
		t.Fatal("delivery should be acked")
	}
	if got := f.mod.executedCount(); got != 3 {
		t.Errorf("executed %d payloads, want 3", got)
	}

	b, _ := f.store.GetBatch(context.Background(), f.batchID)
	if b.Status != batch.StatusCompleted {
		t.Errorf("batch status = %s, want completed", b.Status)
	}
	if got := f.store.counters[f.batchID]; got != [2]int{3, 0} {
		t.Errorf("final counters = %v, want [3 0]", got)
	}
	if got := len(f.emitter.byType(events.TypeRecipientSent)); got != 3 {
		t.Errorf("sent events = %d, want 3", got)
	}
	if got := len(f.emitter.byType(events.TypeBatchCompleted)); got != 1 {
		t.Errorf("completed events = %d, want 1", got)
	}
}

func TestChunkRedeliverySkipsTerminalRecipients(t *testing.T) {
	f := newChunkFixture(t, 3, batch.StatusProcessing)

	// Two recipients already landed on a previous delivery.
	f.hot.RecordResultsBatch(context.Background(), f.batchID.String(), []hotstate.Result{
		{RecipientID: f.ids[0], Success: true, ProviderMessageID: "pm-old-0"},
		{RecipientID: f.ids[1], ErrorMessage: "boom"},
	})

	d := f.delivery(t, 2)
	f.proc.Handle(context.Background(), d)

	if !d.acked {
		t.Fatal("delivery should be acked")
	}
	if got := f.mod.executedCount(); got != 1 {
		t.Errorf("executed %d payloads, want only the 1 non-terminal", got)
	}

	b, _ := f.store.GetBatch(context.Background(), f.batchID)
	if b.Status != batch.StatusCompleted {
		t.Errorf("batch status = %s, want completed", b.Status)
	}
	if got := f.store.counters[f.batchID]; got != [2]int{2, 1} {
		t.Errorf("final counters = %v, want [2 1]", got)
	}
}

func TestChunkFullyProcessedRedeliveryAcksWithoutExecuting(t *testing.T) {
	f := newChunkFixture(t, 2, batch.StatusProcessing)

	results := make([]hotstate.Result, 0, 2)
	for _, id := range f.ids {
		results = append(results, hotstate.Result{RecipientID: id, Success: true})
	}
	f.hot.RecordResultsBatch(context.Background(), f.batchID.String(), results)

	d := f.delivery(t, 2)
	f.proc.Handle(context.Background(), d)

	if !d.acked {
		t.Fatal("delivery should be acked")
	}
	if got := f.mod.executedCount(); got != 0 {
		t.Errorf("executed %d payloads, want 0 on a fully processed chunk", got)
	}
	if f.limiter.acquired != 0 {
		t.Error("no rate tokens should be spent on a fully processed chunk")
	}
}

func TestChunkHotStateDownNaks(t *testing.T) {
	f := newChunkFixture(t, 2, batch.StatusProcessing)
	f.hot.unavailable = true

	d := f.delivery(t, 1)
	f.proc.Handle(context.Background(), d)

	if !d.naked {
		t.Fatal("delivery should be naked when hot state is down")
	}
	if d.acked {
		t.Error("delivery must not be acked")
	}
	if got := f.mod.executedCount(); got != 0 {
		t.Errorf("executed %d payloads, want 0", got)
	}
}

func TestChunkRateLimitedNaksWithFloor(t *testing.T) {
	f := newChunkFixture(t, 2, batch.StatusProcessing)
	f.limiter.allow = false
	f.limiter.waitMs = 100

	d := f.delivery(t, 1)
	f.proc.Handle(context.Background(), d)

	if !d.naked {
		t.Fatal("delivery should be naked when rate limited")
	}
	if d.nakDelay < 5*time.Second {
		t.Errorf("nak delay = %v, want at least 5s", d.nakDelay)
	}
	if got := f.mod.executedCount(); got != 0 {
		t.Errorf("executed %d payloads, want 0", got)
	}
}

func TestChunkRedeliveryCapAbandonsRemaining(t *testing.T) {
	f := newChunkFixture(t, 3, batch.StatusProcessing)

	// One recipient succeeded before the chunk started flapping.
	f.hot.RecordResultsBatch(context.Background(), f.batchID.String(), []hotstate.Result{
		{RecipientID: f.ids[0], Success: true},
	})

	d := f.delivery(t, 6)
	f.proc.Handle(context.Background(), d)

	if !d.acked {
		t.Fatal("abandoned chunk should be acked")
	}
	if got := f.mod.executedCount(); got != 0 {
		t.Errorf("executed %d payloads, want 0 past the cap", got)
	}

	states, _ := f.hot.CheckProcessedBatch(context.Background(), f.batchID.String(), f.ids)
	if len(states) != 3 {
		t.Fatalf("all recipients should be terminal, got %d", len(states))
	}
	if states[f.ids[0]].Status != "sent" {
		t.Error("earlier success must survive abandonment")
	}
	for _, id := range f.ids[1:] {
		if states[id].Status != "failed" {
			t.Errorf("recipient %s = %s, want failed", id, states[id].Status)
		}
	}

	b, _ := f.store.GetBatch(context.Background(), f.batchID)
	if b.Status != batch.StatusCompleted {
		t.Errorf("batch status = %s, want completed after abandonment", b.Status)
	}
}

func TestChunkCancelledBatchDropped(t *testing.T) {
	f := newChunkFixture(t, 2, batch.StatusCancelled)

	d := f.delivery(t, 1)
	f.proc.Handle(context.Background(), d)

	if !d.acked {
		t.Fatal("chunk for cancelled batch should be acked")
	}
	if got := f.mod.executedCount(); got != 0 {
		t.Errorf("executed %d payloads, want 0", got)
	}
}

func TestChunkDryRunSynthesizesSuccess(t *testing.T) {
	f := newChunkFixture(t, 2, batch.StatusProcessing)

	job := batch.ChunkJob{
		BatchID:      f.batchID.String(),
		TenantID:     f.tenant,
		RecipientIDs: f.ids,
		SendConfig: batch.EmbeddedSendConfig{
			ID: "cfg-1", Module: "email", Service: "ses", Config: json.RawMessage(`{}`),
		},
		DryRun: true,
	}
	data, _ := json.Marshal(job)
	d := &fakeDelivery{data: data, deliveries: 1}

	f.proc.Handle(context.Background(), d)

	if !d.acked {
		t.Fatal("dry run chunk should be acked")
	}
	if got := f.mod.executedCount(); got != 0 {
		t.Errorf("dry run must not reach the provider, executed %d", got)
	}

	states, _ := f.hot.CheckProcessedBatch(context.Background(), f.batchID.String(), f.ids)
	for _, id := range f.ids {
		if states[id].Status != "sent" {
			t.Errorf("dry run recipient %s = %s, want sent", id, states[id].Status)
		}
	}
}

func TestChunkMalformedPayloadTerminated(t *testing.T) {
	f := newChunkFixture(t, 1, batch.StatusProcessing)

	d := &fakeDelivery{data: []byte("{not json"), deliveries: 1}
	f.proc.Handle(context.Background(), d)

	if !d.termed {
		t.Error("malformed payload should be terminated")
	}
	if d.naked {
		t.Error("malformed payload must not be redelivered")
	}
}
