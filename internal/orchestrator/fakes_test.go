package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"sendhub/internal/apperr"
	"sendhub/internal/batch"
	"sendhub/internal/events"
	"sendhub/internal/hotstate"
	"sendhub/internal/ratelimit"
)

// fakeDelivery records how a handler settled it.
type fakeDelivery struct {
	data       []byte
	deliveries int

	acked    bool
	termed   bool
	naked    bool
	nakDelay time.Duration
}

func (d *fakeDelivery) Data() []byte { return d.data }
func (d *fakeDelivery) Ack() error   { d.acked = true; return nil }
func (d *fakeDelivery) Term() error  { d.termed = true; return nil }
func (d *fakeDelivery) NakWithDelay(delay time.Duration) error {
	d.naked = true
	d.nakDelay = delay
	return nil
}
func (d *fakeDelivery) NumDelivered() int {
	if d.deliveries == 0 {
		return 1
	}
	return d.deliveries
}

// fakeHotState is an in-memory stand-in for the Redis store.
type fakeHotState struct {
	mu          sync.Mutex
	states      map[string]map[string]hotstate.RecipientState
	unavailable bool
	indexed     map[string]string
}

func newFakeHotState() *fakeHotState {
	return &fakeHotState{
		states:  make(map[string]map[string]hotstate.RecipientState),
		indexed: make(map[string]string),
	}
}

func (f *fakeHotState) errIfDown() error {
	if f.unavailable {
		return apperr.New(apperr.HotStateUnavailable, "hot state down", nil)
	}
	return nil
}

func (f *fakeHotState) InitializeBatch(ctx context.Context, batchID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errIfDown(); err != nil {
		return err
	}
	m, ok := f.states[batchID]
	if !ok {
		m = make(map[string]hotstate.RecipientState)
		f.states[batchID] = m
	}
	for _, id := range ids {
		if _, exists := m[id]; !exists {
			m[id] = hotstate.RecipientState{Status: "pending"}
		}
	}
	return nil
}

func (f *fakeHotState) CheckProcessedBatch(ctx context.Context, batchID string, ids []string) (map[string]hotstate.RecipientState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errIfDown(); err != nil {
		return nil, err
	}
	out := make(map[string]hotstate.RecipientState)
	for _, id := range ids {
		if st, ok := f.states[batchID][id]; ok && st.Terminal() {
			out[id] = st
		}
	}
	return out, nil
}

func (f *fakeHotState) RecordResultsBatch(ctx context.Context, batchID string, results []hotstate.Result) (hotstate.Totals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var totals hotstate.Totals
	if err := f.errIfDown(); err != nil {
		return totals, err
	}
	m, ok := f.states[batchID]
	if !ok {
		m = make(map[string]hotstate.RecipientState)
		f.states[batchID] = m
	}
	for _, r := range results {
		if cur, ok := m[r.RecipientID]; ok && cur.Terminal() {
			continue
		}
		if r.Success {
			m[r.RecipientID] = hotstate.RecipientState{Status: "sent", ProviderMessageID: r.ProviderMessageID}
			totals.NewSent++
		} else {
			m[r.RecipientID] = hotstate.RecipientState{Status: "failed", ErrorMessage: r.ErrorMessage}
			totals.NewFailed++
		}
	}
	for _, st := range m {
		switch st.Status {
		case "sent":
			totals.TotalSent++
		case "failed":
			totals.TotalFailed++
		}
	}
	return totals, nil
}

func (f *fakeHotState) GetBatchStats(ctx context.Context, batchID string) (hotstate.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stats hotstate.Stats
	if err := f.errIfDown(); err != nil {
		return stats, err
	}
	for _, st := range f.states[batchID] {
		stats.Total++
		switch st.Status {
		case "sent":
			stats.Sent++
		case "failed", "bounced", "complained":
			stats.Failed++
		}
	}
	return stats, nil
}

func (f *fakeHotState) MarkCompleted(ctx context.Context, batchID string) error { return nil }

func (f *fakeHotState) IndexProviderMessage(ctx context.Context, providerMessageID, batchID, recipientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[providerMessageID] = batchID + ":" + recipientID
	return nil
}

// fakeStore is an in-memory durable mirror.
type fakeStore struct {
	mu         sync.Mutex
	batches    map[uuid.UUID]*batch.Batch
	recipients map[uuid.UUID][]batch.Recipient
	configs    map[uuid.UUID]*batch.SendConfig
	queued     map[uuid.UUID]map[string]bool
	counters   map[uuid.UUID][2]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches:    make(map[uuid.UUID]*batch.Batch),
		recipients: make(map[uuid.UUID][]batch.Recipient),
		configs:    make(map[uuid.UUID]*batch.SendConfig),
		queued:     make(map[uuid.UUID]map[string]bool),
		counters:   make(map[uuid.UUID][2]int),
	}
}

func (f *fakeStore) GetBatch(ctx context.Context, id uuid.UUID) (*batch.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "batch not found", nil)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStore) GetSendConfig(ctx context.Context, id uuid.UUID) (*batch.SendConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "send config not found", nil)
	}
	return cfg, nil
}

func (f *fakeStore) LoadRecipients(ctx context.Context, batchID uuid.UUID, ids []string) ([]batch.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byID := make(map[string]batch.Recipient)
	for _, r := range f.recipients[batchID] {
		byID[r.ID.String()] = r
	}
	out := make([]batch.Recipient, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListDispatchableRecipientIDs(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []string
	for _, r := range f.recipients[batchID] {
		if r.Status == batch.RecipientPending || r.Status == batch.RecipientQueued {
			pending = append(pending, r.ID.String())
		}
	}
	if offset >= len(pending) {
		return nil, nil
	}
	end := offset + limit
	if end > len(pending) {
		end = len(pending)
	}
	return pending[offset:end], nil
}

func (f *fakeStore) MarkRecipientsQueued(ctx context.Context, batchID uuid.UUID, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.queued[batchID]
	if !ok {
		m = make(map[string]bool)
		f.queued[batchID] = m
	}
	for _, id := range ids {
		m[id] = true
	}
	return nil
}

func (f *fakeStore) TransitionBatch(ctx context.Context, id uuid.UUID, from []batch.Status, to batch.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if b.Status == s {
			b.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateBatchCounters(ctx context.Context, id uuid.UUID, sent, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[id] = [2]int{sent, failed}
	return nil
}

// fakeLimiter grants or denies every acquisition.
type fakeLimiter struct {
	allow    bool
	waitMs   int64
	acquired int
}

func (f *fakeLimiter) Acquire(ctx context.Context, chain []ratelimit.Bucket, timeout time.Duration) ratelimit.Acquisition {
	f.acquired++
	if f.allow {
		return ratelimit.Acquisition{Allowed: true}
	}
	blocked := "system"
	if len(chain) > 0 {
		blocked = chain[0].Key
	}
	return ratelimit.Acquisition{BlockedBy: blocked, WaitMs: f.waitMs}
}

// fakeEmitter collects events.
type fakeEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeEmitter) Emit(e events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeEmitter) byType(t string) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakePublisher captures chunk publishes.
type fakePublisher struct {
	mu   sync.Mutex
	jobs []batch.ChunkJob
	err  error
}

func (f *fakePublisher) PublishChunkJob(ctx context.Context, job batch.ChunkJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

// fakeEnsurer records tenant consumer requests.
type fakeEnsurer struct {
	mu      sync.Mutex
	tenants []string
	err     error
}

func (f *fakeEnsurer) Ensure(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tenants = append(f.tenants, tenantID)
	return nil
}
