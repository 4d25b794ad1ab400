package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendhub/internal/apperr"
	"sendhub/internal/batch"
	"sendhub/internal/events"
	"sendhub/internal/hotstate"
	"sendhub/internal/modules"
	"sendhub/internal/observability"
	"sendhub/internal/ratelimit"
	natsq "sendhub/internal/queue/nats"
)

// HotState is the slice of the hot-state store chunk processing needs.
type HotState interface {
	CheckProcessedBatch(ctx context.Context, batchID string, ids []string) (map[string]hotstate.RecipientState, error)
	RecordResultsBatch(ctx context.Context, batchID string, results []hotstate.Result) (hotstate.Totals, error)
	GetBatchStats(ctx context.Context, batchID string) (hotstate.Stats, error)
	MarkCompleted(ctx context.Context, batchID string) error
	InitializeBatch(ctx context.Context, batchID string, recipientIDs []string) error
	IndexProviderMessage(ctx context.Context, providerMessageID, batchID, recipientID string) error
}

// BatchStore is the durable mirror operations the processors use.
type BatchStore interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*batch.Batch, error)
	GetSendConfig(ctx context.Context, id uuid.UUID) (*batch.SendConfig, error)
	LoadRecipients(ctx context.Context, batchID uuid.UUID, ids []string) ([]batch.Recipient, error)
	ListDispatchableRecipientIDs(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]string, error)
	MarkRecipientsQueued(ctx context.Context, batchID uuid.UUID, ids []string) error
	TransitionBatch(ctx context.Context, id uuid.UUID, from []batch.Status, to batch.Status) (bool, error)
	UpdateBatchCounters(ctx context.Context, id uuid.UUID, sent, failed int) error
}

// Limiter acquires tokens across a bucket chain.
type Limiter interface {
	Acquire(ctx context.Context, chain []ratelimit.Bucket, timeout time.Duration) ratelimit.Acquisition
}

// Emitter records analytics events.
type Emitter interface {
	Emit(e events.Event)
}

// ChunkProcessorConfig tunes one worker's chunk handling.
type ChunkProcessorConfig struct {
	MaxRedeliveries int
	AcquireTimeout  time.Duration
	Rates           ratelimit.Rates
}

// ChunkProcessor consumes chunk jobs: it filters already-terminal
// recipients, acquires rate-limit tokens, executes the module, and records
// outcomes in hot state. The message is only acked once results are durable
// in hot state; hot-state outages trigger a NAK so the broker redelivers.
type ChunkProcessor struct {
	cfg      ChunkProcessorConfig
	store    BatchStore
	hot      HotState
	limiter  Limiter
	registry *modules.Registry
	emitter  Emitter
	logger   *zap.Logger
}

func NewChunkProcessor(
	cfg ChunkProcessorConfig,
	store BatchStore,
	hot HotState,
	limiter Limiter,
	registry *modules.Registry,
	emitter Emitter,
	logger *zap.Logger,
) *ChunkProcessor {
	return &ChunkProcessor{
		cfg:      cfg,
		store:    store,
		hot:      hot,
		limiter:  limiter,
		registry: registry,
		emitter:  emitter,
		logger:   logger,
	}
}

// Handle settles exactly one delivery. Ack means the chunk's recipients are
// all terminal in hot state (or abandoned past the redelivery cap); every
// transient failure NAKs with backoff instead.
func (p *ChunkProcessor) Handle(ctx context.Context, d natsq.Delivery) {
	var job batch.ChunkJob
	if err := json.Unmarshal(d.Data(), &job); err != nil {
		p.logger.Error("malformed chunk job, terminating", zap.Error(err))
		p.settle(d.Term, "term")
		return
	}

	log := p.logger.With(
		zap.String("batch_id", job.BatchID),
		zap.Int("chunk_index", job.ChunkIndex),
	)

	attempt := d.NumDelivered() - 1

	// Past the redelivery cap the chunk is abandoned: remaining recipients
	// are failed terminally so the batch can still complete.
	if d.NumDelivered() > p.cfg.MaxRedeliveries {
		p.abandon(ctx, log, job, d)
		return
	}

	processed, err := p.hot.CheckProcessedBatch(ctx, job.BatchID, job.RecipientIDs)
	if err != nil {
		log.Warn("hot state unavailable, requeueing chunk", zap.Error(err))
		observability.QueueNaksTotal.WithLabelValues("chunks", "hotstate").Inc()
		p.nak(d, ChunkBackoff.Delay(attempt))
		return
	}

	todo := make([]string, 0, len(job.RecipientIDs))
	for _, id := range job.RecipientIDs {
		if _, done := processed[id]; !done {
			todo = append(todo, id)
		}
	}

	if len(todo) == 0 {
		log.Debug("chunk already fully processed")
		p.finish(ctx, log, job, d)
		return
	}

	batchID, err := uuid.Parse(job.BatchID)
	if err != nil {
		log.Error("invalid batch id in chunk job, terminating")
		p.settle(d.Term, "term")
		return
	}

	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			log.Error("batch missing from durable store, terminating chunk")
			p.settle(d.Term, "term")
			return
		}
		observability.QueueNaksTotal.WithLabelValues("chunks", "store").Inc()
		p.nak(d, ChunkBackoff.Delay(attempt))
		return
	}

	switch b.Status {
	case batch.StatusCancelled:
		log.Info("batch cancelled, dropping chunk")
		p.settle(d.Ack, "ack")
		return
	case batch.StatusPaused:
		// Paused batches keep their queued chunks in the broker and pick
		// them up on resume.
		p.nak(d, 30*time.Second)
		return
	}

	mod, err := p.registry.Get(job.SendConfig.Module)
	if err != nil {
		log.Error("unknown module, terminating chunk", zap.String("module", job.SendConfig.Module))
		p.settle(d.Term, "term")
		return
	}

	acq := p.limiter.Acquire(ctx, ratelimit.ChainFor(job.SendConfig, p.cfg.Rates), p.cfg.AcquireTimeout)
	if !acq.Allowed {
		delay := time.Duration(acq.WaitMs) * time.Millisecond
		if delay < 5*time.Second {
			delay = 5 * time.Second
		}
		log.Debug("rate limited, requeueing chunk",
			zap.String("blocked_by", acq.BlockedBy),
			zap.Duration("delay", delay))
		observability.QueueNaksTotal.WithLabelValues("chunks", "ratelimit").Inc()
		p.nak(d, delay)
		return
	}

	recipients, err := p.store.LoadRecipients(ctx, batchID, todo)
	if err != nil {
		observability.QueueNaksTotal.WithLabelValues("chunks", "store").Inc()
		p.nak(d, ChunkBackoff.Delay(attempt))
		return
	}

	results := p.execute(ctx, job, b, mod, recipients)

	totals, err := p.hot.RecordResultsBatch(ctx, job.BatchID, results)
	if err != nil {
		// Results are lost; the redelivery re-runs only recipients that a
		// later successful record has not made terminal.
		log.Warn("failed to record results, requeueing chunk", zap.Error(err))
		observability.QueueNaksTotal.WithLabelValues("chunks", "hotstate").Inc()
		p.nak(d, ChunkBackoff.Delay(attempt))
		return
	}

	p.publishOutcomes(ctx, job, results)

	log.Info("chunk processed",
		zap.Int("sent", totals.NewSent),
		zap.Int("failed", totals.NewFailed),
		zap.Bool("dry_run", job.DryRun))

	p.finish(ctx, log, job, d)
}

// execute runs the module (or synthesizes success under dry run) and maps
// module results onto hot-state results.
func (p *ChunkProcessor) execute(ctx context.Context, job batch.ChunkJob, b *batch.Batch, mod modules.Module, recipients []batch.Recipient) []hotstate.Result {
	start := time.Now()

	if job.DryRun {
		results := make([]hotstate.Result, 0, len(recipients))
		for _, r := range recipients {
			results = append(results, hotstate.Result{
				RecipientID:       r.ID.String(),
				Success:           true,
				ProviderMessageID: "dry-run-" + uuid.NewString(),
			})
		}
		return results
	}

	payloads := make([]modules.Payload, 0, len(recipients))
	for _, r := range recipients {
		payloads = append(payloads, modules.Payload{
			RecipientID: r.ID.String(),
			Address:     r.Address,
			Name:        r.Name,
			Variables:   r.Variables,
		})
	}

	var perRecipient []modules.RecipientResult
	if mod.SupportsBatch() {
		perRecipient = mod.ExecuteBatch(ctx, payloads, job.SendConfig.Config, b.Content)
	} else {
		perRecipient = make([]modules.RecipientResult, 0, len(payloads))
		for _, payload := range payloads {
			res := mod.Execute(ctx, payload, job.SendConfig.Config, b.Content)
			perRecipient = append(perRecipient, modules.RecipientResult{
				RecipientID: payload.RecipientID,
				Result:      res,
			})
		}
	}

	observability.DeliveryDuration.WithLabelValues(job.SendConfig.Module).Observe(time.Since(start).Seconds())

	results := make([]hotstate.Result, 0, len(perRecipient))
	for _, rr := range perRecipient {
		results = append(results, hotstate.Result{
			RecipientID:       rr.RecipientID,
			Success:           rr.Result.Success,
			ProviderMessageID: rr.Result.ProviderMessageID,
			ErrorMessage:      rr.Result.Error,
		})
	}
	return results
}

// publishOutcomes emits per-recipient events and indexes provider message
// ids for inbound webhook correlation.
func (p *ChunkProcessor) publishOutcomes(ctx context.Context, job batch.ChunkJob, results []hotstate.Result) {
	for _, r := range results {
		eventType := events.TypeRecipientSent
		status := "sent"
		if !r.Success {
			eventType = events.TypeRecipientFailed
			status = "failed"
		}
		observability.RecipientsTotal.WithLabelValues(status, job.SendConfig.Module).Inc()
		p.emitter.Emit(events.Event{
			Type:        eventType,
			TenantID:    job.TenantID,
			BatchID:     job.BatchID,
			RecipientID: r.RecipientID,
			Module:      job.SendConfig.Module,
			Service:     job.SendConfig.Service,
		})

		if r.Success && r.ProviderMessageID != "" && !job.DryRun {
			if err := p.hot.IndexProviderMessage(ctx, r.ProviderMessageID, job.BatchID, r.RecipientID); err != nil {
				p.logger.Debug("failed to index provider message id", zap.Error(err))
			}
		}
	}
}

// abandon fails every non-terminal recipient in the chunk and acks. Without
// this, a poison chunk would block batch completion forever.
func (p *ChunkProcessor) abandon(ctx context.Context, log *zap.Logger, job batch.ChunkJob, d natsq.Delivery) {
	log.Error("chunk exceeded redelivery cap, failing remaining recipients",
		zap.Int("deliveries", d.NumDelivered()))

	processed, err := p.hot.CheckProcessedBatch(ctx, job.BatchID, job.RecipientIDs)
	if err != nil {
		p.nak(d, ChunkBackoff.Max)
		return
	}

	results := make([]hotstate.Result, 0, len(job.RecipientIDs))
	for _, id := range job.RecipientIDs {
		if _, done := processed[id]; done {
			continue
		}
		results = append(results, hotstate.Result{
			RecipientID:  id,
			ErrorMessage: "chunk abandoned after repeated delivery failures",
		})
	}

	if len(results) > 0 {
		if _, err := p.hot.RecordResultsBatch(ctx, job.BatchID, results); err != nil {
			p.nak(d, ChunkBackoff.Max)
			return
		}
		for _, r := range results {
			observability.RecipientsTotal.WithLabelValues("failed", job.SendConfig.Module).Inc()
			p.emitter.Emit(events.Event{
				Type:        events.TypeRecipientFailed,
				TenantID:    job.TenantID,
				BatchID:     job.BatchID,
				RecipientID: r.RecipientID,
				Module:      job.SendConfig.Module,
			})
		}
	}

	p.finish(ctx, log, job, d)
}

// finish runs the completion check and acks. Completion failures do not
// block the ack: every chunk runs the same check, so a later one (or stuck
// recovery) converges the batch.
func (p *ChunkProcessor) finish(ctx context.Context, log *zap.Logger, job batch.ChunkJob, d natsq.Delivery) {
	p.maybeComplete(ctx, log, job)
	p.settle(d.Ack, "ack")
	observability.ChunksProcessedTotal.WithLabelValues("ok").Inc()
}

func (p *ChunkProcessor) maybeComplete(ctx context.Context, log *zap.Logger, job batch.ChunkJob) {
	batchID, err := uuid.Parse(job.BatchID)
	if err != nil {
		return
	}

	stats, err := p.hot.GetBatchStats(ctx, job.BatchID)
	if err != nil {
		return
	}

	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil || b.Status.Terminal() {
		return
	}

	if stats.Sent+stats.Failed < b.TotalRecipients {
		return
	}

	moved, err := p.store.TransitionBatch(ctx, batchID,
		[]batch.Status{batch.StatusProcessing, batch.StatusQueued}, batch.StatusCompleted)
	if err != nil || !moved {
		return
	}

	if err := p.store.UpdateBatchCounters(ctx, batchID, stats.Sent, stats.Failed); err != nil {
		log.Warn("failed to persist final counters", zap.Error(err))
	}
	if err := p.hot.MarkCompleted(ctx, job.BatchID); err != nil {
		log.Debug("failed to shorten hot state ttl", zap.Error(err))
	}

	observability.BatchesProcessedTotal.WithLabelValues("completed").Inc()
	p.emitter.Emit(events.Event{
		Type:     events.TypeBatchCompleted,
		TenantID: job.TenantID,
		BatchID:  job.BatchID,
		Module:   job.SendConfig.Module,
	})
	log.Info("batch completed",
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed))
}

func (p *ChunkProcessor) nak(d natsq.Delivery, delay time.Duration) {
	if err := d.NakWithDelay(delay); err != nil {
		p.logger.Error("failed to nak delivery", zap.Error(err))
	}
}

func (p *ChunkProcessor) settle(fn func() error, kind string) {
	if err := fn(); err != nil {
		p.logger.Error("failed to settle delivery", zap.String("kind", kind), zap.Error(err))
	}
}
