package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendhub/internal/apperr"
	"sendhub/internal/batch"
	"sendhub/internal/events"
	"sendhub/internal/modules"
	"sendhub/internal/observability"
	natsq "sendhub/internal/queue/nats"
)

// ChunkPublisher writes chunk jobs to the durable queue.
type ChunkPublisher interface {
	PublishChunkJob(ctx context.Context, job batch.ChunkJob) error
}

// ConsumerEnsurer guarantees a tenant's chunk consumer exists.
type ConsumerEnsurer interface {
	Ensure(ctx context.Context, tenantID string) error
}

type BatchOrchestratorConfig struct {
	RecipientPageSize   int
	DefaultEmailService string
}

// BatchOrchestrator expands queued batches into chunk jobs. Expansion is
// idempotent: recipients already queued or terminal are skipped, and chunk
// publishes carry dedup ids, so a redelivered batch job is harmless.
type BatchOrchestrator struct {
	cfg       BatchOrchestratorConfig
	store     BatchStore
	hot       HotState
	publisher ChunkPublisher
	consumers ConsumerEnsurer
	emitter   Emitter
	logger    *zap.Logger
}

func NewBatchOrchestrator(
	cfg BatchOrchestratorConfig,
	store BatchStore,
	hot HotState,
	publisher ChunkPublisher,
	consumers ConsumerEnsurer,
	emitter Emitter,
	logger *zap.Logger,
) *BatchOrchestrator {
	if cfg.RecipientPageSize < 1 {
		cfg.RecipientPageSize = 1000
	}
	return &BatchOrchestrator{
		cfg:       cfg,
		store:     store,
		hot:       hot,
		publisher: publisher,
		consumers: consumers,
		emitter:   emitter,
		logger:    logger,
	}
}

// Handle settles one batch job delivery.
func (o *BatchOrchestrator) Handle(ctx context.Context, d natsq.Delivery) {
	var job batch.BatchJob
	if err := json.Unmarshal(d.Data(), &job); err != nil {
		o.logger.Error("malformed batch job, terminating", zap.Error(err))
		o.settle(d.Term)
		return
	}

	log := o.logger.With(zap.String("batch_id", job.BatchID))
	attempt := d.NumDelivered() - 1

	batchID, err := uuid.Parse(job.BatchID)
	if err != nil {
		log.Error("invalid batch id, terminating")
		o.settle(d.Term)
		return
	}

	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			// The API publishes right after commit; a read replica or a
			// crashed transaction can make the row briefly invisible.
			log.Warn("batch not found yet, requeueing")
			observability.QueueNaksTotal.WithLabelValues("batches", "notfound").Inc()
			o.nak(d, BatchBackoff.Delay(attempt))
			return
		}
		observability.QueueNaksTotal.WithLabelValues("batches", "store").Inc()
		o.nak(d, BatchBackoff.Delay(attempt))
		return
	}

	switch {
	case b.Status.Terminal():
		log.Debug("batch already terminal, dropping job")
		o.settle(d.Ack)
		return
	case b.Status == batch.StatusPaused:
		// Resume republishes the batch job, so this delivery is obsolete.
		log.Info("batch paused, dropping job")
		o.settle(d.Ack)
		return
	}

	moved, err := o.store.TransitionBatch(ctx, batchID,
		[]batch.Status{batch.StatusQueued, batch.StatusScheduled}, batch.StatusProcessing)
	if err != nil {
		o.nak(d, BatchBackoff.Delay(attempt))
		return
	}
	if moved {
		o.emitter.Emit(events.Event{
			Type:     events.TypeBatchStarted,
			TenantID: job.TenantID,
			BatchID:  job.BatchID,
			Module:   b.Module,
		})
	}
	// !moved with status processing means this is a redelivery mid-expansion;
	// carry on and re-expand idempotently.

	cfg, err := o.resolveSendConfig(ctx, b)
	if err != nil {
		log.Error("failed to resolve send config", zap.Error(err))
		o.nak(d, BatchBackoff.Delay(attempt))
		return
	}

	if err := o.expand(ctx, log, job, b, cfg); err != nil {
		o.nak(d, BatchBackoff.Delay(attempt))
		return
	}

	if err := o.consumers.Ensure(ctx, job.TenantID); err != nil {
		// Chunks are durable; redeliver the batch job until the tenant's
		// consumer exists, otherwise nothing drains them.
		observability.QueueNaksTotal.WithLabelValues("batches", "consumer").Inc()
		o.nak(d, BatchBackoff.Delay(attempt))
		return
	}

	o.settle(d.Ack)
	observability.BatchesProcessedTotal.WithLabelValues("expanded").Inc()
}

// resolveSendConfig loads the batch's config, or falls back to the managed
// default email pathway when the batch names none.
func (o *BatchOrchestrator) resolveSendConfig(ctx context.Context, b *batch.Batch) (batch.EmbeddedSendConfig, error) {
	if b.SendConfigID != nil {
		cfg, err := o.store.GetSendConfig(ctx, *b.SendConfigID)
		if err != nil {
			return batch.EmbeddedSendConfig{}, err
		}
		return cfg.Embed(), nil
	}

	raw, _ := json.Marshal(modules.EmailConfig{Service: o.cfg.DefaultEmailService})
	return batch.EmbeddedSendConfig{
		ID:      "managed-default-" + b.ID.String(),
		Module:  "email",
		Service: o.cfg.DefaultEmailService,
		Managed: true,
		Config:  raw,
	}, nil
}

// expand pages through pending recipients, seeds hot state, and publishes
// chunk jobs. Chunk indexes are assigned in recipient order so redelivered
// expansions regenerate identical dedup ids.
func (o *BatchOrchestrator) expand(ctx context.Context, log *zap.Logger, job batch.BatchJob, b *batch.Batch, cfg batch.EmbeddedSendConfig) error {
	batchID := b.ID
	providerMax := modules.LimitsFor(cfg.Service).MaxBatchSize
	chunkSize := batch.ChunkSize(cfg, providerMax)

	var pending []string
	offset := 0
	for {
		page, err := o.store.ListDispatchableRecipientIDs(ctx, batchID, o.cfg.RecipientPageSize, offset)
		if err != nil {
			return err
		}
		pending = append(pending, page...)
		if len(page) < o.cfg.RecipientPageSize {
			break
		}
		offset += len(page)
	}

	if len(pending) == 0 {
		// Only pending and queued recipients are dispatchable, so an empty
		// list means every recipient is already terminal.
		return o.completeEmpty(ctx, log, job, b)
	}

	// Hot state must exist before the first chunk can be consumed.
	if err := o.hot.InitializeBatch(ctx, job.BatchID, pending); err != nil {
		return err
	}

	chunks := batch.ChunkIDs(pending, chunkSize)
	for i, ids := range chunks {
		chunkJob := batch.ChunkJob{
			BatchID:      job.BatchID,
			TenantID:     job.TenantID,
			ChunkIndex:   i,
			RecipientIDs: ids,
			SendConfig:   cfg,
			DryRun:       b.DryRun,
		}
		if err := o.publisher.PublishChunkJob(ctx, chunkJob); err != nil {
			return err
		}
		if err := o.store.MarkRecipientsQueued(ctx, batchID, ids); err != nil {
			return err
		}
		for _, id := range ids {
			o.emitter.Emit(events.Event{
				Type:        events.TypeRecipientQueued,
				TenantID:    job.TenantID,
				BatchID:     job.BatchID,
				RecipientID: id,
				Module:      cfg.Module,
				Service:     cfg.Service,
			})
		}
	}

	o.emitter.Emit(events.Event{
		Type:     events.TypeBatchQueued,
		TenantID: job.TenantID,
		BatchID:  job.BatchID,
		Module:   cfg.Module,
		Service:  cfg.Service,
		Meta: map[string]string{
			"chunks": strconv.Itoa(len(chunks)),
		},
	})

	log.Info("batch expanded",
		zap.Int("recipients", len(pending)),
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", chunkSize))
	return nil
}

// completeEmpty closes out a batch whose recipients are all terminal before
// any chunk was published, e.g. a redelivered batch job after the last chunk
// finished but before the ack landed.
func (o *BatchOrchestrator) completeEmpty(ctx context.Context, log *zap.Logger, job batch.BatchJob, b *batch.Batch) error {
	moved, err := o.store.TransitionBatch(ctx, b.ID,
		[]batch.Status{batch.StatusProcessing, batch.StatusQueued}, batch.StatusCompleted)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}

	if stats, err := o.hot.GetBatchStats(ctx, job.BatchID); err == nil && stats.Total > 0 {
		if err := o.store.UpdateBatchCounters(ctx, b.ID, stats.Sent, stats.Failed); err != nil {
			log.Warn("failed to persist counters on completion", zap.Error(err))
		}
	}

	observability.BatchesProcessedTotal.WithLabelValues("completed").Inc()
	o.emitter.Emit(events.Event{
		Type:     events.TypeBatchCompleted,
		TenantID: job.TenantID,
		BatchID:  job.BatchID,
		Module:   b.Module,
	})
	log.Info("batch completed with no dispatchable recipients")
	return nil
}

func (o *BatchOrchestrator) nak(d natsq.Delivery, delay time.Duration) {
	if err := d.NakWithDelay(delay); err != nil {
		o.logger.Error("failed to nak delivery", zap.Error(err))
	}
}

func (o *BatchOrchestrator) settle(fn func() error) {
	if err := fn(); err != nil {
		o.logger.Error("failed to settle delivery", zap.Error(err))
	}
}
