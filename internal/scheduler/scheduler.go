package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendhub/internal/batch"
	"sendhub/internal/events"
	"sendhub/internal/hotstate"
	"sendhub/internal/observability"
)

// Store is the durable-mirror surface the scheduler needs.
type Store interface {
	DueScheduledBatches(ctx context.Context, now time.Time, limit int) ([]*batch.Batch, error)
	StuckProcessingBatches(ctx context.Context, olderThan time.Time, limit int) ([]*batch.Batch, error)
	TransitionBatch(ctx context.Context, id uuid.UUID, from []batch.Status, to batch.Status) (bool, error)
	UpdateBatchCounters(ctx context.Context, id uuid.UUID, sent, failed int) error
	CountRecipientsByStatus(ctx context.Context, batchID uuid.UUID) (map[batch.RecipientStatus]int, error)
}

// HotState is the hot-state surface for stuck recovery.
type HotState interface {
	GetBatchStats(ctx context.Context, batchID string) (hotstate.Stats, error)
	MarkCompleted(ctx context.Context, batchID string) error
}

// Publisher re-enqueues batch jobs.
type Publisher interface {
	PublishBatchJob(ctx context.Context, job batch.BatchJob) error
}

// Emitter records analytics events.
type Emitter interface {
	Emit(e events.Event)
}

type Config struct {
	Interval       time.Duration
	StuckThreshold time.Duration
	PageSize       int
}

// Scheduler promotes due scheduled batches onto the queue and recovers
// batches stuck in processing. Both passes are idempotent: the conditional
// transition means concurrent schedulers race harmlessly, and re-published
// batch jobs re-expand without duplicating sends.
type Scheduler struct {
	cfg       Config
	store     Store
	hot       HotState
	publisher Publisher
	emitter   Emitter
	logger    *zap.Logger
}

func New(cfg Config, store Store, hot HotState, publisher Publisher, emitter Emitter, logger *zap.Logger) *Scheduler {
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		hot:       hot,
		publisher: publisher,
		emitter:   emitter,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduler running",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("stuck_threshold", s.cfg.StuckThreshold))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.promoteDue(ctx)
			s.recoverStuck(ctx)
		}
	}
}

// promoteDue moves scheduled batches whose time has come onto the queue.
func (s *Scheduler) promoteDue(ctx context.Context) {
	due, err := s.store.DueScheduledBatches(ctx, time.Now(), s.cfg.PageSize)
	if err != nil {
		s.logger.Error("failed to list due batches", zap.Error(err))
		return
	}

	for _, b := range due {
		moved, err := s.store.TransitionBatch(ctx, b.ID,
			[]batch.Status{batch.StatusScheduled}, batch.StatusQueued)
		if err != nil || !moved {
			// Another scheduler instance won the race.
			continue
		}

		job := batch.BatchJob{BatchID: b.ID.String(), TenantID: b.TenantID.String()}
		if err := s.publisher.PublishBatchJob(ctx, job); err != nil {
			// The batch sits in queued until stuck recovery or a manual
			// resume republishes it; never roll back to scheduled.
			s.logger.Error("failed to publish due batch",
				zap.String("batch_id", b.ID.String()),
				zap.Error(err))
			continue
		}

		s.emitter.Emit(events.Event{
			Type:     events.TypeBatchQueued,
			TenantID: b.TenantID.String(),
			BatchID:  b.ID.String(),
			Module:   b.Module,
		})
		s.logger.Info("promoted scheduled batch", zap.String("batch_id", b.ID.String()))
	}
}

// recoverStuck handles batches that stopped making progress: if every
// recipient is terminal the batch is force-completed, otherwise the batch
// job is republished so expansion resumes.
func (s *Scheduler) recoverStuck(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.StuckThreshold)
	stuck, err := s.store.StuckProcessingBatches(ctx, cutoff, s.cfg.PageSize)
	if err != nil {
		s.logger.Error("failed to list stuck batches", zap.Error(err))
		return
	}

	for _, b := range stuck {
		log := s.logger.With(zap.String("batch_id", b.ID.String()))

		sent, failed, allTerminal := s.progressOf(ctx, b)
		if allTerminal {
			moved, err := s.store.TransitionBatch(ctx, b.ID,
				[]batch.Status{batch.StatusProcessing}, batch.StatusCompleted)
			if err != nil || !moved {
				continue
			}
			if err := s.store.UpdateBatchCounters(ctx, b.ID, sent, failed); err != nil {
				log.Warn("failed to persist recovered counters", zap.Error(err))
			}
			if err := s.hot.MarkCompleted(ctx, b.ID.String()); err != nil {
				log.Debug("failed to shorten hot state ttl", zap.Error(err))
			}
			observability.BatchesProcessedTotal.WithLabelValues("recovered").Inc()
			s.emitter.Emit(events.Event{
				Type:     events.TypeBatchCompleted,
				TenantID: b.TenantID.String(),
				BatchID:  b.ID.String(),
				Module:   b.Module,
			})
			log.Info("force-completed stuck batch", zap.Int("sent", sent), zap.Int("failed", failed))
			continue
		}

		// Work remains but nothing is consuming it; re-run the expansion.
		// Chunk dedup ids make a second expansion safe inside the dedup
		// window, and terminal-state checks make it safe outside it.
		moved, err := s.store.TransitionBatch(ctx, b.ID,
			[]batch.Status{batch.StatusProcessing}, batch.StatusQueued)
		if err != nil || !moved {
			continue
		}
		job := batch.BatchJob{BatchID: b.ID.String(), TenantID: b.TenantID.String()}
		if err := s.publisher.PublishBatchJob(ctx, job); err != nil {
			log.Error("failed to republish stuck batch", zap.Error(err))
			continue
		}
		log.Warn("requeued stuck batch")
	}
}

// progressOf prefers hot-state counts and falls back to the durable mirror
// when hot state has expired or is unavailable.
func (s *Scheduler) progressOf(ctx context.Context, b *batch.Batch) (sent, failed int, allTerminal bool) {
	stats, err := s.hot.GetBatchStats(ctx, b.ID.String())
	if err == nil && stats.Total > 0 {
		return stats.Sent, stats.Failed, stats.Sent+stats.Failed >= b.TotalRecipients
	}

	counts, err := s.store.CountRecipientsByStatus(ctx, b.ID)
	if err != nil {
		return 0, 0, false
	}
	terminal := 0
	for status, n := range counts {
		switch status {
		case batch.RecipientSent:
			sent += n
			terminal += n
		case batch.RecipientFailed, batch.RecipientBounced, batch.RecipientComplained:
			failed += n
			terminal += n
		}
	}
	return sent, failed, terminal >= b.TotalRecipients
}
