package syncer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendhub/internal/batch"
	"sendhub/internal/hotstate"
)

// HotState is the hot-state surface the syncer drains.
type HotState interface {
	DirtyBatches(ctx context.Context) ([]string, error)
	RequeueDirty(ctx context.Context, batchID string) error
	RecipientStates(ctx context.Context, batchID string) (map[string]hotstate.RecipientState, error)
	GetBatchStats(ctx context.Context, batchID string) (hotstate.Stats, error)
}

// Store is the durable mirror the syncer writes through to.
type Store interface {
	ApplyRecipientState(ctx context.Context, batchID uuid.UUID, id string, status batch.RecipientStatus, providerMessageID, errorMessage *string, sentAt *time.Time) error
	UpdateBatchCounters(ctx context.Context, id uuid.UUID, sent, failed int) error
}

// Syncer periodically copies hot-state deltas into Postgres. The dirty set
// is popped before reading states: anything recorded after the pop re-adds
// the batch, and a failed apply re-adds it too, so deltas survive crashes at
// the cost of occasionally re-syncing a batch.
type Syncer struct {
	hot      HotState
	store    Store
	logger   *zap.Logger
	interval time.Duration
}

func New(hot HotState, store Store, interval time.Duration, logger *zap.Logger) *Syncer {
	return &Syncer{hot: hot, store: store, logger: logger, interval: interval}
}

// Run sweeps once at startup, then on every tick, then once more during
// shutdown so the mirror is as fresh as possible when the process exits.
func (s *Syncer) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.sweep(context.Background())
			s.logger.Info("syncer stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Syncer) sweep(ctx context.Context) {
	dirty, err := s.hot.DirtyBatches(ctx)
	if err != nil {
		s.logger.Warn("failed to pop dirty set", zap.Error(err))
		return
	}

	for _, id := range dirty {
		if err := s.syncBatch(ctx, id); err != nil {
			s.logger.Error("batch sync failed, requeueing",
				zap.String("batch_id", id),
				zap.Error(err))
			if err := s.hot.RequeueDirty(ctx, id); err != nil {
				s.logger.Error("failed to requeue dirty batch", zap.Error(err))
			}
		}
	}
}

func (s *Syncer) syncBatch(ctx context.Context, id string) error {
	batchID, err := uuid.Parse(id)
	if err != nil {
		// Garbage in the dirty set; dropping it is the only option.
		s.logger.Error("invalid batch id in dirty set", zap.String("batch_id", id))
		return nil
	}

	states, err := s.hot.RecipientStates(ctx, id)
	if err != nil {
		return err
	}

	applied := 0
	for recipientID, st := range states {
		if !st.Terminal() {
			continue
		}

		var providerMessageID, errorMessage *string
		var sentAt *time.Time
		if st.ProviderMessageID != "" {
			providerMessageID = &st.ProviderMessageID
		}
		if st.ErrorMessage != "" {
			errorMessage = &st.ErrorMessage
		}
		if st.SentAt > 0 {
			t := time.UnixMilli(st.SentAt).UTC()
			sentAt = &t
		}

		if err := s.store.ApplyRecipientState(ctx, batchID, recipientID,
			batch.RecipientStatus(st.Status), providerMessageID, errorMessage, sentAt); err != nil {
			return err
		}
		applied++
	}

	stats, err := s.hot.GetBatchStats(ctx, id)
	if err == nil {
		if err := s.store.UpdateBatchCounters(ctx, batchID, stats.Sent, stats.Failed); err != nil {
			return err
		}
	}

	s.logger.Debug("synced batch",
		zap.String("batch_id", id),
		zap.Int("recipients", applied))
	return nil
}
