package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"sendhub/internal/apperr"
	"sendhub/internal/persistence"
)

// Store is the durable mirror. During processing the hot state is
// authoritative; this lags by up to the sync interval.
type Store struct {
	db     *persistence.PostgresDB
	logger *zap.Logger
}

func NewStore(db *persistence.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) CreateBatch(ctx context.Context, b *Batch, recipients []Recipient) error {
	content, err := json.Marshal(b.Content)
	if err != nil {
		return fmt.Errorf("failed to encode batch content: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, tenant_id, name, module, send_config_id, content, total_recipients,
			sent_count, failed_count, status, dry_run, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, $9, $10, $11, $11)`,
		b.ID, b.TenantID, b.Name, b.Module, b.SendConfigID, content, b.TotalRecipients,
		b.Status, b.DryRun, b.ScheduledAt, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("recipients",
		"id", "batch_id", "address", "name", "variables", "status"))
	if err != nil {
		return fmt.Errorf("failed to prepare recipient copy: %w", err)
	}

	for _, r := range recipients {
		vars, err := json.Marshal(r.Variables)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("failed to encode recipient variables: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, b.ID, r.Address, r.Name, string(vars), string(RecipientPending)); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy recipient: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush recipient copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close recipient copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	s.logger.Info("batch created",
		zap.String("batch_id", b.ID.String()),
		zap.String("tenant_id", b.TenantID.String()),
		zap.Int("recipients", b.TotalRecipients))
	return nil
}

const batchColumns = `id, tenant_id, name, module, send_config_id, content, total_recipients,
	sent_count, failed_count, status, dry_run, scheduled_at, started_at, completed_at, created_at, updated_at`

func (s *Store) scanBatch(row interface{ Scan(...any) error }) (*Batch, error) {
	var b Batch
	var content []byte
	err := row.Scan(&b.ID, &b.TenantID, &b.Name, &b.Module, &b.SendConfigID, &content,
		&b.TotalRecipients, &b.SentCount, &b.FailedCount, &b.Status, &b.DryRun,
		&b.ScheduledAt, &b.StartedAt, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "batch not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &b.Content); err != nil {
			return nil, fmt.Errorf("failed to decode batch content: %w", err)
		}
	}
	return &b, nil
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	return s.scanBatch(row)
}

func (s *Store) GetBatchForTenant(ctx context.Context, id, tenantID uuid.UUID) (*Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return s.scanBatch(row)
}

// TransitionBatch moves a batch between states with a conditional update so
// concurrent transitions cannot race. Returns false when the batch was not in
// any of the from states.
func (s *Store) TransitionBatch(ctx context.Context, id uuid.UUID, from []Status, to Status) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	query := `UPDATE batches SET status = $2, updated_at = NOW()`
	switch to {
	case StatusProcessing:
		query += `, started_at = COALESCE(started_at, NOW())`
	case StatusCompleted, StatusFailed, StatusCancelled:
		query += `, completed_at = COALESCE(completed_at, NOW())`
	}
	query += ` WHERE id = $1 AND status = ANY($3)`

	res, err := s.db.ExecContext(ctx, query, id, to, pq.Array(fromStrs))
	if err != nil {
		return false, fmt.Errorf("failed to transition batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) UpdateBatchCounters(ctx context.Context, id uuid.UUID, sent, failed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET sent_count = $2, failed_count = $3, updated_at = NOW() WHERE id = $1`,
		id, sent, failed)
	if err != nil {
		return fmt.Errorf("failed to update batch counters: %w", err)
	}
	return nil
}

// ListDispatchableRecipientIDs pages through recipients that still need a
// chunk: pending plus queued, ordered by insertion. Including queued rows
// keeps re-expansion deterministic, so a redelivered batch job regenerates
// the exact same chunks and dedup ids.
func (s *Store) ListDispatchableRecipientIDs(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM recipients
		WHERE batch_id = $1 AND status = ANY($2)
		ORDER BY seq
		LIMIT $3 OFFSET $4`,
		batchID, pq.Array([]string{string(RecipientPending), string(RecipientQueued)}), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending recipients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan recipient id: %w", err)
		}
		ids = append(ids, id.String())
	}
	return ids, rows.Err()
}

func (s *Store) MarkRecipientsQueued(ctx context.Context, batchID uuid.UUID, ids []string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipients SET status = $3
		WHERE batch_id = $1 AND id = ANY($2::uuid[]) AND status = $4`,
		batchID, pq.Array(ids), RecipientQueued, RecipientPending)
	if err != nil {
		return fmt.Errorf("failed to mark recipients queued: %w", err)
	}
	return nil
}

// LoadRecipients returns the payloads for the given ids in the given order.
func (s *Store) LoadRecipients(ctx context.Context, batchID uuid.UUID, ids []string) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, address, name, variables, status, provider_message_id, error_message, sent_at
		FROM recipients
		WHERE batch_id = $1 AND id = ANY($2::uuid[])`,
		batchID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Recipient, len(ids))
	for rows.Next() {
		var r Recipient
		var vars []byte
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Address, &r.Name, &vars, &r.Status,
			&r.ProviderMessageID, &r.ErrorMessage, &r.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		if len(vars) > 0 {
			if err := json.Unmarshal(vars, &r.Variables); err != nil {
				return nil, fmt.Errorf("failed to decode recipient variables: %w", err)
			}
		}
		byID[r.ID.String()] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ApplyRecipientState projects a hot-state snapshot onto the durable row.
// Terminal rows are left alone so the mirror never regresses.
func (s *Store) ApplyRecipientState(ctx context.Context, batchID uuid.UUID, id string, status RecipientStatus, providerMessageID, errorMessage *string, sentAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipients
		SET status = $3,
			provider_message_id = COALESCE($4, provider_message_id),
			error_message = $5,
			sent_at = COALESCE($6, sent_at)
		WHERE batch_id = $1 AND id = $2 AND status NOT IN ('sent', 'failed', 'bounced', 'complained')`,
		batchID, id, status, providerMessageID, errorMessage, sentAt)
	if err != nil {
		return fmt.Errorf("failed to apply recipient state: %w", err)
	}
	return nil
}

// CountRecipientsByStatus returns recipient counts grouped by status.
func (s *Store) CountRecipientsByStatus(ctx context.Context, batchID uuid.UUID) (map[RecipientStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM recipients WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count recipients: %w", err)
	}
	defer rows.Close()

	counts := make(map[RecipientStatus]int)
	for rows.Next() {
		var st RecipientStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan recipient count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// ApplyProviderEvent upgrades a sent recipient on asynchronous provider
// feedback (bounce, complaint). Only sent rows move; feedback never
// resurrects a failed or already-upgraded recipient.
func (s *Store) ApplyProviderEvent(ctx context.Context, batchID uuid.UUID, id string, status RecipientStatus, errorMessage *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipients
		SET status = $3, error_message = COALESCE($4, error_message)
		WHERE batch_id = $1 AND id = $2 AND status = 'sent'`,
		batchID, id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to apply provider event: %w", err)
	}
	return nil
}

func (s *Store) CreateSendConfig(ctx context.Context, c *SendConfig) error {
	rateLimit, err := json.Marshal(c.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to encode rate limit: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO send_configs (id, tenant_id, name, module, service, managed, config, rate_limit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.TenantID, c.Name, c.Module, c.Service, c.Managed, []byte(c.Config), rateLimit, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert send config: %w", err)
	}
	return nil
}

// GetSendConfigForTenant scopes the lookup to the owning tenant.
func (s *Store) GetSendConfigForTenant(ctx context.Context, id, tenantID uuid.UUID) (*SendConfig, error) {
	cfg, err := s.GetSendConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg.TenantID != tenantID {
		return nil, apperr.New(apperr.NotFound, "send config not found", nil)
	}
	return cfg, nil
}

func (s *Store) GetSendConfig(ctx context.Context, id uuid.UUID) (*SendConfig, error) {
	var c SendConfig
	var rateLimit []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, module, service, managed, config, rate_limit, created_at
		FROM send_configs WHERE id = $1`, id).Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Module, &c.Service, &c.Managed, &c.Config, &rateLimit, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "send config not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get send config: %w", err)
	}
	if len(rateLimit) > 0 {
		if err := json.Unmarshal(rateLimit, &c.RateLimit); err != nil {
			return nil, fmt.Errorf("failed to decode rate limit: %w", err)
		}
	}
	return &c, nil
}

// DueScheduledBatches returns scheduled batches whose scheduled_at has
// passed, oldest first.
func (s *Store) DueScheduledBatches(ctx context.Context, now time.Time, limit int) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at
		LIMIT $3`,
		StatusScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due batches: %w", err)
	}
	defer rows.Close()
	return s.collectBatches(rows)
}

// StuckProcessingBatches returns processing batches whose last update is
// older than the threshold.
func (s *Store) StuckProcessingBatches(ctx context.Context, olderThan time.Time, limit int) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`,
		StatusProcessing, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck batches: %w", err)
	}
	defer rows.Close()
	return s.collectBatches(rows)
}

func (s *Store) collectBatches(rows *sql.Rows) ([]*Batch, error) {
	var batches []*Batch
	for rows.Next() {
		b, err := s.scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
