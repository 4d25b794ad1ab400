package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendhub/internal/apperr"
	"sendhub/internal/auth"
	"sendhub/internal/batch"
	"sendhub/internal/config"
	"sendhub/internal/events"
	"sendhub/internal/hotstate"
	"sendhub/internal/modules"
	"sendhub/internal/providerevents"
)

// Store is the durable-mirror surface the API uses.
type Store interface {
	CreateBatch(ctx context.Context, b *batch.Batch, recipients []batch.Recipient) error
	GetBatchForTenant(ctx context.Context, id, tenantID uuid.UUID) (*batch.Batch, error)
	TransitionBatch(ctx context.Context, id uuid.UUID, from []batch.Status, to batch.Status) (bool, error)
	CreateSendConfig(ctx context.Context, c *batch.SendConfig) error
	GetSendConfigForTenant(ctx context.Context, id, tenantID uuid.UUID) (*batch.SendConfig, error)
	ApplyProviderEvent(ctx context.Context, batchID uuid.UUID, id string, status batch.RecipientStatus, errorMessage *string) error
	Health(ctx context.Context) error
}

// HotState is the hot-state surface the API reads.
type HotState interface {
	GetBatchStats(ctx context.Context, batchID string) (hotstate.Stats, error)
	LookupProviderMessage(ctx context.Context, providerMessageID string) (batchID, recipientID string, err error)
	Health(ctx context.Context) error
}

// Publisher enqueues batch jobs.
type Publisher interface {
	PublishBatchJob(ctx context.Context, job batch.BatchJob) error
	HealthCheck(ctx context.Context) error
}

// Deduper suppresses replayed provider events.
type Deduper interface {
	Seen(ctx context.Context, e providerevents.NormalizedEvent) bool
}

// Emitter records analytics events.
type Emitter interface {
	Emit(e events.Event)
}

type Handlers struct {
	cfg      *config.Config
	store    Store
	hot      HotState
	queue    Publisher
	registry *modules.Registry
	dedup    Deduper
	emitter  Emitter
	logger   *zap.Logger
}

func NewHandlers(
	cfg *config.Config,
	store Store,
	hot HotState,
	queue Publisher,
	registry *modules.Registry,
	dedup Deduper,
	emitter Emitter,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		cfg:      cfg,
		store:    store,
		hot:      hot,
		queue:    queue,
		registry: registry,
		dedup:    dedup,
		emitter:  emitter,
		logger:   logger,
	}
}

func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := fiber.Map{}
	healthy := true

	if err := h.store.Health(ctx); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	} else {
		checks["postgres"] = "ok"
	}
	if err := h.hot.Health(ctx); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}
	if err := h.queue.HealthCheck(ctx); err != nil {
		checks["nats"] = err.Error()
		healthy = false
	} else {
		checks["nats"] = "ok"
	}

	status := fiber.StatusOK
	if !healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"checks": checks})
}

type recipientInput struct {
	Address   string            `json:"address"`
	Name      string            `json:"name,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

type createBatchRequest struct {
	Name         string           `json:"name"`
	Module       string           `json:"module"`
	Content      modules.Content  `json:"content"`
	SendConfigID *uuid.UUID       `json:"sendConfigId,omitempty"`
	Recipients   []recipientInput `json:"recipients"`
	ScheduledAt  *time.Time       `json:"scheduledAt,omitempty"`
	DryRun       bool             `json:"dryRun,omitempty"`
}

// CreateBatch stores the batch and its recipients durably. Nothing is
// dispatched until /send (or the scheduler, for scheduled batches).
func (h *Handlers) CreateBatch(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return unauthorized(c)
	}

	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if req.Module == "" {
		return badRequest(c, "module is required")
	}
	mod, err := h.registry.Get(req.Module)
	if err != nil {
		return badRequest(c, "unknown module: "+req.Module)
	}
	if len(req.Recipients) == 0 {
		return badRequest(c, "at least one recipient is required")
	}
	if len(req.Recipients) > h.cfg.MaxBatchSize {
		return badRequest(c, "too many recipients")
	}

	var sendConfigID *uuid.UUID
	if req.SendConfigID != nil {
		cfg, err := h.store.GetSendConfigForTenant(c.Context(), *req.SendConfigID, tenant.ID)
		if err != nil {
			return badRequest(c, "send config not found")
		}
		if cfg.Module != req.Module {
			return badRequest(c, "send config module does not match batch module")
		}
		sendConfigID = req.SendConfigID
	}

	recipients := make([]batch.Recipient, 0, len(req.Recipients))
	for i, in := range req.Recipients {
		payload := modules.Payload{Address: in.Address, Name: in.Name, Variables: in.Variables}
		if v := mod.ValidatePayload(payload); !v.Valid {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":           "invalid recipient",
				"recipient_index": i,
				"details":         v.Errors,
			})
		}
		recipients = append(recipients, batch.Recipient{
			ID:        uuid.New(),
			Address:   in.Address,
			Name:      in.Name,
			Variables: in.Variables,
			Status:    batch.RecipientPending,
		})
	}

	status := batch.StatusDraft
	if req.ScheduledAt != nil && req.ScheduledAt.After(time.Now()) {
		status = batch.StatusScheduled
	}

	b := &batch.Batch{
		ID:              uuid.New(),
		TenantID:        tenant.ID,
		Name:            req.Name,
		Module:          req.Module,
		SendConfigID:    sendConfigID,
		Content:         req.Content,
		TotalRecipients: len(recipients),
		Status:          status,
		DryRun:          req.DryRun,
		ScheduledAt:     req.ScheduledAt,
		CreatedAt:       time.Now().UTC(),
	}
	for i := range recipients {
		recipients[i].BatchID = b.ID
	}

	if err := h.store.CreateBatch(c.Context(), b, recipients); err != nil {
		h.logger.Error("failed to create batch", zap.Error(err))
		return internalError(c)
	}

	return c.Status(fiber.StatusCreated).JSON(b)
}

// SendBatch moves a draft (or scheduled) batch onto the queue. Publishing
// carries a stable message id, so retrying /send never double-queues inside
// the dedup window.
func (h *Handlers) SendBatch(c *fiber.Ctx) error {
	tenant, b, err := h.loadBatch(c)
	if err != nil {
		return err
	}

	if b.Status.Terminal() {
		return conflict(c, "batch is already "+string(b.Status))
	}

	moved, err := h.store.TransitionBatch(c.Context(), b.ID,
		[]batch.Status{batch.StatusDraft, batch.StatusScheduled}, batch.StatusQueued)
	if err != nil {
		h.logger.Error("failed to queue batch", zap.Error(err))
		return internalError(c)
	}
	if !moved && b.Status != batch.StatusQueued {
		return conflict(c, "batch cannot be sent from status "+string(b.Status))
	}

	job := batch.BatchJob{BatchID: b.ID.String(), TenantID: tenant.ID.String()}
	if err := h.queue.PublishBatchJob(c.Context(), job); err != nil {
		h.logger.Error("failed to publish batch job", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "queue unavailable, retry send",
		})
	}

	h.emitter.Emit(events.Event{
		Type:     events.TypeBatchQueued,
		TenantID: tenant.ID.String(),
		BatchID:  b.ID.String(),
		Module:   b.Module,
	})

	return c.JSON(fiber.Map{"id": b.ID, "status": batch.StatusQueued})
}

// GetBatch returns the batch with live counters merged from hot state while
// the batch is active.
func (h *Handlers) GetBatch(c *fiber.Ctx) error {
	_, b, err := h.loadBatch(c)
	if err != nil {
		return err
	}

	sent, failed := b.SentCount, b.FailedCount
	if !b.Status.Terminal() {
		if stats, err := h.hot.GetBatchStats(c.Context(), b.ID.String()); err == nil && stats.Total > 0 {
			sent, failed = stats.Sent, stats.Failed
		}
	}

	return c.JSON(fiber.Map{
		"batch":  b,
		"sent":   sent,
		"failed": failed,
	})
}

func (h *Handlers) PauseBatch(c *fiber.Ctx) error {
	_, b, err := h.loadBatch(c)
	if err != nil {
		return err
	}

	moved, err := h.store.TransitionBatch(c.Context(), b.ID,
		[]batch.Status{batch.StatusQueued, batch.StatusProcessing}, batch.StatusPaused)
	if err != nil {
		return internalError(c)
	}
	if !moved {
		return conflict(c, "batch cannot be paused from status "+string(b.Status))
	}
	return c.JSON(fiber.Map{"id": b.ID, "status": batch.StatusPaused})
}

func (h *Handlers) ResumeBatch(c *fiber.Ctx) error {
	tenant, b, err := h.loadBatch(c)
	if err != nil {
		return err
	}

	moved, err := h.store.TransitionBatch(c.Context(), b.ID,
		[]batch.Status{batch.StatusPaused}, batch.StatusQueued)
	if err != nil {
		return internalError(c)
	}
	if !moved {
		return conflict(c, "batch cannot be resumed from status "+string(b.Status))
	}

	job := batch.BatchJob{BatchID: b.ID.String(), TenantID: tenant.ID.String()}
	if err := h.queue.PublishBatchJob(c.Context(), job); err != nil {
		h.logger.Error("failed to republish resumed batch", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "queue unavailable, retry resume",
		})
	}
	return c.JSON(fiber.Map{"id": b.ID, "status": batch.StatusQueued})
}

// CancelBatch stops further dispatch. Recipients already handed to a
// provider stay sent; pending work is dropped by chunk consumers observing
// the cancelled status.
func (h *Handlers) CancelBatch(c *fiber.Ctx) error {
	tenant, b, err := h.loadBatch(c)
	if err != nil {
		return err
	}

	moved, err := h.store.TransitionBatch(c.Context(), b.ID,
		[]batch.Status{batch.StatusDraft, batch.StatusScheduled, batch.StatusQueued, batch.StatusProcessing, batch.StatusPaused},
		batch.StatusCancelled)
	if err != nil {
		return internalError(c)
	}
	if !moved {
		return conflict(c, "batch is already "+string(b.Status))
	}

	h.emitter.Emit(events.Event{
		Type:     events.TypeBatchCancelled,
		TenantID: tenant.ID.String(),
		BatchID:  b.ID.String(),
		Module:   b.Module,
	})
	return c.JSON(fiber.Map{"id": b.ID, "status": batch.StatusCancelled})
}

type createSendConfigRequest struct {
	Name      string          `json:"name"`
	Module    string          `json:"module"`
	Service   string          `json:"service"`
	Managed   bool            `json:"managed,omitempty"`
	Config    json.RawMessage `json:"config"`
	RateLimit batch.RateLimit `json:"rateLimit,omitempty"`
}

func (h *Handlers) CreateSendConfig(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return unauthorized(c)
	}

	var req createSendConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	mod, err := h.registry.Get(req.Module)
	if err != nil {
		return badRequest(c, "unknown module: "+req.Module)
	}
	if v := mod.ValidateConfig(req.Config); !v.Valid {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid module config",
			"details": v.Errors,
		})
	}

	cfg := &batch.SendConfig{
		ID:        uuid.New(),
		TenantID:  tenant.ID,
		Name:      req.Name,
		Module:    req.Module,
		Service:   req.Service,
		Managed:   req.Managed,
		Config:    req.Config,
		RateLimit: req.RateLimit,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateSendConfig(c.Context(), cfg); err != nil {
		h.logger.Error("failed to create send config", zap.Error(err))
		return internalError(c)
	}
	return c.Status(fiber.StatusCreated).JSON(cfg)
}

func (h *Handlers) GetSendConfig(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return unauthorized(c)
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid send config id")
	}

	cfg, err := h.store.GetSendConfigForTenant(c.Context(), id, tenant.ID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return notFound(c, "send config not found")
		}
		return internalError(c)
	}
	return c.JSON(cfg)
}

// ProviderEvents ingests asynchronous provider callbacks (bounces,
// complaints, delivery confirmations), normalizes them, and projects status
// upgrades onto the durable mirror.
func (h *Handlers) ProviderEvents(c *fiber.Ctx) error {
	provider := c.Params("provider")

	evt, ok := providerevents.Parse(provider, c.Body())
	if !ok {
		// Unparseable callbacks are acknowledged so providers stop
		// retrying them; the raw type is logged for diagnosis.
		h.logger.Warn("unparseable provider event", zap.String("provider", provider))
		return c.SendStatus(fiber.StatusOK)
	}

	if h.dedup.Seen(c.Context(), evt) {
		return c.SendStatus(fiber.StatusOK)
	}

	batchID, recipientID, err := h.hot.LookupProviderMessage(c.Context(), evt.ProviderMessageID)
	if err != nil || batchID == "" {
		// Nothing to correlate; still worth emitting for analytics.
		h.emitEvent(evt, "", "")
		return c.SendStatus(fiber.StatusOK)
	}

	if status := providerevents.RecipientStatusFor(evt.Type); status != "" {
		if id, err := uuid.Parse(batchID); err == nil {
			reason := string(evt.Type)
			if err := h.store.ApplyProviderEvent(c.Context(), id, recipientID,
				batch.RecipientStatus(status), &reason); err != nil {
				h.logger.Error("failed to apply provider event", zap.Error(err))
			}
		}
	}

	h.emitEvent(evt, batchID, recipientID)
	return c.SendStatus(fiber.StatusOK)
}

func (h *Handlers) emitEvent(evt providerevents.NormalizedEvent, batchID, recipientID string) {
	h.emitter.Emit(events.Event{
		Type:        events.TypeProviderEvent,
		BatchID:     batchID,
		RecipientID: recipientID,
		Service:     evt.Provider,
		Meta: map[string]string{
			"event_type": string(evt.Type),
			"raw_type":   evt.RawType,
			"message_id": evt.ProviderMessageID,
		},
	})
}

// loadBatch resolves the :id path param against the authenticated tenant.
func (h *Handlers) loadBatch(c *fiber.Ctx) (*auth.Tenant, *batch.Batch, error) {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return nil, nil, unauthorized(c)
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, nil, badRequest(c, "invalid batch id")
	}

	b, err := h.store.GetBatchForTenant(c.Context(), id, tenant.ID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return nil, nil, notFound(c, "batch not found")
		}
		h.logger.Error("failed to load batch", zap.Error(err))
		return nil, nil, internalError(c)
	}
	return tenant, b, nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func notFound(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": msg})
}

func conflict(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": msg})
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
}

func internalError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
