package batch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sendhub/internal/modules"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientQueued     RecipientStatus = "queued"
	RecipientSent       RecipientStatus = "sent"
	RecipientFailed     RecipientStatus = "failed"
	RecipientBounced    RecipientStatus = "bounced"
	RecipientComplained RecipientStatus = "complained"
)

// Terminal recipients are never reconsidered; retries require an explicit
// re-queue out of band.
func (s RecipientStatus) Terminal() bool {
	switch s {
	case RecipientSent, RecipientFailed, RecipientBounced, RecipientComplained:
		return true
	}
	return false
}

type Batch struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	Name            string          `json:"name"`
	Module          string          `json:"module"`
	SendConfigID    *uuid.UUID      `json:"send_config_id,omitempty"`
	Content         modules.Content `json:"content"`
	TotalRecipients int             `json:"total_recipients"`
	SentCount       int             `json:"sent_count"`
	FailedCount     int             `json:"failed_count"`
	Status          Status          `json:"status"`
	DryRun          bool            `json:"dry_run"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Recipient struct {
	ID                uuid.UUID         `json:"id"`
	BatchID           uuid.UUID         `json:"batch_id"`
	Address           string            `json:"address"`
	Name              string            `json:"name,omitempty"`
	Variables         map[string]string `json:"variables,omitempty"`
	Status            RecipientStatus   `json:"status"`
	ProviderMessageID *string           `json:"provider_message_id,omitempty"`
	ErrorMessage      *string           `json:"error_message,omitempty"`
	SentAt            *time.Time        `json:"sent_at,omitempty"`
}

// RateLimit carries per-config overrides. PerSecond is the deprecated field
// name kept for wire compatibility; RequestsPerSecond wins when both are set.
type RateLimit struct {
	RequestsPerSecond    *int `json:"requestsPerSecond,omitempty"`
	PerSecond            *int `json:"perSecond,omitempty"`
	RecipientsPerRequest *int `json:"recipientsPerRequest,omitempty"`
}

// SendConfig is the tenant-owned module configuration stored durably.
type SendConfig struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	Name      string          `json:"name"`
	Module    string          `json:"module"`
	Service   string          `json:"service"`
	Managed   bool            `json:"managed"`
	Config    json.RawMessage `json:"config"`
	RateLimit RateLimit       `json:"rate_limit"`
	CreatedAt time.Time       `json:"created_at"`
}

// EmbeddedSendConfig is the snapshot embedded into chunk jobs so processing
// never looks the config up; later mutations do not affect in-flight chunks.
type EmbeddedSendConfig struct {
	ID        string          `json:"id"`
	Module    string          `json:"module"`
	Service   string          `json:"service,omitempty"`
	Managed   bool            `json:"managed,omitempty"`
	Config    json.RawMessage `json:"config"`
	RateLimit RateLimit       `json:"rateLimit"`
}

func (c SendConfig) Embed() EmbeddedSendConfig {
	return EmbeddedSendConfig{
		ID:        c.ID.String(),
		Module:    c.Module,
		Service:   c.Service,
		Managed:   c.Managed,
		Config:    c.Config,
		RateLimit: c.RateLimit,
	}
}

// ChunkJob is the unit of work consumed by per-tenant chunk consumers. The
// wire shape must stay stable across rolling upgrades.
type ChunkJob struct {
	BatchID      string             `json:"batchId"`
	TenantID     string             `json:"tenantId"`
	ChunkIndex   int                `json:"chunkIndex"`
	RecipientIDs []string           `json:"recipientIds"`
	SendConfig   EmbeddedSendConfig `json:"sendConfig"`
	DryRun       bool               `json:"dryRun,omitempty"`
}

// DedupID is the broker-visible message id: identical on redelivery of the
// same chunk, unique across distinct (batch, chunkIndex) pairs.
func (j ChunkJob) DedupID() string {
	return ChunkDedupID(j.BatchID, j.ChunkIndex)
}

func ChunkDedupID(batchID string, chunkIndex int) string {
	return fmt.Sprintf("chunk-%s-%d", batchID, chunkIndex)
}

// BatchJob is the payload on the batches stream.
type BatchJob struct {
	BatchID  string `json:"batchId"`
	TenantID string `json:"tenantId"`
}
