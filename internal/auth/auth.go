package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"sendhub/internal/persistence"
)

type Tenant struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// apiKey rows carry a public key id and a bcrypt hash of the secret half.
// Presented keys look like "<keyID>.<secret>" so lookup is by key id and
// only one bcrypt comparison runs per request.
type apiKey struct {
	KeyID      string
	SecretHash string
	TenantID   uuid.UUID
	TenantName string
	Revoked    bool
}

type Service struct {
	db     *persistence.PostgresDB
	logger *zap.Logger
}

func NewService(db *persistence.PostgresDB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// CreateAPIKey mints a key for a tenant and returns the presentable secret.
// The secret is shown once; only its hash is stored.
func (s *Service) CreateAPIKey(ctx context.Context, tenantID uuid.UUID) (string, error) {
	keyID := uuid.NewString()
	secret := uuid.NewString()

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, secret_hash, tenant_id)
		VALUES ($1, $2, $3)`,
		keyID, string(hash), tenantID)
	if err != nil {
		return "", fmt.Errorf("failed to insert api key: %w", err)
	}

	return keyID + "." + secret, nil
}

// Authenticate resolves a presented key to its tenant.
func (s *Service) Authenticate(ctx context.Context, presented string) (*Tenant, error) {
	keyID, secret, ok := strings.Cut(presented, ".")
	if !ok || keyID == "" || secret == "" {
		return nil, fmt.Errorf("malformed api key")
	}

	var k apiKey
	err := s.db.QueryRowContext(ctx, `
		SELECT k.key_id, k.secret_hash, k.tenant_id, k.revoked, t.name
		FROM api_keys k
		JOIN tenants t ON t.id = k.tenant_id
		WHERE k.key_id = $1`,
		keyID).Scan(&k.KeyID, &k.SecretHash, &k.TenantID, &k.Revoked, &k.TenantName)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown api key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	if k.Revoked {
		return nil, fmt.Errorf("api key revoked")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(k.SecretHash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("invalid api key")
	}

	return &Tenant{ID: k.TenantID, Name: k.TenantName}, nil
}

// RequireAPIKey is the Fiber middleware guarding tenant routes.
func (s *Service) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		presented := c.Get("X-API-Key")
		if presented == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing API key",
			})
		}

		tenant, err := s.Authenticate(c.Context(), presented)
		if err != nil {
			s.logger.Debug("authentication failed", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid API key",
			})
		}

		c.Locals("tenant", tenant)
		return c.Next()
	}
}

// TenantFromContext returns the authenticated tenant set by RequireAPIKey.
func TenantFromContext(c *fiber.Ctx) (*Tenant, error) {
	tenant, ok := c.Locals("tenant").(*Tenant)
	if !ok {
		return nil, fmt.Errorf("tenant not found in context")
	}
	return tenant, nil
}
