package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RFC-lite: one @, no whitespace, a dot in the domain. Full RFC 5322 parsing
// is the provider's problem.
var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var emailServices = map[string]bool{"ses": true, "resend": true, "mock": true}

// EmailConfig is the opaque module config carried in a send config.
type EmailConfig struct {
	Service   string `json:"service"`
	FromEmail string `json:"from_email,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
}

// EmailSender is the transport boundary. Concrete SES/Resend adapters live
// behind it; the default is a mock transport.
type EmailSender interface {
	SendBatch(ctx context.Context, service string, emails []OutboundEmail) ([]SendOutcome, error)
}

type OutboundEmail struct {
	RecipientID string
	To          string
	From        string
	Subject     string
	HTML        string
	Text        string
}

type SendOutcome struct {
	RecipientID       string
	ProviderMessageID string
	Err               error
}

type EmailModule struct {
	logger *zap.Logger
	sender EmailSender
}

func NewEmailModule(logger *zap.Logger, sender EmailSender) *EmailModule {
	if sender == nil {
		sender = &mockEmailSender{}
	}
	return &EmailModule{logger: logger, sender: sender}
}

func (m *EmailModule) Kind() string        { return "email" }
func (m *EmailModule) SupportsBatch() bool { return true }

func (m *EmailModule) ValidateConfig(raw json.RawMessage) ValidationResult {
	var cfg EmailConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return invalid("config is not valid JSON")
	}

	var errs []string
	if !emailServices[cfg.Service] {
		errs = append(errs, fmt.Sprintf("unsupported email service %q", cfg.Service))
	}
	if cfg.FromEmail != "" && !emailRegex.MatchString(cfg.FromEmail) {
		errs = append(errs, "from_email is not a valid email address")
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return valid()
}

func (m *EmailModule) ValidatePayload(p Payload) ValidationResult {
	if !emailRegex.MatchString(p.Address) {
		return invalid(fmt.Sprintf("%q is not a valid email address", p.Address))
	}
	return valid()
}

func (m *EmailModule) Execute(ctx context.Context, p Payload, raw json.RawMessage, content Content) Result {
	results := m.ExecuteBatch(ctx, []Payload{p}, raw, content)
	if len(results) == 0 {
		return Result{Success: false, Error: "no result from transport"}
	}
	return results[0].Result
}

func (m *EmailModule) ExecuteBatch(ctx context.Context, ps []Payload, raw json.RawMessage, content Content) []RecipientResult {
	start := time.Now()

	var cfg EmailConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return failAll(ps, "invalid email config", start)
	}

	if content.Subject == "" || (content.HTML == "" && content.Text == "") {
		return failAll(ps, "email content requires subject and html or text", start)
	}

	from := content.From
	if from == "" {
		from = cfg.FromEmail
	}

	emails := make([]OutboundEmail, 0, len(ps))
	for _, p := range ps {
		vars := withNameVar(p)
		emails = append(emails, OutboundEmail{
			RecipientID: p.RecipientID,
			To:          p.Address,
			From:        from,
			Subject:     Render(content.Subject, vars),
			HTML:        Render(content.HTML, vars),
			Text:        Render(content.Text, vars),
		})
	}

	outcomes, err := m.sender.SendBatch(ctx, cfg.Service, emails)
	if err != nil {
		m.logger.Warn("email transport failed", zap.String("service", cfg.Service), zap.Error(err))
		return failAll(ps, err.Error(), start)
	}

	latency := time.Since(start).Milliseconds()
	results := make([]RecipientResult, 0, len(outcomes))
	for _, o := range outcomes {
		r := Result{Success: o.Err == nil, ProviderMessageID: o.ProviderMessageID, LatencyMs: latency}
		if o.Err != nil {
			r.Error = o.Err.Error()
			r.ProviderMessageID = ""
		}
		results = append(results, RecipientResult{RecipientID: o.RecipientID, Result: r})
	}
	return results
}

// withNameVar exposes the recipient name as {{name}} without clobbering an
// explicit variable of the same key.
func withNameVar(p Payload) map[string]string {
	if p.Name == "" {
		return p.Variables
	}
	if _, ok := p.Variables["name"]; ok {
		return p.Variables
	}
	vars := make(map[string]string, len(p.Variables)+1)
	for k, v := range p.Variables {
		vars[k] = v
	}
	vars["name"] = p.Name
	return vars
}

func failAll(ps []Payload, msg string, start time.Time) []RecipientResult {
	latency := time.Since(start).Milliseconds()
	results := make([]RecipientResult, 0, len(ps))
	for _, p := range ps {
		results = append(results, RecipientResult{
			RecipientID: p.RecipientID,
			Result:      Result{Success: false, Error: msg, LatencyMs: latency},
		})
	}
	return results
}

// mockEmailSender accepts everything and fabricates provider message ids.
type mockEmailSender struct{}

func (s *mockEmailSender) SendBatch(_ context.Context, _ string, emails []OutboundEmail) ([]SendOutcome, error) {
	outcomes := make([]SendOutcome, 0, len(emails))
	for _, e := range emails {
		outcomes = append(outcomes, SendOutcome{
			RecipientID:       e.RecipientID,
			ProviderMessageID: "mock-" + uuid.NewString(),
		})
	}
	return outcomes, nil
}
