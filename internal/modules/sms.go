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

// E.164: plus sign, first digit 1-9, at most 15 digits total.
var e164Regex = regexp.MustCompile(`^\+[1-9]\d{0,14}$`)

var smsServices = map[string]bool{"telnyx": true, "mock": true}

// SMSConfig is the opaque module config for the SMS module.
type SMSConfig struct {
	Service            string `json:"service"`
	MessagingProfileID string `json:"messaging_profile_id,omitempty"`
	WebhookURL         string `json:"webhook_url,omitempty"`
	WebhookFailoverURL string `json:"webhook_failover_url,omitempty"`
	APIKey             string `json:"api_key,omitempty"`
}

// SMSSender is the transport boundary for concrete SMS providers.
type SMSSender interface {
	Send(ctx context.Context, service string, sms OutboundSMS) (string, error)
}

type OutboundSMS struct {
	To                 string
	From               string
	Message            string
	MessagingProfileID string
	WebhookURL         string
	WebhookFailoverURL string
}

type SMSModule struct {
	logger *zap.Logger
	sender SMSSender
}

func NewSMSModule(logger *zap.Logger, sender SMSSender) *SMSModule {
	if sender == nil {
		sender = &mockSMSSender{}
	}
	return &SMSModule{logger: logger, sender: sender}
}

func (m *SMSModule) Kind() string        { return "sms" }
func (m *SMSModule) SupportsBatch() bool { return false }

func (m *SMSModule) ValidateConfig(raw json.RawMessage) ValidationResult {
	var cfg SMSConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return invalid("config is not valid JSON")
	}

	if !smsServices[cfg.Service] {
		return invalid(fmt.Sprintf("unsupported sms service %q", cfg.Service))
	}
	return valid()
}

func (m *SMSModule) ValidatePayload(p Payload) ValidationResult {
	if !e164Regex.MatchString(p.Address) {
		return invalid(fmt.Sprintf("%q is not an E.164 phone number", p.Address))
	}
	return valid()
}

func (m *SMSModule) Execute(ctx context.Context, p Payload, raw json.RawMessage, content Content) Result {
	start := time.Now()

	var cfg SMSConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Result{Success: false, Error: "invalid sms config", LatencyMs: time.Since(start).Milliseconds()}
	}

	if content.Message == "" {
		return Result{Success: false, Error: "sms content requires message", LatencyMs: time.Since(start).Milliseconds()}
	}

	sms := OutboundSMS{
		To:                 p.Address,
		From:               content.From,
		Message:            Render(content.Message, withNameVar(p)),
		MessagingProfileID: cfg.MessagingProfileID,
		WebhookURL:         cfg.WebhookURL,
		WebhookFailoverURL: cfg.WebhookFailoverURL,
	}

	providerID, err := m.sender.Send(ctx, cfg.Service, sms)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Result{Success: false, Error: err.Error(), LatencyMs: latency}
	}
	return Result{Success: true, ProviderMessageID: providerID, LatencyMs: latency}
}

// ExecuteBatch loops Execute; Telnyx has no batch send API.
func (m *SMSModule) ExecuteBatch(ctx context.Context, ps []Payload, raw json.RawMessage, content Content) []RecipientResult {
	return executeSequential(ctx, m, ps, raw, content)
}

type mockSMSSender struct{}

func (s *mockSMSSender) Send(_ context.Context, _ string, _ OutboundSMS) (string, error) {
	return "mock-" + uuid.NewString(), nil
}
