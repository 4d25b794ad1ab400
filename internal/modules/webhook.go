package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"sendhub/internal/httpclient"
)

// WebhookConfig is the opaque module config for the webhook module. The
// tenant supplies the endpoint; this is the BYOK path.
type WebhookConfig struct {
	URL                string            `json:"url"`
	Method             string            `json:"method,omitempty"`
	TimeoutMs          int               `json:"timeout_ms,omitempty"`
	MaxRetries         *int              `json:"max_retries,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	SuccessStatusCodes []int             `json:"success_status_codes,omitempty"`
}

type WebhookModule struct {
	logger *zap.Logger
	client *httpclient.Client
}

func NewWebhookModule(logger *zap.Logger, client *httpclient.Client) *WebhookModule {
	return &WebhookModule{logger: logger, client: client}
}

func (m *WebhookModule) Kind() string        { return "webhook" }
func (m *WebhookModule) SupportsBatch() bool { return true }

func (m *WebhookModule) ValidateConfig(raw json.RawMessage) ValidationResult {
	var cfg WebhookConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return invalid("config is not valid JSON")
	}

	var errs []string

	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "url must be an absolute http or https URL")
	}
	if cfg.Method != "" && cfg.Method != "POST" && cfg.Method != "PUT" {
		errs = append(errs, "method must be POST or PUT")
	}
	if cfg.TimeoutMs != 0 && (cfg.TimeoutMs < 1000 || cfg.TimeoutMs > 60000) {
		errs = append(errs, "timeout_ms must be between 1000 and 60000")
	}
	if cfg.MaxRetries != nil && (*cfg.MaxRetries < 0 || *cfg.MaxRetries > 10) {
		errs = append(errs, "max_retries must be between 0 and 10")
	}

	if len(errs) > 0 {
		return invalid(errs...)
	}
	return valid()
}

func (m *WebhookModule) ValidatePayload(p Payload) ValidationResult {
	if strings.TrimSpace(p.Address) == "" && p.RecipientID == "" {
		return invalid("recipient has no identity")
	}
	return valid()
}

func (m *WebhookModule) Execute(ctx context.Context, p Payload, raw json.RawMessage, content Content) Result {
	results := m.ExecuteBatch(ctx, []Payload{p}, raw, content)
	if len(results) == 0 {
		return Result{Success: false, Error: "no result from webhook"}
	}
	return results[0].Result
}

// webhookRecipient is one element of the request body's recipients array.
type webhookRecipient struct {
	RecipientID string            `json:"recipientId"`
	Address     string            `json:"address,omitempty"`
	Name        string            `json:"name,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// webhookResult is one element of an optional per-recipient response body.
type webhookResult struct {
	RecipientID string `json:"recipientId"`
	Success     bool   `json:"success"`
	MessageID   string `json:"messageId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ExecuteBatch sends one HTTP request carrying all recipients and interprets
// the response: a JSON body with a results array maps per recipient;
// otherwise the HTTP status decides for the whole chunk.
func (m *WebhookModule) ExecuteBatch(ctx context.Context, ps []Payload, raw json.RawMessage, content Content) []RecipientResult {
	start := time.Now()

	var cfg WebhookConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return failAll(ps, "invalid webhook config", start)
	}

	recipients := make([]webhookRecipient, 0, len(ps))
	for _, p := range ps {
		recipients = append(recipients, webhookRecipient{
			RecipientID: p.RecipientID,
			Address:     p.Address,
			Name:        p.Name,
			Variables:   p.Variables,
		})
	}

	body, err := json.Marshal(map[string]any{"recipients": recipients})
	if err != nil {
		return failAll(ps, "failed to encode request body", start)
	}

	method := cfg.Method
	if method == "" {
		method = "POST"
	}
	timeout := 30 * time.Second
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	policy := httpclient.DefaultRetryPolicy()
	if cfg.MaxRetries != nil {
		policy.MaxRetries = *cfg.MaxRetries
	}
	if len(cfg.SuccessStatusCodes) > 0 {
		policy.SuccessCodes = make(map[int]bool, len(cfg.SuccessStatusCodes))
		for _, code := range cfg.SuccessStatusCodes {
			policy.SuccessCodes[code] = true
		}
	}

	resp, err := m.client.Do(ctx, httpclient.Request{
		URL:     cfg.URL,
		Method:  method,
		Headers: cfg.Headers,
		Body:    body,
		Timeout: timeout,
	}, policy)
	if err != nil {
		return failAll(ps, err.Error(), start)
	}
	if resp.CircuitBreakerTripped {
		return failAll(ps, "webhook endpoint circuit breaker open", start)
	}

	latency := time.Since(start).Milliseconds()

	if perRecipient := parseWebhookResults(resp.Body); perRecipient != nil {
		return mapWebhookResults(ps, perRecipient, latency)
	}

	if resp.Success {
		results := make([]RecipientResult, 0, len(ps))
		for _, p := range ps {
			results = append(results, RecipientResult{
				RecipientID: p.RecipientID,
				Result:      Result{Success: true, LatencyMs: latency},
			})
		}
		return results
	}

	return failAll(ps, fmt.Sprintf("webhook returned status %d", resp.StatusCode), start)
}

func parseWebhookResults(body []byte) map[string]webhookResult {
	var parsed struct {
		Results []webhookResult `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Results) == 0 {
		return nil
	}

	byID := make(map[string]webhookResult, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.RecipientID != "" {
			byID[r.RecipientID] = r
		}
	}
	if len(byID) == 0 {
		return nil
	}
	return byID
}

func mapWebhookResults(ps []Payload, byID map[string]webhookResult, latency int64) []RecipientResult {
	results := make([]RecipientResult, 0, len(ps))
	for _, p := range ps {
		wr, ok := byID[p.RecipientID]
		if !ok {
			// Endpoint did not report on this recipient; treat as failed so
			// it is never silently lost.
			results = append(results, RecipientResult{
				RecipientID: p.RecipientID,
				Result:      Result{Success: false, Error: "recipient missing from webhook response", LatencyMs: latency},
			})
			continue
		}
		results = append(results, RecipientResult{
			RecipientID: p.RecipientID,
			Result: Result{
				Success:           wr.Success,
				ProviderMessageID: wr.MessageID,
				Error:             wr.Error,
				LatencyMs:         latency,
			},
		})
	}
	return results
}
