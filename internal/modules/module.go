package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Result is the outcome of one delivery attempt for one recipient.
type Result struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
	LatencyMs         int64  `json:"latency_ms"`
}

type RecipientResult struct {
	RecipientID string `json:"recipient_id"`
	Result      Result `json:"result"`
}

// Payload is one addressee plus its templating variables.
type Payload struct {
	RecipientID string            `json:"recipient_id"`
	Address     string            `json:"address"`
	Name        string            `json:"name,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// Content holds module-specific payload defaults carried on the batch.
// Email uses Subject/From/HTML/Text, SMS uses Message/From, webhook ignores it.
type Content struct {
	Subject string `json:"subject,omitempty"`
	From    string `json:"from,omitempty"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

func valid() ValidationResult {
	return ValidationResult{Valid: true}
}

// Module is a pluggable delivery driver. ExecuteBatch may be implemented by
// looping Execute when the provider has no batch API; SupportsBatch advertises
// the optimization so callers can size chunks accordingly.
type Module interface {
	Kind() string
	SupportsBatch() bool
	ValidateConfig(raw json.RawMessage) ValidationResult
	ValidatePayload(p Payload) ValidationResult
	Execute(ctx context.Context, p Payload, raw json.RawMessage, content Content) Result
	ExecuteBatch(ctx context.Context, ps []Payload, raw json.RawMessage, content Content) []RecipientResult
}

// Registry maps module kinds to implementations. Registration happens at boot;
// lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Kind()] = m
}

func (r *Registry) Get(kind string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[kind]
	if !ok {
		return nil, fmt.Errorf("unknown module kind %q", kind)
	}
	return m, nil
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.modules))
	for k := range r.modules {
		kinds = append(kinds, k)
	}
	return kinds
}

// executeSequential is the shared ExecuteBatch fallback for modules without a
// provider batch API.
func executeSequential(ctx context.Context, m Module, ps []Payload, raw json.RawMessage, content Content) []RecipientResult {
	results := make([]RecipientResult, 0, len(ps))
	for _, p := range ps {
		if ctx.Err() != nil {
			results = append(results, RecipientResult{
				RecipientID: p.RecipientID,
				Result:      Result{Success: false, Error: ctx.Err().Error()},
			})
			continue
		}
		results = append(results, RecipientResult{
			RecipientID: p.RecipientID,
			Result:      m.Execute(ctx, p, raw, content),
		})
	}
	return results
}
