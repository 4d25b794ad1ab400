package providerevents

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventType is the closed set of normalized provider event types. Anything a
// provider sends that has no mapping becomes TypeCustom rather than being
// dropped, so new provider events surface in analytics immediately.
type EventType string

const (
	TypeSent        EventType = "sent"
	TypeDelivered   EventType = "delivered"
	TypeBounced     EventType = "bounced"
	TypeSoftBounced EventType = "soft_bounced"
	TypeComplained  EventType = "complained"
	TypeOpened      EventType = "opened"
	TypeClicked     EventType = "clicked"
	TypeFailed      EventType = "failed"
	TypeCustom      EventType = "custom.event"
)

// NormalizedEvent is a provider callback reduced to the platform's shape.
// RawEvent carries the original body so downstream consumers can reach
// provider fields the normalization does not model.
type NormalizedEvent struct {
	Provider          string            `json:"provider"`
	Type              EventType         `json:"type"`
	RawType           string            `json:"rawType"`
	ProviderMessageID string            `json:"providerMessageId"`
	Recipient         string            `json:"recipient,omitempty"`
	OccurredAt        time.Time         `json:"occurredAt"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	RawEvent          json.RawMessage   `json:"rawEvent,omitempty"`
}

// sesEventTypes maps SES notification types (and SNS event wrapper names).
var sesEventTypes = map[string]EventType{
	"delivery":         TypeDelivered,
	"bounce":           TypeBounced,
	"complaint":        TypeComplained,
	"open":             TypeOpened,
	"click":            TypeClicked,
	"reject":           TypeFailed,
	"renderingfailure": TypeFailed,
	"deliverydelay":    TypeSoftBounced,
	"send":             TypeSent,
	"subscription":     TypeCustom,
}

var resendEventTypes = map[string]EventType{
	"email.delivered":        TypeDelivered,
	"email.bounced":          TypeBounced,
	"email.complained":       TypeComplained,
	"email.opened":           TypeOpened,
	"email.clicked":          TypeClicked,
	"email.delivery_delayed": TypeSoftBounced,
	"email.sent":             TypeSent,
	"email.failed":           TypeFailed,
}

var telnyxEventTypes = map[string]EventType{
	"message.finalized":       TypeDelivered,
	"message.sent":            TypeSent,
	"message.sending_failed":  TypeFailed,
	"message.delivery_failed": TypeFailed,
	"message.received":        TypeCustom,
}

var providerTables = map[string]map[string]EventType{
	"ses":    sesEventTypes,
	"resend": resendEventTypes,
	"telnyx": telnyxEventTypes,
}

// MapEventType normalizes a provider's raw event name. Unknown providers and
// unknown raw types both map to TypeCustom; the function is total.
func MapEventType(provider, rawType string) EventType {
	table, ok := providerTables[strings.ToLower(provider)]
	if !ok {
		return TypeCustom
	}
	t, ok := table[strings.ToLower(rawType)]
	if !ok {
		return TypeCustom
	}
	return t
}

// DedupKey identifies one provider event for replay suppression. Providers
// re-deliver webhooks on their own retry schedules, so the same
// (provider, message, type) triple may arrive many times.
func DedupKey(provider, providerMessageID string, eventType EventType) string {
	return "pevt:" + provider + ":" + providerMessageID + ":" + string(eventType)
}

// Deduplicator suppresses replayed provider events inside a window. A Redis
// failure reports the event as fresh: double-processing a status update is
// preferable to dropping it.
type Deduplicator struct {
	rdb    redis.Cmdable
	window time.Duration
}

func NewDeduplicator(rdb redis.Cmdable, window time.Duration) *Deduplicator {
	return &Deduplicator{rdb: rdb, window: window}
}

// Seen reports whether this event was already processed, marking it as
// processed when it was not.
func (d *Deduplicator) Seen(ctx context.Context, e NormalizedEvent) bool {
	key := DedupKey(e.Provider, e.ProviderMessageID, e.Type)
	set, err := d.rdb.SetNX(ctx, key, 1, d.window).Result()
	if err != nil {
		return false
	}
	return !set
}

// RecipientStatusFor translates a normalized event into the recipient status
// it implies, or "" when the event carries no status change.
func RecipientStatusFor(t EventType) string {
	switch t {
	case TypeBounced:
		return "bounced"
	case TypeComplained:
		return "complained"
	case TypeFailed:
		return "failed"
	default:
		return ""
	}
}
