package providerevents

import (
	"encoding/json"
	"time"
)

type sesPayload struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string `json:"messageId"`
	} `json:"mail"`
	Bounce struct {
		BounceType        string `json:"bounceType"`
		BouncedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
}

type resendPayload struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		EmailID string   `json:"email_id"`
		To      []string `json:"to"`
	} `json:"data"`
}

type telnyxPayload struct {
	Data struct {
		EventType  string    `json:"event_type"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    struct {
			ID string `json:"id"`
			To []struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"to"`
		} `json:"payload"`
	} `json:"data"`
}

// Parse extracts the normalized event from a provider's callback body.
// Returns ok=false when the body carries no usable message id.
func Parse(provider string, body []byte) (NormalizedEvent, bool) {
	// Callers reuse the request buffer; the retained raw event needs a copy.
	raw := json.RawMessage(append([]byte(nil), body...))

	switch provider {
	case "ses":
		var p sesPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return NormalizedEvent{}, false
		}
		rawType := p.EventType
		if rawType == "" {
			rawType = p.NotificationType
		}
		if rawType == "" || p.Mail.MessageID == "" {
			return NormalizedEvent{}, false
		}
		evt := NormalizedEvent{
			Provider:          "ses",
			Type:              MapEventType("ses", rawType),
			RawType:           rawType,
			ProviderMessageID: p.Mail.MessageID,
			OccurredAt:        time.Now().UTC(),
			RawEvent:          raw,
		}
		if len(p.Bounce.BouncedRecipients) > 0 {
			evt.Recipient = p.Bounce.BouncedRecipients[0].EmailAddress
		}
		if p.Bounce.BounceType != "" {
			evt.Metadata = map[string]string{"bounceType": p.Bounce.BounceType}
		}
		return evt, true

	case "resend":
		var p resendPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return NormalizedEvent{}, false
		}
		if p.Type == "" || p.Data.EmailID == "" {
			return NormalizedEvent{}, false
		}
		evt := NormalizedEvent{
			Provider:          "resend",
			Type:              MapEventType("resend", p.Type),
			RawType:           p.Type,
			ProviderMessageID: p.Data.EmailID,
			OccurredAt:        p.CreatedAt,
			RawEvent:          raw,
		}
		if evt.OccurredAt.IsZero() {
			evt.OccurredAt = time.Now().UTC()
		}
		if len(p.Data.To) > 0 {
			evt.Recipient = p.Data.To[0]
		}
		return evt, true

	case "telnyx":
		var p telnyxPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return NormalizedEvent{}, false
		}
		if p.Data.EventType == "" || p.Data.Payload.ID == "" {
			return NormalizedEvent{}, false
		}
		evt := NormalizedEvent{
			Provider:          "telnyx",
			Type:              MapEventType("telnyx", p.Data.EventType),
			RawType:           p.Data.EventType,
			ProviderMessageID: p.Data.Payload.ID,
			OccurredAt:        p.Data.OccurredAt,
			RawEvent:          raw,
		}
		if evt.OccurredAt.IsZero() {
			evt.OccurredAt = time.Now().UTC()
		}
		if len(p.Data.Payload.To) > 0 {
			evt.Recipient = p.Data.Payload.To[0].PhoneNumber
		}
		return evt, true
	}

	return NormalizedEvent{}, false
}
