package providerevents

import (
	"bytes"
	"testing"
)

func TestParseSESBounce(t *testing.T) {
	body := []byte(`{
		"notificationType": "Bounce",
		"mail": {"messageId": "ses-msg-1"},
		"bounce": {
			"bounceType": "Permanent",
			"bouncedRecipients": [{"emailAddress": "a@example.com"}]
		}
	}`)

	evt, ok := Parse("ses", body)
	if !ok {
		t.Fatal("expected a parseable event")
	}
	if evt.Type != TypeBounced {
		t.Errorf("type = %q, want %q", evt.Type, TypeBounced)
	}
	if evt.ProviderMessageID != "ses-msg-1" {
		t.Errorf("message id = %q", evt.ProviderMessageID)
	}
	if evt.Recipient != "a@example.com" {
		t.Errorf("recipient = %q", evt.Recipient)
	}
	if evt.Metadata["bounceType"] != "Permanent" {
		t.Errorf("metadata = %v, want bounceType Permanent", evt.Metadata)
	}
	if !bytes.Equal(evt.RawEvent, body) {
		t.Error("raw event must carry the original body")
	}
}

func TestParseRawEventSurvivesBufferReuse(t *testing.T) {
	body := []byte(`{"type":"email.sent","data":{"email_id":"re-1","to":["b@example.com"]}}`)
	buf := append([]byte(nil), body...)

	evt, ok := Parse("resend", buf)
	if !ok {
		t.Fatal("expected a parseable event")
	}
	if evt.Type != TypeSent {
		t.Errorf("type = %q, want %q", evt.Type, TypeSent)
	}

	// Fiber reuses the request buffer after the handler returns.
	for i := range buf {
		buf[i] = 'x'
	}
	if !bytes.Equal(evt.RawEvent, body) {
		t.Error("raw event must be detached from the caller's buffer")
	}
}

func TestParseTelnyxDeliveryFailure(t *testing.T) {
	body := []byte(`{
		"data": {
			"event_type": "message.delivery_failed",
			"payload": {"id": "tx-1", "to": [{"phone_number": "+14155550100"}]}
		}
	}`)

	evt, ok := Parse("telnyx", body)
	if !ok {
		t.Fatal("expected a parseable event")
	}
	if evt.Type != TypeFailed {
		t.Errorf("type = %q, want %q", evt.Type, TypeFailed)
	}
	if evt.Recipient != "+14155550100" {
		t.Errorf("recipient = %q", evt.Recipient)
	}
	if len(evt.RawEvent) == 0 {
		t.Error("raw event missing")
	}
}

func TestParseRejectsUnusableBodies(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		body     string
	}{
		{"garbage", "resend", "not json"},
		{"missing message id", "ses", `{"notificationType":"Bounce","mail":{}}`},
		{"missing type", "resend", `{"data":{"email_id":"re-1"}}`},
		{"unknown provider", "sendgrid", `{"event":"delivered"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.provider, []byte(tt.body)); ok {
				t.Error("expected ok=false")
			}
		})
	}
}
