package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"sendhub/internal/observability"
)

// Event is one analytics record. Delivery is best-effort: a full buffer or a
// failing sink drops events without ever failing the send path.
type Event struct {
	Type        string            `json:"type"`
	TenantID    string            `json:"tenantId,omitempty"`
	BatchID     string            `json:"batchId,omitempty"`
	RecipientID string            `json:"recipientId,omitempty"`
	Module      string            `json:"module,omitempty"`
	Service     string            `json:"service,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	At          time.Time         `json:"at"`
}

const (
	TypeBatchQueued     = "batch.queued"
	TypeBatchStarted    = "batch.started"
	TypeBatchCompleted  = "batch.completed"
	TypeBatchCancelled  = "batch.cancelled"
	TypeRecipientQueued = "recipient.queued"
	TypeRecipientSent   = "recipient.sent"
	TypeRecipientFailed = "recipient.failed"
	TypeProviderEvent   = "provider.event"
)

// Sink receives flushed event pages.
type Sink interface {
	Flush(ctx context.Context, events []Event) error
}

// NATSSink publishes event pages as JSON arrays on a core NATS subject for
// downstream analytics consumers.
type NATSSink struct {
	publish func(subject string, data []byte) error
	subject string
}

// NewNATSSink wraps a publish function (typically nats.Conn.Publish) so the
// sink stays testable without a broker.
func NewNATSSink(publish func(subject string, data []byte) error, subject string) *NATSSink {
	return &NATSSink{publish: publish, subject: subject}
}

func (s *NATSSink) Flush(ctx context.Context, events []Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return s.publish(s.subject, data)
}

// Logger buffers events and flushes them to the sink periodically and on
// shutdown. Emit never blocks and never returns an error.
type Logger struct {
	buf      *Buffer
	sink     Sink
	logger   *zap.Logger
	interval time.Duration
}

func NewLogger(capacity int, interval time.Duration, sink Sink, logger *zap.Logger) *Logger {
	return &Logger{
		buf:      NewBuffer(capacity),
		sink:     sink,
		logger:   logger,
		interval: interval,
	}
}

// Emit records an event, stamping it if the caller left At zero. Filling the
// buffer flushes it inline, so bursts between ticker flushes reach the sink.
func (l *Logger) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if page := l.buf.Add(e); page != nil {
		l.flushPage(context.Background(), page)
	}
}

// Run flushes on a ticker until ctx is cancelled, then performs a final
// flush so shutdown loses nothing buffered.
func (l *Logger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.flush(context.Background())
			return
		case <-ticker.C:
			l.flush(ctx)
		}
	}
}

func (l *Logger) flush(ctx context.Context) {
	l.flushPage(ctx, l.buf.Drain())
}

func (l *Logger) flushPage(ctx context.Context, page []Event) {
	if len(page) == 0 {
		return
	}

	if err := l.sink.Flush(ctx, page); err != nil {
		// Analytics is lossy by contract; log and move on.
		observability.EventFlushTotal.WithLabelValues("error").Inc()
		l.logger.Warn("event flush failed",
			zap.Int("count", len(page)),
			zap.Error(err))
		return
	}
	observability.EventFlushTotal.WithLabelValues("ok").Inc()
	l.logger.Debug("flushed events", zap.Int("count", len(page)))
}
