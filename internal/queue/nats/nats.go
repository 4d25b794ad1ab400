package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"sendhub/internal/apperr"
	"sendhub/internal/batch"
)

const (
	StreamBatches = "BATCHES"
	StreamChunks  = "CHUNKS"

	SubjectBatches     = "batches"
	SubjectChunkPrefix = "chunks."

	// DedupWindow is how long the broker remembers published message ids.
	// Redeliveries of the same chunk inside this window are dropped at
	// publish time; outside it, the terminal-state check in the processor
	// takes over.
	DedupWindow = 2 * time.Minute
)

// ChunkSubject is the per-tenant subject chunks are published on.
func ChunkSubject(tenantID string) string {
	return SubjectChunkPrefix + tenantID
}

// TenantDurable names the durable consumer bound to one tenant's chunks.
func TenantDurable(tenantID string) string {
	return "tenant-" + tenantID
}

// Queue owns the broker connection and its JetStream context.
type Queue struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

func NewQueue(natsURL string, logger *zap.Logger) (*Queue, error) {
	opts := []nats.Option{
		nats.Name("sendhub"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Queue{conn: conn, js: js, logger: logger}, nil
}

// EnsureStreams creates the work-queue streams if they do not exist yet.
// Safe to call from every process at startup.
func (q *Queue) EnsureStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:       StreamBatches,
			Subjects:   []string{SubjectBatches},
			Retention:  nats.WorkQueuePolicy,
			Storage:    nats.FileStorage,
			Duplicates: DedupWindow,
		},
		{
			Name:       StreamChunks,
			Subjects:   []string{SubjectChunkPrefix + ">"},
			Retention:  nats.WorkQueuePolicy,
			Storage:    nats.FileStorage,
			Duplicates: DedupWindow,
		},
	}

	for _, cfg := range streams {
		if _, err := q.js.AddStream(cfg); err != nil {
			if err == nats.ErrStreamNameAlreadyInUse {
				continue
			}
			// Older servers report reconfiguration attempts differently;
			// look the stream up before giving up.
			if _, infoErr := q.js.StreamInfo(cfg.Name); infoErr == nil {
				continue
			}
			return fmt.Errorf("failed to ensure stream %s: %w", cfg.Name, err)
		}
		q.logger.Info("created stream", zap.String("stream", cfg.Name))
	}
	return nil
}

// Publish writes a message to the durable queue with a dedup id.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	msg := &nats.Msg{Subject: subject, Data: data}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}

	if _, err := q.js.PublishMsg(msg, opts...); err != nil {
		return apperr.New(apperr.QueueUnavailable, fmt.Sprintf("failed to publish to %s", subject), err)
	}
	return nil
}

func (q *Queue) PublishBatchJob(ctx context.Context, job batch.BatchJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal batch job: %w", err)
	}

	if err := q.Publish(ctx, SubjectBatches, data, "batch-"+job.BatchID); err != nil {
		return err
	}

	q.logger.Debug("published batch job", zap.String("batch_id", job.BatchID))
	return nil
}

func (q *Queue) PublishChunkJob(ctx context.Context, job batch.ChunkJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk job: %w", err)
	}

	if err := q.Publish(ctx, ChunkSubject(job.TenantID), data, job.DedupID()); err != nil {
		return err
	}

	q.logger.Debug("published chunk job",
		zap.String("batch_id", job.BatchID),
		zap.Int("chunk_index", job.ChunkIndex))
	return nil
}

func (q *Queue) HealthCheck(ctx context.Context) error {
	if q.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS not connected, status: %v", q.conn.Status())
	}
	return nil
}

// Drain flushes buffered messages and unwinds subscriptions before close.
func (q *Queue) Drain() error {
	return q.conn.Drain()
}

func (q *Queue) Close() error {
	q.conn.Close()
	return nil
}

// Conn exposes the raw connection for components that publish core NATS
// messages, like the analytics event sink.
func (q *Queue) Conn() *nats.Conn {
	return q.conn
}

// jsMsg adapts a JetStream message to the Delivery interface consumed by
// processors, keeping them testable without a broker.
type jsMsg struct {
	msg *nats.Msg
}

func (m jsMsg) Data() []byte { return m.msg.Data }

func (m jsMsg) Ack() error { return m.msg.Ack() }

func (m jsMsg) Term() error { return m.msg.Term() }

func (m jsMsg) NakWithDelay(d time.Duration) error { return m.msg.NakWithDelay(d) }

func (m jsMsg) NumDelivered() int {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

// Delivery is one queued message with explicit acknowledgement control.
type Delivery interface {
	Data() []byte
	Ack() error
	Term() error
	NakWithDelay(d time.Duration) error
	NumDelivered() int
}

// Handler processes one delivery. It must settle the message itself; the
// consumer never acks on the handler's behalf.
type Handler func(ctx context.Context, d Delivery)

// Consumer pulls from one durable subscription and fans deliveries out to a
// bounded number of in-flight handlers.
type Consumer struct {
	sub         *nats.Subscription
	logger      *zap.Logger
	name        string
	concurrency int
}

// NewConsumer binds a durable pull consumer to a stream subject. The same
// durable name always resumes the same cursor.
func (q *Queue) NewConsumer(stream, subject, durable string, concurrency int) (*Consumer, error) {
	sub, err := q.js.PullSubscribe(subject, durable,
		nats.BindStream(stream),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull consumer %s: %w", durable, err)
	}

	if concurrency < 1 {
		concurrency = 1
	}

	return &Consumer{
		sub:         sub,
		logger:      q.logger,
		name:        durable,
		concurrency: concurrency,
	}, nil
}

// Run fetches and dispatches deliveries until ctx is cancelled. A panicking
// handler NAKs its message and never takes the consumer down.
func (c *Consumer) Run(ctx context.Context, handler Handler) {
	sem := make(chan struct{}, c.concurrency)

	c.logger.Info("consumer running",
		zap.String("consumer", c.name),
		zap.Int("concurrency", c.concurrency))

	for {
		if ctx.Err() != nil {
			break
		}

		msgs, err := c.sub.Fetch(c.concurrency, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("fetch failed", zap.String("consumer", c.name), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			sem <- struct{}{}
			go func(m *nats.Msg) {
				defer func() { <-sem }()
				c.dispatch(ctx, handler, jsMsg{msg: m})
			}(msg)
		}
	}

	// Let in-flight handlers finish before returning.
	for i := 0; i < c.concurrency; i++ {
		sem <- struct{}{}
	}
	c.logger.Info("consumer stopped", zap.String("consumer", c.name))
}

func (c *Consumer) dispatch(ctx context.Context, handler Handler, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				zap.String("consumer", c.name),
				zap.Any("panic", r))
			if err := d.NakWithDelay(5 * time.Second); err != nil {
				c.logger.Error("failed to nak after panic", zap.Error(err))
			}
		}
	}()
	// handler settles the message
	handler(ctx, d)
}

// Drain unsubscribes after delivering pending messages.
func (c *Consumer) Drain() error {
	return c.sub.Drain()
}
