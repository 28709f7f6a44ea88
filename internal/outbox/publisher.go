package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pawmi/pawmi-server/libs/db"
	"github.com/pawmi/pawmi-server/libs/kafkax"
	otelx "github.com/pawmi/pawmi-server/libs/otel"
)

// Publisher drains the outbox table into Kafka. Rows are locked, written and
// marked published inside one transaction per drain, so a crash mid-drain
// re-delivers rather than loses events.
type Publisher struct {
	pool     *db.Pool
	repo     *Repository
	logger   *slog.Logger
	brokers  []string
	interval time.Duration
	drainMax int
}

type PublisherConfig struct {
	Brokers  string
	Interval time.Duration
	DrainMax int
}

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	p := &Publisher{
		pool:     pool,
		repo:     repo,
		logger:   logger,
		brokers:  kafkax.SplitBrokers(cfg.Brokers),
		interval: cfg.Interval,
		drainMax: cfg.DrainMax,
	}
	if p.interval <= 0 {
		p.interval = 2 * time.Second
	}
	if p.drainMax <= 0 {
		p.drainMax = 50
	}
	return p
}

// Run drains on a fixed interval until ctx is cancelled. A no-broker
// configuration turns the publisher into a no-op so local setups without
// Kafka keep working.
func (p *Publisher) Run(ctx context.Context) {
	if len(p.brokers) == 0 {
		p.logger.Warn("event publishing disabled, no kafka brokers configured")
		return
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  p.brokers,
		Balancer: &kafka.Hash{},
	})
	defer writer.Close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.drain(ctx, writer); err != nil {
				p.logger.Error("outbox drain failed", "err", err)
			}
		}
	}
}

func (p *Publisher) drain(ctx context.Context, writer *kafka.Writer) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := p.repo.FetchUnpublished(ctx, tx, p.drainMax)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(records))
	for _, r := range records {
		// Resume the trace captured when the row was written so the Kafka
		// message carries the originating request's context.
		msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
		msg := kafka.Message{
			Topic: r.EventType,
			Key:   []byte(r.AggregateID),
			Value: r.Payload,
			Headers: kafkax.InjectTraceHeaders(msgCtx, []kafka.Header{
				{Key: "event_id", Value: []byte(r.EventID)},
				{Key: "event_type", Value: []byte(r.EventType)},
			}),
		}
		if err := writer.WriteMessages(ctx, msg); err != nil {
			return fmt.Errorf("writing event %s: %w", r.EventID, err)
		}
		ids = append(ids, r.ID)
	}

	if err := p.repo.MarkPublished(ctx, tx, ids); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	p.logger.Debug("outbox drained", "events", len(ids))
	return nil
}
