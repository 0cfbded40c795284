package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// Kafka header names carrying the delivery envelope.
const (
	KafkaHeaderIdempotencyKey = "idempotency-key"
	KafkaHeaderCorrelationID  = "correlation-id"
	KafkaHeaderTenant         = "tenant"
	KafkaHeaderEnvironment    = "environment"
	KafkaHeaderSource         = "source"
	KafkaHeaderSignature      = "signature"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer feeds topic messages through the same ingest path as the
// webhook. Offsets are committed once the outcome is known, including
// duplicates and rejected messages; storage failures stop the consumer
// without committing so the message is redelivered.
type KafkaConsumer struct {
	reader   MessageReader
	ingestor *Ingestor
	secret   []byte
	logger   *slog.Logger
}

// NewKafkaReader creates a consumer-group reader for topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// NewKafkaConsumer creates a KafkaConsumer. When secret is non-empty every
// message must carry a valid signature header.
func NewKafkaConsumer(reader MessageReader, ingestor *Ingestor, secret string, logger *slog.Logger) *KafkaConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaConsumer{reader: reader, ingestor: ingestor, secret: []byte(secret), logger: logger}
}

// Run consumes until ctx is cancelled or storage fails.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("closing kafka reader", "error", err)
		}
	}()
	c.logger.Info("kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("kafka consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch kafka message: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit kafka offset: %w", err)
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	h := headerMap(msg.Headers)
	source := h[KafkaHeaderSource]
	if len(c.secret) > 0 {
		if err := VerifySignature(c.secret, msg.Value, h[KafkaHeaderSignature]); err != nil {
			c.ingestor.observe(source, OutcomeRejected)
			c.logger.Warn("kafka message rejected", "offset", msg.Offset, "partition", msg.Partition, "error", err)
			return nil
		}
	}
	idem := h[KafkaHeaderIdempotencyKey]
	if idem == "" {
		idem = string(msg.Key)
	}
	res, err := c.ingestor.Ingest(ctx, Delivery{
		Tenant:         h[KafkaHeaderTenant],
		Environment:    h[KafkaHeaderEnvironment],
		Source:         source,
		IdempotencyKey: idem,
		CorrelationID:  h[KafkaHeaderCorrelationID],
		Body:           msg.Value,
	})
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		c.logger.Warn("kafka message rejected", "offset", msg.Offset, "partition", msg.Partition, "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("ingest kafka message at offset %d: %w", msg.Offset, err)
	}
	c.logger.Debug("kafka message ingested", "eventID", res.Event.ID, "duplicate", res.Duplicate)
	return nil
}

func headerMap(headers []kafka.Header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}
