package app

import (
	"context"
	"errors"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Consumer reads trigger payloads from a Kafka topic. A message is committed
// once its run has finished, so delivery is at-least-once; a repeated run
// for the same date is absorbed by the idempotent merge.
type Consumer struct {
	reader    messageReader
	processor interfaces.TriggerProcessor
	logger    *common.Logger
}

// NewConsumer creates a consumer-group reader for the configured topic.
func NewConsumer(cfg common.KafkaConfig, processor interfaces.TriggerProcessor, logger *common.Logger) *Consumer {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	return newConsumer(r, processor, logger)
}

func newConsumer(r messageReader, processor interfaces.TriggerProcessor, logger *common.Logger) *Consumer {
	return &Consumer{reader: r, processor: processor, logger: logger}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation and
// the reader error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("Waiting for trigger messages")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch trigger message: %w", err)
		}

		c.handle(ctx, m)

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit trigger message: %w", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafkago.Message) {
	logger := c.logger.With().
		Str("topic", m.Topic).
		Int("partition", m.Partition).
		Int64("offset", m.Offset).
		Logger()

	trigger, err := models.DecodeTrigger(m.Value, models.TriggerDaily)
	if err != nil {
		logger.Warn().Err(err).Msg("Discarding malformed trigger message")
		return
	}

	result, err := c.processor.Process(ctx, trigger)
	if err != nil {
		var dateErr *common.DateParseError
		if errors.As(err, &dateErr) {
			logger.Warn().Err(err).Msg("Discarding trigger with invalid date")
			return
		}
		logger.Error().Err(err).Msg("Trigger processing failed")
		return
	}

	logger.Info().
		Str("status", string(result.Status)).
		Str("date", result.Date).
		Msg("Trigger message processed")
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
