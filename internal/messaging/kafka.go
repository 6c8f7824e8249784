package messaging

import (
	"context"

	"example.com/backstage/services/forwarder/config"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// topicReader is the subset of *kafka.Reader used by the loop.
type topicReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads events from a Kafka topic as part of a consumer group.
type KafkaConsumer struct {
	reader topicReader
	topic  string
}

// NewKafkaConsumer creates a group reader for the configured topic.
func NewKafkaConsumer(cfg config.KafkaConfig) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaConsumer{reader: reader, topic: cfg.Topic}, nil
}

// Run fetches messages until ctx is cancelled. Undecodable messages are
// committed and skipped. A handler error stops the loop without committing,
// so the message is read again by the next group member.
func (c *KafkaConsumer) Run(ctx context.Context, h Handler) error {
	log.Info().Str("topic", c.topic).Msg("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "failed to fetch from topic %s", c.topic)
		}

		events, err := DecodeEvents(msg.Value)
		if err != nil {
			log.Error().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Skipping undecodable message")
		} else if err := Deliver(h, events); err != nil {
			return errors.Wrapf(err, "handler rejected message at offset %d", msg.Offset)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to commit kafka message")
		}
	}
}

// Close closes the reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
