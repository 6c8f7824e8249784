package messaging

import (
	"context"

	"example.com/backstage/services/forwarder/config"
	"example.com/backstage/services/forwarder/internal/tracing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// queueReceiver is the subset of *azservicebus.Receiver used by the loop.
type queueReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
	Close(ctx context.Context) error
}

// ServiceBusConsumer reads events from an Azure Service Bus queue.
type ServiceBusConsumer struct {
	client    *azservicebus.Client
	receiver  queueReceiver
	queueName string
	batchSize int
	tracer    tracing.Tracer
}

// NewServiceBusConsumer connects to the configured queue.
func NewServiceBusConsumer(cfg config.ServiceBusConfig, tracer tracing.Tracer) (*ServiceBusConsumer, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("azure service bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create service bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.QueueName, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, errors.Wrap(err, "failed to create service bus receiver")
	}

	c := newServiceBusConsumer(receiver, cfg.QueueName, cfg.BatchSize, tracer)
	c.client = client
	return c, nil
}

func newServiceBusConsumer(receiver queueReceiver, queueName string, batchSize int, tracer tracing.Tracer) *ServiceBusConsumer {
	if batchSize <= 0 {
		batchSize = 10
	}
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	return &ServiceBusConsumer{
		receiver:  receiver,
		queueName: queueName,
		batchSize: batchSize,
		tracer:    tracer,
	}
}

// Run receives messages until ctx is cancelled. Messages that cannot be
// decoded are dead-lettered; messages the handler refuses are abandoned so
// the broker can redeliver them.
func (c *ServiceBusConsumer) Run(ctx context.Context, h Handler) error {
	log.Info().Str("queue", c.queueName).Msg("Starting Service Bus consumer")

	for {
		messages, err := c.receiver.ReceiveMessages(ctx, c.batchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "failed to receive from queue %s", c.queueName)
		}

		for _, msg := range messages {
			c.handle(ctx, msg, h)
		}
	}
}

func (c *ServiceBusConsumer) handle(ctx context.Context, msg *azservicebus.ReceivedMessage, h Handler) {
	txn := c.tracer.StartTransaction("servicebus-message")
	defer c.tracer.EndTransaction(txn)
	c.tracer.AddAttribute(txn, "message_id", msg.MessageID)

	events, err := DecodeEvents(msg.Body)
	if err != nil {
		c.tracer.RecordError(txn, err)
		log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Dead-lettering undecodable message")

		reason := "DecodeError"
		description := err.Error()
		if dlErr := c.receiver.DeadLetterMessage(ctx, msg, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &description,
		}); dlErr != nil {
			log.Error().Err(dlErr).Str("message_id", msg.MessageID).Msg("Failed to dead-letter message")
		}
		return
	}

	if err := Deliver(h, events); err != nil {
		c.tracer.RecordError(txn, err)
		log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Handler rejected message, abandoning")
		if abErr := c.receiver.AbandonMessage(ctx, msg, nil); abErr != nil {
			log.Error().Err(abErr).Str("message_id", msg.MessageID).Msg("Failed to abandon message")
		}
		return
	}

	if err := c.receiver.CompleteMessage(ctx, msg, nil); err != nil {
		log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to complete message")
	}
}

// Close releases the receiver and the client.
func (c *ServiceBusConsumer) Close(ctx context.Context) error {
	if c.receiver != nil {
		if err := c.receiver.Close(ctx); err != nil {
			return errors.Wrap(err, "failed to close service bus receiver")
		}
	}
	if c.client != nil {
		return c.client.Close(ctx)
	}
	return nil
}
