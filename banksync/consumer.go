package banksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/warp/budget-engine/ledger"
	"github.com/warp/budget-engine/logger"
)

// Consumer reads sync batches from an AMQP queue and hands them to an Applier.
type Consumer struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	queueName    string
	applier      *Applier
	log          zerolog.Logger
}

func NewConsumer(url, exchangeName, queueName string, applier *Applier, log zerolog.Logger) (*Consumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	c := &Consumer{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		queueName:    queueName,
		applier:      applier,
		log:          log.With().Str("component", "banksync").Str("queue", queueName).Logger(),
	}

	if err := c.setup(); err != nil {
		c.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}

	return c, nil
}

func (c *Consumer) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.queueName,    // queue name
		c.queueName,    // routing key (same as queue name for direct exchange)
		c.exchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	// One batch in flight: batches for the same account must apply in order.
	return c.channel.Qos(1, 0, false)
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.log.Info().Msg("started consuming sync batches")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Err(ctx.Err()).Msg("stopping sync consumer")
			return nil
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}
			c.handle(ctx, delivery)
		}
	}
}

// handle applies one delivery and settles it. Transient failures are
// requeued; batches that can never apply are dropped.
func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	batch, err := DecodeBatch(d.Body)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to decode sync batch")
		d.Nack(false, false)
		return
	}

	log := logger.WithFields(c.log, map[string]interface{}{
		"account_id":  batch.AccountID,
		"cursor":      batch.Cursor,
		"items":       len(batch.Items),
		"redelivered": d.Redelivered,
	})
	res, err := c.applier.Apply(logger.WithContext(ctx, log), batch)
	switch {
	case err == nil:
		d.Ack(false)
		log.Debug().Bool("skipped", res.Skipped).Msg("sync batch acknowledged")
	case errors.Is(err, ErrInvalidBatch), ledger.IsClientError(err), ledger.IsNotFound(err), ledger.IsInvariant(err):
		log.Error().Err(err).Msg("dropping sync batch")
		d.Nack(false, false)
	default:
		log.Warn().Err(err).Msg("sync batch failed, requeueing")
		d.Nack(false, true)
	}
}

// DecodeBatch parses a JSON batch message.
func DecodeBatch(body []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(body, &b); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return b, nil
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
