package relay

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/loom/pkg/engine"
	"github.com/openfroyo/loom/pkg/wire"
)

// Sink receives relayed commands. *engine.Broker satisfies it.
type Sink interface {
	TrySendNodeCommand(cmd engine.NodeCommand, y *engine.Yielding)
}

// Consumer reads command batches from the relay queue and hands each command to a sink.
type Consumer struct {
	conn   *Connection
	sink   Sink
	cfg    Config
	logger zerolog.Logger
}

// NewConsumer creates a consumer for cfg.Queue.
func NewConsumer(conn *Connection, sink Sink, cfg Config, logger zerolog.Logger) *Consumer {
	return &Consumer{
		conn:   conn,
		sink:   sink,
		cfg:    cfg,
		logger: logger.With().Str("component", "relay-consumer").Str("queue", cfg.Queue).Logger(),
	}
}

// Run consumes until ctx is cancelled, resubscribing after each reconnect.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to subscribe")
		} else {
			c.logger.Info().Msg("Consumer started")
			if err := c.process(ctx, deliveries); err == nil || ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Msg("Deliveries closed, waiting for reconnect")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.conn.Reconnected():
		}
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (c *Consumer) process(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}
			c.Handle(d)
		}
	}
}

// Handle decodes one delivery and submits its commands in order. A delivery that does
// not decode is rejected without requeue.
func (c *Consumer) Handle(d amqp.Delivery) {
	cmds, rec, err := DecodeDelivery(d)
	if err != nil {
		c.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("Dropping undecodable batch")
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Warn().Err(nackErr).Msg("Failed to nack delivery")
		}
		return
	}

	for _, cmd := range cmds {
		c.sink.TrySendNodeCommand(cmd, nil)
	}
	c.logger.Debug().Str("batch", rec.Batch).Int("count", len(cmds)).Msg("Relayed command batch")

	if err := d.Ack(false); err != nil {
		c.logger.Warn().Err(err).Str("batch", rec.Batch).Msg("Failed to ack delivery")
	}
}

// DecodeDelivery reassembles the batch carried by a delivery.
func DecodeDelivery(d amqp.Delivery) ([]engine.NodeCommand, *wire.ControlRecord, error) {
	control, err := headerBytes(d.Headers, HeaderControl)
	if err != nil {
		return nil, nil, err
	}
	var rec wire.ControlRecord
	if err := json.Unmarshal(control, &rec); err != nil {
		return nil, nil, fmt.Errorf("decode control record: %w", err)
	}
	if rec.Payload != wire.PayloadNodeCommand {
		return nil, nil, fmt.Errorf("unsupported payload %q", rec.Payload)
	}

	blob, err := headerBytes(d.Headers, HeaderBlob)
	if err != nil {
		return nil, nil, err
	}

	cmds, err := wire.Decode(rec, d.Body, blob)
	if err != nil {
		return nil, nil, err
	}
	return cmds, &rec, nil
}

func headerBytes(headers amqp.Table, key string) ([]byte, error) {
	v, ok := headers[key]
	if !ok {
		return nil, fmt.Errorf("missing %s header", key)
	}
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("header %s has unexpected type %T", key, v)
	}
}
