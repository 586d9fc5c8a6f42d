package relay

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfroyo/loom/pkg/engine"
	"github.com/openfroyo/loom/pkg/wire"
)

// Message headers carrying the non-frame parts of a batch.
const (
	HeaderControl = "loom-control"
	HeaderBlob    = "loom-blob"
)

// ContentType marks relay messages. The body holds the batch's frame records.
const ContentType = "application/vnd.loom.frames"

// Channel is the publishing side of an AMQP channel. *Connection satisfies it.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends NodeCommand batches to the relay exchange, one message per batch.
type Publisher struct {
	ch      Channel
	cfg     Config
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewPublisher creates a publisher. A zero PublishRate disables rate limiting.
func NewPublisher(ch Channel, cfg Config, logger zerolog.Logger) *Publisher {
	limit := rate.Inf
	if cfg.PublishRate > 0 {
		limit = rate.Limit(cfg.PublishRate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Publisher{
		ch:      ch,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "relay-publisher").Logger(),
	}
}

// Publish encodes cmds as one batch and publishes it. It waits for the rate limiter and
// returns the batch's control record.
func (p *Publisher) Publish(ctx context.Context, cmds []engine.NodeCommand) (*wire.ControlRecord, error) {
	pkt, err := wire.Encode(wire.PayloadNodeCommand, cmds)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	msg, err := NewPublishing(pkt)
	if err != nil {
		return nil, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, msg); err != nil {
		return nil, fmt.Errorf("publish to %s/%s: %w", p.cfg.Exchange, p.cfg.RoutingKey, err)
	}

	p.logger.Debug().
		Str("batch", pkt.Record.Batch).
		Int("count", pkt.Record.Count).
		Msg("Published command batch")
	return &pkt.Record, nil
}

// NewPublishing builds the AMQP message for a packet.
func NewPublishing(pkt *wire.Packet) (amqp.Publishing, error) {
	control, err := json.Marshal(pkt.Record)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal control record: %w", err)
	}
	return amqp.Publishing{
		ContentType:  ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    pkt.Record.Batch,
		Timestamp:    pkt.Record.CreatedAt,
		Type:         pkt.Record.Payload,
		Headers: amqp.Table{
			HeaderControl: string(control),
			HeaderBlob:    pkt.Blob,
		},
		Body: pkt.Frames,
	}, nil
}
