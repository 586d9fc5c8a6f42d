package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrNoChannel is returned while the connection is down.
var ErrNoChannel = errors.New("no amqp channel available")

// Connection wraps an AMQP connection and one channel, redialing when the broker drops
// the connection.
type Connection struct {
	url    string
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closed      bool
	closedCh    chan struct{}
	reconnectCh chan struct{}
}

// Dial connects to the broker in cfg.URL and starts watching the connection.
func Dial(cfg Config, logger zerolog.Logger) (*Connection, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	c := &Connection{
		url:         cfg.URL,
		cfg:         cfg,
		logger:      logger.With().Str("component", "relay").Logger(),
		closedCh:    make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.watch()
	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.logger.Info().Msg("Connected to AMQP broker")
	return nil
}

func (c *Connection) watch() {
	for {
		c.mu.RLock()
		conn := c.conn
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-notify:
			if err != nil {
				c.logger.Warn().Err(err).Msg("AMQP connection closed")
			}
			if !c.reconnect() {
				return
			}
		}
	}
}

// reconnect redials with exponential backoff. It returns false once the connection is
// closed by the caller.
func (c *Connection) reconnect() bool {
	delay := c.cfg.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := c.cfg.MaxReconnectDelay
	if maxDelay < delay {
		maxDelay = delay
	}

	for {
		select {
		case <-c.closedCh:
			return false
		case <-time.After(delay):
		}

		if err := c.connect(); err != nil {
			c.logger.Warn().Err(err).Dur("delay", delay).Msg("Reconnect failed")
			delay = min(delay*2, maxDelay)
			continue
		}

		select {
		case c.reconnectCh <- struct{}{}:
		default:
		}
		return true
	}
}

// Channel returns the current channel, or nil while disconnected.
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Reconnected is signalled after each successful redial.
func (c *Connection) Reconnected() <-chan struct{} {
	return c.reconnectCh
}

// PublishWithContext publishes on the current channel.
func (c *Connection) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch := c.Channel()
	if ch == nil {
		return ErrNoChannel
	}
	return ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// IsConnected reports whether the underlying connection is open.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the channel and the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// DeclareTopology declares the durable direct exchange and queue from cfg and binds them.
func (c *Connection) DeclareTopology() error {
	ch := c.Channel()
	if ch == nil {
		return ErrNoChannel
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", c.cfg.Queue, c.cfg.Exchange, err)
	}
	return nil
}
