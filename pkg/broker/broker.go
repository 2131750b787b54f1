package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/events"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/log"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/metrics"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// maxBackoffInterval bounds reconnect sleeps per spec (capped at 30s, jittered).
const maxBackoffInterval = 30 * time.Second

// confirmTimeout bounds how long Publish waits for the broker's confirm.
const confirmTimeout = 10 * time.Second

// ErrClosed is returned by operations attempted while the client is
// reconnecting or has been stopped.
var ErrClosed = fmt.Errorf("broker: channel not available")

// Client owns the AMQP connection: a manual-ack consumer on the task queue
// and a confirming publisher on the result exchange. Each of its two
// channels is confined to the flow that drives it (ingress reads
// Deliveries, egress calls Publish); Client itself only coordinates the
// shared connection and reconnect state.
type Client struct {
	params  types.BrokerParams
	taskQ   types.QueueCoordinates
	resultQ types.QueueCoordinates
	events  *events.Broker
	logger  zerolog.Logger

	mu         sync.RWMutex
	conn       *amqp.Connection
	consumeCh  *amqp.Channel
	publishCh  *amqp.Channel
	deliveries <-chan amqp.Delivery
	confirms   chan amqp.Confirmation

	stopCh chan struct{}
	stopOnce sync.Once
}

// NewClient creates a broker client. Start must be called before use.
func NewClient(eventBroker *events.Broker) *Client {
	return &Client{
		events: eventBroker,
		logger: log.WithComponent("broker"),
		stopCh: make(chan struct{}),
	}
}

// Start dials the broker, opens the consumer and publisher channels, and
// launches the background goroutine that redials on connection loss.
func (c *Client) Start(ctx context.Context, params types.BrokerParams, taskQ, resultQ types.QueueCoordinates) error {
	c.params = params
	c.taskQ = taskQ
	c.resultQ = resultQ

	if err := c.connect(); err != nil {
		return err
	}

	go c.watch()

	return nil
}

// Deliveries returns the channel of task deliveries. It is replaced on every
// reconnect, so callers should re-fetch it after observing it close.
func (c *Client) Deliveries() <-chan amqp.Delivery {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deliveries
}

func (c *Client) connect() error {
	dialCfg := amqp.Config{
		Heartbeat: time.Duration(c.params.HeartbeatSeconds) * time.Second,
	}

	conn, err := amqp.DialConfig(c.params.AMQPURL, dialCfg)
	if err != nil {
		return fmt.Errorf("broker: dial: %w", err)
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: open consume channel: %w", err)
	}

	prefetch := c.params.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := consumeCh.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("broker: set qos: %w", err)
	}

	deliveries, err := consumeCh.Consume(
		c.taskQ.Queue,
		"",    // consumer tag, broker-assigned
		false, // autoAck: manual ack only, per I1
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: start consume: %w", err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: open publish channel: %w", err)
	}
	if err := publishCh.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("broker: enable confirms: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.consumeCh = consumeCh
	c.publishCh = publishCh
	c.deliveries = deliveries
	c.confirms = publishCh.NotifyPublish(make(chan amqp.Confirmation, 1))
	c.mu.Unlock()

	return nil
}

// watch blocks on the connection's close notification and redials with
// exponential backoff whenever it fires, until Stop is called.
func (c *Client) watch() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case err := <-closeCh:
			c.logger.Warn().Err(err).Msg("broker connection lost, reconnecting")
			metrics.BrokerReconnectsTotal.Inc()
			if c.events != nil {
				c.events.Publish(&events.Event{Type: events.EventBrokerLost, Message: fmt.Sprint(err)})
			}
			c.reconnect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) reconnect() {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxBackoffInterval
	b.MaxElapsedTime = 0 // retry indefinitely; only Stop ends the loop

	operation := func() error {
		select {
		case <-c.stopCh:
			return backoff.Permanent(fmt.Errorf("broker: stopped during reconnect"))
		default:
		}
		return c.connect()
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Dur("wait", wait).Msg("broker reconnect attempt failed, backing off")
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		c.logger.Error().Err(err).Msg("broker reconnect aborted")
		return
	}

	c.logger.Info().Msg("broker reconnected")
	if c.events != nil {
		c.events.Publish(&events.Event{Type: events.EventBrokerReconnected})
	}
}

// Publish sends body to the result exchange with routingKey and blocks until
// the broker confirms receipt. A failed or unconfirmed publish returns an
// error; it never silently drops the message — the caller is expected to
// retry from the spool.
func (c *Client) Publish(ctx context.Context, body []byte, routingKey string) error {
	c.mu.RLock()
	ch := c.publishCh
	confirms := c.confirms
	exchange := c.resultQ.Exchange
	if routingKey == "" {
		routingKey = c.resultQ.RoutingKey
	}
	c.mu.RUnlock()

	if ch == nil {
		return ErrClosed
	}

	err := ch.PublishWithContext(ctx,
		exchange,
		routingKey,
		true,  // mandatory: unroutable messages are returned, not silently dropped
		false, // immediate
		amqp.Publishing{
			ContentType: "application/octet-stream",
			Body:        body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		metrics.BrokerPublishFailuresTotal.Inc()
		return fmt.Errorf("broker: publish: %w", err)
	}

	select {
	case confirm, ok := <-confirms:
		if !ok || !confirm.Ack {
			metrics.BrokerPublishFailuresTotal.Inc()
			return fmt.Errorf("broker: publish not confirmed")
		}
		metrics.ResultsPublishedTotal.Inc()
		return nil
	case <-time.After(confirmTimeout):
		metrics.BrokerPublishFailuresTotal.Inc()
		return fmt.Errorf("broker: publish confirm timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack completes a task's consumption; the executor has already accepted the
// submission by the time this is called.
func (c *Client) Ack(deliveryTag uint64) error {
	c.mu.RLock()
	ch := c.consumeCh
	c.mu.RUnlock()

	if ch == nil {
		return ErrClosed
	}
	return ch.Ack(deliveryTag, false)
}

// Nack returns a delivery to the queue (or discards it if requeue is false).
func (c *Client) Nack(deliveryTag uint64, requeue bool) error {
	c.mu.RLock()
	ch := c.consumeCh
	c.mu.RUnlock()

	if ch == nil {
		return ErrClosed
	}
	return ch.Nack(deliveryTag, false, requeue)
}

// Stop closes the connection and stops the reconnect watcher.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
