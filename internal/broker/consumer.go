package broker

import (
	"context"
	"math"
	"sync"
	"time"

	"TourLane/internal/biz"
	"TourLane/internal/conf"
	"TourLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/streadway/amqp"
)

// retryCountHeader carries the delivery's retry counter across
// republishes.
const retryCountHeader = "x-retry-count"

// resubscribeDelay paces reconnection attempts after the subscription
// drops.
const resubscribeDelay = 5 * time.Second

// Consumer is the long-running durable subscription of this service. It
// declares the topic exchange, a durable queue bound to the configured
// routing keys, and consumes with manual acknowledgment, one message at a
// time in program order. Retries are scheduled as non-blocking delayed
// republishes so the subscription stays responsive to unrelated messages.
//
// Consumer implements the kratos transport.Server interface so it runs
// under the application lifecycle next to the HTTP server.
type Consumer struct {
	conn       *Connection
	cfg        *conf.Broker
	dispatcher *biz.Dispatcher

	// pubCh serializes retry republishes; AMQP channels are not safe for
	// concurrent use.
	pubMu sync.Mutex
	pubCh *amqp.Channel

	stop chan struct{}
	done chan struct{}

	logger *log.Helper
}

// NewConsumer creates the event bus consumer.
func NewConsumer(c *conf.Broker, conn *Connection, dispatcher *biz.Dispatcher, logger log.Logger) *Consumer {
	return &Consumer{
		conn:       conn,
		cfg:        c,
		dispatcher: dispatcher,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     log.NewHelper(logger),
	}
}

// Start begins consuming. It returns immediately; the subscription loop
// runs until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	go c.run()
	return nil
}

// Stop terminates the subscription loop.
func (c *Consumer) Stop(ctx context.Context) error {
	close(c.stop)
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return nil
}

// run keeps the subscription alive, re-establishing it after broker
// failures until stopped.
func (c *Consumer) run() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if err := c.consumeOnce(); err != nil {
			c.logger.Warnw("subscription lost, re-subscribing",
				"queue", c.cfg.Queue,
				"delay", resubscribeDelay,
				"error", err)
		}

		select {
		case <-c.stop:
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

// consumeOnce declares the topology, subscribes, and processes deliveries
// until the channel dies or the consumer stops.
func (c *Consumer) consumeOnce() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	deliveries, err := c.setup(ch)
	if err != nil {
		return err
	}

	c.logger.Infow("event subscription established",
		"queue", c.cfg.Queue,
		"binding_keys", c.cfg.BindingKeys)

	for {
		select {
		case <-c.stop:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(d)
		}
	}
}

// setup declares the exchange, the dead-letter topology and the durable
// work queue, binds the routing keys, and opens the subscription. All
// declarations are idempotent.
func (c *Consumer) setup(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}

	// Dead-letter path: rejected deliveries route here for operator
	// inspection, never silent loss.
	if err := ch.ExchangeDeclare(c.cfg.DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(c.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return nil, err
	}
	if err := ch.QueueBind(c.cfg.DeadLetterQueue, "#", c.cfg.DeadLetterExchange, false, nil); err != nil {
		return nil, err
	}

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": c.cfg.DeadLetterExchange,
	}); err != nil {
		return nil, err
	}
	for _, key := range c.cfg.BindingKeys {
		if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			return nil, err
		}
	}

	// One unacknowledged message at a time: handlers run in program order
	// on this subscription.
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, err
	}

	return ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
}

// handle processes one delivery and converts the dispatcher's decision
// into broker acknowledgements.
func (c *Consumer) handle(d amqp.Delivery) {
	ctx := context.Background()

	env, err := model.ParseEnvelope(d.Body)
	if err != nil {
		// An unparseable envelope can never succeed; dead-letter it.
		c.logger.Errorw("malformed event envelope dead-lettered",
			"routing_key", d.RoutingKey,
			"error", err)
		_ = d.Nack(false, false)
		return
	}

	retryCount := readRetryCount(d.Headers)

	switch c.dispatcher.Dispatch(ctx, env, retryCount) {
	case biz.DecisionAck:
		_ = d.Ack(false)

	case biz.DecisionRetry:
		// The republish becomes the new unit of work; the original
		// delivery is acknowledged once the retry is scheduled.
		c.scheduleRetry(env, d, retryCount+1)
		_ = d.Ack(false)

	case biz.DecisionDeadLetter:
		// Nack without requeue routes through the dead-letter exchange.
		_ = d.Nack(false, false)
	}
}

// scheduleRetry republishes the delivery with an incremented retry
// counter after an exponential backoff delay. The delay runs on a timer,
// not a blocked consumer.
func (c *Consumer) scheduleRetry(env *model.Envelope, d amqp.Delivery, retryCount int) {
	delay := time.Duration(math.Pow(c.cfg.BackoffBase, float64(retryCount))) * time.Second

	c.logger.Infow("retry scheduled",
		"event_id", env.EventID,
		"routing_key", d.RoutingKey,
		"retry_count", retryCount,
		"delay", delay)

	body := d.Body
	routingKey := d.RoutingKey
	time.AfterFunc(delay, func() {
		if err := c.republish(routingKey, body, retryCount); err != nil {
			c.logger.Errorw("retry republish failed",
				"event_id", env.EventID,
				"routing_key", routingKey,
				"retry_count", retryCount,
				"error", err)
		}
	})
}

// republish publishes the retried message back to the work exchange with
// the updated retry counter.
func (c *Consumer) republish(routingKey string, body []byte, retryCount int) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if c.pubCh == nil {
		ch, err := c.conn.Channel()
		if err != nil {
			return err
		}
		c.pubCh = ch
	}

	err := c.pubCh.Publish(c.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers: amqp.Table{
			retryCountHeader: int32(retryCount),
		},
		Body: body,
	})
	if err != nil {
		_ = c.pubCh.Close()
		c.pubCh = nil
	}
	return err
}

// readRetryCount extracts the retry counter from message metadata; a
// first delivery has none.
func readRetryCount(headers amqp.Table) int {
	v, ok := headers[retryCountHeader]
	if !ok {
		return 0
	}

	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
