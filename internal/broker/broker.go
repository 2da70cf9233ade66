// Package broker implements the durable event bus on RabbitMQ: a
// topic-routed producer and a durable, manually-acknowledged consumer
// with bounded retry and dead-lettering.
package broker

import (
	"fmt"
	"sync"

	"TourLane/internal/biz"
	"TourLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/streadway/amqp"
)

// ProviderSet is broker providers.
var ProviderSet = wire.NewSet(
	NewConnection,
	NewProducer,
	NewConsumer,
	wire.Bind(new(biz.EventProducer), new(*Producer)),
)

// Connection wraps the AMQP connection and re-dials lazily after the
// broker drops it. Channels are not safe for concurrent use; callers own
// their channel and its locking.
type Connection struct {
	url    string
	mu     sync.Mutex
	conn   *amqp.Connection
	logger *log.Helper
}

// NewConnection dials RabbitMQ. Dial failure does not prevent startup:
// the producer degrades to logged publish failures and the consumer keeps
// retrying the subscription.
func NewConnection(c *conf.Broker, logger log.Logger) (*Connection, func(), error) {
	helper := log.NewHelper(logger)

	cn := &Connection{
		url:    c.URL,
		logger: helper,
	}

	conn, err := amqp.Dial(c.URL)
	if err != nil {
		helper.Warnf("failed to connect to RabbitMQ at startup: %v (will keep retrying)", err)
	} else {
		cn.conn = conn
		cn.watchClose(conn)
		helper.Info("RabbitMQ connection established")
	}

	cleanup := func() {
		helper.Info("closing RabbitMQ connection")
		cn.mu.Lock()
		defer cn.mu.Unlock()
		if cn.conn != nil && !cn.conn.IsClosed() {
			_ = cn.conn.Close()
		}
	}

	return cn, cleanup, nil
}

// watchClose logs broker-initiated connection closes.
func (c *Connection) watchClose(conn *amqp.Connection) {
	notifyClose := make(chan *amqp.Error, 1)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			c.logger.Warnf("RabbitMQ connection closed: %v", err)
		}
	}()
}

// Channel returns a fresh channel, re-dialing the connection if needed.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		c.conn = conn
		c.watchClose(conn)
		c.logger.Info("RabbitMQ connection re-established")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}
