package broker

import (
	"context"
	"encoding/json"
	"sync"

	"TourLane/internal/biz"
	"TourLane/internal/conf"
	"TourLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/streadway/amqp"
)

// Producer publishes domain events to the durable topic exchange with the
// persistence flag set. Publish failures are logged and reported as a
// boolean: the business transaction that triggered the event must not be
// rolled back because delivery failed.
type Producer struct {
	conn     *Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel

	logger *log.Helper
}

// NewProducer creates the event bus producer.
func NewProducer(c *conf.Broker, conn *Connection, logger log.Logger) *Producer {
	return &Producer{
		conn:     conn,
		exchange: c.Exchange,
		logger:   log.NewHelper(logger),
	}
}

// channel returns the producer's channel, opening one and declaring the
// exchange on first use or after a drop. Caller must hold p.mu.
func (p *Producer) channel() (*amqp.Channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}

	// ExchangeDeclare is idempotent and has no effect if the exchange is
	// already in place.
	if err := ch.ExchangeDeclare(
		p.exchange, // name of the exchange
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		_ = ch.Close()
		return nil, err
	}

	p.ch = ch
	return ch, nil
}

// Publish wraps the payload into a fresh envelope and publishes it under
// the event type's routing key. Returns false on any failure.
func (p *Producer) Publish(ctx context.Context, eventType biz.EventType, payload interface{}) bool {
	env, err := model.NewEnvelope(eventType.RoutingKey(), payload)
	if err != nil {
		p.logger.Errorw("failed to build event envelope",
			"event_type", eventType.String(),
			"error", err)
		return false
	}

	body, err := json.Marshal(env)
	if err != nil {
		p.logger.Errorw("failed to marshal event envelope",
			"event_id", env.EventID,
			"error", err)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		p.logger.Errorw("event publish failed, broker unreachable",
			"event_id", env.EventID,
			"routing_key", eventType.RoutingKey(),
			"error", err)
		return false
	}

	err = ch.Publish(
		p.exchange,
		eventType.RoutingKey(),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.EventID,
			Timestamp:    env.Timestamp,
			Type:         env.EventType,
			Body:         body,
		},
	)
	if err != nil {
		// Drop the channel so the next publish reopens it.
		_ = p.ch.Close()
		p.ch = nil
		p.logger.Errorw("event publish failed",
			"event_id", env.EventID,
			"routing_key", eventType.RoutingKey(),
			"error", err)
		return false
	}

	p.logger.Debugw("event published",
		"event_id", env.EventID,
		"routing_key", eventType.RoutingKey())
	return true
}
