package biz

import (
	"context"
	"fmt"
	"strings"

	"TourLane/internal/conf"
	"TourLane/internal/data"
	"TourLane/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// IdempotencyStore is the shared dedup ledger for event ids.
// Implementation is in data layer (data.IdempotencyStore).
type IdempotencyStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

// NotificationChannel sends user-facing notifications. Implementation is
// in data layer (data.LogNotificationChannel).
type NotificationChannel interface {
	Send(ctx context.Context, recipient, message string) *data.NotificationResult
}

// Decision is the per-message verdict the consumer turns into broker
// acknowledgements.
type Decision int

const (
	// DecisionAck acknowledges the delivery; the message is done
	// (handled, duplicate, or a business conflict retrying cannot fix).
	DecisionAck Decision = iota
	// DecisionRetry schedules a delayed republish with an incremented
	// retry counter, then acknowledges the original delivery.
	DecisionRetry
	// DecisionDeadLetter routes the message to the dead-letter path.
	// A fatal, operator-visible outcome, never a silent drop.
	DecisionDeadLetter
)

// EventHandler applies one event type to local state.
type EventHandler func(ctx context.Context, env *model.Envelope) error

// Dispatcher maps incoming envelopes to handlers with idempotent delivery
// and converts handler outcomes into ack/retry/dead-letter decisions.
// Handler errors never escape: the per-message boundary is absolute.
type Dispatcher struct {
	store      IdempotencyStore
	handlers   map[EventType]EventHandler
	maxRetries int
	logger     *log.Helper
}

// NewDispatcher wires the routing table and verifies at startup that every
// configured binding key is covered by a registered handler.
func NewDispatcher(
	c *conf.Broker,
	store IdempotencyStore,
	booking *BookingUsecase,
	availability *AvailabilityUsecase,
	notifier NotificationChannel,
	broadcaster Broadcaster,
	logger log.Logger,
) (*Dispatcher, error) {
	d := &Dispatcher{
		store:      store,
		handlers:   make(map[EventType]EventHandler),
		maxRetries: c.MaxRetries,
		logger:     log.NewHelper(logger),
	}

	d.handlers[EventBookingConfirmed] = func(ctx context.Context, env *model.Envelope) error {
		var ev model.BookingEvent
		if err := env.DecodeData(&ev); err != nil {
			return errors.New(400, "MALFORMED_EVENT", err.Error())
		}
		_, err := availability.ApplyDelta(ctx, ev.TourID, ev.TourDate, ev.Participants)
		return err
	}

	d.handlers[EventBookingCancelled] = func(ctx context.Context, env *model.Envelope) error {
		var ev model.BookingEvent
		if err := env.DecodeData(&ev); err != nil {
			return errors.New(400, "MALFORMED_EVENT", err.Error())
		}
		if !ev.WasConfirmed {
			// A booking cancelled while pending never held seats.
			return nil
		}
		_, err := availability.ApplyDelta(ctx, ev.TourID, ev.TourDate, -ev.Participants)
		return err
	}

	d.handlers[EventBookingCompleted] = func(ctx context.Context, env *model.Envelope) error {
		var ev model.BookingEvent
		if err := env.DecodeData(&ev); err != nil {
			return errors.New(400, "MALFORMED_EVENT", err.Error())
		}
		result := notifier.Send(ctx,
			fmt.Sprintf("booking-%d", ev.BookingID),
			fmt.Sprintf("tour %d completed, we hope you enjoyed it", ev.TourID))
		if !result.Success {
			return fmt.Errorf("completion notification failed: %s", result.Error)
		}
		return nil
	}

	d.handlers[EventPaymentSucceeded] = func(ctx context.Context, env *model.Envelope) error {
		var ev model.PaymentEvent
		if err := env.DecodeData(&ev); err != nil {
			return errors.New(400, "MALFORMED_EVENT", err.Error())
		}
		return booking.HandlePaymentSucceeded(ctx, ev.BookingID)
	}

	d.handlers[EventPaymentFailed] = func(ctx context.Context, env *model.Envelope) error {
		var ev model.PaymentEvent
		if err := env.DecodeData(&ev); err != nil {
			return errors.New(400, "MALFORMED_EVENT", err.Error())
		}
		return booking.HandlePaymentFailed(ctx, ev.BookingID, ev.Reason)
	}

	d.handlers[EventAvailabilityLow] = func(ctx context.Context, env *model.Envelope) error {
		var ev model.AvailabilityLowEvent
		if err := env.DecodeData(&ev); err != nil {
			return errors.New(400, "MALFORMED_EVENT", err.Error())
		}
		notifier.Send(ctx, "operations",
			fmt.Sprintf("tour %d down to %d seats (threshold %d)", ev.TourID, ev.AvailableSeats, ev.Threshold))
		return broadcaster.BroadcastAvailabilityLow(ctx, &ev)
	}

	if err := d.checkBindings(c.BindingKeys); err != nil {
		return nil, err
	}

	return d, nil
}

// checkBindings fails startup when a binding key the consumer subscribes
// to has no registered handler, so routing gaps surface immediately
// instead of as dead-lettered traffic.
func (d *Dispatcher) checkBindings(bindingKeys []string) error {
	for _, pattern := range bindingKeys {
		covered := false
		for t := range d.handlers {
			if matchTopic(pattern, t.RoutingKey()) {
				covered = true
				break
			}
		}
		if !covered {
			return fmt.Errorf("binding key %q matches no registered event handler", pattern)
		}
	}

	for _, t := range allEventTypes {
		if _, ok := d.handlers[t]; !ok {
			return fmt.Errorf("event type %q has no registered handler", t)
		}
	}
	return nil
}

// Dispatch applies one delivery. retryCount is the retry counter carried
// in the message metadata (0 on first delivery). The returned decision is
// the only thing that leaves this boundary; panics and errors are absorbed.
func (d *Dispatcher) Dispatch(ctx context.Context, env *model.Envelope, retryCount int) Decision {
	if env.EventID != "" {
		processed, err := d.store.IsProcessed(ctx, env.EventID)
		if err != nil {
			d.logger.Warnw("idempotency check failed",
				"event_id", env.EventID,
				"error", err)
			return d.retryOrDeadLetter(env, retryCount, err)
		}
		if processed {
			d.logger.Infow("duplicate event skipped",
				"event_id", env.EventID,
				"event_type", env.EventType)
			return DecisionAck
		}
	}

	eventType, err := ParseEventType(env.EventType)
	if err != nil {
		// No retry can teach us an unknown type; operator-visible.
		d.logger.Errorw("event with unknown type dead-lettered",
			"event_id", env.EventID,
			"event_type", env.EventType)
		return DecisionDeadLetter
	}

	if err := d.invoke(ctx, eventType, env); err != nil {
		if isBusinessConflict(err) {
			// Retrying cannot resolve a business conflict; absorb it.
			d.logger.Warnw("event rejected by business rule",
				"event_id", env.EventID,
				"event_type", env.EventType,
				"error", err)
			return DecisionAck
		}
		return d.retryOrDeadLetter(env, retryCount, err)
	}

	if env.EventID != "" {
		if err := d.store.MarkProcessed(ctx, env.EventID); err != nil {
			// The side effect happened; failing the delivery now would
			// reprocess it. Log and rely on handler-level tolerance.
			d.logger.Warnw("failed to mark event processed",
				"event_id", env.EventID,
				"error", err)
		}
	}
	return DecisionAck
}

// invoke runs the handler with a panic guard; a panicking handler is a
// failing handler, never a dying consumer.
func (d *Dispatcher) invoke(ctx context.Context, eventType EventType, env *model.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return d.handlers[eventType](ctx, env)
}

// retryOrDeadLetter applies the bounded retry policy: maxRetries delayed
// republishes, then the dead-letter path.
func (d *Dispatcher) retryOrDeadLetter(env *model.Envelope, retryCount int, cause error) Decision {
	if retryCount < d.maxRetries {
		d.logger.Warnw("event handling failed, scheduling retry",
			"event_id", env.EventID,
			"event_type", env.EventType,
			"retry_count", retryCount,
			"error", cause)
		return DecisionRetry
	}

	d.logger.Errorw("event exhausted retries, dead-lettering",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"attempts", retryCount+1,
		"error", cause)
	return DecisionDeadLetter
}

// isBusinessConflict reports whether the error is a caller-visible
// business rejection (4xx/409) rather than a transient failure.
func isBusinessConflict(err error) bool {
	if se := errors.FromError(err); se != nil {
		return se.Code >= 400 && se.Code < 500
	}
	return false
}

// matchTopic implements AMQP topic matching: '*' covers one word,
// '#' covers zero or more.
func matchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
