package biz

import "fmt"

// EventType enumerates every domain event TourLane publishes or consumes.
// Routing between services happens exclusively through these events; there
// is no direct coupling across service boundaries.
type EventType int

const (
	// EventBookingConfirmed is published when a booking reaches confirmed.
	EventBookingConfirmed EventType = iota
	// EventBookingCancelled is published when a booking reaches cancelled.
	EventBookingCancelled
	// EventBookingCompleted is published when a booking reaches completed.
	EventBookingCompleted
	// EventPaymentSucceeded arrives from the payment service and drives
	// the auto-confirm rule.
	EventPaymentSucceeded
	// EventPaymentFailed arrives from the payment service and cancels a
	// pending booking.
	EventPaymentFailed
	// EventAvailabilityLow is published when remaining seats cross the
	// low-water mark.
	EventAvailabilityLow
)

// allEventTypes is the exhaustive list used for startup routing checks.
var allEventTypes = []EventType{
	EventBookingConfirmed,
	EventBookingCancelled,
	EventBookingCompleted,
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventAvailabilityLow,
}

// RoutingKey returns the topic routing key for the event type.
func (t EventType) RoutingKey() string {
	switch t {
	case EventBookingConfirmed:
		return "booking.confirmed"
	case EventBookingCancelled:
		return "booking.cancelled"
	case EventBookingCompleted:
		return "booking.completed"
	case EventPaymentSucceeded:
		return "payment.succeeded"
	case EventPaymentFailed:
		return "payment.failed"
	case EventAvailabilityLow:
		return "tour.availability.low"
	default:
		return "unknown"
	}
}

// String returns the routing key; event types are logged by their key.
func (t EventType) String() string {
	return t.RoutingKey()
}

// ParseEventType maps a routing key back to its event type.
func ParseEventType(routingKey string) (EventType, error) {
	for _, t := range allEventTypes {
		if t.RoutingKey() == routingKey {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type: %s", routingKey)
}
