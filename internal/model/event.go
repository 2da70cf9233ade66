// Package model holds the wire-level and shared domain models of TourLane.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventVersion is the envelope schema version stamped on every published event.
const EventVersion = "1.0"

// Envelope is the wire format of every domain event. It is immutable once
// published; EventID is the idempotency key on the consumer side.
type Envelope struct {
	EventID      string          `json:"eventId"`
	EventType    string          `json:"eventType"`
	EventVersion string          `json:"eventVersion"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload into an envelope with a freshly generated
// event id and the current timestamp. The payload must be JSON-marshallable.
func NewEnvelope(eventType string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: EventVersion,
		Timestamp:    time.Now().UTC(),
		Data:         data,
	}, nil
}

// ParseEnvelope decodes an envelope from its wire representation.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodeData unmarshals the envelope payload into dest.
func (e *Envelope) DecodeData(dest interface{}) error {
	return json.Unmarshal(e.Data, dest)
}

// BookingEvent is the payload of booking.confirmed, booking.cancelled and
// booking.completed events.
type BookingEvent struct {
	BookingID    int64      `json:"bookingId"`
	TourID       int64      `json:"tourId"`
	TourDate     *time.Time `json:"tourDate,omitempty"`
	Participants int        `json:"participants"`
	Reason       string     `json:"reason,omitempty"`
	// WasConfirmed marks a cancellation that releases previously held
	// seats; a booking cancelled while still pending never took any.
	WasConfirmed bool `json:"wasConfirmed,omitempty"`
}

// PaymentEvent is the payload of payment.succeeded and payment.failed events.
type PaymentEvent struct {
	PaymentID string  `json:"paymentId"`
	BookingID int64   `json:"bookingId"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Reason    string  `json:"reason,omitempty"`
}

// AvailabilityLowEvent is the payload of tour.availability.low events.
type AvailabilityLowEvent struct {
	TourID         int64      `json:"tourId"`
	TourDate       *time.Time `json:"tourDate,omitempty"`
	Capacity       int        `json:"capacity"`
	AvailableSeats int        `json:"availableSeats"`
	Threshold      int        `json:"threshold"`
}
