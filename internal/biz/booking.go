package biz

import (
	"context"
	"fmt"
	"time"

	"TourLane/internal/data"
	"TourLane/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// BookingRepo defines the booking repository interface.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.BookingRepo).
type BookingRepo interface {
	CreateBooking(ctx context.Context, booking *data.Booking) error
	GetBooking(ctx context.Context, id int64) (*data.Booking, error)
	UpdateStatus(ctx context.Context, id int64, from, to data.BookingStatus, updates map[string]interface{}) (bool, error)
	ListConfirmedBefore(ctx context.Context, cutoff time.Time) ([]*data.Booking, error)
}

// EventProducer publishes domain events to the durable event bus. Publish
// returns false instead of an error: event delivery failure must not roll
// back the business transaction that triggered it.
type EventProducer interface {
	Publish(ctx context.Context, eventType EventType, payload interface{}) bool
}

// bookingTransitions is the static lifecycle table. Completed and
// cancelled have no outgoing edges.
var bookingTransitions = map[data.BookingStatus][]data.BookingStatus{
	data.BookingPending:   {data.BookingConfirmed, data.BookingCancelled},
	data.BookingConfirmed: {data.BookingCompleted, data.BookingCancelled},
	data.BookingCompleted: {},
	data.BookingCancelled: {},
}

// CanTransition reports whether the lifecycle allows moving from one
// status to another.
func CanTransition(from, to data.BookingStatus) bool {
	for _, allowed := range bookingTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// newTransitionInvalidError builds the caller-visible rejection for an
// illegal lifecycle transition. A business conflict, never retried.
func newTransitionInvalidError(from, to data.BookingStatus) error {
	return errors.New(
		409,
		"TRANSITION_INVALID",
		fmt.Sprintf("cannot transition booking from %s to %s", from, to),
	)
}

// BookingUsecase implements the booking lifecycle state machine. Every
// transition into confirmed, cancelled or completed publishes a domain
// event with a freshly generated event id; downstream services observe
// lifecycle changes only through those events.
type BookingUsecase struct {
	repo     BookingRepo
	producer EventProducer
	logger   *log.Helper
}

// NewBookingUsecase creates a new booking lifecycle use case.
func NewBookingUsecase(repo BookingRepo, producer EventProducer, logger log.Logger) *BookingUsecase {
	return &BookingUsecase{
		repo:     repo,
		producer: producer,
		logger:   log.NewHelper(logger),
	}
}

// CreateBooking creates a new pending booking.
func (uc *BookingUsecase) CreateBooking(ctx context.Context, tourID int64, tourDate *time.Time, participants int) (*data.Booking, error) {
	if participants <= 0 {
		return nil, errors.New(400, "INVALID_PARTICIPANTS", "participants must be positive")
	}

	booking := &data.Booking{
		TourID:       tourID,
		TourDate:     tourDate,
		Participants: participants,
	}
	if err := uc.repo.CreateBooking(ctx, booking); err != nil {
		return nil, err
	}

	return booking, nil
}

// GetBooking retrieves a booking by ID.
func (uc *BookingUsecase) GetBooking(ctx context.Context, id int64) (*data.Booking, error) {
	return uc.repo.GetBooking(ctx, id)
}

// Confirm drives a booking from pending to confirmed.
func (uc *BookingUsecase) Confirm(ctx context.Context, id int64) (*data.Booking, error) {
	return uc.transition(ctx, id, data.BookingConfirmed, "")
}

// Cancel drives a booking to cancelled from pending or confirmed.
func (uc *BookingUsecase) Cancel(ctx context.Context, id int64, reason string) (*data.Booking, error) {
	return uc.transition(ctx, id, data.BookingCancelled, reason)
}

// Complete drives a confirmed booking to completed.
func (uc *BookingUsecase) Complete(ctx context.Context, id int64) (*data.Booking, error) {
	return uc.transition(ctx, id, data.BookingCompleted, "")
}

// transition validates the move against the lifecycle table, stamps the
// corresponding timestamp, persists the new status and publishes the
// matching domain event. The persistence guard on the previous status
// makes concurrent transitions on the same booking lose cleanly.
func (uc *BookingUsecase) transition(ctx context.Context, id int64, target data.BookingStatus, reason string) (*data.Booking, error) {
	booking, err := uc.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}

	from := booking.Status
	if !CanTransition(from, target) {
		uc.logger.Warnw("invalid booking transition rejected",
			"booking_id", id,
			"from", from,
			"to", target)
		return nil, newTransitionInvalidError(from, target)
	}

	now := time.Now()
	updates := map[string]interface{}{}
	switch target {
	case data.BookingConfirmed:
		booking.ConfirmedAt = &now
		updates["confirmed_at"] = now
	case data.BookingCancelled:
		booking.CancelledAt = &now
		updates["cancelled_at"] = now
		if reason != "" {
			booking.CancellationReason = &reason
			updates["cancellation_reason"] = reason
		}
	case data.BookingCompleted:
		booking.CompletedAt = &now
		updates["completed_at"] = now
	}

	ok, err := uc.repo.UpdateStatus(ctx, id, from, target, updates)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The row moved underneath us: another transition won the race.
		return nil, newTransitionInvalidError(from, target)
	}
	booking.Status = target

	uc.publishLifecycleEvent(ctx, booking, from, reason)
	return booking, nil
}

// publishLifecycleEvent hands the transition to the event bus. Failure is
// logged, never propagated: the transition already happened and must not
// be rolled back because delivery failed.
func (uc *BookingUsecase) publishLifecycleEvent(ctx context.Context, booking *data.Booking, from data.BookingStatus, reason string) {
	var eventType EventType
	switch booking.Status {
	case data.BookingConfirmed:
		eventType = EventBookingConfirmed
	case data.BookingCancelled:
		eventType = EventBookingCancelled
	case data.BookingCompleted:
		eventType = EventBookingCompleted
	default:
		return
	}

	payload := &model.BookingEvent{
		BookingID:    booking.ID,
		TourID:       booking.TourID,
		TourDate:     booking.TourDate,
		Participants: booking.Participants,
		Reason:       reason,
		WasConfirmed: from == data.BookingConfirmed,
	}

	if !uc.producer.Publish(ctx, eventType, payload) {
		uc.logger.Warnw("lifecycle event publish failed",
			"booking_id", booking.ID,
			"event_type", eventType.String())
	}
}

// HandlePaymentSucceeded applies the auto-confirm rule: a pending booking
// is driven to confirmed as a side effect of payment processing. A booking
// already past pending is left alone (redelivered or late notification).
func (uc *BookingUsecase) HandlePaymentSucceeded(ctx context.Context, bookingID int64) error {
	booking, err := uc.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}

	if booking.Status != data.BookingPending {
		uc.logger.Infow("payment succeeded for non-pending booking, ignoring",
			"booking_id", bookingID,
			"status", booking.Status)
		return nil
	}

	_, err = uc.Confirm(ctx, bookingID)
	return err
}

// HandlePaymentFailed cancels a pending booking whose payment failed.
func (uc *BookingUsecase) HandlePaymentFailed(ctx context.Context, bookingID int64, reason string) error {
	booking, err := uc.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}

	if booking.Status != data.BookingPending {
		uc.logger.Infow("payment failed for non-pending booking, ignoring",
			"booking_id", bookingID,
			"status", booking.Status)
		return nil
	}

	if reason == "" {
		reason = "payment failed"
	}
	_, err = uc.Cancel(ctx, bookingID, reason)
	return err
}

// CompleteExpired drives confirmed bookings whose tour date has passed to
// completed, through the normal state machine. Called by the cron sweep.
func (uc *BookingUsecase) CompleteExpired(ctx context.Context, now time.Time) (int, error) {
	bookings, err := uc.repo.ListConfirmedBefore(ctx, now)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, booking := range bookings {
		if _, err := uc.Complete(ctx, booking.ID); err != nil {
			// Log and continue with the rest of the batch.
			uc.logger.Warnw("failed to complete expired booking",
				"booking_id", booking.ID,
				"error", err)
			continue
		}
		completed++
	}

	if completed > 0 {
		uc.logger.Infow("completion sweep finished",
			"total", len(bookings),
			"completed", completed)
	}
	return completed, nil
}
