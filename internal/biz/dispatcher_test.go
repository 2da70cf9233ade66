package biz

import (
	"context"
	"errors"
	"testing"

	"TourLane/internal/conf"
	"TourLane/internal/data"
	"TourLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type dispatcherFixture struct {
	dispatcher  *Dispatcher
	store       *MockIdempotencyStore
	bookingRepo *MockBookingRepo
	availRepo   *MockAvailabilityRepo
	notifier    *MockNotificationChannel
	broadcaster *MockBroadcaster
	producer    *MockEventProducer
}

func testBrokerConfig() *conf.Broker {
	return &conf.Broker{
		BindingKeys: []string{"booking.#", "payment.#", "tour.availability.low"},
		MaxRetries:  3,
	}
}

func setupDispatcher(t *testing.T) *dispatcherFixture {
	t.Helper()

	f := &dispatcherFixture{
		store:       new(MockIdempotencyStore),
		bookingRepo: new(MockBookingRepo),
		availRepo:   new(MockAvailabilityRepo),
		notifier:    new(MockNotificationChannel),
		broadcaster: new(MockBroadcaster),
		producer:    new(MockEventProducer),
	}

	booking := NewBookingUsecase(f.bookingRepo, f.producer, log.DefaultLogger)
	availability := NewAvailabilityUsecase(
		&conf.Ledger{LowWaterMarkRatio: 0.2, MaxRetries: 3},
		f.availRepo, f.producer, f.broadcaster, log.DefaultLogger)

	d, err := NewDispatcher(testBrokerConfig(), f.store, booking, availability, f.notifier, f.broadcaster, log.DefaultLogger)
	require.NoError(t, err)
	f.dispatcher = d
	return f
}

func mustEnvelope(t *testing.T, eventType EventType, payload interface{}) *model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(eventType.RoutingKey(), payload)
	require.NoError(t, err)
	return env
}

func TestDispatch_DuplicateEventAcked(t *testing.T) {
	f := setupDispatcher(t)

	env := mustEnvelope(t, EventBookingConfirmed, &model.BookingEvent{BookingID: 1, TourID: 7, Participants: 2})
	f.store.On("IsProcessed", mock.Anything, env.EventID).Return(true, nil)

	decision := f.dispatcher.Dispatch(context.Background(), env, 0)
	assert.Equal(t, DecisionAck, decision)

	// The handler never ran: no ledger access, no second processing.
	f.availRepo.AssertNotCalled(t, "GetRecord")
	f.store.AssertNotCalled(t, "MarkProcessed")
}

func TestDispatch_SuccessMarksProcessed(t *testing.T) {
	f := setupDispatcher(t)

	env := mustEnvelope(t, EventBookingConfirmed, &model.BookingEvent{BookingID: 1, TourID: 7, Participants: 2})
	f.store.On("IsProcessed", mock.Anything, env.EventID).Return(false, nil)
	f.store.On("MarkProcessed", mock.Anything, env.EventID).Return(nil)

	record := &data.Availability{TourID: 7, Capacity: 20, Booked: 0, Version: 1}
	f.availRepo.On("GetRecord", mock.Anything, int64(7), mock.Anything).Return(record, nil)
	f.availRepo.On("ConditionalWrite", mock.Anything, record, int64(1)).Return(true, nil)

	decision := f.dispatcher.Dispatch(context.Background(), env, 0)
	assert.Equal(t, DecisionAck, decision)

	f.store.AssertExpectations(t)
	f.availRepo.AssertExpectations(t)
}

func TestDispatch_UnknownTypeDeadLettered(t *testing.T) {
	f := setupDispatcher(t)

	env, err := model.NewEnvelope("tour.weather.changed", map[string]string{})
	require.NoError(t, err)
	f.store.On("IsProcessed", mock.Anything, env.EventID).Return(false, nil)

	// Unknown even with retries left: no retry can fix an unknown type.
	assert.Equal(t, DecisionDeadLetter, f.dispatcher.Dispatch(context.Background(), env, 0))
}

func TestDispatch_TransientFailureRetriesThenDeadLetters(t *testing.T) {
	f := setupDispatcher(t)

	env := mustEnvelope(t, EventBookingConfirmed, &model.BookingEvent{BookingID: 1, TourID: 7, Participants: 2})
	f.store.On("IsProcessed", mock.Anything, env.EventID).Return(false, nil)
	f.availRepo.On("GetRecord", mock.Anything, int64(7), mock.Anything).
		Return(nil, errors.New("connection refused"))

	// retryCount below the bound: retry.
	assert.Equal(t, DecisionRetry, f.dispatcher.Dispatch(context.Background(), env, 0))
	assert.Equal(t, DecisionRetry, f.dispatcher.Dispatch(context.Background(), env, 2))
	// Bound reached after maxRetries+1 total attempts: dead-letter.
	assert.Equal(t, DecisionDeadLetter, f.dispatcher.Dispatch(context.Background(), env, 3))

	f.store.AssertNotCalled(t, "MarkProcessed")
}

func TestDispatch_BusinessConflictAcked(t *testing.T) {
	f := setupDispatcher(t)

	// Confirming two seats on a full tour is a capacity conflict, which
	// retrying can never fix.
	env := mustEnvelope(t, EventBookingConfirmed, &model.BookingEvent{BookingID: 1, TourID: 7, Participants: 2})
	f.store.On("IsProcessed", mock.Anything, env.EventID).Return(false, nil)
	record := &data.Availability{TourID: 7, Capacity: 20, Booked: 20, Version: 1}
	f.availRepo.On("GetRecord", mock.Anything, int64(7), mock.Anything).Return(record, nil)

	assert.Equal(t, DecisionAck, f.dispatcher.Dispatch(context.Background(), env, 0))
	f.availRepo.AssertNotCalled(t, "ConditionalWrite")
}

func TestDispatch_IdempotencyCheckFailureRetries(t *testing.T) {
	f := setupDispatcher(t)

	env := mustEnvelope(t, EventBookingConfirmed, &model.BookingEvent{BookingID: 1, TourID: 7, Participants: 2})
	f.store.On("IsProcessed", mock.Anything, env.EventID).Return(false, errors.New("redis down"))

	assert.Equal(t, DecisionRetry, f.dispatcher.Dispatch(context.Background(), env, 0))
	assert.Equal(t, DecisionDeadLetter, f.dispatcher.Dispatch(context.Background(), env, 3))
}

func TestDispatch_MarkProcessedFailureStillAcks(t *testing.T) {
	f := setupDispatcher(t)

	env := mustEnvelope(t, EventBookingCompleted, &model.BookingEvent{BookingID: 1, TourID: 7})
	f.store.On("IsProcessed", mock.Anything, env.EventID).Return(false, nil)
	f.store.On("MarkProcessed", mock.Anything, env.EventID).Return(errors.New("redis down"))
	f.notifier.On("Send", mock.Anything, mock.Anything, mock.Anything).
		Return(&data.NotificationResult{Success: true, Channel: "log"})

	// The side effect already happened; failing now would replay it.
	assert.Equal(t, DecisionAck, f.dispatcher.Dispatch(context.Background(), env, 0))
}

func TestDispatch_MalformedPayloadAcked(t *testing.T) {
	f := setupDispatcher(t)

	env := &model.Envelope{
		EventID:      "evt-1",
		EventType:    EventBookingConfirmed.RoutingKey(),
		EventVersion: model.EventVersion,
		Data:         []byte(`{"participants": "not-a-number"}`),
	}
	f.store.On("IsProcessed", mock.Anything, "evt-1").Return(false, nil)

	// A payload that cannot decode is a permanent rejection, not a retry.
	assert.Equal(t, DecisionAck, f.dispatcher.Dispatch(context.Background(), env, 0))
	f.availRepo.AssertNotCalled(t, "GetRecord")
}

func TestDispatch_PendingCancellationReleasesNothing(t *testing.T) {
	f := setupDispatcher(t)

	env := mustEnvelope(t, EventBookingCancelled, &model.BookingEvent{
		BookingID: 1, TourID: 7, Participants: 2, WasConfirmed: false,
	})
	f.store.On("IsProcessed", mock.Anything, env.EventID).Return(false, nil)
	f.store.On("MarkProcessed", mock.Anything, env.EventID).Return(nil)

	assert.Equal(t, DecisionAck, f.dispatcher.Dispatch(context.Background(), env, 0))
	f.availRepo.AssertNotCalled(t, "GetRecord")
	f.availRepo.AssertNotCalled(t, "ConditionalWrite")
}

func TestDispatch_ConfirmedCancellationReleasesSeats(t *testing.T) {
	f := setupDispatcher(t)

	env := mustEnvelope(t, EventBookingCancelled, &model.BookingEvent{
		BookingID: 1, TourID: 7, Participants: 2, WasConfirmed: true,
	})
	f.store.On("IsProcessed", mock.Anything, env.EventID).Return(false, nil)
	f.store.On("MarkProcessed", mock.Anything, env.EventID).Return(nil)

	record := &data.Availability{TourID: 7, Capacity: 20, Booked: 10, Version: 1}
	f.availRepo.On("GetRecord", mock.Anything, int64(7), mock.Anything).Return(record, nil)
	f.availRepo.On("ConditionalWrite", mock.Anything, mock.MatchedBy(func(r *data.Availability) bool {
		return r.Booked == 8
	}), int64(1)).Return(true, nil)

	assert.Equal(t, DecisionAck, f.dispatcher.Dispatch(context.Background(), env, 0))
	f.availRepo.AssertExpectations(t)
}

func TestDispatch_PaymentSucceededConfirmsBooking(t *testing.T) {
	f := setupDispatcher(t)

	env := mustEnvelope(t, EventPaymentSucceeded, &model.PaymentEvent{
		PaymentID: "pay-1", BookingID: 5, Amount: 99.5, Currency: "EUR",
	})
	f.store.On("IsProcessed", mock.Anything, env.EventID).Return(false, nil)
	f.store.On("MarkProcessed", mock.Anything, env.EventID).Return(nil)

	f.bookingRepo.On("GetBooking", mock.Anything, int64(5)).
		Return(&data.Booking{ID: 5, Status: data.BookingPending}, nil)
	f.bookingRepo.On("UpdateStatus", mock.Anything, int64(5), data.BookingPending, data.BookingConfirmed, mock.Anything).
		Return(true, nil)
	f.producer.On("Publish", mock.Anything, EventBookingConfirmed, mock.Anything).Return(true)

	assert.Equal(t, DecisionAck, f.dispatcher.Dispatch(context.Background(), env, 0))
	f.bookingRepo.AssertExpectations(t)
}

func TestDispatch_AvailabilityLowNotifiesAndBroadcasts(t *testing.T) {
	f := setupDispatcher(t)

	env := mustEnvelope(t, EventAvailabilityLow, &model.AvailabilityLowEvent{
		TourID: 7, Capacity: 20, AvailableSeats: 3, Threshold: 4,
	})
	f.store.On("IsProcessed", mock.Anything, env.EventID).Return(false, nil)
	f.store.On("MarkProcessed", mock.Anything, env.EventID).Return(nil)
	f.notifier.On("Send", mock.Anything, "operations", mock.Anything).
		Return(&data.NotificationResult{Success: true, Channel: "log"})
	f.broadcaster.On("BroadcastAvailabilityLow", mock.Anything, mock.Anything).Return(nil)

	assert.Equal(t, DecisionAck, f.dispatcher.Dispatch(context.Background(), env, 0))
	f.notifier.AssertExpectations(t)
	f.broadcaster.AssertExpectations(t)
}

func TestNewDispatcher_UncoveredBindingKeyFails(t *testing.T) {
	f := &dispatcherFixture{
		store:       new(MockIdempotencyStore),
		bookingRepo: new(MockBookingRepo),
		availRepo:   new(MockAvailabilityRepo),
		notifier:    new(MockNotificationChannel),
		broadcaster: new(MockBroadcaster),
		producer:    new(MockEventProducer),
	}
	booking := NewBookingUsecase(f.bookingRepo, f.producer, log.DefaultLogger)
	availability := NewAvailabilityUsecase(nil, f.availRepo, f.producer, f.broadcaster, log.DefaultLogger)

	cfg := testBrokerConfig()
	cfg.BindingKeys = append(cfg.BindingKeys, "refund.#")

	_, err := NewDispatcher(cfg, f.store, booking, availability, f.notifier, f.broadcaster, log.DefaultLogger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refund.#")
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		match   bool
	}{
		{"booking.#", "booking.confirmed", true},
		{"booking.#", "booking", true},
		{"booking.#", "payment.succeeded", false},
		{"payment.*", "payment.failed", true},
		{"payment.*", "payment.refund.issued", false},
		{"tour.availability.low", "tour.availability.low", true},
		{"tour.availability.low", "tour.availability", false},
		{"#", "anything.at.all", true},
		{"*.confirmed", "booking.confirmed", true},
		{"*.confirmed", "confirmed", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.match, matchTopic(tt.pattern, tt.key), "%s vs %s", tt.pattern, tt.key)
	}
}
