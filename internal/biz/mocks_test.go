package biz

import (
	"context"
	"time"

	"TourLane/internal/data"
	"TourLane/internal/model"

	"github.com/stretchr/testify/mock"
)

// MockBookingRepo is a mock implementation of BookingRepo for testing.
type MockBookingRepo struct {
	mock.Mock
}

func (m *MockBookingRepo) CreateBooking(ctx context.Context, booking *data.Booking) error {
	args := m.Called(ctx, booking)
	return args.Error(0)
}

func (m *MockBookingRepo) GetBooking(ctx context.Context, id int64) (*data.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.Booking), args.Error(1)
}

func (m *MockBookingRepo) UpdateStatus(ctx context.Context, id int64, from, to data.BookingStatus, updates map[string]interface{}) (bool, error) {
	args := m.Called(ctx, id, from, to, updates)
	return args.Bool(0), args.Error(1)
}

func (m *MockBookingRepo) ListConfirmedBefore(ctx context.Context, cutoff time.Time) ([]*data.Booking, error) {
	args := m.Called(ctx, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.Booking), args.Error(1)
}

// MockEventProducer is a mock implementation of EventProducer for testing.
type MockEventProducer struct {
	mock.Mock
}

func (m *MockEventProducer) Publish(ctx context.Context, eventType EventType, payload interface{}) bool {
	args := m.Called(ctx, eventType, payload)
	return args.Bool(0)
}

// MockAvailabilityRepo is a mock implementation of AvailabilityRepo for testing.
type MockAvailabilityRepo struct {
	mock.Mock
}

func (m *MockAvailabilityRepo) CreateRecord(ctx context.Context, record *data.Availability) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockAvailabilityRepo) GetRecord(ctx context.Context, tourID int64, date *time.Time) (*data.Availability, error) {
	args := m.Called(ctx, tourID, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.Availability), args.Error(1)
}

func (m *MockAvailabilityRepo) GetRecordCached(ctx context.Context, tourID int64, date *time.Time) (*data.Availability, error) {
	args := m.Called(ctx, tourID, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.Availability), args.Error(1)
}

func (m *MockAvailabilityRepo) ConditionalWrite(ctx context.Context, record *data.Availability, expectedVersion int64) (bool, error) {
	args := m.Called(ctx, record, expectedVersion)
	return args.Bool(0), args.Error(1)
}

func (m *MockAvailabilityRepo) SetLowMarkLatch(ctx context.Context, tourID int64, date *time.Time) (bool, error) {
	args := m.Called(ctx, tourID, date)
	return args.Bool(0), args.Error(1)
}

func (m *MockAvailabilityRepo) ClearLowMarkLatch(ctx context.Context, tourID int64, date *time.Time) error {
	args := m.Called(ctx, tourID, date)
	return args.Error(0)
}

// MockIdempotencyStore is a mock implementation of IdempotencyStore for testing.
type MockIdempotencyStore struct {
	mock.Mock
}

func (m *MockIdempotencyStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockIdempotencyStore) MarkProcessed(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

// MockNotificationChannel is a mock implementation of NotificationChannel for testing.
type MockNotificationChannel struct {
	mock.Mock
}

func (m *MockNotificationChannel) Send(ctx context.Context, recipient, message string) *data.NotificationResult {
	args := m.Called(ctx, recipient, message)
	return args.Get(0).(*data.NotificationResult)
}

// MockBroadcaster is a mock implementation of Broadcaster for testing.
type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) BroadcastAvailabilityLow(ctx context.Context, event *model.AvailabilityLowEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
