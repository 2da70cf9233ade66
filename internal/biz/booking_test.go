package biz

import (
	"context"
	"testing"
	"time"

	"TourLane/internal/data"
	"TourLane/internal/model"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setupBookingUsecase(t *testing.T) (*BookingUsecase, *MockBookingRepo, *MockEventProducer) {
	t.Helper()
	repo := new(MockBookingRepo)
	producer := new(MockEventProducer)
	uc := NewBookingUsecase(repo, producer, log.DefaultLogger)
	return uc, repo, producer
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from    data.BookingStatus
		to      data.BookingStatus
		allowed bool
	}{
		{data.BookingPending, data.BookingConfirmed, true},
		{data.BookingPending, data.BookingCancelled, true},
		{data.BookingPending, data.BookingCompleted, false},
		{data.BookingConfirmed, data.BookingCompleted, true},
		{data.BookingConfirmed, data.BookingCancelled, true},
		{data.BookingConfirmed, data.BookingPending, false},
		{data.BookingCompleted, data.BookingCancelled, false},
		{data.BookingCompleted, data.BookingConfirmed, false},
		{data.BookingCancelled, data.BookingConfirmed, false},
		{data.BookingCancelled, data.BookingCompleted, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCreateBooking(t *testing.T) {
	uc, repo, _ := setupBookingUsecase(t)

	repo.On("CreateBooking", mock.Anything, mock.MatchedBy(func(b *data.Booking) bool {
		return b.TourID == 7 && b.Participants == 3
	})).Return(nil)

	booking, err := uc.CreateBooking(context.Background(), 7, nil, 3)
	require.NoError(t, err)
	require.NotNil(t, booking)
	repo.AssertExpectations(t)
}

func TestCreateBooking_InvalidParticipants(t *testing.T) {
	uc, repo, _ := setupBookingUsecase(t)

	for _, participants := range []int{0, -2} {
		_, err := uc.CreateBooking(context.Background(), 7, nil, participants)
		require.Error(t, err)
		assert.Equal(t, int32(400), kerrors.FromError(err).Code)
	}
	repo.AssertNotCalled(t, "CreateBooking")
}

func TestConfirm_PublishesEvent(t *testing.T) {
	uc, repo, producer := setupBookingUsecase(t)

	repo.On("GetBooking", mock.Anything, int64(1)).Return(&data.Booking{
		ID:           1,
		TourID:       7,
		Participants: 2,
		Status:       data.BookingPending,
	}, nil)
	repo.On("UpdateStatus", mock.Anything, int64(1), data.BookingPending, data.BookingConfirmed, mock.Anything).
		Return(true, nil)
	producer.On("Publish", mock.Anything, EventBookingConfirmed, mock.Anything).Return(true)

	booking, err := uc.Confirm(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, data.BookingConfirmed, booking.Status)
	require.NotNil(t, booking.ConfirmedAt)

	repo.AssertExpectations(t)
	producer.AssertExpectations(t)
}

func TestConfirm_TerminalStateRejected(t *testing.T) {
	uc, repo, producer := setupBookingUsecase(t)

	repo.On("GetBooking", mock.Anything, int64(1)).Return(&data.Booking{
		ID:     1,
		Status: data.BookingCancelled,
	}, nil)

	_, err := uc.Confirm(context.Background(), 1)
	require.Error(t, err)
	se := kerrors.FromError(err)
	assert.Equal(t, int32(409), se.Code)
	assert.Equal(t, "TRANSITION_INVALID", se.Reason)

	repo.AssertNotCalled(t, "UpdateStatus")
	producer.AssertNotCalled(t, "Publish")
}

func TestCancel_ConfirmedMarksWasConfirmed(t *testing.T) {
	uc, repo, producer := setupBookingUsecase(t)

	repo.On("GetBooking", mock.Anything, int64(2)).Return(&data.Booking{
		ID:           2,
		TourID:       7,
		Participants: 4,
		Status:       data.BookingConfirmed,
	}, nil)
	repo.On("UpdateStatus", mock.Anything, int64(2), data.BookingConfirmed, data.BookingCancelled, mock.Anything).
		Return(true, nil)
	producer.On("Publish", mock.Anything, EventBookingCancelled, mock.MatchedBy(func(p interface{}) bool {
		ev := p.(*model.BookingEvent)
		return ev.WasConfirmed && ev.Reason == "change of plans"
	})).Return(true)

	booking, err := uc.Cancel(context.Background(), 2, "change of plans")
	require.NoError(t, err)
	assert.Equal(t, data.BookingCancelled, booking.Status)
	require.NotNil(t, booking.CancellationReason)
	assert.Equal(t, "change of plans", *booking.CancellationReason)

	producer.AssertExpectations(t)
}

func TestCancel_PendingDoesNotMarkWasConfirmed(t *testing.T) {
	uc, repo, producer := setupBookingUsecase(t)

	repo.On("GetBooking", mock.Anything, int64(3)).Return(&data.Booking{
		ID:     3,
		Status: data.BookingPending,
	}, nil)
	repo.On("UpdateStatus", mock.Anything, int64(3), data.BookingPending, data.BookingCancelled, mock.Anything).
		Return(true, nil)
	producer.On("Publish", mock.Anything, EventBookingCancelled, mock.MatchedBy(func(p interface{}) bool {
		return !p.(*model.BookingEvent).WasConfirmed
	})).Return(true)

	_, err := uc.Cancel(context.Background(), 3, "")
	require.NoError(t, err)
	producer.AssertExpectations(t)
}

func TestTransition_LostRaceBecomesConflict(t *testing.T) {
	uc, repo, producer := setupBookingUsecase(t)

	repo.On("GetBooking", mock.Anything, int64(4)).Return(&data.Booking{
		ID:     4,
		Status: data.BookingPending,
	}, nil)
	// The guarded update matched zero rows: a concurrent transition won.
	repo.On("UpdateStatus", mock.Anything, int64(4), data.BookingPending, data.BookingConfirmed, mock.Anything).
		Return(false, nil)

	_, err := uc.Confirm(context.Background(), 4)
	require.Error(t, err)
	assert.Equal(t, int32(409), kerrors.FromError(err).Code)
	producer.AssertNotCalled(t, "Publish")
}

func TestTransition_PublishFailureDoesNotFailTransition(t *testing.T) {
	uc, repo, producer := setupBookingUsecase(t)

	repo.On("GetBooking", mock.Anything, int64(5)).Return(&data.Booking{
		ID:     5,
		Status: data.BookingConfirmed,
	}, nil)
	repo.On("UpdateStatus", mock.Anything, int64(5), data.BookingConfirmed, data.BookingCompleted, mock.Anything).
		Return(true, nil)
	producer.On("Publish", mock.Anything, EventBookingCompleted, mock.Anything).Return(false)

	booking, err := uc.Complete(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, data.BookingCompleted, booking.Status)
}

func TestHandlePaymentSucceeded_AutoConfirms(t *testing.T) {
	uc, repo, producer := setupBookingUsecase(t)

	repo.On("GetBooking", mock.Anything, int64(6)).Return(&data.Booking{
		ID:     6,
		Status: data.BookingPending,
	}, nil)
	repo.On("UpdateStatus", mock.Anything, int64(6), data.BookingPending, data.BookingConfirmed, mock.Anything).
		Return(true, nil)
	producer.On("Publish", mock.Anything, EventBookingConfirmed, mock.Anything).Return(true)

	require.NoError(t, uc.HandlePaymentSucceeded(context.Background(), 6))
	producer.AssertExpectations(t)
}

func TestHandlePaymentSucceeded_NonPendingIgnored(t *testing.T) {
	uc, repo, producer := setupBookingUsecase(t)

	repo.On("GetBooking", mock.Anything, int64(7)).Return(&data.Booking{
		ID:     7,
		Status: data.BookingCancelled,
	}, nil)

	require.NoError(t, uc.HandlePaymentSucceeded(context.Background(), 7))
	repo.AssertNotCalled(t, "UpdateStatus")
	producer.AssertNotCalled(t, "Publish")
}

func TestHandlePaymentFailed_CancelsWithDefaultReason(t *testing.T) {
	uc, repo, producer := setupBookingUsecase(t)

	repo.On("GetBooking", mock.Anything, int64(8)).Return(&data.Booking{
		ID:     8,
		Status: data.BookingPending,
	}, nil)
	repo.On("UpdateStatus", mock.Anything, int64(8), data.BookingPending, data.BookingCancelled, mock.Anything).
		Return(true, nil)
	producer.On("Publish", mock.Anything, EventBookingCancelled, mock.MatchedBy(func(p interface{}) bool {
		return p.(*model.BookingEvent).Reason == "payment failed"
	})).Return(true)

	require.NoError(t, uc.HandlePaymentFailed(context.Background(), 8, ""))
	producer.AssertExpectations(t)
}

func TestCompleteExpired(t *testing.T) {
	uc, repo, producer := setupBookingUsecase(t)

	now := time.Now()
	repo.On("ListConfirmedBefore", mock.Anything, now).Return([]*data.Booking{
		{ID: 10, Status: data.BookingConfirmed},
		{ID: 11, Status: data.BookingConfirmed},
	}, nil)
	repo.On("GetBooking", mock.Anything, int64(10)).Return(&data.Booking{ID: 10, Status: data.BookingConfirmed}, nil)
	repo.On("GetBooking", mock.Anything, int64(11)).Return(&data.Booking{ID: 11, Status: data.BookingConfirmed}, nil)
	repo.On("UpdateStatus", mock.Anything, int64(10), data.BookingConfirmed, data.BookingCompleted, mock.Anything).
		Return(true, nil)
	// Booking 11 was cancelled concurrently; the sweep moves on.
	repo.On("UpdateStatus", mock.Anything, int64(11), data.BookingConfirmed, data.BookingCompleted, mock.Anything).
		Return(false, nil)
	producer.On("Publish", mock.Anything, EventBookingCompleted, mock.Anything).Return(true)

	completed, err := uc.CompleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
}
