package service

import (
	"time"

	"TourLane/internal/biz"
	"TourLane/internal/data"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// BookingService exposes the booking lifecycle over HTTP.
type BookingService struct {
	uc     *biz.BookingUsecase
	logger *log.Helper
}

// NewBookingService creates a new BookingService instance.
func NewBookingService(uc *biz.BookingUsecase, logger log.Logger) *BookingService {
	return &BookingService{
		uc:     uc,
		logger: log.NewHelper(logger),
	}
}

// CreateBookingRequest is the JSON body for POST /api/v1/bookings.
type CreateBookingRequest struct {
	TourID       int64  `json:"tourId"`
	TourDate     string `json:"tourDate"` // YYYY-MM-DD, optional
	Participants int    `json:"participants"`
}

// CancelBookingRequest carries the optional cancellation reason.
type CancelBookingRequest struct {
	Reason string `json:"reason"`
}

// BookingReply is the caller-visible shape of a booking.
type BookingReply struct {
	ID                 int64      `json:"id"`
	TourID             int64      `json:"tourId"`
	TourDate           *time.Time `json:"tourDate,omitempty"`
	Participants       int        `json:"participants"`
	Status             string     `json:"status"`
	CancellationReason *string    `json:"cancellationReason,omitempty"`
	ConfirmedAt        *time.Time `json:"confirmedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

func toBookingReply(b *data.Booking) *BookingReply {
	return &BookingReply{
		ID:                 b.ID,
		TourID:             b.TourID,
		TourDate:           b.TourDate,
		Participants:       b.Participants,
		Status:             string(b.Status),
		CancellationReason: b.CancellationReason,
		ConfirmedAt:        b.ConfirmedAt,
		CancelledAt:        b.CancelledAt,
		CompletedAt:        b.CompletedAt,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

// CreateBooking handles POST /api/v1/bookings.
func (s *BookingService) CreateBooking(ctx http.Context) error {
	var req CreateBookingRequest
	if err := ctx.Bind(&req); err != nil {
		return errors.New(400, "INVALID_BODY", "invalid request body")
	}

	tourDate, err := parseDate(req.TourDate)
	if err != nil {
		return err
	}

	booking, err := s.uc.CreateBooking(ctx, req.TourID, tourDate, req.Participants)
	if err != nil {
		s.logger.Errorw("failed to create booking", "tour_id", req.TourID, "error", err)
		return err
	}

	return ctx.Result(201, toBookingReply(booking))
}

// GetBooking handles GET /api/v1/bookings/{id}.
func (s *BookingService) GetBooking(ctx http.Context) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}

	booking, err := s.uc.GetBooking(ctx, id)
	if err != nil {
		return err
	}
	return ctx.Result(200, toBookingReply(booking))
}

// ConfirmBooking handles POST /api/v1/bookings/{id}/confirm.
func (s *BookingService) ConfirmBooking(ctx http.Context) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}

	booking, err := s.uc.Confirm(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Infow("booking confirmed", "booking_id", id)
	return ctx.Result(200, toBookingReply(booking))
}

// CancelBooking handles POST /api/v1/bookings/{id}/cancel.
func (s *BookingService) CancelBooking(ctx http.Context) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}

	// Body is optional; a missing or empty body means no reason given.
	var req CancelBookingRequest
	_ = ctx.Bind(&req)

	booking, err := s.uc.Cancel(ctx, id, req.Reason)
	if err != nil {
		return err
	}
	s.logger.Infow("booking cancelled", "booking_id", id, "reason", req.Reason)
	return ctx.Result(200, toBookingReply(booking))
}

// CompleteBooking handles POST /api/v1/bookings/{id}/complete.
func (s *BookingService) CompleteBooking(ctx http.Context) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}

	booking, err := s.uc.Complete(ctx, id)
	if err != nil {
		return err
	}
	return ctx.Result(200, toBookingReply(booking))
}
