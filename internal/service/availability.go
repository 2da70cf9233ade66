package service

import (
	"time"

	"TourLane/internal/biz"
	"TourLane/internal/data"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// AvailabilityService exposes the seat ledger over HTTP. Reads come from
// the cached path; the write path (event consumption) never goes through
// this service.
type AvailabilityService struct {
	uc     *biz.AvailabilityUsecase
	logger *log.Helper
}

// NewAvailabilityService creates a new AvailabilityService instance.
func NewAvailabilityService(uc *biz.AvailabilityUsecase, logger log.Logger) *AvailabilityService {
	return &AvailabilityService{
		uc:     uc,
		logger: log.NewHelper(logger),
	}
}

// OpenTourRequest is the JSON body for POST /api/v1/tours/{id}/availability.
type OpenTourRequest struct {
	Date     string `json:"date"` // YYYY-MM-DD, optional
	Capacity int    `json:"capacity"`
}

// AvailabilityReply is the caller-visible shape of a ledger record.
type AvailabilityReply struct {
	TourID          int64      `json:"tourId"`
	Date            *time.Time `json:"date,omitempty"`
	Capacity        int        `json:"capacity"`
	Booked          int        `json:"booked"`
	AvailableSeats  int        `json:"availableSeats"`
	LowAvailability bool       `json:"lowAvailability"`
	Threshold       int        `json:"threshold"`
	Version         int64      `json:"version"`
}

func (s *AvailabilityService) toReply(a *data.Availability) *AvailabilityReply {
	threshold := s.uc.Threshold(a.Capacity)
	available := a.AvailableSeats()
	return &AvailabilityReply{
		TourID:          a.TourID,
		Date:            a.Date,
		Capacity:        a.Capacity,
		Booked:          a.Booked,
		AvailableSeats:  available,
		LowAvailability: available <= threshold,
		Threshold:       threshold,
		Version:         a.Version,
	}
}

// OpenTour handles POST /api/v1/tours/{id}/availability.
func (s *AvailabilityService) OpenTour(ctx http.Context) error {
	tourID, err := pathID(ctx, "id")
	if err != nil {
		return err
	}

	var req OpenTourRequest
	if err := ctx.Bind(&req); err != nil {
		return errors.New(400, "INVALID_BODY", "invalid request body")
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return err
	}

	record, err := s.uc.OpenTour(ctx, tourID, date, req.Capacity)
	if err != nil {
		s.logger.Errorw("failed to open tour", "tour_id", tourID, "error", err)
		return err
	}
	return ctx.Result(201, s.toReply(record))
}

// GetAvailability handles GET /api/v1/tours/{id}/availability.
func (s *AvailabilityService) GetAvailability(ctx http.Context) error {
	tourID, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	date, err := parseDate(ctx.Query().Get("date"))
	if err != nil {
		return err
	}

	record, err := s.uc.GetAvailability(ctx, tourID, date)
	if err != nil {
		return err
	}
	return ctx.Result(200, s.toReply(record))
}
