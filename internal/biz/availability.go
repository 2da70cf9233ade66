package biz

import (
	"context"
	"fmt"
	"math"
	"time"

	"TourLane/internal/conf"
	"TourLane/internal/data"
	"TourLane/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// AvailabilityRepo defines the seat ledger repository interface.
// Implementation is in data layer (data.AvailabilityRepo).
type AvailabilityRepo interface {
	CreateRecord(ctx context.Context, record *data.Availability) error
	GetRecord(ctx context.Context, tourID int64, date *time.Time) (*data.Availability, error)
	GetRecordCached(ctx context.Context, tourID int64, date *time.Time) (*data.Availability, error)
	ConditionalWrite(ctx context.Context, record *data.Availability, expectedVersion int64) (bool, error)
	SetLowMarkLatch(ctx context.Context, tourID int64, date *time.Time) (bool, error)
	ClearLowMarkLatch(ctx context.Context, tourID int64, date *time.Time) error
}

// Broadcaster fans low-availability alerts out to connected clients.
// Implementation is in data layer (data.LogBroadcaster).
type Broadcaster interface {
	BroadcastAvailabilityLow(ctx context.Context, event *model.AvailabilityLowEvent) error
}

// newCapacityConflictError builds the caller-visible rejection for a
// mutation that would violate 0 <= booked <= capacity. A business
// conflict, not a retryable transient failure.
func newCapacityConflictError(tourID int64, booked, capacity int) error {
	return errors.New(
		409,
		"CAPACITY_CONFLICT",
		fmt.Sprintf("tour %d: booked seats would become %d with capacity %d", tourID, booked, capacity),
	)
}

// ErrVersionConflict is surfaced after the optimistic retry budget is
// exhausted; a transient failure the caller (or retry policy) may retry.
var ErrVersionConflict = errors.New(503, "VERSION_CONFLICT", "availability update lost the optimistic concurrency race repeatedly")

// AvailabilityUsecase is the optimistic-concurrency counter of booked and
// available seats per tour.
type AvailabilityUsecase struct {
	repo        AvailabilityRepo
	producer    EventProducer
	broadcaster Broadcaster

	lowWaterMarkRatio float64
	maxRetries        int

	logger *log.Helper
}

// NewAvailabilityUsecase creates the availability ledger use case.
func NewAvailabilityUsecase(c *conf.Ledger, repo AvailabilityRepo, producer EventProducer, broadcaster Broadcaster, logger log.Logger) *AvailabilityUsecase {
	ratio := 0.2
	maxRetries := 3
	if c != nil {
		if c.LowWaterMarkRatio > 0 {
			ratio = c.LowWaterMarkRatio
		}
		if c.MaxRetries > 0 {
			maxRetries = c.MaxRetries
		}
	}

	return &AvailabilityUsecase{
		repo:              repo,
		producer:          producer,
		broadcaster:       broadcaster,
		lowWaterMarkRatio: ratio,
		maxRetries:        maxRetries,
		logger:            log.NewHelper(logger),
	}
}

// OpenTour creates the ledger row for a tour departure.
func (uc *AvailabilityUsecase) OpenTour(ctx context.Context, tourID int64, date *time.Time, capacity int) (*data.Availability, error) {
	if capacity <= 0 {
		return nil, errors.New(400, "INVALID_CAPACITY", "capacity must be positive")
	}

	record := &data.Availability{
		TourID:   tourID,
		Date:     date,
		Capacity: capacity,
	}
	if err := uc.repo.CreateRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// GetAvailability serves the read-only availability API.
func (uc *AvailabilityUsecase) GetAvailability(ctx context.Context, tourID int64, date *time.Time) (*data.Availability, error) {
	return uc.repo.GetRecordCached(ctx, tourID, date)
}

// ApplyDelta mutates booked seats by delta using a bounded optimistic
// read-compute-write loop. Positive delta books seats (confirm), negative
// delta releases them (cancel). A mutation that would break
// 0 <= booked <= capacity is rejected as a business conflict without
// retrying; a version race is retried up to the configured bound.
func (uc *AvailabilityUsecase) ApplyDelta(ctx context.Context, tourID int64, date *time.Time, delta int) (*data.Availability, error) {
	if delta == 0 {
		return uc.repo.GetRecord(ctx, tourID, date)
	}

	for attempt := 0; attempt < uc.maxRetries; attempt++ {
		record, err := uc.repo.GetRecord(ctx, tourID, date)
		if err != nil {
			return nil, err
		}

		newBooked := record.Booked + delta
		if newBooked < 0 || newBooked > record.Capacity {
			return nil, newCapacityConflictError(tourID, newBooked, record.Capacity)
		}

		prevAvailable := record.AvailableSeats()
		expectedVersion := record.Version
		record.Booked = newBooked

		ok, err := uc.repo.ConditionalWrite(ctx, record, expectedVersion)
		if err != nil {
			return nil, err
		}
		if ok {
			uc.afterWrite(ctx, record, prevAvailable, delta)
			return record, nil
		}

		// Version conflict, retry the full read-compute-write cycle.
		backoff := time.Duration(attempt+1) * 10 * time.Millisecond
		uc.logger.Debugw("availability version conflict, retrying",
			"tour_id", tourID,
			"retry", attempt+1,
			"backoff", backoff)
		time.Sleep(backoff)
	}

	uc.logger.Warnw("availability update failed after retries",
		"tour_id", tourID,
		"delta", delta,
		"max_retries", uc.maxRetries)
	return nil, ErrVersionConflict
}

// afterWrite handles the low-water-mark side effects of a successful
// mutation. A downward crossing arms a shared latch and publishes
// tour.availability.low at most once per crossing; seats coming back
// above the threshold disarm the latch.
func (uc *AvailabilityUsecase) afterWrite(ctx context.Context, record *data.Availability, prevAvailable, delta int) {
	threshold := uc.Threshold(record.Capacity)
	available := record.AvailableSeats()

	if delta > 0 {
		if available > threshold || available <= 0 || prevAvailable <= threshold {
			return
		}

		armed, err := uc.repo.SetLowMarkLatch(ctx, record.TourID, record.Date)
		if err != nil {
			uc.logger.Warnw("failed to arm low-water-mark latch",
				"tour_id", record.TourID,
				"error", err)
			return
		}
		if !armed {
			// Another instance already alerted for this crossing.
			return
		}

		event := &model.AvailabilityLowEvent{
			TourID:         record.TourID,
			TourDate:       record.Date,
			Capacity:       record.Capacity,
			AvailableSeats: available,
			Threshold:      threshold,
		}
		if !uc.producer.Publish(ctx, EventAvailabilityLow, event) {
			uc.logger.Warnw("low availability event publish failed", "tour_id", record.TourID)
		}
		if err := uc.broadcaster.BroadcastAvailabilityLow(ctx, event); err != nil {
			uc.logger.Warnw("low availability broadcast failed", "tour_id", record.TourID, "error", err)
		}
		return
	}

	// Seats were released; disarm the latch once back above the threshold
	// so the next crossing alerts again.
	if available > threshold {
		if err := uc.repo.ClearLowMarkLatch(ctx, record.TourID, record.Date); err != nil {
			uc.logger.Warnw("failed to clear low-water-mark latch",
				"tour_id", record.TourID,
				"error", err)
		}
	}
}

// Threshold returns the low-water mark in seats for a capacity.
func (uc *AvailabilityUsecase) Threshold(capacity int) int {
	return int(math.Ceil(float64(capacity) * uc.lowWaterMarkRatio))
}
