package data

import (
	"context"
	"fmt"
	"time"

	pkgerrors "TourLane/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// BookingStatus is the lifecycle status of a booking.
type BookingStatus string

const (
	// BookingPending is the initial status of every booking.
	BookingPending BookingStatus = "pending"
	// BookingConfirmed means payment went through and seats are held.
	BookingConfirmed BookingStatus = "confirmed"
	// BookingCompleted means the tour took place. Terminal.
	BookingCompleted BookingStatus = "completed"
	// BookingCancelled means the booking was withdrawn. Terminal.
	BookingCancelled BookingStatus = "cancelled"
)

// Booking is the bookings table model. Status is mutated only through the
// lifecycle state machine in the biz layer; terminal rows are never
// mutated again.
type Booking struct {
	ID                 int64         `gorm:"primaryKey;column:id"`
	TourID             int64         `gorm:"column:tour_id;not null;index"`
	TourDate           *time.Time    `gorm:"column:tour_date"`
	Participants       int           `gorm:"column:participants;not null"`
	Status             BookingStatus `gorm:"column:status;type:enum('pending','confirmed','completed','cancelled');default:'pending';not null"`
	CancellationReason *string       `gorm:"column:cancellation_reason;type:text"`
	ConfirmedAt        *time.Time    `gorm:"column:confirmed_at"`
	CancelledAt        *time.Time    `gorm:"column:cancelled_at"`
	CompletedAt        *time.Time    `gorm:"column:completed_at"`
	CreatedAt          time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (Booking) TableName() string {
	return "bookings"
}

// BookingRepo implements booking persistence (interface defined in biz layer).
type BookingRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewBookingRepo creates a new booking repository.
func NewBookingRepo(db *gorm.DB, logger log.Logger) *BookingRepo {
	return &BookingRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// CreateBooking inserts a new pending booking.
func (r *BookingRepo) CreateBooking(ctx context.Context, booking *Booking) error {
	booking.Status = BookingPending
	if err := r.db.WithContext(ctx).Create(booking).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		return fmt.Errorf("failed to create booking: %w", dbErr)
	}

	r.logger.Infow("booking created",
		"booking_id", booking.ID,
		"tour_id", booking.TourID,
		"participants", booking.Participants)
	return nil
}

// GetBooking retrieves a booking by ID.
func (r *BookingRepo) GetBooking(ctx context.Context, id int64) (*Booking, error) {
	var booking Booking
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&booking).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("booking not found: %d", id)
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	return &booking, nil
}

// UpdateStatus persists a lifecycle transition. The WHERE clause guards on
// the expected current status so a concurrent transition on the same row
// cannot be overwritten; zero rows affected means the row moved underneath
// the caller.
func (r *BookingRepo) UpdateStatus(ctx context.Context, id int64, from, to BookingStatus, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	updates["updated_at"] = time.Now()

	result := r.db.WithContext(ctx).
		Model(&Booking{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)

	if result.Error != nil {
		return false, fmt.Errorf("failed to update booking status: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return false, nil
	}

	r.logger.Infow("booking status updated",
		"booking_id", id,
		"from", from,
		"to", to)
	return true, nil
}

// ListConfirmedBefore returns confirmed bookings whose tour date has
// passed. Used by the completion sweep.
func (r *BookingRepo) ListConfirmedBefore(ctx context.Context, cutoff time.Time) ([]*Booking, error) {
	var bookings []*Booking
	err := r.db.WithContext(ctx).
		Where("status = ? AND tour_date IS NOT NULL AND tour_date < ?", BookingConfirmed, cutoff).
		Find(&bookings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmed bookings: %w", err)
	}

	return bookings, nil
}
