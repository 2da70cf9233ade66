package data

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// availabilityCacheSize bounds the in-process read cache. The cache serves
// the read-only availability API; the optimistic-concurrency write path
// always reads from the database.
const availabilityCacheSize = 1024

// lowMarkLatchTTL bounds how long a low-water-mark latch survives without
// traffic. Long enough that a quiet tour does not re-alert, short enough
// to bound Redis storage.
const lowMarkLatchTTL = 7 * 24 * time.Hour

// Availability is the per-tour seat ledger row. Version increases strictly
// on every successful mutation and guards conditional writes.
type Availability struct {
	ID        int64      `gorm:"primaryKey;column:id"`
	TourID    int64      `gorm:"column:tour_id;not null;uniqueIndex:idx_tour_date"`
	Date      *time.Time `gorm:"column:date;uniqueIndex:idx_tour_date"`
	Capacity  int        `gorm:"column:capacity;not null"`
	Booked    int        `gorm:"column:booked;default:0;not null"`
	Version   int64      `gorm:"column:version;default:1;not null"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (Availability) TableName() string {
	return "tour_availability"
}

// AvailableSeats returns capacity minus booked.
func (a *Availability) AvailableSeats() int {
	return a.Capacity - a.Booked
}

// AvailabilityRepo implements the seat ledger persistence (interface
// defined in biz layer).
type AvailabilityRepo struct {
	db     *gorm.DB
	rdb    *redis.Client
	cache  *lru.Cache[string, *Availability]
	logger *log.Helper
}

// NewAvailabilityRepo creates a new availability repository.
func NewAvailabilityRepo(db *gorm.DB, rdb *redis.Client, logger log.Logger) (*AvailabilityRepo, error) {
	cache, err := lru.New[string, *Availability](availabilityCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create availability cache: %w", err)
	}

	return &AvailabilityRepo{
		db:     db,
		rdb:    rdb,
		cache:  cache,
		logger: log.NewHelper(logger),
	}, nil
}

// availabilityCacheKey builds the LRU and Redis key suffix for a ledger row.
func availabilityCacheKey(tourID int64, date *time.Time) string {
	if date == nil {
		return fmt.Sprintf("%d", tourID)
	}
	return fmt.Sprintf("%d:%s", tourID, date.Format("2006-01-02"))
}

// CreateRecord inserts a new ledger row for a tour.
func (r *AvailabilityRepo) CreateRecord(ctx context.Context, record *Availability) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create availability record: %w", err)
	}

	r.logger.Infow("availability record created",
		"tour_id", record.TourID,
		"capacity", record.Capacity)
	return nil
}

// GetRecord reads the current ledger row from the database. The write path
// must see the latest version, so this never consults the cache.
func (r *AvailabilityRepo) GetRecord(ctx context.Context, tourID int64, date *time.Time) (*Availability, error) {
	var record Availability
	q := r.db.WithContext(ctx).Where("tour_id = ?", tourID)
	if date != nil {
		q = q.Where("date = ?", *date)
	} else {
		q = q.Where("date IS NULL")
	}

	if err := q.First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("availability record not found: tour %d", tourID)
		}
		return nil, fmt.Errorf("failed to get availability record: %w", err)
	}

	return &record, nil
}

// GetRecordCached serves the read-only availability API from the LRU
// cache, falling back to the database on miss.
func (r *AvailabilityRepo) GetRecordCached(ctx context.Context, tourID int64, date *time.Time) (*Availability, error) {
	key := availabilityCacheKey(tourID, date)
	if record, ok := r.cache.Get(key); ok {
		return record, nil
	}

	record, err := r.GetRecord(ctx, tourID, date)
	if err != nil {
		return nil, err
	}

	r.cache.Add(key, record)
	return record, nil
}

// ConditionalWrite updates booked seats guarded by the previously-read
// version (optimistic locking). Returns false without error when another
// writer won the race; the caller retries the full read-compute-write
// cycle.
func (r *AvailabilityRepo) ConditionalWrite(ctx context.Context, record *Availability, expectedVersion int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&Availability{}).
		Where("id = ? AND version = ?", record.ID, expectedVersion).
		Updates(map[string]interface{}{
			"booked":     record.Booked,
			"version":    expectedVersion + 1,
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return false, fmt.Errorf("failed to update availability: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return false, nil
	}

	record.Version = expectedVersion + 1
	r.cache.Remove(availabilityCacheKey(record.TourID, record.Date))

	r.logger.Debugw("availability updated with optimistic locking",
		"tour_id", record.TourID,
		"booked", record.Booked,
		"version", record.Version)
	return true, nil
}

// SetLowMarkLatch arms the low-water-mark latch for a tour using SETNX.
// Returns true only for the instance that armed it, so the low-availability
// event fires at most once per downward crossing even with concurrent
// consumers.
func (r *AvailabilityRepo) SetLowMarkLatch(ctx context.Context, tourID int64, date *time.Time) (bool, error) {
	key := "lowmark:" + availabilityCacheKey(tourID, date)

	armed, err := r.rdb.SetNX(ctx, key, "1", lowMarkLatchTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set low-water-mark latch: %w", err)
	}

	return armed, nil
}

// ClearLowMarkLatch disarms the latch once availability rises back above
// the threshold, re-enabling the alert for the next crossing.
func (r *AvailabilityRepo) ClearLowMarkLatch(ctx context.Context, tourID int64, date *time.Time) error {
	key := "lowmark:" + availabilityCacheKey(tourID, date)

	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear low-water-mark latch: %w", err)
	}

	return nil
}
