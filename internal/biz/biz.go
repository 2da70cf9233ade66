// Package biz contains business logic layer implementations.
// This layer holds the core business rules and domain models.
package biz

import (
	"TourLane/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewBreakerRegistry,
	NewRelayUsecase,
	NewBookingUsecase,
	NewAvailabilityUsecase,
	NewDispatcher,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(BookingRepo), new(*data.BookingRepo)),
	wire.Bind(new(AvailabilityRepo), new(*data.AvailabilityRepo)),
	wire.Bind(new(IdempotencyStore), new(*data.IdempotencyStore)),
	wire.Bind(new(NotificationChannel), new(*data.LogNotificationChannel)),
	wire.Bind(new(Broadcaster), new(*data.LogBroadcaster)),
)
