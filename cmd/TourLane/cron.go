package main

import (
	"context"
	"time"

	"TourLane/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// StartBookingCompletionCron starts the hourly completion sweep: confirmed
// bookings whose tour date has passed are driven to completed through the
// normal state machine, emitting the usual lifecycle events.
func StartBookingCompletionCron(booking *biz.BookingUsecase, logger log.Logger) *cron.Cron {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())

	// At the top of every hour.
	_, err := c.AddFunc("0 0 * * * *", func() {
		helper.Info("Starting booking completion sweep...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		completed, err := booking.CompleteExpired(ctx, time.Now())
		if err != nil {
			helper.Errorw("booking completion sweep failed", "error", err)
			return
		}
		helper.Infow("booking completion sweep finished", "completed", completed)
	})

	if err != nil {
		helper.Errorw("failed to register booking completion cron job", "error", err)
		return nil
	}

	c.Start()
	helper.Info("Booking completion cron job started: runs hourly")

	return c
}
