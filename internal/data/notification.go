package data

import (
	"context"

	"TourLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// NotificationResult is the outcome of a notification send attempt.
type NotificationResult struct {
	Success   bool   `json:"success"`
	Channel   string `json:"channel"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// LogNotificationChannel is a log-only implementation of the notification
// channel. The real email/SMS sender lives in the notification service;
// this service only needs the seam.
type LogNotificationChannel struct {
	logger *log.Helper
}

// NewLogNotificationChannel creates a log-only notification channel.
func NewLogNotificationChannel(logger log.Logger) *LogNotificationChannel {
	return &LogNotificationChannel{
		logger: log.NewHelper(logger),
	}
}

// Send logs the notification and reports success with a synthetic message id.
func (c *LogNotificationChannel) Send(ctx context.Context, recipient, message string) *NotificationResult {
	messageID := uuid.NewString()
	c.logger.Infow("notification sent (log channel)",
		"recipient", recipient,
		"message", message,
		"message_id", messageID)

	return &NotificationResult{
		Success:   true,
		Channel:   "log",
		MessageID: messageID,
	}
}

// LogBroadcaster is a log-only implementation of the availability
// broadcast interface consumed by the realtime fan-out collaborator.
type LogBroadcaster struct {
	logger *log.Helper
}

// NewLogBroadcaster creates a log-only broadcaster.
func NewLogBroadcaster(logger log.Logger) *LogBroadcaster {
	return &LogBroadcaster{
		logger: log.NewHelper(logger),
	}
}

// BroadcastAvailabilityLow logs the low-availability alert fan-out.
func (b *LogBroadcaster) BroadcastAvailabilityLow(ctx context.Context, event *model.AvailabilityLowEvent) error {
	b.logger.Infow("broadcasting low availability alert",
		"tour_id", event.TourID,
		"available_seats", event.AvailableSeats,
		"threshold", event.Threshold)
	return nil
}
