package log

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// slowRequestThresholdMs triggers an extra warning for requests slower
// than one second.
const slowRequestThresholdMs = 1000

// LogHelper extends the Kratos log.Helper with typed convenience methods.
// Every method attaches a "type" field so log pipelines can route by
// subsystem.
type LogHelper struct {
	*log.Helper
}

// NewLogHelper creates an enhanced log helper.
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

// Startup logs service startup progress.
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "startup")
	h.Infow(allKvs...)
}

// Database logs database-related events.
func (h *LogHelper) Database(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "database")
	h.Infow(allKvs...)
}

// Redis logs Redis-related events.
func (h *LogHelper) Redis(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "redis")
	h.Infow(allKvs...)
}

// Broker logs message broker events (connections, consumers, retries).
func (h *LogHelper) Broker(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "broker")
	h.Infow(allKvs...)
}

// Breaker logs circuit breaker state changes and trips.
func (h *LogHelper) Breaker(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "breaker")
	h.Warnw(allKvs...)
}

// Scheduler logs cron and background sweep activity.
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "scheduler")
	h.Infow(allKvs...)
}

// SlowRequest logs a slow request warning with its threshold.
func (h *LogHelper) SlowRequest(ctx context.Context, method, url string, duration, threshold int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)

	msg := fmt.Sprintf("[%s] Slow request detected | %s %s | %dms (threshold: %dms)",
		reqCtx.RequestID, method, url, duration, threshold)

	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs,
		"request_id", reqCtx.RequestID,
		"method", method,
		"url", url,
		"duration_ms", duration,
		"threshold_ms", threshold,
		"type", "slow_request",
	)
	h.Warnw(allKvs...)
}

// RequestWithContext logs a completed HTTP request, pulling the request id
// from the context and flagging slow requests.
func (h *LogHelper) RequestWithContext(ctx context.Context, method, url string, status int, durationMs int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)

	msg := fmt.Sprintf("%s %s - %d (%dms) | RequestID: %s",
		method, url, status, durationMs, reqCtx.RequestID)

	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs,
		"type", "request",
		"request_id", reqCtx.RequestID,
		"method", method,
		"url", url,
		"status", status,
		"duration_ms", durationMs,
	)
	h.Infow(allKvs...)

	if durationMs > slowRequestThresholdMs {
		h.SlowRequest(ctx, method, url, durationMs, slowRequestThresholdMs)
	}
}
