package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type contextKey string

const requestContextKey contextKey = "tourlane_request_context"

// RequestContext carries request tracing information through the context
// for the lifetime of one HTTP request or one consumed event.
type RequestContext struct {
	RequestID string
	StartTime time.Time
}

var (
	randSource = rand.NewSource(time.Now().UnixNano())
	randMutex  sync.Mutex

	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID generates a 10-character base36 request id, e.g.
// "mgrn0zfqda". Cheaper than a UUID and short enough to read in logs.
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithRequestContext injects a RequestContext, usually from middleware at
// the edge of a request.
func WithRequestContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestContextKey, &RequestContext{
		RequestID: requestID,
		StartTime: time.Now(),
	})
}

// GetRequestContext extracts the RequestContext, returning a placeholder
// when none was injected so callers never need a nil check.
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return &RequestContext{RequestID: "unknown"}
	}
	if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		return reqCtx
	}
	return &RequestContext{RequestID: "unknown"}
}

// GetRequestID extracts the request id from the context.
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// GetElapsedTime returns milliseconds since the request started.
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
