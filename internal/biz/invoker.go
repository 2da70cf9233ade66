package biz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"TourLane/internal/conf"
	"TourLane/pkg/httpclient"

	"github.com/go-kratos/kratos/v2/log"
)

// Fallback codes returned by the relay when the dependency's answer is
// unavailable.
const (
	// CodeCircuitOpen means the call was rejected without touching the
	// dependency; retry after the breaker's reset window.
	CodeCircuitOpen = "CIRCUIT_OPEN"
	// CodeServiceError means the call was attempted and failed (timeout,
	// transport error).
	CodeServiceError = "SERVICE_ERROR"
)

// Retry hints in seconds attached to fallback results.
const (
	retryAfterCircuitOpen  = 30
	retryAfterServiceError = 5
)

// ProvenanceHeader tags every relayed response so callers can tell a
// relayed answer from a fallback.
const ProvenanceHeader = "X-Relayed-By"

// hopByHopHeaders are stripped before relaying; they describe the
// connection, not the request.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RelayRequest describes an outbound call through the resilient relay.
type RelayRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// RelayResult is the structured outcome of a relayed call. Exactly one of
// the two shapes is populated: a relayed downstream response
// (Fallback=false) or a fallback (Fallback=true with Code, Message and
// RetryAfter). The relay never lets an error escape past this boundary.
type RelayResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	Fallback   bool
	Code       string
	Message    string
	RetryAfter int // seconds
}

// upstreamClient pairs a resolved base URL with its HTTP client.
type upstreamClient struct {
	baseURL string
	client  *http.Client
}

// RelayUsecase wraps outbound calls to named upstreams with the circuit
// breaker, per-call timeout and structured fallbacks.
type RelayUsecase struct {
	registry  *BreakerRegistry
	upstreams map[string]*upstreamClient
	logger    *log.Helper
}

// NewRelayUsecase creates the relay from the resilience configuration.
// Each configured upstream gets its own HTTP client (with optional proxy).
func NewRelayUsecase(rc *conf.Resilience, registry *BreakerRegistry, logger log.Logger) (*RelayUsecase, error) {
	upstreams := make(map[string]*upstreamClient)
	if rc != nil {
		for _, up := range rc.Upstreams {
			client, err := httpclient.New(up.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("upstream %s: %w", up.Name, err)
			}
			upstreams[up.Name] = &upstreamClient{
				baseURL: strings.TrimRight(up.BaseURL, "/"),
				client:  client,
			}
		}
	}

	return &RelayUsecase{
		registry:  registry,
		upstreams: upstreams,
		logger:    log.NewHelper(logger),
	}, nil
}

// KnownUpstream reports whether a named upstream is configured.
func (uc *RelayUsecase) KnownUpstream(name string) bool {
	_, ok := uc.upstreams[name]
	return ok
}

// Forward relays the request to the named upstream through its circuit
// breaker. The caller always receives a structured result: either the
// downstream's own response (provenance-tagged) or a fallback.
func (uc *RelayUsecase) Forward(ctx context.Context, upstream string, req *RelayRequest) *RelayResult {
	up, ok := uc.upstreams[upstream]
	if !ok {
		return uc.fallback(upstream, CodeServiceError, fmt.Sprintf("unknown upstream: %s", upstream), retryAfterServiceError)
	}

	breaker := uc.registry.Get(upstream)

	var relayed *RelayResult
	err := breaker.Execute(ctx, func(callCtx context.Context) error {
		httpReq, err := http.NewRequestWithContext(callCtx, req.Method, up.baseURL+req.Path, bytes.NewReader(req.Body))
		if err != nil {
			return err
		}
		copyEndToEndHeaders(httpReq.Header, req.Header)

		resp, err := up.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		relayed = &RelayResult{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
		}
		relayed.Header.Set(ProvenanceHeader, "tourlane")

		// 5xx answers feed the breaker's failure statistics even though
		// the response body is still relayed to the caller.
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("upstream %s returned %d", upstream, resp.StatusCode)
		}
		return nil
	})

	switch {
	case err == nil:
		return relayed

	case errors.Is(err, ErrCircuitOpen):
		breaker.RecordFallback()
		uc.logger.Warnw("relay rejected, circuit open", "upstream", upstream, "path", req.Path)
		return uc.fallback(upstream, CodeCircuitOpen, fmt.Sprintf("circuit breaker for %s is open", upstream), retryAfterCircuitOpen)

	default:
		if relayed != nil {
			// The dependency answered with a 5xx; relay it as-is.
			return relayed
		}
		breaker.RecordFallback()
		uc.logger.Warnw("relay call failed", "upstream", upstream, "path", req.Path, "error", err)
		return uc.fallback(upstream, CodeServiceError, fmt.Sprintf("call to %s failed: %v", upstream, err), retryAfterServiceError)
	}
}

// fallback builds a structured failure result.
func (uc *RelayUsecase) fallback(upstream, code, message string, retryAfter int) *RelayResult {
	return &RelayResult{
		StatusCode: http.StatusServiceUnavailable,
		Fallback:   true,
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// copyEndToEndHeaders copies request headers, dropping hop-by-hop ones.
func copyEndToEndHeaders(dst, src http.Header) {
	for key, values := range src {
		hop := false
		for _, h := range hopByHopHeaders {
			if http.CanonicalHeaderKey(key) == h || strings.EqualFold(key, h) {
				hop = true
				break
			}
		}
		if hop {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
