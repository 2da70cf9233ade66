package service

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"TourLane/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

// relayPrefix is where the resilient relay is mounted.
const relayPrefix = "/relay/"

// RelayService serves /relay/{upstream}/... as a raw HTTP handler: the
// path tail, method, headers and body are forwarded verbatim, so it is
// mounted outside the JSON codec path.
type RelayService struct {
	uc     *biz.RelayUsecase
	logger *log.Helper
}

// NewRelayService creates a new RelayService instance.
func NewRelayService(uc *biz.RelayUsecase, logger log.Logger) *RelayService {
	return &RelayService{
		uc:     uc,
		logger: log.NewHelper(logger),
	}
}

// fallbackBody is the JSON shape of a degraded relay answer.
type fallbackBody struct {
	Success bool          `json:"success"`
	Error   string        `json:"error"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Retry   fallbackRetry `json:"retry"`
}

type fallbackRetry struct {
	After int    `json:"after"`
	Unit  string `json:"unit"`
}

// ServeHTTP relays the request through the circuit breaker for the named
// upstream. The response is either the upstream's own answer or a 503
// fallback; transport errors never surface as anything else.
func (s *RelayService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upstream, path, ok := splitRelayPath(r.URL.Path)
	if !ok || !s.uc.KnownUpstream(upstream) {
		http.Error(w, "unknown upstream", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	result := s.uc.Forward(r.Context(), upstream, &biz.RelayRequest{
		Method: r.Method,
		Path:   path,
		Header: r.Header,
		Body:   body,
	})

	if result.Fallback {
		s.writeFallback(w, result)
		return
	}

	for key, values := range result.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(result.StatusCode)
	if _, err := w.Write(result.Body); err != nil {
		s.logger.Warnw("failed to write relayed response", "upstream", upstream, "error", err)
	}
}

func (s *RelayService) writeFallback(w http.ResponseWriter, result *biz.RelayResult) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	w.WriteHeader(result.StatusCode)

	_ = json.NewEncoder(w).Encode(&fallbackBody{
		Success: false,
		Error:   "Service Unavailable",
		Code:    result.Code,
		Message: result.Message,
		Retry: fallbackRetry{
			After: result.RetryAfter,
			Unit:  "seconds",
		},
	})
}

// splitRelayPath extracts the upstream name and the remaining path from
// /relay/{upstream}/rest. The tail defaults to "/".
func splitRelayPath(fullPath string) (upstream, path string, ok bool) {
	tail := strings.TrimPrefix(fullPath, relayPrefix)
	if tail == fullPath || tail == "" {
		return "", "", false
	}
	upstream, path, found := strings.Cut(tail, "/")
	if !found || path == "" {
		return upstream, "/", upstream != ""
	}
	return upstream, "/" + path, true
}
