package service

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(
	NewBookingService,
	NewAvailabilityService,
	NewBreakerService,
	NewRelayService,
)

// pathID parses a positive numeric path variable.
func pathID(ctx http.Context, name string) (int64, error) {
	raw := ctx.Vars().Get(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(400, "INVALID_ID", fmt.Sprintf("invalid %s: %q", name, raw))
	}
	return id, nil
}

// parseDate parses an optional YYYY-MM-DD value. Empty input means the
// undated variant of the resource.
func parseDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, errors.New(400, "INVALID_DATE", fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", value))
	}
	return &t, nil
}
