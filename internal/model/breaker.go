package model

import "time"

// BreakerSnapshot is the observable state of one circuit breaker, exposed
// through the admin API.
type BreakerSnapshot struct {
	Name        string          `json:"name"`
	State       string          `json:"state"`
	Successes   int64           `json:"successes"`
	Failures    int64           `json:"failures"`
	Timeouts    int64           `json:"timeouts"`
	Rejects     int64           `json:"rejects"`
	Fallbacks   int64           `json:"fallbacks"`
	LatencyMean float64         `json:"latencyMean"` // milliseconds
	Percentiles map[string]float64 `json:"percentiles"`
	OpenedAt    *time.Time      `json:"openedAt,omitempty"`
}

// BreakerOverview aggregates all breakers for the admin status endpoint.
type BreakerOverview struct {
	Breakers     []*BreakerSnapshot `json:"breakers"`
	CountByState map[string]int     `json:"countByState"`
}
