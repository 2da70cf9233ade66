package service

import (
	"TourLane/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// BreakerService is the operator-facing admin surface over the breaker
// registry.
type BreakerService struct {
	registry *biz.BreakerRegistry
	logger   *log.Helper
}

// NewBreakerService creates a new BreakerService instance.
func NewBreakerService(registry *biz.BreakerRegistry, logger log.Logger) *BreakerService {
	return &BreakerService{
		registry: registry,
		logger:   log.NewHelper(logger),
	}
}

// Overview handles GET /admin/breakers.
func (s *BreakerService) Overview(ctx http.Context) error {
	return ctx.Result(200, s.registry.Overview())
}

// Reset handles POST /admin/breakers/reset/{name}: force one breaker back
// to closed with cleared statistics.
func (s *BreakerService) Reset(ctx http.Context) error {
	name := ctx.Vars().Get("name")
	if err := s.registry.Reset(name); err != nil {
		return err
	}
	s.logger.Infow("breaker reset by operator", "breaker", name)
	return ctx.Result(200, map[string]string{"status": "reset", "breaker": name})
}

// ResetAll handles POST /admin/breakers/reset.
func (s *BreakerService) ResetAll(ctx http.Context) error {
	s.registry.ResetAll()
	s.logger.Infow("all breakers reset by operator")
	return ctx.Result(200, map[string]string{"status": "reset"})
}
