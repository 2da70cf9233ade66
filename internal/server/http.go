package server

import (
	"TourLane/internal/conf"
	"TourLane/internal/server/middleware"
	"TourLane/internal/service"
	pkglog "TourLane/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(
	c *conf.Server,
	bookingService *service.BookingService,
	availabilityService *service.AvailabilityService,
	breakerService *service.BreakerService,
	relayService *service.RelayService,
	logger log.Logger,
) *http.Server {
	logHelper := pkglog.NewLogHelper(logger)

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper),
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout != nil {
		opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
	}
	srv := http.NewServer(opts...)

	api := srv.Route("/api/v1")
	api.POST("/bookings", bookingService.CreateBooking)
	api.GET("/bookings/{id}", bookingService.GetBooking)
	api.POST("/bookings/{id}/confirm", bookingService.ConfirmBooking)
	api.POST("/bookings/{id}/cancel", bookingService.CancelBooking)
	api.POST("/bookings/{id}/complete", bookingService.CompleteBooking)
	api.POST("/tours/{id}/availability", availabilityService.OpenTour)
	api.GET("/tours/{id}/availability", availabilityService.GetAvailability)

	admin := srv.Route("/admin")
	admin.GET("/breakers", breakerService.Overview)
	admin.POST("/breakers/reset", breakerService.ResetAll)
	admin.POST("/breakers/reset/{name}", breakerService.Reset)

	// The relay forwards bodies and headers verbatim, so it bypasses the
	// JSON codec path.
	srv.HandlePrefix("/relay/", relayService)

	return srv
}
