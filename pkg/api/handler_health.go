package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// healthHandler handles GET /health. A disabled sandbox runtime is reported
// but does not make the service unhealthy; a failing store does.
func (s *Server) healthHandler(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	subsystems := map[string]string{}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		subsystems["store"] = err.Error()
		healthy = false
	} else {
		subsystems["store"] = "ok"
	}

	switch {
	case s.pinger == nil:
		subsystems["sandbox"] = "disabled"
	default:
		if err := s.pinger.Ping(ctx); err != nil {
			subsystems["sandbox"] = err.Error()
			healthy = false
		} else {
			subsystems["sandbox"] = "ok"
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	return c.JSON(status, map[string]any{
		"status":     state,
		"subsystems": subsystems,
	})
}
