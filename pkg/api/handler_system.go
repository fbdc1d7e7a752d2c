package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/groundctl/groundctl/pkg/models"
	"github.com/groundctl/groundctl/pkg/version"
)

// systemInfoHandler handles GET /api/system/info.
func (s *Server) systemInfoHandler(c echo.Context) error {
	ctx := c.Request().Context()

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	activeMissions, err := s.store.FindMissionsByStates(ctx, models.RunningMissionStates()...)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"version":        version.Full(),
		"env":            s.cfg.Env,
		"uptimeSeconds":  int64(time.Since(s.startedAt).Seconds()),
		"projects":       len(projects),
		"activeMissions": len(activeMissions),
		"sandboxEnabled": s.pinger != nil,
	})
}

// listAuditHandler handles GET /api/audit with optional entityType/entityId
// filters and a limit (default 100, max 1000).
func (s *Server) listAuditHandler(c echo.Context) error {
	ctx := c.Request().Context()

	if entityType := c.QueryParam("entityType"); entityType != "" {
		entityID := c.QueryParam("entityId")
		if entityID == "" {
			return validationError(map[string]string{"entityId": "entityId is required with entityType"})
		}
		entries, err := s.store.ListAuditByEntity(ctx, entityType, entityID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, entries)
	}

	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return validationError(map[string]string{"limit": "limit must be between 1 and 1000"})
		}
		limit = n
	}
	entries, err := s.store.ListAudit(ctx, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}
