package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/groundctl/groundctl/pkg/models"
)

// createMissionHandler handles POST /api/missions.
func (s *Server) createMissionHandler(c echo.Context) error {
	var req createMissionRequest
	if err := c.Bind(&req); err != nil {
		return validationError(map[string]string{"body": "invalid JSON body"})
	}
	issues := map[string]string{}
	if req.ProjectID == "" {
		issues["projectId"] = "projectId is required"
	}
	if req.FeatureName == "" {
		issues["featureName"] = "featureName is required"
	}
	if len(issues) > 0 {
		return validationError(issues)
	}

	m, err := s.store.CreateMission(c.Request().Context(), req.ProjectID, req.FeatureName, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

// listMissionsHandler handles GET /api/missions with optional state and
// projectId filters.
func (s *Server) listMissionsHandler(c echo.Context) error {
	ctx := c.Request().Context()

	if state := c.QueryParam("state"); state != "" {
		st := models.MissionState(state)
		if !st.Valid() {
			return validationError(map[string]string{"state": "unknown mission state"})
		}
		missions, err := s.store.FindMissionsByStates(ctx, st)
		if err != nil {
			return err
		}
		missions = filterByProject(missions, c.QueryParam("projectId"))
		return c.JSON(http.StatusOK, missions)
	}

	if projectID := c.QueryParam("projectId"); projectID != "" {
		missions, err := s.store.FindMissionsByProject(ctx, projectID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, missions)
	}

	missions, err := s.store.ListMissions(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, missions)
}

func filterByProject(missions []*models.Mission, projectID string) []*models.Mission {
	if projectID == "" {
		return missions
	}
	out := missions[:0]
	for _, m := range missions {
		if m.ProjectID == projectID {
			out = append(out, m)
		}
	}
	return out
}

// getMissionHandler handles GET /api/missions/:id.
func (s *Server) getMissionHandler(c echo.Context) error {
	m, err := s.store.FindMissionByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// listMissionTasksHandler handles GET /api/missions/:id/tasks.
func (s *Server) listMissionTasksHandler(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.store.FindMissionByID(ctx, c.Param("id")); err != nil {
		return err
	}
	tasks, err := s.store.FindTasksByMission(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tasks)
}

// listMissionProcessesHandler handles GET /api/missions/:id/processes.
func (s *Server) listMissionProcessesHandler(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.store.FindMissionByID(ctx, c.Param("id")); err != nil {
		return err
	}
	procs, err := s.store.FindProcessesByMission(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, procs)
}

// startMissionHandler handles POST /api/missions/:id/start.
func (s *Server) startMissionHandler(c echo.Context) error {
	m, err := s.driver.Start(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// approvePRDHandler handles POST /api/missions/:id/approve-prd.
func (s *Server) approvePRDHandler(c echo.Context) error {
	m, err := s.driver.ApprovePRD(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// rejectPRDHandler handles POST /api/missions/:id/reject-prd.
func (s *Server) rejectPRDHandler(c echo.Context) error {
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return validationError(map[string]string{"body": "invalid JSON body"})
	}
	if req.Notes == "" {
		return validationError(map[string]string{"notes": "notes are required when rejecting"})
	}
	m, err := s.driver.RejectPRD(c.Request().Context(), c.Param("id"), req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// approveTasksHandler handles POST /api/missions/:id/approve-tasks.
func (s *Server) approveTasksHandler(c echo.Context) error {
	m, err := s.driver.ApproveTasks(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// rejectTasksHandler handles POST /api/missions/:id/reject-tasks.
func (s *Server) rejectTasksHandler(c echo.Context) error {
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return validationError(map[string]string{"body": "invalid JSON body"})
	}
	if req.Notes == "" {
		return validationError(map[string]string{"notes": "notes are required when rejecting"})
	}
	m, err := s.driver.RejectTasks(c.Request().Context(), c.Param("id"), req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// cancelMissionHandler handles POST /api/missions/:id/cancel.
func (s *Server) cancelMissionHandler(c echo.Context) error {
	m, err := s.driver.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// execMissionCommandHandler handles POST /api/missions/:id/exec, an
// operator diagnostics endpoint. The command runs in the mission worktree
// under hard wall-clock and output caps.
func (s *Server) execMissionCommandHandler(c echo.Context) error {
	ctx := c.Request().Context()
	m, err := s.store.FindMissionByID(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if m.WorktreePath == nil {
		return validationError(map[string]string{"mission": "mission has no worktree"})
	}

	var req execRequest
	if err := c.Bind(&req); err != nil {
		return validationError(map[string]string{"body": "invalid JSON body"})
	}
	if req.Command == "" {
		return validationError(map[string]string{"command": "command is required"})
	}

	res, err := s.runner.RunCommand(ctx, *m.WorktreePath, req.Command, req.Args...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
		"exitCode": res.ExitCode,
		"timedOut": res.TimedOut,
		"capped":   res.Capped,
	})
}
