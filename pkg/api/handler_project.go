package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/groundctl/groundctl/pkg/store"
)

// createProjectHandler handles POST /api/projects.
func (s *Server) createProjectHandler(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return validationError(map[string]string{"body": "invalid JSON body"})
	}
	issues := map[string]string{}
	if req.Name == "" {
		issues["name"] = "name is required"
	}
	if req.Path == "" {
		issues["path"] = "path is required"
	}
	if len(issues) > 0 {
		return validationError(issues)
	}

	p, err := s.store.CreateProject(c.Request().Context(), req.Name, req.Path, req.Config)
	if err != nil {
		// Path validation failures are client errors, not conflicts.
		var precondition *store.PreconditionError
		if errors.As(err, &precondition) {
			return validationError(map[string]string{"path": precondition.Reason})
		}
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

// listProjectsHandler handles GET /api/projects.
func (s *Server) listProjectsHandler(c echo.Context) error {
	projects, err := s.store.ListProjects(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, projects)
}

// getProjectHandler handles GET /api/projects/:id.
func (s *Server) getProjectHandler(c echo.Context) error {
	p, err := s.store.FindProjectByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// updateProjectHandler handles PATCH /api/projects/:id.
func (s *Server) updateProjectHandler(c echo.Context) error {
	var req updateProjectRequest
	if err := c.Bind(&req); err != nil {
		return validationError(map[string]string{"body": "invalid JSON body"})
	}
	if req.Name != nil && *req.Name == "" {
		return validationError(map[string]string{"name": "name must not be empty"})
	}

	p, err := s.store.UpdateProject(c.Request().Context(), c.Param("id"), store.ProjectUpdate{
		Name:     req.Name,
		IsActive: req.IsActive,
		Config:   req.Config,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// deleteProjectHandler handles DELETE /api/projects/:id. Refused with 409
// while the project has non-terminal missions.
func (s *Server) deleteProjectHandler(c echo.Context) error {
	if err := s.store.DeleteProject(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
