package api

import (
	"net/http"
	"strings"
	"syscall"

	"github.com/labstack/echo/v4"
)

// getProcessHandler handles GET /api/processes/:id.
func (s *Server) getProcessHandler(c echo.Context) error {
	p, err := s.store.FindProcessByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// getProcessLogsHandler handles GET /api/processes/:id/logs, returning the
// full journaled output.
func (s *Server) getProcessLogsHandler(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.FindProcessByID(c.Request().Context(), id); err != nil {
		return err
	}

	data, err := s.journal.ReadAll(id)
	if err != nil {
		return err
	}
	content := string(data)
	lines := []string{}
	if content != "" {
		lines = strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"content": content,
		"lines":   lines,
	})
}

// signalProcessHandler handles POST /api/processes/:id/signal.
func (s *Server) signalProcessHandler(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.FindProcessByID(c.Request().Context(), id); err != nil {
		return err
	}

	var req signalRequest
	if err := c.Bind(&req); err != nil {
		return validationError(map[string]string{"body": "invalid JSON body"})
	}

	var sig syscall.Signal
	switch req.Signal {
	case "SIGTERM":
		sig = syscall.SIGTERM
	case "SIGKILL":
		sig = syscall.SIGKILL
	default:
		return validationError(map[string]string{"signal": "signal must be SIGTERM or SIGKILL"})
	}

	if err := s.signaler.Signal(id, sig); err != nil {
		// Signaling a process that already exited is not an error worth 500.
		return c.JSON(http.StatusOK, map[string]any{"delivered": false, "reason": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"delivered": true})
}
