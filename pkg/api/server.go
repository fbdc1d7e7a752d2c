// Package api exposes the HTTP surface: projects, missions, processes, log
// streaming, health, and metrics.
package api

import (
	"context"
	"net/http"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/groundctl/groundctl/pkg/config"
	"github.com/groundctl/groundctl/pkg/events"
	"github.com/groundctl/groundctl/pkg/journal"
	"github.com/groundctl/groundctl/pkg/metrics"
	"github.com/groundctl/groundctl/pkg/models"
	"github.com/groundctl/groundctl/pkg/orchestrator"
	"github.com/groundctl/groundctl/pkg/store"
)

// MissionDriver is the workflow surface the handlers call.
type MissionDriver interface {
	Start(ctx context.Context, missionID string) (*models.Mission, error)
	ApprovePRD(ctx context.Context, missionID string) (*models.Mission, error)
	RejectPRD(ctx context.Context, missionID, notes string) (*models.Mission, error)
	ApproveTasks(ctx context.Context, missionID string) (*models.Mission, error)
	RejectTasks(ctx context.Context, missionID, notes string) (*models.Mission, error)
	Cancel(ctx context.Context, missionID string) (*models.Mission, error)
}

// ProcessSignaler delivers signals to supervised local processes.
type ProcessSignaler interface {
	Signal(processID string, sig syscall.Signal) error
	IsRunning(processID string) bool
}

// CommandRunner runs bounded one-shot diagnostics commands.
type CommandRunner interface {
	RunCommand(ctx context.Context, dir, command string, args ...string) (*orchestrator.RunResult, error)
}

// RuntimePinger checks the container runtime. Nil means no runtime.
type RuntimePinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	driver   MissionDriver
	signaler ProcessSignaler
	runner   CommandRunner
	pinger   RuntimePinger
	journal  *journal.Journal
	bus      *events.Broadcaster

	echo      *echo.Echo
	startedAt time.Time
}

// NewServer wires the routes and middleware. pinger may be nil when the
// container runtime is unavailable.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	driver MissionDriver,
	signaler ProcessSignaler,
	runner CommandRunner,
	pinger RuntimePinger,
	j *journal.Journal,
	bus *events.Broadcaster,
) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		driver:    driver,
		signaler:  signaler,
		runner:    runner,
		pinger:    pinger,
		journal:   j,
		bus:       bus,
		startedAt: time.Now().UTC(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	e.Use(middleware.Recover())
	e.Use(securityHeaders())
	e.Use(requestLogger())

	e.GET("/health", s.healthHandler)

	g := e.Group("/api", bearerAuth(cfg.APIToken))

	g.POST("/projects", s.createProjectHandler)
	g.GET("/projects", s.listProjectsHandler)
	g.GET("/projects/:id", s.getProjectHandler)
	g.PATCH("/projects/:id", s.updateProjectHandler)
	g.DELETE("/projects/:id", s.deleteProjectHandler)

	g.POST("/missions", s.createMissionHandler)
	g.GET("/missions", s.listMissionsHandler)
	g.GET("/missions/:id", s.getMissionHandler)
	g.GET("/missions/:id/tasks", s.listMissionTasksHandler)
	g.GET("/missions/:id/processes", s.listMissionProcessesHandler)
	g.POST("/missions/:id/start", s.startMissionHandler)
	g.POST("/missions/:id/approve-prd", s.approvePRDHandler)
	g.POST("/missions/:id/reject-prd", s.rejectPRDHandler)
	g.POST("/missions/:id/approve-tasks", s.approveTasksHandler)
	g.POST("/missions/:id/reject-tasks", s.rejectTasksHandler)
	g.POST("/missions/:id/cancel", s.cancelMissionHandler)
	g.POST("/missions/:id/exec", s.execMissionCommandHandler)

	g.GET("/processes/:id", s.getProcessHandler)
	g.GET("/processes/:id/logs", s.getProcessLogsHandler)
	g.GET("/processes/:id/logs/stream", s.streamProcessLogsHandler)
	g.POST("/processes/:id/signal", s.signalProcessHandler)

	g.GET("/audit", s.listAuditHandler)
	g.GET("/system/info", s.systemInfoHandler)
	g.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	s.echo = e
	return s
}

// Start listens on addr and blocks until Shutdown or failure.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
