package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundctl/groundctl/pkg/config"
	"github.com/groundctl/groundctl/pkg/events"
	"github.com/groundctl/groundctl/pkg/journal"
	"github.com/groundctl/groundctl/pkg/models"
	"github.com/groundctl/groundctl/pkg/orchestrator"
	"github.com/groundctl/groundctl/pkg/store"
)

// stubDriver returns canned results and records the last call.
type stubDriver struct {
	mission  *models.Mission
	err      error
	lastOp   string
	lastID   string
	lastNote string
}

func (d *stubDriver) call(op, id, note string) (*models.Mission, error) {
	d.lastOp, d.lastID, d.lastNote = op, id, note
	return d.mission, d.err
}

func (d *stubDriver) Start(ctx context.Context, id string) (*models.Mission, error) {
	return d.call("start", id, "")
}

func (d *stubDriver) ApprovePRD(ctx context.Context, id string) (*models.Mission, error) {
	return d.call("approve-prd", id, "")
}

func (d *stubDriver) RejectPRD(ctx context.Context, id, notes string) (*models.Mission, error) {
	return d.call("reject-prd", id, notes)
}

func (d *stubDriver) ApproveTasks(ctx context.Context, id string) (*models.Mission, error) {
	return d.call("approve-tasks", id, "")
}

func (d *stubDriver) RejectTasks(ctx context.Context, id, notes string) (*models.Mission, error) {
	return d.call("reject-tasks", id, notes)
}

func (d *stubDriver) Cancel(ctx context.Context, id string) (*models.Mission, error) {
	return d.call("cancel", id, "")
}

type stubSignaler struct {
	err     error
	lastSig syscall.Signal
	lastID  string
}

func (s *stubSignaler) Signal(processID string, sig syscall.Signal) error {
	s.lastID, s.lastSig = processID, sig
	return s.err
}

func (s *stubSignaler) IsRunning(string) bool { return s.err == nil }

type stubRunner struct {
	result  *orchestrator.RunResult
	err     error
	lastDir string
	lastCmd string
}

func (r *stubRunner) RunCommand(ctx context.Context, dir, command string, args ...string) (*orchestrator.RunResult, error) {
	r.lastDir, r.lastCmd = dir, command
	return r.result, r.err
}

type testServer struct {
	server  *Server
	store   *store.Store
	driver  *stubDriver
	sig     *stubSignaler
	runner  *stubRunner
	journal *journal.Journal
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	j := journal.New(t.TempDir())
	t.Cleanup(j.Cleanup)
	bus := events.NewBroadcaster(j)
	t.Cleanup(bus.Shutdown)

	driver := &stubDriver{}
	sig := &stubSignaler{}
	runner := &stubRunner{result: &orchestrator.RunResult{Stdout: "ok\n"}}
	cfg := &config.Config{APIToken: token, Env: "development"}

	s := NewServer(cfg, st, driver, sig, runner, nil, j, bus)
	return &testServer{server: s, store: st, driver: driver, sig: sig, runner: runner, journal: j}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSON(t, rec)
	require.Equal(t, false, body["success"])
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error envelope: %s", rec.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func (ts *testServer) newProject(t *testing.T) *models.Project {
	t.Helper()
	repo := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0o755))
	p, err := ts.store.CreateProject(context.Background(), "proj", repo, nil)
	require.NoError(t, err)
	return p
}

func TestAuth_RequiredWhenTokenConfigured(t *testing.T) {
	ts := newTestServer(t, "sekrit")

	rec := ts.do(t, http.MethodGet, "/api/projects", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, errorCode(t, rec))

	rec = ts.do(t, http.MethodGet, "/api/projects", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/projects", nil, map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_HealthIsAlwaysOpen(t *testing.T) {
	ts := newTestServer(t, "sekrit")
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/api/projects", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth_ReportsSandboxDisabled(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "healthy", body["status"])
	subsystems, ok := body["subsystems"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", subsystems["store"])
	assert.Equal(t, "disabled", subsystems["sandbox"])
}

func TestCreateProject_Validation(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/projects", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, errorCode(t, rec))

	// A path that is not a VCS repository is a client error.
	rec = ts.do(t, http.MethodPost, "/api/projects", map[string]any{
		"name": "p", "path": t.TempDir(),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, errorCode(t, rec))
}

func TestCreateProject_Success(t *testing.T) {
	ts := newTestServer(t, "")
	repo := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0o755))

	rec := ts.do(t, http.MethodPost, "/api/projects", map[string]any{
		"name": "my-project", "path": repo,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeJSON(t, rec)
	assert.Equal(t, "my-project", body["name"])
	assert.NotEmpty(t, body["id"])
}

func TestGetMission_NotFoundEnvelope(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/api/missions/msn-missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, rec))
}

func TestListMissions_RejectsUnknownStateFilter(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/api/missions?state=BOGUS", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, errorCode(t, rec))
}

func TestListMissions_FiltersByStateAndProject(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	p := ts.newProject(t)

	m1, err := ts.store.CreateMission(ctx, p.ID, "one", "")
	require.NoError(t, err)
	m2, err := ts.store.CreateMission(ctx, p.ID, "two", "")
	require.NoError(t, err)
	_, err = ts.store.UpdateMissionState(ctx, m2.ID, models.MissionGeneratingPRD)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/missions?state=DRAFT&projectId="+p.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var missions []models.Mission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &missions))
	require.Len(t, missions, 1)
	assert.Equal(t, m1.ID, missions[0].ID)
}

func TestMissionActions_RouteToDriver(t *testing.T) {
	ts := newTestServer(t, "")
	ts.driver.mission = &models.Mission{ID: "msn-1", State: models.MissionGeneratingPRD}

	rec := ts.do(t, http.MethodPost, "/api/missions/msn-1/start", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "start", ts.driver.lastOp)
	assert.Equal(t, "msn-1", ts.driver.lastID)

	rec = ts.do(t, http.MethodPost, "/api/missions/msn-1/reject-prd",
		map[string]any{"notes": "shorter please"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reject-prd", ts.driver.lastOp)
	assert.Equal(t, "shorter please", ts.driver.lastNote)

	rec = ts.do(t, http.MethodPost, "/api/missions/msn-1/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancel", ts.driver.lastOp)
}

func TestRejectPRD_RequiresNotes(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodPost, "/api/missions/msn-1/reject-prd", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, errorCode(t, rec))
}

func TestMissionAction_InvalidStateMapsToConflict(t *testing.T) {
	ts := newTestServer(t, "")
	ts.driver.err = &store.InvalidTransitionError{
		From: models.MissionDraft,
		To:   models.MissionInProgress,
	}

	rec := ts.do(t, http.MethodPost, "/api/missions/msn-1/approve-tasks", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeInvalidState, errorCode(t, rec))
}

func TestGetProcessLogs(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	p := ts.newProject(t)
	m, err := ts.store.CreateMission(ctx, p.ID, "logs", "")
	require.NoError(t, err)
	proc, err := ts.store.CreateProcess(ctx, store.NewProcessParams{
		MissionID: m.ID, Type: models.ProcessLocal, Command: "agent",
	})
	require.NoError(t, err)

	_, err = ts.journal.Open(proc.ID, m.ID)
	require.NoError(t, err)
	require.NoError(t, ts.journal.Write(proc.ID, []byte("line one\nline two\n")))

	rec := ts.do(t, http.MethodGet, "/api/processes/"+proc.ID+"/logs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "line one\nline two\n", body["content"])
	assert.Equal(t, []any{"line one", "line two"}, body["lines"])
}

func TestSignalProcess(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	proc, err := ts.store.CreateProcess(ctx, store.NewProcessParams{
		Type: models.ProcessLocal, Command: "sleep 60",
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/processes/"+proc.ID+"/signal",
		map[string]any{"signal": "SIGTERM"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, true, body["delivered"])
	assert.Equal(t, syscall.SIGTERM, ts.sig.lastSig)

	rec = ts.do(t, http.MethodPost, "/api/processes/"+proc.ID+"/signal",
		map[string]any{"signal": "SIGSTOP"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.sig.err = errors.New("process is not running")
	rec = ts.do(t, http.MethodPost, "/api/processes/"+proc.ID+"/signal",
		map[string]any{"signal": "SIGKILL"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeJSON(t, rec)
	assert.Equal(t, false, body["delivered"])
}

func TestExecMissionCommand(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	p := ts.newProject(t)
	m, err := ts.store.CreateMission(ctx, p.ID, "exec", "")
	require.NoError(t, err)

	// No worktree yet.
	rec := ts.do(t, http.MethodPost, "/api/missions/"+m.ID+"/exec",
		map[string]any{"command": "git", "args": []string{"status"}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	wt := t.TempDir()
	_, err = ts.store.UpdateMission(ctx, m.ID, store.MissionUpdate{WorktreePath: &wt})
	require.NoError(t, err)

	rec = ts.do(t, http.MethodPost, "/api/missions/"+m.ID+"/exec",
		map[string]any{"command": "git", "args": []string{"status"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeJSON(t, rec)
	assert.Equal(t, "ok\n", body["stdout"])
	assert.Equal(t, wt, ts.runner.lastDir)
	assert.Equal(t, "git", ts.runner.lastCmd)
}

func TestSystemInfo(t *testing.T) {
	ts := newTestServer(t, "")
	ts.newProject(t)

	rec := ts.do(t, http.MethodGet, "/api/system/info", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, float64(1), body["projects"])
	assert.Equal(t, float64(0), body["activeMissions"])
	assert.Equal(t, false, body["sandboxEnabled"])
	assert.NotEmpty(t, body["version"])
}

func TestListAudit(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	_, err := ts.store.Audit(ctx, "mission.started", "mission", "msn-1", nil)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/audit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []models.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)

	rec = ts.do(t, http.MethodGet, "/api/audit?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/audit?entityType=mission", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/audit?entityType=mission&entityId=msn-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)
}

func TestDeleteProject_RefusedWithActiveMission(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	p := ts.newProject(t)
	_, err := ts.store.CreateMission(ctx, p.ID, "busy", "")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodDelete, "/api/projects/"+p.ID, nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeConflict, errorCode(t, rec))
}
