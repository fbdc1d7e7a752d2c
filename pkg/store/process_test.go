package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundctl/groundctl/pkg/models"
)

func TestCreateProcess_StartsQueued(t *testing.T) {
	st := newTestStore(t)
	m := newTestMission(t, st)
	ctx := context.Background()

	p, err := st.CreateProcess(ctx, NewProcessParams{
		MissionID: m.ID,
		Type:      models.ProcessLocal,
		Command:   "groundctl-agent prd",
		Cwd:       "/tmp/worktree",
		Env:       models.JSONMap{"GROUNDCTL_MISSION_ID": m.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProcessQueued, p.Status)

	got, err := st.FindProcessByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MissionID)
	assert.Equal(t, m.ID, *got.MissionID)
	require.NotNil(t, got.Cwd)
	assert.Equal(t, "/tmp/worktree", *got.Cwd)
	assert.Equal(t, m.ID, got.Env["GROUNDCTL_MISSION_ID"])
	assert.Nil(t, got.PID)
	assert.Nil(t, got.ExitCode)
}

func TestCreateProcess_WithoutMission(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreateProcess(ctx, NewProcessParams{
		Type:    models.ProcessLocal,
		Command: "git status",
	})
	require.NoError(t, err)

	got, err := st.FindProcessByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.MissionID)
	assert.Nil(t, got.Cwd)
}

func TestUpdateProcessStatus_StampsLifecycle(t *testing.T) {
	st := newTestStore(t)
	m := newTestMission(t, st)
	ctx := context.Background()

	p, err := st.CreateProcess(ctx, NewProcessParams{
		MissionID: m.ID, Type: models.ProcessLocal, Command: "sleep 1",
	})
	require.NoError(t, err)

	got, err := st.UpdateProcessStatus(ctx, p.ID, models.ProcessRunning, nil)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
	firstStart := *got.StartedAt

	code := 0
	got, err = st.UpdateProcessStatus(ctx, p.ID, models.ProcessSuccess, &code)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, firstStart, *got.StartedAt)
}

func TestUpdateProcessStatus_TerminalWithoutExitCode(t *testing.T) {
	st := newTestStore(t)
	m := newTestMission(t, st)
	ctx := context.Background()

	p, err := st.CreateProcess(ctx, NewProcessParams{
		MissionID: m.ID, Type: models.ProcessLocal, Command: "sleep 1",
	})
	require.NoError(t, err)

	got, err := st.UpdateProcessStatus(ctx, p.ID, models.ProcessCanceled, nil)
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)
	assert.Nil(t, got.ExitCode)
}

func TestUpdateProcessPID(t *testing.T) {
	st := newTestStore(t)
	m := newTestMission(t, st)
	ctx := context.Background()

	p, err := st.CreateProcess(ctx, NewProcessParams{
		MissionID: m.ID, Type: models.ProcessLocal, Command: "sleep 1",
	})
	require.NoError(t, err)

	require.NoError(t, st.UpdateProcessPID(ctx, p.ID, 1234, 1234))
	got, err := st.FindProcessByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PID)
	assert.Equal(t, 1234, *got.PID)
	require.NotNil(t, got.PGID)
	assert.Equal(t, 1234, *got.PGID)
}

func TestFindProcessByContainerID(t *testing.T) {
	st := newTestStore(t)
	m := newTestMission(t, st)
	ctx := context.Background()

	p, err := st.CreateProcess(ctx, NewProcessParams{
		MissionID: m.ID, Type: models.ProcessContainer, Command: "sleep infinity",
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateProcessContainerID(ctx, p.ID, "deadbeef1234"))

	got, err := st.FindProcessByContainerID(ctx, "deadbeef1234")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = st.FindProcessByContainerID(ctx, "nosuchcontainer")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindProcessesByStatus(t *testing.T) {
	st := newTestStore(t)
	m := newTestMission(t, st)
	ctx := context.Background()

	a, err := st.CreateProcess(ctx, NewProcessParams{MissionID: m.ID, Type: models.ProcessLocal, Command: "a"})
	require.NoError(t, err)
	b, err := st.CreateProcess(ctx, NewProcessParams{MissionID: m.ID, Type: models.ProcessLocal, Command: "b"})
	require.NoError(t, err)
	_, err = st.UpdateProcessStatus(ctx, b.ID, models.ProcessRunning, nil)
	require.NoError(t, err)

	running, err := st.FindProcessesByStatus(ctx, models.ProcessRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, b.ID, running[0].ID)

	queued, err := st.FindProcessesByStatus(ctx, models.ProcessQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, a.ID, queued[0].ID)
}

func TestUpdateProcessHeartbeat(t *testing.T) {
	st := newTestStore(t)
	m := newTestMission(t, st)
	ctx := context.Background()

	p, err := st.CreateProcess(ctx, NewProcessParams{MissionID: m.ID, Type: models.ProcessLocal, Command: "sleep 1"})
	require.NoError(t, err)

	got, err := st.FindProcessByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.HeartbeatAt)

	require.NoError(t, st.UpdateProcessHeartbeat(ctx, p.ID))
	got, err = st.FindProcessByID(ctx, p.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.HeartbeatAt)
}

func TestDeleteMission_CascadesProcesses(t *testing.T) {
	st := newTestStore(t)
	m := newTestMission(t, st)
	ctx := context.Background()

	p, err := st.CreateProcess(ctx, NewProcessParams{MissionID: m.ID, Type: models.ProcessLocal, Command: "sleep 1"})
	require.NoError(t, err)

	require.NoError(t, st.DeleteMission(ctx, m.ID))
	_, err = st.FindProcessByID(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
