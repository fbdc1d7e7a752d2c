package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundctl/groundctl/pkg/models"
)

// newTestStore opens a fresh store on a temp sqlite file and runs the
// migrations.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newRepoDir creates a directory that passes the VCS marker check.
func newRepoDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state", "db.sqlite")
	st, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	require.NoError(t, st.Ping(context.Background()))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestCreateProject_RequiresExistingDirectory(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateProject(context.Background(), "ghost", "/does/not/exist", nil)
	var precondition *PreconditionError
	require.ErrorAs(t, err, &precondition)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestCreateProject_RequiresVCSMarker(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateProject(context.Background(), "plain", t.TempDir(), nil)
	var precondition *PreconditionError
	require.ErrorAs(t, err, &precondition)
}

func TestCreateProject_RejectsDuplicatePath(t *testing.T) {
	st := newTestStore(t)
	dir := newRepoDir(t)

	_, err := st.CreateProject(context.Background(), "one", dir, nil)
	require.NoError(t, err)

	_, err = st.CreateProject(context.Background(), "two", dir, nil)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestProject_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dir := newRepoDir(t)

	created, err := st.CreateProject(ctx, "api-server", dir, models.JSONMap{"lang": "go"})
	require.NoError(t, err)
	assert.True(t, created.IsActive)

	got, err := st.FindProjectByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "api-server", got.Name)
	assert.Equal(t, dir, got.Path)
	assert.Equal(t, models.JSONMap{"lang": "go"}, got.Config)

	byPath, err := st.FindProjectByPath(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, created.ID, byPath.ID)
}

func TestFindProjectByID_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.FindProjectByID(context.Background(), "proj-missing")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "project", notFound.Kind)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListProjects_IncludesMissionCounts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreateProject(ctx, "counted", newRepoDir(t), nil)
	require.NoError(t, err)
	_, err = st.CreateMission(ctx, p.ID, "feature one", "")
	require.NoError(t, err)
	_, err = st.CreateMission(ctx, p.ID, "feature two", "")
	require.NoError(t, err)

	projects, err := st.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, 2, projects[0].MissionCount)
}

func TestUpdateProject_AppliesPartialUpdate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreateProject(ctx, "before", newRepoDir(t), nil)
	require.NoError(t, err)

	name := "after"
	inactive := false
	updated, err := st.UpdateProject(ctx, p.ID, ProjectUpdate{Name: &name, IsActive: &inactive})
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Name)
	assert.False(t, updated.IsActive)
	assert.Equal(t, p.Path, updated.Path)
}

func TestDeleteProject_RefusedWithActiveMissions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreateProject(ctx, "busy", newRepoDir(t), nil)
	require.NoError(t, err)
	m, err := st.CreateMission(ctx, p.ID, "in flight", "")
	require.NoError(t, err)

	err = st.DeleteProject(ctx, p.ID)
	var precondition *PreconditionError
	require.ErrorAs(t, err, &precondition)

	// Finishing the mission unblocks the delete, and the cascade removes it.
	_, err = st.ForceMissionFailed(ctx, m.ID, "test teardown")
	require.NoError(t, err)
	require.NoError(t, st.DeleteProject(ctx, p.ID))

	_, err = st.FindMissionByID(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
