package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/groundctl/groundctl/pkg/models"
)

// vcsMarkers are the directory entries that identify a version-controlled
// project root.
var vcsMarkers = []string{".git", ".hg", ".svn", ".jj"}

// CreateProject registers a project. Path must be an existing directory
// containing a version-control marker, and must be unique.
func (s *Store) CreateProject(ctx context.Context, name, path string, config models.JSONMap) (*models.Project, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, &PreconditionError{Reason: fmt.Sprintf("path %q is not an existing directory", path)}
	}
	if !hasVCSMarker(path) {
		return nil, &PreconditionError{Reason: fmt.Sprintf("path %q has no version-control marker", path)}
	}

	now := time.Now().UTC()
	p := &models.Project{
		ID:        models.NewID(models.PrefixProject),
		Name:      name,
		Path:      path,
		IsActive:  true,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, is_active, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.IsActive, p.Config, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, translateConstraint(err, fmt.Sprintf("project path %q already registered", path))
	}
	return p, nil
}

// FindProjectByID returns one project.
func (s *Store) FindProjectByID(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := s.db.GetContext(ctx, &p,
		`SELECT id, name, path, is_active, config, created_at, updated_at, 0 AS mission_count
		 FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "project", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	return &p, nil
}

// FindProjectByPath returns the project registered at path.
func (s *Store) FindProjectByPath(ctx context.Context, path string) (*models.Project, error) {
	var p models.Project
	err := s.db.GetContext(ctx, &p,
		`SELECT id, name, path, is_active, config, created_at, updated_at, 0 AS mission_count
		 FROM projects WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "project", ID: path}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects, newest first, with mission counts.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	var projects []*models.Project
	err := s.db.SelectContext(ctx, &projects,
		`SELECT p.id, p.name, p.path, p.is_active, p.config, p.created_at, p.updated_at,
		        (SELECT COUNT(*) FROM missions m WHERE m.project_id = p.id) AS mission_count
		 FROM projects p
		 ORDER BY p.created_at DESC, p.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// ProjectUpdate carries optional project field updates.
type ProjectUpdate struct {
	Name     *string
	IsActive *bool
	Config   models.JSONMap
}

// UpdateProject applies the non-nil fields of upd and stamps updated_at.
func (s *Store) UpdateProject(ctx context.Context, id string, upd ProjectUpdate) (*models.Project, error) {
	p, err := s.FindProjectByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.IsActive != nil {
		p.IsActive = *upd.IsActive
	}
	if upd.Config != nil {
		p.Config = upd.Config
	}
	p.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, is_active = ?, config = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.IsActive, p.Config, p.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return p, nil
}

// DeleteProject removes a project and, via cascade, its missions. It refuses
// while any mission of the project is in a non-terminal state; the check and
// the delete run in one transaction.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.GetContext(ctx, &active,
		`SELECT COUNT(*) FROM missions
		 WHERE project_id = ? AND state NOT IN (?, ?)`,
		id, models.MissionCompletedOK, models.MissionCompletedFailed)
	if err != nil {
		return fmt.Errorf("failed to count active missions: %w", err)
	}
	if active > 0 {
		return &PreconditionError{Reason: fmt.Sprintf("project has %d active mission(s)", active)}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "project", ID: id}
	}

	return tx.Commit()
}

func hasVCSMarker(path string) bool {
	for _, marker := range vcsMarkers {
		if _, err := os.Stat(filepath.Join(path, marker)); err == nil {
			return true
		}
	}
	return false
}
