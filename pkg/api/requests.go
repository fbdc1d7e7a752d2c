package api

import "github.com/groundctl/groundctl/pkg/models"

type createProjectRequest struct {
	Name   string         `json:"name"`
	Path   string         `json:"path"`
	Config models.JSONMap `json:"config,omitempty"`
}

type updateProjectRequest struct {
	Name     *string        `json:"name,omitempty"`
	IsActive *bool          `json:"isActive,omitempty"`
	Config   models.JSONMap `json:"config,omitempty"`
}

type createMissionRequest struct {
	ProjectID   string `json:"projectId"`
	FeatureName string `json:"featureName"`
	Description string `json:"description,omitempty"`
}

type rejectRequest struct {
	Notes string `json:"notes"`
}

type signalRequest struct {
	Signal string `json:"signal"`
}

type execRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}
