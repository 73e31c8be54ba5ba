package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const maxRuntimeLogSize = 1 << 20

func projectPath(projectID int64, suffix string) string {
	return fmt.Sprintf("/api/v1/projects/%d%s", projectID, suffix)
}

// ListProjects returns every project with its deployment history and live state.
func (c *Client) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	var projects []ProjectSummary
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// Stats returns aggregate counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// GetProject fetches a project together with its live runtime information.
func (c *Client) GetProject(ctx context.Context, projectID int64) (ProjectSnapshot, error) {
	var snap ProjectSnapshot
	if err := c.do(ctx, http.MethodGet, projectPath(projectID, ""), nil, &snap); err != nil {
		return ProjectSnapshot{}, err
	}
	return snap, nil
}

// RuntimeLogs returns the current tail of the running container's output.
func (c *Client) RuntimeLogs(ctx context.Context, projectID int64) (string, error) {
	resp, err := c.send(ctx, http.MethodGet, projectPath(projectID, "/logs/runtime"), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRuntimeLogSize))
	if err != nil {
		return "", fmt.Errorf("read runtime logs: %w", err)
	}
	return string(data), nil
}

// CreateProject provisions a new project.
func (c *Client) CreateProject(ctx context.Context, input ProjectInput) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodPost, "/api/v1/projects", input, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// UpdateProject replaces the writable fields of a project.
func (c *Client) UpdateProject(ctx context.Context, projectID int64, input ProjectInput) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodPut, projectPath(projectID, ""), input, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// DeleteProject removes a project and its containers.
func (c *Client) DeleteProject(ctx context.Context, projectID int64) error {
	return c.do(ctx, http.MethodDelete, projectPath(projectID, ""), nil, nil)
}

// Deploy starts a new deployment. The backend answers before the build finishes.
func (c *Client) Deploy(ctx context.Context, projectID int64) error {
	return c.do(ctx, http.MethodPost, projectPath(projectID, "/deploy"), nil, nil)
}

// Pause stops the running container of the latest deployment.
func (c *Client) Pause(ctx context.Context, projectID int64) error {
	return c.do(ctx, http.MethodPost, projectPath(projectID, "/pause"), nil, nil)
}

// Resume restarts the paused container of the latest deployment.
func (c *Client) Resume(ctx context.Context, projectID int64) error {
	return c.do(ctx, http.MethodPost, projectPath(projectID, "/resume"), nil, nil)
}

// CreateEnvVar stores an environment variable for a project.
func (c *Client) CreateEnvVar(ctx context.Context, projectID int64, input EnvVarInput) (EnvVar, error) {
	var envVar EnvVar
	if err := c.do(ctx, http.MethodPost, projectPath(projectID, "/env"), input, &envVar); err != nil {
		return EnvVar{}, err
	}
	return envVar, nil
}

// DeleteEnvVar removes an environment variable.
func (c *Client) DeleteEnvVar(ctx context.Context, projectID, envID int64) error {
	return c.do(ctx, http.MethodDelete, projectPath(projectID, fmt.Sprintf("/env/%d", envID)), nil, nil)
}

// AddVolume stores a volume mapping for a project.
func (c *Client) AddVolume(ctx context.Context, projectID int64, input VolumeInput) (Volume, error) {
	var volume Volume
	if err := c.do(ctx, http.MethodPost, projectPath(projectID, "/volumes"), input, &volume); err != nil {
		return Volume{}, err
	}
	return volume, nil
}

// DeleteVolume removes a volume mapping.
func (c *Client) DeleteVolume(ctx context.Context, projectID, volumeID int64) error {
	return c.do(ctx, http.MethodDelete, projectPath(projectID, fmt.Sprintf("/volumes/%d", volumeID)), nil, nil)
}

// CreateBackup archives project data on the backend.
func (c *Client) CreateBackup(ctx context.Context, projectID int64) (Backup, error) {
	var backup Backup
	if err := c.do(ctx, http.MethodPost, projectPath(projectID, "/backups"), nil, &backup); err != nil {
		return Backup{}, err
	}
	return backup, nil
}

// ListBackups returns the backups of a project.
func (c *Client) ListBackups(ctx context.Context, projectID int64) ([]Backup, error) {
	var backups []Backup
	if err := c.do(ctx, http.MethodGet, projectPath(projectID, "/backups"), nil, &backups); err != nil {
		return nil, err
	}
	return backups, nil
}

// DownloadBackup streams a backup archive into w and returns the number of bytes written.
func (c *Client) DownloadBackup(ctx context.Context, backupID int64, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, fmt.Sprintf("/api/v1/backups/%d/download", backupID), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("copy backup: %w", err)
	}
	return n, nil
}
