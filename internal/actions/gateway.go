package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/orchestro/console/internal/metrics"
	"github.com/orchestro/console/pkg/api/client"
	"github.com/orchestro/console/pkg/logger"
)

// API is the subset of the backend client used for mutations.
type API interface {
	CreateProject(ctx context.Context, input client.ProjectInput) (client.Project, error)
	UpdateProject(ctx context.Context, projectID int64, input client.ProjectInput) (client.Project, error)
	DeleteProject(ctx context.Context, projectID int64) error
	Deploy(ctx context.Context, projectID int64) error
	Pause(ctx context.Context, projectID int64) error
	Resume(ctx context.Context, projectID int64) error
	CreateEnvVar(ctx context.Context, projectID int64, input client.EnvVarInput) (client.EnvVar, error)
	DeleteEnvVar(ctx context.Context, projectID, envID int64) error
	AddVolume(ctx context.Context, projectID int64, input client.VolumeInput) (client.Volume, error)
	DeleteVolume(ctx context.Context, projectID, volumeID int64) error
	CreateBackup(ctx context.Context, projectID int64) (client.Backup, error)
}

// Refresher forces fresh snapshots after a mutation. state.Store implements it.
type Refresher interface {
	Tracked(projectID int64) bool
	Refresh(ctx context.Context, projectID int64) error
	RefreshOverview(ctx context.Context) error
	OverviewObserved() bool
	Forget(projectID int64)
}

// Error reports a failed action. It wraps client.APIError when the backend rejected the
// request.
type Error struct {
	Action    string
	ProjectID int64
	Err       error
}

func (e *Error) Error() string {
	if e.ProjectID == 0 {
		return fmt.Sprintf("%s: %s", e.Action, e.Message())
	}
	return fmt.Sprintf("%s project %d: %s", e.Action, e.ProjectID, e.Message())
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the backend's error text, or the transport error.
func (e *Error) Message() string {
	var apiErr client.APIError
	if errors.As(e.Err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return e.Err.Error()
}

// StatusCode returns the backend's HTTP status, or 502 when the request never got an answer.
func (e *Error) StatusCode() int {
	var apiErr client.APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.Status
	}
	return http.StatusBadGateway
}

// Gateway issues operator actions. Each action is a single request; on success the affected
// snapshot is refetched, on failure nothing local changes.
type Gateway struct {
	api     API
	store   Refresher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New constructs a Gateway. logger and m may be nil.
func New(api API, store Refresher, l *slog.Logger, m *metrics.Metrics) *Gateway {
	if l == nil {
		l = logger.Discard()
	}
	return &Gateway{api: api, store: store, logger: l.With("component", "actions"), metrics: m}
}

// Deploy starts a new deployment.
func (g *Gateway) Deploy(ctx context.Context, projectID int64) error {
	return g.projectAction(ctx, "deploy", projectID, func() error {
		return g.api.Deploy(ctx, projectID)
	})
}

// Pause stops the running deployment.
func (g *Gateway) Pause(ctx context.Context, projectID int64) error {
	return g.projectAction(ctx, "pause", projectID, func() error {
		return g.api.Pause(ctx, projectID)
	})
}

// Resume restarts a paused deployment.
func (g *Gateway) Resume(ctx context.Context, projectID int64) error {
	return g.projectAction(ctx, "resume", projectID, func() error {
		return g.api.Resume(ctx, projectID)
	})
}

// CreateEnvVar adds an environment variable.
func (g *Gateway) CreateEnvVar(ctx context.Context, projectID int64, input client.EnvVarInput) (client.EnvVar, error) {
	var out client.EnvVar
	err := g.projectAction(ctx, "create_env", projectID, func() (err error) {
		out, err = g.api.CreateEnvVar(ctx, projectID, input)
		return err
	})
	return out, err
}

// DeleteEnvVar removes an environment variable.
func (g *Gateway) DeleteEnvVar(ctx context.Context, projectID, envID int64) error {
	return g.projectAction(ctx, "delete_env", projectID, func() error {
		return g.api.DeleteEnvVar(ctx, projectID, envID)
	})
}

// AddVolume adds a volume mapping.
func (g *Gateway) AddVolume(ctx context.Context, projectID int64, input client.VolumeInput) (client.Volume, error) {
	var out client.Volume
	err := g.projectAction(ctx, "add_volume", projectID, func() (err error) {
		out, err = g.api.AddVolume(ctx, projectID, input)
		return err
	})
	return out, err
}

// DeleteVolume removes a volume mapping.
func (g *Gateway) DeleteVolume(ctx context.Context, projectID, volumeID int64) error {
	return g.projectAction(ctx, "delete_volume", projectID, func() error {
		return g.api.DeleteVolume(ctx, projectID, volumeID)
	})
}

// CreateBackup archives project data.
func (g *Gateway) CreateBackup(ctx context.Context, projectID int64) (client.Backup, error) {
	var out client.Backup
	err := g.projectAction(ctx, "create_backup", projectID, func() (err error) {
		out, err = g.api.CreateBackup(ctx, projectID)
		return err
	})
	return out, err
}

// UpdateProject replaces the project's settings.
func (g *Gateway) UpdateProject(ctx context.Context, projectID int64, input client.ProjectInput) (client.Project, error) {
	var out client.Project
	err := g.projectAction(ctx, "update_project", projectID, func() (err error) {
		out, err = g.api.UpdateProject(ctx, projectID, input)
		return err
	})
	return out, err
}

// CreateProject provisions a project and refreshes the overview.
func (g *Gateway) CreateProject(ctx context.Context, input client.ProjectInput) (client.Project, error) {
	out, err := g.api.CreateProject(ctx, input)
	g.metrics.Action("create_project", err)
	if err != nil {
		return client.Project{}, &Error{Action: "create_project", Err: err}
	}
	g.logger.Info("project created", "project_id", out.ID, "name", out.Name)
	g.refreshOverview(ctx)
	return out, nil
}

// DeleteProject removes a project, drops its local record and refreshes the overview.
func (g *Gateway) DeleteProject(ctx context.Context, projectID int64) error {
	err := g.api.DeleteProject(ctx, projectID)
	g.metrics.Action("delete_project", err)
	if err != nil {
		return &Error{Action: "delete_project", ProjectID: projectID, Err: err}
	}
	g.logger.Info("project deleted", "project_id", projectID)
	g.store.Forget(projectID)
	g.refreshOverview(ctx)
	return nil
}

func (g *Gateway) projectAction(ctx context.Context, name string, projectID int64, call func() error) error {
	err := call()
	g.metrics.Action(name, err)
	if err != nil {
		g.logger.Warn("action failed", "action", name, "project_id", projectID, "error", err)
		return &Error{Action: name, ProjectID: projectID, Err: err}
	}
	g.logger.Info("action issued", "action", name, "project_id", projectID)
	if g.store.Tracked(projectID) {
		if err := g.store.Refresh(ctx, projectID); err != nil {
			g.logger.Warn("refresh after action failed", "action", name, "project_id", projectID, "error", err)
		}
	}
	// the overview rows carry name, repo and status of every project
	if g.store.OverviewObserved() {
		g.refreshOverview(ctx)
	}
	return nil
}

func (g *Gateway) refreshOverview(ctx context.Context) {
	if err := g.store.RefreshOverview(ctx); err != nil {
		g.logger.Warn("overview refresh after action failed", "error", err)
	}
}
