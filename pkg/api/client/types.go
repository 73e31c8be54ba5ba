package client

import "time"

// Project describes a deployable unit and everything the backend keeps about it.
type Project struct {
	ID               int64        `json:"id"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Name             string       `json:"name"`
	RepoURL          string       `json:"repo_url"`
	Branch           string       `json:"branch"`
	RootDirectory    string       `json:"root_directory"`
	BuildCommand     string       `json:"build_command"`
	InstallCommand   string       `json:"install_command"`
	StartCommand     string       `json:"start_command"`
	OutputDirectory  string       `json:"output_directory"`
	CustomPort       int          `json:"custom_port"`
	InternalPort     int          `json:"internal_port"`
	EnvVars          []EnvVar     `json:"env_vars"`
	Deployments      []Deployment `json:"deployments"`
	Backups          []Backup     `json:"backups"`
	Volumes          []Volume     `json:"volumes"`
	WebhookSecret    string       `json:"webhook_secret"`
	GitProvider      string       `json:"git_provider"`
	WebhookBranch    string       `json:"webhook_branch"`
	DockerCompose    string       `json:"docker_compose"`
	CustomDockerfile string       `json:"custom_dockerfile"`
}

// Latest returns the most recent deployment, if any.
func (p Project) Latest() (Deployment, bool) {
	if len(p.Deployments) == 0 {
		return Deployment{}, false
	}
	return p.Deployments[0], true
}

// Clone returns a deep copy so callers never share slices with the store.
func (p Project) Clone() Project {
	out := p
	out.EnvVars = append([]EnvVar(nil), p.EnvVars...)
	out.Deployments = append([]Deployment(nil), p.Deployments...)
	out.Backups = append([]Backup(nil), p.Backups...)
	out.Volumes = append([]Volume(nil), p.Volumes...)
	return out
}

// ProjectSummary is a project as returned by the list endpoint.
type ProjectSummary struct {
	Project
	LiveState string `json:"live_state"`
}

// EnvVar is a project environment variable.
type EnvVar struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

// Volume maps a host path into the project container.
type Volume struct {
	ID            int64  `json:"id"`
	ProjectID     int64  `json:"project_id"`
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
}

// Backup is an archive of project data kept by the backend.
type Backup struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
	FilePath  string    `json:"file_path"`
	Size      int64     `json:"size"`
}

// Deployment is one build-and-run attempt of a project.
type Deployment struct {
	ID          int64     `json:"id"`
	ProjectID   int64     `json:"project_id"`
	CreatedAt   time.Time `json:"created_at"`
	Status      string    `json:"status"`
	CommitHash  string    `json:"commit_hash"`
	Logs        string    `json:"logs"`
	ContainerID string    `json:"container_id"`
	Port        int       `json:"port"`
	IsPaused    bool      `json:"is_paused"`
}

// LiveInfo is the runtime view of the project's current container.
type LiveInfo struct {
	State  string `json:"state"`
	Memory int64  `json:"memory"`
}

// Running reports whether the runtime considers the container running.
func (l LiveInfo) Running() bool {
	return l.State == "running"
}

// ProjectSnapshot is the combined payload of GET /projects/{id}.
type ProjectSnapshot struct {
	Project Project  `json:"project"`
	Live    LiveInfo `json:"live"`
}

// Stats aggregates counts across the installation.
type Stats struct {
	TotalProjects    int64 `json:"total_projects"`
	TotalDeployments int64 `json:"total_deployments"`
	ActiveContainers int64 `json:"active_containers"`
}

// ProjectInput is the writable subset of Project used for create and update.
type ProjectInput struct {
	Name             string `json:"name" validate:"required"`
	RepoURL          string `json:"repo_url" validate:"required"`
	Branch           string `json:"branch,omitempty"`
	RootDirectory    string `json:"root_directory"`
	BuildCommand     string `json:"build_command"`
	InstallCommand   string `json:"install_command"`
	StartCommand     string `json:"start_command"`
	OutputDirectory  string `json:"output_directory,omitempty"`
	CustomPort       int    `json:"custom_port" validate:"gte=0,lte=65535"`
	InternalPort     int    `json:"internal_port" validate:"gte=0,lte=65535"`
	WebhookSecret    string `json:"webhook_secret,omitempty"`
	GitProvider      string `json:"git_provider,omitempty" validate:"omitempty,oneof=github gitlab"`
	WebhookBranch    string `json:"webhook_branch,omitempty"`
	DockerCompose    string `json:"docker_compose,omitempty"`
	CustomDockerfile string `json:"custom_dockerfile,omitempty"`
}

// InputFrom copies the writable fields of p.
func InputFrom(p Project) ProjectInput {
	return ProjectInput{
		Name:             p.Name,
		RepoURL:          p.RepoURL,
		Branch:           p.Branch,
		RootDirectory:    p.RootDirectory,
		BuildCommand:     p.BuildCommand,
		InstallCommand:   p.InstallCommand,
		StartCommand:     p.StartCommand,
		OutputDirectory:  p.OutputDirectory,
		CustomPort:       p.CustomPort,
		InternalPort:     p.InternalPort,
		WebhookSecret:    p.WebhookSecret,
		GitProvider:      p.GitProvider,
		WebhookBranch:    p.WebhookBranch,
		DockerCompose:    p.DockerCompose,
		CustomDockerfile: p.CustomDockerfile,
	}
}

// EnvVarInput adds an environment variable to a project.
type EnvVarInput struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// VolumeInput adds a volume mapping to a project.
type VolumeInput struct {
	HostPath      string `json:"host_path" validate:"required"`
	ContainerPath string `json:"container_path" validate:"required"`
}
