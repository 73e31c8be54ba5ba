package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestro/console/internal/backendtest"
	"github.com/orchestro/console/pkg/api/client"
)

// syncBuffer is written by the engine goroutines while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type cli struct {
	backend *backendtest.Backend
	config  string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	return &cli{
		backend: backendtest.New(t),
		config:  filepath.Join(t.TempDir(), "config.yaml"),
	}
}

func (c *cli) runWith(out *syncBuffer, args ...string) error {
	app := newApp(out, &syncBuffer{})
	defer app.close()
	cmd := newRootCmd(app)
	cmd.SetArgs(append([]string{"--api", c.backend.URL(), "--config", c.config}, args...))
	return cmd.ExecuteContext(context.Background())
}

func (c *cli) run(args ...string) (string, error) {
	out := &syncBuffer{}
	err := c.runWith(out, args...)
	return out.String(), err
}

func TestProjectsListsDerivedStatus(t *testing.T) {
	c := newCLI(t)
	c.backend.AddProject(client.Project{ID: 1, Name: "site", RepoURL: "https://github.com/acme/site",
		Deployments: []client.Deployment{{ID: 10, Status: "ready", Port: 3000, ContainerID: "c1"}}})
	c.backend.AddProject(client.Project{ID: 2, Name: "blog", RepoURL: "https://github.com/acme/blog"})

	out, err := c.run("projects")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, lines[1], "site")
	assert.Contains(t, lines[1], "ready")
	assert.Contains(t, lines[1], "3000")
	assert.Contains(t, lines[2], "blog")
	assert.Contains(t, lines[2], "no deployments")
	assert.Contains(t, out, "2 projects, 1 deployments, 1 active containers")
}

func TestProjectCreateAppliesDefaults(t *testing.T) {
	c := newCLI(t)

	out, err := c.run("project", "create", "--name", "api", "--repo", "https://github.com/acme/api")
	require.NoError(t, err)
	assert.Equal(t, "project created: 1 (api)\n", out)

	p, ok := c.backend.Project(1)
	require.True(t, ok)
	assert.Equal(t, "main", p.Branch)
	assert.Equal(t, "bun install", p.InstallCommand)
	assert.Equal(t, "bun run build", p.BuildCommand)
	assert.Equal(t, "bun run start", p.StartCommand)
	assert.Equal(t, "dist", p.OutputDirectory)
}

func TestProjectCreateValidatesBeforeCalling(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("project", "create", "--name", "api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repo_url is required")

	_, err = c.run("project", "create", "--name", "api", "--repo", "r", "--git-provider", "svn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git_provider must be one of")

	assert.Zero(t, c.backend.Requests(http.MethodPost, "/api/v1/projects"))
}

func TestProjectUpdateKeepsUnsetFields(t *testing.T) {
	c := newCLI(t)
	c.backend.AddProject(client.Project{ID: 4, Name: "site", RepoURL: "r", Branch: "main", BuildCommand: "make"})

	_, err := c.run("project", "update", "4")
	require.EqualError(t, err, "nothing to update")

	out, err := c.run("project", "update", "4", "--branch", "dev")
	require.NoError(t, err)
	assert.Equal(t, "project updated: 4 (site)\n", out)

	p, _ := c.backend.Project(4)
	assert.Equal(t, "dev", p.Branch)
	assert.Equal(t, "make", p.BuildCommand)
}

func TestProjectDeleteNeedsConfirmation(t *testing.T) {
	c := newCLI(t)
	c.backend.AddProject(client.Project{ID: 4, Name: "site"})

	_, err := c.run("project", "delete", "4")
	require.Error(t, err)
	_, ok := c.backend.Project(4)
	assert.True(t, ok)

	_, err = c.run("project", "delete", "4", "--yes")
	require.NoError(t, err)
	_, ok = c.backend.Project(4)
	assert.False(t, ok)
}

func TestLifecycleCommands(t *testing.T) {
	c := newCLI(t)
	c.backend.AddProject(client.Project{ID: 7, Name: "site"})

	out, err := c.run("deploy", "7")
	require.NoError(t, err)
	assert.Equal(t, "deploy requested for project 7\n", out)
	p, _ := c.backend.Project(7)
	require.Len(t, p.Deployments, 1)
	assert.Equal(t, "building", p.Deployments[0].Status)

	_, err = c.run("pause", "7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No running container found to pause")

	_, err = c.run("resume", "abc")
	require.EqualError(t, err, `invalid project id "abc"`)
}

func TestEnvAndVolumeCommands(t *testing.T) {
	c := newCLI(t)
	c.backend.AddProject(client.Project{ID: 7, Name: "site"})

	_, err := c.run("env", "add", "7", "API_KEY=a=b")
	require.NoError(t, err)
	_, err = c.run("env", "add", "7", "NOVALUE")
	require.Error(t, err)

	p, _ := c.backend.Project(7)
	require.Len(t, p.EnvVars, 1)
	assert.Equal(t, "API_KEY", p.EnvVars[0].Key)
	assert.Equal(t, "a=b", p.EnvVars[0].Value)

	_, err = c.run("volume", "add", "7", "/srv/data:")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container_path is required")

	_, err = c.run("volume", "add", "7", "/srv/data:/data")
	require.NoError(t, err)
	p, _ = c.backend.Project(7)
	require.Len(t, p.Volumes, 1)
	assert.Equal(t, "/data", p.Volumes[0].ContainerPath)
}

func TestBackupDownloadWritesFile(t *testing.T) {
	c := newCLI(t)
	c.backend.AddProject(client.Project{ID: 7, Name: "site"})

	_, err := c.run("backup", "create", "7")
	require.NoError(t, err)
	p, _ := c.backend.Project(7)
	require.Len(t, p.Backups, 1)
	backupID := p.Backups[0].ID

	out, err := c.run("backup", "list", "7")
	require.NoError(t, err)
	assert.Contains(t, out, p.Backups[0].FilePath)

	dest := filepath.Join(t.TempDir(), "site.tar.gz")
	_, err = c.run("backup", "download", "--output", dest, strconv.FormatInt(backupID, 10))
	require.NoError(t, err)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "backup of site", string(data))

	missing := filepath.Join(t.TempDir(), "missing.tar.gz")
	_, err = c.run("backup", "download", "-o", missing, "999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Backup not found")
	assert.NoFileExists(t, missing)
}

func TestConfigSetAndShow(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("config", "set", "reconnect_delay", "5s")
	require.NoError(t, err)
	_, err = c.run("config", "set", "api_token", "s3cret")
	require.NoError(t, err)

	_, err = c.run("config", "set", "colour", "blue")
	require.Error(t, err)
	_, err = c.run("config", "set", "timeout", "soon")
	require.EqualError(t, err, "timeout must be a positive duration such as 5s")

	out, err := c.run("config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, c.config)
	assert.Regexp(t, `reconnect_delay\s+5s`, out)
	assert.Regexp(t, `api_token\s+\*+`, out)
	assert.NotContains(t, out, "s3cret")
}

func TestWatchFollowsBuildLog(t *testing.T) {
	c := newCLI(t)
	c.backend.AddProject(client.Project{ID: 7, Name: "site",
		Deployments: []client.Deployment{{ID: 1, Status: "building", Logs: "Cloning...\n"}}})

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- c.runWith(out, "watch", "7", "--timeout", "1500ms")
	}()

	require.Eventually(t, func() bool {
		return c.backend.Connections() == 1 && strings.Contains(out.String(), "Cloning...")
	}, 3*time.Second, 10*time.Millisecond)
	c.backend.PushLog(7, "Building...\n")
	c.backend.FinishDeployment(7, "ready", 3007)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "site: ready on :3007")
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after its timeout")
	}
	text := out.String()
	assert.Contains(t, text, "Cloning...\nBuilding...\n")
	assert.Contains(t, text, "site: building")
	assert.Equal(t, 1, strings.Count(text, "Cloning..."))
}

func TestVersionSkipsConfig(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, os.WriteFile(c.config, []byte("not: [valid"), 0o600))

	out, err := c.run("version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)

	_, err = c.run("projects")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
