package engine

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestro/console/internal/backendtest"
	"github.com/orchestro/console/internal/state"
	"github.com/orchestro/console/pkg/api/client"
)

const waitFor = 3 * time.Second

func newEngine(t *testing.T, b *backendtest.Backend, cfg Config) *Engine {
	t.Helper()
	api, err := client.New(b.URL())
	require.NoError(t, err)
	cfg.PushURL = b.PushURL()
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 50 * time.Millisecond
	}
	e := New(api, cfg, nil, nil)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitConnected(t *testing.T, b *backendtest.Backend, s *ProjectSession) {
	t.Helper()
	require.Eventually(t, func() bool {
		view, ok := s.View()
		return ok && view.Connected && b.Connections() == 1
	}, waitFor, 10*time.Millisecond)
}

func eventuallyView(t *testing.T, s *ProjectSession, cond func(state.ProjectView) bool) state.ProjectView {
	t.Helper()
	var last state.ProjectView
	require.Eventually(t, func() bool {
		view, ok := s.View()
		last = view
		return ok && cond(view)
	}, waitFor, 10*time.Millisecond)
	return last
}

func TestProjectGoesFromNoDeploymentsToReady(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7, Name: "site", RepoURL: "https://github.com/acme/site"})
	e := newEngine(t, b, Config{})

	s, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	defer s.Close()

	view, ok := s.View()
	require.True(t, ok)
	assert.Equal(t, state.StatusNone, view.Status)
	assert.Equal(t, "no deployments", view.StatusLabel)
	waitConnected(t, b, s)

	require.NoError(t, s.Deploy(context.Background()))
	view = eventuallyView(t, s, func(v state.ProjectView) bool { return v.Status == state.StatusBuilding })
	assert.Equal(t, "Starting deployment...\n", view.BuildLog)

	b.PushLog(7, "Building...\n")
	b.PushLog(7, "Done.\n")
	b.FinishDeployment(7, "ready", 3007)

	view = eventuallyView(t, s, func(v state.ProjectView) bool { return v.Status == state.StatusReady })
	assert.Equal(t, 3007, view.Port)
	assert.True(t, view.Live.Running())
	assert.Equal(t, "Starting deployment...\nBuilding...\nDone.\n", view.BuildLog)
}

func TestStatusEventTriggersExactlyOneFetch(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7, Name: "site"})
	b.AddProject(client.Project{ID: 8, Name: "other"})
	e := newEngine(t, b, Config{})

	s, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	defer s.Close()
	waitConnected(t, b, s)

	before := b.Requests(http.MethodGet, "/api/v1/projects/7")
	b.PushStatus(8, "building", 0)
	b.PushStatus(7, "building", 0)
	// frames are handled in order, so once the marker lands the status refresh is done
	b.PushLog(7, "marker")
	eventuallyView(t, s, func(v state.ProjectView) bool { return strings.HasSuffix(v.BuildLog, "marker") })

	assert.Equal(t, before+1, b.Requests(http.MethodGet, "/api/v1/projects/7"))
	assert.Zero(t, b.Requests(http.MethodGet, "/api/v1/projects/8"))
}

func TestUnknownFramesAreIgnored(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7})
	e := newEngine(t, b, Config{})

	s, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	defer s.Close()
	waitConnected(t, b, s)

	b.PushRaw([]byte(`{"type":"metrics","project_id":7}`))
	b.PushRaw([]byte(`garbage`))
	b.PushLog(7, "still alive\n")

	view := eventuallyView(t, s, func(v state.ProjectView) bool { return v.BuildLog == "still alive\n" })
	assert.True(t, view.Connected)
}

func TestReconnectRefetchesSnapshot(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7, Deployments: []client.Deployment{{ID: 1, Status: "building"}}})
	e := newEngine(t, b, Config{ReconnectDelay: 200 * time.Millisecond})

	s, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	defer s.Close()
	waitConnected(t, b, s)

	b.DropConnections()
	// the broadcast reaches nobody; only the reconnect snapshot can reveal it
	b.FinishDeployment(7, "ready", 8080)

	eventuallyView(t, s, func(v state.ProjectView) bool { return !v.Connected })
	view := eventuallyView(t, s, func(v state.ProjectView) bool {
		return v.Connected && v.Status == state.StatusReady
	})
	assert.Equal(t, 8080, view.Port)
	require.Eventually(t, func() bool { return b.Connections() == 1 }, waitFor, 10*time.Millisecond)
}

func TestRuntimeLogPollingFollowsLogView(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7, Deployments: []client.Deployment{{ID: 1, Status: "ready", ContainerID: "c1", Port: 80}}})
	b.SetRuntimeLog(7, "listening on :80\n")
	e := newEngine(t, b, Config{RuntimeLogInterval: 20 * time.Millisecond})

	s, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	defer s.Close()

	const runtimePath = "/api/v1/projects/7/logs/runtime"
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, b.Requests(http.MethodGet, runtimePath))

	s.SetLogView(LogViewRuntime)
	eventuallyView(t, s, func(v state.ProjectView) bool { return v.RuntimeLog == "listening on :80\n" })

	require.NoError(t, s.ClearRuntimeLog())
	b.SetRuntimeLog(7, "listening on :80\nGET /\n")
	eventuallyView(t, s, func(v state.ProjectView) bool { return v.RuntimeLog == "listening on :80\nGET /\n" })

	s.SetLogView(LogViewBuild)
	stopped := b.Requests(http.MethodGet, runtimePath)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, stopped, b.Requests(http.MethodGet, runtimePath))
	assert.Equal(t, LogViewBuild, s.LogView())
}

func TestOpenMissingProjectReleasesEverything(t *testing.T) {
	b := backendtest.New(t)
	e := newEngine(t, b, Config{})

	_, err := e.OpenProject(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
	assert.False(t, e.Store().Tracked(404))
	require.Eventually(t, func() bool { return b.Connections() == 0 }, waitFor, 10*time.Millisecond)
}

func TestSessionsOfOneProjectShareAFeed(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7})
	e := newEngine(t, b, Config{})

	first, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	second, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	waitConnected(t, b, first)

	b.PushLog(7, "once\n")
	view := eventuallyView(t, second, func(v state.ProjectView) bool { return v.BuildLog != "" })
	assert.Equal(t, "once\n", view.BuildLog)

	require.NoError(t, first.Close())
	assert.True(t, e.Store().Tracked(7))
	assert.Equal(t, 1, b.Connections())

	require.NoError(t, second.Close())
	require.NoError(t, second.Close())
	assert.False(t, e.Store().Tracked(7))
	require.Eventually(t, func() bool { return b.Connections() == 0 }, waitFor, 10*time.Millisecond)
}

func TestWatchSignalsChangesAndClosesWithSession(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7})
	e := newEngine(t, b, Config{})

	s, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	ch, err := s.Watch()
	require.NoError(t, err)
	waitConnected(t, b, s)

	b.PushLog(7, "hello\n")
	require.Eventually(t, func() bool {
		select {
		case <-ch:
			view, _ := s.View()
			return view.BuildLog == "hello\n"
		default:
			return false
		}
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, s.Close())
	for range ch {
	}
	_, err = s.Watch()
	assert.Error(t, err)
}

func TestOverviewRefreshesOnStatusEvents(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 1, Name: "a"})
	e := newEngine(t, b, Config{})

	ov, err := e.OpenOverview(context.Background())
	require.NoError(t, err)
	defer ov.Close()

	view := ov.View()
	require.True(t, view.Loaded)
	require.Len(t, view.Projects, 1)
	assert.Equal(t, int64(1), view.Stats.TotalProjects)

	require.Eventually(t, func() bool { return ov.View().Connected && b.Connections() == 1 }, waitFor, 10*time.Millisecond)

	b.AddProject(client.Project{ID: 2, Name: "b", Deployments: []client.Deployment{{Status: "pending"}}})
	b.PushStatus(2, "building", 0)
	require.Eventually(t, func() bool { return len(ov.View().Projects) == 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, state.StatusBuilding, ov.View().Projects[1].Status)

	created, err := e.Actions().CreateProject(context.Background(), client.ProjectInput{Name: "c", RepoURL: "https://github.com/acme/c"})
	require.NoError(t, err)
	view = ov.View()
	require.Len(t, view.Projects, 3)
	assert.Equal(t, created.ID, view.Projects[2].ID)
}

func TestDeleteProjectClosesWatchers(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7})
	e := newEngine(t, b, Config{})

	s, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	defer s.Close()
	ch, err := s.Watch()
	require.NoError(t, err)

	require.NoError(t, e.Actions().DeleteProject(context.Background(), 7))
	for range ch {
	}
	_, ok := s.View()
	assert.False(t, ok)
}

func TestSessionOpenedAfterDeleteOutlivesOlderSession(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7, Name: "site"})
	e := newEngine(t, b, Config{})

	old, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	waitConnected(t, b, old)
	require.NoError(t, e.Actions().DeleteProject(context.Background(), 7))

	b.AddProject(client.Project{ID: 7, Name: "site again"})
	fresh, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	defer fresh.Close()

	require.NoError(t, old.Close())
	view, ok := fresh.View()
	require.True(t, ok)
	assert.Equal(t, "site again", view.Project.Name)
	assert.True(t, view.Connected, "the shared feed stayed connected")
	assert.True(t, e.Store().Tracked(7))
}

func TestFailedActionKeepsState(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7, Deployments: []client.Deployment{{ID: 1, Status: "failed"}}})
	e := newEngine(t, b, Config{})

	s, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	defer s.Close()
	waitConnected(t, b, s)

	before, _ := s.View()
	err = s.Pause(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No running container found to pause")

	after, _ := s.View()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, state.StatusFailed, after.Status)
}

func TestRejectedDeployKeepsPreviousBuildLog(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7, Name: "site",
		Deployments: []client.Deployment{{ID: 1, Status: "failed", Logs: "old build output\n"}}})
	e := newEngine(t, b, Config{})

	s, err := e.OpenProject(context.Background(), 7)
	require.NoError(t, err)
	defer s.Close()
	waitConnected(t, b, s)

	b.FailNext(http.MethodPost, "/api/v1/projects/7/deploy", http.StatusInternalServerError, "builder unavailable")
	err = s.Deploy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "builder unavailable")

	view, ok := s.View()
	require.True(t, ok)
	assert.Equal(t, "old build output\n", view.BuildLog)
	assert.Equal(t, state.StatusFailed, view.Status)

	require.NoError(t, s.Deploy(context.Background()))
	view, _ = s.View()
	assert.Equal(t, "Starting deployment...\n", view.BuildLog)
}

func TestProjectActionsRefreshOpenOverview(t *testing.T) {
	b := backendtest.New(t)
	b.AddProject(client.Project{ID: 7, Name: "site", RepoURL: "https://github.com/acme/site"})
	e := newEngine(t, b, Config{})

	ov, err := e.OpenOverview(context.Background())
	require.NoError(t, err)
	defer ov.Close()
	require.Len(t, ov.View().Projects, 1)

	_, err = e.Actions().UpdateProject(context.Background(), 7,
		client.ProjectInput{Name: "renamed", RepoURL: "https://github.com/acme/site"})
	require.NoError(t, err)
	view := ov.View()
	require.Len(t, view.Projects, 1)
	assert.Equal(t, "renamed", view.Projects[0].Name)

	require.NoError(t, e.Deploy(context.Background(), 7))
	assert.Equal(t, state.StatusBuilding, ov.View().Projects[0].Status)
}

func TestParseLogView(t *testing.T) {
	v, err := ParseLogView("runtime")
	require.NoError(t, err)
	assert.Equal(t, LogViewRuntime, v)

	v, err = ParseLogView("")
	require.NoError(t, err)
	assert.Equal(t, LogViewNone, v)

	_, err = ParseLogView("audit")
	assert.Error(t, err)
}

func TestOpenAfterCloseFails(t *testing.T) {
	b := backendtest.New(t)
	e := newEngine(t, b, Config{})
	require.NoError(t, e.Close())

	_, err := e.OpenProject(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.OpenOverview(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
