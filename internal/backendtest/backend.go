// Package backendtest provides an in-memory orchestro backend serving the REST API and the
// /ws push channel for tests.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/orchestro/console/internal/dispatch"
	"github.com/orchestro/console/pkg/api/client"
	"github.com/orchestro/console/pkg/logger"
)

type failure struct {
	status  int
	message string
}

// Backend is a fake orchestro API.
type Backend struct {
	srv      *httptest.Server
	hub      *hub
	upgrader websocket.Upgrader

	mu          sync.Mutex
	nextID      int64
	projects    map[int64]*client.Project
	live        map[int64]client.LiveInfo
	runtimeLogs map[int64]string
	archives    map[int64][]byte
	requests    map[string]int
	failures    map[string]failure
	delays      map[string]time.Duration
}

// New starts a Backend and closes it when the test ends.
func New(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		hub:         newHub(),
		nextID:      100,
		projects:    make(map[int64]*client.Project),
		live:        make(map[int64]client.LiveInfo),
		runtimeLogs: make(map[int64]string),
		archives:    make(map[int64][]byte),
		requests:    make(map[string]int),
		failures:    make(map[string]failure),
		delays:      make(map[string]time.Duration),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	b.srv = httptest.NewServer(b.routes())
	t.Cleanup(b.Close)
	return b
}

// Close stops the server and drops every push connection.
func (b *Backend) Close() {
	b.hub.Close()
	b.srv.Close()
}

// URL is the REST base URL.
func (b *Backend) URL() string {
	return b.srv.URL
}

// PushURL is the websocket endpoint.
func (b *Backend) PushURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

func (b *Backend) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(b.track)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get("/ws", b.serveWS)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/projects", b.listProjects)
		r.Post("/projects", b.createProject)
		r.Get("/stats", b.stats)
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/", b.getProject)
			r.Put("/", b.updateProject)
			r.Delete("/", b.deleteProject)
			r.Get("/logs/runtime", b.runtimeLog)
			r.Post("/deploy", b.deploy)
			r.Post("/pause", b.pause)
			r.Post("/resume", b.resume)
			r.Post("/env", b.createEnv)
			r.Delete("/env/{envID}", b.deleteEnv)
			r.Post("/volumes", b.addVolume)
			r.Delete("/volumes/{volumeID}", b.deleteVolume)
			r.Post("/backups", b.createBackup)
			r.Get("/backups", b.listBackups)
		})
		r.Get("/backups/{backupID}/download", b.downloadBackup)
	})
	return r
}

func requestKey(method, path string) string {
	return method + " " + path
}

// track counts requests and applies injected failures and delays.
func (b *Backend) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := requestKey(r.Method, r.URL.Path)
		b.mu.Lock()
		b.requests[key]++
		fail, failing := b.failures[key]
		delete(b.failures, key)
		delay := b.delays[key]
		b.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if failing {
			writeError(w, fail.status, fail.message)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Requests returns how many times method+path was requested.
func (b *Backend) Requests(method, path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[requestKey(method, path)]
}

// FailNext makes the next request to method+path answer with status and message.
func (b *Backend) FailNext(method, path string, status int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[requestKey(method, path)] = failure{status: status, message: message}
}

// Delay holds every request to method+path for d before answering.
func (b *Backend) Delay(method, path string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays[requestKey(method, path)] = d
}

// AddProject stores p. A zero ID is replaced with a generated one, which is returned.
func (b *Backend) AddProject(p client.Project) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.ID == 0 {
		b.nextID++
		p.ID = b.nextID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	cp := p.Clone()
	b.projects[p.ID] = &cp
	return p.ID
}

// Project returns a copy of the stored project.
func (b *Backend) Project(id int64) (client.Project, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.projects[id]
	if !ok {
		return client.Project{}, false
	}
	return p.Clone(), true
}

// SetLive sets the runtime info returned with the project.
func (b *Backend) SetLive(id int64, live client.LiveInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live[id] = live
}

// SetRuntimeLog sets the text served by the runtime log endpoint.
func (b *Backend) SetRuntimeLog(id int64, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runtimeLogs[id] = text
}

// FinishDeployment moves the latest deployment to status and port and broadcasts it.
func (b *Backend) FinishDeployment(id int64, status string, port int) {
	b.mu.Lock()
	p, ok := b.projects[id]
	if ok && len(p.Deployments) > 0 {
		d := &p.Deployments[0]
		d.Status = status
		d.Port = port
		if status == "ready" {
			d.ContainerID = fmt.Sprintf("container-%d-%d", id, d.ID)
			b.live[id] = client.LiveInfo{State: "running", Memory: 64 << 20}
		}
	}
	b.mu.Unlock()
	if ok {
		b.PushStatus(id, status, port)
	}
}

// PushStatus broadcasts a status frame.
func (b *Backend) PushStatus(id int64, status string, port int) {
	b.push(dispatch.StatusEvent{Project: id, Status: status, Port: port})
}

// PushLog broadcasts a build log fragment. The fragment is also appended to the stored log
// of the latest deployment, like the real build pipeline does.
func (b *Backend) PushLog(id int64, text string) {
	b.mu.Lock()
	if p, ok := b.projects[id]; ok && len(p.Deployments) > 0 {
		p.Deployments[0].Logs += text
	}
	b.mu.Unlock()
	b.push(dispatch.LogEvent{Project: id, Text: text})
}

// PushRaw broadcasts an arbitrary frame.
func (b *Backend) PushRaw(frame []byte) {
	b.hub.Broadcast(frame)
}

func (b *Backend) push(ev dispatch.Event) {
	frame, err := dispatch.Encode(ev)
	if err != nil {
		panic(err)
	}
	b.hub.Broadcast(frame)
}

// Connections returns the number of open push connections.
func (b *Backend) Connections() int {
	return b.hub.Len()
}

// DropConnections closes every push connection, as a backend restart would.
func (b *Backend) DropConnections() {
	b.hub.DropAll()
}

func (b *Backend) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, log: logger.Discard()}
	b.hub.Register(c)
	go func() {
		defer b.hub.Unregister(c)
		defer c.Close()
		// reads keep answering the client's pings until it goes away
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil
}

// lookup resolves {id} and runs fn with the lock held.
func (b *Backend) lookup(w http.ResponseWriter, r *http.Request, fn func(p *client.Project)) {
	id, ok := idParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	b.mu.Lock()
	p, found := b.projects[id]
	if !found {
		b.mu.Unlock()
		writeError(w, http.StatusNotFound, "Project not found")
		return
	}
	fn(p)
	b.mu.Unlock()
}

func (b *Backend) sortedProjects() []*client.Project {
	out := make([]*client.Project, 0, len(b.projects))
	for _, p := range b.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Backend) listProjects(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	results := make([]client.ProjectSummary, 0, len(b.projects))
	for _, p := range b.sortedProjects() {
		state := "stopped"
		if live, ok := b.live[p.ID]; ok && live.State != "" {
			state = live.State
		}
		results = append(results, client.ProjectSummary{Project: p.Clone(), LiveState: state})
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, results)
}

func (b *Backend) stats(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	var stats client.Stats
	for _, p := range b.projects {
		stats.TotalProjects++
		stats.TotalDeployments += int64(len(p.Deployments))
		for _, d := range p.Deployments {
			if d.Status == "ready" && d.ContainerID != "" {
				stats.ActiveContainers++
			}
		}
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, stats)
}

func (b *Backend) getProject(w http.ResponseWriter, r *http.Request) {
	b.lookup(w, r, func(p *client.Project) {
		writeJSON(w, http.StatusOK, client.ProjectSnapshot{Project: p.Clone(), Live: b.live[p.ID]})
	})
}

func applyInput(p *client.Project, in client.ProjectInput) {
	p.Name = in.Name
	p.RepoURL = in.RepoURL
	p.Branch = in.Branch
	p.RootDirectory = in.RootDirectory
	p.BuildCommand = in.BuildCommand
	p.InstallCommand = in.InstallCommand
	p.StartCommand = in.StartCommand
	p.OutputDirectory = in.OutputDirectory
	p.CustomPort = in.CustomPort
	p.InternalPort = in.InternalPort
	p.WebhookSecret = in.WebhookSecret
	p.GitProvider = in.GitProvider
	p.WebhookBranch = in.WebhookBranch
	p.DockerCompose = in.DockerCompose
	p.CustomDockerfile = in.CustomDockerfile
	p.UpdatedAt = time.Now().UTC()
}

func (b *Backend) createProject(w http.ResponseWriter, r *http.Request) {
	var in client.ProjectInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Name == "" || in.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "name and repo_url are required")
		return
	}
	b.mu.Lock()
	b.nextID++
	p := &client.Project{ID: b.nextID, CreatedAt: time.Now().UTC()}
	applyInput(p, in)
	if p.Branch == "" {
		p.Branch = "main"
	}
	b.projects[p.ID] = p
	out := p.Clone()
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, out)
}

func (b *Backend) updateProject(w http.ResponseWriter, r *http.Request) {
	var in client.ProjectInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b.lookup(w, r, func(p *client.Project) {
		applyInput(p, in)
		writeJSON(w, http.StatusOK, p.Clone())
	})
}

func (b *Backend) deleteProject(w http.ResponseWriter, r *http.Request) {
	b.lookup(w, r, func(p *client.Project) {
		delete(b.projects, p.ID)
		delete(b.live, p.ID)
		delete(b.runtimeLogs, p.ID)
		w.WriteHeader(http.StatusNoContent)
	})
}

func (b *Backend) runtimeLog(w http.ResponseWriter, r *http.Request) {
	b.lookup(w, r, func(p *client.Project) {
		latest, ok := p.Latest()
		if !ok || latest.ContainerID == "" {
			writeError(w, http.StatusBadRequest, "No running container found")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(b.runtimeLogs[p.ID]))
	})
}

func (b *Backend) deploy(w http.ResponseWriter, r *http.Request) {
	var started bool
	var projectID int64
	b.lookup(w, r, func(p *client.Project) {
		b.nextID++
		d := client.Deployment{ID: b.nextID, ProjectID: p.ID, CreatedAt: time.Now().UTC(), Status: "building"}
		p.Deployments = append([]client.Deployment{d}, p.Deployments...)
		started, projectID = true, p.ID
		writeJSON(w, http.StatusAccepted, map[string]string{"message": "Deployment started"})
	})
	if started {
		b.PushStatus(projectID, "building", 0)
	}
}

func (b *Backend) pause(w http.ResponseWriter, r *http.Request) {
	b.toggle(w, r, true)
}

func (b *Backend) resume(w http.ResponseWriter, r *http.Request) {
	b.toggle(w, r, false)
}

func (b *Backend) toggle(w http.ResponseWriter, r *http.Request, pause bool) {
	var changed bool
	var projectID int64
	var status string
	var port int
	b.lookup(w, r, func(p *client.Project) {
		latest, ok := p.Latest()
		if !ok || latest.ContainerID == "" || latest.IsPaused == pause {
			if pause {
				writeError(w, http.StatusBadRequest, "No running container found to pause")
			} else {
				writeError(w, http.StatusBadRequest, "No paused container found to resume")
			}
			return
		}
		d := &p.Deployments[0]
		d.IsPaused = pause
		if pause {
			d.Status = "paused"
			b.live[p.ID] = client.LiveInfo{State: "exited"}
			writeJSON(w, http.StatusOK, map[string]string{"message": "Project paused"})
		} else {
			d.Status = "ready"
			b.live[p.ID] = client.LiveInfo{State: "running", Memory: 64 << 20}
			writeJSON(w, http.StatusOK, map[string]string{"message": "Project resumed"})
		}
		changed, projectID, status, port = true, p.ID, d.Status, d.Port
	})
	if changed {
		b.PushStatus(projectID, status, port)
	}
}

func (b *Backend) createEnv(w http.ResponseWriter, r *http.Request) {
	var in client.EnvVarInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b.lookup(w, r, func(p *client.Project) {
		for _, e := range p.EnvVars {
			if e.Key == in.Key {
				writeError(w, http.StatusBadRequest, "UNIQUE constraint failed: env_vars.key")
				return
			}
		}
		b.nextID++
		env := client.EnvVar{ID: b.nextID, ProjectID: p.ID, Key: in.Key, Value: in.Value}
		p.EnvVars = append(p.EnvVars, env)
		writeJSON(w, http.StatusCreated, env)
	})
}

func (b *Backend) deleteEnv(w http.ResponseWriter, r *http.Request) {
	envID, _ := idParam(r, "envID")
	b.lookup(w, r, func(p *client.Project) {
		for i, e := range p.EnvVars {
			if e.ID == envID {
				p.EnvVars = append(p.EnvVars[:i:i], p.EnvVars[i+1:]...)
				break
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (b *Backend) addVolume(w http.ResponseWriter, r *http.Request) {
	var in client.VolumeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b.lookup(w, r, func(p *client.Project) {
		b.nextID++
		vol := client.Volume{ID: b.nextID, ProjectID: p.ID, HostPath: in.HostPath, ContainerPath: in.ContainerPath}
		p.Volumes = append(p.Volumes, vol)
		writeJSON(w, http.StatusCreated, vol)
	})
}

func (b *Backend) deleteVolume(w http.ResponseWriter, r *http.Request) {
	volumeID, _ := idParam(r, "volumeID")
	b.lookup(w, r, func(p *client.Project) {
		for i, v := range p.Volumes {
			if v.ID == volumeID {
				p.Volumes = append(p.Volumes[:i:i], p.Volumes[i+1:]...)
				break
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (b *Backend) createBackup(w http.ResponseWriter, r *http.Request) {
	b.lookup(w, r, func(p *client.Project) {
		b.nextID++
		archive := []byte(fmt.Sprintf("backup of %s", p.Name))
		backup := client.Backup{
			ID:        b.nextID,
			ProjectID: p.ID,
			CreatedAt: time.Now().UTC(),
			FilePath:  fmt.Sprintf("/backups/%d.tar.gz", b.nextID),
			Size:      int64(len(archive)),
		}
		b.archives[backup.ID] = archive
		p.Backups = append(p.Backups, backup)
		writeJSON(w, http.StatusCreated, backup)
	})
}

func (b *Backend) listBackups(w http.ResponseWriter, r *http.Request) {
	b.lookup(w, r, func(p *client.Project) {
		writeJSON(w, http.StatusOK, append([]client.Backup{}, p.Backups...))
	})
}

func (b *Backend) downloadBackup(w http.ResponseWriter, r *http.Request) {
	id, _ := idParam(r, "backupID")
	b.mu.Lock()
	archive, ok := b.archives[id]
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Backup not found")
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	_, _ = w.Write(archive)
}
