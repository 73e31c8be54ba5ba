package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/orchestro/console/internal/actions"
	"github.com/orchestro/console/internal/dispatch"
	"github.com/orchestro/console/internal/logs"
	"github.com/orchestro/console/internal/metrics"
	"github.com/orchestro/console/internal/push"
	"github.com/orchestro/console/internal/state"
	"github.com/orchestro/console/pkg/api/client"
	"github.com/orchestro/console/pkg/logger"
)

// ErrClosed is returned when opening a session on a closed Engine.
var ErrClosed = errors.New("engine closed")

// Backend is everything the engine needs from the orchestro API. *client.Client implements it.
type Backend interface {
	state.Fetcher
	actions.API
	RuntimeLogs(ctx context.Context, projectID int64) (string, error)
}

// Config tunes the engine.
type Config struct {
	PushURL            string
	ReconnectDelay     time.Duration
	RuntimeLogInterval time.Duration
	Dialer             *websocket.Dialer
	Header             http.Header
}

// Engine wires the store, action gateway and push feeds together and hands out sessions.
type Engine struct {
	cfg     Config
	api     Backend
	store   *state.Store
	actions *actions.Gateway
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	closed   bool
	projects map[int64]*feed
	overview *feed
}

// New constructs an Engine. logger and m may be nil.
func New(api Backend, cfg Config, l *slog.Logger, m *metrics.Metrics) *Engine {
	if l == nil {
		l = logger.Discard()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = push.DefaultReconnectDelay
	}
	if cfg.RuntimeLogInterval <= 0 {
		cfg.RuntimeLogInterval = logs.DefaultPollInterval
	}
	store := state.NewStore(api, l, m)
	return &Engine{
		cfg:      cfg,
		api:      api,
		store:    store,
		actions:  actions.New(api, store, l, m),
		logger:   l.With("component", "engine"),
		metrics:  m,
		projects: make(map[int64]*feed),
	}
}

// Store exposes the reconciliation store.
func (e *Engine) Store() *state.Store {
	return e.store
}

// Actions exposes the action gateway.
func (e *Engine) Actions() *actions.Gateway {
	return e.actions
}

// OpenProject starts observing a project. The caller must Close the session on every path.
// It fails when the project does not exist.
func (e *Engine) OpenProject(ctx context.Context, projectID int64) (*ProjectSession, error) {
	sessionID := uuid.NewString()
	l := e.logger.With("session_id", sessionID, "project_id", projectID)

	e.store.Track(projectID)
	f, err := e.acquireProject(projectID)
	if err != nil {
		e.store.Release(projectID)
		return nil, err
	}

	s := &ProjectSession{
		id:        projectID,
		sessionID: sessionID,
		engine:    e,
		feed:      f,
		logger:    l,
	}
	if err := e.store.Refresh(ctx, projectID); err != nil {
		if client.IsNotFound(err) {
			_ = s.Close()
			return nil, fmt.Errorf("open project %d: %w", projectID, err)
		}
		l.Warn("initial project fetch failed", "error", err)
	}
	l.Info("project session opened")
	return s, nil
}

// OpenOverview starts observing the project list.
func (e *Engine) OpenOverview(ctx context.Context) (*OverviewSession, error) {
	sessionID := uuid.NewString()
	l := e.logger.With("session_id", sessionID)

	f, err := e.acquireOverview()
	if err != nil {
		return nil, err
	}
	e.store.TrackOverview()
	s := &OverviewSession{sessionID: sessionID, engine: e, feed: f, logger: l}
	if err := e.store.RefreshOverview(ctx); err != nil {
		l.Warn("initial overview fetch failed", "error", err)
	}
	l.Info("overview session opened")
	return s, nil
}

// ProjectView fetches a fresh view of projectID without opening a push feed. When other
// sessions observe the project their buffered logs are included.
func (e *Engine) ProjectView(ctx context.Context, projectID int64) (state.ProjectView, error) {
	e.store.Track(projectID)
	defer e.store.Release(projectID)
	if err := e.store.Refresh(ctx, projectID); err != nil {
		return state.ProjectView{}, err
	}
	view, ok := e.store.View(projectID)
	if !ok {
		return state.ProjectView{}, state.ErrNotTracked
	}
	return view, nil
}

// OverviewView fetches a fresh overview without opening a push feed.
func (e *Engine) OverviewView(ctx context.Context) (state.OverviewView, error) {
	if err := e.store.RefreshOverview(ctx); err != nil {
		return state.OverviewView{}, err
	}
	return e.store.Overview(), nil
}

// Deploy starts a deployment of projectID. When the project is observed its build log is
// reset to the deployment banner first, so every session shows the new build from the start.
// If the backend refuses the deployment the previous log comes back, unless build output
// arrived in the meantime.
func (e *Engine) Deploy(ctx context.Context, projectID int64) error {
	if !e.store.Tracked(projectID) {
		return e.actions.Deploy(ctx, projectID)
	}
	mark, err := e.store.ReplaceBuildLog(projectID, logs.DeployBanner)
	if err != nil && !errors.Is(err, state.ErrNotTracked) {
		return err
	}
	replaced := err == nil

	if err := e.actions.Deploy(ctx, projectID); err != nil {
		if replaced {
			if _, rerr := e.store.RestoreBuildLog(projectID, logs.DeployBanner, mark); rerr != nil && !errors.Is(rerr, state.ErrNotTracked) {
				e.logger.Warn("restore build log failed", "project_id", projectID, "error", rerr)
			}
		}
		return err
	}
	return nil
}

// ClearLog empties the build or runtime log of an observed project for every session that
// shares it. Unobserved projects have no local log and yield state.ErrNotTracked.
func (e *Engine) ClearLog(projectID int64, which LogView) error {
	switch which {
	case LogViewBuild:
		return e.store.ClearBuildLog(projectID)
	case LogViewRuntime:
		return e.store.ClearRuntimeLog(projectID)
	default:
		return fmt.Errorf("unknown log %q", which)
	}
}

// Close tears down every feed. Sessions closed afterwards release nothing further.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	feeds := make([]*feed, 0, len(e.projects)+1)
	for id, f := range e.projects {
		feeds = append(feeds, f)
		delete(e.projects, id)
	}
	if e.overview != nil {
		feeds = append(feeds, e.overview)
		e.overview = nil
	}
	e.mu.Unlock()

	for _, f := range feeds {
		f.close()
	}
	return nil
}

func (e *Engine) acquireProject(projectID int64) (*feed, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if f, ok := e.projects[projectID]; ok {
		f.refs++
		e.mu.Unlock()
		return f, nil
	}
	f := e.newProjectFeed(projectID)
	f.refs = 1
	e.projects[projectID] = f
	e.mu.Unlock()

	if err := f.channel.Connect(); err != nil {
		e.releaseProject(projectID, f)
		return nil, fmt.Errorf("connect push channel: %w", err)
	}
	return f, nil
}

func (e *Engine) releaseProject(projectID int64, f *feed) {
	e.mu.Lock()
	if e.projects[projectID] != f {
		e.mu.Unlock()
		return
	}
	f.refs--
	if f.refs > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.projects, projectID)
	e.mu.Unlock()
	f.close()
}

func (e *Engine) newProjectFeed(projectID int64) *feed {
	l := e.logger.With("project_id", projectID)
	f := e.newFeed(l)
	f.poller = logs.NewPoller(e.cfg.RuntimeLogInterval,
		func(ctx context.Context) (string, error) {
			return e.api.RuntimeLogs(ctx, projectID)
		},
		func(text string) {
			_ = e.store.SetRuntimeLog(projectID, text)
		},
		l, e.metrics)

	f.release = append(f.release, f.hub.Register(projectID, func(ev dispatch.Event) {
		switch ev := ev.(type) {
		case dispatch.LogEvent:
			if err := e.store.AppendBuildLog(projectID, ev.Text); err != nil {
				l.Debug("dropping log fragment", "error", err)
			}
		case dispatch.StatusEvent:
			l.Debug("status event received", "status", ev.Status)
			_ = e.store.Refresh(f.ctx, projectID)
		}
	}))
	f.release = append(f.release, f.channel.OnStateChange(func(connected bool, epoch uint64) {
		_ = e.store.SetConnected(projectID, connected)
		if connected && epoch > 1 {
			// frames sent while disconnected are lost; catch up from a snapshot
			_ = e.store.Refresh(f.ctx, projectID)
		}
	}))
	return f
}

func (e *Engine) acquireOverview() (*feed, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.overview != nil {
		e.overview.refs++
		f := e.overview
		e.mu.Unlock()
		return f, nil
	}
	f := e.newOverviewFeed()
	f.refs = 1
	e.overview = f
	e.mu.Unlock()

	if err := f.channel.Connect(); err != nil {
		e.releaseOverview(f)
		return nil, fmt.Errorf("connect push channel: %w", err)
	}
	return f, nil
}

func (e *Engine) releaseOverview(f *feed) {
	e.mu.Lock()
	if e.overview != f {
		e.mu.Unlock()
		return
	}
	f.refs--
	if f.refs > 0 {
		e.mu.Unlock()
		return
	}
	e.overview = nil
	e.mu.Unlock()
	f.close()
}

func (e *Engine) newOverviewFeed() *feed {
	l := e.logger.With("feed", "overview")
	f := e.newFeed(l)
	f.release = append(f.release, f.hub.RegisterAll(func(ev dispatch.Event) {
		if _, ok := ev.(dispatch.StatusEvent); ok {
			_ = e.store.RefreshOverview(f.ctx)
		}
	}))
	f.release = append(f.release, f.channel.OnStateChange(func(connected bool, epoch uint64) {
		e.store.SetOverviewConnected(connected)
		if connected && epoch > 1 {
			_ = e.store.RefreshOverview(f.ctx)
		}
	}))
	return f
}
