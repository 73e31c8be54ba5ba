package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/orchestro/console/internal/state"
)

// LogView selects which log a project session is showing.
type LogView string

const (
	LogViewNone    LogView = ""
	LogViewBuild   LogView = "build"
	LogViewRuntime LogView = "runtime"
)

// ParseLogView validates a log view name. The empty string selects LogViewNone.
func ParseLogView(s string) (LogView, error) {
	switch v := LogView(s); v {
	case LogViewNone, LogViewBuild, LogViewRuntime:
		return v, nil
	default:
		return LogViewNone, fmt.Errorf("unknown log view %q", s)
	}
}

// ProjectSession is one consumer's scoped observation of a project.
type ProjectSession struct {
	id        int64
	sessionID string
	engine    *Engine
	feed      *feed
	logger    *slog.Logger

	mu      sync.Mutex
	view    LogView
	closed  bool
	watches []func()
}

// ID returns the observed project ID.
func (s *ProjectSession) ID() int64 { return s.id }

// SessionID identifies the session in logs.
func (s *ProjectSession) SessionID() string { return s.sessionID }

// View returns the current reconciled view of the project.
func (s *ProjectSession) View() (state.ProjectView, bool) {
	return s.engine.store.View(s.id)
}

// Watch returns a coalescing change signal; read View after each signal. The channel is
// closed when the session closes or the project is deleted.
func (s *ProjectSession) Watch() (<-chan struct{}, error) {
	ch, cancel, err := s.engine.store.Watch(s.id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return nil, ErrClosed
	}
	s.watches = append(s.watches, cancel)
	return ch, nil
}

// SetLogView switches the displayed log. The runtime log is polled only while some session
// of the project shows it.
func (s *ProjectSession) SetLogView(v LogView) {
	s.mu.Lock()
	if s.closed || s.view == v {
		s.mu.Unlock()
		return
	}
	wasRuntime := s.view == LogViewRuntime
	s.view = v
	s.mu.Unlock()

	switch {
	case v == LogViewRuntime:
		s.feed.addViewer()
	case wasRuntime:
		s.feed.removeViewer()
	}
	s.logger.Debug("log view changed", "view", string(v))
}

// LogView returns the selected log view.
func (s *ProjectSession) LogView() LogView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Refresh forces a snapshot fetch.
func (s *ProjectSession) Refresh(ctx context.Context) error {
	return s.engine.store.Refresh(ctx, s.id)
}

// ClearBuildLog empties the build log.
func (s *ProjectSession) ClearBuildLog() error {
	return s.engine.store.ClearBuildLog(s.id)
}

// ClearRuntimeLog empties the runtime log. Polling continues.
func (s *ProjectSession) ClearRuntimeLog() error {
	return s.engine.store.ClearRuntimeLog(s.id)
}

// Deploy resets the build log to the deployment banner and starts a deployment.
func (s *ProjectSession) Deploy(ctx context.Context) error {
	return s.engine.Deploy(ctx, s.id)
}

// Pause stops the project's running deployment.
func (s *ProjectSession) Pause(ctx context.Context) error {
	return s.engine.actions.Pause(ctx, s.id)
}

// Resume restarts the project's paused deployment.
func (s *ProjectSession) Resume(ctx context.Context) error {
	return s.engine.actions.Resume(ctx, s.id)
}

// Close releases everything the session acquired. It is safe to call more than once.
func (s *ProjectSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasRuntime := s.view == LogViewRuntime
	watches := s.watches
	s.watches = nil
	s.mu.Unlock()

	if wasRuntime {
		s.feed.removeViewer()
	}
	for _, cancel := range watches {
		cancel()
	}
	s.engine.releaseProject(s.id, s.feed)
	s.engine.store.Release(s.id)
	s.logger.Info("project session closed")
	return nil
}

// OverviewSession is one consumer's scoped observation of the project list.
type OverviewSession struct {
	sessionID string
	engine    *Engine
	feed      *feed
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	watches []func()
}

// SessionID identifies the session in logs.
func (s *OverviewSession) SessionID() string { return s.sessionID }

// View returns the current overview.
func (s *OverviewSession) View() state.OverviewView {
	return s.engine.store.Overview()
}

// Watch returns a coalescing change signal, closed when the session closes.
func (s *OverviewSession) Watch() (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ch, cancel := s.engine.store.WatchOverview()
	s.watches = append(s.watches, cancel)
	return ch, nil
}

// Refresh forces an overview fetch.
func (s *OverviewSession) Refresh(ctx context.Context) error {
	return s.engine.store.RefreshOverview(ctx)
}

// Close releases the session. It is safe to call more than once.
func (s *OverviewSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watches := s.watches
	s.watches = nil
	s.mu.Unlock()

	for _, cancel := range watches {
		cancel()
	}
	s.engine.store.ReleaseOverview()
	s.engine.releaseOverview(s.feed)
	s.logger.Info("overview session closed")
	return nil
}
