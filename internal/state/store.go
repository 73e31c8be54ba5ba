package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orchestro/console/internal/logs"
	"github.com/orchestro/console/internal/metrics"
	"github.com/orchestro/console/pkg/api/client"
	"github.com/orchestro/console/pkg/logger"
)

// ErrNotTracked is returned for operations on a project nobody observes.
var ErrNotTracked = errors.New("project not tracked")

// Fetcher loads authoritative snapshots from the backend.
type Fetcher interface {
	GetProject(ctx context.Context, projectID int64) (client.ProjectSnapshot, error)
	ListProjects(ctx context.Context) ([]client.ProjectSummary, error)
	Stats(ctx context.Context) (client.Stats, error)
}

// ProjectView is a consistent copy of everything known about one project.
type ProjectView struct {
	ID          int64           `json:"id"`
	Loaded      bool            `json:"loaded"`
	Project     client.Project  `json:"project"`
	Live        client.LiveInfo `json:"live"`
	Status      Status          `json:"status"`
	StatusLabel string          `json:"status_label"`
	Port        int             `json:"port"`
	BuildLog    string          `json:"build_log"`
	RuntimeLog  string          `json:"runtime_log"`
	Connected   bool            `json:"connected"`
	Version     uint64          `json:"version"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OverviewRow is one project of the overview with its derived status.
type OverviewRow struct {
	client.ProjectSummary
	Status      Status `json:"status"`
	StatusLabel string `json:"status_label"`
	Port        int    `json:"port"`
}

// OverviewView is a consistent copy of the project list and stats.
type OverviewView struct {
	Loaded    bool          `json:"loaded"`
	Projects  []OverviewRow `json:"projects"`
	Stats     client.Stats  `json:"stats"`
	Connected bool          `json:"connected"`
	Version   uint64        `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type watchSet map[chan struct{}]struct{}

func (w watchSet) notify() {
	for ch := range w {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (w watchSet) closeAll() {
	for ch := range w {
		close(ch)
		delete(w, ch)
	}
}

type record struct {
	refs    int
	issued  uint64
	applied uint64
	// forgotten records stay in the map until their last reference is released
	forgotten bool

	loaded    bool
	project   client.Project
	live      client.LiveInfo
	status    Status
	label     string
	port      int
	logs      logs.Accumulator
	connected bool
	version   uint64
	updatedAt time.Time

	watchers watchSet
}

type overviewRecord struct {
	refs    int
	issued  uint64
	applied uint64

	loaded    bool
	rows      []OverviewRow
	stats     client.Stats
	connected bool
	version   uint64
	updatedAt time.Time

	watchers watchSet
}

// Store is the single holder of reconciled state. Every mutation happens under one mutex,
// so readers never observe a partially applied update.
type Store struct {
	fetcher Fetcher
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	projects map[int64]*record
	overview overviewRecord
}

// NewStore constructs a Store. logger and m may be nil.
func NewStore(fetcher Fetcher, l *slog.Logger, m *metrics.Metrics) *Store {
	if l == nil {
		l = logger.Discard()
	}
	return &Store{
		fetcher:  fetcher,
		logger:   l.With("component", "store"),
		metrics:  m,
		now:      time.Now,
		projects: make(map[int64]*record),
		overview: overviewRecord{watchers: make(watchSet)},
	}
}

// Track registers interest in a project. Calls are reference counted. Tracking a forgotten
// project starts a fresh record that keeps the outstanding references and the push channel
// state.
func (s *Store) Track(projectID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.projects[projectID]
	switch {
	case !ok:
		rec = newRecord()
		s.projects[projectID] = rec
	case rec.forgotten:
		fresh := newRecord()
		fresh.refs = rec.refs
		fresh.connected = rec.connected
		// fetches issued before the record was forgotten must not apply
		fresh.issued = rec.issued + 1
		fresh.applied = fresh.issued
		*rec = *fresh
	}
	rec.refs++
}

func newRecord() *record {
	return &record{status: StatusNone, label: NoDeploymentsLabel, watchers: make(watchSet)}
}

// liveLocked returns the record of a tracked, not forgotten project.
func (s *Store) liveLocked(projectID int64) (*record, bool) {
	rec, ok := s.projects[projectID]
	if !ok || rec.forgotten {
		return nil, false
	}
	return rec, true
}

// Release drops one reference. The record and its logs are discarded with the last one.
func (s *Store) Release(projectID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.projects[projectID]
	if !ok {
		return
	}
	rec.refs--
	if rec.refs > 0 {
		return
	}
	rec.watchers.closeAll()
	delete(s.projects, projectID)
}

// Forget discards a project's state regardless of outstanding references. Watchers see
// their channel closed and the project reads as untracked. The references themselves are
// still counted, so every Release stays paired with its Track.
func (s *Store) Forget(projectID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.projects[projectID]
	if !ok || rec.forgotten {
		return
	}
	rec.watchers.closeAll()
	if rec.refs <= 0 {
		delete(s.projects, projectID)
		return
	}
	rec.forgotten = true
	rec.loaded = false
	rec.project = client.Project{}
	rec.live = client.LiveInfo{}
	rec.logs = logs.Accumulator{}
}

// Tracked reports whether the project has a live record.
func (s *Store) Tracked(projectID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveLocked(projectID)
	return ok
}

// NextTicket reserves the ticket for a new project fetch.
func (s *Store) NextTicket(projectID int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(projectID)
	if !ok {
		return 0, ErrNotTracked
	}
	rec.issued++
	return rec.issued, nil
}

// Refresh fetches the project snapshot and applies it. A failed fetch leaves the current
// state untouched.
func (s *Store) Refresh(ctx context.Context, projectID int64) error {
	ticket, err := s.NextTicket(projectID)
	if err != nil {
		return err
	}
	snap, err := s.fetcher.GetProject(ctx, projectID)
	s.metrics.SnapshotFetch("project", err)
	if err != nil {
		s.logger.Warn("failed to fetch project snapshot", "project_id", projectID, "error", err)
		return fmt.Errorf("refresh project %d: %w", projectID, err)
	}
	if _, err := s.ApplySnapshot(projectID, ticket, snap); err != nil {
		return err
	}
	return nil
}

// ApplySnapshot overwrites the project record with snap unless a response with a newer
// ticket was already applied. It reports whether snap was applied.
func (s *Store) ApplySnapshot(projectID int64, ticket uint64, snap client.ProjectSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(projectID)
	if !ok {
		return false, ErrNotTracked
	}
	if ticket < rec.applied {
		s.metrics.StaleSnapshot()
		s.logger.Debug("discarding stale project snapshot", "project_id", projectID, "ticket", ticket, "applied", rec.applied)
		return false, nil
	}
	rec.applied = ticket
	rec.loaded = true
	rec.project = snap.Project.Clone()
	rec.live = snap.Live
	rec.status, rec.label, rec.port = Derive(rec.project)
	if latest, ok := rec.project.Latest(); ok {
		rec.logs.Seed(latest.Logs)
	}
	s.touchLocked(rec)
	return true, nil
}

// RefreshOverview fetches the project list and stats and applies them together.
func (s *Store) RefreshOverview(ctx context.Context) error {
	s.mu.Lock()
	s.overview.issued++
	ticket := s.overview.issued
	s.mu.Unlock()

	projects, err := s.fetcher.ListProjects(ctx)
	s.metrics.SnapshotFetch("projects", err)
	if err != nil {
		s.logger.Warn("failed to fetch projects", "error", err)
		return fmt.Errorf("refresh overview: %w", err)
	}
	stats, err := s.fetcher.Stats(ctx)
	s.metrics.SnapshotFetch("stats", err)
	if err != nil {
		s.logger.Warn("failed to fetch stats", "error", err)
		return fmt.Errorf("refresh overview: %w", err)
	}
	s.ApplyOverview(ticket, projects, stats)
	return nil
}

// ApplyOverview overwrites the overview unless a newer ticket was already applied.
func (s *Store) ApplyOverview(ticket uint64, projects []client.ProjectSummary, stats client.Stats) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov := &s.overview
	if ticket < ov.applied {
		s.metrics.StaleSnapshot()
		s.logger.Debug("discarding stale overview", "ticket", ticket, "applied", ov.applied)
		return false
	}
	rows := make([]OverviewRow, 0, len(projects))
	for _, p := range projects {
		p.Project = p.Project.Clone()
		status, label, port := Derive(p.Project)
		rows = append(rows, OverviewRow{ProjectSummary: p, Status: status, StatusLabel: label, Port: port})
	}
	ov.applied = ticket
	ov.loaded = true
	ov.rows = rows
	ov.stats = stats
	ov.version++
	ov.updatedAt = s.now()
	ov.watchers.notify()
	return true
}

// AppendBuildLog adds a build log fragment.
func (s *Store) AppendBuildLog(projectID int64, fragment string) error {
	return s.mutate(projectID, func(rec *record) { rec.logs.Append(fragment) })
}

// ClearBuildLog empties the build log.
func (s *Store) ClearBuildLog(projectID int64) error {
	return s.mutate(projectID, func(rec *record) { rec.logs.Clear() })
}

// ReplaceBuildLog replaces the build log with text and returns a mark of the previous log
// for RestoreBuildLog.
func (s *Store) ReplaceBuildLog(projectID int64, text string) (logs.BuildMark, error) {
	var mark logs.BuildMark
	err := s.mutate(projectID, func(rec *record) {
		mark = rec.logs.Mark()
		rec.logs.Reset(text)
	})
	return mark, err
}

// RestoreBuildLog puts back the log saved by ReplaceBuildLog, but only while the build log
// still reads current. Fragments appended in between keep the replacement. It reports
// whether the log was restored.
func (s *Store) RestoreBuildLog(projectID int64, current string, mark logs.BuildMark) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(projectID)
	if !ok {
		return false, ErrNotTracked
	}
	if rec.logs.Build() != current {
		return false, nil
	}
	rec.logs.Restore(mark)
	s.touchLocked(rec)
	return true, nil
}

// SetRuntimeLog replaces the runtime log.
func (s *Store) SetRuntimeLog(projectID int64, text string) error {
	return s.mutate(projectID, func(rec *record) { rec.logs.SetRuntime(text) })
}

// ClearRuntimeLog empties the runtime log.
func (s *Store) ClearRuntimeLog(projectID int64) error {
	return s.mutate(projectID, func(rec *record) { rec.logs.ClearRuntime() })
}

// SetConnected records the push channel state of the project's feed. A forgotten record
// still follows the state, since a later Track revives it on the same feed.
func (s *Store) SetConnected(projectID int64, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.projects[projectID]
	if !ok {
		return ErrNotTracked
	}
	rec.connected = connected
	if !rec.forgotten {
		s.touchLocked(rec)
	}
	return nil
}

// SetOverviewConnected records the push channel state of the overview session.
func (s *Store) SetOverviewConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overview.connected == connected {
		return
	}
	s.overview.connected = connected
	s.overview.version++
	s.overview.watchers.notify()
}

func (s *Store) mutate(projectID int64, fn func(*record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(projectID)
	if !ok {
		return ErrNotTracked
	}
	fn(rec)
	s.touchLocked(rec)
	return nil
}

func (s *Store) touchLocked(rec *record) {
	rec.version++
	rec.updatedAt = s.now()
	rec.watchers.notify()
}

// View returns the current view of a tracked project.
func (s *Store) View(projectID int64) (ProjectView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(projectID)
	if !ok {
		return ProjectView{}, false
	}
	return ProjectView{
		ID:          projectID,
		Loaded:      rec.loaded,
		Project:     rec.project.Clone(),
		Live:        rec.live,
		Status:      rec.status,
		StatusLabel: rec.label,
		Port:        rec.port,
		BuildLog:    rec.logs.Build(),
		RuntimeLog:  rec.logs.Runtime(),
		Connected:   rec.connected,
		Version:     rec.version,
		UpdatedAt:   rec.updatedAt,
	}, true
}

// Overview returns the current overview.
func (s *Store) Overview() OverviewView {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov := s.overview
	return OverviewView{
		Loaded:    ov.loaded,
		Projects:  append([]OverviewRow(nil), ov.rows...),
		Stats:     ov.stats,
		Connected: ov.connected,
		Version:   ov.version,
		UpdatedAt: ov.updatedAt,
	}
}

// Watch returns a channel signalled after every change of the project. Signals coalesce;
// read View after each one. The channel is closed when the record is discarded.
func (s *Store) Watch(projectID int64) (<-chan struct{}, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(projectID)
	if !ok {
		return nil, nil, ErrNotTracked
	}
	ch := make(chan struct{}, 1)
	rec.watchers[ch] = struct{}{}
	watchers := rec.watchers
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := watchers[ch]; ok {
			delete(watchers, ch)
			close(ch)
		}
	}, nil
}

// TrackOverview registers an observer of the overview. Calls are reference counted.
func (s *Store) TrackOverview() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overview.refs++
}

// ReleaseOverview drops one overview observer.
func (s *Store) ReleaseOverview() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overview.refs > 0 {
		s.overview.refs--
	}
}

// OverviewObserved reports whether any session observes the overview.
func (s *Store) OverviewObserved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overview.refs > 0
}

// WatchOverview returns a coalescing change signal for the overview.
func (s *Store) WatchOverview() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	s.overview.watchers[ch] = struct{}{}
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.overview.watchers[ch]; ok {
			delete(s.overview.watchers, ch)
			close(ch)
		}
	}
}
