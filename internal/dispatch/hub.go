package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/orchestro/console/internal/metrics"
	"github.com/orchestro/console/pkg/logger"
)

// Handler receives events. It runs on the push channel's read goroutine.
type Handler func(Event)

type registration struct {
	id      uint64
	handler Handler
}

// Hub routes decoded push events to handlers registered by project ID.
type Hub struct {
	mu       sync.RWMutex
	nextID   uint64
	projects map[int64][]registration
	all      []registration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHub creates an empty Hub. logger and m may be nil.
func NewHub(l *slog.Logger, m *metrics.Metrics) *Hub {
	if l == nil {
		l = logger.Discard()
	}
	return &Hub{
		projects: make(map[int64][]registration),
		logger:   l.With("component", "dispatch"),
		metrics:  m,
	}
}

// Register adds a handler for one project's events and returns its unregister func.
func (h *Hub) Register(projectID int64, handler Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.projects[projectID] = append(h.projects[projectID], registration{id: id, handler: handler})
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		regs := h.projects[projectID]
		for i, reg := range regs {
			if reg.id == id {
				regs = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(regs) == 0 {
			delete(h.projects, projectID)
			return
		}
		h.projects[projectID] = regs
	}
}

// RegisterAll adds a handler that sees every event.
func (h *Hub) RegisterAll(handler Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.all = append(h.all, registration{id: id, handler: handler})
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, reg := range h.all {
			if reg.id == id {
				h.all = append(h.all[:i:i], h.all[i+1:]...)
				return
			}
		}
	}
}

// Dispatch decodes a raw frame and delivers it. Malformed frames and unknown kinds are
// dropped.
func (h *Hub) Dispatch(frame []byte) {
	ev, err := Decode(frame)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, ErrUnknownKind) {
			outcome = "unknown"
		}
		h.metrics.PushFrame("unknown", outcome)
		h.logger.Debug("dropping push frame", "error", err)
		return
	}
	h.Deliver(ev)
}

// Deliver hands ev to the project's handlers and then to wildcard handlers, in registration
// order.
func (h *Hub) Deliver(ev Event) {
	h.mu.RLock()
	targets := make([]Handler, 0, len(h.projects[ev.ProjectID()])+len(h.all))
	for _, reg := range h.projects[ev.ProjectID()] {
		targets = append(targets, reg.handler)
	}
	for _, reg := range h.all {
		targets = append(targets, reg.handler)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.metrics.PushFrame(ev.Kind(), "ignored")
		return
	}
	for _, fn := range targets {
		fn(ev)
	}
	h.metrics.PushFrame(ev.Kind(), "delivered")
}
