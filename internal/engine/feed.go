package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/orchestro/console/internal/dispatch"
	"github.com/orchestro/console/internal/logs"
	"github.com/orchestro/console/internal/push"
)

// feed is the push subscription shared by every session observing the same target. It owns
// one channel, one dispatcher and, for projects, the runtime log poller.
type feed struct {
	refs int

	channel *push.Channel
	hub     *dispatch.Hub
	poller  *logs.Poller
	logger  *slog.Logger

	// ctx bounds refreshes triggered by push events; it ends when the feed closes.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	viewers int
	release []func()
}

func (e *Engine) newFeed(l *slog.Logger) *feed {
	ctx, cancel := context.WithCancel(context.Background())
	opts := []push.Option{
		push.WithReconnectDelay(e.cfg.ReconnectDelay),
		push.WithLogger(l),
		push.WithMetrics(e.metrics),
	}
	if e.cfg.Dialer != nil {
		opts = append(opts, push.WithDialer(e.cfg.Dialer))
	}
	if e.cfg.Header != nil {
		opts = append(opts, push.WithHeader(e.cfg.Header))
	}
	f := &feed{
		channel: push.New(e.cfg.PushURL, opts...),
		hub:     dispatch.NewHub(l, e.metrics),
		logger:  l,
		ctx:     ctx,
		cancel:  cancel,
	}
	f.release = append(f.release, f.channel.OnMessage(f.hub.Dispatch))
	return f
}

// addViewer starts the runtime poller for the first runtime log viewer.
func (f *feed) addViewer() {
	if f.poller == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewers++
	if f.viewers == 1 {
		f.poller.Start(f.ctx)
	}
}

// removeViewer stops the runtime poller when the last runtime log viewer leaves.
func (f *feed) removeViewer() {
	if f.poller == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.viewers == 0 {
		return
	}
	f.viewers--
	if f.viewers == 0 {
		f.poller.Stop()
	}
}

func (f *feed) close() {
	f.cancel()
	if f.poller != nil {
		f.poller.Stop()
	}
	_ = f.channel.Close()
	f.mu.Lock()
	release := f.release
	f.release = nil
	f.mu.Unlock()
	for i := len(release) - 1; i >= 0; i-- {
		release[i]()
	}
}
