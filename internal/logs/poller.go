package logs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orchestro/console/internal/metrics"
	"github.com/orchestro/console/pkg/logger"
)

// DefaultPollInterval is how often the runtime log is refetched while it is being viewed.
const DefaultPollInterval = 3 * time.Second

// FetchFunc returns the full current runtime log.
type FetchFunc func(ctx context.Context) (string, error)

// SinkFunc receives every successfully fetched runtime log.
type SinkFunc func(text string)

// Poller refetches the runtime log at a fixed interval between Start and Stop.
type Poller struct {
	interval time.Duration
	fetch    FetchFunc
	sink     SinkFunc
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller constructs a stopped Poller. A non-positive interval selects DefaultPollInterval.
func NewPoller(interval time.Duration, fetch FetchFunc, sink SinkFunc, l *slog.Logger, m *metrics.Metrics) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if l == nil {
		l = logger.Discard()
	}
	return &Poller{
		interval: interval,
		fetch:    fetch,
		sink:     sink,
		logger:   l.With("component", "runtime_log_poller"),
		metrics:  m,
	}
}

// Start begins polling, fetching once immediately. It is a no-op while already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop cancels polling and waits for an in-flight fetch to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the poller is started.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Debug("runtime log polling started", "interval", p.interval)
	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("runtime log polling stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, p.interval)
	defer cancel()

	text, err := p.fetch(ctx)
	if parent.Err() != nil {
		return
	}
	p.metrics.RuntimeLogPoll(err)
	if err != nil {
		p.logger.Warn("failed to fetch runtime logs", "error", err)
		return
	}
	p.sink(text)
}
