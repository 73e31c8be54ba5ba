package push

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orchestro/console/internal/metrics"
	"github.com/orchestro/console/pkg/logger"
)

// DefaultReconnectDelay is the fixed wait between a drop and the next dial.
const DefaultReconnectDelay = 3 * time.Second

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// ErrClosed is returned when connecting a channel that was already closed.
var ErrClosed = errors.New("push channel closed")

// MessageFunc receives raw frames in arrival order.
type MessageFunc func(frame []byte)

// StateFunc observes connection state changes. epoch counts successful connections,
// starting at 1.
type StateFunc func(connected bool, epoch uint64)

// Option customises a Channel.
type Option func(*Channel)

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithDialer overrides websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithHeader sets extra headers sent with every handshake.
func WithHeader(h http.Header) Option {
	return func(c *Channel) {
		c.header = h.Clone()
	}
}

// WithLogger sets the channel logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records connection metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

type messageSub struct {
	id uint64
	fn MessageFunc
}

type stateSub struct {
	id uint64
	fn StateFunc
}

// Channel owns one long-lived websocket connection and keeps it open until Close.
//
// After a drop it waits a fixed delay and dials again, forever. Frames missed while
// disconnected are not replayed; consumers refetch on every new epoch.
type Channel struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	delay   time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	closed    bool
	dialing   bool
	conn      *websocket.Conn
	timer     *time.Timer
	epoch     uint64
	nextSubID uint64
	onMessage []messageSub
	onState   []stateSub

	connected atomic.Bool
	wg        sync.WaitGroup
}

// New constructs a Channel for the websocket endpoint at rawURL. It does not dial.
func New(rawURL string, opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:    rawURL,
		dialer: websocket.DefaultDialer,
		delay:  DefaultReconnectDelay,
		logger: logger.Discard(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "push_channel", "url", rawURL)
	return c
}

// OnMessage registers fn for every frame received. The returned func unregisters it.
func (c *Channel) OnMessage(fn MessageFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.onMessage = append(c.onMessage, messageSub{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.onMessage {
			if sub.id == id {
				c.onMessage = append(c.onMessage[:i:i], c.onMessage[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn for connect and disconnect transitions.
func (c *Channel) OnStateChange(fn StateFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.onState = append(c.onState, stateSub{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.onState {
			if sub.id == id {
				c.onState = append(c.onState[:i:i], c.onState[i+1:]...)
				return
			}
		}
	}
}

// Connect starts the first dial in the background. Calling it again is a no-op.
func (c *Channel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	c.wg.Add(1)
	go c.dial()
	return nil
}

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Close stops reconnecting, closes the socket and waits until no callback can run.
// It must not be called from inside a MessageFunc or StateFunc.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

// dial performs a single connection attempt. Every call is balanced by a prior wg.Add.
func (c *Channel) dial() {
	defer c.wg.Done()

	c.mu.Lock()
	if c.closed || c.dialing {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.timer = nil
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(c.ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	c.dialing = false
	if c.closed {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("push channel dial failed", "error", err)
		c.scheduleReconnect()
		return
	}
	c.conn = conn
	c.epoch++
	epoch := c.epoch
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(conn, epoch)
}

func (c *Channel) readLoop(conn *websocket.Conn, epoch uint64) {
	defer c.wg.Done()

	c.logger.Info("push channel connected", "epoch", epoch)
	c.setState(true, epoch)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	c.wg.Add(1)
	go c.keepalive(conn, stop)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("push channel read failed", "epoch", epoch, "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.deliver(frame)
	}
	close(stop)
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	c.logger.Info("push channel disconnected", "epoch", epoch)
	c.setState(false, epoch)
	if !closed {
		c.scheduleReconnect()
	}
}

func (c *Channel) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("push channel ping failed", "error", err)
				return
			}
		}
	}
}

// scheduleReconnect replaces any pending timer with a single new one.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopTimerLocked()
	c.wg.Add(1)
	c.timer = time.AfterFunc(c.delay, c.dial)
	c.metrics.Reconnect()
	c.logger.Info("push channel reconnect scheduled", "delay", c.delay)
}

func (c *Channel) stopTimerLocked() {
	if c.timer == nil {
		return
	}
	if c.timer.Stop() {
		// the callback will never run, so release its wait group slot here
		c.wg.Done()
	}
	c.timer = nil
}

func (c *Channel) deliver(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	subs := append([]messageSub(nil), c.onMessage...)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.fn(frame)
	}
}

func (c *Channel) setState(connected bool, epoch uint64) {
	c.connected.Store(connected)
	c.metrics.Connected(connected)
	c.mu.Lock()
	subs := append([]stateSub(nil), c.onState...)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.fn(connected, epoch)
	}
}
