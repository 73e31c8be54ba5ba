package push

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu     sync.Mutex
	events []stateChange
}

type stateChange struct {
	connected bool
	epoch     uint64
}

func (r *stateRecorder) record(connected bool, epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stateChange{connected: connected, epoch: epoch})
}

func (r *stateRecorder) snapshot() []stateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stateChange(nil), r.events...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// wsServer upgrades every request and hands the connection to handle.
func wsServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func TestChannelDeliversFramesInOrder(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("one"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("two"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("three"))
		drain(conn)
	})

	var mu sync.Mutex
	var got []string
	ch := New(wsURL(srv))
	ch.OnMessage(func(frame []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(frame))
	})
	require.NoError(t, ch.Connect())
	defer ch.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
	mu.Unlock()
	assert.True(t, ch.Connected())
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	var accepted atomic.Int32
	srv := wsServer(t, func(conn *websocket.Conn) {
		if accepted.Add(1) == 1 {
			// first connection drops immediately
			_ = conn.Close()
			return
		}
		drain(conn)
	})

	rec := &stateRecorder{}
	ch := New(wsURL(srv), WithReconnectDelay(50*time.Millisecond))
	ch.OnStateChange(rec.record)
	require.NoError(t, ch.Connect())
	defer ch.Close()

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) >= 3
	}, 3*time.Second, 10*time.Millisecond)

	events := rec.snapshot()
	assert.Equal(t, stateChange{connected: true, epoch: 1}, events[0])
	assert.Equal(t, stateChange{connected: false, epoch: 1}, events[1])
	assert.Equal(t, stateChange{connected: true, epoch: 2}, events[2])
	assert.True(t, ch.Connected())
	assert.Equal(t, int32(2), accepted.Load())
}

func TestChannelNeverOverlapsDialAttempts(t *testing.T) {
	var inFlight, maxInFlight, attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		attempts.Add(1)
		time.Sleep(20 * time.Millisecond)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ch := New(wsURL(srv), WithReconnectDelay(10*time.Millisecond))
	require.NoError(t, ch.Connect())
	require.NoError(t, ch.Connect())

	require.Eventually(t, func() bool {
		return attempts.Load() >= 5
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, ch.Close())

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.False(t, ch.Connected())
}

func TestChannelCloseStopsCallbacks(t *testing.T) {
	stop := make(chan struct{})
	srv := wsServer(t, func(conn *websocket.Conn) {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte("tick")); err != nil {
					return
				}
			}
		}
	})
	defer close(stop)

	var frames atomic.Int32
	ch := New(wsURL(srv), WithReconnectDelay(10*time.Millisecond))
	ch.OnMessage(func([]byte) { frames.Add(1) })
	require.NoError(t, ch.Connect())

	require.Eventually(t, func() bool { return frames.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, ch.Close())

	after := frames.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, frames.Load())
	assert.ErrorIs(t, ch.Connect(), ErrClosed)
	assert.NoError(t, ch.Close())
}

func TestOnMessageCancelUnregisters(t *testing.T) {
	release := make(chan struct{})
	srv := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("first"))
		<-release
		_ = conn.WriteMessage(websocket.TextMessage, []byte("second"))
		drain(conn)
	})

	var kept, dropped atomic.Int32
	ch := New(wsURL(srv))
	cancel := ch.OnMessage(func([]byte) { dropped.Add(1) })
	ch.OnMessage(func([]byte) { kept.Add(1) })
	require.NoError(t, ch.Connect())
	defer ch.Close()

	require.Eventually(t, func() bool { return kept.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	close(release)
	require.Eventually(t, func() bool { return kept.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), dropped.Load())
}
