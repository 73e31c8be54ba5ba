package backendtest

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// subscriber abstracts one connected push client.
type subscriber interface {
	Send([]byte) error
	Close()
}

// conn wraps a websocket connection accepted by the fake backend.
type conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex
}

func (c *conn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Debug("websocket send failed", "error", err)
		_ = c.ws.Close()
		return err
	}
	return nil
}

func (c *conn) Close() {
	_ = c.ws.Close()
}

// hub fans frames out to every connected client, like the real backend does.
type hub struct {
	clients   map[subscriber]struct{}
	register  chan subscriber
	unreg     chan subscriber
	broadcast chan []byte
	dropAll   chan chan struct{}
	count     chan chan int
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func newHub() *hub {
	h := &hub{
		clients:   make(map[subscriber]struct{}),
		register:  make(chan subscriber),
		unreg:     make(chan subscriber),
		broadcast: make(chan []byte),
		dropAll:   make(chan chan struct{}),
		count:     make(chan chan int),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			for c := range h.clients {
				c.Close()
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unreg:
			delete(h.clients, c)
		case payload := <-h.broadcast:
			for c := range h.clients {
				if err := c.Send(payload); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
		case ack := <-h.dropAll:
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			close(ack)
		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

func (h *hub) Register(c subscriber) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *hub) Unregister(c subscriber) {
	select {
	case h.unreg <- c:
	case <-h.done:
	}
}

func (h *hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// DropAll closes every client connection.
func (h *hub) DropAll() {
	ack := make(chan struct{})
	select {
	case h.dropAll <- ack:
		<-ack
	case <-h.done:
	}
}

// Len returns the number of registered clients.
func (h *hub) Len() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

func (h *hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}
