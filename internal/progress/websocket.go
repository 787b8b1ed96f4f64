package progress

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/hostsweep/internal/logging"
	"github.com/anstrom/hostsweep/internal/pipeline"
)

const (
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	clientBuffer    = 64                                                 // Queued messages per client before it is dropped
)

// DefaultHubBuffer is the broadcast queue size used when none is configured.
const DefaultHubBuffer = 256

// Hub broadcasts progress events to websocket clients.
type Hub struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	shutdown   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	mutex      sync.RWMutex

	// writers counts running writePumps. Add only happens in run, so it
	// never races with the Wait in Shutdown.
	writers sync.WaitGroup
}

// client is one websocket connection. writePump is the only writer of conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub and starts its loop.
func NewHub(buffer int, logger *logging.Logger) *Hub {
	if buffer < 1 {
		buffer = DefaultHubBuffer
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Hub{
		logger: logger.WithComponent("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, buffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	go h.run()

	return h
}

// run manages client connections and broadcasts.
func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.shutdown:
			h.flush()
			h.mutex.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mutex.Unlock()
			h.logger.Debug("websocket hub shutting down")
			return

		case c := <-h.register:
			h.writers.Add(1)
			h.mutex.Lock()
			h.clients[c] = true
			h.mutex.Unlock()
			h.logger.Debug("client registered", "total_clients", h.ClientCount())

		case c := <-h.unregister:
			h.mutex.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mutex.Unlock()
			h.logger.Debug("client unregistered", "total_clients", h.ClientCount())

		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

// flush hands every event still queued for broadcast to the clients, so
// the events emitted just before shutdown are still delivered.
func (h *Hub) flush() {
	for {
		select {
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		default:
			return
		}
	}
}

// broadcastToClients queues message for every client. A client whose queue
// is full is disconnected.
func (h *Hub) broadcastToClients(message []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			h.logger.Warn("client too slow, closing connection", "remote_addr", c.conn.RemoteAddr().String())
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// ServeWS upgrades the request and streams events until the peer leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	h.logger.Info("new progress websocket connection", "remote_addr", r.RemoteAddr)

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.shutdown:
		_ = conn.Close()
		return
	}

	go func() {
		defer h.writers.Done()
		h.writePump(c)
	}()
	h.readPump(c)
}

// readPump drains the connection so control frames are processed. Incoming
// messages are ignored.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Error("failed to set read deadline", "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket unexpected close", "error", err)
			}
			return
		}
	}
}

// writePump writes queued messages and pings to the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("write failed, closing connection", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("ping failed, closing connection", "error", err)
				return
			}
		}
	}
}

// Emit implements pipeline.Sink. The event is dropped when the broadcast
// queue is full.
func (h *Hub) Emit(e pipeline.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to marshal progress event", "type", e.Type, "error", err)
		return
	}

	select {
	case <-h.shutdown:
		h.logger.Warn("hub shut down, dropping event", "type", e.Type)
		return
	default:
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", e.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Shutdown delivers the events already emitted, then disconnects every
// client and stops the hub. It returns once each client's queue has been
// written out or its write deadline has passed.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.shutdown) })
	<-h.done
	h.writers.Wait()
}
