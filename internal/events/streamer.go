package events

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Streamer fans bus events out to websocket clients for live
// dashboards. Slow clients are disconnected rather than buffered
// without bound.
type Streamer struct {
	bus        *Bus
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
	done       chan struct{}
	once       sync.Once
}

// NewStreamer attaches a streamer to the bus. Run must be called before
// serving connections.
func NewStreamer(bus *Bus) *Streamer {
	return &Streamer{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
		done:   make(chan struct{}),
	}
}

// Run pumps bus events to connected clients until Shutdown.
func (s *Streamer) Run() {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client connected (total: %d)", total)

		case client := <-s.unregister:
			s.drop(client)

		case event := <-sub:
			payload, err := event.JSON()
			if err != nil {
				continue
			}
			s.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for c := range s.clients {
				conns = append(conns, c)
			}
			s.mu.RUnlock()
			for _, c := range conns {
				c.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
					s.drop(c)
				}
			}

		case <-s.done:
			s.mu.Lock()
			for c := range s.clients {
				c.Close()
			}
			s.clients = make(map[*websocket.Conn]bool)
			s.mu.Unlock()
			return
		}
	}
}

func (s *Streamer) drop(c *websocket.Conn) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.Close()
	}
	s.mu.Unlock()
}

// HandleWS upgrades a request and registers the connection. The read
// loop only consumes control frames; clients are write-only.
func (s *Streamer) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}
	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount reports connected websocket clients.
func (s *Streamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown disconnects all clients and stops the pump.
func (s *Streamer) Shutdown() {
	s.once.Do(func() { close(s.done) })
}
