// Package dashboard pushes queue and sync state to the PWA over a WebSocket.
//
// The browser subscribes to /ws and receives pending-count badges, status
// lines and sync summaries as they happen, so it never has to poll the
// local queue.
//
// Broadcasts go through a bounded outbox. A fan-out goroutine encodes each
// message once and hands it to every client's own buffer; each client is
// written by its request goroutine. A client whose buffer is full is
// disconnected instead of holding up the others, and a full outbox drops
// the message.
package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypePendingCount carries the new pending count of one kind
	MessageTypePendingCount MessageType = "pending_count"

	// MessageTypeStatus carries a user-visible status line
	MessageTypeStatus MessageType = "status"

	// MessageTypeSyncComplete summarizes a finished sync run
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeStats carries pending counts of every kind
	MessageTypeStats MessageType = "stats"
)

// Message is one frame sent to the PWA.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const writeTimeout = 5 * time.Second

// Config holds server configuration
type Config struct {
	// BufferSize is the outbox length (default: 100)
	BufferSize int

	// ClientBuffer is how many frames a client may fall behind before it
	// is disconnected (default: 16)
	ClientBuffer int

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BufferSize:   100,
		ClientBuffer: 16,
		Logger:       log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// client is one connected browser tab.
type client struct {
	conn   *websocket.Conn
	frames chan []byte
}

// Server fans dashboard messages out to WebSocket clients.
type Server struct {
	config *Config
	outbox chan Message
	done   chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*client]struct{}
	welcome func() Message
	stopped bool
}

// NewServer creates a server. Call Start to begin delivering broadcasts.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = def.ClientBuffer
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	return &Server{
		config:  config,
		outbox:  make(chan Message, config.BufferSize),
		done:    make(chan struct{}),
		clients: make(map[*client]struct{}),
	}
}

// Mount registers the /ws and /health routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
}

// SetWelcome sets the message sent to every client when it connects.
func (s *Server) SetWelcome(fn func() Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.welcome = fn
}

// Start begins delivering broadcasts.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.fanOut()
}

// Stop disconnects every client and waits for the server's goroutines.
// It is safe to call more than once, with or without Start.
func (s *Server) Stop() {
	s.stop.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		close(s.done)
		s.wg.Wait()
		s.config.Logger.Println("Dashboard stopped")
	})
}

// Broadcast queues msg for every connected client. It never blocks.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.outbox <- msg:
	default:
		s.config.Logger.Printf("Warning: outbox full, dropping %s message", msg.Type)
	}
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) fanOut() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbox:
			frame, err := json.Marshal(msg)
			if err != nil {
				s.config.Logger.Printf("Failed to encode %s message: %v", msg.Type, err)
				continue
			}
			s.deliver(frame)
		}
	}
}

// deliver hands frame to every client, disconnecting those that are full.
func (s *Server) deliver(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		select {
		case c.frames <- frame:
		default:
			// The client's writer sees the closed channel and hangs up.
			delete(s.clients, c)
			close(c.frames)
			s.config.Logger.Printf("Dropped slow client (total: %d)", len(s.clients))
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The PWA is served from a different origin than this local agent
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, frames: make(chan []byte, s.config.ClientBuffer+1)}
	if !s.register(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.wg.Done()
	defer s.unregister(c)

	// Clients only listen; CloseRead handles control frames and reports
	// when the browser goes away.
	gone := conn.CloseRead(context.Background())
	s.write(gone, c)
}

// register queues the welcome frame and adds c. It reports false once the
// server is stopping.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	welcome := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if s.welcome != nil {
		welcome = s.welcome()
	}
	if frame, err := json.Marshal(welcome); err == nil {
		c.frames <- frame
	}

	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.config.Logger.Printf("Client connected (total: %d)", len(s.clients))
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()

	if ok {
		s.config.Logger.Printf("Client disconnected (total: %d)", n)
	}
}

// write sends c's frames until the client leaves, falls behind or the
// server stops.
func (s *Server) write(gone context.Context, c *client) {
	for {
		select {
		case <-gone.Done():
			return
		case <-s.done:
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case frame, ok := <-c.frames:
			if !ok {
				_ = c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			ctx, cancel := context.WithTimeout(gone, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.config.Logger.Printf("Failed to send to client: %v", err)
				_ = c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
