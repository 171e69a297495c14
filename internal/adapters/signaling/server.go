package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 16
)

// Server is the bot-to-client signaling channel: a websocket endpoint that
// broadcasts trade instructions (open-long, open-short, close-position) to
// every connected client. Clients are typically UI automation agents
// mirroring the bot's trades.
type Server struct {
	logger   ports.Logger
	upgrader websocket.Upgrader
	srv      *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a signaling server listening on addr.
func New(addr string, logger ports.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for signaling server")
	}
	s := &Server{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are local automation agents; origin checks add nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

// Handler exposes the websocket endpoint, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Stop is called. Intended to run in its own goroutine.
func (s *Server) Start(ctx context.Context) {
	s.logger.Info(ctx, "Signaling server listening", map[string]interface{}{"addr": s.srv.Addr})
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error(ctx, "Signaling server failed", map[string]interface{}{"error": err.Error()})
	}
}

// Stop shuts the server down and disconnects all clients.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
	s.mu.Unlock()
	return s.srv.Shutdown(ctx)
}

// Broadcast sends one message to every connected client. Clients that
// cannot keep up are disconnected rather than allowed to stall the bot.
func (s *Server) Broadcast(msg ports.SignalMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling signal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- payload:
		default:
			s.logger.Warn(context.Background(), "Signaling client too slow, dropping", nil)
			close(c.send)
			delete(s.clients, c)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info(r.Context(), "Signaling client connected", map[string]interface{}{"clients": n})

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		close(c.send)
		delete(s.clients, c)
	}
	n := len(s.clients)
	s.mu.Unlock()
	c.conn.Close()
	s.logger.Info(context.Background(), "Signaling client disconnected", map[string]interface{}{"clients": n})
}

// writePump delivers broadcasts and periodic protocol-level pings.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	ping, _ := json.Marshal(ports.SignalMessage{Type: ports.SignalPing})

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				c.conn.Close()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				s.drop(c)
				return
			}
		}
	}
}

// readPump consumes client frames. Client pings are answered with a pong;
// everything else is ignored.
func (s *Server) readPump(c *client) {
	defer s.drop(c)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ports.SignalMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type == ports.SignalPing {
			pong, _ := json.Marshal(ports.SignalMessage{Type: ports.SignalPong})
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				select {
				case c.send <- pong:
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}
