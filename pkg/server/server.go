// Package server exposes the session to local subscribers: a JSON config
// handshake on connect, then binary packets, over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/session"
)

// Client is one connected subscriber with a bounded outbound queue.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// writePump drains the send queue to the socket. It owns every data write
// on the connection.
func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
}

// Server accepts data subscribers and fans encoded packets out to them.
type Server struct {
	cfg       *config.Config
	sess      *session.Session
	handshake []byte
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]bool

	ln   net.Listener
	http *http.Server
}

func New(cfg *config.Config, sess *session.Session, handshake []byte) *Server {
	return &Server{
		cfg:       cfg,
		sess:      sess,
		handshake: handshake,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
		},
		clients: make(map[*Client]bool),
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return err
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.http = &http.Server{Handler: mux}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: %v", err)
		}
	}()
	log.Printf("server: listening on %s", ln.Addr())
	return nil
}

// Addr is the bound address, useful when listening on ":0".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Broadcast queues a packet for every connected client. A client whose
// queue is full is closed with a policy-violation code rather than allowed
// to stall the rest.
func (s *Server) Broadcast(packet []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- packet:
		default:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"),
				time.Now().Add(time.Second))
			delete(s.clients, c)
			close(c.send)
			log.Printf("server: dropped slow consumer %s", c.conn.RemoteAddr())
		}
	}
}

// ClientCount reports connected subscribers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, s.handshake); err != nil {
		conn.Close()
		return
	}

	client := &Client{conn: conn, send: make(chan []byte, s.cfg.Server.SendQueue)}
	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()
	log.Printf("server: client connected from %s", conn.RemoteAddr())

	go client.writePump()

	// Read until the peer goes away; inbound payloads are ignored, the
	// protocol is one-way after the handshake.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.unregister(client)
	log.Printf("server: client disconnected")
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c] {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h := s.sess.Health()
	h.Subscribers = s.ClientCount()
	status := struct {
		State            string `json:"state"`
		BatchesPublished uint64 `json:"batches_published"`
		BatchesDropped   uint64 `json:"batches_dropped"`
		Subscribers      int    `json:"subscribers"`
		Recording        string `json:"recording,omitempty"`
		RowsRecorded     uint64 `json:"rows_recorded,omitempty"`
	}{
		State:            h.State,
		BatchesPublished: h.BatchesPublished,
		BatchesDropped:   h.BatchesDropped,
		Subscribers:      h.Subscribers,
	}
	if rec := s.sess.Recorder(); rec != nil {
		status.Recording = rec.Path()
		status.RowsRecorded = rec.Rows()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Shutdown closes every client and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}
