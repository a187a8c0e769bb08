package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"pm_chat/internal/utils/log"
)

type (
	// Client is one socket connection. UserID is plain data set once auth
	// succeeds; the registry holds the reverse index.
	Client struct {
		ID     string
		UserID string

		conn *websocket.Conn
		send chan []byte

		mu     sync.Mutex
		closed bool
	}

	// Registry is the live routing table: userID -> connID -> Client.
	Registry struct {
		mu     sync.RWMutex
		routes map[string]map[string]*Client
	}
)

func newClient(conn *websocket.Conn, buffer int) *Client {
	return &Client{
		ID:   ulid.Make().String(),
		conn: conn,
		send: make(chan []byte, buffer),
	}
}

// Enqueue hands data to the write pump. It reports false when the client is
// closed or its buffer is full.
func (c *Client) Enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) writePump(writeTimeout time.Duration) {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug("socket write failed", zap.String("conn", c.ID), zap.String("user", c.UserID), zap.Error(err))
			c.close()
			for range c.send {
			}
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]map[string]*Client)}
}

func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.routes[c.UserID]
	if !ok {
		set = make(map[string]*Client)
		r.routes[c.UserID] = set
	}
	set[c.ID] = c
}

// Remove drops c and deletes the user's entry once its set is empty.
func (r *Registry) Remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.routes[c.UserID]
	if !ok {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(r.routes, c.UserID)
	}
}

// Connections snapshots the live connections for userID.
func (r *Registry) Connections(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.routes[userID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[userID]
	return ok
}

// Users returns the number of identities with at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// CloseAll closes every connection, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var all []*Client
	for _, set := range r.routes {
		for _, c := range set {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}
