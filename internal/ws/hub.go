package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrClientClosed is returned when delivering to a closed connection.
	ErrClientClosed = errors.New("client connection closed")

	// ErrHubFull is returned when registering past a hub's capacity.
	ErrHubFull = errors.New("hub is full")
)

const (
	msgQueued int32 = iota
	msgWriting
	msgAbandoned
)

// outbound is one queued message. ack receives the write result once the
// write pump has claimed it.
type outbound struct {
	data  []byte
	ack   chan error
	state atomic.Int32
}

// claim marks the message as being written. It fails if the sender gave up
// while the message was queued.
func (m *outbound) claim() bool {
	return m.state.CompareAndSwap(msgQueued, msgWriting)
}

// abandon withdraws a queued message. It fails once the write has started.
func (m *outbound) abandon() bool {
	return m.state.CompareAndSwap(msgQueued, msgAbandoned)
}

// Client represents a WebSocket client connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan *outbound

	once sync.Once
	done chan struct{}
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.New().String(),
		hub:  hub,
		conn: conn,
		send: make(chan *outbound, 256),
		done: make(chan struct{}),
	}
}

// ID returns the connection ID.
func (c *Client) ID() string {
	return c.id
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Deliver queues a message and waits until the write pump has written it.
// If ctx ends while the message is still queued it is never written; once
// the write has started Deliver waits for it to finish.
func (c *Client) Deliver(ctx context.Context, data []byte) error {
	msg := &outbound{data: data, ack: make(chan error, 1)}

	select {
	case c.send <- msg:
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-msg.ack:
		return err
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		if msg.abandon() {
			return ctx.Err()
		}
	}

	select {
	case err := <-msg.ack:
		return err
	case <-c.done:
		return ErrClientClosed
	}
}

// Close marks the client closed; the write pump sends a close frame and
// exits.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Hub manages the WebSocket connections of one channel.
type Hub struct {
	name    string
	limit   int
	clients map[*Client]bool
	mu      sync.RWMutex

	// Callbacks
	onMessage    func(client *Client, data []byte)
	onDisconnect func(client *Client)
}

// NewHub creates a Hub. A positive limit caps the number of clients.
func NewHub(name string, limit int) *Hub {
	return &Hub{
		name:    name,
		limit:   limit,
		clients: make(map[*Client]bool),
	}
}

// Name returns the channel name.
func (h *Hub) Name() string {
	return h.name
}

// SetOnMessage sets the callback for incoming messages.
func (h *Hub) SetOnMessage(callback func(client *Client, data []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = callback
}

// SetOnDisconnect sets the callback run after a registered client is
// unregistered.
func (h *Hub) SetOnDisconnect(callback func(client *Client)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = callback
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 && len(h.clients) >= h.limit {
		return ErrHubFull
	}
	h.clients[client] = true
	return nil
}

// Unregister removes a client from the hub and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	onDisconnect := h.onDisconnect
	h.mu.Unlock()

	client.Close()

	if ok && onDisconnect != nil {
		onDisconnect(client)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HasClients returns true if there are connected clients.
func (h *Hub) HasClients() bool {
	return h.ClientCount() > 0
}

// First returns any connected client, or nil. On a hub limited to one client
// it is the subscriber.
func (h *Hub) First() *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		return client
	}
	return nil
}

// HandleMessage processes an incoming message from a client.
func (h *Hub) HandleMessage(client *Client, data []byte) {
	h.mu.RLock()
	callback := h.onMessage
	h.mu.RUnlock()

	if callback != nil {
		callback(client, data)
	}
}

// Close closes all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
