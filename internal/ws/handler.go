package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Handler upgrades HTTP requests to WebSocket connections on one hub and
// runs their pumps.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a Handler for hub. Every origin is accepted until
// SetCheckOrigin is called.
func NewHandler(hub *Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.With().Str("component", "ws").Str("channel", hub.Name()).Logger(),
	}
}

// Hub returns the handler's hub.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// Serve handles GET / - upgrades the connection and registers the client.
func (h *Handler) Serve(c *gin.Context) {
	if h.hub.limit > 0 && h.hub.ClientCount() >= h.hub.limit {
		c.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":    "CHANNEL_BUSY",
				"message": "the " + h.hub.Name() + " channel already has a subscriber",
			},
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		h.logger.Debug().Err(err).Msg("Upgrade failed")
		return
	}

	client := NewClient(h.hub, conn)
	if err := h.hub.Register(client); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.logger.Info().Str("conn", client.ID()).Str("remote", conn.RemoteAddr().String()).Msg("Client connected")

	go h.writePump(client)
	go h.readPump(client)
}

// readPump pumps messages from the WebSocket connection to the hub.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.Conn().Close()
		h.logger.Info().Str("conn", client.ID()).Msg("Client disconnected")
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("conn", client.ID()).Msg("WebSocket error")
			}
			break
		}

		h.hub.HandleMessage(client, message)
	}
}

// writePump pumps queued messages to the WebSocket connection, one frame per
// message.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Close()
		client.Conn().Close()
	}()

	write := func(msg *outbound) error {
		if !msg.claim() {
			return nil
		}
		client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
		err := client.Conn().WriteMessage(websocket.TextMessage, msg.data)
		msg.ack <- err
		return err
	}

	for {
		select {
		case msg := <-client.send:
			if err := write(msg); err != nil {
				return
			}

			// Process any queued messages, sending each in its own frame
			n := len(client.send)
			for i := 0; i < n; i++ {
				if err := write(<-client.send); err != nil {
					return
				}
			}
		case <-client.Done():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			client.Conn().WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SetCheckOrigin sets the origin checker for upgrades. Call it before the
// handler serves requests.
func (h *Handler) SetCheckOrigin(fn func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

// AllowOrigins returns an origin checker accepting requests without an
// Origin header (non-browser clients) and those whose Origin is listed. A
// "*" entry accepts every origin.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSuffix(strings.TrimSpace(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}
