package realtime

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"salescoach-server/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Upgrader configures manager WebSocket upgrades
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one manager connection registered with the hub
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	logger    *logrus.Logger
	orgID     string
	managerID string

	// callUUID is set for listen-in connections, empty for the org channel
	callUUID string
}

// enqueue queues data for the write pump. Returns false when the client's
// buffer is full, which the hub treats as a dead connection.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ServeManagerWS upgrades an organization-channel connection. The manager
// receives alerts, resolutions, and call updates for their organization.
func (h *Hub) ServeManagerWS(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

// ServeListenWS upgrades a listen-in connection for one call. History is
// replayed before live events.
func (h *Hub) ServeListenWS(w http.ResponseWriter, r *http.Request) {
	callUUID := r.URL.Query().Get("call_uuid")
	if callUUID == "" {
		http.Error(w, "call_uuid required", http.StatusBadRequest)
		return
	}
	h.serve(w, r, callUUID)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, callUUID string) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		http.Error(w, "org_id required", http.StatusBadRequest)
		return
	}

	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade manager connection")
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		logger:    h.logger,
		orgID:     orgID,
		managerID: r.URL.Query().Get("manager_id"),
		callUUID:  callUUID,
	}

	if !h.enroll(client) {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// readPump consumes the connection to observe pongs and closes. A
// connection that misses two ping intervals is stale and torn down.
func (c *Client) readPump() {
	pongWait := 2 * c.hub.pingInterval
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				metrics.RecordStaleConnection()
				c.logger.WithField("org_id", c.orgID).Warn("Terminating stale manager connection")
			}
			return
		}
	}
}

// writePump delivers queued events and pings on the hub's interval
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
