package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"fleetview/internal/models"
	"fleetview/internal/session"
	"fleetview/internal/view"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 2048

	// Outbound messages queued per dashboard
	sendBuffer = 256
)

// Message types sent to the dashboard
const (
	TypeRosterSnapshot = "roster_snapshot"
	TypeVehicleUpdate  = "vehicle_update"
	TypeSnapshotFailed = "snapshot_failed"
	TypePong           = "pong"
)

// Client represents a dashboard WebSocket connection and the view it owns.
// It is the view's renderer.
type Client struct {
	ID       string
	UserID   string
	UserRole string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	view     *view.View

	mu       sync.Mutex
	closed   bool
	dropOnce sync.Once
}

// IncomingMessage represents a message from the dashboard
type IncomingMessage struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// OutgoingMessage is the envelope of everything sent to the dashboard
type OutgoingMessage struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// SnapshotFailedData tells the dashboard the roster could not be loaded
type SnapshotFailedData struct {
	Error string `json:"error"`
}

// NewClient creates a client and the view it owns. The client shares the
// view's ID.
func NewClient(userID, userRole string, cred session.Credential, conn *websocket.Conn, hub *Hub) *Client {
	c := &Client{
		UserID:   userID,
		UserRole: userRole,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBuffer),
	}
	c.view = hub.newView(cred, c)
	c.ID = c.view.ID
	return c
}

// RenderSnapshot sends the whole roster.
func (c *Client) RenderSnapshot(records []models.VehicleRecord) {
	if records == nil {
		records = []models.VehicleRecord{}
	}
	c.enqueue(TypeRosterSnapshot, records)
}

// RenderVehicle sends one changed record.
func (c *Client) RenderVehicle(record models.VehicleRecord) {
	c.enqueue(TypeVehicleUpdate, record)
}

// RenderError tells the dashboard the snapshot failed.
func (c *Client) RenderError(err error) {
	c.enqueue(TypeSnapshotFailed, SnapshotFailedData{Error: err.Error()})
}

// enqueue never blocks the view loop. A dashboard that cannot keep up is
// disconnected.
func (c *Client) enqueue(msgType string, data interface{}) {
	payload, err := json.Marshal(OutgoingMessage{
		Type:      msgType,
		Timestamp: time.Now().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		log.WithField("client", c.ID).Errorf("❌ Failed to marshal %s: %v", msgType, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- payload:
	default:
		c.dropOnce.Do(func() {
			log.WithField("client", c.ID).Warn("⚠️ Client buffer full, disconnecting")
			c.conn.Close()
		})
	}
}

// closeSend stops the write pump once nothing renders anymore.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps messages from the WebSocket connection. It unregisters the
// client when the connection ends.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithField("client", c.ID).Warnf("WebSocket error: %v", err)
			}
			break
		}

		var msg IncomingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.WithField("client", c.ID).Debugf("Invalid message format: %v", err)
			continue
		}

		switch msg.Type {
		case "ping":
			c.enqueue(TypePong, nil)
		}
	}
}

// WritePump pumps messages from the view to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
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
